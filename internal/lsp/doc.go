// Package lsp implements a multiplexing Language Server Protocol client.
//
// The engine launches one server subprocess per distinct command signature,
// routes requests by file extension, and hides protocol framing, capability
// differences, and process lifecycle behind a uniform surface.
//
// # Architecture
//
// The package is built bottom-up from five pieces:
//
//   - Transport: Content-Length framing, request/response correlation by id,
//     and inline answering of server-to-client requests.
//   - Session: one running server process, from spawn through the initialize
//     handshake to Ready, with open-document and diagnostics tracking.
//   - Engine: the session table, single-flight starts, the failed-server
//     set, and the capability cache.
//   - Diagnostics: push cache first, then pull, idle-wait, and forced
//     re-evaluation fallbacks.
//   - Edit application: deterministic, order-independent application of
//     workspace edits to in-memory content.
//
// # Quick Start
//
//	descriptors := lsp.MergeDescriptors(nil, lsp.DefaultDescriptors())
//	engine := lsp.NewEngine(descriptors,
//		lsp.WithWorkspace("."),
//		lsp.WithLogger(logger),
//	)
//	defer engine.Shutdown(context.Background())
//
//	sess, err := engine.OpenFromDisk(ctx, "main.go")
//	if err != nil {
//		return err
//	}
//	locs, err := sess.Definition(ctx, "main.go", lsp.Position{Line: 9, Character: 4})
package lsp

// Version identifies this client to servers during initialize.
const Version = "0.1.0"
