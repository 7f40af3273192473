package lsp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionInitializeAnswersConfigurationMidHandshake(t *testing.T) {
	// Some servers request workspace/configuration before answering
	// initialize. The handshake must not deadlock on that.
	desc := ServerDescriptor{
		Extensions: []string{"go"},
		Command:    []string{"fake-ls"},
		Settings:   map[string]any{"usePlaceholders": true},
	}
	s := newSession(desc, testConfig(), nil, zap.NewNop(), nil)

	configReply := make(chan json.RawMessage, 1)
	var initID json.RawMessage
	handle := func(fs *fakeServer, msg Message) {
		switch {
		case msg.Method == "initialize":
			initID = msg.ID
			fs.request(1, "workspace/configuration", map[string]any{
				"items": []map[string]string{{"section": "fake"}},
			})
		case msg.Kind() == KindResponse && initID != nil:
			configReply <- msg.Result
			fs.respond(initID, map[string]any{
				"capabilities": json.RawMessage(defaultCaps),
				"serverInfo":   map[string]string{"name": "fake-ls", "version": "9"},
			})
			initID = nil
		}
	}

	tr, fs := newFakePipes(t, handle)
	s.transport = tr
	tr.OnNotification(s.handleNotification)
	tr.OnConfiguration(s.configuration)
	tr.Start(context.Background())

	require.NoError(t, s.initialize(context.Background()))

	assert.True(t, s.Capabilities().Has("hoverProvider"))
	require.NotNil(t, s.ServerInfo())
	assert.Equal(t, "fake-ls", s.ServerInfo().Name)

	select {
	case result := <-configReply:
		assert.JSONEq(t, `[{"usePlaceholders":true}]`, string(result))
	case <-time.After(time.Second):
		t.Fatal("configuration request never answered")
	}

	// initialized must follow the initialize response.
	_, ok := fs.await("initialized", time.Second)
	assert.True(t, ok)
}

func TestSessionPublishDiagnosticsCache(t *testing.T) {
	s, fs := startTestSession(t, defaultCaps, nil)

	path := "/work/main.go"
	_, seen := s.CachedDiagnostics(path)
	assert.False(t, seen)

	fs.notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{
		URI:     FilePathToURI(path),
		Version: 1,
		Diagnostics: []Diagnostic{{
			Range:    Range{Start: Position{Line: 2}, End: Position{Line: 2, Character: 5}},
			Severity: SeverityError,
			Message:  "undefined: foo",
		}},
	})

	require.Eventually(t, func() bool {
		_, ok := s.CachedDiagnostics(path)
		return ok
	}, time.Second, 5*time.Millisecond)

	diags, _ := s.CachedDiagnostics(path)
	require.Len(t, diags, 1)
	assert.Equal(t, "undefined: foo", diags[0].Message)
	assert.False(t, s.LastDiagnosticsUpdate(path).IsZero())

	// A later empty publish clears the set but still counts as seen.
	fs.notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{
		URI: FilePathToURI(path), Version: 2, Diagnostics: []Diagnostic{},
	})
	require.Eventually(t, func() bool {
		diags, ok := s.CachedDiagnostics(path)
		return ok && len(diags) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSessionDocumentLifecycle(t *testing.T) {
	s, fs := startTestSession(t, defaultCaps, nil)
	ctx := context.Background()
	path := "/work/a.go"

	require.NoError(t, s.OpenFile(ctx, path, "package a"))
	msg, ok := fs.await("textDocument/didOpen", time.Second)
	require.True(t, ok)

	var open DidOpenTextDocumentParams
	require.NoError(t, json.Unmarshal(msg.Params, &open))
	assert.Equal(t, FilePathToURI(path), open.TextDocument.URI)
	assert.Equal(t, "go", open.TextDocument.LanguageID)
	assert.Equal(t, 1, open.TextDocument.Version)
	assert.Equal(t, "package a", open.TextDocument.Text)

	assert.True(t, s.IsOpen(path))
	assert.ErrorIs(t, s.OpenFile(ctx, path, "x"), ErrDocumentAlreadyOpen)

	require.NoError(t, s.ChangeFile(ctx, path, "package a // v2"))
	msg, ok = fs.await("textDocument/didChange", time.Second)
	require.True(t, ok)

	var change DidChangeTextDocumentParams
	require.NoError(t, json.Unmarshal(msg.Params, &change))
	assert.Equal(t, 2, change.TextDocument.Version)
	require.Len(t, change.ContentChanges, 1)
	assert.Equal(t, "package a // v2", change.ContentChanges[0].Text)

	require.NoError(t, s.SaveFile(ctx, path, "package a // v2"))
	_, ok = fs.await("textDocument/didSave", time.Second)
	assert.True(t, ok)

	require.NoError(t, s.CloseFile(ctx, path))
	_, ok = fs.await("textDocument/didClose", time.Second)
	assert.True(t, ok)

	assert.False(t, s.IsOpen(path))
	assert.ErrorIs(t, s.ChangeFile(ctx, path, "x"), ErrDocumentNotOpen)
	assert.ErrorIs(t, s.CloseFile(ctx, path), ErrDocumentNotOpen)
}

func TestSessionNudge(t *testing.T) {
	s, fs := startTestSession(t, defaultCaps, nil)
	ctx := context.Background()
	path := "/work/b.go"

	require.NoError(t, s.OpenFile(ctx, path, "package b"))
	require.NoError(t, s.nudge(ctx, path))

	first, ok := fs.await("textDocument/didChange", time.Second)
	require.True(t, ok)
	second, ok := fs.await("textDocument/didChange", time.Second)
	require.True(t, ok)

	var c1, c2 DidChangeTextDocumentParams
	require.NoError(t, json.Unmarshal(first.Params, &c1))
	require.NoError(t, json.Unmarshal(second.Params, &c2))

	assert.Equal(t, "package b ", c1.ContentChanges[0].Text)
	assert.Equal(t, "package b", c2.ContentChanges[0].Text)
	assert.Equal(t, 2, c1.TextDocument.Version)
	assert.Equal(t, 3, c2.TextDocument.Version)

	docs := s.OpenDocuments()
	require.Len(t, docs, 1)
	assert.Equal(t, "package b", docs[0].Content)
	assert.Equal(t, 3, docs[0].Version)

	assert.ErrorIs(t, s.nudge(ctx, "/work/never-opened.go"), ErrDocumentNotOpen)
}

func TestSessionRequestsGatedByCapabilities(t *testing.T) {
	s, _ := startTestSession(t, `{"hoverProvider": true}`, func(fs *fakeServer, msg Message) {
		if msg.Method == "textDocument/hover" {
			fs.respond(msg.ID, map[string]any{"contents": "the docs"})
		}
	})
	ctx := context.Background()

	_, err := s.Definition(ctx, "/w/a.go", Position{})
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = s.References(ctx, "/w/a.go", Position{}, true)
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = s.Rename(ctx, "/w/a.go", Position{}, "newName")
	assert.ErrorIs(t, err, ErrNotSupported)
	_, err = s.Formatting(ctx, "/w/a.go", FormattingOptions{TabSize: 4})
	assert.ErrorIs(t, err, ErrNotSupported)

	hover, err := s.Hover(ctx, "/w/a.go", Position{Line: 1, Character: 2})
	require.NoError(t, err)
	require.NotNil(t, hover)
	assert.Equal(t, "the docs", hover.Text())
}

func TestSessionDefinitionNormalizesSingleLocation(t *testing.T) {
	s, _ := startTestSession(t, defaultCaps, func(fs *fakeServer, msg Message) {
		if msg.Method == "textDocument/definition" {
			fs.respond(msg.ID, Location{
				URI:   "file:///w/target.go",
				Range: Range{Start: Position{Line: 4}},
			})
		}
	})

	locs, err := s.Definition(context.Background(), "/w/a.go", Position{Line: 1})
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, DocumentURI("file:///w/target.go"), locs[0].URI)
}

func TestSessionWorkspaceSymbolsNullResult(t *testing.T) {
	s, _ := startTestSession(t, defaultCaps, func(fs *fakeServer, msg Message) {
		if msg.Method == "workspace/symbol" {
			fs.respond(msg.ID, nil)
		}
	})

	syms, err := s.WorkspaceSymbols(context.Background(), "anything")
	require.NoError(t, err)
	assert.NotNil(t, syms)
	assert.Empty(t, syms)
}

func TestSessionNotReady(t *testing.T) {
	desc := ServerDescriptor{Extensions: []string{"go"}, Command: []string{"fake-ls"}}
	s := newSession(desc, testConfig(), nil, zap.NewNop(), nil)

	assert.Equal(t, StatusStopped, s.Status())
	assert.ErrorIs(t, s.OpenFile(context.Background(), "/w/a.go", ""), ErrServerNotReady)
	assert.ErrorIs(t, s.ChangeFile(context.Background(), "/w/a.go", ""), ErrServerNotReady)
}

func TestSessionStatusString(t *testing.T) {
	assert.Equal(t, "ready", StatusReady.String())
	assert.Equal(t, "shutting down", StatusShuttingDown.String())
	assert.Equal(t, "unknown", SessionStatus(42).String())
}
