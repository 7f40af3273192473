package lsp

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// testConfig returns timing constants shrunk for tests.
func testConfig() EngineConfig {
	return EngineConfig{
		SpawnGrace:        10 * time.Millisecond,
		SettleDelay:       5 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
		InitializeTimeout: 2 * time.Second,
		DiagnosticMaxWait: 300 * time.Millisecond,
		DiagnosticPoll:    20 * time.Millisecond,
		QuietWindow:       60 * time.Millisecond,
	}
}

// fakeServer scripts the far side of a transport: it reads framed messages
// from the client and lets tests answer them.
type fakeServer struct {
	t  *testing.T
	in *io.PipeReader
	wr *io.PipeWriter

	writeMu sync.Mutex

	// handle is invoked for every message from the client. Nil falls back
	// to msgs only.
	handle func(fs *fakeServer, msg Message)

	// msgs receives every message from the client, after handle ran.
	msgs chan Message
}

// newFakePipes returns wired transport + fake server ends.
// The transport reads what the server writes and vice versa.
func newFakePipes(t *testing.T, handle func(fs *fakeServer, msg Message)) (*Transport, *fakeServer) {
	clientReads, serverWrites := io.Pipe()
	serverReads, clientWrites := io.Pipe()

	tr := NewTransport(clientReads, clientWrites, nil, zap.NewNop())
	fs := &fakeServer{
		t:      t,
		in:     serverReads,
		wr:     serverWrites,
		handle: handle,
		msgs:   make(chan Message, 64),
	}
	go fs.loop()

	t.Cleanup(func() {
		tr.Close()
		clientReads.Close()
		clientWrites.Close()
		serverReads.Close()
		serverWrites.Close()
	})
	return tr, fs
}

// loop reads frames from the client until the pipe closes.
func (f *fakeServer) loop() {
	var buf []byte
	chunk := make([]byte, 8*1024)
	for {
		n, err := f.in.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var msgs []Message
			msgs, buf = parseFrames(buf)
			for _, m := range msgs {
				if f.handle != nil {
					f.handle(f, m)
				}
				select {
				case f.msgs <- m:
				default:
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// write frames and sends any message to the client.
func (f *fakeServer) write(v any) {
	frame, err := encodeFrame(v)
	if err != nil {
		f.t.Errorf("fake server encode: %v", err)
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.wr.Write(frame)
}

// writeRaw sends pre-framed bytes, for chunk-split and malformed-input tests.
func (f *fakeServer) writeRaw(b []byte) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.wr.Write(b)
}

// respond answers a client request by echoing its id.
func (f *fakeServer) respond(id json.RawMessage, result any) {
	f.write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

// respondErr answers a client request with an error.
func (f *fakeServer) respondErr(id json.RawMessage, rpcErr *RPCError) {
	f.write(map[string]any{"jsonrpc": "2.0", "id": id, "error": rpcErr})
}

// notify sends a notification to the client.
func (f *fakeServer) notify(method string, params any) {
	f.write(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// request sends a server-to-client request.
func (f *fakeServer) request(id any, method string, params any) {
	f.write(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
}

// await pulls the next client message matching method, or fails the test.
func (f *fakeServer) await(method string, timeout time.Duration) (Message, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case m := <-f.msgs:
			if m.Method == method {
				return m, true
			}
		case <-deadline:
			return Message{}, false
		}
	}
}

// defaultCaps is a typical capability document for tests.
const defaultCaps = `{
	"textDocumentSync": 1,
	"hoverProvider": true,
	"definitionProvider": true,
	"referencesProvider": true,
	"documentSymbolProvider": true,
	"workspaceSymbolProvider": true,
	"renameProvider": {"prepareProvider": true},
	"diagnosticProvider": {"interFileDependencies": true},
	"workspace": {"workspaceEdit": {"documentChanges": true}}
}`

// startTestSession wires a Session to a fake server and drives it to Ready
// without spawning a process.
func startTestSession(t *testing.T, caps string, handle func(fs *fakeServer, msg Message)) (*Session, *fakeServer) {
	t.Helper()

	desc := ServerDescriptor{Extensions: []string{"go"}, Command: []string{"fake-ls"}}
	s := newSession(desc, testConfig(), nil, zap.NewNop(), nil)

	wrapped := func(fs *fakeServer, msg Message) {
		if msg.Method == "initialize" {
			fs.respond(msg.ID, map[string]any{
				"capabilities": json.RawMessage(caps),
				"serverInfo":   map[string]string{"name": "fake-ls"},
			})
			return
		}
		if handle != nil {
			handle(fs, msg)
		}
	}

	tr, fs := newFakePipes(t, wrapped)
	s.transport = tr
	tr.OnNotification(s.handleNotification)
	tr.OnConfiguration(s.configuration)
	tr.Start(context.Background())

	if err := s.initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	s.status.Store(int32(StatusReady))
	s.signalReady(nil)
	return s, fs
}
