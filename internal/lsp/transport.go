package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Transport handles JSON-RPC 2.0 communication with one server process over
// stdio, correlating responses to callers by request id and answering
// server-to-client requests inline.
type Transport struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer

	logger *zap.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  atomic.Int64
	pending map[int64]chan *Response

	// onNotification receives every server notification in arrival order.
	// Set before Start; not guarded afterwards.
	onNotification func(method string, params json.RawMessage)

	// settings resolves a workspace/configuration section. A nil func or a
	// nil return answers the item with null, which servers accept.
	settings func(section string) any

	// applyEdit decides a workspace/applyEdit request. Nil refuses the edit.
	applyEdit func(params json.RawMessage) bool

	closed atomic.Bool
	done   chan struct{}
}

// NewTransport creates a transport over the given reader and writer
// (typically a server's stdout and stdin pipes).
func NewTransport(r io.Reader, w io.Writer, c io.Closer, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		reader:  r,
		writer:  w,
		closer:  c,
		logger:  logger,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
}

// OnNotification sets the notification sink. Must be called before Start.
func (t *Transport) OnNotification(fn func(method string, params json.RawMessage)) {
	t.onNotification = fn
}

// OnConfiguration sets the resolver for workspace/configuration requests.
// Must be called before Start.
func (t *Transport) OnConfiguration(fn func(section string) any) {
	t.settings = fn
}

// OnApplyEdit sets the decision function for workspace/applyEdit requests.
// Must be called before Start.
func (t *Transport) OnApplyEdit(fn func(params json.RawMessage) bool) {
	t.applyEdit = fn
}

// Start begins reading messages from the connection.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
}

// Close shuts the transport down and fails every outstanding request with
// ErrShutdown. Safe to call more than once.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	close(t.done)

	// Clear the pending table. Waiters see t.done instead of their channel.
	t.mu.Lock()
	t.pending = make(map[int64]chan *Response)
	t.mu.Unlock()

	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

// Call sends a request and waits for its response, the context deadline, or
// shutdown. A method-not-found class error resolves to a null result: result
// is left untouched and nil is returned.
func (t *Transport) Call(ctx context.Context, method string, params any, result any) error {
	if t.closed.Load() {
		return ErrShutdown
	}

	id := t.nextID.Add(1)
	ch := make(chan *Response, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	if err := t.send(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrShutdown
	case resp := <-ch:
		if resp.Error != nil {
			if isMethodNotFound(resp.Error) {
				t.logger.Debug("method not implemented by server", zap.String("method", method))
				return nil
			}
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 && string(resp.Result) != "null" {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// Notify sends a notification. No id, no pending entry, no response.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return ErrShutdown
	}
	return t.send(&Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// send frames and writes a message under the write lock.
func (t *Transport) send(msg any) error {
	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readLoop accumulates bytes from the connection and dispatches every
// complete frame. Partial frames stay buffered until more bytes arrive.
func (t *Transport) readLoop(ctx context.Context) {
	var buf []byte
	chunk := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		n, err := t.reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var msgs []Message
			msgs, buf = parseFrames(buf)
			for i := range msgs {
				t.dispatch(&msgs[i])
			}
		}
		if err != nil {
			if !t.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.logger.Debug("read error", zap.Error(err))
			}
			return
		}
	}
}

// dispatch routes one decoded message by its shape.
func (t *Transport) dispatch(msg *Message) {
	switch msg.Kind() {
	case KindResponse:
		t.handleResponse(msg)
	case KindServerRequest:
		t.handleServerRequest(msg)
	case KindNotification:
		if t.onNotification != nil {
			t.onNotification(msg.Method, msg.Params)
		}
	default:
		t.logger.Debug("discarding message with neither id nor method")
	}
}

// handleResponse resolves the pending request with a matching id. A response
// for an id that is no longer pending (timed out, disposed) is discarded.
func (t *Transport) handleResponse(msg *Message) {
	if t.closed.Load() {
		return
	}

	id, ok := msg.ResponseID()
	if !ok {
		t.logger.Debug("response with non-numeric id", zap.ByteString("id", msg.ID))
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	ch <- &Response{JSONRPC: "2.0", ID: id, Result: msg.Result, Error: msg.Error}
}

// handleServerRequest answers a server-to-client request. Every such request
// gets a reply; leaving one unanswered stalls servers that block on
// configuration or capability registration during startup.
func (t *Transport) handleServerRequest(msg *Message) {
	switch msg.Method {
	case "workspace/configuration":
		var p struct {
			Items []struct {
				Section string `json:"section"`
			} `json:"items"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			t.reply(msg.ID, []any{}, nil)
			return
		}
		results := make([]any, len(p.Items))
		for i, item := range p.Items {
			if t.settings != nil {
				results[i] = t.settings(item.Section)
			}
		}
		t.reply(msg.ID, results, nil)

	case "client/registerCapability", "client/unregisterCapability":
		t.reply(msg.ID, nil, nil)

	case "window/workDoneProgress/create":
		t.reply(msg.ID, nil, nil)

	case "window/showMessageRequest":
		// No interactive surface; decline by answering null.
		t.reply(msg.ID, nil, nil)

	case "workspace/applyEdit":
		applied := t.applyEdit != nil && t.applyEdit(msg.Params)
		t.reply(msg.ID, map[string]any{"applied": applied}, nil)

	default:
		t.logger.Debug("unsupported server request", zap.String("method", msg.Method))
		t.reply(msg.ID, nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method})
	}
}

// reply writes a response for a server-to-client request, echoing its id.
func (t *Transport) reply(id json.RawMessage, result any, rpcErr *RPCError) {
	if err := t.send(&reply{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}); err != nil {
		t.logger.Debug("failed to answer server request", zap.Error(err))
	}
}
