package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

// SessionStatus indicates the current state of a session.
type SessionStatus int

const (
	StatusStopped SessionStatus = iota
	StatusStarting
	StatusInitializing
	StatusReady
	StatusShuttingDown
	StatusError
)

// String returns a human-readable status name.
func (s SessionStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusShuttingDown:
		return "shutting down"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Session owns one running language-server process: its pipes, transport,
// negotiated capabilities, open documents, and published diagnostics. A
// destroyed session is never reused; the engine creates a fresh one lazily.
type Session struct {
	mu sync.Mutex

	desc   ServerDescriptor
	cfg    EngineConfig
	logger *zap.Logger
	scope  tally.Scope

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	transport *Transport

	status     atomic.Int32
	caps       CapabilitySet
	serverInfo *ServerInfo

	// ready resolves exactly once, when the session reaches Ready or fails
	// to get there. Callers await it instead of polling status.
	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error

	docsMu    sync.RWMutex
	documents map[DocumentURI]*Document

	diagsMu sync.RWMutex
	diags   map[DocumentURI]*diagRecord

	workspaceFolders []WorkspaceFolder

	restartTimer *time.Timer
	exitCh       chan error
	closeOnce    sync.Once

	// onTerminate is invoked once when the process exits or the periodic
	// restart fires. The engine uses it to deregister the session.
	onTerminate func(*Session, error)

	ctx    context.Context
	cancel context.CancelFunc
}

// Document tracks an open document and its monotonically increasing version.
type Document struct {
	URI        DocumentURI
	LanguageID string
	Version    int
	Content    string
}

// diagRecord is the last published diagnostic set for one URI.
type diagRecord struct {
	diagnostics []Diagnostic
	updatedAt   time.Time
	version     int
}

// newSession creates a session for a descriptor. It does not spawn anything.
func newSession(desc ServerDescriptor, cfg EngineConfig, folders []WorkspaceFolder, logger *zap.Logger, scope tally.Scope) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	s := &Session{
		desc:             desc,
		cfg:              cfg,
		logger:           logger.With(zap.String("server", desc.Signature())),
		scope:            scope,
		ready:            make(chan struct{}),
		documents:        make(map[DocumentURI]*Document),
		diags:            make(map[DocumentURI]*diagRecord),
		workspaceFolders: folders,
		exitCh:           make(chan error, 1),
	}
	s.status.Store(int32(StatusStopped))
	return s
}

// Descriptor returns the descriptor this session was started from.
func (s *Session) Descriptor() ServerDescriptor {
	return s.desc
}

// Signature returns the command signature of this session.
func (s *Session) Signature() string {
	return s.desc.Signature()
}

// Status returns the current session status.
func (s *Session) Status() SessionStatus {
	return SessionStatus(s.status.Load())
}

// Capabilities returns the negotiated capability set.
func (s *Session) Capabilities() CapabilitySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// ServerInfo returns the server's self-description, if it sent one.
func (s *Session) ServerInfo() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// AwaitReady blocks until the session is Ready, its startup failed, or the
// context is done.
func (s *Session) AwaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
		return s.readyErr
	}
}

// signalReady resolves the ready future exactly once.
func (s *Session) signalReady(err error) {
	s.readyOnce.Do(func() {
		s.readyErr = err
		close(s.ready)
	})
}

// start spawns the process and drives the full startup sequence: spawn grace
// window, initialize handshake, capability caching, settle delay, Ready.
func (s *Session) start(ctx context.Context) error {
	s.status.Store(int32(StatusStarting))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	spawnStart := time.Now()
	if err := s.spawn(); err != nil {
		s.fail(err)
		return &SpawnError{Command: s.desc.Command, Err: err}
	}
	go s.monitor()
	go s.drainStderr()

	// Grace window: a missing or broken executable usually dies immediately.
	select {
	case err := <-s.exitCh:
		serr := &SpawnError{Command: s.desc.Command, Err: fmt.Errorf("exited during startup: %w", exitError(err))}
		s.fail(serr)
		return serr
	case <-ctx.Done():
		s.fail(ctx.Err())
		return ctx.Err()
	case <-time.After(s.cfg.SpawnGrace):
	}
	s.scope.Counter("lsp_spawns").Inc(1)

	s.transport = NewTransport(s.stdout, s.stdin, nil, s.logger)
	s.transport.OnNotification(s.handleNotification)
	s.transport.OnConfiguration(s.configuration)
	s.transport.Start(s.ctx)

	s.status.Store(int32(StatusInitializing))
	if err := s.initialize(ctx); err != nil {
		err = fmt.Errorf("initialize: %w", err)
		s.fail(err)
		s.stopProcess()
		return err
	}
	s.scope.Timer("lsp_initialize_latency").Record(time.Since(spawnStart))

	// Some servers need a moment after initialized before accepting work.
	select {
	case <-ctx.Done():
		s.fail(ctx.Err())
		s.stopProcess()
		return ctx.Err()
	case <-time.After(s.cfg.SettleDelay):
	}

	s.status.Store(int32(StatusReady))
	s.armRestartTimer()
	s.signalReady(nil)
	s.logger.Info("language server ready")
	return nil
}

// exitError normalizes a nil process-exit error.
func exitError(err error) error {
	if err == nil {
		return ErrServerCrashed
	}
	return err
}

// fail marks the session failed and unblocks anyone awaiting readiness.
func (s *Session) fail(err error) {
	s.status.Store(int32(StatusError))
	s.signalReady(err)
}

// spawn launches the server process with piped stdio.
func (s *Session) spawn() error {
	if len(s.desc.Command) == 0 {
		return fmt.Errorf("descriptor has no command")
	}

	cmd := exec.CommandContext(s.ctx, s.desc.Command[0], s.desc.Command[1:]...)
	cmd.Env = os.Environ()

	if s.desc.RootDir != "" {
		cmd.Dir = s.desc.RootDir
	} else if len(s.workspaceFolders) > 0 {
		cmd.Dir = URIToFilePath(s.workspaceFolders[0].URI)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return err
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr
	return nil
}

// monitor waits for process exit and triggers teardown. This is the only
// teardown path for a crashed process.
func (s *Session) monitor() {
	if s.cmd == nil {
		return
	}
	err := s.cmd.Wait()
	select {
	case s.exitCh <- err:
	default:
	}

	if s.Status() == StatusShuttingDown || s.Status() == StatusStopped {
		return
	}

	s.logger.Warn("language server exited", zap.Error(err))
	s.status.Store(int32(StatusError))
	s.signalReady(exitError(err))
	s.teardown(exitError(err))
}

// teardown runs the terminate callback once and cancels session timers.
func (s *Session) teardown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.restartTimer != nil {
			s.restartTimer.Stop()
			s.restartTimer = nil
		}
		cb := s.onTerminate
		s.mu.Unlock()

		if s.transport != nil {
			s.transport.Close()
		}
		if cb != nil {
			cb(s, err)
		}
	})
}

// drainStderr forwards the server's diagnostic stream to the logger.
func (s *Session) drainStderr() {
	if s.stderr == nil {
		return
	}
	buf := make([]byte, 8*1024)
	for {
		n, err := s.stderr.Read(buf)
		if n > 0 {
			s.logger.Debug("server stderr", zap.ByteString("output", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// initialize performs the LSP initialize handshake and caches the negotiated
// capability document on the session.
func (s *Session) initialize(ctx context.Context) error {
	var rootURI DocumentURI
	if s.desc.RootDir != "" {
		rootURI = FilePathToURI(s.desc.RootDir)
	} else if len(s.workspaceFolders) > 0 {
		rootURI = s.workspaceFolders[0].URI
	}

	params := InitializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            &ClientInfo{Name: "lspmux", Version: Version},
		RootURI:               rootURI,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: s.desc.InitializationOptions,
		WorkspaceFolders:      s.workspaceFolders,
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.InitializeTimeout)
	defer cancel()

	var result InitializeResult
	if err := s.transport.Call(ctx, "initialize", params, &result); err != nil {
		return err
	}

	s.mu.Lock()
	s.caps = NewCapabilitySet(result.Capabilities)
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	return s.transport.Notify(ctx, "initialized", InitializedParams{})
}

// configuration answers workspace/configuration requests from the server
// with the descriptor's settings.
func (s *Session) configuration(section string) any {
	return s.desc.Settings
}

// armRestartTimer schedules the periodic restart if configured. The timer is
// owned by the session and dies with it.
func (s *Session) armRestartTimer() {
	interval := time.Duration(s.desc.RestartInterval)
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartTimer = time.AfterFunc(interval, func() {
		s.logger.Info("periodic restart due", zap.Duration("interval", interval))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		s.teardown(nil)
	})
}

// handleNotification is the single dispatch point for server notifications,
// called in arrival order.
func (s *Session) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.logger.Debug("bad publishDiagnostics payload", zap.Error(err))
			return
		}
		s.diagsMu.Lock()
		s.diags[p.URI] = &diagRecord{
			diagnostics: p.Diagnostics,
			updatedAt:   time.Now(),
			version:     p.Version,
		}
		s.diagsMu.Unlock()

	case "window/logMessage", "window/showMessage":
		var p struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(params, &p) == nil && p.Message != "" {
			s.logger.Debug("server message", zap.String("message", p.Message))
		}

	case "$/progress":
		// Progress reporting is not surfaced.

	default:
		s.logger.Debug("unhandled notification", zap.String("method", method))
	}
}

// --- Document tracking ---

// OpenFile notifies the server that a file is open and starts tracking its
// version counter.
func (s *Session) OpenFile(ctx context.Context, path, content string) error {
	if s.Status() != StatusReady {
		return ErrServerNotReady
	}

	uri := FilePathToURI(path)
	languageID := DetectLanguageID(path)

	s.docsMu.Lock()
	if _, exists := s.documents[uri]; exists {
		s.docsMu.Unlock()
		return ErrDocumentAlreadyOpen
	}
	s.documents[uri] = &Document{URI: uri, LanguageID: languageID, Version: 1, Content: content}
	s.docsMu.Unlock()

	return s.transport.Notify(ctx, "textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: languageID,
			Version:    1,
			Text:       content,
		},
	})
}

// CloseFile notifies the server that a file is closed.
func (s *Session) CloseFile(ctx context.Context, path string) error {
	if s.Status() != StatusReady {
		return ErrServerNotReady
	}

	uri := FilePathToURI(path)

	s.docsMu.Lock()
	if _, exists := s.documents[uri]; !exists {
		s.docsMu.Unlock()
		return ErrDocumentNotOpen
	}
	delete(s.documents, uri)
	s.docsMu.Unlock()

	return s.transport.Notify(ctx, "textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// ChangeFile sends the full new content of an open file, bumping its version.
func (s *Session) ChangeFile(ctx context.Context, path, content string) error {
	if s.Status() != StatusReady {
		return ErrServerNotReady
	}

	uri := FilePathToURI(path)

	s.docsMu.Lock()
	doc, exists := s.documents[uri]
	if !exists {
		s.docsMu.Unlock()
		return ErrDocumentNotOpen
	}
	doc.Version++
	doc.Content = content
	version := doc.Version
	s.docsMu.Unlock()

	return s.transport.Notify(ctx, "textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                version,
		},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: content}},
	})
}

// SaveFile notifies the server that a file was saved.
func (s *Session) SaveFile(ctx context.Context, path, content string) error {
	if s.Status() != StatusReady {
		return ErrServerNotReady
	}
	return s.transport.Notify(ctx, "textDocument/didSave", DidSaveTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
		Text:         content,
	})
}

// IsOpen reports whether a file is tracked as open.
func (s *Session) IsOpen(path string) bool {
	uri := FilePathToURI(path)
	s.docsMu.RLock()
	_, exists := s.documents[uri]
	s.docsMu.RUnlock()
	return exists
}

// OpenDocuments returns copies of all open documents.
func (s *Session) OpenDocuments() []Document {
	s.docsMu.RLock()
	defer s.docsMu.RUnlock()
	docs := make([]Document, 0, len(s.documents))
	for _, d := range s.documents {
		docs = append(docs, *d)
	}
	return docs
}

// nudge provokes diagnostic re-evaluation with two synthetic no-op edits:
// append one character, then remove it. Each bumps the document version, so
// servers that only publish on change will re-run.
func (s *Session) nudge(ctx context.Context, path string) error {
	uri := FilePathToURI(path)

	s.docsMu.RLock()
	doc, exists := s.documents[uri]
	var content string
	if exists {
		content = doc.Content
	}
	s.docsMu.RUnlock()

	if !exists {
		return ErrDocumentNotOpen
	}

	if err := s.ChangeFile(ctx, path, content+" "); err != nil {
		return err
	}
	return s.ChangeFile(ctx, path, content)
}

// --- Diagnostics cache ---

// CachedDiagnostics returns the last published diagnostics for a file and
// whether any publication has been seen.
func (s *Session) CachedDiagnostics(path string) ([]Diagnostic, bool) {
	uri := FilePathToURI(path)
	s.diagsMu.RLock()
	defer s.diagsMu.RUnlock()
	rec, ok := s.diags[uri]
	if !ok {
		return nil, false
	}
	return rec.diagnostics, true
}

// LastDiagnosticsUpdate returns when diagnostics for a file last changed.
func (s *Session) LastDiagnosticsUpdate(path string) time.Time {
	uri := FilePathToURI(path)
	s.diagsMu.RLock()
	defer s.diagsMu.RUnlock()
	if rec, ok := s.diags[uri]; ok {
		return rec.updatedAt
	}
	return time.Time{}
}

// --- Requests ---

// call wraps a transport call with the per-request timeout.
func (s *Session) call(ctx context.Context, method string, params, result any) error {
	if s.Status() != StatusReady {
		return ErrServerNotReady
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return s.transport.Call(ctx, method, params, result)
}

// Definition returns the definition locations for a symbol. The result is
// always an array.
func (s *Session) Definition(ctx context.Context, path string, pos Position) ([]Location, error) {
	if !s.Capabilities().Has("definitionProvider") {
		return nil, ErrNotSupported
	}
	var raw json.RawMessage
	err := s.call(ctx, "textDocument/definition", TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
		Position:     pos,
	}, &raw)
	if err != nil {
		return nil, err
	}
	return ParseLocationResult(raw)
}

// References returns all references to the symbol at a position.
func (s *Session) References(ctx context.Context, path string, pos Position, includeDecl bool) ([]Location, error) {
	if !s.Capabilities().Has("referencesProvider") {
		return nil, ErrNotSupported
	}
	var result []Location
	err := s.call(ctx, "textDocument/references", ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
			Position:     pos,
		},
		Context: ReferenceContext{IncludeDeclaration: includeDecl},
	}, &result)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []Location{}
	}
	return result, nil
}

// Hover returns hover information at a position, or nil if the server has
// nothing to say.
func (s *Session) Hover(ctx context.Context, path string, pos Position) (*Hover, error) {
	if !s.Capabilities().Has("hoverProvider") {
		return nil, ErrNotSupported
	}
	var result *Hover
	err := s.call(ctx, "textDocument/hover", TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
		Position:     pos,
	}, &result)
	return result, err
}

// DocumentSymbols returns the symbol tree of a document.
func (s *Session) DocumentSymbols(ctx context.Context, path string) ([]DocumentSymbol, error) {
	if !s.Capabilities().Has("documentSymbolProvider") {
		return nil, ErrNotSupported
	}
	var result []DocumentSymbol
	err := s.call(ctx, "textDocument/documentSymbol", DocumentSymbolParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
	}, &result)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []DocumentSymbol{}
	}
	return result, nil
}

// WorkspaceSymbols searches the workspace for symbols matching a query.
func (s *Session) WorkspaceSymbols(ctx context.Context, query string) ([]SymbolInformation, error) {
	if !s.Capabilities().Has("workspaceSymbolProvider") {
		return nil, ErrNotSupported
	}
	var result []SymbolInformation
	err := s.call(ctx, "workspace/symbol", WorkspaceSymbolParams{Query: query}, &result)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []SymbolInformation{}
	}
	return result, nil
}

// CodeActions returns available code actions for a range.
func (s *Session) CodeActions(ctx context.Context, path string, rng Range, diags []Diagnostic) ([]CodeAction, error) {
	if !s.Capabilities().Has("codeActionProvider") {
		return nil, ErrNotSupported
	}
	var result []CodeAction
	err := s.call(ctx, "textDocument/codeAction", CodeActionParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
		Range:        rng,
		Context:      CodeActionContext{Diagnostics: diags},
	}, &result)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []CodeAction{}
	}
	return result, nil
}

// Formatting returns the edits to format an entire document.
func (s *Session) Formatting(ctx context.Context, path string, opts FormattingOptions) ([]TextEdit, error) {
	if !s.Capabilities().Has("documentFormattingProvider") {
		return nil, ErrNotSupported
	}
	var result []TextEdit
	err := s.call(ctx, "textDocument/formatting", DocumentFormattingParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
		Options:      opts,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []TextEdit{}
	}
	return result, nil
}

// Rename computes the workspace edit for renaming the symbol at a position.
func (s *Session) Rename(ctx context.Context, path string, pos Position, newName string) (*WorkspaceEdit, error) {
	if !s.Capabilities().Has("renameProvider") {
		return nil, ErrNotSupported
	}
	var result *WorkspaceEdit
	err := s.call(ctx, "textDocument/rename", RenameParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: FilePathToURI(path)},
			Position:     pos,
		},
		NewName: newName,
	}, &result)
	return result, err
}

// --- Shutdown ---

// Shutdown performs the LSP shutdown handshake and stops the process.
func (s *Session) Shutdown(ctx context.Context) error {
	status := s.Status()
	if status == StatusStopped || status == StatusShuttingDown {
		return nil
	}
	s.status.Store(int32(StatusShuttingDown))
	s.signalReady(ErrShutdown)

	if s.transport != nil && !s.transport.IsClosed() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = s.transport.Call(shutdownCtx, "shutdown", nil, nil)
		_ = s.transport.Notify(shutdownCtx, "exit", nil)
		cancel()
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.stopProcess()
	s.status.Store(int32(StatusStopped))
	return nil
}

// stopProcess closes the pipes and kills the process if still alive.
func (s *Session) stopProcess() {
	if s.transport != nil {
		s.transport.Close()
	}
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.stderr != nil {
		s.stderr.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}
