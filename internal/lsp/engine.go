package lsp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

// EngineConfig holds the tunable timing constants. The defaults reflect
// observed server behavior; all of them can be overridden.
type EngineConfig struct {
	// SpawnGrace is how long to watch a fresh process for an immediate exit
	// before proceeding with the handshake.
	SpawnGrace time.Duration

	// SettleDelay is the pause after the initialized notification before the
	// session is marked Ready.
	SettleDelay time.Duration

	// RequestTimeout bounds individual requests.
	RequestTimeout time.Duration

	// InitializeTimeout bounds the initialize round trip.
	InitializeTimeout time.Duration

	// DiagnosticMaxWait bounds the diagnostic idle-wait loop.
	DiagnosticMaxWait time.Duration

	// DiagnosticPoll is the idle-wait polling interval.
	DiagnosticPoll time.Duration

	// QuietWindow is how long the diagnostics timestamp must hold still for
	// publishing to be considered settled.
	QuietWindow time.Duration
}

// DefaultEngineConfig returns the standard timing constants.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SpawnGrace:        100 * time.Millisecond,
		SettleDelay:       50 * time.Millisecond,
		RequestTimeout:    30 * time.Second,
		InitializeTimeout: 60 * time.Second,
		DiagnosticMaxWait: 2 * time.Second,
		DiagnosticPoll:    50 * time.Millisecond,
		QuietWindow:       200 * time.Millisecond,
	}
}

// Engine multiplexes language servers: one live session per distinct command
// signature, routed by file extension. All registries (session table,
// capability cache, failed-server set) are fields of the engine, so
// independent engines never share state.
type Engine struct {
	mu          sync.Mutex
	descriptors []ServerDescriptor
	sessions    map[string]*Session
	inflight    map[string]*startFuture
	failed      map[string]error

	// remembered holds the open documents of torn-down sessions, replayed
	// into the replacement session on lazy respawn.
	remembered map[string][]Document

	caps             *CapabilityCache
	workspaceFolders []WorkspaceFolder

	cfg    EngineConfig
	logger *zap.Logger
	scope  tally.Scope

	// startSession is swappable in tests.
	startSession func(ctx context.Context, desc ServerDescriptor) (*Session, error)
}

// startFuture is a start operation shared by concurrent callers.
type startFuture struct {
	done chan struct{}
	sess *Session
	err  error
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics scope.
func WithMetrics(scope tally.Scope) Option {
	return func(e *Engine) {
		if scope != nil {
			e.scope = scope
		}
	}
}

// WithConfig overrides the timing constants.
func WithConfig(cfg EngineConfig) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithWorkspace sets the workspace root.
func WithWorkspace(root string) Option {
	return func(e *Engine) {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = root
		}
		e.workspaceFolders = []WorkspaceFolder{{
			URI:  FilePathToURI(abs),
			Name: filepath.Base(abs),
		}}
	}
}

// NewEngine creates an engine over the given descriptors. Descriptors are
// matched in order; see MergeDescriptors for combining user configuration
// with the built-in defaults.
func NewEngine(descriptors []ServerDescriptor, opts ...Option) *Engine {
	e := &Engine{
		descriptors: descriptors,
		sessions:    make(map[string]*Session),
		inflight:    make(map[string]*startFuture),
		failed:      make(map[string]error),
		remembered:  make(map[string][]Document),
		caps:        NewCapabilityCache(),
		cfg:         DefaultEngineConfig(),
		logger:      zap.NewNop(),
		scope:       tally.NoopScope,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.startSession = e.spawnSession
	return e
}

// Descriptors returns the engine's descriptor table.
func (e *Engine) Descriptors() []ServerDescriptor {
	return e.descriptors
}

// WorkspaceRoot returns the root path of the workspace, or "".
func (e *Engine) WorkspaceRoot() string {
	if len(e.workspaceFolders) == 0 {
		return ""
	}
	return URIToFilePath(e.workspaceFolders[0].URI)
}

// descriptorForExt resolves the descriptor covering an extension.
func (e *Engine) descriptorForExt(ext string) (ServerDescriptor, bool) {
	for _, d := range e.descriptors {
		if d.Handles(ext) {
			return d, true
		}
	}
	return ServerDescriptor{}, false
}

// fileExt returns a path's extension without the leading dot.
func fileExt(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// ServerForFile returns a ready session for the server handling the file,
// spawning one if needed. Concurrent callers for the same command signature
// share a single start; a signature with a remembered spawn failure fails
// immediately until ClearFailedServers.
func (e *Engine) ServerForFile(ctx context.Context, path string) (*Session, error) {
	ext := fileExt(path)
	desc, ok := e.descriptorForExt(ext)
	if !ok {
		return nil, fmt.Errorf("%w for file %s", ErrNoServer, path)
	}
	return e.ensure(ctx, desc)
}

// ServerForExtension returns a ready session for the server handling the
// extension.
func (e *Engine) ServerForExtension(ctx context.Context, ext string) (*Session, error) {
	desc, ok := e.descriptorForExt(strings.TrimPrefix(ext, "."))
	if !ok {
		return nil, fmt.Errorf("%w for extension %s", ErrNoServer, ext)
	}
	return e.ensure(ctx, desc)
}

// ensure implements the single-flight get-or-start for one descriptor.
func (e *Engine) ensure(ctx context.Context, desc ServerDescriptor) (*Session, error) {
	sig := desc.Signature()

	e.mu.Lock()
	if failure, bad := e.failed[sig]; bad {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrServerFailed, failure)
	}

	if sess, ok := e.sessions[sig]; ok {
		e.mu.Unlock()
		if err := sess.AwaitReady(ctx); err != nil {
			return nil, &ServerError{Signature: sig, Err: err}
		}
		return sess, nil
	}

	if fut, ok := e.inflight[sig]; ok {
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-fut.done:
			return fut.sess, fut.err
		}
	}

	fut := &startFuture{done: make(chan struct{})}
	e.inflight[sig] = fut
	e.mu.Unlock()

	sess, err := e.startSession(ctx, desc)

	e.mu.Lock()
	delete(e.inflight, sig)
	if err != nil {
		var spawnErr *SpawnError
		if errors.As(err, &spawnErr) {
			e.failed[sig] = spawnErr
			e.scope.Counter("lsp_spawn_failures").Inc(1)
		}
	} else {
		e.sessions[sig] = sess
		if len(sess.Capabilities().Raw()) > 0 {
			e.caps.Put(sig, sess.Capabilities())
		}
	}
	replay := e.remembered[sig]
	delete(e.remembered, sig)
	e.mu.Unlock()

	if err == nil {
		e.replayDocuments(ctx, sess, replay)
	}

	fut.sess, fut.err = sess, err
	close(fut.done)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// spawnSession is the default start path.
func (e *Engine) spawnSession(ctx context.Context, desc ServerDescriptor) (*Session, error) {
	sess := newSession(desc, e.cfg, e.workspaceFolders, e.logger, e.scope)
	sess.onTerminate = e.handleSessionExit
	if err := sess.start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// replayDocuments re-opens documents remembered from a torn-down session.
func (e *Engine) replayDocuments(ctx context.Context, sess *Session, docs []Document) {
	for _, d := range docs {
		path := URIToFilePath(d.URI)
		if err := sess.OpenFile(ctx, path, d.Content); err != nil {
			e.logger.Debug("document replay failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// handleSessionExit deregisters a session whose process exited or whose
// periodic restart fired. Its open documents are remembered for replay; the
// next ServerForFile call respawns lazily.
func (e *Engine) handleSessionExit(s *Session, err error) {
	sig := s.Signature()

	e.mu.Lock()
	if current, ok := e.sessions[sig]; ok && current == s {
		delete(e.sessions, sig)
		if docs := s.OpenDocuments(); len(docs) > 0 {
			e.remembered[sig] = docs
		}
	}
	e.mu.Unlock()

	if err != nil {
		e.scope.Counter("lsp_crashes").Inc(1)
		e.logger.Warn("session terminated", zap.String("server", sig), zap.Error(err))
	}
}

// PreloadServers starts the servers for the given extensions concurrently.
// Failures are isolated per descriptor and joined for reporting.
func (e *Engine) PreloadServers(ctx context.Context, extensions []string) error {
	seen := make(map[string]ServerDescriptor)
	for _, ext := range extensions {
		if desc, ok := e.descriptorForExt(strings.TrimPrefix(ext, ".")); ok {
			seen[desc.Signature()] = desc
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(seen))
	for _, desc := range seen {
		wg.Add(1)
		go func(d ServerDescriptor) {
			defer wg.Done()
			if _, err := e.ensure(ctx, d); err != nil {
				errCh <- fmt.Errorf("preload %s: %w", d.Signature(), err)
			}
		}(desc)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RestartServers terminates the sessions whose descriptors intersect the
// given extensions, or every session if none are given. Replacement sessions
// spawn lazily on next access.
func (e *Engine) RestartServers(ctx context.Context, extensions ...string) {
	e.mu.Lock()
	var victims []*Session
	for sig, sess := range e.sessions {
		if len(extensions) > 0 && !intersects(sess.Descriptor(), extensions) {
			continue
		}
		delete(e.sessions, sig)
		if docs := sess.OpenDocuments(); len(docs) > 0 {
			e.remembered[sig] = docs
		}
		victims = append(victims, sess)
	}
	e.mu.Unlock()

	for _, sess := range victims {
		e.logger.Info("restarting server", zap.String("server", sess.Signature()))
		sess.Shutdown(ctx)
		e.scope.Counter("lsp_restarts").Inc(1)
	}
}

// intersects reports whether a descriptor handles any of the extensions.
func intersects(desc ServerDescriptor, extensions []string) bool {
	for _, ext := range extensions {
		if desc.Handles(strings.TrimPrefix(ext, ".")) {
			return true
		}
	}
	return false
}

// ClearFailedServers forgets remembered spawn failures so the next access
// attempts a fresh spawn. This is the only way entries leave the set.
func (e *Engine) ClearFailedServers() {
	e.mu.Lock()
	e.failed = make(map[string]error)
	e.mu.Unlock()
}

// FailedServers returns the command signatures with remembered spawn
// failures, sorted.
func (e *Engine) FailedServers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	sigs := make([]string, 0, len(e.failed))
	for sig := range e.failed {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	return sigs
}

// IsAvailable reports whether a server is configured for the extension.
func (e *Engine) IsAvailable(ext string) bool {
	_, ok := e.descriptorForExt(strings.TrimPrefix(ext, "."))
	return ok
}

// CapabilitiesFor returns the cached capability set for the server handling
// the extension. The cache outlives sessions, so this works across restarts.
func (e *Engine) CapabilitiesFor(ext string) (CapabilitySet, bool) {
	desc, ok := e.descriptorForExt(strings.TrimPrefix(ext, "."))
	if !ok {
		return CapabilitySet{}, false
	}
	return e.caps.Get(desc.Signature())
}

// Status returns the status of every live session by command signature.
func (e *Engine) Status() map[string]SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]SessionStatus, len(e.sessions))
	for sig, sess := range e.sessions {
		out[sig] = sess.Status()
	}
	return out
}

// OpenFromDisk opens a file with its server, reading the content from disk.
func (e *Engine) OpenFromDisk(ctx context.Context, path string) (*Session, error) {
	sess, err := e.ServerForFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if sess.IsOpen(path) {
		return sess, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := sess.OpenFile(ctx, path, string(content)); err != nil && !errors.Is(err, ErrDocumentAlreadyOpen) {
		return nil, err
	}
	return sess, nil
}

// SearchSymbols performs a workspace-wide symbol search against the server
// for the given extension, bootstrapping project context first.
func (e *Engine) SearchSymbols(ctx context.Context, ext, query string) ([]SymbolInformation, error) {
	sess, err := e.ServerForExtension(ctx, ext)
	if err != nil {
		return nil, err
	}
	e.bootstrapProjectContext(ctx, sess, ext)
	return sess.WorkspaceSymbols(ctx, query)
}

// ignoredDirs are skipped while scanning for a bootstrap file.
var ignoredDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
}

// bootstrapProjectContext opens one same-language file from the working tree
// when the session has nothing open. Servers that index lazily return empty
// workspace results without at least one open document. Best effort only;
// finding no file is not an error.
func (e *Engine) bootstrapProjectContext(ctx context.Context, sess *Session, ext string) {
	if len(sess.OpenDocuments()) > 0 {
		return
	}
	root := e.WorkspaceRoot()
	if root == "" {
		return
	}

	const maxVisits = 4096
	visits := 0
	var found string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		visits++
		if visits > maxVisits {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if fileExt(path) == strings.TrimPrefix(ext, ".") {
			found = path
			return filepath.SkipAll
		}
		return nil
	})

	if found == "" {
		return
	}
	content, err := os.ReadFile(found)
	if err != nil {
		return
	}
	if err := sess.OpenFile(ctx, found, string(content)); err != nil {
		e.logger.Debug("bootstrap open failed", zap.String("path", found), zap.Error(err))
	}
}

// Shutdown stops every session. The engine is unusable afterwards only in
// the sense that new accesses respawn servers.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
