package lsp

import (
	"errors"
	"fmt"
	"strings"
)

// Standard errors returned by the engine.
var (
	// ErrShutdown indicates the transport or engine has been shut down.
	ErrShutdown = errors.New("lsp engine shut down")

	// ErrNoServer indicates no server is configured for the file.
	ErrNoServer = errors.New("no language server configured")

	// ErrServerNotReady indicates the server is not ready to handle requests.
	ErrServerNotReady = errors.New("server not ready")

	// ErrServerFailed indicates the most recent spawn attempt for this
	// command failed. The failure is remembered until ClearFailedServers.
	ErrServerFailed = errors.New("server previously failed to start")

	// ErrNotSupported indicates the server does not advertise the capability.
	ErrNotSupported = errors.New("feature not supported by server")

	// ErrDocumentNotOpen indicates the document is not open.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrDocumentAlreadyOpen indicates the document is already open.
	ErrDocumentAlreadyOpen = errors.New("document already open")

	// ErrServerCrashed indicates the server process terminated unexpectedly.
	ErrServerCrashed = errors.New("server crashed")

	// ErrInvalidResponse indicates an invalid response from the server.
	ErrInvalidResponse = errors.New("invalid response from server")
)

// RPCError represents a JSON-RPC error from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	// JSON-RPC standard errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)

// isMethodNotFound reports whether an error response means the server simply
// does not implement the method. Many servers legitimately omit optional
// methods, so callers treat this class as a null result rather than a failure.
func isMethodNotFound(e *RPCError) bool {
	if e == nil {
		return false
	}
	if e.Code == CodeMethodNotFound {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "method not found") || strings.Contains(msg, "unhandled method")
}

// SpawnError records a failed attempt to launch a server command. It carries
// an install hint so callers can surface actionable guidance.
type SpawnError struct {
	Command []string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	exe := ""
	if len(e.Command) > 0 {
		exe = e.Command[0]
	}
	return fmt.Sprintf("failed to start %q: %v (install %s and make sure it is on your PATH)",
		strings.Join(e.Command, " "), e.Err, exe)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ServerError wraps an error with the command signature it relates to.
type ServerError struct {
	Signature string
	Err       error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.Signature, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}
