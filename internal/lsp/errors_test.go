package lsp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMethodNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  *RPCError
		want bool
	}{
		{"nil", nil, false},
		{"standard code", &RPCError{Code: CodeMethodNotFound, Message: "whatever"}, true},
		{"message variant", &RPCError{Code: CodeInternalError, Message: "Method not found: foo"}, true},
		{"unhandled variant", &RPCError{Code: CodeInternalError, Message: "unhandled method textDocument/x"}, true},
		{"real failure", &RPCError{Code: CodeInternalError, Message: "panic in handler"}, false},
		{"invalid params", &RPCError{Code: CodeInvalidParams, Message: "bad position"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isMethodNotFound(tt.err))
		})
	}
}

func TestSpawnErrorMessage(t *testing.T) {
	err := &SpawnError{
		Command: []string{"gopls", "serve"},
		Err:     errors.New("executable file not found in $PATH"),
	}
	msg := err.Error()
	assert.Contains(t, msg, `"gopls serve"`)
	assert.Contains(t, msg, "install gopls")
	assert.Contains(t, msg, "PATH")

	assert.ErrorContains(t, err, "executable file not found")
}

func TestServerErrorUnwrap(t *testing.T) {
	err := &ServerError{Signature: "pylsp", Err: ErrServerCrashed}
	assert.ErrorIs(t, err, ErrServerCrashed)
	assert.Contains(t, err.Error(), "pylsp")
}

func TestRPCErrorFormat(t *testing.T) {
	assert.Equal(t, "rpc error -32602: bad params",
		(&RPCError{Code: CodeInvalidParams, Message: "bad params"}).Error())
	assert.Contains(t,
		(&RPCError{Code: CodeInternalError, Message: "boom", Data: "ctx"}).Error(),
		"(data: ctx)")
}
