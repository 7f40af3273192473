package lsp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameRoundTrip(t *testing.T) {
	frame, err := encodeFrame(&Request{JSONRPC: "2.0", ID: 7, Method: "textDocument/hover", Params: map[string]int{"n": 1}})
	require.NoError(t, err)

	msgs, rest := parseFrames(frame)
	require.Len(t, msgs, 1)
	assert.Empty(t, rest)
	assert.Equal(t, "textDocument/hover", msgs[0].Method)
	assert.Equal(t, KindServerRequest, msgs[0].Kind())

	id, ok := msgs[0].ResponseID()
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestParseFramesChunkSplits(t *testing.T) {
	frame, err := encodeFrame(&Request{JSONRPC: "2.0", Method: "initialized", Params: struct{}{}})
	require.NoError(t, err)

	// Delivering the same bytes in any split must yield the same message
	// once all bytes have arrived.
	for split := 1; split < len(frame); split++ {
		var buf []byte
		buf = append(buf, frame[:split]...)

		msgs, rest := parseFrames(buf)
		assert.Empty(t, msgs, "split %d: partial frame decoded early", split)

		rest = append(rest, frame[split:]...)
		msgs, rest = parseFrames(rest)
		require.Len(t, msgs, 1, "split %d", split)
		assert.Empty(t, rest, "split %d", split)
		assert.Equal(t, "initialized", msgs[0].Method)
	}
}

func TestParseFramesMultipleMessages(t *testing.T) {
	a, _ := encodeFrame(&Request{JSONRPC: "2.0", Method: "a"})
	b, _ := encodeFrame(&Request{JSONRPC: "2.0", Method: "b"})
	c, _ := encodeFrame(&Request{JSONRPC: "2.0", Method: "c"})

	buf := append(append(append([]byte{}, a...), b...), c...)
	msgs, rest := parseFrames(buf)

	require.Len(t, msgs, 3)
	assert.Empty(t, rest)
	assert.Equal(t, "a", msgs[0].Method)
	assert.Equal(t, "b", msgs[1].Method)
	assert.Equal(t, "c", msgs[2].Method)
}

func TestParseFramesMalformedHeader(t *testing.T) {
	good, _ := encodeFrame(&Request{JSONRPC: "2.0", Method: "good"})

	// A header block without a usable Content-Length is skipped, and the
	// parser keeps scanning for the next frame boundary.
	buf := append([]byte("Content-Type: application/json\r\n\r\n"), good...)
	msgs, rest := parseFrames(buf)
	require.Len(t, msgs, 1)
	assert.Empty(t, rest)
	assert.Equal(t, "good", msgs[0].Method)
}

func TestParseFramesBadJSONBody(t *testing.T) {
	good, _ := encodeFrame(&Request{JSONRPC: "2.0", Method: "good"})
	buf := append([]byte("Content-Length: 5\r\n\r\n{{{{{"), good...)

	msgs, rest := parseFrames(buf)
	require.Len(t, msgs, 1)
	assert.Empty(t, rest)
	assert.Equal(t, "good", msgs[0].Method)
}

func TestParseFramesTruncatedBody(t *testing.T) {
	msgs, rest := parseFrames([]byte("Content-Length: 100\r\n\r\n{\"partial\":"))
	assert.Empty(t, msgs)
	assert.NotEmpty(t, rest)
}

func TestMessageKindDiscrimination(t *testing.T) {
	tests := []struct {
		name string
		body string
		want MessageKind
	}{
		{"response with result", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse},
		{"response with error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{"response with null result", `{"jsonrpc":"2.0","id":3,"result":null}`, KindResponse},
		{"server request", `{"jsonrpc":"2.0","id":2,"method":"workspace/configuration","params":{}}`, KindServerRequest},
		{"server request string id", `{"jsonrpc":"2.0","id":"reg-1","method":"client/registerCapability"}`, KindServerRequest},
		{"notification", `{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{}}`, KindNotification},
		{"null id notification", `{"jsonrpc":"2.0","id":null,"method":"oops"}`, KindNotification},
		{"invalid", `{"jsonrpc":"2.0"}`, KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			require.NoError(t, json.Unmarshal([]byte(tt.body), &msg))
			assert.Equal(t, tt.want, msg.Kind())
		})
	}
}
