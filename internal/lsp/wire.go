package lsp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Request represents an outgoing JSON-RPC request or notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents a JSON-RPC response to one of our requests.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// reply is a response we send back for a server-to-client request. The id is
// echoed verbatim because servers may use numeric or string ids.
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MessageKind discriminates an incoming wire message by shape.
type MessageKind int

const (
	// KindInvalid marks a message with neither id nor method.
	KindInvalid MessageKind = iota
	// KindResponse has an id and no method: the answer to one of our requests.
	KindResponse
	// KindServerRequest has both id and method: the server is asking us
	// something and a reply is mandatory.
	KindServerRequest
	// KindNotification has a method and no id.
	KindNotification
)

// String returns a human-readable kind name.
func (k MessageKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindServerRequest:
		return "server-request"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is a decoded incoming JSON-RPC envelope. The id is kept raw so
// server-request ids of any JSON type can be echoed back unchanged.
type Message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Kind classifies the message. The combination of id and method presence is
// what matters: a message carrying both is a server-to-client request, not a
// response, and dropping it stalls servers that wait for the answer.
func (m *Message) Kind() MessageKind {
	hasID := len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
	switch {
	case hasID && m.Method != "":
		return KindServerRequest
	case hasID:
		return KindResponse
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// ResponseID returns the numeric id of a response message.
func (m *Message) ResponseID() (int64, bool) {
	var id int64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// encodeFrame marshals v and prefixes it with the base-protocol header.
func encodeFrame(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)
	return buf.Bytes(), nil
}

var (
	headerSep      = []byte("\r\n\r\n")
	contentLenName = []byte("content-length:")
)

// parseFrames scans buf for complete Content-Length framed messages. It
// returns every fully available decoded message and the unconsumed remainder,
// which may be empty or a partial frame awaiting more bytes. Malformed or
// unrecognized headers are skipped; truncated input is never an error.
func parseFrames(buf []byte) ([]Message, []byte) {
	var msgs []Message
	for {
		sep := bytes.Index(buf, headerSep)
		if sep < 0 {
			return msgs, buf
		}

		length := -1
		for _, line := range bytes.Split(buf[:sep], []byte("\r\n")) {
			lower := bytes.ToLower(bytes.TrimSpace(line))
			if !bytes.HasPrefix(lower, contentLenName) {
				continue
			}
			val := bytes.TrimSpace(lower[len(contentLenName):])
			if n, err := strconv.Atoi(string(val)); err == nil && n >= 0 {
				length = n
			}
		}

		if length < 0 {
			// No usable Content-Length in this header block. Drop it and
			// keep scanning for the next frame boundary.
			buf = buf[sep+len(headerSep):]
			continue
		}

		bodyStart := sep + len(headerSep)
		if len(buf) < bodyStart+length {
			return msgs, buf
		}

		body := buf[bodyStart : bodyStart+length]
		buf = buf[bodyStart+length:]

		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
}
