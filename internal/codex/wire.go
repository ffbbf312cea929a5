// Package codex supervises a `codex app-server` child process and speaks
// its newline-delimited JSON-RPC protocol: correlating requests with
// responses, demultiplexing turn-scoped event streams, answering
// server-initiated requests, and recovering the session when the process
// dies.
package codex

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// rpcRequest is an outbound JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcNotification is an outbound JSON-RPC 2.0 notification (no id).
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse replies to a server-initiated request. Exactly one of
// Result and Error is set.
type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// rpcError is the JSON-RPC error object.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// methodNotFound is the JSON-RPC error code for an unsupported method.
const methodNotFound = -32601

// rpcMessage is the permissive envelope used when reading. A message is a
// response when it has an id and a result or error, a server request when
// it has an id and a method, and a notification when it has only a method.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// isResponse reports whether the message answers a request this side sent.
func (m *rpcMessage) isResponse() bool {
	return len(m.ID) > 0 && m.Method == "" && (len(m.Result) > 0 || m.Error != nil)
}

// isServerRequest reports whether the message is a request from the remote
// process that must receive a reply.
func (m *rpcMessage) isServerRequest() bool {
	return len(m.ID) > 0 && m.Method != ""
}

// isNotification reports whether the message is a one-way notification.
func (m *rpcMessage) isNotification() bool {
	return len(m.ID) == 0 && m.Method != ""
}

// requestIDKey normalizes a raw JSON id (number or string) to a map key.
func requestIDKey(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// requestIDValue converts a normalized id key back to the JSON value the
// remote side sent, so replies echo the original type.
func requestIDValue(key string) any {
	if n, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64); err == nil {
		return n
	}
	return key
}

// encodeLine marshals v and appends the newline terminator.
func encodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
