package codex

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func parseMessage(t *testing.T, line string) *rpcMessage {
	t.Helper()
	var msg rpcMessage
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	return &msg
}

// === Classification ===

func TestRPCMessage_Classification(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		response bool
		request  bool
		notify   bool
	}{
		{
			name:     "result response",
			line:     `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`,
			response: true,
		},
		{
			name:     "error response",
			line:     `{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"nope"}}`,
			response: true,
		},
		{
			name:    "server request",
			line:    `{"jsonrpc":"2.0","id":"r-1","method":"item/tool/call","params":{}}`,
			request: true,
		},
		{
			name:   "notification",
			line:   `{"jsonrpc":"2.0","method":"turn/completed","params":{}}`,
			notify: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := parseMessage(t, tt.line)
			require.Equal(t, tt.response, msg.isResponse())
			require.Equal(t, tt.request, msg.isServerRequest())
			require.Equal(t, tt.notify, msg.isNotification())
		})
	}
}

// === Id normalization ===

func TestRequestID_NumberAndStringRoundTrip(t *testing.T) {
	key := requestIDKey(json.RawMessage(`42`))
	require.Equal(t, "42", key)
	require.Equal(t, int64(42), requestIDValue(key))

	key = requestIDKey(json.RawMessage(`"req-42"`))
	require.Equal(t, "req-42", key)
	require.Equal(t, "req-42", requestIDValue(key))
}

func TestRequestIDKey_EmptyID(t *testing.T) {
	require.Equal(t, "", requestIDKey(nil))
}

// === Extraction ===

func TestExtractThreadID_Variants(t *testing.T) {
	require.Equal(t, "t1", extractThreadID(map[string]any{
		"thread": map[string]any{"id": "t1"},
	}))
	require.Equal(t, "t2", extractThreadID(map[string]any{"threadId": "t2"}))
	require.Equal(t, "t3", extractThreadID(map[string]any{"id": "t3"}))
	require.Equal(t, "", extractThreadID(map[string]any{}))
}

func TestExtractTurnID_Variants(t *testing.T) {
	require.Equal(t, "u1", extractTurnID(map[string]any{
		"turn": map[string]any{"id": "u1"},
	}))
	require.Equal(t, "u2", extractTurnID(map[string]any{"turnId": "u2"}))
	require.Equal(t, "u3", extractTurnID(map[string]any{"id": "u3"}))
}

func TestExtractCommand_JoinsArgv(t *testing.T) {
	require.Equal(t, "git status", extractCommand(map[string]any{
		"command": []any{"git", "status"},
	}))
	require.Equal(t, "make build", extractCommand(map[string]any{
		"cmd": "make build",
	}))
	require.Equal(t, "", extractCommand(map[string]any{}))
}

func TestFirstString_WalksNestedPaths(t *testing.T) {
	m := map[string]any{
		"error": map[string]any{"message": "boom"},
	}
	require.Equal(t, "boom", firstString(m, "error.message", "message"))
	require.Equal(t, "boom", firstString(m, "missing", "error.message"))
	require.Equal(t, "", firstString(m, "error.code"))
}

func TestStringify_FallsBackToJSON(t *testing.T) {
	require.Equal(t, `{"a":1}`, stringify(map[string]any{"a": float64(1)}))
	require.Equal(t, "", stringify(nil))
}
