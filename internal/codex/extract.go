package codex

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The app-server has shipped several shapes for the same logical payloads
// (thread ids under "thread.id", "threadId", or bare "id"; commands as
// strings or argv arrays). These helpers read fields permissively so the
// client keeps working across protocol revisions.

// decodeParams unmarshals raw JSON params into a generic map. A missing or
// malformed payload yields an empty map rather than an error.
func decodeParams(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// lookupPath walks a dot-separated path through nested maps.
func lookupPath(m map[string]any, path string) (any, bool) {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// firstString returns the first non-empty string found at any of the given
// dot-separated paths.
func firstString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		v, ok := lookupPath(m, p)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// firstMap returns the first map value found at any of the given paths.
func firstMap(m map[string]any, paths ...string) map[string]any {
	for _, p := range paths {
		v, ok := lookupPath(m, p)
		if !ok {
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			return sub
		}
	}
	return nil
}

// firstSlice returns the first slice value found at any of the given paths.
func firstSlice(m map[string]any, paths ...string) []any {
	for _, p := range paths {
		v, ok := lookupPath(m, p)
		if !ok {
			continue
		}
		if s, ok := v.([]any); ok {
			return s
		}
	}
	return nil
}

// stringify renders a value for display: strings pass through, argv-style
// arrays are joined with spaces, everything else falls back to JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, stringify(e))
		}
		return strings.Join(parts, " ")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// extractThreadID pulls a thread id from a thread/start or thread/resume
// response, or from a thread-scoped notification.
func extractThreadID(m map[string]any) string {
	return firstString(m, "thread.id", "threadId", "thread_id", "id")
}

// extractTurnID pulls a turn id from a turn/start response or a turn-scoped
// notification.
func extractTurnID(m map[string]any) string {
	return firstString(m, "turn.id", "turnId", "turn_id", "id")
}

// extractDelta pulls incremental text from a streaming delta notification.
func extractDelta(m map[string]any) string {
	return firstString(m, "delta", "text", "chunk", "output")
}

// extractCommand renders the command of a command-execution payload.
func extractCommand(m map[string]any) string {
	for _, p := range []string{"command", "cmd", "parsedCmd", "argv"} {
		if v, ok := lookupPath(m, p); ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}
