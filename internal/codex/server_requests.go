package codex

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/tetherlab/tether/internal/log"
)

// handleServerRequest answers a request initiated by the agent. Runs on
// its own goroutine per request so a slow callback never stalls the
// reader; every branch replies exactly once.
func (c *Client) handleServerRequest(msg *rpcMessage) {
	idKey := requestIDKey(msg.ID)
	params := decodeParams(msg.Params)

	log.Debug(log.CatServer, "server request", "method", msg.Method, "id", idKey)

	switch msg.Method {
	case "item/commandExecution/requestApproval", "execCommandApproval":
		c.respondApproval(idKey, msg.Method, ApproveCommand, params)
	case "item/fileChange/requestApproval", "applyPatchApproval":
		c.respondApproval(idKey, msg.Method, ApproveFileChange, params)
	case "item/tool/requestUserInput":
		c.respondUserInput(idKey, params)
	case "item/tool/call":
		c.respondToolCall(idKey, params)
	default:
		log.Warn(log.CatServer, "unsupported server request", "method", msg.Method)
		c.respond(idKey, nil, &rpcError{
			Code:    methodNotFound,
			Message: fmt.Sprintf("method not supported: %s", msg.Method),
		})
	}
}

// respondApproval resolves a command or file-change approval through the
// configured policy, falling back to decline when the callback is absent,
// errors, or runs past the approval deadline.
func (c *Client) respondApproval(idKey, method string, kind ApprovalKind, params map[string]any) {
	req := ApprovalRequest{
		Method:   method,
		Kind:     kind,
		Command:  extractCommand(params),
		FilePath: firstString(params, "path", "file"),
		WorkDir:  firstString(params, "cwd", "workingDirectory", "workdir"),
		Reason:   firstString(params, "reason", "justification"),
	}
	if kind == ApproveFileChange {
		req.DiffPreview = diffPreview(params)
		if req.FilePath == "" {
			if changes := firstSlice(params, "fileChanges", "changes"); len(changes) > 0 {
				if change, ok := changes[0].(map[string]any); ok {
					req.FilePath = firstString(change, "path", "file")
				}
			}
		}
	}

	decision := c.decideApproval(req)
	log.Info(log.CatServer, "approval answered",
		"method", method, "kind", kind, "decision", decision)
	c.respond(idKey, map[string]any{"decision": decisionWord(method, decision)}, nil)
}

func (c *Client) decideApproval(req ApprovalRequest) ApprovalDecision {
	switch c.cfg.ApprovalPolicy {
	case "accept":
		return DecisionAccept
	case "decline":
		return DecisionDecline
	}

	cb := c.callbacks.Approval
	if cb == nil {
		return DecisionDecline
	}

	decision, err := await(c.timeouts.approval, func() (ApprovalDecision, error) {
		return cb(req)
	})
	if err != nil {
		log.Warn(log.CatServer, "approval callback failed, declining", "error", err)
		return DecisionDecline
	}
	if decision != DecisionAccept {
		return DecisionDecline
	}
	return DecisionAccept
}

// decisionWord maps a decision to the vocabulary the given method variant
// expects: the item/* methods take accept/decline, the legacy approval
// methods take approved/denied.
func decisionWord(method string, decision ApprovalDecision) string {
	legacy := !strings.HasPrefix(method, "item/")
	switch {
	case legacy && decision == DecisionAccept:
		return "approved"
	case legacy:
		return "denied"
	default:
		return string(decision)
	}
}

// diffPreview renders a human-readable preview of a file change. A diff
// the server already rendered passes through; otherwise old/new content
// pairs are diffed locally.
func diffPreview(params map[string]any) string {
	if d := firstString(params, "diff", "unifiedDiff", "patch"); d != "" {
		return d
	}

	changes := firstSlice(params, "fileChanges", "changes")
	if changes == nil {
		return ""
	}

	dmp := diffmatchpatch.New()
	var b strings.Builder
	for _, raw := range changes {
		change, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if d := firstString(change, "diff", "unifiedDiff", "patch"); d != "" {
			b.WriteString(d)
			b.WriteString("\n")
			continue
		}
		oldText := firstString(change, "oldContent", "old_content", "before")
		newText := firstString(change, "newContent", "new_content", "after", "content")
		if oldText == "" && newText == "" {
			continue
		}
		if path := firstString(change, "path", "file"); path != "" {
			fmt.Fprintf(&b, "--- %s\n", path)
		}
		patches := dmp.PatchMake(oldText, newText)
		b.WriteString(dmp.PatchToText(patches))
	}
	return strings.TrimRight(b.String(), "\n")
}

// respondUserInput answers item/tool/requestUserInput. Without a callback,
// or when it fails or times out, each question gets its first option (or
// an empty answer).
func (c *Client) respondUserInput(idKey string, params map[string]any) {
	req := parseUserInputRequest(params)

	answers := defaultAnswers(req)
	if cb := c.callbacks.UserInput; cb != nil {
		got, err := await(c.timeouts.userInput, func() (map[string]string, error) {
			return cb(req)
		})
		if err != nil {
			log.Warn(log.CatServer, "user input callback failed, using defaults", "error", err)
		} else {
			for id, ans := range got {
				answers[id] = ans
			}
		}
	}

	payload := make(map[string]any, len(answers))
	for id, ans := range answers {
		payload[id] = map[string]any{"answer": ans}
	}
	c.respond(idKey, map[string]any{"answers": payload}, nil)
}

func parseUserInputRequest(params map[string]any) UserInputRequest {
	var req UserInputRequest
	for _, raw := range firstSlice(params, "questions", "items") {
		q, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		question := UserInputQuestion{
			ID:     firstString(q, "id", "name"),
			Prompt: firstString(q, "question", "prompt", "text"),
		}
		for _, opt := range firstSlice(q, "options", "choices") {
			switch o := opt.(type) {
			case string:
				question.Options = append(question.Options, o)
			case map[string]any:
				if label := firstString(o, "value", "label", "id"); label != "" {
					question.Options = append(question.Options, label)
				}
			}
		}
		req.Questions = append(req.Questions, question)
	}
	return req
}

func defaultAnswers(req UserInputRequest) map[string]string {
	answers := make(map[string]string, len(req.Questions))
	for _, q := range req.Questions {
		if q.ID == "" {
			continue
		}
		if len(q.Options) > 0 {
			answers[q.ID] = q.Options[0]
		} else {
			answers[q.ID] = ""
		}
	}
	return answers
}

// respondToolCall answers item/tool/call. Tool calls are opt-in; when
// disabled or unhandled the agent gets a structured failure rather than a
// protocol error, so the turn can continue.
func (c *Client) respondToolCall(idKey string, params map[string]any) {
	name := firstString(params, "name", "tool", "toolName")
	args := parseToolArguments(params)

	cb := c.callbacks.ToolCall
	if !c.cfg.AllowToolCalls || cb == nil {
		c.respond(idKey, toolCallResult("tool calls are not supported by this client", false), nil)
		return
	}

	out, err := await(c.timeouts.toolCall, func() (string, error) {
		return cb(ToolCallRequest{Name: name, Arguments: args})
	})
	if err != nil {
		log.Warn(log.CatServer, "tool call failed", "tool", name, "error", err)
		c.respond(idKey, toolCallResult(fmt.Sprintf("tool %q failed: %v", name, err), false), nil)
		return
	}
	c.respond(idKey, toolCallResult(out, true), nil)
}

func parseToolArguments(params map[string]any) map[string]any {
	if m := firstMap(params, "arguments", "args", "input"); m != nil {
		return m
	}
	// Some revisions ship arguments as a JSON-encoded string.
	if s := firstString(params, "arguments", "args", "input"); s != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return m
		}
	}
	return map[string]any{}
}

func toolCallResult(text string, success bool) map[string]any {
	return map[string]any{
		"contentItems": []map[string]any{
			{"type": "inputText", "text": text},
		},
		"success": success,
	}
}

// await runs fn on its own goroutine and bounds it with a deadline. A
// panicking fn is contained and reported as an error.
func await[T any](timeout time.Duration, fn func() (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- outcome{value: zero, err: fmt.Errorf("callback panicked: %v", r)}
			}
		}()
		v, err := fn()
		ch <- outcome{value: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.value, out.err
	case <-time.After(timeout):
		var zero T
		return zero, ErrCallbackTimeout
	}
}
