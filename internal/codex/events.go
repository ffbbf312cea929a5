package codex

import (
	"fmt"
	"runtime/debug"

	"github.com/tetherlab/tether/internal/log"
)

// TurnStatus is the terminal outcome of a turn.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnCancelled TurnStatus = "cancelled"
	TurnErrored   TurnStatus = "error"
)

// TurnResult is what a finished turn resolves with. A non-completed status
// still resolves normally; ErrorMessage carries the remote explanation.
type TurnResult struct {
	TurnID       string
	ThreadID     string
	Status       TurnStatus
	ErrorMessage string
}

// ImageAttachment is an image included with a turn, either by URL or by
// local filesystem path.
type ImageAttachment struct {
	URL  string
	Path string
}

// TurnOptions carries per-turn overrides.
type TurnOptions struct {
	// Model overrides the configured model for this turn.
	Model string

	// Effort overrides the configured reasoning effort for this turn.
	Effort string

	// Images are attached after the prompt text.
	Images []ImageAttachment
}

// ToolStartEvent announces that the agent began a tool invocation
// (command execution, file change, MCP tool, web search).
type ToolStartEvent struct {
	TurnID   string
	ItemID   string
	ItemType string
	Title    string
}

// ToolDeltaEvent carries incremental tool output, such as command stdout.
type ToolDeltaEvent struct {
	TurnID string
	ItemID string
	Delta  string
}

// ToolCompleteEvent announces a finished tool invocation.
type ToolCompleteEvent struct {
	TurnID   string
	ItemID   string
	ItemType string
	Status   string
	Detail   string
}

// TurnHandlers receives the streamed events of one turn, in arrival order.
// Handlers run on the stream-reading goroutine and must not block; a
// handler that panics is contained and logged rather than killing the
// reader.
type TurnHandlers struct {
	OnDelta         func(text string)
	OnThinkingDelta func(text string)
	OnToolStart     func(ev ToolStartEvent)
	OnToolDelta     func(ev ToolDeltaEvent)
	OnToolComplete  func(ev ToolCompleteEvent)
	OnSystem        func(text string)
}

// ApprovalKind distinguishes what an approval request is asking about.
type ApprovalKind string

const (
	ApproveCommand    ApprovalKind = "command"
	ApproveFileChange ApprovalKind = "fileChange"
)

// ApprovalDecision is the caller's answer to an approval request.
type ApprovalDecision string

const (
	DecisionAccept  ApprovalDecision = "accept"
	DecisionDecline ApprovalDecision = "decline"
)

// ApprovalRequest is a server-initiated request to approve a command
// execution or file change before the agent proceeds.
type ApprovalRequest struct {
	Method      string
	Kind        ApprovalKind
	Command     string
	FilePath    string
	WorkDir     string
	Reason      string
	DiffPreview string
}

// UserInputQuestion is one question inside a user-input request.
type UserInputQuestion struct {
	ID      string
	Prompt  string
	Options []string
}

// UserInputRequest is a server-initiated request for structured answers.
type UserInputRequest struct {
	Questions []UserInputQuestion
}

// ToolCallRequest is a server-initiated request to run a client-side tool.
type ToolCallRequest struct {
	Name      string
	Arguments map[string]any
}

// Callbacks let the embedding application answer server-initiated requests
// and observe thread changes. Nil members fall back to the configured
// policy defaults.
type Callbacks struct {
	// Approval decides command and file-change approvals when the
	// approval policy is "prompt".
	Approval func(req ApprovalRequest) (ApprovalDecision, error)

	// UserInput answers item/tool/requestUserInput, keyed by question id.
	UserInput func(req UserInputRequest) (map[string]string, error)

	// ToolCall runs a client-side tool and returns its text output.
	ToolCall func(req ToolCallRequest) (string, error)

	// ThreadChanged fires whenever the active thread id changes, so the
	// application can persist it for later resumption.
	ThreadChanged func(threadID string)
}

// eventKind tags buffered and dispatched turn events so arrival order is
// preserved across kinds.
type eventKind int

const (
	kindDelta eventKind = iota
	kindThinking
	kindToolStart
	kindToolDelta
	kindToolComplete
)

// turnEvent is one buffered turn-scoped event.
type turnEvent struct {
	kind     eventKind
	text     string
	start    ToolStartEvent
	delta    ToolDeltaEvent
	complete ToolCompleteEvent
}

// deliver invokes the matching handler for the event, if one is set.
func (e turnEvent) deliver(h TurnHandlers) {
	switch e.kind {
	case kindDelta:
		if h.OnDelta != nil {
			safeInvoke("delta", func() { h.OnDelta(e.text) })
		}
	case kindThinking:
		if h.OnThinkingDelta != nil {
			safeInvoke("thinking", func() { h.OnThinkingDelta(e.text) })
		}
	case kindToolStart:
		if h.OnToolStart != nil {
			safeInvoke("toolStart", func() { h.OnToolStart(e.start) })
		}
	case kindToolDelta:
		if h.OnToolDelta != nil {
			safeInvoke("toolDelta", func() { h.OnToolDelta(e.delta) })
		}
	case kindToolComplete:
		if h.OnToolComplete != nil {
			safeInvoke("toolComplete", func() { h.OnToolComplete(e.complete) })
		}
	}
}

// safeInvoke runs a handler and contains any panic so a misbehaving
// callback cannot kill the stream-reading goroutine.
func safeInvoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatTurn, "handler panicked",
				"handler", name,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
