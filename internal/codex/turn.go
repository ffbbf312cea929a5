package codex

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tetherlab/tether/internal/log"
	"github.com/tetherlab/tether/internal/pubsub"
)

// approvalMode is the thread-level policy sent with thread/start: the
// server asks the client before executing commands or changing files.
const approvalMode = "on-request"

// turnOutcome is the terminal delivery for one turn: a result for remote
// terminal events (completed, cancelled, remote error), an err for local
// failures (timeout, process death).
type turnOutcome struct {
	result TurnResult
	err    error
}

// turnState tracks one in-flight turn from registration to its terminal
// event. done is buffered so delivery never blocks the reader goroutine;
// delivered guards exactly-once completion under Client.mu.
type turnState struct {
	id        string
	threadID  string
	handlers  TurnHandlers
	timer     *time.Timer
	done      chan turnOutcome
	delivered bool
}

// turnBuffer holds events that arrived for a turn id before its handlers
// registered: the race between the turn/start response and the first
// streamed deltas. Events keep arrival order across kinds; a terminal
// result that raced ahead is stashed separately.
type turnBuffer struct {
	events []turnEvent
	result *TurnResult
}

func (c *Client) bufferForLocked(turnID string) *turnBuffer {
	buf, ok := c.buffers[turnID]
	if !ok {
		buf = &turnBuffer{}
		c.buffers[turnID] = buf
	}
	return buf
}

// SendTurn sends the prompt as a new turn on the active thread (starting
// or resuming a thread as needed) and blocks until the turn reaches a
// terminal state. Streamed events are delivered to handlers in arrival
// order. A non-completed terminal status still returns a TurnResult with
// nil error; local failures (timeout, process death, transport errors)
// return an error instead.
func (c *Client) SendTurn(ctx context.Context, prompt string, handlers TurnHandlers, opts TurnOptions) (TurnResult, error) {
	if err := c.Start(ctx); err != nil {
		return TurnResult{}, err
	}

	ctx, span := c.tracer.Start(ctx, "turn.send")
	defer span.End()

	threadID, err := c.ensureThread(ctx)
	if err != nil {
		return TurnResult{}, err
	}

	res, err := c.request(ctx, "turn/start", turnStartParams(threadID, prompt, opts, c.cfg))
	if err != nil && isThreadNotFound(err) {
		// The cached thread evaporated server-side (agent restart,
		// expired session). Drop it, start fresh, retry exactly once.
		log.Warn(log.CatTurn, "thread rejected, starting fresh", "threadId", threadID)
		c.NewThread()
		threadID, err = c.ensureThread(ctx)
		if err != nil {
			return TurnResult{}, err
		}
		res, err = c.request(ctx, "turn/start", turnStartParams(threadID, prompt, opts, c.cfg))
	}
	if err != nil {
		return TurnResult{}, err
	}

	turnID := extractTurnID(res)
	if turnID == "" {
		return TurnResult{}, errors.New("turn/start response missing turn id")
	}
	span.SetAttributes(
		attribute.String("thread.id", threadID),
		attribute.String("turn.id", turnID),
	)

	st := c.registerTurn(turnID, threadID, handlers)

	select {
	case out := <-st.done:
		return c.turnReturn(span, out)
	case <-ctx.Done():
		// CancelTurn resolves the turn locally, so the receive below
		// is immediate; the remote interrupt goes out best-effort.
		c.CancelTurn(turnID)
		out := <-st.done
		return c.turnReturn(span, out)
	}
}

func (c *Client) turnReturn(span trace.Span, out turnOutcome) (TurnResult, error) {
	if out.err != nil {
		span.SetAttributes(attribute.String("turn.status", "failed"))
		return TurnResult{}, out.err
	}
	span.SetAttributes(attribute.String("turn.status", string(out.result.Status)))
	return out.result, nil
}

// CancelTurn interrupts a turn. With an empty id the active turn is
// cancelled. Cancellation is authoritative locally: a matching in-flight
// turn resolves immediately with status cancelled and its buffered events
// are discarded, while the turn/cancel request goes out best-effort in the
// background. Returns whether a matching turn was found.
func (c *Client) CancelTurn(turnID string) bool {
	c.mu.Lock()
	if turnID == "" {
		turnID = c.activeTurnID
	}
	var threadID string
	st, registered := c.turns[turnID]
	if registered {
		threadID = st.threadID
	}
	delete(c.buffers, turnID)
	c.mu.Unlock()

	if turnID == "" {
		return false
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeouts.request)
		defer cancel()
		params := map[string]any{"threadId": threadID, "turnId": turnID}
		if _, err := c.request(ctx, "turn/cancel", params); err != nil {
			log.Warn(log.CatTurn, "turn/cancel failed", "turnId", turnID, "error", err)
		}
	}()

	if registered {
		c.finishTurn(turnID, TurnResult{
			TurnID:   turnID,
			ThreadID: threadID,
			Status:   TurnCancelled,
		})
	}
	return registered
}

// ensureThread returns the thread id for the next turn: the one already in
// use, a resumed stored thread, or a freshly started one.
func (c *Client) ensureThread(ctx context.Context) (string, error) {
	c.mu.Lock()
	current := c.threadID
	resume := c.resumeID
	c.mu.Unlock()

	if current != "" {
		return current, nil
	}

	if resume != "" {
		res, err := c.request(ctx, "thread/resume", map[string]any{"threadId": resume})
		switch {
		case err == nil:
			id := extractThreadID(res)
			if id == "" {
				id = resume
			}
			c.adoptThread(id)
			log.Info(log.CatTurn, "thread resumed", "threadId", id)
			return id, nil
		case isThreadNotFound(err):
			log.Warn(log.CatTurn, "stored thread unknown, starting fresh", "threadId", resume)
			c.mu.Lock()
			c.resumeID = ""
			c.mu.Unlock()
		default:
			return "", err
		}
	}

	params := map[string]any{
		"cwd":            c.cfg.WorkDir,
		"approvalPolicy": approvalMode,
	}
	if c.cfg.Model != "" {
		params["model"] = c.cfg.Model
	}
	if c.cfg.DeveloperInstructions != "" {
		params["developerInstructions"] = c.cfg.DeveloperInstructions
	}

	res, err := c.request(ctx, "thread/start", params)
	if err != nil {
		return "", err
	}
	id := extractThreadID(res)
	if id == "" {
		return "", errors.New("thread/start response missing thread id")
	}
	c.adoptThread(id)
	log.Info(log.CatTurn, "thread started", "threadId", id)
	return id, nil
}

// adoptThread records the active thread and notifies the application so it
// can persist the id for later resumption.
func (c *Client) adoptThread(id string) {
	c.mu.Lock()
	changed := c.threadID != id
	c.threadID = id
	cb := c.callbacks.ThreadChanged
	c.mu.Unlock()

	if changed && cb != nil {
		safeInvoke("threadChanged", func() { cb(id) })
	}
}

// turnStartParams builds the turn/start payload: the prompt as a text
// input item, images after it, and model/effort from options falling back
// to configured defaults.
func turnStartParams(threadID, prompt string, opts TurnOptions, cfg Config) map[string]any {
	input := []map[string]any{
		{"type": "text", "text": prompt},
	}
	for _, img := range opts.Images {
		switch {
		case img.URL != "":
			input = append(input, map[string]any{"type": "image", "url": img.URL})
		case img.Path != "":
			input = append(input, map[string]any{"type": "localImage", "path": img.Path})
		}
	}

	params := map[string]any{
		"threadId": threadID,
		"input":    input,
	}
	if model := firstNonEmpty(opts.Model, cfg.Model); model != "" {
		params["model"] = model
	}
	if effort := firstNonEmpty(opts.Effort, cfg.Effort); effort != "" {
		params["effort"] = effort
	}
	return params
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// isThreadNotFound matches the remote error for a missing thread id.
func isThreadNotFound(err error) bool {
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "unknown thread")
}

// registerTurn installs handlers for the turn, replays any events that
// arrived before registration, and arms the turn deadline. The replay runs
// under dispatchMu so live events observe registration only after all
// buffered events have been delivered, preserving arrival order.
func (c *Client) registerTurn(turnID, threadID string, handlers TurnHandlers) *turnState {
	st := &turnState{
		id:       turnID,
		threadID: threadID,
		handlers: handlers,
		done:     make(chan turnOutcome, 1),
	}

	c.dispatchMu.Lock()
	c.mu.Lock()
	st.timer = time.AfterFunc(c.timeouts.turn, func() {
		c.timeoutTurn(turnID)
	})
	c.turns[turnID] = st
	c.activeTurnID = turnID
	buf := c.buffers[turnID]
	delete(c.buffers, turnID)
	c.mu.Unlock()

	if buf != nil {
		for _, ev := range buf.events {
			ev.deliver(handlers)
		}
	}
	c.dispatchMu.Unlock()

	// A terminal event that raced ahead of registration completes the
	// turn immediately.
	if buf != nil && buf.result != nil {
		c.finishTurn(turnID, *buf.result)
	}

	log.Debug(log.CatTurn, "turn registered", "turnId", turnID, "threadId", threadID)
	return st
}

// dispatch routes one turn-scoped event to its handlers, or buffers it when
// the turn has not registered yet. Runs on the reader goroutine, so events
// for a given turn are delivered in arrival order.
func (c *Client) dispatch(turnID string, ev turnEvent) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if turnID == "" {
		turnID = c.activeTurnID
	}
	if turnID == "" {
		c.mu.Unlock()
		log.Debug(log.CatTurn, "event with no turn id dropped")
		return
	}
	st, ok := c.turns[turnID]
	if !ok {
		buf := c.bufferForLocked(turnID)
		buf.events = append(buf.events, ev)
		c.mu.Unlock()
		return
	}
	handlers := st.handlers
	c.mu.Unlock()

	ev.deliver(handlers)
}

// finishTurn delivers the terminal result for a turn, exactly once. A
// result for an unregistered turn is stashed in its buffer so registration
// can pick it up, except a cancellation, which just discards the turn's
// transient state.
func (c *Client) finishTurn(turnID string, result TurnResult) {
	c.mu.Lock()
	st, ok := c.turns[turnID]
	if !ok {
		if result.Status == TurnCancelled {
			delete(c.buffers, turnID)
			c.mu.Unlock()
			return
		}
		buf := c.bufferForLocked(turnID)
		res := result
		buf.result = &res
		c.mu.Unlock()
		return
	}
	if st.delivered {
		c.mu.Unlock()
		return
	}
	st.delivered = true
	delete(c.turns, turnID)
	if c.activeTurnID == turnID {
		c.activeTurnID = ""
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	c.mu.Unlock()

	log.Info(log.CatTurn, "turn finished", "turnId", turnID, "status", result.Status)
	st.done <- turnOutcome{result: result}
}

// timeoutTurn fails a turn that produced no terminal event in time and
// asks the agent to stop working on it.
func (c *Client) timeoutTurn(turnID string) {
	c.mu.Lock()
	st, ok := c.turns[turnID]
	if !ok || st.delivered {
		c.mu.Unlock()
		return
	}
	st.delivered = true
	delete(c.turns, turnID)
	if c.activeTurnID == turnID {
		c.activeTurnID = ""
	}
	c.mu.Unlock()

	log.Warn(log.CatTurn, "turn timed out", "turnId", turnID)
	st.done <- turnOutcome{err: ErrTurnTimeout}
	c.CancelTurn(turnID)
}

// takeTurnsLocked removes every in-flight turn for terminal delivery by
// the caller. Caller holds c.mu.
func (c *Client) takeTurnsLocked() []*turnState {
	var taken []*turnState
	for id, st := range c.turns {
		if st.delivered {
			continue
		}
		st.delivered = true
		if st.timer != nil {
			st.timer.Stop()
		}
		taken = append(taken, st)
		delete(c.turns, id)
	}
	c.activeTurnID = ""
	return taken
}

// handleNotification routes server notifications: thread lifecycle, the
// five turn-scoped event kinds, terminal turn events, and generic errors.
func (c *Client) handleNotification(msg *rpcMessage) {
	params := decodeParams(msg.Params)

	switch msg.Method {
	case "thread/started":
		if id := extractThreadID(params); id != "" {
			c.adoptThread(id)
		}

	case "turn/started":
		log.Debug(log.CatTurn, "turn started", "turnId", extractTurnID(params))

	case "turn/completed":
		c.handleTurnCompleted(params)

	case "item/agentMessage/delta":
		c.dispatch(extractTurnID(params), turnEvent{kind: kindDelta, text: extractDelta(params)})

	case "item/reasoning/summaryTextDelta", "item/reasoning/textDelta":
		c.dispatch(extractTurnID(params), turnEvent{kind: kindThinking, text: extractDelta(params)})

	case "item/commandExecution/outputDelta":
		c.dispatch(extractTurnID(params), turnEvent{kind: kindToolDelta, delta: ToolDeltaEvent{
			TurnID: extractTurnID(params),
			ItemID: firstString(params, "itemId", "item.id"),
			Delta:  extractDelta(params),
		}})

	case "item/started":
		c.handleItemStarted(params)

	case "item/completed":
		c.handleItemCompleted(params)

	case "error":
		c.handleErrorNotification(params)

	default:
		log.Debug(log.CatRPC, "unhandled notification", "method", msg.Method)
	}
}

func (c *Client) handleTurnCompleted(params map[string]any) {
	turn := firstMap(params, "turn")
	if turn == nil {
		turn = params
	}
	turnID := extractTurnID(turn)
	if turnID == "" {
		turnID = extractTurnID(params)
	}

	result := TurnResult{
		TurnID:   turnID,
		ThreadID: extractThreadID(params),
		Status:   normalizeTurnStatus(firstString(turn, "status")),
	}
	if result.Status != TurnCompleted {
		result.ErrorMessage = firstString(turn, "error.message", "error", "message")
	}
	c.finishTurn(turnID, result)
}

func normalizeTurnStatus(status string) TurnStatus {
	switch strings.ToLower(status) {
	case "completed", "success", "ok", "":
		return TurnCompleted
	case "cancelled", "canceled", "interrupted", "aborted":
		return TurnCancelled
	default:
		return TurnErrored
	}
}

// toolItemTypes are item types surfaced through the tool handlers; message
// and reasoning items stream through their own delta notifications.
var toolItemTypes = map[string]bool{
	"commandExecution":  true,
	"command_execution": true,
	"fileChange":        true,
	"file_change":       true,
	"mcpToolCall":       true,
	"mcp_tool_call":     true,
	"webSearch":         true,
	"web_search":        true,
	"toolCall":          true,
}

func (c *Client) handleItemStarted(params map[string]any) {
	item := firstMap(params, "item")
	if item == nil {
		item = params
	}
	itemType := firstString(item, "type", "itemType")
	if !toolItemTypes[itemType] {
		return
	}

	title := extractCommand(item)
	if title == "" {
		title = firstString(item, "title", "name", "tool", "query")
	}
	c.dispatch(extractTurnID(params), turnEvent{kind: kindToolStart, start: ToolStartEvent{
		TurnID:   extractTurnID(params),
		ItemID:   firstString(item, "id", "itemId"),
		ItemType: itemType,
		Title:    title,
	}})
}

func (c *Client) handleItemCompleted(params map[string]any) {
	item := firstMap(params, "item")
	if item == nil {
		item = params
	}
	itemType := firstString(item, "type", "itemType")
	if !toolItemTypes[itemType] {
		return
	}

	c.dispatch(extractTurnID(params), turnEvent{kind: kindToolComplete, complete: ToolCompleteEvent{
		TurnID:   extractTurnID(params),
		ItemID:   firstString(item, "id", "itemId"),
		ItemType: itemType,
		Status:   firstString(item, "status"),
		Detail:   firstString(item, "aggregatedOutput", "output", "text"),
	}})
}

// handleErrorNotification fails the matching turn, or surfaces the error
// as a system message when no turn matches.
func (c *Client) handleErrorNotification(params map[string]any) {
	message := firstString(params, "error.message", "message")
	if message == "" {
		message = "agent reported an unspecified error"
	}

	// Error notifications carrying a turn id are turn-scoped; deliver
	// them as an errored terminal result so SendTurn resolves with the
	// message. Anything else goes to the system sink.
	if turnID := extractTurnID(params); turnID != "" {
		c.finishTurn(turnID, TurnResult{
			TurnID:       turnID,
			ThreadID:     extractThreadID(params),
			Status:       TurnErrored,
			ErrorMessage: message,
		})
		return
	}

	log.Error(log.CatRPC, "agent error", "message", message)
	c.system.Publish(pubsub.ErrorEvent, "agent error: "+message)
}
