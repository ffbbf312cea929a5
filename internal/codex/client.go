package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/tetherlab/tether/internal/log"
	"github.com/tetherlab/tether/internal/pubsub"
)

// appServerArg is the subcommand that puts the agent CLI into
// JSON-RPC-over-stdio mode.
const appServerArg = "app-server"

// Config holds the client's static configuration.
type Config struct {
	// Command is the agent executable name or path. Default: "codex".
	Command string

	// WorkDir is the working directory for the agent and its threads.
	WorkDir string

	// ExtraPaths are appended to PATH when spawning.
	ExtraPaths []string

	// Model and Effort are the per-turn defaults; both may be empty.
	Model  string
	Effort string

	// DeveloperInstructions are sent with thread/start when non-empty.
	DeveloperInstructions string

	// ApprovalPolicy is "prompt", "accept", or "decline". Default: "prompt".
	ApprovalPolicy string

	// AllowToolCalls enables answering item/tool/call through the
	// ToolCall callback. When false such requests get a structured
	// failure result.
	AllowToolCalls bool

	// MaxReconnectAttempts bounds automatic restarts after unexpected
	// exits. Default: 5.
	MaxReconnectAttempts int

	// ClientVersion is reported in the initialize handshake.
	ClientVersion string
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = "codex"
	}
	if c.ApprovalPolicy == "" {
		c.ApprovalPolicy = "prompt"
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
	return c
}

// timeouts groups the client's fixed deadlines. Tests shrink them.
type timeouts struct {
	request   time.Duration
	turn      time.Duration
	approval  time.Duration
	userInput time.Duration
	toolCall  time.Duration

	backoffBase time.Duration
	backoffCap  time.Duration
}

func defaultTimeouts() timeouts {
	return timeouts{
		request:     60 * time.Second,
		turn:        15 * time.Minute,
		approval:    60 * time.Second,
		userInput:   60 * time.Second,
		toolCall:    120 * time.Second,
		backoffBase: time.Second,
		backoffCap:  30 * time.Second,
	}
}

// rpcReply carries a response (or failure) back to a waiting request.
type rpcReply struct {
	result json.RawMessage
	err    error
}

// Client supervises one agent process and multiplexes its protocol.
// All exported methods are safe for concurrent use.
type Client struct {
	cfg      Config
	timeouts timeouts
	resolver *Resolver
	spawn    spawnFunc
	tracer   trace.Tracer
	system   *pubsub.Broker[string]

	callbacks Callbacks

	nextID atomic.Int64

	// writeMu serializes writes to the agent's stdin so concurrent
	// requests never interleave bytes within a frame.
	writeMu sync.Mutex

	// dispatchMu serializes handler delivery so the buffered-event flush
	// at turn registration cannot interleave with live events.
	dispatchMu sync.Mutex

	mu         sync.Mutex
	proc       *process
	procExited chan struct{}
	starting   chan struct{}
	startErr   error
	disposed   bool
	stopping   bool
	attempts   int
	retryTimer *time.Timer

	pending map[int64]chan rpcReply

	threadID     string
	resumeID     string
	activeTurnID string
	turns        map[string]*turnState
	buffers      map[string]*turnBuffer
}

// Option customizes a Client.
type Option func(*Client)

// WithTracer sets the tracer used for turn and request spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithCallbacks registers the application's server-request callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Client) { c.callbacks = cb }
}

// WithResolver replaces the executable resolver.
func WithResolver(r *Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithSpawn replaces the process spawner. Used by tests.
func WithSpawn(s spawnFunc) Option {
	return func(c *Client) { c.spawn = s }
}

// NewClient creates a client. The agent process is not started until the
// first turn (or an explicit Start).
func NewClient(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		timeouts: defaultTimeouts(),
		spawn:    spawnExec,
		tracer:   noop.NewTracerProvider().Tracer("codex"),
		system:   pubsub.NewBroker[string](),
		pending:  make(map[int64]chan rpcReply),
		turns:    make(map[string]*turnState),
		buffers:  make(map[string]*turnBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = NewResolver(cfg.Command)
	}
	return c
}

// SystemMessages returns a channel of out-of-band status messages
// (connects, crashes, restart countdowns). The channel closes when ctx is
// cancelled.
func (c *Client) SystemMessages(ctx context.Context) <-chan pubsub.Event[string] {
	return c.system.Subscribe(ctx)
}

// ThreadID returns the active thread id, or empty when none exists yet.
func (c *Client) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// TurnID returns the id of the in-flight turn, or empty when no turn is
// active.
func (c *Client) TurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTurnID
}

// Running reports whether an agent process is currently attached.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc != nil
}

// UseThread asks the client to resume the given thread on the next turn
// instead of starting a fresh one. A resume that fails because the thread
// is unknown falls back to a fresh thread.
func (c *Client) UseThread(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.threadID == "" {
		c.resumeID = id
	}
}

// NewThread drops the active thread so the next turn starts a fresh one.
func (c *Client) NewThread() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = ""
	c.resumeID = ""
}

// Start launches and handshakes the agent process. Concurrent callers
// share a single startup; once running, Start is a no-op.
func (c *Client) Start(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			return ErrDisposed
		}
		// An in-flight startup wins over the proc check: the process
		// handle is installed before the handshake completes.
		if ch := c.starting; ch != nil {
			c.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if c.proc != nil {
			c.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		c.starting = ch
		c.stopping = false
		attempt := c.attempts
		c.mu.Unlock()

		err := c.doStart(ctx, attempt)

		c.mu.Lock()
		c.startErr = err
		c.starting = nil
		close(ch)
		c.mu.Unlock()
		return err
	}
}

func (c *Client) doStart(ctx context.Context, attempt int) error {
	env := SpawnEnv(c.cfg.ExtraPaths)

	path, err := c.resolver.Resolve(ctx, attempt, env)
	if err != nil {
		return err
	}

	workDir := c.cfg.WorkDir
	proc, err := c.spawn(path, []string{appServerArg}, workDir, env)
	if err != nil {
		c.resolver.Invalidate()
		return fmt.Errorf("spawning agent: %w", err)
	}
	log.Info(log.CatProc, "agent process started", "path", path, "pid", proc.pid)

	exited := make(chan struct{})
	c.mu.Lock()
	c.proc = proc
	c.procExited = exited
	c.mu.Unlock()

	c.consumeStreams(proc, exited)

	if err := c.handshake(ctx); err != nil {
		// No automatic restart for a process that never handshook;
		// the executable is present but not speaking the protocol.
		c.mu.Lock()
		c.stopping = true
		c.mu.Unlock()
		_ = proc.kill()
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
		}
		c.resolver.Invalidate()
		return fmt.Errorf("initialize handshake: %w", err)
	}

	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()

	c.system.Publish(pubsub.InfoEvent, "agent connected")
	return nil
}

// consumeStreams reads stdout and stderr until both close, then reaps the
// child and hands the exit to the recovery path.
func (c *Client) consumeStreams(proc *process, exited chan struct{}) {
	var g errgroup.Group
	g.Go(func() error {
		c.readStdout(proc.stdout)
		return nil
	})
	g.Go(func() error {
		c.readStderr(proc.stderr)
		return nil
	})
	go func() {
		_ = g.Wait()
		exitErr := proc.wait()
		c.handleExit(proc, exited, exitErr)
	}()
}

func (c *Client) readStdout(r io.Reader) {
	var framer LineFramer
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range framer.Feed(buf[:n]) {
				c.handleLine(line)
			}
		}
		if err != nil {
			if line := framer.Flush(); line != "" {
				c.handleLine(line)
			}
			return
		}
	}
}

// stderrNoise lists substrings of known-harmless stderr chatter that is
// logged but not surfaced as a system message.
var stderrNoise = []string{
	"DeprecationWarning",
	"ExperimentalWarning",
	"npm warn",
	"punycode",
}

func (c *Client) readStderr(r io.Reader) {
	var framer LineFramer
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range framer.Feed(buf[:n]) {
				c.handleStderrLine(line)
			}
		}
		if err != nil {
			if line := framer.Flush(); line != "" {
				c.handleStderrLine(line)
			}
			return
		}
	}
}

func (c *Client) handleStderrLine(line string) {
	log.Debug(log.CatProc, "agent stderr", "line", line)
	for _, noise := range stderrNoise {
		if strings.Contains(line, noise) {
			return
		}
	}
	c.system.Publish(pubsub.WarnEvent, "agent: "+line)
}

// handshake performs the initialize request and initialized notification.
func (c *Client) handshake(ctx context.Context) error {
	params := map[string]any{
		"clientInfo": map[string]any{
			"name":    "tether",
			"title":   "Tether",
			"version": c.cfg.ClientVersion,
		},
		"capabilities": map[string]any{
			"experimentalApi": true,
		},
	}
	if _, err := c.request(ctx, "initialize", params); err != nil {
		return err
	}
	return c.notify("initialized", nil)
}

// handleExit runs once per process, after its streams drained. It fails
// everything in flight, then either stays down (intentional stop, attempts
// exhausted) or schedules a restart with exponential backoff.
func (c *Client) handleExit(proc *process, exited chan struct{}, exitErr error) {
	close(exited)

	c.mu.Lock()
	if c.proc != proc {
		c.mu.Unlock()
		return
	}
	c.proc = nil
	c.failPendingLocked(ErrProcessExited)
	turns := c.takeTurnsLocked()
	c.buffers = make(map[string]*turnBuffer)
	intentional := c.stopping || c.disposed
	var attempts, maxAttempts int
	var delay time.Duration
	if !intentional {
		c.attempts++
		attempts = c.attempts
		maxAttempts = c.cfg.MaxReconnectAttempts
		if attempts <= maxAttempts {
			delay = backoffDelay(attempts, c.timeouts.backoffBase, c.timeouts.backoffCap)
		}
	}
	c.mu.Unlock()

	for _, st := range turns {
		st.done <- turnOutcome{err: ErrProcessExited}
	}

	if intentional {
		log.Info(log.CatProc, "agent process stopped", "pid", proc.pid)
		return
	}

	log.Warn(log.CatProc, "agent process exited unexpectedly",
		"pid", proc.pid, "error", exitErr, "attempt", attempts)

	if attempts > maxAttempts {
		log.ErrorErr(log.CatProc, "automatic restart budget spent", ErrReconnectExhausted,
			"attempts", attempts)
		c.system.Publish(pubsub.ErrorEvent, fmt.Sprintf(
			"agent crashed %d times; giving up, restart manually", attempts))
		return
	}

	c.system.Publish(pubsub.WarnEvent, fmt.Sprintf(
		"agent exited; reconnecting in %s (attempt %d/%d)", delay, attempts, maxAttempts))

	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, func() {
		if err := c.Start(context.Background()); err != nil {
			log.ErrorErr(log.CatProc, "automatic restart failed", err)
		}
	})
	c.mu.Unlock()
}

// backoffDelay computes base*2^(attempt-1) capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// stop kills the current process without scheduling a restart and waits
// for its exit handling to finish.
func (c *Client) stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	proc := c.proc
	exited := c.procExited
	c.mu.Unlock()

	if proc == nil {
		return nil
	}
	_ = proc.kill()
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart stops the agent (if running) and starts a fresh one, resetting
// the reconnect attempt counter. The thread id survives so the next turn
// continues the same conversation.
func (c *Client) Restart(ctx context.Context) error {
	if err := c.stop(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	return c.Start(ctx)
}

// Dispose permanently shuts the client down: the process is killed, all
// in-flight work is rejected, and the system-message broker closes.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.stop(ctx)

	c.system.Close()
}

// writeLine sends one framed line to the agent's stdin.
func (c *Client) writeLine(line []byte) error {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return ErrNotRunning
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := proc.stdin.Write(line); err != nil {
		return fmt.Errorf("writing to agent: %w", err)
	}
	return nil
}

// request sends a JSON-RPC request and waits for its response, the request
// deadline, or ctx cancellation, whichever comes first.
func (c *Client) request(ctx context.Context, method string, params any) (map[string]any, error) {
	ctx, span := c.tracer.Start(ctx, "rpc.request",
		trace.WithAttributes(attribute.String("rpc.method", method)))
	defer span.End()

	id := c.nextID.Add(1)
	line, err := encodeLine(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", method, err)
	}

	ch := make(chan rpcReply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	log.Debug(log.CatRPC, "request", "method", method, "id", id)
	if err := c.writeLine(line); err != nil {
		abandon()
		return nil, err
	}

	timer := time.NewTimer(c.timeouts.request)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, fmt.Errorf("%s: %w", method, reply.err)
		}
		var result map[string]any
		if len(reply.result) > 0 {
			_ = json.Unmarshal(reply.result, &result)
		}
		return result, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// notify sends a one-way notification.
func (c *Client) notify(method string, params any) error {
	line, err := encodeLine(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	log.Debug(log.CatRPC, "notify", "method", method)
	return c.writeLine(line)
}

// respond answers a server-initiated request.
func (c *Client) respond(idKey string, result any, rpcErr *rpcError) {
	line, err := encodeLine(rpcResponse{
		JSONRPC: "2.0",
		ID:      requestIDValue(idKey),
		Result:  result,
		Error:   rpcErr,
	})
	if err != nil {
		log.ErrorErr(log.CatRPC, "encoding response failed", err, "id", idKey)
		return
	}
	if err := c.writeLine(line); err != nil {
		log.ErrorErr(log.CatRPC, "writing response failed", err, "id", idKey)
	}
}

// handleLine classifies one frame and routes it. Runs on the stdout
// reading goroutine; server requests are answered on their own goroutines
// so a slow callback never stalls the stream.
func (c *Client) handleLine(line string) {
	var msg rpcMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Debug(log.CatRPC, "non-protocol output", "line", line)
		return
	}

	switch {
	case msg.isResponse():
		c.deliverResponse(&msg)
	case msg.isServerRequest():
		go c.handleServerRequest(&msg)
	case msg.isNotification():
		c.handleNotification(&msg)
	default:
		log.Debug(log.CatRPC, "unclassifiable message", "line", line)
	}
}

// deliverResponse completes the pending request matching the response id.
// Each pending entry is removed before its reply is sent, so a duplicate
// response cannot resolve twice.
func (c *Client) deliverResponse(msg *rpcMessage) {
	id, err := strconv.ParseInt(requestIDKey(msg.ID), 10, 64)
	if err != nil {
		log.Warn(log.CatRPC, "response with non-numeric id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		log.Debug(log.CatRPC, "unmatched response", "id", id)
		return
	}

	if msg.Error != nil {
		ch <- rpcReply{err: msg.Error}
		return
	}
	ch <- rpcReply{result: msg.Result}
}

// failPendingLocked rejects every pending request. Caller holds c.mu.
func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcReply{err: err}
	}
}
