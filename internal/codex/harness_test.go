package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAgent stands in for a codex app-server: it speaks the same
// newline-delimited JSON-RPC over in-memory pipes, answers requests from
// scripted responders, and can crash or emit notifications on demand.
type fakeAgent struct {
	t *testing.T

	mu          sync.Mutex
	sessions    []*fakeSession
	spawnCount  int
	responders  map[string]func(params map[string]any) (any, *rpcError)
	silent      map[string]bool
	before      map[string]func()
	after       map[string]func()
	requests    []recordedRequest
	requestCh   chan recordedRequest
	clientReply chan map[string]any
}

type recordedRequest struct {
	method string
	params map[string]any
}

// fakeSession is one spawned process instance.
type fakeSession struct {
	fromClient *io.PipeReader
	toClient   *io.PipeWriter
	stderrTo   *io.PipeWriter

	writeMu sync.Mutex
	exit    chan error
	once    sync.Once
}

func newFakeAgent(t *testing.T) *fakeAgent {
	a := &fakeAgent{
		t:           t,
		responders:  make(map[string]func(params map[string]any) (any, *rpcError)),
		silent:      make(map[string]bool),
		before:      make(map[string]func()),
		after:       make(map[string]func()),
		requestCh:   make(chan recordedRequest, 128),
		clientReply: make(chan map[string]any, 16),
	}
	a.respondWith("initialize", map[string]any{})
	a.respondWith("thread/start", map[string]any{"thread": map[string]any{"id": "thread-1"}})
	a.respondWith("turn/start", map[string]any{"turn": map[string]any{"id": "turn-1"}})
	a.respondWith("turn/cancel", map[string]any{})
	return a
}

// spawn satisfies spawnFunc.
func (a *fakeAgent) spawn(path string, _ []string, _ string, _ []string) (*process, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	s := &fakeSession{
		fromClient: stdinR,
		toClient:   stdoutW,
		stderrTo:   stderrW,
		exit:       make(chan error, 1),
	}

	a.mu.Lock()
	a.sessions = append(a.sessions, s)
	a.spawnCount++
	pid := a.spawnCount
	a.mu.Unlock()

	go a.serve(s)

	return &process{
		path:   path,
		pid:    pid,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		kill: func() error {
			a.shutdown(s, nil)
			return nil
		},
		wait: func() error { return <-s.exit },
	}, nil
}

func (a *fakeAgent) shutdown(s *fakeSession, err error) {
	s.once.Do(func() {
		_ = s.toClient.Close()
		_ = s.stderrTo.Close()
		_ = s.fromClient.Close()
		s.exit <- err
	})
}

func (a *fakeAgent) current() *fakeSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(a.t, a.sessions, "no process spawned yet")
	return a.sessions[len(a.sessions)-1]
}

// crash kills the current session as if the process died on its own.
func (a *fakeAgent) crash(err error) {
	a.shutdown(a.current(), err)
}

func (a *fakeAgent) spawns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spawnCount
}

// respondWith scripts the result for a request method.
func (a *fakeAgent) respondWith(method string, result any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responders[method] = func(map[string]any) (any, *rpcError) { return result, nil }
}

// respondFunc scripts a dynamic responder.
func (a *fakeAgent) respondFunc(method string, fn func(params map[string]any) (any, *rpcError)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responders[method] = fn
}

// failWith scripts an error response.
func (a *fakeAgent) failWith(method, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responders[method] = func(map[string]any) (any, *rpcError) {
		return nil, &rpcError{Code: -32000, Message: message}
	}
}

// silence makes the agent swallow requests for a method without replying.
func (a *fakeAgent) silence(method string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.silent[method] = true
}

// beforeRequest runs fn on the serve goroutine before the response for
// method is written, so emitted notifications precede the response.
func (a *fakeAgent) beforeRequest(method string, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.before[method] = fn
}

// afterRequest runs fn on the serve goroutine right after the response for
// method is written.
func (a *fakeAgent) afterRequest(method string, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.after[method] = fn
}

func (a *fakeAgent) serve(s *fakeSession) {
	scanner := bufio.NewScanner(s.fromClient)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg rpcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		// A message with an id but no method is the client answering one
		// of our server-initiated requests.
		if msg.Method == "" {
			var full map[string]any
			_ = json.Unmarshal(scanner.Bytes(), &full)
			a.clientReply <- full
			continue
		}

		params := decodeParams(msg.Params)
		rec := recordedRequest{method: msg.Method, params: params}
		a.mu.Lock()
		a.requests = append(a.requests, rec)
		responder := a.responders[msg.Method]
		silent := a.silent[msg.Method]
		before := a.before[msg.Method]
		after := a.after[msg.Method]
		a.mu.Unlock()

		select {
		case a.requestCh <- rec:
		default:
		}

		if len(msg.ID) == 0 || silent {
			continue
		}

		if before != nil {
			before()
		}

		var result any
		var rpcErr *rpcError
		if responder != nil {
			result, rpcErr = responder(params)
		} else {
			result = map[string]any{}
		}
		a.sendTo(s, rpcResponse{
			JSONRPC: "2.0",
			ID:      requestIDValue(requestIDKey(msg.ID)),
			Result:  result,
			Error:   rpcErr,
		})

		if after != nil {
			after()
		}
	}
}

func (a *fakeAgent) sendTo(s *fakeSession, v any) {
	line, err := encodeLine(v)
	require.NoError(a.t, err)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.toClient.Write(line)
}

// notify pushes a notification to the client.
func (a *fakeAgent) notify(method string, params any) {
	a.sendTo(a.current(), rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// serverRequest pushes an agent-initiated request to the client.
func (a *fakeAgent) serverRequest(id any, method string, params any) {
	a.sendTo(a.current(), map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
}

// stderr writes a line to the client's stderr stream.
func (a *fakeAgent) stderr(line string) {
	s := a.current()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.stderrTo.Write([]byte(line + "\n"))
}

// methodCalls counts recorded requests for a method.
func (a *fakeAgent) methodCalls(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.requests {
		if r.method == method {
			n++
		}
	}
	return n
}

// waitForRequest blocks until the agent sees a request for method.
func (a *fakeAgent) waitForRequest(method string) recordedRequest {
	a.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case rec := <-a.requestCh:
			if rec.method == method {
				return rec
			}
		case <-deadline:
			require.FailNow(a.t, "timed out waiting for request", "method %s", method)
			return recordedRequest{}
		}
	}
}

// waitForReply blocks until the client answers a server-initiated request.
func (a *fakeAgent) waitForReply() map[string]any {
	a.t.Helper()
	select {
	case reply := <-a.clientReply:
		return reply
	case <-time.After(3 * time.Second):
		require.FailNow(a.t, "timed out waiting for client reply")
		return nil
	}
}

// newTestClient builds a client wired to a fake agent with short deadlines.
func newTestClient(t *testing.T, mutate func(c *Client)) (*Client, *fakeAgent) {
	t.Helper()
	agent := newFakeAgent(t)

	resolver := NewResolver("codex", WithProbeRunner(
		func(context.Context, string, []string) error { return nil },
	))

	c := NewClient(
		Config{Command: "codex", WorkDir: t.TempDir(), MaxReconnectAttempts: 2},
		WithSpawn(agent.spawn),
		WithResolver(resolver),
	)
	c.timeouts.request = 2 * time.Second
	c.timeouts.turn = 5 * time.Second
	c.timeouts.approval = 2 * time.Second
	c.timeouts.userInput = 2 * time.Second
	c.timeouts.toolCall = 2 * time.Second
	c.timeouts.backoffBase = 10 * time.Millisecond
	c.timeouts.backoffCap = 20 * time.Millisecond

	if mutate != nil {
		mutate(c)
	}
	t.Cleanup(c.Dispose)
	return c, agent
}
