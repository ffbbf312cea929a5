package codex

import "errors"

var (
	// ErrDisposed is returned after Dispose; the client cannot be reused.
	ErrDisposed = errors.New("client disposed")

	// ErrNotRunning indicates no agent process is currently attached.
	ErrNotRunning = errors.New("agent process not running")

	// ErrProcessExited rejects in-flight requests and turns when the
	// agent process dies underneath them.
	ErrProcessExited = errors.New("agent process exited")

	// ErrRequestTimeout indicates no response arrived within the request
	// deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrTurnTimeout indicates a turn produced no terminal event within
	// the turn deadline.
	ErrTurnTimeout = errors.New("turn timed out")

	// ErrCallbackTimeout indicates an application callback did not answer
	// a server-initiated request in time.
	ErrCallbackTimeout = errors.New("callback timed out")

	// ErrReconnectExhausted indicates the automatic restart budget ran out;
	// recovery requires an explicit Restart.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)
