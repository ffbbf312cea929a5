package codex

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// process is a running agent child with its stdio pipes. The concrete
// spawn is injected so tests can substitute an in-memory fake wired to
// io.Pipe instead of a real executable.
type process struct {
	path   string
	pid    int
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	kill   func() error
	wait   func() error
}

// spawnFunc launches the agent executable. The returned process's wait
// must be safe to call exactly once and must return after the child exits.
type spawnFunc func(path string, args []string, dir string, env []string) (*process, error)

// spawnExec is the production spawn. The child is not tied to a context;
// its lifetime is managed explicitly through kill and the supervisor's
// reconnect loop, so a cancelled startup context cannot tear down a
// healthy session later.
func spawnExec(path string, args []string, dir string, env []string) (*process, error) {
	cmd := exec.Command(path, args...) //nolint:gosec // G204: path is probe-verified user config
	cmd.Dir = dir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	// cmd.Wait may only be called once; both kill-initiated and natural
	// exits funnel through the same guarded call.
	var waitOnce sync.Once
	var waitErr error
	wait := func() error {
		waitOnce.Do(func() { waitErr = cmd.Wait() })
		return waitErr
	}

	return &process{
		path:   path,
		pid:    cmd.Process.Pid,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		kill: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
		wait: wait,
	}, nil
}
