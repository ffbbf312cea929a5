package codex

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetherlab/tether/internal/pubsub"
)

// === Lifecycle ===

func TestClient_StartPerformsHandshake(t *testing.T) {
	c, agent := newTestClient(t, nil)

	require.NoError(t, c.Start(context.Background()))

	init := agent.waitForRequest("initialize")
	require.Equal(t, "tether", firstString(init.params, "clientInfo.name"))
	experimental, ok := lookupPath(init.params, "capabilities.experimentalApi")
	require.True(t, ok)
	require.Equal(t, true, experimental)

	agent.waitForRequest("initialized")
	require.True(t, c.Running())
}

func TestClient_StartIsIdempotent(t *testing.T) {
	c, agent := newTestClient(t, nil)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, 1, agent.spawns())
}

func TestClient_DisposeRejectsFurtherUse(t *testing.T) {
	c, _ := newTestClient(t, nil)

	require.NoError(t, c.Start(context.Background()))
	c.Dispose()

	require.ErrorIs(t, c.Start(context.Background()), ErrDisposed)
	require.False(t, c.Running())
}

func TestClient_RestartSpawnsFreshProcess(t *testing.T) {
	c, agent := newTestClient(t, nil)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Restart(context.Background()))

	require.Equal(t, 2, agent.spawns())
	require.True(t, c.Running())
}

// === Crash recovery ===

func TestClient_ReconnectsAfterCrash(t *testing.T) {
	c, agent := newTestClient(t, nil)

	require.NoError(t, c.Start(context.Background()))
	agent.crash(errors.New("killed by signal"))

	require.Eventually(t, func() bool {
		return agent.spawns() == 2 && c.Running()
	}, 3*time.Second, 10*time.Millisecond, "client should respawn the agent")
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	c, agent := newTestClient(t, nil)

	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := c.SystemMessages(ctx)

	// Pretend earlier crashes already used up the budget.
	c.mu.Lock()
	c.attempts = c.cfg.MaxReconnectAttempts
	c.mu.Unlock()

	agent.crash(errors.New("boom"))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-messages:
			if ev.Type == pubsub.ErrorEvent && strings.Contains(ev.Payload, "giving up") {
				require.False(t, c.Running())
				require.Equal(t, 1, agent.spawns())
				return
			}
		case <-deadline:
			require.FailNow(t, "expected a giving-up system message")
		}
	}
}

func TestClient_CrashRejectsInflightRequest(t *testing.T) {
	c, agent := newTestClient(t, nil)
	agent.silence("thread/start")

	require.NoError(t, c.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendTurn(context.Background(), "hello", TurnHandlers{}, TurnOptions{})
		errCh <- err
	}()

	agent.waitForRequest("thread/start")
	agent.crash(errors.New("boom"))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrProcessExited)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "SendTurn did not fail after process death")
	}
}

// === Requests ===

func TestClient_RequestTimesOut(t *testing.T) {
	c, agent := newTestClient(t, func(c *Client) {
		c.timeouts.request = 50 * time.Millisecond
	})
	agent.silence("thread/start")

	require.NoError(t, c.Start(context.Background()))

	_, err := c.SendTurn(context.Background(), "hello", TurnHandlers{}, TurnOptions{})
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestClient_RemoteErrorRejectsRequest(t *testing.T) {
	c, agent := newTestClient(t, nil)
	agent.failWith("thread/start", "model unavailable")

	require.NoError(t, c.Start(context.Background()))

	_, err := c.SendTurn(context.Background(), "hello", TurnHandlers{}, TurnOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model unavailable")
}

// === Stderr handling ===

func TestClient_StderrNoiseIsFiltered(t *testing.T) {
	c, agent := newTestClient(t, nil)

	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := c.SystemMessages(ctx)

	agent.stderr("(node:123) ExperimentalWarning: something unstable")
	agent.stderr("fatal: cannot reach model endpoint")

	select {
	case ev := <-messages:
		require.Equal(t, pubsub.WarnEvent, ev.Type)
		require.Contains(t, ev.Payload, "cannot reach model endpoint")
		require.NotContains(t, ev.Payload, "ExperimentalWarning")
	case <-time.After(2 * time.Second):
		require.FailNow(t, "expected a stderr system message")
	}
}
