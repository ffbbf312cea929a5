package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroker_Subscribe(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)

	broker.Publish(InfoEvent, "hello")

	select {
	case event := <-ch:
		require.Equal(t, "hello", event.Payload)
		require.Equal(t, InfoEvent, event.Type)
		require.NotEmpty(t, event.ID)
		require.False(t, event.Timestamp.IsZero())
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for event")
	}
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx := context.Background()

	ch1 := broker.Subscribe(ctx)
	ch2 := broker.Subscribe(ctx)
	ch3 := broker.Subscribe(ctx)

	require.Equal(t, 3, broker.SubscriberCount())

	broker.Publish(WarnEvent, 42)

	// All subscribers should receive the event
	for i, ch := range []<-chan Event[int]{ch1, ch2, ch3} {
		select {
		case event := <-ch:
			require.Equal(t, 42, event.Payload, "subscriber %d", i)
			require.Equal(t, WarnEvent, event.Type, "subscriber %d", i)
		case <-time.After(100 * time.Millisecond):
			require.Fail(t, "timeout waiting for event", "subscriber %d", i)
		}
	}
}

func TestBroker_ContextCancellation(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.Subscribe(ctx)

	cancel()

	// Channel should close once the cleanup goroutine runs
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 0, broker.SubscriberCount())
}

func TestBroker_Close(t *testing.T) {
	broker := NewBroker[string]()

	ch := broker.Subscribe(context.Background())
	broker.Close()

	_, ok := <-ch
	require.False(t, ok, "subscriber channel should be closed")

	// Publish and Close after Close are no-ops
	broker.Publish(ErrorEvent, "dropped")
	broker.Close()
}

func TestBroker_SubscribeAfterClose(t *testing.T) {
	broker := NewBroker[string]()
	broker.Close()

	ch := broker.Subscribe(context.Background())
	_, ok := <-ch
	require.False(t, ok, "subscription after close yields a closed channel")
}

func TestBroker_NonBlockingPublish(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	_ = broker.Subscribe(context.Background())

	// With a full subscriber buffer, Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			broker.Publish(InfoEvent, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "publish blocked on a slow subscriber")
	}
}
