package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashdbg/crashdbg/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var got []*Event
	_, err := b.Subscribe("cmd.status.sess-1", func(ctx context.Context, e *Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "cmd.status.sess-1", NewEvent("command.status", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "cmd.status.sess-2", NewEvent("command.status", "test", nil)))

	assert.Len(t, got, 1)
}

func TestMemoryBusWildcard(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	count := 0
	_, err := b.Subscribe("cmd.status.*", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for _, subject := range []string{"cmd.status.a", "cmd.status.b", "session.lifecycle"} {
		require.NoError(t, b.Publish(context.Background(), subject, NewEvent("x", "test", nil)))
	}
	assert.Equal(t, 2, count)
}

func TestMemoryBusOrderedDelivery(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var seen []string
	_, err := b.Subscribe("cmd.status.s", func(ctx context.Context, e *Event) error {
		seen = append(seen, e.Type)
		return nil
	})
	require.NoError(t, err)

	for _, typ := range []string{"queued", "executing", "completed"} {
		require.NoError(t, b.Publish(context.Background(), "cmd.status.s", NewEvent(typ, "test", nil)))
	}
	assert.Equal(t, []string{"queued", "executing", "completed"}, seen)
}

func TestMemoryBusIsolatesFailingHandler(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	delivered := 0
	_, err := b.Subscribe("s", func(ctx context.Context, e *Event) error {
		panic("subscriber bug")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("s", func(ctx context.Context, e *Event) error {
		return errors.New("handler error")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("s", func(ctx context.Context, e *Event) error {
		delivered++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "s", NewEvent("x", "test", nil)))
	assert.Equal(t, 1, delivered, "healthy handler must still receive the event")
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("s", func(ctx context.Context, e *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "s", NewEvent("x", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "s", NewEvent("x", "test", nil)))

	assert.Equal(t, 1, count)
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	require.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "s", NewEvent("x", "test", nil)))

	_, err := b.Subscribe("s", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
