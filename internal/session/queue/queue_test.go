package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/crashdbg/crashdbg/internal/common/errors"
	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/debugger"
	"github.com/crashdbg/crashdbg/internal/events"
	"github.com/crashdbg/crashdbg/internal/events/bus"
	"github.com/crashdbg/crashdbg/internal/session/cache"
	"github.com/crashdbg/crashdbg/internal/session/command"
	v1 "github.com/crashdbg/crashdbg/pkg/api/v1"
)

var testTimeouts = Timeouts{
	Short:   100 * time.Millisecond,
	Default: 500 * time.Millisecond,
	Long:    2 * time.Second,
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type queueFixture struct {
	queue  *CommandQueue
	driver *debugger.FakeDriver
	cache  *cache.ResultCache
	bus    *bus.MemoryEventBus
}

func newFixture(t *testing.T) *queueFixture {
	t.Helper()
	log := testLogger(t)

	driver := debugger.NewFakeDriver()
	require.NoError(t, driver.Start(context.Background()))

	memBus := bus.NewMemoryEventBus(log)
	resultCache := cache.New(0, 0, log)
	q := New("sess-test", driver, resultCache, events.NewNotifier(memBus, log), testTimeouts, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(ctx)
		memBus.Close()
	})
	return &queueFixture{queue: q, driver: driver, cache: resultCache, bus: memBus}
}

func waitDone(t *testing.T, rec *command.Record) {
	t.Helper()
	select {
	case <-rec.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("command %s never finalized (state %s)", rec.CommandID(), rec.State())
	}
}

type stubHealth struct {
	mu        sync.Mutex
	healthy   bool
	recoverOK bool
	recovers  []string
}

func (s *stubHealth) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *stubHealth) Recover(ctx context.Context, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovers = append(s.recovers, reason)
	if s.recoverOK {
		s.healthy = true
	}
	return s.recoverOK
}

func (s *stubHealth) recoverReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.recovers))
	copy(out, s.recovers)
	return out
}

func TestCommandsExecuteInFIFOOrder(t *testing.T) {
	f := newFixture(t)
	f.driver.Script("version", debugger.FakeResponse{Output: "Windows 10"})
	f.driver.Script("k", debugger.FakeResponse{Output: "stack"})
	f.driver.Script("r", debugger.FakeResponse{Output: "rax=0"})
	f.queue.Start(context.Background())

	ctx := context.Background()
	var recs []*command.Record
	for _, text := range []string{"version", "k", "r"} {
		rec, err := f.queue.Enqueue(ctx, text)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	for _, rec := range recs {
		waitDone(t, rec)
	}

	assert.Equal(t, []string{"version", "k", "r"}, f.driver.Executed())
	for i, want := range []string{"Windows 10", "stack", "rax=0"} {
		view := recs[i].View()
		assert.Equal(t, v1.CommandStateCompleted, view.State)
		assert.Equal(t, want, view.Output)
		require.NotNil(t, view.StartedAt)
		require.NotNil(t, view.CompletedAt)
	}
}

func TestFinalizedRecordsLandInCache(t *testing.T) {
	f := newFixture(t)
	f.driver.Script("k", debugger.FakeResponse{Output: "stack"})
	f.queue.Start(context.Background())

	rec, err := f.queue.Enqueue(context.Background(), "k")
	require.NoError(t, err)
	waitDone(t, rec)

	cached, ok := f.cache.Get(rec.CommandID())
	require.True(t, ok)
	assert.Equal(t, v1.CommandStateCompleted, cached.State())

	got, ok := f.queue.Get(rec.CommandID())
	require.True(t, ok)
	assert.Same(t, rec, got)
}

func TestEffectiveTimeoutCategories(t *testing.T) {
	tests := []struct {
		command string
		want    time.Duration
	}{
		{"!analyze -v", testTimeouts.Long},
		{".reload /f", testTimeouts.Long},
		{"ld ntdll", testTimeouts.Long},
		{"k", testTimeouts.Short},
		{"kb 20", testTimeouts.Short},
		{"r", testTimeouts.Short},
		{"lm", testTimeouts.Short},
		{"version", testTimeouts.Short},
		{"dt nt!_EPROCESS", testTimeouts.Default},
		{"!heap -s", testTimeouts.Default},
		{"", testTimeouts.Default},
		{"  K  ", testTimeouts.Short},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveTimeout(tt.command, testTimeouts))
		})
	}
}

func TestExecutionTimeoutFailsCommandAndTriggersRecovery(t *testing.T) {
	f := newFixture(t)
	health := &stubHealth{healthy: true, recoverOK: true}
	f.queue.SetHealth(health)
	f.driver.Script("k", debugger.FakeResponse{Hang: true})
	f.queue.Start(context.Background())

	rec, err := f.queue.Enqueue(context.Background(), "k")
	require.NoError(t, err)
	waitDone(t, rec)

	view := rec.View()
	assert.Equal(t, v1.CommandStateFailed, view.State)
	assert.Contains(t, view.Error, "timed out")

	reasons := health.recoverReasons()
	require.NotEmpty(t, reasons)
	assert.Contains(t, reasons[0], "timeout")
}

func TestCancelQueuedCommand(t *testing.T) {
	f := newFixture(t)
	f.driver.Script("slow", debugger.FakeResponse{Delay: 400 * time.Millisecond})
	f.driver.Script("k", debugger.FakeResponse{Output: "stack"})
	f.queue.Start(context.Background())

	ctx := context.Background()
	first, err := f.queue.Enqueue(ctx, "slow")
	require.NoError(t, err)
	second, err := f.queue.Enqueue(ctx, "k")
	require.NoError(t, err)

	require.True(t, f.queue.Cancel(ctx, second.CommandID(), "changed my mind"))
	waitDone(t, second)

	view := second.View()
	assert.Equal(t, v1.CommandStateCancelled, view.State)
	assert.Equal(t, "changed my mind", view.Error)
	assert.Nil(t, view.StartedAt)

	waitDone(t, first)
	assert.Equal(t, v1.CommandStateCompleted, first.View().State)
	assert.NotContains(t, f.driver.Executed(), "k")
}

func TestCancelExecutingCommand(t *testing.T) {
	f := newFixture(t)
	f.driver.Script("!analyze -v", debugger.FakeResponse{Hang: true})
	f.queue.Start(context.Background())

	ctx := context.Background()
	rec, err := f.queue.Enqueue(ctx, "!analyze -v")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.State() == v1.CommandStateExecuting
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, f.queue.Cancel(ctx, rec.CommandID(), "operator abort"))
	waitDone(t, rec)

	view := rec.View()
	assert.Equal(t, v1.CommandStateCancelled, view.State)
	assert.Equal(t, "operator abort", view.Error)
}

func TestCancelUnknownOrTerminal(t *testing.T) {
	f := newFixture(t)
	f.driver.Script("k", debugger.FakeResponse{Output: "stack"})
	f.queue.Start(context.Background())

	ctx := context.Background()
	assert.False(t, f.queue.Cancel(ctx, "cmd-nope", ""))

	rec, err := f.queue.Enqueue(ctx, "k")
	require.NoError(t, err)
	waitDone(t, rec)
	assert.False(t, f.queue.Cancel(ctx, rec.CommandID(), ""))
}

func TestCloseDrainsPendingAsCancelled(t *testing.T) {
	f := newFixture(t)
	f.driver.Script("!analyze -v", debugger.FakeResponse{Hang: true})
	f.queue.Start(context.Background())

	ctx := context.Background()
	running, err := f.queue.Enqueue(ctx, "!analyze -v")
	require.NoError(t, err)
	queued, err := f.queue.Enqueue(ctx, "k")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return running.State() == v1.CommandStateExecuting
	}, 2*time.Second, 5*time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Close(closeCtx))

	assert.Equal(t, v1.CommandStateCancelled, running.State())
	assert.Equal(t, v1.CommandStateCancelled, queued.State())
	assert.Equal(t, closingReason, queued.View().Error)

	_, err = f.queue.Enqueue(ctx, "r")
	assert.Error(t, err)
}

func TestUnhealthyChildRecoveredBeforeExecution(t *testing.T) {
	f := newFixture(t)
	health := &stubHealth{healthy: false, recoverOK: true}
	f.queue.SetHealth(health)
	f.driver.Script("k", debugger.FakeResponse{Output: "stack"})
	f.queue.Start(context.Background())

	rec, err := f.queue.Enqueue(context.Background(), "k")
	require.NoError(t, err)
	waitDone(t, rec)

	assert.Equal(t, v1.CommandStateCompleted, rec.View().State)
	assert.NotEmpty(t, health.recoverReasons())
}

func TestUnrecoverableChildFailsCommand(t *testing.T) {
	f := newFixture(t)
	health := &stubHealth{healthy: false, recoverOK: false}
	f.queue.SetHealth(health)
	f.queue.Start(context.Background())

	rec, err := f.queue.Enqueue(context.Background(), "k")
	require.NoError(t, err)
	waitDone(t, rec)

	view := rec.View()
	assert.Equal(t, v1.CommandStateFailed, view.State)
	assert.Contains(t, view.Error, "recovery failed")
	assert.Empty(t, f.driver.Executed())
}

func TestExecutionErrorFailsCommandAndTriggersRecovery(t *testing.T) {
	f := newFixture(t)
	health := &stubHealth{healthy: true, recoverOK: true}
	f.queue.SetHealth(health)
	f.queue.Start(context.Background())

	// Stop the fake so Execute returns an error.
	require.NoError(t, f.driver.Stop(context.Background()))

	rec, err := f.queue.Enqueue(context.Background(), "k")
	require.NoError(t, err)
	waitDone(t, rec)

	view := rec.View()
	assert.Equal(t, v1.CommandStateFailed, view.State)
	assert.Contains(t, view.Error, "not active")
	assert.NotEmpty(t, health.recoverReasons())
}

func TestNotificationOrderPerCommand(t *testing.T) {
	f := newFixture(t)
	f.driver.Script("k", debugger.FakeResponse{Output: "stack"})

	var mu sync.Mutex
	var statuses []string
	_, err := f.bus.Subscribe(events.CommandStatusSubject("sess-test"), func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, ev.Data["status"].(string))
		return nil
	})
	require.NoError(t, err)

	f.queue.Start(context.Background())
	rec, qerr := f.queue.Enqueue(context.Background(), "k")
	require.NoError(t, qerr)
	waitDone(t, rec)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"queued", "executing", "completed"}, statuses)
}

func TestQueuedEventNeverTrailsExecuting(t *testing.T) {
	f := newFixture(t)
	f.driver.ScriptDefault(debugger.FakeResponse{Output: "ok"})

	var mu sync.Mutex
	statuses := make(map[string][]string)
	total := 0
	_, err := f.bus.Subscribe(events.CommandStatusSubject("sess-test"), func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		id := ev.Data["command_id"].(string)
		statuses[id] = append(statuses[id], ev.Data["status"].(string))
		total++
		return nil
	})
	require.NoError(t, err)

	f.queue.Start(context.Background())

	// Instant completions keep the worker mid-loop, so each enqueue races the
	// worker's pickup of the previous command.
	ctx := context.Background()
	var recs []*command.Record
	for i := 0; i < 40; i++ {
		rec, err := f.queue.Enqueue(ctx, "version")
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	for _, rec := range recs {
		waitDone(t, rec)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 3*len(recs)
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, len(recs))
	for id, seen := range statuses {
		assert.Equal(t, []string{"queued", "executing", "completed"}, seen, "command %s", id)
	}
}

func TestCancelAllCancelsExecutingAndPending(t *testing.T) {
	f := newFixture(t)
	f.driver.Script("!analyze -v", debugger.FakeResponse{Hang: true})
	f.queue.Start(context.Background())

	ctx := context.Background()
	running, err := f.queue.Enqueue(ctx, "!analyze -v")
	require.NoError(t, err)
	queuedA, err := f.queue.Enqueue(ctx, "k")
	require.NoError(t, err)
	queuedB, err := f.queue.Enqueue(ctx, "lm")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return running.State() == v1.CommandStateExecuting
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, f.queue.CancelAll(ctx, "child restart pending"))
	for _, rec := range []*command.Record{running, queuedA, queuedB} {
		waitDone(t, rec)
		assert.Equal(t, v1.CommandStateCancelled, rec.View().State)
	}
	assert.Equal(t, "child restart pending", queuedA.View().Error)
}

func TestCloseBeforeStartDrainsPending(t *testing.T) {
	f := newFixture(t)

	ctx := context.Background()
	rec, err := f.queue.Enqueue(ctx, "k")
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.queue.Close(closeCtx))

	assert.Equal(t, v1.CommandStateCancelled, rec.State())
	assert.Equal(t, closingReason, rec.View().Error)
}

func TestViewsSortedByQueueTime(t *testing.T) {
	f := newFixture(t)
	f.driver.ScriptDefault(debugger.FakeResponse{Output: "ok"})
	f.queue.Start(context.Background())

	ctx := context.Background()
	var recs []*command.Record
	for _, text := range []string{"version", "k", "lm"} {
		rec, err := f.queue.Enqueue(ctx, text)
		require.NoError(t, err)
		recs = append(recs, rec)
		waitDone(t, rec)
	}

	views := f.queue.Views()
	require.Len(t, views, 3)
	assert.Equal(t, "version", views[0].Command)
	assert.Equal(t, "lm", views[2].Command)
}

func TestEnqueueAfterCloseRejected(t *testing.T) {
	f := newFixture(t)
	f.queue.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Close(ctx))

	_, err := f.queue.Enqueue(ctx, "k")
	require.Error(t, err)
	assert.True(t, apperrors.IsSessionNotActive(err))
}
