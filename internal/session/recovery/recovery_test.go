package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/debugger"
	"github.com/crashdbg/crashdbg/internal/events"
	"github.com/crashdbg/crashdbg/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func testConfig() Config {
	return Config{
		ProbeBudget: 50 * time.Millisecond,
		HealthTTL:   time.Hour,
		SettleDelay: 0,
		Threshold:   3,
	}
}

type fixture struct {
	sup    *Supervisor
	driver *debugger.FakeDriver
	bus    *bus.MemoryEventBus

	mu     sync.Mutex
	faults []string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := testLogger(t)
	driver := debugger.NewFakeDriver()
	require.NoError(t, driver.Start(context.Background()))

	memBus := bus.NewMemoryEventBus(log)
	f := &fixture{driver: driver, bus: memBus}
	f.sup = New("sess-test", driver, events.NewNotifier(memBus, log), cfg, log, func(reason string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.faults = append(f.faults, reason)
	})
	t.Cleanup(func() { memBus.Close() })
	return f
}

func (f *fixture) faultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.faults)
}

func TestHealthyProbesResponsiveChild(t *testing.T) {
	f := newFixture(t, testConfig())
	assert.True(t, f.sup.Healthy(context.Background()))
	assert.Equal(t, []string{probeCommand}, f.driver.Executed())
}

func TestHealthyCachesWithinTTL(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	assert.True(t, f.sup.Healthy(ctx))
	assert.True(t, f.sup.Healthy(ctx))
	assert.True(t, f.sup.Healthy(ctx))
	// Only the first call probed; the rest served the cached result.
	assert.Len(t, f.driver.Executed(), 1)
}

func TestHealthyReprobesAfterTTL(t *testing.T) {
	cfg := testConfig()
	cfg.HealthTTL = 10 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	assert.True(t, f.sup.Healthy(ctx))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, f.sup.Healthy(ctx))
	assert.Len(t, f.driver.Executed(), 2)
}

func TestHealthyFalseWhenChildStopped(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.driver.Stop(context.Background()))
	assert.False(t, f.sup.Healthy(context.Background()))
}

func TestRecoverByCancelInPlace(t *testing.T) {
	f := newFixture(t, testConfig())

	assert.True(t, f.sup.Recover(context.Background(), "slow command"))
	assert.Equal(t, 1, f.driver.StartCount(), "no restart needed")
	assert.Equal(t, 0, f.sup.ConsecutiveFailures())
}

func TestRecoverByRestart(t *testing.T) {
	f := newFixture(t, testConfig())
	f.driver.Freeze(true)

	var mu sync.Mutex
	var steps []string
	_, err := f.bus.Subscribe(events.RecoverySubject("sess-test"), func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, ev.Data["step"].(string))
		return nil
	})
	require.NoError(t, err)

	assert.True(t, f.sup.Recover(context.Background(), "frozen child"))
	assert.Equal(t, 2, f.driver.StartCount())
	assert.Equal(t, 0, f.sup.ConsecutiveFailures())
	assert.True(t, f.sup.Healthy(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		events.RecoveryStepStart,
		events.RecoveryStepCancelInPlace,
		events.RecoveryStepRestartAttempt,
		events.RecoveryStepRestartSuccess,
	}, steps)
}

func TestRecoverFlushesCommandBacklog(t *testing.T) {
	f := newFixture(t, testConfig())

	var mu sync.Mutex
	var flushed []string
	f.sup.SetCancelAll(func(ctx context.Context, reason string) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, reason)
	})

	assert.True(t, f.sup.Recover(context.Background(), "slow command"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	assert.Contains(t, flushed[0], "slow command")
}

func TestThreeFailedRecoveriesFaultTheSession(t *testing.T) {
	f := newFixture(t, testConfig())
	f.driver.Freeze(false)

	ctx := context.Background()
	assert.False(t, f.sup.Recover(ctx, "wedged"))
	assert.Equal(t, 1, f.sup.ConsecutiveFailures())
	assert.Equal(t, 0, f.faultCount())

	assert.False(t, f.sup.Recover(ctx, "wedged"))
	assert.Equal(t, 2, f.sup.ConsecutiveFailures())
	assert.Equal(t, 0, f.faultCount())

	assert.False(t, f.sup.Recover(ctx, "wedged"))
	assert.True(t, f.sup.Faulted())
	assert.Equal(t, 1, f.faultCount())

	// Once faulted, further recovery is refused and the fault fires once.
	assert.False(t, f.sup.Recover(ctx, "wedged"))
	assert.Equal(t, 1, f.faultCount())
	assert.False(t, f.sup.Healthy(ctx))
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	f := newFixture(t, testConfig())
	f.driver.Freeze(false)

	ctx := context.Background()
	assert.False(t, f.sup.Recover(ctx, "wedged"))
	assert.Equal(t, 1, f.sup.ConsecutiveFailures())

	f.driver.Unfreeze()
	assert.True(t, f.sup.Recover(ctx, "retry"))
	assert.Equal(t, 0, f.sup.ConsecutiveFailures())
	assert.False(t, f.sup.Faulted())
}
