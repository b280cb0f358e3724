package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	v1 "github.com/crashdbg/crashdbg/pkg/api/v1"
)

func TestNewRecordIsQueued(t *testing.T) {
	rec := New("sess-test", "cmd-1", "k", time.Second)
	assert.Equal(t, v1.CommandStateQueued, rec.State())
	assert.Equal(t, time.Second, rec.Timeout())
	assert.True(t, rec.CompletedAt().IsZero())

	select {
	case <-rec.Done():
		t.Fatal("done channel closed before finalization")
	default:
	}
}

func TestMarkExecutingOnlyFromQueued(t *testing.T) {
	rec := New("sess-test", "cmd-1", "k", time.Second)
	assert.True(t, rec.MarkExecuting())
	assert.False(t, rec.MarkExecuting())

	cancelled := New("sess-test", "cmd-2", "k", time.Second)
	require.True(t, cancelled.Cancel("", "cleanup"))
	assert.False(t, cancelled.MarkExecuting())
}

func TestFirstFinalizationWins(t *testing.T) {
	rec := New("sess-test", "cmd-1", "k", time.Second)
	require.True(t, rec.MarkExecuting())
	require.True(t, rec.Complete("stack frames"))

	assert.False(t, rec.Fail("partial", "boom"))
	assert.False(t, rec.Complete("other"))

	view := rec.View()
	assert.Equal(t, v1.CommandStateCompleted, view.State)
	assert.Equal(t, "stack frames", view.Output)
	assert.Empty(t, view.Error)
}

func TestLateCancelDoesNotRecordReason(t *testing.T) {
	rec := New("sess-test", "cmd-1", "k", time.Second)
	require.True(t, rec.MarkExecuting())
	require.True(t, rec.Complete("done"))

	// A cancel racing with completion loses outright; the reason must not
	// leak into the already-finalized record.
	assert.False(t, rec.Cancel("", "too late"))
	assert.Empty(t, rec.CancelReason())

	view := rec.View()
	assert.Equal(t, v1.CommandStateCompleted, view.State)
	assert.Equal(t, "done", view.Output)
	assert.Empty(t, view.Error)
}

func TestCancelStoresReasonAsError(t *testing.T) {
	rec := New("sess-test", "cmd-1", "k", time.Second)
	require.True(t, rec.Cancel("", "session closing"))

	assert.Equal(t, "session closing", rec.CancelReason())
	assert.Equal(t, "session closing", rec.View().Error)
}

func TestProperty_FinalizationIsOneWay(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rec := New("sess-test", "cmd-prop", "k", time.Second)
		if rapid.Bool().Draw(rt, "executing") {
			require.True(rt, rec.MarkExecuting())
		}

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 6).Draw(rt, "finalizations")
		for i, op := range ops {
			var ok bool
			switch op {
			case 0:
				ok = rec.Complete("out")
			case 1:
				ok = rec.Fail("partial", "boom")
			case 2:
				ok = rec.Cancel("", "stop")
			}
			if i == 0 {
				require.True(rt, ok, "first finalization must win")
			} else {
				require.False(rt, ok, "later finalizations must lose")
			}
		}

		states := []v1.CommandState{
			v1.CommandStateCompleted,
			v1.CommandStateFailed,
			v1.CommandStateCancelled,
		}
		require.Equal(rt, states[ops[0]], rec.State())
		require.True(rt, rec.State().Terminal())
		require.False(rt, rec.CompletedAt().IsZero())
		if ops[0] != 2 {
			require.Empty(rt, rec.CancelReason())
		}

		select {
		case <-rec.Done():
		default:
			rt.Fatalf("done channel not closed after finalization")
		}
	})
}
