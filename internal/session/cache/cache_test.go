package cache

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/session/command"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func finalizedRecord(id, output string) *command.Record {
	rec := command.New("sess-test", id, "k", 0)
	rec.Complete(output)
	return rec
}

func TestPutGet(t *testing.T) {
	c := New(0, 0, testLogger(t))
	rec := finalizedRecord("cmd-1", "stack trace")
	c.Put(rec)

	got, ok := c.Get("cmd-1")
	require.True(t, ok)
	assert.Equal(t, "stack trace", got.View().Output)

	_, ok = c.Get("cmd-missing")
	assert.False(t, ok)
}

func TestEvictsByCount(t *testing.T) {
	c := New(0, 3, testLogger(t))
	for i := 0; i < 5; i++ {
		c.Put(finalizedRecord(fmt.Sprintf("cmd-%d", i), "out"))
	}

	stats := c.Stats()
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, 2, stats.Evictions)

	// Oldest two evicted, newest three remain.
	_, ok := c.Get("cmd-0")
	assert.False(t, ok)
	_, ok = c.Get("cmd-1")
	assert.False(t, ok)
	_, ok = c.Get("cmd-4")
	assert.True(t, ok)
}

func TestEvictsByBytes(t *testing.T) {
	big := strings.Repeat("x", 1024)
	c := New(2048, 0, testLogger(t))
	c.Put(finalizedRecord("cmd-a", big))
	c.Put(finalizedRecord("cmd-b", big))
	c.Put(finalizedRecord("cmd-c", big))

	_, ok := c.Get("cmd-a")
	assert.False(t, ok)
	_, ok = c.Get("cmd-c")
	assert.True(t, ok)
	assert.LessOrEqual(t, c.Stats().Bytes, 2048)
}

func TestNewestEntrySurvivesOversize(t *testing.T) {
	huge := strings.Repeat("x", 4096)
	c := New(1024, 0, testLogger(t))
	c.Put(finalizedRecord("cmd-old", "small"))
	c.Put(finalizedRecord("cmd-huge", huge))

	_, ok := c.Get("cmd-huge")
	assert.True(t, ok)
	_, ok = c.Get("cmd-old")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestReplaceSameID(t *testing.T) {
	c := New(0, 0, testLogger(t))
	c.Put(finalizedRecord("cmd-1", "first"))
	c.Put(finalizedRecord("cmd-1", "second"))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	got, ok := c.Get("cmd-1")
	require.True(t, ok)
	assert.Equal(t, "second", got.View().Output)
}

func TestAllOrderedOldestFirst(t *testing.T) {
	c := New(0, 0, testLogger(t))
	c.Put(finalizedRecord("cmd-1", ""))
	c.Put(finalizedRecord("cmd-2", ""))
	c.Put(finalizedRecord("cmd-3", ""))

	all := c.All()
	require.Len(t, all, 3)
	assert.Equal(t, "cmd-1", all[0].CommandID())
	assert.Equal(t, "cmd-3", all[2].CommandID())
}

func TestClear(t *testing.T) {
	c := New(0, 0, testLogger(t))
	c.Put(finalizedRecord("cmd-1", "out"))
	c.Clear()
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, 0, c.Stats().Bytes)
}

func TestProperty_CapsAlwaysHold(t *testing.T) {
	log := testLogger(t)
	rapid.Check(t, func(rt *rapid.T) {
		maxBytes := rapid.IntRange(256, 4096).Draw(rt, "max_bytes")
		maxResults := rapid.IntRange(1, 16).Draw(rt, "max_results")
		c := New(maxBytes, maxResults, log)

		puts := rapid.IntRange(1, 64).Draw(rt, "puts")
		for i := 0; i < puts; i++ {
			output := strings.Repeat("x", rapid.IntRange(0, 1024).Draw(rt, "output_len"))
			rec := finalizedRecord(fmt.Sprintf("cmd-%d", i), output)
			c.Put(rec)

			stats := c.Stats()
			require.LessOrEqual(rt, stats.Entries, maxResults)
			if stats.Entries > 1 {
				require.LessOrEqual(rt, stats.Bytes, maxBytes)
			}

			// The newest entry always survives its own insertion.
			got, ok := c.Get(rec.CommandID())
			require.True(rt, ok)
			require.Same(rt, rec, got)
		}

		// The byte counter matches the retained records exactly.
		total := 0
		for _, rec := range c.All() {
			total += rec.SizeBytes()
		}
		require.Equal(rt, total, c.Stats().Bytes)
		require.Len(rt, c.All(), c.Stats().Entries)
	})
}
