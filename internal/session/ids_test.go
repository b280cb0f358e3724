package session

import (
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var sessionIDPattern = regexp.MustCompile(`^sess-\d{6}-[0-9a-f]{8}-[0-9a-f]{8}-[0-9a-f]{4}$`)

func TestMintSessionIDFormat(t *testing.T) {
	id := MintSessionID()
	assert.Regexp(t, sessionIDPattern, id)
}

func TestMintSessionIDUniqueUnderConcurrency(t *testing.T) {
	const goroutines = 20
	const perGoroutine = 50

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := MintSessionID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestProperty_MintedIDsUniqueAndWellFormed(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		count := rapid.IntRange(2, 200).Draw(rt, "count")
		seen := make(map[string]bool, count)
		for i := 0; i < count; i++ {
			id := MintSessionID()
			require.Regexp(rt, sessionIDPattern, id)
			require.False(rt, seen[id], "duplicate session ID %s", id)
			seen[id] = true
		}
	})
}
