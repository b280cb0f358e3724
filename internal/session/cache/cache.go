// Package cache holds finalized command records for later reads. The cache
// is bounded by total bytes and entry count; when either cap is exceeded the
// oldest finalized entries are evicted, never the most recent one.
package cache

import (
	"sync"

	"go.uber.org/zap"

	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/session/command"
)

// Stats reports the cache's current occupancy.
type Stats struct {
	Entries   int
	Bytes     int
	Evictions int
}

// ResultCache is a per-session store of finalized command records.
type ResultCache struct {
	maxBytes   int
	maxResults int
	logger     *logger.Logger

	mu        sync.Mutex
	entries   map[string]*command.Record
	order     []string // finalization order, oldest first
	bytes     int
	evictions int
}

// New creates a cache bounded by maxBytes and maxResults. Non-positive caps
// are treated as unbounded on that axis.
func New(maxBytes, maxResults int, log *logger.Logger) *ResultCache {
	return &ResultCache{
		maxBytes:   maxBytes,
		maxResults: maxResults,
		logger:     log.WithFields(zap.String("component", "result-cache")),
		entries:    make(map[string]*command.Record),
	}
}

// Put stores a finalized record and evicts older entries as needed. Storing
// the same ID twice replaces the earlier entry without changing its position.
func (c *ResultCache) Put(rec *command.Record) {
	if rec == nil {
		return
	}
	size := rec.SizeBytes()

	c.mu.Lock()
	defer c.mu.Unlock()

	id := rec.CommandID()
	if prev, ok := c.entries[id]; ok {
		c.bytes -= prev.SizeBytes()
	} else {
		c.order = append(c.order, id)
	}
	c.entries[id] = rec
	c.bytes += size

	c.evictLocked()
}

// Get returns the record for a command ID, if cached.
func (c *ResultCache) Get(commandID string) (*command.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[commandID]
	return rec, ok
}

// All returns every cached record, oldest first.
func (c *ResultCache) All() []*command.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*command.Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

// Stats returns current occupancy counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Bytes: c.bytes, Evictions: c.evictions}
}

// Clear drops every entry.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*command.Record)
	c.order = nil
	c.bytes = 0
}

// evictLocked drops the oldest entries until both caps are satisfied. The
// newest entry always survives, even when it alone exceeds the byte cap.
func (c *ResultCache) evictLocked() {
	for len(c.order) > 1 {
		overBytes := c.maxBytes > 0 && c.bytes > c.maxBytes
		overCount := c.maxResults > 0 && len(c.order) > c.maxResults
		if !overBytes && !overCount {
			return
		}
		oldest := c.order[0]
		c.order = c.order[1:]
		if rec, ok := c.entries[oldest]; ok {
			c.bytes -= rec.SizeBytes()
			delete(c.entries, oldest)
			c.evictions++
			c.logger.Debug("evicted cached command result",
				zap.String("command_id", oldest),
				zap.Int("cache_bytes", c.bytes))
		}
	}
}
