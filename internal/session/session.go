// Package session manages debugging session lifecycles: creation against a
// crash dump, command pipelines, idle age-out, and teardown.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/debugger"
	"github.com/crashdbg/crashdbg/internal/session/cache"
	"github.com/crashdbg/crashdbg/internal/session/queue"
	"github.com/crashdbg/crashdbg/internal/session/recovery"
	v1 "github.com/crashdbg/crashdbg/pkg/api/v1"
)

// Session binds one debugger child, its command queue, result cache, and
// recovery supervisor.
type Session struct {
	id          string
	dumpPath    string
	symbolsPath string
	createdAt   time.Time

	driver   debugger.Driver
	queue    *queue.CommandQueue
	cache    *cache.ResultCache
	recovery *recovery.Supervisor
	logger   *logger.Logger

	statusMu sync.Mutex
	status   v1.SessionStatus

	lastActivity atomic.Int64 // unix nanos

	closeOnce sync.Once
	closeErr  error
}

func newSession(id, dumpPath, symbolsPath string, driver debugger.Driver, log *logger.Logger) *Session {
	s := &Session{
		id:          id,
		dumpPath:    dumpPath,
		symbolsPath: symbolsPath,
		createdAt:   time.Now().UTC(),
		driver:      driver,
		status:      v1.SessionStatusInitializing,
		logger:      log.WithSessionID(id),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Queue returns the session's command queue.
func (s *Session) Queue() *queue.CommandQueue { return s.queue }

// Cache returns the session's result cache.
func (s *Session) Cache() *cache.ResultCache { return s.cache }

// Recovery returns the session's recovery supervisor.
func (s *Session) Recovery() *recovery.Supervisor { return s.recovery }

// Status returns the current lifecycle status.
func (s *Session) Status() v1.SessionStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// setStatus transitions the lifecycle status. Terminal statuses stick.
func (s *Session) setStatus(status v1.SessionStatus) bool {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	return true
}

// Active reports whether the session has finished starting up.
func (s *Session) Active() bool {
	return s.Status() == v1.SessionStatusActive
}

// AcceptingCommands reports whether new commands may be enqueued. Commands
// enqueued while the session is still initializing are buffered and run once
// it goes active.
func (s *Session) AcceptingCommands() bool {
	switch s.Status() {
	case v1.SessionStatusInitializing, v1.SessionStatusActive:
		return true
	}
	return false
}

// Touch advances the last-activity timestamp to now. Concurrent touches keep
// the maximum.
func (s *Session) Touch() {
	now := time.Now().UnixNano()
	for {
		prev := s.lastActivity.Load()
		if prev >= now || s.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load()).UTC()
}

// IdleFor returns how long the session has been without activity.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Info returns the externally visible snapshot.
func (s *Session) Info() v1.SessionInfo {
	info := v1.SessionInfo{
		SessionID:    s.id,
		DumpPath:     s.dumpPath,
		SymbolsPath:  s.symbolsPath,
		Status:       s.Status(),
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
	}
	if s.driver != nil {
		info.ProcessID = s.driver.ProcessID()
	}
	if s.queue != nil {
		info.QueuedCount = s.queue.PendingCount()
	}
	return info
}

// close tears the session down: the queue drains as Cancelled, the child is
// stopped, and the status lands on CLOSED (or FAULTED when fault is set).
// Safe to call more than once.
func (s *Session) close(ctx context.Context, fault bool) error {
	s.closeOnce.Do(func() {
		if fault {
			s.statusMu.Lock()
			s.status = v1.SessionStatusFaulted
			s.statusMu.Unlock()
		} else {
			s.setStatus(v1.SessionStatusClosing)
		}

		if s.queue != nil {
			if err := s.queue.Close(ctx); err != nil {
				s.logger.Warn("queue close timed out", zap.Error(err))
			}
		}
		if s.driver != nil {
			if err := s.driver.Stop(ctx); err != nil {
				s.logger.Warn("debugger stop failed", zap.Error(err))
				s.closeErr = err
			}
		}
		if !fault {
			s.setStatus(v1.SessionStatusClosed)
		}
		s.logger.Info("session closed", zap.Bool("faulted", fault))
	})
	return s.closeErr
}
