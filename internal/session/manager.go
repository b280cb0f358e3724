package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/crashdbg/crashdbg/internal/common/config"
	apperrors "github.com/crashdbg/crashdbg/internal/common/errors"
	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/debugger"
	"github.com/crashdbg/crashdbg/internal/events"
	"github.com/crashdbg/crashdbg/internal/session/cache"
	"github.com/crashdbg/crashdbg/internal/session/queue"
	"github.com/crashdbg/crashdbg/internal/session/recovery"
	v1 "github.com/crashdbg/crashdbg/pkg/api/v1"
)

// DriverFactory builds the debugger driver for a new session. Production uses
// a cdb child; tests substitute fakes.
type DriverFactory func(sessionID, dumpPath, symbolsPath string) debugger.Driver

// Manager owns every live session: admission against the concurrency limit,
// creation, lookup, idle age-out, and teardown.
type Manager struct {
	cfg      *config.Config
	logger   *logger.Logger
	notifier *events.Notifier
	factory  DriverFactory

	admission   *semaphore.Weighted
	recoveryCfg recovery.Config

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a session manager and starts its idle sweeper.
func NewManager(cfg *config.Config, notifier *events.Notifier, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "session-manager")),
		notifier:  notifier,
		admission: semaphore.NewWeighted(int64(cfg.Sessions.MaxConcurrent)),
		sessions:  make(map[string]*Session),
		stopCh:    make(chan struct{}),
	}
	m.factory = m.defaultDriverFactory

	m.recoveryCfg = recovery.DefaultConfig()
	m.recoveryCfg.HealthTTL = cfg.Sessions.HealthCacheDuration()
	m.recoveryCfg.Threshold = cfg.Sessions.RecoveryThreshold

	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// SetDriverFactory overrides how debugger drivers are built. Test hook; call
// before any Create.
func (m *Manager) SetDriverFactory(f DriverFactory) {
	m.factory = f
}

// SetRecoveryConfig overrides the recovery tuning for sessions created after
// the call. Test hook.
func (m *Manager) SetRecoveryConfig(cfg recovery.Config) {
	m.recoveryCfg = cfg
}

func (m *Manager) defaultDriverFactory(sessionID, dumpPath, symbolsPath string) debugger.Driver {
	dbg := m.cfg.Debugger
	if symbolsPath == "" {
		symbolsPath = dbg.SymbolSearchPath
	}
	return debugger.NewCDBDriver(debugger.Options{
		BinaryPath:    dbg.BinaryPath,
		Target:        dumpPath,
		SymbolsPath:   symbolsPath,
		LogPath:       filepath.Join(dbg.SessionLogDir(), fmt.Sprintf("cdb_%s.log", sessionID)),
		StartTimeout:  dbg.StartTimeoutDuration(),
		ReadTimeout:   dbg.ReadTimeoutDuration(),
		SymbolTimeout: dbg.SymbolTimeoutDuration(),
		SymbolRetries: dbg.SymbolRetries,
		UseSentinels:  dbg.UseSentinels,
	}, m.logger)
}

// Create validates the request, admits it against the concurrency limit,
// launches the debugger child, and returns the new session once its pipeline
// is ready.
func (m *Manager) Create(ctx context.Context, dumpPath, symbolsPath string) (*Session, error) {
	if err := ValidateDumpPath(dumpPath); err != nil {
		return nil, err
	}
	if err := ValidateSymbolsPath(symbolsPath); err != nil {
		return nil, err
	}

	if !m.admission.TryAcquire(1) {
		return nil, apperrors.LimitExceeded(fmt.Sprintf(
			"session limit reached (%d); close a session and retry", m.cfg.Sessions.MaxConcurrent))
	}

	sessionID := MintSessionID()
	log := m.logger.WithSessionID(sessionID)
	log.Info("creating session",
		zap.String("dump_path", dumpPath),
		zap.String("symbols_path", symbolsPath))

	driver := m.factory(sessionID, dumpPath, symbolsPath)
	sess := newSession(sessionID, dumpPath, symbolsPath, driver, m.logger)
	sess.cache = cache.New(m.cfg.Sessions.CacheMaxBytes, m.cfg.Sessions.CacheMaxResults, m.logger)
	sess.queue = queue.New(sessionID, driver, sess.cache, m.notifier, queue.Timeouts{
		Short:   m.cfg.Debugger.ShortCmdTimeoutDuration(),
		Default: m.cfg.Debugger.DefaultCmdTimeoutDuration(),
		Long:    m.cfg.Debugger.LongCmdTimeoutDuration(),
	}, m.logger)
	sess.recovery = recovery.New(sessionID, driver, m.notifier, m.recoveryCfg,
		m.logger, func(reason string) { m.faultSession(sessionID, reason) })
	sess.queue.SetHealth(sess.recovery)
	sess.queue.SetActivityCallback(sess.Touch)
	sess.recovery.SetCancelAll(func(ctx context.Context, reason string) {
		sess.queue.CancelAll(ctx, reason)
	})

	// Visible (as INITIALIZING) while the child starts.
	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	if err := driver.Start(ctx); err != nil {
		// Drains anything enqueued while the session was visible.
		_ = sess.close(ctx, false)
		m.remove(sessionID)
		m.admission.Release(1)
		return nil, apperrors.StartupFailure("failed to start debugger for dump "+dumpPath, err)
	}

	sess.queue.Start(context.WithoutCancel(ctx))
	if err := m.waitQueueReady(ctx, sess); err != nil {
		_ = sess.close(ctx, false)
		m.remove(sessionID)
		m.admission.Release(1)
		return nil, err
	}

	sess.setStatus(v1.SessionStatusActive)
	sess.Touch()
	log.Info("session active", zap.Int("pid", driver.ProcessID()))

	m.notifier.SessionEvent(ctx, events.SessionEvent{
		SessionID:   sessionID,
		Event:       events.SessionCreated,
		Description: "session created for " + dumpPath,
		Context:     map[string]string{"dump_path": dumpPath},
		Timestamp:   time.Now().UTC(),
	})
	return sess, nil
}

// waitQueueReady polls until the queue worker reports ready.
func (m *Manager) waitQueueReady(ctx context.Context, sess *Session) error {
	timeout := m.cfg.Sessions.ReadyTimeoutDuration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for {
		if sess.queue.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperrors.StartupFailure("session startup interrupted", ctx.Err())
		case <-deadline.C:
			return apperrors.StartupFailure("command pipeline did not become ready", nil)
		case <-tick.C:
		}
	}
}

// Get returns a session by ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return sess, nil
}

// Exists reports whether a session ID is known.
func (m *Manager) Exists(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// List returns snapshots of every session, oldest first.
func (m *Manager) List() []v1.SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	infos := make([]v1.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears down one session. Close is idempotent: an already-closed or
// unknown ID succeeds without effect.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		m.logger.Debug("close of unknown session ignored", zap.String("session_id", sessionID))
		return nil
	}
	m.closeSession(ctx, sess, events.SessionClosed, "closed by request")
	return nil
}

func (m *Manager) closeSession(ctx context.Context, sess *Session, event, description string) {
	_ = sess.close(ctx, false)
	if m.remove(sess.ID()) {
		m.admission.Release(1)
		m.notifier.SessionEvent(ctx, events.SessionEvent{
			SessionID:   sess.ID(),
			Event:       event,
			Description: description,
			Timestamp:   time.Now().UTC(),
		})
	}
}

// faultSession marks a session FAULTED after unrecoverable child failures.
// Called from the session's own worker goroutine, so teardown runs elsewhere.
func (m *Manager) faultSession(sessionID, reason string) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return
	}
	sess.statusMu.Lock()
	sess.status = v1.SessionStatusFaulted
	sess.statusMu.Unlock()
	m.logger.Error("session faulted",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = sess.close(ctx, true)
		if m.remove(sessionID) {
			m.admission.Release(1)
			m.notifier.SessionEvent(ctx, events.SessionEvent{
				SessionID:   sessionID,
				Event:       events.SessionClosed,
				Description: "session faulted: " + reason,
				Timestamp:   time.Now().UTC(),
			})
		}
	}()
}

// remove drops the session from the table. Reports whether it was present.
func (m *Manager) remove(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	delete(m.sessions, sessionID)
	return true
}

// sweepLoop closes sessions idle past the configured timeout.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	interval := m.cfg.Sessions.SweepIntervalDuration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	idleTimeout := m.cfg.Sessions.IdleTimeoutDuration()
	if idleTimeout <= 0 {
		return
	}

	m.mu.RLock()
	var expired []*Session
	// A stale idle clock expires the session even when commands are still
	// backlogged; the close drains them as Cancelled.
	for _, sess := range m.sessions {
		if sess.Active() && sess.IdleFor() > idleTimeout {
			expired = append(expired, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range expired {
		m.logger.Info("closing idle session",
			zap.String("session_id", sess.ID()),
			zap.Duration("idle", sess.IdleFor()))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		m.closeSession(ctx, sess, events.SessionExpired, "idle timeout exceeded")
		cancel()
	}
}

// Shutdown stops the sweeper and closes every session in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			m.closeSession(gctx, sess, events.SessionClosed, "server shutting down")
			return nil
		})
	}
	return g.Wait()
}
