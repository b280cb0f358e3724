// Package recovery probes debugger health and repairs a wedged child. Repair
// escalates in two stages: interrupt the in-flight command, then restart the
// child process. Three consecutive failed recoveries fault the session.
package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/debugger"
	"github.com/crashdbg/crashdbg/internal/events"
)

// probeCommand is a no-op the debugger answers immediately when responsive.
const probeCommand = ".echo crashdbg_alive"

// Config tunes the supervisor.
type Config struct {
	ProbeBudget time.Duration // max wall time for one health probe
	HealthTTL   time.Duration // how long a probe result is trusted
	SettleDelay time.Duration // pause between stop and restart
	Threshold   int           // consecutive failures before faulting
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		ProbeBudget: 10 * time.Second,
		HealthTTL:   30 * time.Second,
		SettleDelay: 2 * time.Second,
		Threshold:   3,
	}
}

// Supervisor owns health probing and recovery for one session's debugger.
type Supervisor struct {
	sessionID string
	driver    debugger.Driver
	notifier  *events.Notifier
	cfg       Config
	logger    *logger.Logger
	onFault   func(reason string)

	onCancelAll func(ctx context.Context, reason string)

	recoverMu sync.Mutex // serializes recovery attempts

	mu          sync.Mutex
	lastProbe   time.Time
	lastHealthy bool
	failures    int
	faulted     bool
}

// New creates a supervisor. onFault is invoked at most once, when the failure
// threshold is reached; it must not call back into the supervisor.
func New(sessionID string, driver debugger.Driver, notifier *events.Notifier, cfg Config, log *logger.Logger, onFault func(reason string)) *Supervisor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 10 * time.Second
	}
	return &Supervisor{
		sessionID: sessionID,
		driver:    driver,
		notifier:  notifier,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "recovery")).WithSessionID(sessionID),
		onFault:   onFault,
	}
}

// SetCancelAll wires the queue-wide cancellation used by recovery's first
// stage. Must be called before the session's pipeline starts.
func (s *Supervisor) SetCancelAll(fn func(ctx context.Context, reason string)) {
	s.onCancelAll = fn
}

// Healthy reports whether the debugger child is responsive. Probe results are
// cached for the configured TTL to keep back-to-back commands cheap.
func (s *Supervisor) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	if s.faulted {
		s.mu.Unlock()
		return false
	}
	if s.cfg.HealthTTL > 0 && !s.lastProbe.IsZero() && time.Since(s.lastProbe) < s.cfg.HealthTTL {
		cached := s.lastHealthy
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	return s.probeAndRecord(ctx)
}

// ConsecutiveFailures returns the current failed-recovery streak.
func (s *Supervisor) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Faulted reports whether the failure threshold has been reached.
func (s *Supervisor) Faulted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faulted
}

// Recover attempts to restore a responsive debugger. Stage one interrupts the
// in-flight command and re-probes; stage two restarts the child. Attempts are
// serialized; each failed attempt counts toward the fault threshold and a
// success resets it.
func (s *Supervisor) Recover(ctx context.Context, reason string) bool {
	s.recoverMu.Lock()
	defer s.recoverMu.Unlock()

	if s.Faulted() {
		return false
	}

	s.logger.Warn("starting recovery", zap.String("reason", reason))
	s.emit(ctx, events.RecoveryStepStart, true, reason)

	// Stage one: flush the backlog and interrupt whatever the child is
	// chewing on.
	if s.onCancelAll != nil {
		s.onCancelAll(ctx, "recovery in progress: "+reason)
	}
	s.driver.CancelCurrent()
	s.emit(ctx, events.RecoveryStepCancelInPlace, true, reason)
	if s.probeAndRecord(ctx) {
		s.logger.Info("recovered by cancelling in place")
		s.recordOutcome(ctx, true, reason)
		return true
	}

	// Stage two: restart the child against the same target.
	s.emit(ctx, events.RecoveryStepRestartAttempt, true, reason)
	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeBudget)
	err := s.driver.Stop(stopCtx)
	cancel()
	if err != nil {
		s.logger.Warn("stop during recovery failed", zap.Error(err))
	}
	if s.cfg.SettleDelay > 0 {
		select {
		case <-time.After(s.cfg.SettleDelay):
		case <-ctx.Done():
			s.recordOutcome(ctx, false, reason)
			return false
		}
	}

	if err := s.driver.Start(ctx); err != nil {
		s.logger.Error("restart failed", zap.Error(err))
		s.emit(ctx, events.RecoveryStepRestartFailure, false, err.Error())
		s.recordOutcome(ctx, false, reason)
		return false
	}
	if !s.probeAndRecord(ctx) {
		s.emit(ctx, events.RecoveryStepRestartFailure, false, "restarted child failed health probe")
		s.recordOutcome(ctx, false, reason)
		return false
	}

	s.logger.Info("recovered by restarting debugger child")
	s.emit(ctx, events.RecoveryStepRestartSuccess, true, reason)
	s.recordOutcome(ctx, true, reason)
	return true
}

// probeAndRecord runs one health probe and caches the result.
func (s *Supervisor) probeAndRecord(ctx context.Context) bool {
	healthy := s.probe(ctx)
	s.mu.Lock()
	s.lastProbe = time.Now()
	s.lastHealthy = healthy
	s.mu.Unlock()
	return healthy
}

func (s *Supervisor) probe(ctx context.Context) bool {
	if !s.driver.Active() {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeBudget)
	defer cancel()

	_, reason, err := s.driver.Execute(probeCtx, probeCommand)
	if err != nil {
		s.logger.Debug("health probe errored", zap.Error(err))
		return false
	}
	return reason == debugger.ExitCompleted
}

// recordOutcome updates the consecutive-failure streak and faults the session
// when the threshold is reached.
func (s *Supervisor) recordOutcome(ctx context.Context, success bool, reason string) {
	s.mu.Lock()
	if success {
		s.failures = 0
		s.mu.Unlock()
		return
	}
	s.failures++
	faultNow := s.failures >= s.cfg.Threshold && !s.faulted
	if faultNow {
		s.faulted = true
	}
	failures := s.failures
	s.mu.Unlock()

	s.logger.Warn("recovery attempt failed",
		zap.Int("consecutive_failures", failures),
		zap.String("reason", reason))

	if faultNow {
		s.logger.Error("recovery threshold reached, faulting session",
			zap.Int("threshold", s.cfg.Threshold))
		s.emit(ctx, events.RecoveryStepFaulted, false, reason)
		if s.onFault != nil {
			s.onFault(reason)
		}
	}
}

func (s *Supervisor) emit(ctx context.Context, step string, success bool, reason string) {
	s.notifier.RecoveryEvent(ctx, events.RecoveryEvent{
		SessionID: s.sessionID,
		Step:      step,
		Success:   success,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}
