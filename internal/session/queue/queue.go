// Package queue serializes debugger command execution for one session. A
// single worker goroutine drains a FIFO of command records, drives the
// debugger child for each one, and finalizes every record exactly once.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/crashdbg/crashdbg/internal/common/errors"
	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/debugger"
	"github.com/crashdbg/crashdbg/internal/events"
	"github.com/crashdbg/crashdbg/internal/session/cache"
	"github.com/crashdbg/crashdbg/internal/session/command"
	v1 "github.com/crashdbg/crashdbg/pkg/api/v1"
)

// closingReason is recorded on commands drained during queue shutdown.
const closingReason = "session closing"

// HealthChecker probes and repairs the debugger child between commands. The
// worker calls Healthy before each command and Recover after failures.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
	Recover(ctx context.Context, reason string) bool
}

// CommandQueue owns the per-session execution pipeline.
type CommandQueue struct {
	sessionID string
	driver    debugger.Driver
	cache     *cache.ResultCache
	notifier  *events.Notifier
	timeouts  Timeouts
	logger    *logger.Logger

	mu            sync.Mutex
	pending       []*command.Record
	active        map[string]*command.Record // queued and executing, by ID
	current       *command.Record
	currentCancel context.CancelFunc
	health        HealthChecker
	closed        bool

	wake       chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	workerDone chan struct{}
	started    atomic.Bool
	ready      atomic.Bool
	onActivity func()
}

// New creates a queue for one session. Start must be called before commands
// execute.
func New(sessionID string, driver debugger.Driver, resultCache *cache.ResultCache, notifier *events.Notifier, timeouts Timeouts, log *logger.Logger) *CommandQueue {
	return &CommandQueue{
		sessionID:  sessionID,
		driver:     driver,
		cache:      resultCache,
		notifier:   notifier,
		timeouts:   timeouts,
		logger:     log.WithFields(zap.String("component", "command-queue")).WithSessionID(sessionID),
		active:     make(map[string]*command.Record),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		workerDone: make(chan struct{}),
	}
}

// SetHealth wires the recovery supervisor. Must be called before Start.
func (q *CommandQueue) SetHealth(h HealthChecker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.health = h
}

// SetActivityCallback registers a hook invoked whenever a command finishes.
// Must be called before Start.
func (q *CommandQueue) SetActivityCallback(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onActivity = fn
}

// Start launches the worker goroutine.
func (q *CommandQueue) Start(ctx context.Context) {
	q.started.Store(true)
	go q.run(ctx)
}

// Ready reports whether the worker loop is running.
func (q *CommandQueue) Ready() bool {
	return q.ready.Load()
}

// PendingCount returns the number of commands waiting to execute.
func (q *CommandQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Enqueue appends a command to the queue and returns its record. Fails once
// the queue has been closed.
func (q *CommandQueue) Enqueue(ctx context.Context, text string) (*command.Record, error) {
	timeout := EffectiveTimeout(text, q.timeouts)
	commandID := "cmd-" + uuid.New().String()
	rec := command.New(q.sessionID, commandID, text, timeout)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, apperrors.SessionNotActive(q.sessionID, string(v1.SessionStatusClosing))
	}
	q.active[commandID] = rec
	// Published before the record joins the FIFO, and under the same lock the
	// worker dequeues with, so the queued event always precedes executing.
	q.notifyStatus(ctx, rec, events.StatusQueued, 0, "", "")
	q.pending = append(q.pending, rec)
	q.mu.Unlock()

	q.logger.Debug("command queued",
		zap.String("command_id", commandID),
		zap.Duration("timeout", timeout))
	q.signalWake()
	return rec, nil
}

// Get returns the record for a command, looking at live records first and
// the result cache second.
func (q *CommandQueue) Get(commandID string) (*command.Record, bool) {
	q.mu.Lock()
	rec, ok := q.active[commandID]
	q.mu.Unlock()
	if ok {
		return rec, true
	}
	return q.cache.Get(commandID)
}

// Views returns snapshots of every known command, oldest first.
func (q *CommandQueue) Views() []v1.CommandRecordView {
	q.mu.Lock()
	live := make([]*command.Record, 0, len(q.active))
	for _, rec := range q.active {
		live = append(live, rec)
	}
	q.mu.Unlock()

	records := append(q.cache.All(), live...)
	views := make([]v1.CommandRecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, rec.View())
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].QueuedAt.Before(views[j].QueuedAt)
	})
	return views
}

// Cancel cancels one command. A queued command is finalized immediately; an
// executing command gets an interrupt and is finalized by the worker. Returns
// false when the command is unknown or already terminal.
func (q *CommandQueue) Cancel(ctx context.Context, commandID, reason string) bool {
	if reason == "" {
		reason = "cancelled by request"
	}

	q.mu.Lock()
	rec, ok := q.active[commandID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	if rec == q.current {
		rec.SetCancelReason(reason)
		cancel := q.currentCancel
		q.mu.Unlock()
		q.driver.CancelCurrent()
		if cancel != nil {
			cancel()
		}
		q.logger.Info("cancelling executing command", zap.String("command_id", commandID))
		return true
	}

	// Queued: remove from the FIFO and finalize here.
	for i, p := range q.pending {
		if p == rec {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	delete(q.active, commandID)
	q.mu.Unlock()

	if !rec.Cancel("", reason) {
		return false
	}
	q.cache.Put(rec)
	q.notifyStatus(ctx, rec, events.StatusCancelled, 0, "", reason)
	q.logger.Info("cancelled queued command", zap.String("command_id", commandID))
	return true
}

// CancelAll cancels the executing command and every command still waiting in
// the FIFO, returning how many were affected. A command the worker has
// dequeued but not yet started is left alone; it runs once the queue resumes.
func (q *CommandQueue) CancelAll(ctx context.Context, reason string) int {
	q.mu.Lock()
	ids := make([]string, 0, len(q.pending)+1)
	for _, rec := range q.pending {
		ids = append(ids, rec.CommandID())
	}
	if q.current != nil {
		ids = append(ids, q.current.CommandID())
	}
	q.mu.Unlock()

	count := 0
	for _, id := range ids {
		if q.Cancel(ctx, id, reason) {
			count++
		}
	}
	return count
}

// Close stops accepting commands, cancels the executing command, drains the
// FIFO as Cancelled, and waits for the worker to exit or ctx to expire.
func (q *CommandQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	if q.current != nil {
		q.current.SetCancelReason(closingReason)
		if q.currentCancel != nil {
			q.currentCancel()
		}
	}
	q.mu.Unlock()

	q.driver.CancelCurrent()
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.signalWake()

	// No worker was ever started; drain here instead of waiting for one.
	if !q.started.Load() {
		q.drain(context.WithoutCancel(ctx))
		return nil
	}

	select {
	case <-q.workerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *CommandQueue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *CommandQueue) run(ctx context.Context) {
	defer close(q.workerDone)
	q.ready.Store(true)
	defer q.ready.Store(false)

	q.logger.Debug("queue worker started")
	for {
		select {
		case <-q.stopCh:
			q.drain(context.WithoutCancel(ctx))
			return
		case <-ctx.Done():
			q.drain(context.WithoutCancel(ctx))
			return
		default:
		}

		rec := q.next()
		if rec == nil {
			select {
			case <-q.wake:
			case <-q.stopCh:
			case <-ctx.Done():
			}
			continue
		}
		q.execute(ctx, rec)
	}
}

func (q *CommandQueue) next() *command.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	rec := q.pending[0]
	q.pending = q.pending[1:]
	return rec
}

func (q *CommandQueue) execute(ctx context.Context, rec *command.Record) {
	log := q.logger.WithCommandID(rec.CommandID())

	if rec.State().Terminal() {
		return
	}

	if h := q.healthChecker(); h != nil && !h.Healthy(ctx) {
		log.Warn("debugger unhealthy before command, attempting recovery")
		if !h.Recover(ctx, "health check failed before command") {
			q.finish(ctx, rec, func() bool {
				return rec.Fail("", "debugger unhealthy and recovery failed")
			})
			return
		}
	}

	if !rec.MarkExecuting() {
		// Cancelled between dequeue and execution.
		q.finish(ctx, rec, func() bool { return false })
		return
	}
	q.notifyStatus(ctx, rec, events.StatusExecuting, 10, "executing in debugger", "")
	q.touchActivity()
	log.Info("executing command", zap.Duration("timeout", rec.Timeout()))

	execCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.current = rec
	q.currentCancel = cancel
	q.mu.Unlock()

	timer := time.AfterFunc(rec.Timeout(), func() {
		rec.MarkTimedOut()
		q.driver.CancelCurrent()
		cancel()
	})

	output, reason, err := q.driver.Execute(execCtx, rec.Text())

	timer.Stop()
	q.mu.Lock()
	q.current = nil
	q.currentCancel = nil
	q.mu.Unlock()
	cancel()

	switch {
	case rec.TimedOut():
		msg := fmt.Sprintf("command timed out after %s", rec.Timeout())
		q.finish(ctx, rec, func() bool { return rec.Fail(output, msg) })
		q.recoverAfter(ctx, "command timeout: "+rec.CommandID())
	case err != nil:
		q.finish(ctx, rec, func() bool { return rec.Fail(output, err.Error()) })
		q.recoverAfter(ctx, "command execution error: "+err.Error())
	case reason == debugger.ExitCancelled:
		cancelReason := rec.CancelReason()
		if cancelReason == "" {
			cancelReason = "cancelled"
		}
		q.finish(ctx, rec, func() bool { return rec.Cancel(output, cancelReason) })
	case reason == debugger.ExitTimeout:
		q.finish(ctx, rec, func() bool {
			return rec.Fail(output, "timed out waiting for debugger output")
		})
		q.recoverAfter(ctx, "output read timeout: "+rec.CommandID())
	default:
		q.finish(ctx, rec, func() bool { return rec.Complete(output) })
	}
}

// finish finalizes a record, moves it to the cache, and emits its terminal
// notification. The finalize closure reports whether this call won the
// transition; a lost race means another path already emitted.
func (q *CommandQueue) finish(ctx context.Context, rec *command.Record, finalize func() bool) {
	q.mu.Lock()
	delete(q.active, rec.CommandID())
	q.mu.Unlock()

	won := finalize()
	q.cache.Put(rec)
	if won {
		view := rec.View()
		switch view.State {
		case v1.CommandStateCompleted:
			q.notifyStatus(ctx, rec, events.StatusCompleted, 100, "", "")
			q.logger.Info("command completed",
				zap.String("command_id", rec.CommandID()),
				zap.Int("output_bytes", len(view.Output)))
		case v1.CommandStateCancelled:
			q.notifyStatus(ctx, rec, events.StatusCancelled, 0, "", view.Error)
			q.logger.Info("command cancelled", zap.String("command_id", rec.CommandID()))
		default:
			q.notifyStatus(ctx, rec, events.StatusFailed, 0, "", view.Error)
			q.logger.Warn("command failed",
				zap.String("command_id", rec.CommandID()),
				zap.String("error", view.Error))
		}
	}
	q.touchActivity()
}

// touchActivity fires the activity callback, so the owning session's idle
// clock moves when a command starts or finishes.
func (q *CommandQueue) touchActivity() {
	q.mu.Lock()
	fn := q.onActivity
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (q *CommandQueue) recoverAfter(ctx context.Context, reason string) {
	if h := q.healthChecker(); h != nil {
		h.Recover(ctx, reason)
	}
}

func (q *CommandQueue) healthChecker() HealthChecker {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.health
}

// drain finalizes every remaining queued command as Cancelled.
func (q *CommandQueue) drain(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	rest := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, rec := range rest {
		q.finish(ctx, rec, func() bool { return rec.Cancel("", closingReason) })
	}
	if len(rest) > 0 {
		q.logger.Info("drained queued commands on close", zap.Int("count", len(rest)))
	}
}

func (q *CommandQueue) notifyStatus(ctx context.Context, rec *command.Record, status string, progress int, message, errText string) {
	cs := events.CommandStatus{
		CommandID:   rec.CommandID(),
		SessionID:   q.sessionID,
		CommandText: rec.Text(),
		Status:      status,
		Progress:    progress,
		Message:     message,
		Error:       errText,
		Timestamp:   time.Now().UTC(),
	}
	if status == events.StatusCompleted {
		cs.Result = rec.View().Output
	}
	q.notifier.CommandStatus(ctx, cs)
}
