// Package command defines the record of one debugger command's execution:
// its text, state, timestamps, and output. Records are mutated only by the
// owning queue worker (and by pre-execution cancellation) and become
// immutable once finalized.
package command

import (
	"sync"
	"time"

	v1 "github.com/crashdbg/crashdbg/pkg/api/v1"
)

// Record tracks one enqueued command through its life. All accessors are
// safe for concurrent use; the Done channel closes exactly once, when the
// record reaches a terminal state.
type Record struct {
	sessionID string
	commandID string
	text      string
	timeout   time.Duration

	mu           sync.Mutex
	state        v1.CommandState
	queuedAt     time.Time
	startedAt    *time.Time
	completedAt  *time.Time
	output       string
	errText      string
	cancelReason string
	timedOut     bool

	doneOnce sync.Once
	done     chan struct{}
}

// New creates a Queued record.
func New(sessionID, commandID, text string, timeout time.Duration) *Record {
	return &Record{
		sessionID: sessionID,
		commandID: commandID,
		text:      text,
		timeout:   timeout,
		state:     v1.CommandStateQueued,
		queuedAt:  time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// SessionID returns the owning session's ID.
func (r *Record) SessionID() string { return r.sessionID }

// CommandID returns the record's unique ID.
func (r *Record) CommandID() string { return r.commandID }

// Text returns the raw command text.
func (r *Record) Text() string { return r.text }

// Timeout returns the effective execution timeout chosen for this command.
func (r *Record) Timeout() time.Duration { return r.timeout }

// State returns the current state.
func (r *Record) State() v1.CommandState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done returns a channel closed when the record is finalized.
func (r *Record) Done() <-chan struct{} { return r.done }

// CompletedAt returns the finalization time (zero while non-terminal).
func (r *Record) CompletedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completedAt == nil {
		return time.Time{}
	}
	return *r.completedAt
}

// SizeBytes approximates the record's retained memory, for cache accounting.
func (r *Record) SizeBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.text) + len(r.output) + len(r.errText) + len(r.commandID) + 128
}

// MarkExecuting transitions Queued -> Executing. Returns false if the record
// is no longer Queued (it was cancelled pre-execution).
func (r *Record) MarkExecuting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != v1.CommandStateQueued {
		return false
	}
	r.state = v1.CommandStateExecuting
	now := time.Now().UTC()
	r.startedAt = &now
	return true
}

// MarkTimedOut notes that the deadline timer fired; the worker finalizes the
// record as Failed rather than Cancelled when the cancel is observed.
func (r *Record) MarkTimedOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timedOut = true
}

// TimedOut reports whether the deadline timer fired.
func (r *Record) TimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timedOut
}

// SetCancelReason records why cancellation was requested.
func (r *Record) SetCancelReason(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelReason == "" {
		r.cancelReason = reason
	}
}

// CancelReason returns the recorded cancellation reason, if any.
func (r *Record) CancelReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelReason
}

// Complete finalizes the record as Completed with its output.
func (r *Record) Complete(output string) bool {
	return r.finalize(v1.CommandStateCompleted, output, "", "")
}

// Fail finalizes the record as Failed with partial output and an error.
func (r *Record) Fail(output, errText string) bool {
	return r.finalize(v1.CommandStateFailed, output, errText, "")
}

// Cancel finalizes the record as Cancelled. The reason is stored both as the
// cancellation reason and the error text. A record that is already terminal
// is left untouched, reason included.
func (r *Record) Cancel(output, reason string) bool {
	return r.finalize(v1.CommandStateCancelled, output, reason, reason)
}

// finalize performs the one-way transition into a terminal state. Exactly one
// finalization wins; later calls are no-ops returning false and mutate
// nothing.
func (r *Record) finalize(state v1.CommandState, output, errText, cancelReason string) bool {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return false
	}
	if cancelReason != "" && r.cancelReason == "" {
		r.cancelReason = cancelReason
	}
	r.state = state
	r.output = output
	r.errText = errText
	now := time.Now().UTC()
	r.completedAt = &now
	r.mu.Unlock()

	r.doneOnce.Do(func() { close(r.done) })
	return true
}

// View returns the externally visible snapshot of the record.
func (r *Record) View() v1.CommandRecordView {
	r.mu.Lock()
	defer r.mu.Unlock()

	view := v1.CommandRecordView{
		SessionID: r.sessionID,
		CommandID: r.commandID,
		Command:   r.text,
		State:     r.state,
		QueuedAt:  r.queuedAt,
	}
	if r.startedAt != nil {
		t := *r.startedAt
		view.StartedAt = &t
	}
	if r.completedAt != nil {
		t := *r.completedAt
		view.CompletedAt = &t
	}
	if r.state.Terminal() {
		view.Output = r.output
		view.Error = r.errText
	}
	return view
}
