// Package events defines the notification payloads emitted by the session
// supervisor and the subjects they travel on.
package events

import "time"

// Event type identifiers.
const (
	TypeCommandStatus = "command.status"
	TypeSessionEvent  = "session.lifecycle"
	TypeRecoveryEvent = "session.recovery"
)

// Subject prefixes. Per-session subjects append the session ID so clients can
// subscribe to one session ("cmd.status.sess-...") or all ("cmd.status.*").
const (
	SubjectCommandStatusPrefix = "cmd.status."
	SubjectSessionLifecycle    = "session.lifecycle"
	SubjectRecoveryPrefix      = "session.recovery."
)

// CommandStatusSubject returns the subject for a session's command updates.
func CommandStatusSubject(sessionID string) string {
	return SubjectCommandStatusPrefix + sessionID
}

// RecoverySubject returns the subject for a session's recovery updates.
func RecoverySubject(sessionID string) string {
	return SubjectRecoveryPrefix + sessionID
}

// Command status strings carried by CommandStatus notifications.
const (
	StatusQueued    = "queued"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Session lifecycle event names.
const (
	SessionCreated = "created"
	SessionClosed  = "closed"
	SessionExpired = "expired"
)

// CommandStatus describes a command state transition.
type CommandStatus struct {
	CommandID   string    `json:"command_id"`
	SessionID   string    `json:"session_id"`
	CommandText string    `json:"command_text"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress,omitempty"` // 0-100
	Message     string    `json:"message,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionEvent describes a session lifecycle transition.
type SessionEvent struct {
	SessionID   string            `json:"session_id"`
	Event       string            `json:"event"` // created, closed, expired
	Description string            `json:"description,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// RecoveryEvent describes one step of a session recovery attempt.
type RecoveryEvent struct {
	SessionID string    `json:"session_id"`
	Step      string    `json:"step"` // start, cancel-in-place, restart-attempt, restart-success, restart-failure, faulted
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recovery step names.
const (
	RecoveryStepStart          = "start"
	RecoveryStepCancelInPlace  = "cancel-in-place"
	RecoveryStepRestartAttempt = "restart-attempt"
	RecoveryStepRestartSuccess = "restart-success"
	RecoveryStepRestartFailure = "restart-failure"
	RecoveryStepFaulted        = "faulted"
)
