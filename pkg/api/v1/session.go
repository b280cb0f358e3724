package v1

import "time"

// SessionStatus represents the lifecycle status of a debugging session
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "INITIALIZING"
	SessionStatusActive       SessionStatus = "ACTIVE"
	SessionStatusClosing      SessionStatus = "CLOSING"
	SessionStatusClosed       SessionStatus = "CLOSED"
	SessionStatusFaulted      SessionStatus = "FAULTED"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusClosed || s == SessionStatusFaulted
}

// CommandState represents the execution state of a queued debugger command
type CommandState string

const (
	CommandStateQueued    CommandState = "QUEUED"
	CommandStateExecuting CommandState = "EXECUTING"
	CommandStateCompleted CommandState = "COMPLETED"
	CommandStateFailed    CommandState = "FAILED"
	CommandStateCancelled CommandState = "CANCELLED"
)

// Terminal reports whether the state admits no further transitions.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandStateCompleted, CommandStateFailed, CommandStateCancelled:
		return true
	}
	return false
}

// SessionInfo is the externally visible description of a session
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	DumpPath     string        `json:"dump_path"`
	SymbolsPath  string        `json:"symbols_path,omitempty"`
	Status       SessionStatus `json:"status"`
	ProcessID    int           `json:"process_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	QueuedCount  int           `json:"queued_count"`
}

// CommandRecordView is the externally visible snapshot of a command record.
// Output and Error are only populated once the command is terminal; Note
// carries the "not finished yet" annotation for budget-expired reads.
type CommandRecordView struct {
	SessionID   string       `json:"session_id"`
	CommandID   string       `json:"command_id"`
	Command     string       `json:"command"`
	State       CommandState `json:"state"`
	QueuedAt    time.Time    `json:"queued_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Output      string       `json:"output,omitempty"`
	Error       string       `json:"error,omitempty"`
	Note        string       `json:"note,omitempty"`
}
