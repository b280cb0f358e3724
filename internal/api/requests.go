// Package api provides the HTTP surface of the crashdbg server.
package api

// CreateSessionRequest opens a crash dump in a new session.
type CreateSessionRequest struct {
	DumpPath    string `json:"dump_path" binding:"required"`
	SymbolsPath string `json:"symbols_path"`
}

// RunCommandRequest enqueues one debugger command.
type RunCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// CancelCommandRequest cancels a queued or executing command.
type CancelCommandRequest struct {
	Reason string `json:"reason"`
}

// RunCommandResponse acknowledges an enqueued command.
type RunCommandResponse struct {
	SessionID string `json:"session_id"`
	CommandID string `json:"command_id"`
	State     string `json:"state"`
}

// CancelCommandResponse reports a cancellation outcome.
type CancelCommandResponse struct {
	CommandID string `json:"command_id"`
	Cancelled bool   `json:"cancelled"`
}
