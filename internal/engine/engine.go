// Package engine exposes the session supervisor as one façade used by every
// transport: HTTP handlers, the MCP server, and tests.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/crashdbg/crashdbg/internal/common/errors"
	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/session"
	v1 "github.com/crashdbg/crashdbg/pkg/api/v1"
)

// unfinishedNote annotates reads that returned before the command finished.
const unfinishedNote = "command has not finished yet; this is a point-in-time snapshot"

// Engine is the service façade over the session manager.
type Engine struct {
	manager *session.Manager
	logger  *logger.Logger
}

// New creates the engine façade.
func New(manager *session.Manager, log *logger.Logger) *Engine {
	return &Engine{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "engine")),
	}
}

// CreateSession opens a dump in a new debugging session and returns its info
// once the session is ready for commands.
func (e *Engine) CreateSession(ctx context.Context, dumpPath, symbolsPath string) (v1.SessionInfo, error) {
	sess, err := e.manager.Create(ctx, dumpPath, symbolsPath)
	if err != nil {
		return v1.SessionInfo{}, err
	}
	return sess.Info(), nil
}

// CloseSession tears down a session. Idempotent.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	return e.manager.Close(ctx, sessionID)
}

// ListSessions returns every live session, oldest first.
func (e *Engine) ListSessions(ctx context.Context) []v1.SessionInfo {
	return e.manager.List()
}

// GetSession returns one session's info.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (v1.SessionInfo, error) {
	sess, err := e.manager.Get(sessionID)
	if err != nil {
		return v1.SessionInfo{}, err
	}
	return sess.Info(), nil
}

// SessionExists reports whether a session ID is known.
func (e *Engine) SessionExists(sessionID string) bool {
	return e.manager.Exists(sessionID)
}

// RunCommand validates and enqueues a command, returning the minted command
// ID immediately. A session still initializing accepts commands; they run
// once it goes active.
func (e *Engine) RunCommand(ctx context.Context, sessionID, commandText string) (string, error) {
	if err := session.ValidateCommand(commandText); err != nil {
		return "", err
	}
	sess, err := e.manager.Get(sessionID)
	if err != nil {
		return "", err
	}
	if !sess.AcceptingCommands() {
		return "", apperrors.SessionNotActive(sessionID, string(sess.Status()))
	}

	rec, err := sess.Queue().Enqueue(ctx, commandText)
	if err != nil {
		return "", err
	}
	sess.Touch()
	return rec.CommandID(), nil
}

// ListCommands returns every known command of a session, oldest first.
func (e *Engine) ListCommands(ctx context.Context, sessionID string) ([]v1.CommandRecordView, error) {
	sess, err := e.manager.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Touch()
	return sess.Queue().Views(), nil
}

// CancelCommand cancels one command. Returns false when the command was
// already terminal or unknown to the session.
func (e *Engine) CancelCommand(ctx context.Context, sessionID, commandID, reason string) (bool, error) {
	sess, err := e.manager.Get(sessionID)
	if err != nil {
		return false, err
	}
	sess.Touch()
	return sess.Queue().Cancel(ctx, commandID, reason), nil
}

// ReadCommandResult returns a command's record, waiting up to maxWait for it
// to finish. A zero maxWait reads immediately. When the budget expires before
// completion the current state is returned with an explanatory note.
func (e *Engine) ReadCommandResult(ctx context.Context, sessionID, commandID string, maxWait time.Duration) (v1.CommandRecordView, error) {
	sess, err := e.manager.Get(sessionID)
	if err != nil {
		return v1.CommandRecordView{}, err
	}
	sess.Touch()

	rec, ok := sess.Queue().Get(commandID)
	if !ok {
		return v1.CommandRecordView{}, apperrors.NotFound("command", commandID)
	}

	if maxWait > 0 && !rec.State().Terminal() {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		select {
		case <-rec.Done():
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	view := rec.View()
	if !view.State.Terminal() {
		view.Note = unfinishedNote
	}
	return view, nil
}
