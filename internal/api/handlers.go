package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crashdbg/crashdbg/internal/common/errors"
	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/engine"
	v1 "github.com/crashdbg/crashdbg/pkg/api/v1"
)

// maxReadWait caps the read-with-wait budget a client may request.
const maxReadWait = 10 * time.Minute

// Handler contains HTTP handlers for the session API
type Handler struct {
	engine *engine.Engine
	logger *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(eng *engine.Engine, log *logger.Logger) *Handler {
	return &Handler{
		engine: eng,
		logger: log,
	}
}

// writeError renders any error as the standard error envelope.
func (h *Handler) writeError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("unexpected error", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}

// CreateSession opens a dump in a new debugging session
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}

	info, err := h.engine.CreateSession(c.Request.Context(), req.DumpPath, req.SymbolsPath)
	if err != nil {
		h.logger.Error("failed to create session",
			zap.String("dump_path", req.DumpPath), zap.Error(err))
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, info)
}

// ListSessions returns every live session
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	infos := h.engine.ListSessions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"sessions": infos, "count": len(infos)})
}

// GetSession returns one session
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	info, err := h.engine.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// CloseSession tears down a session; idempotent
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) CloseSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.engine.CloseSession(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("failed to close session",
			zap.String("session_id", sessionID), zap.Error(err))
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": string(v1.SessionStatusClosed)})
}

// RunCommand enqueues a debugger command and returns its ID immediately
// POST /api/v1/sessions/:sessionId/commands
func (h *Handler) RunCommand(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req RunCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, errors.BadRequest(err.Error()))
		return
	}

	commandID, err := h.engine.RunCommand(c.Request.Context(), sessionID, req.Command)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, RunCommandResponse{
		SessionID: sessionID,
		CommandID: commandID,
		State:     string(v1.CommandStateQueued),
	})
}

// ListCommands returns every known command of a session
// GET /api/v1/sessions/:sessionId/commands
func (h *Handler) ListCommands(c *gin.Context) {
	views, err := h.engine.ListCommands(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": views, "count": len(views)})
}

// ReadCommandResult returns a command record, optionally waiting for it to
// finish (?max_wait_seconds=N, 0 reads immediately)
// GET /api/v1/sessions/:sessionId/commands/:commandId
func (h *Handler) ReadCommandResult(c *gin.Context) {
	maxWait := time.Duration(0)
	if raw := c.Query("max_wait_seconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			h.writeError(c, errors.BadRequest("max_wait_seconds must be a non-negative integer"))
			return
		}
		maxWait = time.Duration(seconds) * time.Second
		if maxWait > maxReadWait {
			maxWait = maxReadWait
		}
	}

	view, err := h.engine.ReadCommandResult(c.Request.Context(),
		c.Param("sessionId"), c.Param("commandId"), maxWait)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CancelCommand cancels one command
// POST /api/v1/sessions/:sessionId/commands/:commandId/cancel
func (h *Handler) CancelCommand(c *gin.Context) {
	var req CancelCommandRequest
	// Body is optional; a missing body means no reason.
	_ = c.ShouldBindJSON(&req)

	commandID := c.Param("commandId")
	cancelled, err := h.engine.CancelCommand(c.Request.Context(),
		c.Param("sessionId"), commandID, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CancelCommandResponse{CommandID: commandID, Cancelled: cancelled})
}

// Health reports liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
