package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/events/bus"
)

// Notifier publishes typed notifications on the event bus. Publication is
// best-effort: a bus failure is logged and never propagated to the pipeline.
type Notifier struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewNotifier creates a Notifier on top of an event bus.
func NewNotifier(b bus.EventBus, log *logger.Logger) *Notifier {
	return &Notifier{
		bus:    b,
		logger: log.WithFields(zap.String("component", "notifier")),
	}
}

// CommandStatus publishes a command state transition for its session.
func (n *Notifier) CommandStatus(ctx context.Context, cs CommandStatus) {
	data := map[string]interface{}{
		"command_id":   cs.CommandID,
		"session_id":   cs.SessionID,
		"command_text": cs.CommandText,
		"status":       cs.Status,
		"timestamp":    cs.Timestamp,
	}
	if cs.Progress > 0 {
		data["progress"] = cs.Progress
	}
	if cs.Message != "" {
		data["message"] = cs.Message
	}
	if cs.Result != "" {
		data["result"] = cs.Result
	}
	if cs.Error != "" {
		data["error"] = cs.Error
	}
	n.publish(ctx, CommandStatusSubject(cs.SessionID), TypeCommandStatus, data)
}

// SessionEvent publishes a session lifecycle transition.
func (n *Notifier) SessionEvent(ctx context.Context, se SessionEvent) {
	data := map[string]interface{}{
		"session_id":  se.SessionID,
		"event":       se.Event,
		"description": se.Description,
		"timestamp":   se.Timestamp,
	}
	if len(se.Context) > 0 {
		snapshot := make(map[string]interface{}, len(se.Context))
		for k, v := range se.Context {
			snapshot[k] = v
		}
		data["context"] = snapshot
	}
	n.publish(ctx, SubjectSessionLifecycle, TypeSessionEvent, data)
}

// RecoveryEvent publishes one step of a recovery attempt.
func (n *Notifier) RecoveryEvent(ctx context.Context, re RecoveryEvent) {
	data := map[string]interface{}{
		"session_id": re.SessionID,
		"step":       re.Step,
		"success":    re.Success,
		"reason":     re.Reason,
		"timestamp":  re.Timestamp,
	}
	n.publish(ctx, RecoverySubject(re.SessionID), TypeRecoveryEvent, data)
}

func (n *Notifier) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if n == nil || n.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session-supervisor", data)
	if err := n.bus.Publish(ctx, subject, event); err != nil {
		n.logger.Error("failed to publish notification",
			zap.String("subject", subject),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
