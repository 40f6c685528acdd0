package amqp

import (
	"context"
)

// [ON_TOOL_CALL_STARTED]
// Critical path: tool invocations must reach the user with retry/recovery
// guarantees.
func (h *EventHandler) OnToolCallStartedV1(ctx context.Context, userID string, raw *AgentEventV1) error {
	return h.dispatchCritical(ctx, userID, raw, "tool_call_started")
}

// [ON_TOOL_CALL_COMPLETED]
func (h *EventHandler) OnToolCallCompletedV1(ctx context.Context, userID string, raw *AgentEventV1) error {
	return h.dispatchCritical(ctx, userID, raw, "tool_call_completed")
}

// [ON_AGENT_LIFECYCLE]
// agent_started / agent_thinking / agent_completed share one topic; the
// payload's own type tag picks the normalizer.
func (h *EventHandler) OnAgentLifecycleV1(ctx context.Context, userID string, raw *AgentEventV1) error {
	eventType := raw.Type
	if eventType == "" {
		eventType = "agent_started"
	}
	return h.dispatchCritical(ctx, userID, raw, eventType)
}

// [ON_USER_NOTICE]
// Non-critical: a single attempt, silently dropped when the user is away.
func (h *EventHandler) OnUserNoticeV1(ctx context.Context, userID string, raw *UserNoticeV1) error {
	if userID == "" {
		userID = raw.UserID
	}
	if userID == "" {
		h.logger.Warn("ROUTING_FAILED: recipient_missing")
		return nil // ACK: Invalid routing is a terminal state.
	}
	if err := h.dispatcher.SendToUser(ctx, userID, raw.Notice); err != nil {
		h.logger.Debug("NOTICE_DROPPED", "user_id", userID, "err", err)
	}
	return nil
}

func (h *EventHandler) dispatchCritical(ctx context.Context, userID string, raw *AgentEventV1, eventType string) error {
	if userID == "" {
		userID = raw.UserID
	}
	if userID == "" {
		h.logger.Warn("ROUTING_FAILED: recipient_missing", "event_id", raw.EventID)
		return nil // ACK: Invalid routing is a terminal state.
	}

	status, err := h.dispatcher.SendCritical(ctx, userID, eventType, raw.Fields())
	if err != nil {
		// Structural isolation violations are caller bugs, not retryable
		// infrastructure faults.
		h.logger.Error("DISPATCH_REJECTED", "event_id", raw.EventID, "err", err)
		return nil // ACK
	}

	// [RECEIPT] Best-effort outbound confirmation for audit consumers.
	h.reporter.PublishReceipt(ctx, userID, eventType, status.String())
	return nil
}
