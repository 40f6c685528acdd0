package amqp

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
)

// DomainHandler defines the functional signature for business logic.
type DomainHandler[T any] func(ctx context.Context, userID string, payload *T) error

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to domain logic, handling panic recovery,
// identification and dispatch.
func Bind[T any](h *EventHandler, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		// [PANIC_RECOVERY]
		// Safely handle runtime panics to keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		// [DECODING]
		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: Poison Pill protection.
		}

		// [IDENTIFICATION]
		// Recipient identity travels in metadata; listeners fall back to the
		// payload's own user_id. The connection manager queues for offline
		// users, so there is no locality filter here.
		userID := resolveUserID(msg)

		// [EXECUTION]
		// Domain logic with enriched context (TraceID).
		if err := fn(msg.Context(), userID, payload); err != nil {
			return err // NACK: Business failure triggers Retry policy.
		}
		return nil
	}
}

func resolveUserID(msg *message.Message) string {
	if uid := msg.Metadata.Get("x-user-id"); uid != "" {
		return uid
	}
	return msg.Metadata.Get("user_id")
}
