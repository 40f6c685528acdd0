package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/im-connection-manager/internal/domain/model"
)

// dispatcherMiddleware implements [DECORATOR_PATTERN] to add observability
// to the delivery path without touching the state machine.
type dispatcherMiddleware struct {
	next   Dispatcher
	logger *slog.Logger
}

func (m *dispatcherMiddleware) SendCritical(ctx context.Context, userID, eventType string, fields map[string]any) (model.DeliveryStatus, error) {
	start := time.Now()

	status, err := m.next.SendCritical(ctx, userID, eventType, fields)

	// [OBSERVABILITY] Scoped logging for delivery auditing.
	if err != nil {
		m.logger.Error("CRITICAL_SEND_REJECTED",
			"user_id", userID,
			"event_type", eventType,
			"err", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		m.logger.Debug("CRITICAL_SEND_COMPLETED",
			"user_id", userID,
			"event_type", eventType,
			"status", status.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return status, err
}

func (m *dispatcherMiddleware) SendToUser(ctx context.Context, userID string, payload map[string]any) error {
	err := m.next.SendToUser(ctx, userID, payload)
	if err != nil && !model.IsIsolationViolation(err) {
		// Non-critical misses are expected; keep them off the error feed.
		m.logger.Debug("SEND_MISSED", "user_id", userID, "err", err)
	}
	return err
}

func (m *dispatcherMiddleware) Broadcast(ctx context.Context, payload map[string]any) {
	start := time.Now()
	m.next.Broadcast(ctx, payload)
	m.logger.Debug("BROADCAST_COMPLETED", "duration_ms", time.Since(start).Milliseconds())
}

func (m *dispatcherMiddleware) AddListener(fn DeliveryListener) { m.next.AddListener(fn) }

func (m *dispatcherMiddleware) RegisterNormalizer(eventType string, fn Normalizer) {
	m.next.RegisterNormalizer(eventType, fn)
}

func (m *dispatcherMiddleware) Records() []model.DeliveryRecord { return m.next.Records() }
