package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker"
)

const (
	ReportsExchange = "im_conn.reports"

	TopicViolations = "im_conn.reports.violation.v1"
	TopicReceipts   = "im_conn.reports.receipt.v1"
)

// Reporter publishes monitoring artifacts (isolation-violation reports,
// delivery receipts) to the bus.
//
// [RESILIENCE] The broker is a side-effect sink, never a dependency of the
// delivery path: publishing runs behind a circuit breaker and an open
// circuit degrades to a log line.
type Reporter struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

func NewReporter(pp *PublisherProvider, logger *slog.Logger) (*Reporter, error) {
	pub, err := pp.Build(ReportsExchange)
	if err != nil {
		return nil, fmt.Errorf("reports publisher: %w", err)
	}
	return &Reporter{
		publisher: pub,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "reports-publisher",
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger,
	}, nil
}

// Publisher exposes the raw publisher for infrastructure middleware
// (poison queue).
func (r *Reporter) Publisher() message.Publisher {
	return r.publisher
}

// PublishViolation implements the isolation guard's monitoring hook.
func (r *Reporter) PublishViolation(userID, field string, observed any) error {
	return r.publish(context.Background(), TopicViolations, map[string]any{
		"user_id":  userID,
		"field":    field,
		"observed": fmt.Sprintf("%v", observed),
		"at":       time.Now().Format(time.RFC3339Nano),
	})
}

// PublishReceipt emits a best-effort delivery confirmation for audit
// consumers. Failures degrade to a debug log.
func (r *Reporter) PublishReceipt(ctx context.Context, userID, eventType, status string) {
	err := r.publish(ctx, TopicReceipts, map[string]any{
		"user_id":    userID,
		"event_type": eventType,
		"status":     status,
		"at":         time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		r.logger.Debug("RECEIPT_SKIPPED", "user_id", userID, "err", err)
	}
}

func (r *Reporter) publish(ctx context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("reporter: marshal failure: %w", err)
	}

	_, err = r.breaker.Execute(func() (any, error) {
		msg := message.NewMessage(watermill.NewUUID(), data)
		msg.SetContext(ctx)
		return nil, r.publisher.Publish(topic, msg)
	})
	if err != nil {
		return fmt.Errorf("reporter: publish to %s: %w", topic, err)
	}
	return nil
}
