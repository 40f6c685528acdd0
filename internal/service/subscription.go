package service

import (
	"context"

	"github.com/webitel/im-connection-manager/internal/domain/model"
)

// [DELIVERY_SERVICE] PRIMARY INTERFACE FOR TRANSPORT HANDLERS (WebSocket/Long-Poll)
type Deliverer interface {
	Subscribe(ctx context.Context, userID, connID, threadID string, metadata map[string]string) (model.Connector, error)
	Unsubscribe(connID string)
}

// RegistryAPI is the slice of the registry the subscription service needs.
type RegistryAPI interface {
	Add(conn model.Connector) error
	Remove(connID string)
}

// [IMPLEMENTATION] PRIVATE TO ENFORCE INTERFACE USAGE
type SubscriptionService struct {
	registry   RegistryAPI
	bufferSize int
}

// NewSubscriptionService returns a production-ready instance of the service.
func NewSubscriptionService(registry RegistryAPI, bufferSize int) *SubscriptionService {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &SubscriptionService{
		registry:   registry,
		bufferSize: bufferSize,
	}
}

// Subscribe creates a connector and registers it. The caller owns pumping
// frames from Recv() to its transport; registration triggers any pending
// recovery drain out-of-band.
func (s *SubscriptionService) Subscribe(ctx context.Context, userID, connID, threadID string, metadata map[string]string) (model.Connector, error) {
	// [STRATEGY] Buffer size could vary by platform or user priority from
	// metadata; one size serves all transports for now.
	conn := model.NewConnector(ctx, userID, connID, threadID, s.bufferSize, metadata)

	if err := s.registry.Add(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Unsubscribe tears the session down. Registry removal is idempotent, so
// racing a dead-connection sweep is harmless.
func (s *SubscriptionService) Unsubscribe(connID string) {
	s.registry.Remove(connID)
}
