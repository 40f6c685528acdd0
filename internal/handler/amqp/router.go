package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/webitel/im-connection-manager/internal/adapter/pubsub"
	"github.com/webitel/im-connection-manager/internal/service"
	"go.uber.org/fx"
)

const (
	// ------------------- EXCHANGES (SOURCES) -------------------
	AgentEventsExchange  = "im_agent.events"
	SystemEventsExchange = "im_system.events"

	// ------------------- TOPICS (ROUTING KEYS) -----------------
	TopicToolCallStarted   = "im_agent.#.tool.call.started.v1"
	TopicToolCallCompleted = "im_agent.#.tool.call.completed.v1"
	TopicAgentLifecycle    = "im_agent.#.agent.lifecycle.v1"
	TopicUserNotice        = "im_system.#.user.notice.v1"

	// ------------------- QUEUES (CONSUMERS) --------------------
	DeliveryProcessorQueue = "im-connection-manager.incoming-processor.v1"
	DeliveryPoisonTopic    = "im-connection-manager.incoming-processor.v1.poison"
)

const (
	// handlerTimeout bounds one inbound event end to end. The worst case is
	// the dispatcher's full critical retry window (attempts x backoff, with a
	// write timeout per fan-out) plus the degraded notice, well under this
	// ceiling on default tuning.
	handlerTimeout = 10 * time.Second

	// inboundRatePerSec caps broker pull so a redelivery burst cannot
	// saturate the per-user send locks.
	inboundRatePerSec = 200
)

type EventHandler struct {
	dispatcher service.Dispatcher
	logger     *slog.Logger
	reporter   *pubsub.Reporter
}

func NewEventHandler(dispatcher service.Dispatcher, logger *slog.Logger, reporter *pubsub.Reporter) *EventHandler {
	return &EventHandler{dispatcher, logger, reporter}
}

func NewWatermillRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, logger)
}

// [REGISTRATION_PIPELINE]
func (h *EventHandler) RegisterHandlers(router *message.Router, subProvider *pubsub.SubscriberProvider) error {
	poison, err := middleware.PoisonQueue(h.reporter.Publisher(), DeliveryPoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name     string
		exchange string
		topic    string
		handler  message.NoPublishHandlerFunc
	}{
		{"ON_TOOL_CALL_STARTED", AgentEventsExchange, TopicToolCallStarted, Bind(h, h.OnToolCallStartedV1)},
		{"ON_TOOL_CALL_COMPLETED", AgentEventsExchange, TopicToolCallCompleted, Bind(h, h.OnToolCallCompletedV1)},
		{"ON_AGENT_LIFECYCLE", AgentEventsExchange, TopicAgentLifecycle, Bind(h, h.OnAgentLifecycleV1)},
		{"ON_USER_NOTICE", SystemEventsExchange, TopicUserNotice, Bind(h, h.OnUserNoticeV1)},
	}

	for _, c := range configs {
		instanceID := uuid.NewString()[:8]
		// [UNIQUE_HANDLER_QUEUE]
		// We create a unique queue for EACH handler on THIS node.
		// Format: im-connection-manager.incoming-processor.v1.b23a8f12.ON_TOOL_CALL_STARTED
		handlerQueue := fmt.Sprintf("%s.%s.%s", DeliveryProcessorQueue, instanceID, c.name)

		sub, err := subProvider.Build(handlerQueue, c.exchange, c.topic)
		if err != nil {
			return err
		}

		router.AddConsumerHandler(c.name, c.topic, sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.NewThrottle(inboundRatePerSec, time.Second).Middleware,
			middleware.Timeout(handlerTimeout),
		)
	}

	h.logger.Info("AMQP_PIPELINE_READY", "queue", DeliveryProcessorQueue)
	return nil
}

// RunRouter ties the router to the fx lifecycle.
func RunRouter(lc fx.Lifecycle, router *message.Router, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := router.Run(context.Background()); err != nil {
					logger.Error("AMQP_ROUTER_STOPPED", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return router.Close()
		},
	})
}
