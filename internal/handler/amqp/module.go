package amqp

import (
	"github.com/ThreeDotsLabs/watermill/message"
	pubsubadapter "github.com/webitel/im-connection-manager/internal/adapter/pubsub"
	"github.com/webitel/im-connection-manager/internal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(

		pubsubadapter.NewPublisherProvider,
		pubsubadapter.NewSubscriberProvider,
		pubsubadapter.NewReporter,

		NewEventHandler,
		NewWatermillRouter,
	),

	fx.Invoke(
		// [MONITORING_SINK] Violation reports flow to the bus once it exists.
		func(guard *service.IsolationGuard, rep *pubsubadapter.Reporter) {
			guard.SetPublisher(rep)
		},
		func(h *EventHandler, router *message.Router, sp *pubsubadapter.SubscriberProvider) error {
			return h.RegisterHandlers(router, sp)
		},
		RunRouter,
	),
)
