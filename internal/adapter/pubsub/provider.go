// Package pubsub adapts the watermill AMQP transport for this service:
// subscriber/publisher construction against topic exchanges, plus the
// circuit-broken outbound reporter.
package pubsub

import (
	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/im-connection-manager/config"
)

type SubscriberProvider struct {
	url    string
	logger watermill.LoggerAdapter
}

func NewSubscriberProvider(cfg *config.Config, logger watermill.LoggerAdapter) *SubscriberProvider {
	return &SubscriberProvider{url: cfg.AMQP.URL, logger: logger}
}

// Build creates a subscriber bound to a durable topic exchange with its own
// queue, the routing pattern applied at bind time.
func (sp *SubscriberProvider) Build(queue, exchange, topic string) (message.Subscriber, error) {
	c := amqp.NewDurablePubSubConfig(sp.url, amqp.GenerateQueueNameConstant(queue))
	c.Exchange.GenerateName = func(string) string { return exchange }
	c.Exchange.Type = "topic"
	c.Exchange.Durable = true
	c.QueueBind.GenerateRoutingKey = func(t string) string { return t }
	return amqp.NewSubscriber(c, sp.logger)
}

type PublisherProvider struct {
	url    string
	logger watermill.LoggerAdapter
}

func NewPublisherProvider(cfg *config.Config, logger watermill.LoggerAdapter) *PublisherProvider {
	return &PublisherProvider{url: cfg.AMQP.URL, logger: logger}
}

// Build creates a publisher for a durable topic exchange; the watermill
// topic doubles as the routing key.
func (pp *PublisherProvider) Build(exchange string) (message.Publisher, error) {
	c := amqp.NewDurablePubSubConfig(pp.url, nil)
	c.Exchange.GenerateName = func(string) string { return exchange }
	c.Exchange.Type = "topic"
	c.Exchange.Durable = true
	c.Publish.GenerateRoutingKey = func(t string) string { return t }
	return amqp.NewPublisher(c, pp.logger)
}
