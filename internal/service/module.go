package service

import (
	"log/slog"

	"github.com/webitel/im-connection-manager/config"
	"github.com/webitel/im-connection-manager/internal/domain/codec"
	"github.com/webitel/im-connection-manager/internal/domain/recovery"
	"github.com/webitel/im-connection-manager/internal/domain/registry"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		codec.New,

		func(cfg *config.Config, logger *slog.Logger) *recovery.Queue {
			return recovery.NewQueue(cfg.Recovery.Capacity, cfg.Recovery.MaxAttempts, logger)
		},

		NewIsolationGuard,

		func(cfg *config.Config) *Recorder {
			return NewRecorder(cfg.Hub.RecordCapacity)
		},

		func(
			cfg *config.Config,
			reg registry.Registrar,
			queue *recovery.Queue,
			cdc *codec.Codec,
			guard *IsolationGuard,
			recorder *Recorder,
			logger *slog.Logger,
		) *EventDispatcher {
			return NewEventDispatcher(
				reg, queue, cdc, guard, recorder,
				RetryPolicy{
					MaxAttempts: cfg.Retry.MaxAttempts,
					Backoff:     cfg.Retry.Backoff,
				},
				logger,
				WithWriteTimeout(cfg.Transport.WriteTimeout),
				WithTransientPrefixes(cfg.Hub.TransientPrefixes),
			)
		},
		// [DECORATION_LAYER] Every Dispatcher consumer sees the logging
		// decorator; the raw *EventDispatcher stays available for the
		// registry back-edge below.
		func(d *EventDispatcher, logger *slog.Logger) Dispatcher {
			return &dispatcherMiddleware{next: d, logger: logger}
		},

		func(cfg *config.Config, reg registry.Registrar) *SubscriptionService {
			return NewSubscriptionService(reg, cfg.Hub.MailboxSize)
		},
		func(s *SubscriptionService) Deliverer { return s },
	),

	// [BACK_EDGE] The registry drains recovery queues through the
	// dispatcher; attached post-construction to break the cycle.
	fx.Invoke(func(reg *registry.Registry, d *EventDispatcher) {
		reg.SetDrainTrigger(d)
	}),

	// [HOT_RELOAD] Retry tuning follows config file edits without a restart.
	fx.Invoke(func(cfg *config.Config, d *EventDispatcher) {
		cfg.OnReload(func(c *config.Config) {
			retry := c.RetrySnapshot()
			d.SetRetryPolicy(RetryPolicy{
				MaxAttempts: retry.MaxAttempts,
				Backoff:     retry.Backoff,
			})
		})
	}),
)
