package registry

import (
	"context"
	"log/slog"

	"github.com/webitel/im-connection-manager/config"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) *Registry {
			return New(logger,
				WithDrainTimeout(cfg.Recovery.DrainTimeout),
			)
		},
		func(r *Registry) Registrar { return r },
	),
	fx.Invoke(func(lc fx.Lifecycle, r *Registry) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				r.Shutdown() // [GRACEFUL_SHUTDOWN] Close every live transport
				return nil
			},
		})
	}),
)
