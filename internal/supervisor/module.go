package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/im-connection-manager/config"
	"github.com/webitel/im-connection-manager/internal/domain/registry"
	"go.uber.org/fx"
)

var Module = fx.Module("supervisor",
	fx.Provide(
		func(logger *slog.Logger) *Supervisor {
			return New(logger, DefaultConfig())
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Supervisor, cfg *config.Config, reg *registry.Registry) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				s.Serve(context.Background())
				// [STANDING_TASK] Periodic stale-connection sweep.
				return s.Start("stale-connection-sweep", func(ctx context.Context) error {
					ticker := time.NewTicker(cfg.Hub.SweepInterval)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return ctx.Err()
						case <-ticker.C:
							reg.Sweep(ctx)
						}
					}
				})
			},
			OnStop: func(ctx context.Context) error {
				s.Shutdown()
				return nil
			},
		})
	}),
)
