package cmd

import (
	"github.com/webitel/im-connection-manager/config"
	httpsrv "github.com/webitel/im-connection-manager/infra/server/http"
	"github.com/webitel/im-connection-manager/internal/domain/registry"
	amqphandler "github.com/webitel/im-connection-manager/internal/handler/amqp"
	"github.com/webitel/im-connection-manager/internal/service"
	"github.com/webitel/im-connection-manager/internal/supervisor"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	opts := []fx.Option{
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
		),
		fx.Invoke(SetupTracing),
		registry.Module,
		service.Module,
		supervisor.Module,
		httpsrv.Module,
	}

	// The AMQP pipeline is optional; transports and health surfaces work
	// without a broker.
	if cfg.AMQP.Enabled {
		opts = append(opts, amqphandler.Module)
	}

	return fx.New(opts...)
}
