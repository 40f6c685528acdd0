// Package http hosts the transport endpoints and the operational health
// surface. The connection manager itself only produces plain maps; this
// server is the collaborator that serializes them.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/im-connection-manager/config"
	"github.com/webitel/im-connection-manager/internal/domain/registry"
	"github.com/webitel/im-connection-manager/internal/handler/lp"
	"github.com/webitel/im-connection-manager/internal/handler/ws"
	"github.com/webitel/im-connection-manager/internal/service"
	"github.com/webitel/im-connection-manager/internal/supervisor"
	"go.uber.org/fx"
)

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(
	cfg *config.Config,
	logger *slog.Logger,
	wsHandler *ws.WSHandler,
	lpHandler *lp.LPHandler,
	reg registry.Registrar,
	sup *supervisor.Supervisor,
	guard *service.IsolationGuard,
	recorder *service.Recorder,
) *Server {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Handle("/ws", wsHandler)
	r.Get("/poll/{userID}", lpHandler.Poll)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, sup.HealthStatus())
	})
	r.Get("/health/hub", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, reg.Stats())
	})
	r.Get("/health/user/{userID}", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, reg.HealthSnapshot(chi.URLParam(req, "userID")))
	})
	r.Get("/health/violations", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, guard.Violations())
	})
	r.Get("/health/deliveries/{userID}", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, recorder.ForUser(chi.URLParam(req, "userID")))
	})

	return &Server{
		srv: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var Module = fx.Module("http-server",
	fx.Provide(
		ws.NewHeaderAuthenticator,
		func(a *ws.HeaderAuthenticator) ws.Authenticator { return a },
		ws.NewWSHandler,
		lp.NewLPHandler,
		NewServer,
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						s.logger.Error("HTTP_SERVER_STOPPED", "err", err)
					}
				}()
				s.logger.Info("HTTP_SERVER_LISTENING", "addr", s.srv.Addr)
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return s.srv.Shutdown(ctx)
			},
		})
	}),
)
