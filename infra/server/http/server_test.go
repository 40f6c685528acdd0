package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-connection-manager/config"
	"github.com/webitel/im-connection-manager/internal/domain/model"
	"github.com/webitel/im-connection-manager/internal/domain/registry"
	"github.com/webitel/im-connection-manager/internal/handler/lp"
	"github.com/webitel/im-connection-manager/internal/handler/ws"
	"github.com/webitel/im-connection-manager/internal/service"
	"github.com/webitel/im-connection-manager/internal/supervisor"
)

type healthFixture struct {
	reg      *registry.Registry
	guard    *service.IsolationGuard
	recorder *service.Recorder
	srv      *httptest.Server
}

func newHealthFixture(t *testing.T) healthFixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	reg := registry.New(logger)
	deliverer := service.NewSubscriptionService(reg, 16)
	guard := service.NewIsolationGuard(logger)
	recorder := service.NewRecorder(16)
	sup := supervisor.New(logger, supervisor.DefaultConfig())
	sup.Serve(context.Background())
	t.Cleanup(sup.Shutdown)

	s := NewServer(cfg, logger,
		ws.NewWSHandler(logger, deliverer, ws.NewHeaderAuthenticator()),
		lp.NewLPHandler(deliverer),
		reg, sup, guard, recorder,
	)
	srv := httptest.NewServer(s.srv.Handler)
	t.Cleanup(srv.Close)
	return healthFixture{reg: reg, guard: guard, recorder: recorder, srv: srv}
}

func getJSON(t *testing.T, url string, into any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestHealthzReportsSupervisorScore(t *testing.T) {
	f := newHealthFixture(t)

	var health supervisor.HealthStatus
	getJSON(t, f.srv.URL+"/healthz", &health)

	assert.True(t, health.Enabled)
	assert.Equal(t, 100, health.Score)
}

func TestHubStatsEndpoint(t *testing.T) {
	f := newHealthFixture(t)

	require.NoError(t, f.reg.Add(model.NewConnector(context.Background(), "u1", "c1", "", 8, nil)))

	var stats model.HubStats
	getJSON(t, f.srv.URL+"/health/hub", &stats)

	assert.Equal(t, 1, stats.TotalUsers)
	assert.Equal(t, 1, stats.TotalConnections)
}

func TestUserHealthEndpoint(t *testing.T) {
	f := newHealthFixture(t)

	require.NoError(t, f.reg.Add(model.NewConnector(context.Background(), "u1", "c1", "thread-9", 8, nil)))

	var snap model.HealthSnapshot
	getJSON(t, f.srv.URL+"/health/user/u1", &snap)

	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, 1, snap.Total)
	assert.Equal(t, 1, snap.Active)
	require.Len(t, snap.Connections, 1)
	assert.Equal(t, "thread-9", snap.Connections[0].ThreadID)
}

func TestUnknownUserHealthIsEmptyNotError(t *testing.T) {
	f := newHealthFixture(t)

	var snap model.HealthSnapshot
	getJSON(t, f.srv.URL+"/health/user/ghost", &snap)

	assert.Equal(t, "ghost", snap.UserID)
	assert.Zero(t, snap.Total)
}

func TestDeliveryTrailEndpoint(t *testing.T) {
	f := newHealthFixture(t)

	f.recorder.Add(model.DeliveryRecord{EventID: "ev-1", UserID: "u1", EventType: "agent_started", Status: model.StatusDelivered})
	f.recorder.Add(model.DeliveryRecord{EventID: "ev-2", UserID: "u2", EventType: "agent_started", Status: model.StatusFailed})

	var records []model.DeliveryRecord
	getJSON(t, f.srv.URL+"/health/deliveries/u1", &records)

	require.Len(t, records, 1)
	assert.Equal(t, "ev-1", records[0].EventID)
}

func TestViolationCountersEndpoint(t *testing.T) {
	f := newHealthFixture(t)

	f.guard.Heal("u1", map[string]any{"user_id": "intruder"})

	var counts map[string]uint64
	getJSON(t, f.srv.URL+"/health/violations", &counts)

	assert.Equal(t, uint64(1), counts["u1"])
}
