package lp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-connection-manager/internal/domain/registry"
	"github.com/webitel/im-connection-manager/internal/service"
)

func newLPFixture(t *testing.T) (*registry.Registry, *httptest.Server) {
	t.Helper()
	reg := registry.New(slog.New(slog.DiscardHandler))
	handler := NewLPHandler(service.NewSubscriptionService(reg, 16))

	r := chi.NewRouter()
	r.Get("/poll/{userID}", handler.Poll)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return reg, srv
}

// pushWhenSubscribed waits for the poll request to register its transient
// connection, then writes the given frames to it.
func pushWhenSubscribed(t *testing.T, reg *registry.Registry, userID string, frames ...string) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			conns := reg.Connections(userID)
			if len(conns) > 0 {
				for _, frame := range frames {
					if err := conns[0].Write([]byte(frame), time.Second); err != nil {
						t.Error(err)
					}
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("poll request never subscribed")
	}()
	return &wg
}

func TestPollReturnsBatchedFrames(t *testing.T) {
	reg, srv := newLPFixture(t)

	wg := pushWhenSubscribed(t, reg, "u1",
		`{"type":"tool_call_started","seq":1}`,
		`{"type":"tool_call_completed","seq":2}`,
	)
	defer wg.Wait()

	resp, err := http.Get(srv.URL + "/poll/u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var frames []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frames))
	require.NotEmpty(t, frames)
	assert.Equal(t, "tool_call_started", frames[0]["type"])
}

func TestPollRejectsMissingUserID(t *testing.T) {
	reg := registry.New(slog.New(slog.DiscardHandler))
	handler := NewLPHandler(service.NewSubscriptionService(reg, 16))

	// No route parameter resolves: the handler must refuse before touching
	// the registry.
	w := httptest.NewRecorder()
	handler.Poll(w, httptest.NewRequest(http.MethodGet, "/poll/", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, reg.ActiveUsers())
}

func TestPollCleansUpTransientConnection(t *testing.T) {
	reg, srv := newLPFixture(t)

	wg := pushWhenSubscribed(t, reg, "u1", `{"type":"x"}`)
	defer wg.Wait()

	resp, err := http.Get(srv.URL + "/poll/u1")
	require.NoError(t, err)
	resp.Body.Close()

	// Unsubscribe runs on the way out of the handler.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(reg.UserConnections("u1")) > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Empty(t, reg.UserConnections("u1"))
}
