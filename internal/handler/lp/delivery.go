package lp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/webitel/im-connection-manager/internal/service"
)

type LPHandler struct {
	deliverer service.Deliverer
}

func NewLPHandler(deliverer service.Deliverer) *LPHandler {
	return &LPHandler{
		deliverer: deliverer,
	}
}

// Poll handles the long-polling request.
// It holds the connection until an event arrives or timeout occurs.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	// 1. Extract Identity (UserID should be validated via middleware in production).
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	// 2. Temporary Subscription.
	// A connector that lives only for the duration of this HTTP request.
	conn, err := h.deliverer.Subscribe(r.Context(), userID, "", "", map[string]string{
		"transport": "long-poll",
	})
	if err != nil {
		http.Error(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	// Ensure cleanup: remove from registry when the request finishes.
	defer h.deliverer.Unsubscribe(conn.GetID())

	var frames []json.RawMessage

	recvCh := conn.Recv()

	// 3. Wait for data or timeout.
	select {
	case <-r.Context().Done():
		// Client disconnected.
		return

	case <-time.After(30 * time.Second):
		// Standard Long-Polling timeout to prevent hanging connections.
		w.WriteHeader(http.StatusNoContent)
		return

	case frame, ok := <-recvCh:
		if !ok {
			return
		}
		frames = append(frames, frame)

		// Drain remaining frames from the buffer to provide batching.
		// This minimizes the number of subsequent HTTP requests.
	drainLoop:
		for range 15 {
			select {
			case next, more := <-recvCh:
				if !more {
					break drainLoop
				}
				frames = append(frames, next)
			default:
				break drainLoop
			}
		}
	}

	// 4. Final transmission.
	data, err := json.Marshal(frames)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
