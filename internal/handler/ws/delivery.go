package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/webitel/im-connection-manager/internal/domain/model"
	"github.com/webitel/im-connection-manager/internal/service"
)

// Authenticator resolves a validated user identity from the request.
// Token validation itself is an external collaborator; this subsystem only
// consumes the result.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// System frames share the dispatcher's flat wire shape: reserved keys at
// the top level, payload fields spread beside them via embedding.
type connectedFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	model.ConnectedPayload
}

type disconnectedFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	model.DisconnectedPayload
}

type WSHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	auth      Authenticator
	upgrader  websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, deliverer service.Deliverer, auth Authenticator) *WSHandler {
	return &WSHandler{
		logger:    logger,
		deliverer: deliverer,
		auth:      auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. EXTRACT USER ID
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// 2. UPGRADE TO WEBSOCKET
	wsc, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer wsc.Close()

	// 3. SUBSCRIBE VIA THE DELIVERY SERVICE
	conn, err := h.deliverer.Subscribe(r.Context(), userID,
		r.URL.Query().Get("connection_id"),
		r.URL.Query().Get("thread_id"),
		map[string]string{
			"remote_ip":  r.RemoteAddr,
			"user_agent": r.UserAgent(),
		},
	)
	if err != nil {
		// The connection is already hijacked; a close frame is the only way
		// to tell the client.
		h.logger.Error("ws subscribe failed", "user_id", userID, "error", err)
		_ = wsc.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscribe failed"))
		return
	}
	defer h.deliverer.Unsubscribe(conn.GetID())

	h.logger.Info("ws opened", "user_id", userID, "conn_id", conn.GetID())

	// 4. CONFIRMATION FRAME
	hello, _ := json.Marshal(connectedFrame{
		Type:      model.EventConnected,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		ConnectedPayload: model.ConnectedPayload{
			Ok:           true,
			ConnectionID: conn.GetID(),
		},
	})
	if err := wsc.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	// 5. READER SIDE: we only consume control frames; a read error means
	// the client is gone and the pump below must stop.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := wsc.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// 6. MAIN WS PUMP LOOP
	recvCh := conn.Recv()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-clientGone:
			return
		case frame, ok := <-recvCh:
			if !ok {
				// Server-initiated close: flush a final notice.
				goodbye, _ := json.Marshal(disconnectedFrame{
					Type:      model.EventDisconnected,
					Timestamp: time.Now().Format(time.RFC3339Nano),
					DisconnectedPayload: model.DisconnectedPayload{
						Reason: "closed",
					},
				})
				_ = wsc.WriteMessage(websocket.TextMessage, goodbye)
				return
			}
			if err := wsc.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Warn("ws send failed", "error", err)
				return
			}
		}
	}
}
