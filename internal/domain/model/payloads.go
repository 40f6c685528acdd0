package model

import "time"

// ConnectedPayload is sent to the client right after a successful
// registration, confirming the identifiers the server assigned.
type ConnectedPayload struct {
	Ok           bool   `json:"ok"`
	ConnectionID string `json:"connection_id"`
}

// DisconnectedPayload is the notification sent before the server closes
// the stream.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"` // Optional: "SHUTDOWN", "EVICTED", "TIMEOUT"
}

// HubStats is the process-wide registry snapshot for operational endpoints.
type HubStats struct {
	TotalUsers       int           `json:"total_users"`
	TotalConnections int           `json:"total_connections"`
	Uptime           time.Duration `json:"uptime"`
}

// ConnectionDetail is the per-connection slice of a user health snapshot.
type ConnectionDetail struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	State     string    `json:"state"`
	Dropped   uint64    `json:"dropped_frames"`
}

// HealthSnapshot aggregates a single user's connection health.
type HealthSnapshot struct {
	UserID      string             `json:"user_id"`
	Total       int                `json:"total"`
	Active      int                `json:"active"`
	Connections []ConnectionDetail `json:"connections"`
}

// RecoveryEntry is one undeliverable message parked for replay.
//
// [OWNERSHIP] Exclusively owned by the per-user recovery queue; never
// shared across users.
type RecoveryEntry struct {
	UserID     string
	Payload    map[string]any
	Reason     string
	EnqueuedAt time.Time
	Attempts   int
	Exhausted  bool // retries consumed before queuing, as opposed to ordinary parking
}

// Queue reasons annotating recovery entries.
const (
	ReasonNoConnections    = "no_connections"
	ReasonWriteFailed      = "write_failed"
	ReasonRetriesExhausted = "retries_exhausted"
)

// DeliveryRecord is ephemeral bookkeeping kept only for diagnostics;
// it never outlives the process.
type DeliveryRecord struct {
	EventID   string         `json:"event_id"`
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
}
