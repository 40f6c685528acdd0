package model

// ConnState describes the transport-level lifecycle of a session.
// Its symbolic names surface in diagnostic payloads, where the codec
// renders them as lowercase strings ("connected", "closing", "closed").
type ConnState int16

const (
	StateConnected ConnState = iota + 1
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DeliveryStatus is the terminal outcome of one critical-event send call.
//
// [EXPLICIT_CONTROL_FLOW] Status values replace exceptions for expected
// outcomes; real errors are reserved for caller bugs (invalid input,
// isolation violations).
type DeliveryStatus int16

const (
	StatusDelivered DeliveryStatus = iota + 1 // at least one connection accepted the frame
	StatusQueued                              // no live connections, parked in the recovery queue
	StatusFailed                              // retries exhausted, parked with the exhausted flag
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusQueued:
		return "queued"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reserved top-level keys of the wire frame. Business fields are spread
// beside them at the top level, never nested under a "data" key. The flat
// shape is a fixed contract with downstream consumers.
const (
	FieldType      = "type"
	FieldTimestamp = "timestamp"
	FieldCritical  = "critical"
	FieldAttempt   = "attempt"
)

// Well-known system event types emitted by this service itself.
const (
	EventConnected          = "connected"
	EventDisconnected       = "disconnected"
	EventConnectionDegraded = "connection_degraded"
)
