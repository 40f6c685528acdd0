package model

import (
	"errors"
	"fmt"
)

// ErrInvalidConnection marks a malformed registration attempt (empty user or
// connection identifier). Surfaced synchronously, never retried.
var ErrInvalidConnection = errors.New("invalid connection: empty identifier")

// Transport-level write outcomes. Caught per-connection by the dispatcher;
// they never propagate out of a fan-out loop.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout: session buffer saturated")
)

// IsolationViolationError reports a structural cross-user contamination:
// a dispatcher bound to one user asked to build an event for another.
// This is a programming bug in the caller and fails loudly, unlike
// field-level contamination which is self-healed and only counted.
type IsolationViolationError struct {
	BoundUserID  string
	TargetUserID string
}

func (e *IsolationViolationError) Error() string {
	return fmt.Sprintf("isolation violation: dispatcher bound to %q asked to send to %q",
		e.BoundUserID, e.TargetUserID)
}

// IsIsolationViolation reports whether err is (or wraps) a structural
// isolation violation.
func IsIsolationViolation(err error) bool {
	var target *IsolationViolationError
	return errors.As(err, &target)
}
