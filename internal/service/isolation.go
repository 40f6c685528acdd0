package service

import (
	"log/slog"
	"regexp"
	"sync"
)

// userIDKeyPattern matches top-level field names that conventionally carry
// a user identity ("user_id", "owner_id", "recipient_id", "userid", ...).
var userIDKeyPattern = regexp.MustCompile(`(?i)^(user|owner|recipient|target_user)_?id$`)

// ViolationPublisher surfaces contamination events for monitoring.
// Best-effort: a failed publish degrades to a log line.
type ViolationPublisher interface {
	PublishViolation(userID, field string, observed any) error
}

// IsolationGuard is the defense-in-depth check that outbound events are not
// cross-contaminated with another user's identifiers.
//
// Field-level contamination (a stray identifier inside a payload) is common
// and recoverable: it is self-healed and counted, never raised. Structural
// contamination (a bound dispatcher targeting the wrong user) indicates a
// programming bug and fails loudly with IsolationViolationError; that check
// lives in the dispatcher itself.
type IsolationGuard struct {
	mu         sync.Mutex
	violations map[string]uint64

	publisher ViolationPublisher
	logger    *slog.Logger
}

func NewIsolationGuard(logger *slog.Logger) *IsolationGuard {
	return &IsolationGuard{
		violations: make(map[string]uint64),
		logger:     logger,
	}
}

// SetPublisher attaches the monitoring sink. Optional; without it
// violations are only logged and counted.
func (g *IsolationGuard) SetPublisher(p ViolationPublisher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.publisher = p
}

// Heal scans the frame's top-level fields for user-identifier-like keys and
// substitutes the declared target identity wherever they disagree.
// Delivery continues with the corrected payload; the violation is counted
// and surfaced for monitoring. Returns the number of healed fields.
func (g *IsolationGuard) Heal(targetUserID string, frame map[string]any) int {
	healed := 0
	for key, value := range frame {
		if !userIDKeyPattern.MatchString(key) {
			continue
		}
		observed, ok := value.(string)
		if !ok || observed == "" || observed == targetUserID {
			continue
		}

		frame[key] = targetUserID
		healed++

		g.mu.Lock()
		g.violations[targetUserID]++
		count := g.violations[targetUserID]
		publisher := g.publisher
		g.mu.Unlock()

		g.logger.Warn("ISOLATION_FIELD_HEALED",
			"target_user_id", targetUserID,
			"field", key,
			"observed", observed,
			"violations", count,
		)

		if publisher != nil {
			if err := publisher.PublishViolation(targetUserID, key, observed); err != nil {
				g.logger.Debug("VIOLATION_REPORT_SKIPPED", "err", err)
			}
		}
	}
	return healed
}

// Violations returns a copy of the per-user violation counters.
func (g *IsolationGuard) Violations() map[string]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]uint64, len(g.violations))
	for k, v := range g.violations {
		out[k] = v
	}
	return out
}
