package registry

import "time"

// Option defines a functional configuration type for the Registry.
type Option func(*Registry)

// WithDrainTimeout bounds the recovery-queue drain triggered by Add.
// On timeout the drain is abandoned; entries stay parked for the next
// opportunity.
func WithDrainTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.drainTimeout = d
		}
	}
}
