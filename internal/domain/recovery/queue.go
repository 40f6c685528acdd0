// Package recovery holds undeliverable messages in per-user bounded FIFO
// buffers until a connection for the user becomes available again.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/im-connection-manager/internal/domain/model"
)

const (
	DefaultCapacity    = 256
	DefaultMaxAttempts = 5
)

// RedeliverFunc attempts one redelivery of a parked entry. Returning false
// re-enqueues the entry with an incremented attempt counter.
type RedeliverFunc func(ctx context.Context, entry *model.RecoveryEntry) bool

// Queue is the per-user recovery buffer.
//
// [PARTITIONING] Entries are keyed per-user and mutated only under that
// user's lock, so drains for different users never contend.
type Queue struct {
	capacity    int // per-user cap, oldest entry evicted on overflow
	maxAttempts int // entries past this many failed replays are dropped

	mu      sync.RWMutex
	entries map[string][]*model.RecoveryEntry

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex

	logger *slog.Logger
}

func NewQueue(capacity, maxAttempts int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		capacity:    capacity,
		maxAttempts: maxAttempts,
		entries:     make(map[string][]*model.RecoveryEntry),
		userLocks:   make(map[string]*sync.Mutex),
		logger:      logger,
	}
}

// userLock returns the lazily created per-user mutex.
func (q *Queue) userLock(userID string) *sync.Mutex {
	q.lockMu.Lock()
	defer q.lockMu.Unlock()
	l, ok := q.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		q.userLocks[userID] = l
	}
	return l
}

// Enqueue parks a payload for later replay, annotated with the enqueue time
// and failure reason. At capacity the oldest entry is evicted.
func (q *Queue) Enqueue(userID string, payload map[string]any, reason string) {
	q.enqueue(&model.RecoveryEntry{
		UserID:     userID,
		Payload:    payload,
		Reason:     reason,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueExhausted parks a payload whose retry window was fully consumed.
func (q *Queue) EnqueueExhausted(userID string, payload map[string]any, attempts int) {
	q.enqueue(&model.RecoveryEntry{
		UserID:     userID,
		Payload:    payload,
		Reason:     model.ReasonRetriesExhausted,
		EnqueuedAt: time.Now(),
		Attempts:   attempts,
		Exhausted:  true,
	})
}

func (q *Queue) enqueue(entry *model.RecoveryEntry) {
	lock := q.userLock(entry.UserID)
	lock.Lock()
	defer lock.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.entries[entry.UserID]
	if len(list) >= q.capacity {
		// [BOUNDED_GROWTH] Oldest-entry eviction under sustained disconnect.
		evicted := list[0]
		list = list[1:]
		q.logger.Warn("RECOVERY_EVICTED",
			"user_id", entry.UserID,
			"reason", evicted.Reason,
			"age", time.Since(evicted.EnqueuedAt).String(),
		)
	}
	q.entries[entry.UserID] = append(list, entry)
}

// Len reports the number of parked entries for a user.
func (q *Queue) Len(userID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries[userID])
}

// Users lists the users that currently have parked entries.
func (q *Queue) Users() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.entries))
	for u := range q.entries {
		out = append(out, u)
	}
	return out
}

// Drain atomically takes every parked entry for the user and attempts
// redelivery. Entries that fail are re-enqueued with an incremented attempt
// counter; entries not yet processed when ctx fires stay parked for a
// future drain, not dropped. Returns the number of attempted replays.
//
// Safe to call concurrently with Enqueue for the same user: the whole list
// is taken in one atomic swap under the per-user lock, so no entry is lost
// or duplicated across the race.
func (q *Queue) Drain(ctx context.Context, userID string, redeliver RedeliverFunc) int {
	lock := q.userLock(userID)
	lock.Lock()
	q.mu.Lock()
	taken := q.entries[userID]
	delete(q.entries, userID)
	q.mu.Unlock()
	lock.Unlock()

	if len(taken) == 0 {
		return 0
	}

	attempted := 0
	for i, entry := range taken {
		select {
		case <-ctx.Done():
			// [TIMEOUT] Abandon the drain; the remainder stays parked.
			q.requeue(taken[i:])
			return attempted
		default:
		}

		attempted++
		if redeliver(ctx, entry) {
			continue // consumed
		}

		entry.Attempts++
		if entry.Attempts >= q.maxAttempts {
			q.logger.Warn("RECOVERY_DROPPED",
				"user_id", userID,
				"attempts", entry.Attempts,
				"reason", entry.Reason,
			)
			continue
		}
		q.requeue([]*model.RecoveryEntry{entry})
	}
	return attempted
}

// requeue puts entries back preserving their original order relative to
// anything enqueued concurrently after the swap.
func (q *Queue) requeue(entries []*model.RecoveryEntry) {
	if len(entries) == 0 {
		return
	}
	userID := entries[0].UserID
	lock := q.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	list := append(entries, q.entries[userID]...)
	if len(list) > q.capacity {
		list = list[len(list)-q.capacity:]
	}
	q.entries[userID] = list
}
