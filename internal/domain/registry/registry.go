/*
Package registry owns the mapping of connection identity to connection
handle and user identity to connection set.

Key Architectural Concepts:
  - Per-User Locking: a lazily created, cached mutex per user is the primary
    synchronization primitive, so operations for different users never
    contend. A brief global structural lock guards the two shared maps.
  - Reentrancy Discipline: nothing running under a user's lock may call back
    into an operation that takes the same lock. Recovery-queue drains
    triggered by Add and dead-connection cleanup discovered during fan-out
    are both scheduled after the owning lock is released.
  - Isolation Tokens: every connection carries an opaque per-connection
    marker proving which user it belongs to. Token collisions across users
    are handled by regeneration, never silently accepted.
*/
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-connection-manager/internal/domain/model"
)

// Interface guard
var _ Registrar = (*Registry)(nil)

// Registrar defines the gateway for connection lifecycle management.
type Registrar interface {
	Add(conn model.Connector) error
	Remove(connID string)
	Get(connID string) (model.Connector, bool)
	UserConnections(userID string) []string
	Connections(userID string) []model.Connector
	ActiveUsers() []string
	IsActive(userID string) bool
	Token(connID string) (uuid.UUID, bool)
	ScheduleRemoval(connIDs []string)
	HealthSnapshot(userID string) model.HealthSnapshot
	Stats() model.HubStats
}

// DrainTrigger replays a user's recovery queue. Implemented by the
// dispatcher; invoked out-of-band after Add releases its locks.
type DrainTrigger interface {
	TriggerDrain(ctx context.Context, userID string)
}

// Registry is the process-wide connection table.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]model.Connector
	users  map[string]map[string]struct{} // userID -> set of connIDs
	tokens map[string]uuid.UUID           // connID -> isolation token
	owners map[uuid.UUID]string           // token -> userID, for collision detection

	// [LAZY_LOCKS] Per-user mutexes, created on first use.
	lockMu    sync.RWMutex
	userLocks map[string]*sync.Mutex

	// drainer is attached after construction (the dispatcher depends on the
	// registry, so the back-edge is a setter, not a constructor argument).
	drainMu      sync.RWMutex
	drainer      DrainTrigger
	drainTimeout time.Duration

	logger    *slog.Logger
	startedAt time.Time
}

func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		conns:        make(map[string]model.Connector),
		users:        make(map[string]map[string]struct{}),
		tokens:       make(map[string]uuid.UUID),
		owners:       make(map[uuid.UUID]string),
		userLocks:    make(map[string]*sync.Mutex),
		drainTimeout: 10 * time.Second,
		logger:       logger,
		startedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDrainTrigger attaches the recovery replay hook.
func (r *Registry) SetDrainTrigger(d DrainTrigger) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	r.drainer = d
}

// userLock returns the per-user mutex, creating it on first use.
// Double-checked under a creation mutex so concurrent callers never end up
// with two distinct lock objects for the same user.
func (r *Registry) userLock(userID string) *sync.Mutex {
	r.lockMu.RLock()
	l, ok := r.userLocks[userID]
	r.lockMu.RUnlock()
	if ok {
		return l
	}

	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	if l, ok = r.userLocks[userID]; ok {
		return l
	}
	l = &sync.Mutex{}
	r.userLocks[userID] = l
	return l
}

// Add registers a connection under its owning user.
//
// After the locks are released, a pending recovery queue for the user is
// drained asynchronously, bounded by a timeout. Drain failure is logged,
// not fatal, and never rolls back the registration.
func (r *Registry) Add(conn model.Connector) error {
	userID, connID := conn.GetUserID(), conn.GetID()
	if userID == "" || connID == "" {
		return model.ErrInvalidConnection
	}

	lock := r.userLock(userID)
	lock.Lock()
	r.register(userID, connID, conn)
	lock.Unlock()

	r.logger.Debug("CONNECTION_REGISTERED",
		"user_id", userID,
		"conn_id", connID,
	)

	// [POST_LOCK_DRAIN] Scheduled strictly after the user lock is released:
	// drain leads back into send, and send takes the same lock.
	r.drainMu.RLock()
	drainer := r.drainer
	timeout := r.drainTimeout
	r.drainMu.RUnlock()
	if drainer != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			drainer.TriggerDrain(ctx, userID)
		}()
	}
	return nil
}

func (r *Registry) register(userID, connID string, conn model.Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[connID] = conn
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}

	// [TOKEN_GENERATION] Collisions against a different user's token are
	// effectively unreachable given the entropy, but handled defensively.
	token := uuid.New()
	for {
		owner, exists := r.owners[token]
		if !exists || owner == userID {
			break
		}
		r.logger.Warn("ISOLATION_TOKEN_COLLISION", "user_id", userID)
		token = uuid.New()
	}
	r.tokens[connID] = token
	r.owners[token] = userID
}

// Remove unregisters a connection. Idempotent: removing an unknown ID is a
// no-op. Closes the transport exactly once and clears the isolation token.
func (r *Registry) Remove(connID string) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	userID := conn.GetUserID()

	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	conn, ok = r.conns[connID]
	if !ok {
		// Lost the race against a concurrent Remove.
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if token, has := r.tokens[connID]; has {
		delete(r.owners, token)
		delete(r.tokens, connID)
	}
	if set, has := r.users[userID]; has {
		delete(set, connID)
		// No empty sets persist.
		if len(set) == 0 {
			delete(r.users, userID)
		}
	}
	r.mu.Unlock()

	conn.Close()
	r.logger.Debug("CONNECTION_REMOVED", "user_id", userID, "conn_id", connID)
}

// ScheduleRemoval queues connection teardown on a separate task. Used by
// the dispatcher for connections discovered dead during a fan-out, which
// may be running under the user's send lock.
func (r *Registry) ScheduleRemoval(connIDs []string) {
	if len(connIDs) == 0 {
		return
	}
	ids := make([]string, len(connIDs))
	copy(ids, connIDs)
	go func() {
		for _, id := range ids {
			r.Remove(id)
		}
	}()
}

func (r *Registry) Get(connID string) (model.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// UserConnections returns a copy of the user's connection-ID set, never the
// live set, so callers cannot mutate registry state.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Connections resolves the user's live connection handles.
func (r *Registry) Connections(userID string) []model.Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.users[userID]
	out := make([]model.Connector, 0, len(set))
	for id := range set {
		if conn, ok := r.conns[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// ActiveUsers lists every user that currently owns at least one connection.
func (r *Registry) ActiveUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	return out
}

// IsActive reports whether at least one of the user's connections still has
// a live transport.
func (r *Registry) IsActive(userID string) bool {
	for _, conn := range r.Connections(userID) {
		if conn.GetState() == model.StateConnected {
			return true
		}
	}
	return false
}

// Token returns the isolation token recorded for a connection.
func (r *Registry) Token(connID string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[connID]
	return t, ok
}

func (r *Registry) HealthSnapshot(userID string) model.HealthSnapshot {
	conns := r.Connections(userID)
	snap := model.HealthSnapshot{
		UserID:      userID,
		Total:       len(conns),
		Connections: make([]model.ConnectionDetail, 0, len(conns)),
	}
	for _, conn := range conns {
		state := conn.GetState()
		if state == model.StateConnected {
			snap.Active++
		}
		snap.Connections = append(snap.Connections, model.ConnectionDetail{
			ID:        conn.GetID(),
			ThreadID:  conn.GetThreadID(),
			CreatedAt: conn.GetCreatedAt(),
			State:     conn.GetState().String(),
			Dropped:   conn.GetDropped(),
		})
	}
	return snap
}

func (r *Registry) Stats() model.HubStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return model.HubStats{
		TotalUsers:       len(r.users),
		TotalConnections: len(r.conns),
		Uptime:           time.Since(r.startedAt),
	}
}

// Sweep removes connections whose transport is already gone. Registered as
// the supervisor's standing periodic task.
func (r *Registry) Sweep(ctx context.Context) int {
	r.mu.RLock()
	stale := make([]string, 0)
	for id, conn := range r.conns {
		if conn.GetState() == model.StateClosed {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if ctx.Err() != nil {
			break
		}
		r.Remove(id)
		removed++
	}
	if removed > 0 {
		r.logger.Info("STALE_SWEEP_COMPLETED", "removed", removed)
	}
	return removed
}

// Shutdown closes every connection and clears the tables.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]model.Connector, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]model.Connector)
	r.users = make(map[string]map[string]struct{})
	r.tokens = make(map[string]uuid.UUID)
	r.owners = make(map[uuid.UUID]string)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	r.logger.Info("REGISTRY_SHUTDOWN", "closed", len(conns))
}
