package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-connection-manager/internal/domain/codec"
	"github.com/webitel/im-connection-manager/internal/domain/model"
	"github.com/webitel/im-connection-manager/internal/domain/recovery"
	"golang.org/x/sync/errgroup"
)

// Interface guards
var (
	_ Dispatcher = (*EventDispatcher)(nil)
)

// ConnectionSource is the slice of the registry the dispatcher needs.
type ConnectionSource interface {
	Connections(userID string) []model.Connector
	ActiveUsers() []string
	ScheduleRemoval(connIDs []string)
}

// DeliveryListener is a diagnostic/test hook invoked after a successful
// critical delivery.
type DeliveryListener func(record model.DeliveryRecord)

// Dispatcher is the primary interface for event delivery.
type Dispatcher interface {
	// SendCritical delivers with retry/recovery guarantees. The returned
	// error is non-nil only for caller bugs (isolation violations); "no
	// connection available" is never an error, by design. The outcome is
	// observable via the returned status and health surfaces.
	SendCritical(ctx context.Context, userID, eventType string, fields map[string]any) (model.DeliveryStatus, error)

	// SendToUser is the non-critical single-attempt path: per-connection
	// failures are collected and dead connections scheduled for removal,
	// but there is no retry loop and no recovery fallback.
	SendToUser(ctx context.Context, userID string, payload map[string]any) error

	// Broadcast fans a payload out to every connected user, best-effort.
	Broadcast(ctx context.Context, payload map[string]any)

	AddListener(fn DeliveryListener)
	RegisterNormalizer(eventType string, fn Normalizer)
	Records() []model.DeliveryRecord
}

// RetryPolicy tunes the critical-event retry protocol. Sourced from
// configuration at construction time; the dispatcher itself never reads
// environment variables.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	return p
}

// EventDispatcher resolves a user's live connections, encodes payloads,
// fans out, collects per-connection failures and drives the critical-event
// retry protocol.
type EventDispatcher struct {
	source   ConnectionSource
	queue    *recovery.Queue
	codec    *codec.Codec
	guard    *IsolationGuard
	recorder *Recorder
	logger   *slog.Logger

	// policy is hot-reloadable from config; reads take a snapshot per send.
	policyMu sync.RWMutex
	policy   RetryPolicy

	writeTimeout time.Duration

	// [TRANSIENT_PATTERN] User-ID prefixes that are expected to have no
	// connections during establishment races; misses log at Debug, not Error.
	transientPrefixes []string

	// boundUserID, when set, pins this dispatcher to a single user context.
	// Sends targeting anyone else are structural isolation violations.
	boundUserID string

	normMu      sync.RWMutex
	normalizers map[string]Normalizer

	listenerMu sync.RWMutex
	listeners  []DeliveryListener

	// sendLocks serializes in-flight sends per user so a slow transport
	// for user A never blocks dispatch to user B.
	sendLockMu sync.Mutex
	sendLocks  map[string]*sync.Mutex
}

func NewEventDispatcher(
	source ConnectionSource,
	queue *recovery.Queue,
	cdc *codec.Codec,
	guard *IsolationGuard,
	recorder *Recorder,
	policy RetryPolicy,
	logger *slog.Logger,
	opts ...DispatcherOption,
) *EventDispatcher {
	d := &EventDispatcher{
		source:            source,
		queue:             queue,
		codec:             cdc,
		guard:             guard,
		recorder:          recorder,
		policy:            policy.normalized(),
		logger:            logger,
		writeTimeout:      500 * time.Millisecond,
		transientPrefixes: []string{"anonymous_", "startup_", "temp_"},
		normalizers:       builtinNormalizers(),
		sendLocks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatcherOption is a functional configuration type for the dispatcher.
type DispatcherOption func(*EventDispatcher)

func WithWriteTimeout(d time.Duration) DispatcherOption {
	return func(ed *EventDispatcher) {
		if d > 0 {
			ed.writeTimeout = d
		}
	}
}

func WithTransientPrefixes(prefixes []string) DispatcherOption {
	return func(ed *EventDispatcher) {
		if len(prefixes) > 0 {
			ed.transientPrefixes = prefixes
		}
	}
}

// WithBoundUser pins the dispatcher to one user context. Any send targeting
// a different user aborts with an IsolationViolationError.
func WithBoundUser(userID string) DispatcherOption {
	return func(ed *EventDispatcher) {
		ed.boundUserID = userID
	}
}

// SetRetryPolicy swaps the retry tuning; applied by the config hot-reload
// hook. In-flight sends finish with the policy they started with.
func (d *EventDispatcher) SetRetryPolicy(p RetryPolicy) {
	d.policyMu.Lock()
	defer d.policyMu.Unlock()
	d.policy = p.normalized()
}

func (d *EventDispatcher) retryPolicy() RetryPolicy {
	d.policyMu.RLock()
	defer d.policyMu.RUnlock()
	return d.policy
}

func (d *EventDispatcher) sendLock(userID string) *sync.Mutex {
	d.sendLockMu.Lock()
	defer d.sendLockMu.Unlock()
	l, ok := d.sendLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		d.sendLocks[userID] = l
	}
	return l
}

// SendCritical drives the Pending -> {Delivered | Queued -> ... | Failed}
// state machine for one critical event.
func (d *EventDispatcher) SendCritical(ctx context.Context, userID, eventType string, fields map[string]any) (model.DeliveryStatus, error) {
	// [STRUCTURAL_ISOLATION] Hard failure: the caller is building an event
	// for a user this dispatcher is not bound to.
	if d.boundUserID != "" && d.boundUserID != userID {
		return model.StatusFailed, &model.IsolationViolationError{
			BoundUserID:  d.boundUserID,
			TargetUserID: userID,
		}
	}

	frame := d.buildFrame(userID, eventType, fields, true)
	eventID := frameEventID(frame)
	policy := d.retryPolicy()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		frame[model.FieldAttempt] = attempt

		if d.deliverOnce(ctx, userID, frame) {
			record := model.DeliveryRecord{
				EventID:   eventID,
				UserID:    userID,
				EventType: eventType,
				Timestamp: time.Now(),
				Status:    model.StatusDelivered,
				Attempts:  attempt,
			}
			d.recorder.Add(record)
			d.notifyListeners(record)
			return model.StatusDelivered, nil
		}

		// [QUEUED] No connection accepted the frame. Transient identities
		// are an expected establishment race, not a fault.
		if d.isTransient(userID) {
			d.logger.Debug("CRITICAL_SEND_PENDING",
				"user_id", userID, "event_type", eventType, "attempt", attempt)
		} else {
			d.logger.Error("CRITICAL_SEND_UNDELIVERED",
				"user_id", userID, "event_type", eventType, "attempt", attempt)
		}

		if attempt < policy.MaxAttempts {
			select {
			case <-ctx.Done():
				// Caller gave up waiting; park what we have and stop.
				return d.exhaust(userID, eventType, eventID, frame, attempt), nil
			case <-time.After(policy.Backoff):
			}
		}
	}

	return d.exhaust(userID, eventType, eventID, frame, policy.MaxAttempts), nil
}

// exhaust parks exactly one recovery entry flagged "retries exhausted" and
// emits the best-effort degradation notice.
func (d *EventDispatcher) exhaust(userID, eventType, eventID string, frame map[string]any, attempts int) model.DeliveryStatus {
	frame[model.FieldAttempt] = nil
	d.queue.EnqueueExhausted(userID, frame, attempts)

	d.recorder.Add(model.DeliveryRecord{
		EventID:   eventID,
		UserID:    userID,
		EventType: eventType,
		Timestamp: time.Now(),
		Status:    model.StatusFailed,
		Attempts:  attempts,
	})

	// [BEST_EFFORT_NOTICE] Tell the user's other live connections, if any
	// appeared meanwhile, that delivery is degraded. Must never fail the call.
	notice := map[string]any{
		model.FieldType: model.EventConnectionDegraded,
		"reason":        "delivery_degraded",
		"event_type":    eventType,
	}
	if err := d.SendToUser(context.Background(), userID, notice); err != nil {
		d.logger.Debug("DEGRADED_NOTICE_SKIPPED", "user_id", userID, "err", err)
	}

	if d.isTransient(userID) {
		return model.StatusQueued
	}
	return model.StatusFailed
}

// deliverOnce resolves connections and fans the frame out once, under the
// user's send lock. Returns true if at least one connection accepted it.
// Dead connections found along the way are scheduled for deferred removal,
// never removed inline: removal needs the per-user registry lock and this
// loop may already be running under the user's send path.
func (d *EventDispatcher) deliverOnce(ctx context.Context, userID string, frame map[string]any) bool {
	lock := d.sendLock(userID)
	lock.Lock()
	defer lock.Unlock()

	conns := d.source.Connections(userID)
	if len(conns) == 0 {
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		// The codec guarantees JSON-safe trees; reaching this means a
		// normalizer injected something exotic. Re-encode defensively.
		data, _ = json.Marshal(d.codec.Encode(frame))
	}

	var (
		mu     sync.Mutex
		okAny  bool
		failed []string
	)

	// [FAN_OUT] Delivery is attempted to all of the user's connections,
	// not just the first.
	g, _ := errgroup.WithContext(ctx)
	for _, conn := range conns {
		g.Go(func() error {
			if err := conn.Write(data, d.writeTimeout); err != nil {
				mu.Lock()
				failed = append(failed, conn.GetID())
				mu.Unlock()
				d.logger.Warn("TRANSPORT_WRITE_FAILED",
					"user_id", userID,
					"conn_id", conn.GetID(),
					"err", err,
				)
				return nil // captured per-connection, never propagated
			}
			mu.Lock()
			okAny = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		// [DEFERRED_CLEANUP]
		d.source.ScheduleRemoval(failed)
	}
	return okAny
}

// SendToUser performs one non-critical delivery attempt. Payloads that
// already carry a type keep it; either way the frame goes through the same
// assembly as every other send, so timestamp and critical are always on the
// wire.
func (d *EventDispatcher) SendToUser(ctx context.Context, userID string, payload map[string]any) error {
	if d.boundUserID != "" && d.boundUserID != userID {
		return &model.IsolationViolationError{
			BoundUserID:  d.boundUserID,
			TargetUserID: userID,
		}
	}
	eventType := "message"
	if t, ok := payload[model.FieldType].(string); ok && t != "" {
		eventType = t
	}
	frame := d.buildFrame(userID, eventType, payload, false)
	if !d.deliverOnce(ctx, userID, frame) {
		return model.ErrConnectionClosed
	}
	return nil
}

// Broadcast fans a payload out to every user with parked-free, best-effort
// semantics: single attempt per user, failures logged only.
func (d *EventDispatcher) Broadcast(ctx context.Context, payload map[string]any) {
	for _, userID := range d.source.ActiveUsers() {
		frame := d.buildFrame(userID, frameType(payload), payload, false)
		if !d.deliverOnce(ctx, userID, frame) {
			d.logger.Debug("BROADCAST_MISSED", "user_id", userID)
		}
	}
}

// TriggerDrain implements registry.DrainTrigger: it replays the user's
// recovery queue with single-attempt redelivery (the critical retry loop
// never runs during a drain).
func (d *EventDispatcher) TriggerDrain(ctx context.Context, userID string) {
	if d.queue.Len(userID) == 0 {
		return
	}
	attempted := d.queue.Drain(ctx, userID, func(ctx context.Context, entry *model.RecoveryEntry) bool {
		return d.deliverOnce(ctx, entry.UserID, entry.Payload)
	})
	d.logger.Info("RECOVERY_DRAIN_COMPLETED",
		"user_id", userID,
		"attempted", attempted,
		"remaining", d.queue.Len(userID),
	)
}

// buildFrame normalizes business fields and assembles the flat wire frame:
// {"type", "timestamp", "critical", "attempt", ...business fields...}.
// Business fields stay at the top level; nesting them under a "data" key is
// a regression, not an alternative format.
func (d *EventDispatcher) buildFrame(userID, eventType string, fields map[string]any, critical bool) map[string]any {
	normalized := d.normalize(eventType, fields)

	frame := make(map[string]any, len(normalized)+4)
	for k, v := range normalized {
		frame[k] = d.codec.Encode(v)
	}
	frame[model.FieldType] = eventType
	if _, ok := frame[model.FieldTimestamp]; !ok {
		frame[model.FieldTimestamp] = time.Now().Format(time.RFC3339Nano)
	}
	frame[model.FieldCritical] = critical
	frame[model.FieldAttempt] = nil

	// [FIELD_ISOLATION] Self-heal stray user identifiers before the frame
	// can leave the process.
	d.guard.Heal(userID, frame)
	return frame
}

func (d *EventDispatcher) isTransient(userID string) bool {
	for _, p := range d.transientPrefixes {
		if strings.HasPrefix(userID, p) {
			return true
		}
	}
	return false
}

func (d *EventDispatcher) AddListener(fn DeliveryListener) {
	d.listenerMu.Lock()
	defer d.listenerMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *EventDispatcher) notifyListeners(record model.DeliveryRecord) {
	d.listenerMu.RLock()
	listeners := make([]DeliveryListener, len(d.listeners))
	copy(listeners, d.listeners)
	d.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(record)
	}
}

func (d *EventDispatcher) Records() []model.DeliveryRecord {
	return d.recorder.Recent()
}

func frameEventID(frame map[string]any) string {
	if id, ok := frame["event_id"].(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

func frameType(payload map[string]any) string {
	if t, ok := payload[model.FieldType].(string); ok && t != "" {
		return t
	}
	return "broadcast"
}
