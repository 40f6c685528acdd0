package model

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Interface guard
var _ Connector = (*connect)(nil)

// [CONNECTOR] THE INTERFACE FOR EXTERNAL LAYERS (REGISTRY/DISPATCHER)
// This allows mocking and decoupling from the concrete implementation
type Connector interface {
	GetID() string
	GetUserID() string
	GetThreadID() string
	GetCreatedAt() time.Time
	GetMetadata() map[string]string
	GetState() ConnState
	GetDropped() uint64

	// Write pushes one encoded JSON frame toward the transport pump.
	// Blocks up to timeout on backpressure, then fails.
	Write(frame []byte, timeout time.Duration) error
	Recv() <-chan []byte
	Close() // Terminate connection and release resources
}

// [CONNECT] CONCRETE IMPLEMENTATION (UNEXPORTED TO FORCE INTERFACE USAGE)
type connect struct {
	id        string
	userID    string
	threadID  string
	metadata  map[string]string
	createdAt time.Time

	ctx      context.Context
	cancelFn context.CancelFunc

	// sendMu excludes in-flight Writes while Close closes sendCh, so a send
	// on a closed channel is impossible.
	sendMu    sync.RWMutex
	sendCh    chan []byte
	closeOnce sync.Once // [PROTECTION]

	// [ATOMIC_FIELDS] Optimized for lock-free bookkeeping
	lastActivityAt int64
	droppedCount   uint64
	closing        atomic.Bool
}

// NewConnector builds a transport-agnostic session handle.
// An empty connID is replaced with a generated one; an empty userID is the
// caller's problem and is rejected later by the registry.
//
// [SESSION_IDENTITY] Each session gets a fresh object that is never reused.
// The registry, the dispatcher's fan-out snapshot and the transport pump may
// all retain the handle past Close; a retained handle must keep reporting its
// original owner and ErrConnectionClosed forever, so it can never alias a
// session created afterwards.
func NewConnector(ctx context.Context, userID, connID, threadID string, bufferSize int, metadata map[string]string) Connector {
	if connID == "" {
		connID = uuid.NewString()
	}

	childCtx, cancel := context.WithCancel(ctx)

	return &connect{
		id:             connID,
		userID:         userID,
		threadID:       threadID,
		metadata:       metadata,
		createdAt:      time.Now(),
		ctx:            childCtx,
		cancelFn:       cancel,
		sendCh:         make(chan []byte, bufferSize),
		lastActivityAt: time.Now().UnixNano(),
	}
}

// --- IMPLEMENTATION OF CONNECTOR INTERFACE ---

func (c *connect) GetID() string           { return c.id }
func (c *connect) GetUserID() string       { return c.userID }
func (c *connect) GetThreadID() string     { return c.threadID }
func (c *connect) GetCreatedAt() time.Time { return c.createdAt }
func (c *connect) GetDropped() uint64      { return atomic.LoadUint64(&c.droppedCount) }

func (c *connect) GetMetadata() map[string]string {
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

func (c *connect) GetState() ConnState {
	if c.ctx.Err() != nil {
		return StateClosed
	}
	if c.closing.Load() {
		return StateClosing
	}
	return StateConnected
}

// Write attempts to push a frame into the session mailbox.
//
// [RESOURCE_MANAGEMENT] A localized deadline enforces a strict delivery
// window so the dispatcher is never held hostage by a single stalled session.
func (c *connect) Write(frame []byte, timeout time.Duration) error {
	// Close cancels the context before it takes the write lock, so a Write
	// blocked on backpressure always unblocks via the lifecycle gate.
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closing.Load() {
		return ErrConnectionClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	// 1. [LIFECYCLE_GATE] Abort immediately if the transport is already dead.
	case <-c.ctx.Done():
		return ErrConnectionClosed

	// 2. [PRIMARY_DELIVERY] Waiting up to 'timeout' for buffer space smooths
	// out transient network jitter, unlike a bare 'default' branch.
	case c.sendCh <- frame:
		atomic.StoreInt64(&c.lastActivityAt, time.Now().UnixNano())
		return nil

	// 3. [BACKPRESSURE_THRESHOLD] The buffer stayed saturated for the entire
	// window: a persistent slow consumer. The frame is shed; the caller
	// decides whether the connection is worth keeping.
	case <-ctx.Done():
		atomic.AddUint64(&c.droppedCount, 1)
		return ErrWriteTimeout
	}
}

func (c *connect) Recv() <-chan []byte { return c.sendCh }

// Close terminates the session and releases its resources. The object stays
// dead afterwards: any handle still held by a fan-out snapshot or a transport
// pump keeps observing the closed state, never a fresh session.
func (c *connect) Close() {
	// [IDEMPOTENCY_SHIELD]
	// Ensures the teardown logic runs exactly once. This prevents
	// "panic: close of closed channel" when called concurrently by the
	// registry (remove), the dispatcher (dead-connection sweep), or the
	// transport handler (defer).
	c.closeOnce.Do(func() {
		c.closing.Store(true)

		// 1. [SIGNAL_ABORT] Cancel the context to stop any pending Write.
		c.cancelFn()

		// 2. [UPSTREAM_NOTIFY] Closing the channel signals the transport
		// pump (via !ok) to flush a final frame and exit gracefully. The
		// write lock waits out any Write still inside its select; those all
		// unblock promptly because the context is already canceled.
		// The closed channel stays in place so concurrent Recv callers keep
		// observing !ok instead of blocking on nil.
		c.sendMu.Lock()
		close(c.sendCh)
		c.metadata = nil
		c.sendMu.Unlock()
	})
}
