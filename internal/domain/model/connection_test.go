package model

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnectorGeneratesConnectionID(t *testing.T) {
	conn := NewConnector(context.Background(), "u1", "", "", 4, nil)
	defer conn.Close()

	assert.NotEmpty(t, conn.GetID())
	assert.Equal(t, "u1", conn.GetUserID())
	assert.Equal(t, StateConnected, conn.GetState())
}

func TestWriteAndRecvRoundTrip(t *testing.T) {
	conn := NewConnector(context.Background(), "u1", "c1", "", 4, nil)
	defer conn.Close()

	require.NoError(t, conn.Write([]byte("frame-1"), time.Second))

	select {
	case frame := <-conn.Recv():
		assert.Equal(t, "frame-1", string(frame))
	case <-time.After(time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestWriteBackpressureTimeoutCountsDrop(t *testing.T) {
	conn := NewConnector(context.Background(), "u1", "c1", "", 1, nil)
	defer conn.Close()

	require.NoError(t, conn.Write([]byte("fills-buffer"), 50*time.Millisecond))

	err := conn.Write([]byte("shed"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrWriteTimeout)
	assert.Equal(t, uint64(1), conn.GetDropped())
}

func TestWriteAfterCloseFails(t *testing.T) {
	conn := NewConnector(context.Background(), "u1", "c1", "", 4, nil)
	conn.Close()

	err := conn.Write([]byte("late"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestCloseSignalsRecvAndIsIdempotent(t *testing.T) {
	conn := NewConnector(context.Background(), "u1", "c1", "", 4, nil)
	recvCh := conn.Recv()

	conn.Close()
	conn.Close() // second close must be a no-op

	_, ok := <-recvCh
	assert.False(t, ok, "receive channel must report closed")
	assert.Equal(t, StateClosed, conn.GetState())
}

func TestParentContextCancelClosesState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConnector(ctx, "u1", "c1", "", 4, nil)
	defer conn.Close()

	cancel()
	assert.Equal(t, StateClosed, conn.GetState())
	assert.ErrorIs(t, conn.Write([]byte("x"), 50*time.Millisecond), ErrConnectionClosed)
}

func TestGetMetadataReturnsCopy(t *testing.T) {
	conn := NewConnector(context.Background(), "u1", "c1", "", 4, map[string]string{"transport": "ws"})
	defer conn.Close()

	meta := conn.GetMetadata()
	meta["transport"] = "mutated"

	assert.Equal(t, "ws", conn.GetMetadata()["transport"])
}

// A handle retained past Close stays dead: it keeps its original owner,
// refuses writes, and can never reach the mailbox of a session opened
// afterwards for a different user.
func TestRetainedHandleCannotReachLaterSession(t *testing.T) {
	for range 50 {
		stale := NewConnector(context.Background(), "userA", "", "", 4, nil)
		stale.Close()

		fresh := NewConnector(context.Background(), "userB", "", "", 4, nil)

		err := stale.Write([]byte(`{"type":"secret","user_id":"userA"}`), 10*time.Millisecond)
		require.ErrorIs(t, err, ErrConnectionClosed)
		assert.Equal(t, "userA", stale.GetUserID())
		assert.Zero(t, len(fresh.Recv()), "closed handle leaked a frame into a new session")

		fresh.Close()
	}
}

// Concurrent writers racing Close must neither panic nor deadlock.
func TestConcurrentWriteAndClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		conn := NewConnector(context.Background(), "u1", "", "", 2, nil)

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					_ = conn.Write([]byte("race"), time.Millisecond)
				}
			}()
		}
		conn.Close()
		wg.Wait()
	}
}
