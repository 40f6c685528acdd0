package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := New(slog.New(slog.DiscardHandler), Config{
		FailureThreshold: 100, // keep restarts immediate during tests
		FailureDecay:     30,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  2 * time.Second,
	})
	t.Cleanup(s.Shutdown)
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartRunsTask(t *testing.T) {
	s := newTestSupervisor(t)
	s.Serve(context.Background())

	var ran atomic.Bool
	require.NoError(t, s.Start("once", func(ctx context.Context) error {
		ran.Store(true)
		<-ctx.Done()
		return ctx.Err()
	}))

	waitFor(t, ran.Load, "task never ran")
}

func TestStartRefusesDuplicateRunningName(t *testing.T) {
	s := newTestSupervisor(t)
	s.Serve(context.Background())

	require.NoError(t, s.Start("worker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	err := s.Start("worker", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestFailingTaskIsRestartedWithAccounting(t *testing.T) {
	s := newTestSupervisor(t)
	s.Serve(context.Background())

	var runs atomic.Int32
	require.NoError(t, s.Start("flaky", func(context.Context) error {
		if runs.Add(1) <= 2 {
			return errors.New("transient fault")
		}
		return nil // third run completes cleanly
	}))

	waitFor(t, func() bool { return runs.Load() >= 3 }, "task was not restarted after failure")
	waitFor(t, func() bool {
		status, ok := s.HealthStatus().Tasks["flaky"]
		return ok && !status.Running
	}, "clean completion not recorded")

	status := s.HealthStatus().Tasks["flaky"]
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Equal(t, "transient fault", status.LastError)
}

// A restarted task that stays up past the decay window starts a fresh
// failure streak; the counter must not grow monotonically across its life.
func TestLongRunBreaksFailureStreak(t *testing.T) {
	s := New(slog.New(slog.DiscardHandler), Config{
		FailureThreshold: 100, // keep restarts immediate during tests
		FailureDecay:     0.05,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  2 * time.Second,
	})
	t.Cleanup(s.Shutdown)
	s.Serve(context.Background())

	var runs atomic.Int32
	require.NoError(t, s.Start("flaky", func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1, 2:
			return errors.New("crash on startup") // back-to-back failures
		case 3:
			time.Sleep(120 * time.Millisecond) // outlives the decay window
			return errors.New("late fault")
		default:
			<-ctx.Done()
			return ctx.Err()
		}
	}))

	waitFor(t, func() bool { return runs.Load() >= 4 }, "task never reached its fourth run")
	waitFor(t, func() bool {
		return s.HealthStatus().Tasks["flaky"].ConsecutiveFailures == 1
	}, "long healthy run did not reset the failure streak")
}

func TestCleanCompletionIsNotRestarted(t *testing.T) {
	s := newTestSupervisor(t)
	s.Serve(context.Background())

	var runs atomic.Int32
	require.NoError(t, s.Start("oneshot", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	waitFor(t, func() bool { return runs.Load() == 1 }, "task never ran")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "clean completion must not restart")
}

func TestHealthScoreDegradesWithFailures(t *testing.T) {
	s := newTestSupervisor(t)
	s.Serve(context.Background())

	require.NoError(t, s.Start("idle", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.Equal(t, 100, s.HealthStatus().Score)

	var runs atomic.Int32
	require.NoError(t, s.Start("broken", func(ctx context.Context) error {
		if runs.Add(1) <= 2 {
			return errors.New("down")
		}
		<-ctx.Done()
		return ctx.Err()
	}))

	waitFor(t, func() bool { return runs.Load() >= 3 }, "failures never accumulated")
	// Two recent consecutive failures deduct 30 points.
	assert.Equal(t, 70, s.HealthStatus().Score)
}

func TestHealthScoreZeroBeforeServe(t *testing.T) {
	s := New(slog.New(slog.DiscardHandler), DefaultConfig())
	health := s.HealthStatus()
	assert.False(t, health.Enabled)
	assert.Zero(t, health.Score)
}

func TestShutdownStopsTasksAndRefusesNewOnes(t *testing.T) {
	s := newTestSupervisor(t)
	s.Serve(context.Background())

	stopped := make(chan struct{})
	require.NoError(t, s.Start("worker", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}))

	s.Shutdown()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not observe shutdown")
	}

	err := s.Start("late", func(context.Context) error { return nil })
	assert.Error(t, err)

	health := s.HealthStatus()
	assert.True(t, health.Shutdown)
	assert.Zero(t, health.Score)
}

func TestRestartAcceptsTasksAgain(t *testing.T) {
	s := newTestSupervisor(t)
	s.Serve(context.Background())
	s.Shutdown()

	s.Restart(context.Background())

	var ran atomic.Bool
	require.NoError(t, s.Start("revived", func(context.Context) error {
		ran.Store(true)
		return nil
	}))
	waitFor(t, ran.Load, "task did not run after restart")
}

func TestStopRemovesSingleTask(t *testing.T) {
	s := newTestSupervisor(t)
	s.Serve(context.Background())

	require.NoError(t, s.Start("a", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, s.Stop("a"))

	// The name is free again after an explicit stop.
	require.NoError(t, s.Start("a", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	assert.Error(t, s.Stop("ghost"))
}
