// Package supervisor runs named long-running tasks, detects failure,
// restarts with exponential backoff and exposes a health snapshot.
//
// The restart engine is a suture supervisor tree; this package adds the
// named-task registry, per-task failure accounting and the 0-100 health
// score on top of it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TaskFunc is one supervised background task. A nil or context.Canceled
// return is a clean stop; anything else counts as a failure and triggers a
// backoff-restart.
type TaskFunc func(ctx context.Context) error

// Config tunes the underlying suture tree.
type Config struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64
	// FailureBackoff is the wait once the threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout caps the graceful shutdown wait.
	ShutdownTimeout time.Duration
}

// DefaultConfig matches suture's built-in defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// TaskStatus is the per-task slice of a health snapshot.
type TaskStatus struct {
	Running             bool      `json:"running"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

// HealthStatus is the snapshot served to operational health-check
// collaborators.
type HealthStatus struct {
	Enabled  bool                  `json:"enabled"`
	Shutdown bool                  `json:"shutdown"`
	Tasks    map[string]TaskStatus `json:"tasks"`
	Score    int                   `json:"score"` // 0-100 overall health
}

type taskState struct {
	name    string
	fn      TaskFunc
	token   suture.ServiceToken
	status  TaskStatus
	stopped bool
}

// Supervisor owns the named task table and the suture tree behind it.
type Supervisor struct {
	mu       sync.Mutex
	tasks    map[string]*taskState
	tree     *suture.Supervisor
	treeErr  <-chan error
	cancel   context.CancelFunc
	shutdown bool
	started  bool

	cfg    Config
	logger *slog.Logger
}

func New(logger *slog.Logger, cfg Config) *Supervisor {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Supervisor{
		tasks:  make(map[string]*taskState),
		cfg:    cfg,
		logger: logger,
	}
	s.buildTree()
	return s
}

func (s *Supervisor) buildTree() {
	handler := &sutureslog.Handler{Logger: s.logger}
	s.tree = suture.New("im-connection-manager", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: s.cfg.FailureThreshold,
		FailureDecay:     s.cfg.FailureDecay,
		FailureBackoff:   s.cfg.FailureBackoff,
		Timeout:          s.cfg.ShutdownTimeout,
	})
}

// Serve runs the tree until ctx is canceled. Used by the fx lifecycle.
func (s *Supervisor) Serve(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.treeErr = s.tree.ServeBackground(ctx)
	s.started = true
	s.mu.Unlock()
}

// Start registers and launches a named task. Refuses a duplicate of a
// still-running task under the same name.
func (s *Supervisor) Start(name string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return fmt.Errorf("supervisor is shut down, task %q refused", name)
	}
	if t, ok := s.tasks[name]; ok && !t.stopped {
		return fmt.Errorf("task %q is already running", name)
	}

	t := &taskState{name: name, fn: fn}
	t.status.Running = true
	s.tasks[name] = t
	t.token = s.tree.Add(&supervisedTask{state: t, sup: s})

	s.logger.Info("TASK_STARTED", "task", name)
	return nil
}

// Stop removes one named task from supervision.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	err := s.tree.Remove(t.token)
	s.mu.Lock()
	t.stopped = true
	t.status.Running = false
	s.mu.Unlock()
	return err
}

// Shutdown cancels every running task, waits for the tree to wind down and
// clears the table. Restarts are refused until Restart().
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	cancel := s.cancel
	errCh := s.treeErr
	s.tasks = make(map[string]*taskState)
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if errCh != nil {
		select {
		case <-errCh:
		case <-time.After(s.cfg.ShutdownTimeout):
			s.logger.Warn("SUPERVISOR_SHUTDOWN_TIMEOUT")
		}
	}
	s.logger.Info("SUPERVISOR_SHUTDOWN")
}

// Restart clears the shutdown flag and rebuilds the tree so tasks can be
// registered again.
func (s *Supervisor) Restart(ctx context.Context) {
	s.mu.Lock()
	s.shutdown = false
	s.buildTree()
	s.started = false
	s.mu.Unlock()
	s.Serve(ctx)
	s.logger.Info("SUPERVISOR_RESTARTED")
}

// HealthStatus derives the overall 0-100 score: critical (0) when
// monitoring is disabled, otherwise deductions for recent consecutive
// failures on any task.
func (s *Supervisor) HealthStatus() HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := HealthStatus{
		Enabled:  s.started && !s.shutdown,
		Shutdown: s.shutdown,
		Tasks:    make(map[string]TaskStatus, len(s.tasks)),
	}
	if !out.Enabled {
		return out // Score 0
	}

	score := 100
	for name, t := range s.tasks {
		out.Tasks[name] = t.status
		if t.status.ConsecutiveFailures > 0 && time.Since(t.status.LastFailureAt) < 5*time.Minute {
			deduction := 15 * t.status.ConsecutiveFailures
			if deduction > 50 {
				deduction = 50
			}
			score -= deduction
		}
	}
	if score < 0 {
		score = 0
	}
	out.Score = score
	return out
}

func (s *Supervisor) markFailure(t *taskState, err error, ran time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A run that survived past the decay window breaks the failure streak:
	// the counter tracks back-to-back crashes, not lifetime totals.
	if ran >= time.Duration(s.cfg.FailureDecay*float64(time.Second)) {
		t.status.ConsecutiveFailures = 0
	}
	t.status.ConsecutiveFailures++
	t.status.LastFailureAt = time.Now()
	t.status.LastError = err.Error()
	return t.status.ConsecutiveFailures
}

func (s *Supervisor) markStopped(t *taskState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.stopped = true
	t.status.Running = false
}

// supervisedTask adapts a TaskFunc to suture.Service with failure
// accounting around each run.
type supervisedTask struct {
	state *taskState
	sup   *Supervisor
}

func (st *supervisedTask) Serve(ctx context.Context) error {
	start := time.Now()
	err := st.state.fn(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		// Clean completion: do not restart.
		st.sup.markStopped(st.state)
		return suture.ErrDoNotRestart
	}

	consecutive := st.sup.markFailure(st.state, err, time.Since(start))
	st.sup.logger.Error("TASK_FAILED",
		"task", st.state.name,
		"err", err,
		"consecutive", consecutive,
	)
	// Returning the error hands the restart/backoff decision to suture.
	return err
}

func (st *supervisedTask) String() string { return st.state.name }
