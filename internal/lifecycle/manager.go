// Package lifecycle owns the worker process state machine: starting until
// the queue service answers, ready while consumers poll, draining once a
// shutdown is requested, stopped when in-flight jobs have settled. It also
// serves the health and job-metrics endpoints for that state.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callcast/internal/joberr"
	"callcast/internal/worker"
)

type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// ErrDrainTimeout reports jobs still in flight when the drain window closed.
// The process exits non-zero so the orchestrator sees an unclean stop; the
// abandoned jobs return to their queues via the visibility timeout.
var ErrDrainTimeout = errors.New("drain timeout elapsed with jobs still in flight")

type Manager struct {
	Pool *worker.Pool
	// Ping gates the starting->ready transition; the worker refuses to come
	// up against an unreachable queue service.
	Ping         func(ctx context.Context) error
	DrainTimeout time.Duration
	WorkerID     string

	mu        sync.Mutex
	state     State
	startedAt time.Time

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewManager(pool *worker.Pool, workerID string) *Manager {
	return &Manager{
		Pool:         pool,
		DrainTimeout: 30 * time.Second,
		WorkerID:     workerID,
		state:        StateStarting,
		shutdownCh:   make(chan struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	slog.Info("worker state", "state", string(s), "worker_id", m.WorkerID)
}

func (m *Manager) Uptime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() {
		return 0
	}
	return time.Since(m.startedAt)
}

// Shutdown requests a graceful drain. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
}

// Run drives the state machine until the context is canceled or Shutdown is
// called, then drains. Returns ErrDrainTimeout if in-flight jobs outlived the
// drain window.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.startedAt = time.Now()
	m.mu.Unlock()
	m.setState(StateStarting)

	if m.Ping != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.Ping(pingCtx)
		cancel()
		if err != nil {
			m.setState(StateStopped)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	poolErr := make(chan error, 1)
	go func() { poolErr <- m.Pool.Run(runCtx) }()

	watchDone := make(chan struct{})
	go m.watchEvents(watchDone)

	m.setState(StateReady)

	var runErr error
	poolDone := false
	select {
	case <-ctx.Done():
	case <-m.shutdownCh:
	case runErr = <-poolErr:
		poolDone = true
	}

	m.setState(StateDraining)
	m.Pool.StartDraining()

	// In-flight jobs keep their contexts until the drain window closes:
	// draining mode already rejects new deliveries, and canceling now would
	// abort mid-call pipeline work that must be allowed to finish. Only after
	// the wait (or its timeout, for stuck jobs) is the run context cut to
	// stop the poll loops.
	drained := m.Pool.Wait(m.DrainTimeout)
	cancel()
	if !poolDone && drained {
		select {
		case err := <-poolErr:
			if err != nil && runErr == nil {
				runErr = err
			}
		case <-time.After(5 * time.Second):
			slog.Warn("timeout waiting for poll loops to stop")
		}
	}
	close(watchDone)
	m.setState(StateStopped)

	if runErr != nil {
		return runErr
	}
	if !drained {
		return ErrDrainTimeout
	}
	return nil
}

// watchEvents logs pool lifecycle events and escalates fatal ones to a
// drain. Runs until the drain has finished so events from in-flight jobs
// still land in the log.
func (m *Manager) watchEvents(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case e := <-m.Pool.Events():
			m.logEvent(e)
		}
	}
}

func (m *Manager) logEvent(e worker.Event) {
	switch e.Kind {
	case worker.EventReady:
		slog.Info("queue consumer ready", "queue", string(e.Queue))
	case worker.EventActive:
		slog.Debug("job active", "queue", string(e.Queue), "job_id", e.JobID, "tenant_id", e.TenantID)
	case worker.EventCompleted:
		slog.Info("job completed",
			"queue", string(e.Queue), "job_id", e.JobID, "tenant_id", e.TenantID, "duration", e.Duration)
	case worker.EventStalled:
		slog.Error("job stalled past redelivery ceiling",
			"queue", string(e.Queue), "job_id", e.JobID, "err", e.Err)
	case worker.EventFailed:
		m.logFailure(e)
	case worker.EventFatal:
		slog.Error("fatal worker error, draining", "queue", string(e.Queue), "job_id", e.JobID, "err", e.Err)
		m.Shutdown()
	}
}

// logFailure picks the level by failure category: infrastructure and data
// problems are errors, throttling and transient blips are warnings.
func (m *Manager) logFailure(e worker.Event) {
	attrs := []any{
		"queue", string(e.Queue),
		"job_id", e.JobID,
		"tenant_id", e.TenantID,
		"category", string(e.Category),
		"retrying", e.Retrying,
		"err", e.Err,
	}
	switch e.Category {
	case joberr.Permanent, joberr.ServiceUnavailable:
		slog.Error("job failed", attrs...)
	case joberr.RateLimited, joberr.Temporary:
		slog.Warn("job failed", attrs...)
	default:
		slog.Error("job failed", attrs...)
	}
}
