package recovery

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/state"
	"github.com/taskmesh/taskmesh/internal"
)

var recoveredCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dispatcher_tasks_recovered_total",
	Help: "Stale assigned tasks reset or failed by the recovery sweep",
})

// Supervisor is the sole mechanism for handling worker crashes and network
// partitions: everything else assumes a worker either reports a terminal
// result or goes silent. It periodically scans for assigned tasks past the
// staleness threshold without a live heartbeat and hands them to the state
// engine for reset or terminal failure.
type Supervisor struct {
	repo       repository.Repository
	engine     *state.Engine
	tracker    *Tracker
	interval   time.Duration
	staleAfter time.Duration
	shutdown   bool
}

func NewSupervisor(repo repository.Repository, engine *state.Engine, tracker *Tracker, interval time.Duration, staleAfter time.Duration) *Supervisor {
	return &Supervisor{
		repo:       repo,
		engine:     engine,
		tracker:    tracker,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

func (s *Supervisor) Setup() {
	go s.run()
}

func (s *Supervisor) Shutdown() {
	s.shutdown = true
}

func (s *Supervisor) run() {
	loopsWithError := int64(0)
	for !s.shutdown {
		time.Sleep(s.interval)
		if failed := s.Sweep(context.Background()); failed > 0 {
			loopsWithError++
		} else {
			loopsWithError = 0
		}
		internal.SleepBackedOff(loopsWithError, internal.OneSecond, internal.ThirtySeconds)
	}
}

// Sweep runs one recovery pass and returns the number of tasks it failed to
// recover; those are retried on the next pass anyway.
func (s *Supervisor) Sweep(ctx context.Context) (failed int) {
	cutoff := time.Now().Add(-s.staleAfter)
	stale, err := s.repo.StaleAssigned(ctx, cutoff)
	if err != nil {
		zap.S().Errorf("Recovery sweep failed to list stale tasks: %s", err)
		return 1
	}

	for _, task := range stale {
		if s.tracker.Alive(task.TaskID) {
			continue
		}
		if err := s.engine.RecoverStale(ctx, task.ExecutionID, task.TaskID); err != nil {
			zap.S().Warnf("Failed to recover task %d of execution %d: %s", task.TaskID, task.ExecutionID, err)
			failed++
			continue
		}
		recoveredCounter.Inc()
		s.tracker.Forget(task.TaskID)
	}

	// tasks of deleted executions never show up as stale while unassigned,
	// list their owners directly
	orphaned, err := s.repo.OrphanTaskExecutions(ctx)
	if err != nil {
		zap.S().Errorf("Recovery sweep failed to list orphaned tasks: %s", err)
		return failed + 1
	}
	for _, executionID := range orphaned {
		if err := s.engine.RecoverStale(ctx, executionID, 0); err != nil {
			zap.S().Warnf("Failed to remove orphan tasks of execution %d: %s", executionID, err)
			failed++
		}
	}
	return failed
}
