package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/cmd/dispatcher/execsync"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/graph"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/quota"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

var (
	assignedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_tasks_assigned_total",
		Help: "Tasks handed to polling worker cores",
	})
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_ready_queue_depth",
		Help: "Tasks currently queued for assignment across all executions",
	})
)

// Scheduler computes ready tasks per execution and matches them against
// polling worker cores. Readiness is computed under the execution's lock and
// pushed into a per-execution FIFO; assignment drains the FIFOs round-robin
// so one busy execution cannot starve the others.
type Scheduler struct {
	repo   repository.Repository
	graphs *graph.Store
	locks  *execsync.Locks
	quota  *quota.Ledger

	mu     sync.Mutex
	queues map[int64]*readyQueue
	order  []int64
	rr     int
}

func New(repo repository.Repository, graphs *graph.Store, locks *execsync.Locks, ledger *quota.Ledger) *Scheduler {
	return &Scheduler{
		repo:   repo,
		graphs: graphs,
		locks:  locks,
		quota:  ledger,
		queues: make(map[int64]*readyQueue),
	}
}

// FindReadyTasks recomputes the ready set of one execution and queues every
// ready task for assignment. A task is ready when it is schedulable and all
// its predecessors are terminal-success. Stopped, finished and deleted
// executions emit nothing and have their queue dropped.
func (s *Scheduler) FindReadyTasks(ctx context.Context, executionID int64) ([]datamodel.TaskVertex, error) {
	var ready []datamodel.TaskVertex
	err := s.locks.WithExecution(executionID, func() error {
		execution, err := s.repo.LoadExecution(ctx, executionID)
		if errors.Is(err, shared.ErrNotFound) {
			s.DropExecution(executionID)
			return nil
		}
		if err != nil {
			return err
		}
		if execution.State != datamodel.ExecutionStateStarted {
			if !execution.State.IsActive() {
				s.DropExecution(executionID)
			}
			return nil
		}

		return s.graphs.ReadSnapshot(ctx, execution.GraphID, execution.TaskStateID, func(d *graph.DAG, st *graph.StateTable) error {
			ready = graph.FindAllForAssigning(d, st, false)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute ready tasks for execution %d: %w", executionID, err)
	}

	for _, v := range ready {
		task, err := s.repo.LoadTask(ctx, v.TaskID)
		if err != nil {
			zap.S().Warnf("Ready task %d of execution %d has no record: %s", v.TaskID, executionID, err)
			continue
		}
		if shared.IsInternalFunction(task.FunctionRef) {
			continue
		}
		s.Enqueue(executionID, v.TaskID)
	}
	return ready, nil
}

// Enqueue adds tasks to the execution's ready FIFO. Used by the state engine
// when a completed task unblocks its successors.
func (s *Scheduler) Enqueue(executionID int64, taskIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[executionID]
	if !ok {
		q = newReadyQueue()
		s.queues[executionID] = q
		s.order = append(s.order, executionID)
	}
	for _, id := range taskIDs {
		q.push(id)
	}
	s.updateDepthGauge()
}

// DropExecution forgets the ready queue of an execution that no longer
// schedules work.
func (s *Scheduler) DropExecution(executionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[executionID]; !ok {
		return
	}
	delete(s.queues, executionID)
	for i, id := range s.order {
		if id == executionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.rr >= len(s.order) {
		s.rr = 0
	}
	s.updateDepthGauge()
}

func (s *Scheduler) updateDepthGauge() {
	depth := 0
	for _, q := range s.queues {
		depth += q.len()
	}
	queueDepthGauge.Set(float64(depth))
}

// nextExecutions returns the execution ids in round-robin order starting
// after the last one served.
func (s *Scheduler) nextExecutions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}
	start := s.rr % len(s.order)
	s.rr = (s.rr + 1) % len(s.order)
	out := make([]int64, 0, len(s.order))
	out = append(out, s.order[start:]...)
	out = append(out, s.order[:start]...)
	return out
}

// QueueDepth reports how many tasks of one execution are queued for
// assignment.
func (s *Scheduler) QueueDepth(executionID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[executionID]
	if !ok {
		return 0
	}
	return q.len()
}

func (s *Scheduler) queuedTasks(executionID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[executionID]
	if !ok {
		return nil
	}
	return q.snapshot()
}

func (s *Scheduler) dequeue(executionID int64, taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[executionID]; ok {
		q.remove(taskID)
	}
	s.updateDepthGauge()
}

func tagMatches(taskTag string, coreTags []string) bool {
	if taskTag == "" {
		return true
	}
	for _, tag := range coreTags {
		if tag == taskTag {
			return true
		}
	}
	return false
}

// AssignNext hands the oldest matching queued task to a polling core, or
// nil when nothing fits. Tag match, quota reservation and the ASSIGNED mark
// happen in one critical section under the execution's lock; a version
// conflict releases the reservation and leaves the task queued for the next
// poll.
func (s *Scheduler) AssignNext(ctx context.Context, coreID string, coreTags []string) (*shared.AssignedTask, error) {
	for _, executionID := range s.nextExecutions() {
		for _, taskID := range s.queuedTasks(executionID) {
			assigned, drop, err := s.tryAssign(ctx, executionID, taskID, coreID, coreTags)
			if err != nil {
				if errors.Is(err, shared.ErrLocked) || errors.Is(err, shared.ErrConflict) {
					continue
				}
				return nil, err
			}
			if drop {
				s.dequeue(executionID, taskID)
			}
			if assigned != nil {
				assignedCounter.Inc()
				return assigned, nil
			}
		}
	}
	return nil, nil
}

// tryAssign attempts one queued candidate. drop reports that the task must
// leave the queue regardless of the outcome (assigned, vanished or no
// longer schedulable).
func (s *Scheduler) tryAssign(ctx context.Context, executionID int64, taskID int64, coreID string, coreTags []string) (assigned *shared.AssignedTask, drop bool, err error) {
	err = s.locks.WithExecution(executionID, func() error {
		task, loadErr := s.repo.LoadTask(ctx, taskID)
		if errors.Is(loadErr, shared.ErrNotFound) {
			drop = true
			return nil
		}
		if loadErr != nil {
			return loadErr
		}
		if task.State != datamodel.TaskStateNone && task.State != datamodel.TaskStateReset {
			drop = true
			return nil
		}
		if !tagMatches(task.Tag, coreTags) {
			return nil
		}

		execution, loadErr := s.repo.LoadExecution(ctx, executionID)
		if loadErr != nil {
			return loadErr
		}
		if execution.State != datamodel.ExecutionStateStarted {
			drop = true
			return nil
		}

		if !s.quota.Reserve(task.Tag) {
			return nil
		}

		now := time.Now()
		task.State = datamodel.TaskStateAssigned
		task.CoreID = &coreID
		task.AssignedAt = &now
		task.QuotaReleased = false

		if saveErr := s.markAssigned(ctx, execution, task); saveErr != nil {
			return saveErr
		}

		drop = true
		assigned = &shared.AssignedTask{
			TaskID:      task.TaskID,
			ExecutionID: task.ExecutionID,
			FunctionRef: task.FunctionRef,
			Params:      task.Params,
			Tag:         task.Tag,
			AssignedAt:  now,
		}
		return nil
	})
	return assigned, drop, err
}

// markAssigned writes the task record first: if the state table write fails
// afterwards, the record is ASSIGNED with a timestamp and no heartbeat, so
// the recovery sweep resets it instead of it getting stuck half-assigned.
// Failure cleanup keeps the ledger and the record's guard flag in agreement:
// exactly one release must happen per reservation, here or in the sweep.
func (s *Scheduler) markAssigned(ctx context.Context, execution *datamodel.Execution, task *datamodel.TaskRecord) error {
	if err := s.repo.SaveTask(ctx, task); err != nil {
		// nothing persisted, the reservation can be freed directly
		s.quota.Release(task.Tag)
		return err
	}
	err := s.graphs.MutateState(ctx, execution.GraphID, execution.TaskStateID, func(_ *graph.DAG, st *graph.StateTable) error {
		st.SetState(task.TaskID, datamodel.TaskStateAssigned)
		return nil
	})
	if err == nil {
		return nil
	}

	// the record is durably ASSIGNED; a direct release here would let the
	// sweep's commit free the same slot a second time. Flag the record as
	// released first, and when even that write fails keep the slot held so
	// the sweep performs the one release.
	task.QuotaReleased = true
	if saveErr := s.repo.SaveTask(ctx, task); saveErr != nil {
		zap.S().Warnf("Task %d is half-assigned and keeps its quota slot until recovery: %s", task.TaskID, saveErr)
		return err
	}
	s.quota.Release(task.Tag)
	return err
}
