package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/cmd/dispatcher/execsync"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/graph"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/quota"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/scheduler"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/taskcache"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

var (
	appliedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_results_applied_total",
		Help: "Worker results applied by outcome",
	}, []string{"outcome"})
	duplicateCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_results_duplicate_total",
		Help: "Worker results discarded because the task was already terminal",
	})
	cacheShortCircuitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_cache_short_circuits_total",
		Help: "Tasks completed from the cache index without assignment",
	})
)

// EventSink receives every applied transition. Implementations must not
// block; the engine calls them while holding the execution's lock.
type EventSink interface {
	TaskTransition(executionID int64, taskID int64, state datamodel.TaskExecState)
	ExecutionTransition(executionID int64, state datamodel.ExecutionState)
}

// Engine applies worker-reported results to task and execution state. It is
// the only component that moves tasks into terminal states, which keeps the
// completion and quota bookkeeping in one place.
type Engine struct {
	repo      repository.Repository
	graphs    *graph.Store
	locks     *execsync.Locks
	quota     *quota.Ledger
	scheduler *scheduler.Scheduler
	cache     *taskcache.Index
	events    EventSink
	maxTries  int
}

// New builds the engine. cache and events may be nil when the deployment
// runs without a cache index or event publishing.
func New(repo repository.Repository, graphs *graph.Store, locks *execsync.Locks, ledger *quota.Ledger, sched *scheduler.Scheduler, cache *taskcache.Index, events EventSink, maxTries int) *Engine {
	if maxTries < 1 {
		maxTries = 1
	}
	return &Engine{
		repo:      repo,
		graphs:    graphs,
		locks:     locks,
		quota:     ledger,
		scheduler: sched,
		cache:     cache,
		events:    events,
		maxTries:  maxTries,
	}
}

// ApplyResult applies one worker report. Reports are delivered at least
// once: duplicates for already-terminal tasks are discarded without
// re-releasing quota. shared.ErrConflict and shared.ErrLocked are retryable,
// the inbox re-enqueues the report.
func (e *Engine) ApplyResult(ctx context.Context, result *shared.TaskResult) error {
	return e.locks.WithExecution(result.ExecutionID, func() error {
		execution, err := e.repo.LoadExecution(ctx, result.ExecutionID)
		if errors.Is(err, shared.ErrNotFound) {
			zap.S().Infof("Discarding result for task %d: execution %d is gone", result.TaskID, result.ExecutionID)
			return nil
		}
		if err != nil {
			return err
		}

		task, err := e.repo.LoadTask(ctx, result.TaskID)
		if errors.Is(err, shared.ErrNotFound) {
			zap.S().Infof("Discarding result for unknown task %d", result.TaskID)
			return nil
		}
		if err != nil {
			return err
		}

		if task.State.IsTerminal() {
			duplicateCounter.Inc()
			// a retried apply may have persisted the record but lost the
			// state-table write, reconcile before discarding
			return e.syncTableToRecord(ctx, execution, task)
		}
		if task.State != datamodel.TaskStateAssigned && task.State != datamodel.TaskStateInProgress {
			zap.S().Warnf("Discarding result for task %d in state %s", task.TaskID, task.State)
			return nil
		}

		newState := e.outcomeState(task, result.Outcome)
		now := time.Now()
		task.CompletedAt = &now
		task.State = newState
		if newState == datamodel.TaskStateOK {
			task.ResultRef = result.ResultRef
		}
		if newState == datamodel.TaskStateReset {
			task.CoreID = nil
			task.AssignedAt = nil
			task.CompletedAt = nil
		}

		if err := e.commit(ctx, execution, task); err != nil {
			return err
		}

		appliedCounter.WithLabelValues(result.Outcome.String()).Inc()
		if newState == datamodel.TaskStateOK && task.Cacheable && task.CacheKey != nil && e.cache != nil {
			e.storeCacheEntry(ctx, task, result)
		}
		return nil
	})
}

// outcomeState maps a worker outcome onto the next lifecycle state, counting
// tries on failures.
func (e *Engine) outcomeState(task *datamodel.TaskRecord, outcome datamodel.TaskOutcome) datamodel.TaskExecState {
	switch outcome {
	case datamodel.OutcomeOK:
		return datamodel.TaskStateOK
	case datamodel.OutcomeFatal:
		task.Tries++
		return datamodel.TaskStateErrorTerminal
	default:
		task.Tries++
		if task.Tries >= e.maxTries {
			return datamodel.TaskStateErrorTerminal
		}
		return datamodel.TaskStateReset
	}
}

// commit persists one task transition and everything it implies: quota
// release, state-table update, skip propagation, internal-task completion,
// readiness of successors and the execution-level transition. Caller holds
// the execution lock.
func (e *Engine) commit(ctx context.Context, execution *datamodel.Execution, task *datamodel.TaskRecord) error {
	releaseQuota := !task.QuotaReleased
	if releaseQuota {
		task.QuotaReleased = true
	}

	// record first: if the table write conflicts, the retry path sees the
	// terminal record and reconciles instead of double-applying
	if err := e.repo.SaveTask(ctx, task); err != nil {
		return err
	}
	if releaseQuota {
		e.quota.Release(task.Tag)
	}
	e.emitTask(execution.ID, task.TaskID, task.State)

	return e.applyToTable(ctx, execution, task.TaskID, task.State, task.Tries)
}

// syncTableToRecord re-applies a terminal record state to the state table.
// No-op when both already agree.
func (e *Engine) syncTableToRecord(ctx context.Context, execution *datamodel.Execution, task *datamodel.TaskRecord) error {
	inSync := true
	err := e.graphs.ReadSnapshot(ctx, execution.GraphID, execution.TaskStateID, func(_ *graph.DAG, st *graph.StateTable) error {
		inSync = st.StateOf(task.TaskID) == task.State
		return nil
	})
	if err != nil || inSync {
		return err
	}
	zap.S().Warnf("Reconciling state table of execution %d with record of task %d (%s)", execution.ID, task.TaskID, task.State)
	return e.applyToTable(ctx, execution, task.TaskID, task.State, task.Tries)
}

// applyToTable writes one state transition into the state table and runs
// the propagation rules that depend on the full graph view.
func (e *Engine) applyToTable(ctx context.Context, execution *datamodel.Execution, taskID int64, newState datamodel.TaskExecState, tries int) error {
	var (
		skipped        []int64
		internallyDone []int64
		newlyReady     []int64
		executionDone  bool
		failedTaskID   int64
		executionFail  bool
	)

	err := e.graphs.MutateState(ctx, execution.GraphID, execution.TaskStateID, func(d *graph.DAG, st *graph.StateTable) error {
		st.SetState(taskID, newState)
		st.SetTries(taskID, tries)

		if newState == datamodel.TaskStateErrorTerminal && !st.IsTolerant(taskID) {
			skipped = skipDescendants(d, st, taskID)
		}
		// terminal transitions may unblock successors, RESET re-readies the
		// task itself
		if newState.IsTerminal() || newState == datamodel.TaskStateReset {
			internallyDone, newlyReady = e.advance(ctx, d, st)
		}

		executionDone = graph.AllLeafsTerminal(d, st)
		failedTaskID, executionFail = graph.AnyTerminalError(d, st)
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range skipped {
		e.persistDerivedState(ctx, id, datamodel.TaskStateSkipped)
		e.emitTask(execution.ID, id, datamodel.TaskStateSkipped)
	}
	for _, id := range internallyDone {
		e.persistDerivedState(ctx, id, datamodel.TaskStateOK)
		e.emitTask(execution.ID, id, datamodel.TaskStateOK)
	}
	// a stopped or failed execution assigns nothing anymore, re-queueing its
	// successors would only recreate a queue the scheduler drains task by task
	if e.scheduler != nil && len(newlyReady) > 0 && execution.State == datamodel.ExecutionStateStarted {
		e.scheduler.Enqueue(execution.ID, newlyReady...)
	}

	if executionFail {
		return e.finishExecution(ctx, execution, datamodel.ExecutionStateError, failedTaskID)
	}
	if executionDone {
		return e.finishExecution(ctx, execution, datamodel.ExecutionStateFinished, 0)
	}
	return nil
}

// advance completes ready internal tasks (the completion pseudo-vertex) in
// place and collects the remaining ready tasks for the scheduler. Runs
// inside the state-table mutation so the completion check sees the final
// table.
func (e *Engine) advance(ctx context.Context, d *graph.DAG, st *graph.StateTable) (internallyDone []int64, newlyReady []int64) {
	for {
		progressed := false
		for _, v := range graph.FindAllForAssigning(d, st, false) {
			task, err := e.repo.LoadTask(ctx, v.TaskID)
			if err != nil {
				zap.S().Warnf("Ready task %d has no record: %s", v.TaskID, err)
				continue
			}
			if shared.IsInternalFunction(task.FunctionRef) {
				st.SetState(v.TaskID, datamodel.TaskStateOK)
				internallyDone = append(internallyDone, v.TaskID)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	for _, v := range graph.FindAllForAssigning(d, st, false) {
		newlyReady = append(newlyReady, v.TaskID)
	}
	return internallyDone, newlyReady
}

// skipDescendants marks every not-yet-terminal descendant of a failed task
// SKIPPED. Descendants behind a tolerant vertex still lose their failed
// ancestor, so they are skipped as well; tolerance only shields the
// tolerant task's own failure.
func skipDescendants(d *graph.DAG, st *graph.StateTable, taskID int64) []int64 {
	var skipped []int64
	for _, v := range d.Descendants(taskID) {
		if st.StateOf(v.TaskID).IsTerminal() {
			continue
		}
		st.SetState(v.TaskID, datamodel.TaskStateSkipped)
		skipped = append(skipped, v.TaskID)
	}
	return skipped
}

// persistDerivedState mirrors a table-derived transition (SKIPPED, internal
// OK) into the task record. Best effort: the table is authoritative for
// these, a conflict here is reconciled by the next syncTableToRecord.
func (e *Engine) persistDerivedState(ctx context.Context, taskID int64, state datamodel.TaskExecState) {
	task, err := e.repo.LoadTask(ctx, taskID)
	if err != nil {
		zap.S().Warnf("Failed to load task %d for derived state %s: %s", taskID, state, err)
		return
	}
	if task.State.IsTerminal() {
		return
	}
	now := time.Now()
	task.State = state
	task.CompletedAt = &now
	if err := e.repo.SaveTask(ctx, task); err != nil {
		zap.S().Warnf("Failed to persist derived state %s of task %d: %s", state, taskID, err)
	}
}

func (e *Engine) finishExecution(ctx context.Context, execution *datamodel.Execution, state datamodel.ExecutionState, failedTaskID int64) error {
	// a stopped or already-final execution stays where it is; late reports
	// are recorded on the task level only
	if !execution.State.IsActive() {
		return nil
	}
	execution.State = state
	if state == datamodel.ExecutionStateError && failedTaskID != 0 {
		execution.ErrorTaskID = &failedTaskID
		failed, err := e.repo.LoadTask(ctx, failedTaskID)
		if err == nil {
			execution.ErrorMessage = fmt.Sprintf("task %d (%s) failed terminally", failedTaskID, failed.ProcessCode)
		}
	}
	if err := e.repo.SaveExecution(ctx, execution); err != nil {
		return err
	}
	if e.scheduler != nil {
		e.scheduler.DropExecution(execution.ID)
	}
	if e.events != nil {
		e.events.ExecutionTransition(execution.ID, state)
	}
	zap.S().Infof("Execution %d is %s", execution.ID, state)
	return nil
}

func (e *Engine) emitTask(executionID int64, taskID int64, state datamodel.TaskExecState) {
	if e.events != nil {
		e.events.TaskTransition(executionID, taskID, state)
	}
}

func (e *Engine) storeCacheEntry(ctx context.Context, task *datamodel.TaskRecord, result *shared.TaskResult) {
	entry := &datamodel.CacheEntry{
		Key:      *task.CacheKey,
		Digest:   result.ResultDigest,
		Length:   result.ResultLength,
		Ref:      result.ResultRef,
		StoredAt: time.Now(),
	}
	if err := e.cache.Store(ctx, entry); err != nil {
		// a failed store only costs a future recomputation
		zap.S().Warnf("Failed to store cache entry for task %d: %s", task.TaskID, err)
	}
}

// StopExecution halts scheduling for an execution. Assigned tasks stay with
// their workers and may still report once; their results are recorded but the
// execution never leaves STOPPED.
func (e *Engine) StopExecution(ctx context.Context, executionID int64) error {
	return e.locks.WithExecution(executionID, func() error {
		execution, err := e.repo.LoadExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if !execution.State.IsActive() {
			return nil
		}
		execution.State = datamodel.ExecutionStateStopped
		if err := e.repo.SaveExecution(ctx, execution); err != nil {
			return err
		}
		if e.scheduler != nil {
			e.scheduler.DropExecution(executionID)
		}
		if e.events != nil {
			e.events.ExecutionTransition(executionID, datamodel.ExecutionStateStopped)
		}
		zap.S().Infof("Execution %d stopped", executionID)
		return nil
	})
}

// MarkInProgress records the first heartbeat of an assigned task, moving it
// ASSIGNED -> IN_PROGRESS.
func (e *Engine) MarkInProgress(ctx context.Context, executionID int64, taskID int64) error {
	return e.locks.WithExecution(executionID, func() error {
		task, err := e.repo.LoadTask(ctx, taskID)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if task.State != datamodel.TaskStateAssigned {
			return nil
		}
		execution, err := e.repo.LoadExecution(ctx, executionID)
		if err != nil {
			return err
		}
		task.State = datamodel.TaskStateInProgress
		if err := e.repo.SaveTask(ctx, task); err != nil {
			return err
		}
		return e.graphs.MutateState(ctx, execution.GraphID, execution.TaskStateID, func(_ *graph.DAG, st *graph.StateTable) error {
			st.SetState(taskID, datamodel.TaskStateInProgress)
			return nil
		})
	})
}

// RecoverStale returns one silent assigned task to the ready pool, or fails
// it terminally once the retry bound is spent. The caller (the recovery
// supervisor) has already established that no live heartbeat exists. Tasks
// whose execution is gone are removed outright.
func (e *Engine) RecoverStale(ctx context.Context, executionID int64, taskID int64) error {
	return e.locks.WithExecution(executionID, func() error {
		execution, err := e.repo.LoadExecution(ctx, executionID)
		if errors.Is(err, shared.ErrNotFound) {
			zap.S().Infof("Removing orphan tasks of deleted execution %d", executionID)
			orphans, listErr := e.repo.TasksByExecution(ctx, executionID)
			if listErr == nil {
				for _, orphan := range orphans {
					if !orphan.QuotaReleased && (orphan.State == datamodel.TaskStateAssigned || orphan.State == datamodel.TaskStateInProgress) {
						e.quota.Release(orphan.Tag)
					}
				}
			}
			return e.repo.DeleteTasksByExecution(ctx, executionID)
		}
		if err != nil {
			return err
		}

		task, err := e.repo.LoadTask(ctx, taskID)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if task.State != datamodel.TaskStateAssigned && task.State != datamodel.TaskStateInProgress {
			return nil
		}

		task.Tries++
		if task.Tries >= e.maxTries {
			task.State = datamodel.TaskStateErrorTerminal
			zap.S().Warnf("Task %d of execution %d lost its worker for the %d. time, failing it", taskID, executionID, task.Tries)
		} else {
			task.State = datamodel.TaskStateReset
			task.CoreID = nil
			task.AssignedAt = nil
			zap.S().Infof("Resetting stale task %d of execution %d (try %d)", taskID, executionID, task.Tries)
		}
		return e.commit(ctx, execution, task)
	})
}

// ResolveCacheChecks resolves every ready CHECK_CACHE task of an execution:
// hits complete the task with the cached result without assignment, misses
// move it to NONE so the scheduler picks it up.
func (e *Engine) ResolveCacheChecks(ctx context.Context, executionID int64) error {
	return e.locks.WithExecution(executionID, func() error {
		execution, err := e.repo.LoadExecution(ctx, executionID)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if execution.State != datamodel.ExecutionStateStarted {
			return nil
		}

		var candidates []int64
		err = e.graphs.ReadSnapshot(ctx, execution.GraphID, execution.TaskStateID, func(d *graph.DAG, st *graph.StateTable) error {
			for _, v := range graph.FindAllForAssigning(d, st, true) {
				if st.StateOf(v.TaskID) == datamodel.TaskStateCheckCache {
					candidates = append(candidates, v.TaskID)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, taskID := range candidates {
			if err := e.resolveCacheCheck(ctx, execution, taskID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) resolveCacheCheck(ctx context.Context, execution *datamodel.Execution, taskID int64) error {
	task, err := e.repo.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != datamodel.TaskStateCheckCache {
		return nil
	}

	entry, found, err := e.lookupCache(ctx, task)
	if err != nil {
		zap.S().Warnf("Cache lookup for task %d failed, scheduling it instead: %s", taskID, err)
	}

	if found {
		cacheShortCircuitCounter.Inc()
		now := time.Now()
		task.State = datamodel.TaskStateOK
		task.CompletedAt = &now
		task.ResultRef = entry.Ref
		task.QuotaReleased = true // never reserved, nothing to release
		zap.S().Infof("Task %d of execution %d served from cache (%s)", taskID, execution.ID, entry.Key)
		return e.commit(ctx, execution, task)
	}

	task.State = datamodel.TaskStateNone
	if err := e.repo.SaveTask(ctx, task); err != nil {
		return err
	}
	if err := e.graphs.MutateState(ctx, execution.GraphID, execution.TaskStateID, func(_ *graph.DAG, st *graph.StateTable) error {
		st.SetState(taskID, datamodel.TaskStateNone)
		return nil
	}); err != nil {
		return err
	}
	if e.scheduler != nil {
		e.scheduler.Enqueue(execution.ID, taskID)
	}
	return nil
}

// lookupCache computes and persists the task's content key, then consults
// the index. The key is kept on the record so the result can be stored
// under the same key when the task later completes.
func (e *Engine) lookupCache(ctx context.Context, task *datamodel.TaskRecord) (*datamodel.CacheEntry, bool, error) {
	if e.cache == nil {
		return nil, false, nil
	}
	key, err := cacheKeyOf(task)
	if err != nil {
		return nil, false, err
	}
	task.CacheKey = &key
	return e.cache.Lookup(ctx, key)
}

func cacheKeyOf(task *datamodel.TaskRecord) (string, error) {
	var digests []string
	if len(task.Params) > 0 {
		params, err := datamodel.DecodeStepParams(task.Params)
		if err != nil {
			return "", fmt.Errorf("task %d has undecodable params: %w", task.TaskID, err)
		}
		for _, input := range params.Inputs {
			digests = append(digests, input.Digest)
		}
	}
	return taskcache.ComputeKey(task.FunctionRef, task.Params, digests)
}
