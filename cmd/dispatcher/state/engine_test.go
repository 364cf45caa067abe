package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/execsync"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/graph"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/producer"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/quota"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/scheduler"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/taskcache"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

type recordedEvents struct {
	tasks      []datamodel.TaskExecState
	executions []datamodel.ExecutionState
}

func (r *recordedEvents) TaskTransition(_ int64, _ int64, state datamodel.TaskExecState) {
	r.tasks = append(r.tasks, state)
}

func (r *recordedEvents) ExecutionTransition(_ int64, state datamodel.ExecutionState) {
	r.executions = append(r.executions, state)
}

type fixture struct {
	repo      *repository.Memory
	graphs    *graph.Store
	ledger    *quota.Ledger
	scheduler *scheduler.Scheduler
	cache     *taskcache.Index
	engine    *Engine
	events    *recordedEvents
	execution *datamodel.Execution
}

func newFixture(t *testing.T, maxTries int, def *datamodel.WorkflowDefinition) *fixture {
	t.Helper()
	repo := repository.NewMemory()
	locks := execsync.GetOrInit()
	graphs, err := graph.NewStore(repo, locks, 16)
	require.NoError(t, err)
	ledger := quota.NewLedger(16, nil)
	sched := scheduler.New(repo, graphs, locks, ledger)
	cache := taskcache.NewIndex(repo, 256*1024)
	events := &recordedEvents{}
	engine := New(repo, graphs, locks, ledger, sched, cache, events, maxTries)

	execution := &datamodel.Execution{WorkflowUID: def.UID}
	require.NoError(t, repo.CreateExecution(context.Background(), execution))
	require.NoError(t, producer.NewProducer(repo, graphs).Produce(context.Background(), execution, def))

	return &fixture{
		repo:      repo,
		graphs:    graphs,
		ledger:    ledger,
		scheduler: sched,
		cache:     cache,
		engine:    engine,
		events:    events,
		execution: execution,
	}
}

func chainDef(codes ...string) *datamodel.WorkflowDefinition {
	def := &datamodel.WorkflowDefinition{UID: "wf-state"}
	for _, code := range codes {
		def.Processes = append(def.Processes, datamodel.ProcessDescriptor{Code: code, FunctionRef: "fn:" + code})
	}
	return def
}

// assignOne pulls the next queued task for a core, failing the test when
// nothing is assignable.
func (f *fixture) assignOne(t *testing.T) *shared.AssignedTask {
	t.Helper()
	assigned, err := f.scheduler.AssignNext(context.Background(), "core-1", nil)
	require.NoError(t, err)
	require.NotNil(t, assigned)
	return assigned
}

func (f *fixture) report(t *testing.T, taskID int64, outcome datamodel.TaskOutcome) {
	t.Helper()
	err := f.engine.ApplyResult(context.Background(), &shared.TaskResult{
		TaskID:      taskID,
		ExecutionID: f.execution.ID,
		CoreID:      "core-1",
		Outcome:     outcome,
		ResultRef:   "store://result",
	})
	require.NoError(t, err)
}

func (f *fixture) reloadExecution(t *testing.T) *datamodel.Execution {
	t.Helper()
	execution, err := f.repo.LoadExecution(context.Background(), f.execution.ID)
	require.NoError(t, err)
	return execution
}

func TestSequentialChainFinishes(t *testing.T) {
	f := newFixture(t, 3, chainDef("a", "b", "c"))
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assigned := f.assignOne(t)
		f.report(t, assigned.TaskID, datamodel.OutcomeOK)
	}

	assert.Equal(t, datamodel.ExecutionStateFinished, f.reloadExecution(t).State)

	tasks, err := f.repo.TasksByExecution(ctx, f.execution.ID)
	require.NoError(t, err)
	okCount := 0
	for _, task := range tasks {
		assert.Equal(t, datamodel.TaskStateOK, task.State)
		if !shared.IsInternalFunction(task.FunctionRef) {
			okCount++
		}
	}
	assert.Equal(t, 3, okCount)
	assert.Equal(t, 0, f.ledger.Used(""))
	assert.Contains(t, f.events.executions, datamodel.ExecutionStateFinished)
}

func TestFanOutJoinOrdering(t *testing.T) {
	def := &datamodel.WorkflowDefinition{UID: "wf-fan", Processes: []datamodel.ProcessDescriptor{
		{Code: "split", FunctionRef: "fn:split", Partitions: 4},
		{Code: "join", FunctionRef: "fn:join"},
	}}
	f := newFixture(t, 3, def)
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)

	var branches []*shared.AssignedTask
	for i := 0; i < 4; i++ {
		branches = append(branches, f.assignOne(t))
	}
	// all branches out, the join must not be assignable yet
	none, err := f.scheduler.AssignNext(ctx, "core-2", nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	for i, branch := range branches {
		f.report(t, branch.TaskID, datamodel.OutcomeOK)
		if i < 3 {
			none, err := f.scheduler.AssignNext(ctx, "core-2", nil)
			require.NoError(t, err)
			assert.Nil(t, none, "join became ready before every branch finished")
		}
	}

	join := f.assignOne(t)
	f.report(t, join.TaskID, datamodel.OutcomeOK)
	assert.Equal(t, datamodel.ExecutionStateFinished, f.reloadExecution(t).State)
}

func TestRetryBoundExceeded(t *testing.T) {
	f := newFixture(t, 2, chainDef("flaky", "after"))
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)

	// first failure resets the task and re-queues it
	first := f.assignOne(t)
	f.report(t, first.TaskID, datamodel.OutcomeError)

	task, err := f.repo.LoadTask(ctx, first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datamodel.TaskStateReset, task.State)
	assert.Equal(t, 1, task.Tries)
	assert.Nil(t, task.CoreID)

	// second failure exceeds the bound
	second := f.assignOne(t)
	assert.Equal(t, first.TaskID, second.TaskID)
	f.report(t, second.TaskID, datamodel.OutcomeError)

	task, err = f.repo.LoadTask(ctx, first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datamodel.TaskStateErrorTerminal, task.State)

	execution := f.reloadExecution(t)
	assert.Equal(t, datamodel.ExecutionStateError, execution.State)
	require.NotNil(t, execution.ErrorTaskID)
	assert.Equal(t, first.TaskID, *execution.ErrorTaskID)

	tasks, err := f.repo.TasksByExecution(ctx, f.execution.ID)
	require.NoError(t, err)
	for _, other := range tasks {
		if other.TaskID == first.TaskID {
			continue
		}
		assert.Equal(t, datamodel.TaskStateSkipped, other.State, "descendant %s not skipped", other.ProcessCode)
	}
	assert.Equal(t, 0, f.ledger.Used(""))
}

func TestFatalOutcomeSkipsRetries(t *testing.T) {
	f := newFixture(t, 5, chainDef("boom"))
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)

	assigned := f.assignOne(t)
	f.report(t, assigned.TaskID, datamodel.OutcomeFatal)

	task, err := f.repo.LoadTask(ctx, assigned.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datamodel.TaskStateErrorTerminal, task.State)
	assert.Equal(t, datamodel.ExecutionStateError, f.reloadExecution(t).State)
}

func TestTolerantFailureDoesNotFailExecution(t *testing.T) {
	def := &datamodel.WorkflowDefinition{UID: "wf-tolerant", Processes: []datamodel.ProcessDescriptor{
		{Code: "optional", FunctionRef: "fn:optional", ErrorTolerant: true},
		{Code: "after", FunctionRef: "fn:after"},
	}}
	f := newFixture(t, 1, def)
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)

	optional := f.assignOne(t)
	f.report(t, optional.TaskID, datamodel.OutcomeError)

	// the tolerant failure is terminal for the task but not the execution
	task, err := f.repo.LoadTask(ctx, optional.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datamodel.TaskStateErrorTerminal, task.State)
	assert.Equal(t, datamodel.ExecutionStateStarted, f.reloadExecution(t).State)

	after := f.assignOne(t)
	f.report(t, after.TaskID, datamodel.OutcomeOK)
	assert.Equal(t, datamodel.ExecutionStateFinished, f.reloadExecution(t).State)
}

func TestDuplicateReportIsIdempotent(t *testing.T) {
	f := newFixture(t, 3, chainDef("a", "b"))
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)

	assigned := f.assignOne(t)
	f.report(t, assigned.TaskID, datamodel.OutcomeOK)
	usedAfterFirst := f.ledger.Used("")

	// at-least-once delivery: the same report arrives again
	f.report(t, assigned.TaskID, datamodel.OutcomeOK)
	assert.Equal(t, usedAfterFirst, f.ledger.Used(""))

	task, err := f.repo.LoadTask(ctx, assigned.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datamodel.TaskStateOK, task.State)

	// only one successor may be queued
	next := f.assignOne(t)
	none, err := f.scheduler.AssignNext(ctx, "core-2", nil)
	require.NoError(t, err)
	assert.Nil(t, none)
	f.report(t, next.TaskID, datamodel.OutcomeOK)
}

func TestMarkInProgress(t *testing.T) {
	f := newFixture(t, 3, chainDef("a"))
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)
	assigned := f.assignOne(t)

	require.NoError(t, f.engine.MarkInProgress(ctx, f.execution.ID, assigned.TaskID))
	task, err := f.repo.LoadTask(ctx, assigned.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datamodel.TaskStateInProgress, task.State)

	// a second heartbeat is a no-op
	require.NoError(t, f.engine.MarkInProgress(ctx, f.execution.ID, assigned.TaskID))
	f.report(t, assigned.TaskID, datamodel.OutcomeOK)
	assert.Equal(t, datamodel.ExecutionStateFinished, f.reloadExecution(t).State)
}

func cacheableDef() *datamodel.WorkflowDefinition {
	return &datamodel.WorkflowDefinition{UID: "wf-cache", Processes: []datamodel.ProcessDescriptor{
		{Code: "pure", FunctionRef: "fn:pure", Cacheable: true, Params: []byte(`{"version":2,"functionRef":"fn:pure"}`)},
	}}
}

func TestCacheHitShortCircuits(t *testing.T) {
	f := newFixture(t, 3, cacheableDef())
	ctx := context.Background()

	tasks, err := f.repo.TasksByExecution(ctx, f.execution.ID)
	require.NoError(t, err)
	var pure *datamodel.TaskRecord
	for _, task := range tasks {
		if task.ProcessCode == "pure" {
			pure = task
		}
	}
	require.NotNil(t, pure)
	require.Equal(t, datamodel.TaskStateCheckCache, pure.State)

	key, err := cacheKeyOf(pure)
	require.NoError(t, err)
	require.NoError(t, f.cache.Store(ctx, &datamodel.CacheEntry{
		Key:    key,
		Digest: "digest-1",
		Length: 9,
		Ref:    "store://cached",
	}))

	require.NoError(t, f.engine.ResolveCacheChecks(ctx, f.execution.ID))

	task, err := f.repo.LoadTask(ctx, pure.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datamodel.TaskStateOK, task.State)
	assert.Equal(t, "store://cached", task.ResultRef)
	assert.Nil(t, task.CoreID, "cache hits must never be assigned")
	assert.Equal(t, datamodel.ExecutionStateFinished, f.reloadExecution(t).State)
}

func TestCacheMissSchedulesTask(t *testing.T) {
	f := newFixture(t, 3, cacheableDef())
	ctx := context.Background()

	require.NoError(t, f.engine.ResolveCacheChecks(ctx, f.execution.ID))

	assigned := f.assignOne(t)
	task, err := f.repo.LoadTask(ctx, assigned.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.CacheKey)

	// completing the task populates the cache under the recorded key
	err = f.engine.ApplyResult(ctx, &shared.TaskResult{
		TaskID:       assigned.TaskID,
		ExecutionID:  f.execution.ID,
		CoreID:       "core-1",
		Outcome:      datamodel.OutcomeOK,
		ResultDigest: "digest-fresh",
		ResultLength: 17,
		ResultRef:    "store://fresh",
	})
	require.NoError(t, err)

	entry, found, err := f.cache.Lookup(ctx, *task.CacheKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "digest-fresh", entry.Digest)

	// wait for the durable path to settle is unnecessary, Store is inline
	assert.Equal(t, datamodel.ExecutionStateFinished, f.reloadExecution(t).State)
}

func TestStaleReportForResetTaskDiscarded(t *testing.T) {
	f := newFixture(t, 3, chainDef("a"))
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)
	assigned := f.assignOne(t)

	// recovery reset the task before the (slow) report arrived
	task, err := f.repo.LoadTask(ctx, assigned.TaskID)
	require.NoError(t, err)
	task.State = datamodel.TaskStateReset
	task.CoreID = nil
	task.AssignedAt = nil
	require.NoError(t, f.repo.SaveTask(ctx, task))
	require.NoError(t, f.graphs.MutateState(ctx, f.execution.GraphID, f.execution.TaskStateID, func(_ *graph.DAG, st *graph.StateTable) error {
		st.SetState(task.TaskID, datamodel.TaskStateReset)
		return nil
	}))

	f.report(t, assigned.TaskID, datamodel.OutcomeOK)

	task, err = f.repo.LoadTask(ctx, assigned.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datamodel.TaskStateReset, task.State, "stale report must not complete a reset task")
}

func TestStopExecutionFreezesState(t *testing.T) {
	f := newFixture(t, 3, chainDef("a", "b"))
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)
	assigned := f.assignOne(t)

	require.NoError(t, f.engine.StopExecution(ctx, f.execution.ID))
	assert.Equal(t, datamodel.ExecutionStateStopped, f.reloadExecution(t).State)
	assert.Contains(t, f.events.executions, datamodel.ExecutionStateStopped)

	// no further work is handed out
	none, err := f.scheduler.AssignNext(ctx, "core-2", nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	// the in-flight task may still report once; the record is kept but the
	// execution never leaves STOPPED
	f.report(t, assigned.TaskID, datamodel.OutcomeOK)
	task, err := f.repo.LoadTask(ctx, assigned.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datamodel.TaskStateOK, task.State)
	assert.Equal(t, datamodel.ExecutionStateStopped, f.reloadExecution(t).State)
	assert.Equal(t, 0, f.ledger.Used(""))

	// the unblocked successor must not be re-queued for a stopped execution
	assert.Equal(t, 0, f.scheduler.QueueDepth(f.execution.ID))

	// stopping again is a no-op
	require.NoError(t, f.engine.StopExecution(ctx, f.execution.ID))
}

func TestInboxDeliversAndRetries(t *testing.T) {
	f := newFixture(t, 3, chainDef("a"))
	ctx := context.Background()

	inbox, err := NewInbox(t.TempDir(), f.engine)
	require.NoError(t, err)
	defer func() { _ = inbox.Shutdown() }()
	inbox.Setup()

	_, err = f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)
	assigned := f.assignOne(t)

	require.NoError(t, inbox.Enqueue(&shared.TaskResult{
		TaskID:      assigned.TaskID,
		ExecutionID: f.execution.ID,
		CoreID:      "core-1",
		Outcome:     datamodel.OutcomeOK,
		ResultRef:   "store://inbox",
	}))

	require.Eventually(t, func() bool {
		return f.reloadExecution(t).State == datamodel.ExecutionStateFinished
	}, 5*time.Second, 10*time.Millisecond)
}
