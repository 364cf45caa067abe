package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/execsync"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/graph"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/producer"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/quota"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

// conflictOnStateWrite fails the next state-table write, simulating a lost
// optimistic write between the record save and the table save.
type conflictOnStateWrite struct {
	*repository.Memory
	failNext error
}

func (c *conflictOnStateWrite) SaveTaskState(ctx context.Context, record *repository.TaskStateRecord) error {
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return err
	}
	return c.Memory.SaveTaskState(ctx, record)
}

type fixture struct {
	repo      *repository.Memory
	graphs    *graph.Store
	scheduler *Scheduler
	execution *datamodel.Execution
}

func newFixture(t *testing.T, ledger *quota.Ledger, def *datamodel.WorkflowDefinition) *fixture {
	t.Helper()
	repo := repository.NewMemory()
	locks := execsync.GetOrInit()
	graphs, err := graph.NewStore(repo, locks, 16)
	require.NoError(t, err)

	execution := &datamodel.Execution{WorkflowUID: def.UID}
	require.NoError(t, repo.CreateExecution(context.Background(), execution))
	require.NoError(t, producer.NewProducer(repo, graphs).Produce(context.Background(), execution, def))

	return &fixture{
		repo:      repo,
		graphs:    graphs,
		scheduler: New(repo, graphs, locks, ledger),
		execution: execution,
	}
}

func chainDef(codes ...string) *datamodel.WorkflowDefinition {
	def := &datamodel.WorkflowDefinition{UID: "wf-sched"}
	for _, code := range codes {
		def.Processes = append(def.Processes, datamodel.ProcessDescriptor{Code: code, FunctionRef: "fn:" + code})
	}
	return def
}

func TestFindReadyTasksQueuesOnlyRoots(t *testing.T) {
	f := newFixture(t, quota.NewLedger(8, nil), chainDef("a", "b", "c"))

	ready, err := f.scheduler.FindReadyTasks(context.Background(), f.execution.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, []int64{ready[0].TaskID}, f.scheduler.queuedTasks(f.execution.ID))
}

func TestAssignNextMarksAssignedOnce(t *testing.T) {
	f := newFixture(t, quota.NewLedger(8, nil), chainDef("a", "b"))
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)

	assigned, err := f.scheduler.AssignNext(ctx, "core-1", nil)
	require.NoError(t, err)
	require.NotNil(t, assigned)
	assert.Equal(t, f.execution.ID, assigned.ExecutionID)

	task, err := f.repo.LoadTask(ctx, assigned.TaskID)
	require.NoError(t, err)
	assert.Equal(t, datamodel.TaskStateAssigned, task.State)
	require.NotNil(t, task.CoreID)
	assert.Equal(t, "core-1", *task.CoreID)
	require.NotNil(t, task.AssignedAt)

	// the queue drained, a second poll gets nothing
	second, err := f.scheduler.AssignNext(ctx, "core-2", nil)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestAssignNextRespectsTags(t *testing.T) {
	def := &datamodel.WorkflowDefinition{UID: "wf-tags", Processes: []datamodel.ProcessDescriptor{
		{Code: "train", FunctionRef: "fn:train", Tag: "gpu"},
	}}
	f := newFixture(t, quota.NewLedger(8, nil), def)
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)

	assigned, err := f.scheduler.AssignNext(ctx, "core-cpu", []string{"cpu"})
	require.NoError(t, err)
	assert.Nil(t, assigned)

	assigned, err = f.scheduler.AssignNext(ctx, "core-gpu", []string{"cpu", "gpu"})
	require.NoError(t, err)
	require.NotNil(t, assigned)
	assert.Equal(t, "gpu", assigned.Tag)
}

func TestAssignNextRespectsQuota(t *testing.T) {
	def := &datamodel.WorkflowDefinition{UID: "wf-quota", Processes: []datamodel.ProcessDescriptor{
		{Code: "burn", FunctionRef: "fn:burn", Tag: "gpu", Partitions: 3},
	}}
	ledger := quota.NewLedger(8, map[string]int{"gpu": 1})
	f := newFixture(t, ledger, def)
	ctx := context.Background()

	_, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)

	first, err := f.scheduler.AssignNext(ctx, "core-1", []string{"gpu"})
	require.NoError(t, err)
	require.NotNil(t, first)

	// quota exhausted, the remaining partitions stay queued
	second, err := f.scheduler.AssignNext(ctx, "core-2", []string{"gpu"})
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, f.scheduler.queuedTasks(f.execution.ID), 2)

	ledger.Release("gpu")
	third, err := f.scheduler.AssignNext(ctx, "core-2", []string{"gpu"})
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestStoppedExecutionEmitsNothing(t *testing.T) {
	f := newFixture(t, quota.NewLedger(8, nil), chainDef("a"))
	ctx := context.Background()

	f.execution.State = datamodel.ExecutionStateStopped
	require.NoError(t, f.repo.SaveExecution(ctx, f.execution))

	ready, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)
	assert.Empty(t, ready)

	assigned, err := f.scheduler.AssignNext(ctx, "core-1", nil)
	require.NoError(t, err)
	assert.Nil(t, assigned)
}

func TestInternalFinishNeverQueued(t *testing.T) {
	f := newFixture(t, quota.NewLedger(8, nil), chainDef("a"))
	ctx := context.Background()

	// force the single real task terminal so the completion vertex is the
	// only ready one
	tasks, err := f.repo.TasksByExecution(ctx, f.execution.ID)
	require.NoError(t, err)
	var finishID int64
	for _, task := range tasks {
		if task.ProcessCode == producer.FinishProcessCode {
			finishID = task.TaskID
			continue
		}
		err := f.graphs.MutateState(ctx, f.execution.GraphID, f.execution.TaskStateID, func(_ *graph.DAG, st *graph.StateTable) error {
			st.SetState(task.TaskID, datamodel.TaskStateOK)
			return nil
		})
		require.NoError(t, err)
	}

	ready, err := f.scheduler.FindReadyTasks(ctx, f.execution.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, finishID, ready[0].TaskID)
	assert.Empty(t, f.scheduler.queuedTasks(f.execution.ID))
}

func TestLostTableWriteReleasesQuotaExactlyOnce(t *testing.T) {
	repo := &conflictOnStateWrite{Memory: repository.NewMemory()}
	locks := execsync.GetOrInit()
	graphs, err := graph.NewStore(repo, locks, 16)
	require.NoError(t, err)
	ledger := quota.NewLedger(8, map[string]int{"gpu": 1})
	sched := New(repo, graphs, locks, ledger)
	ctx := context.Background()

	execution := &datamodel.Execution{WorkflowUID: "wf-conflict"}
	require.NoError(t, repo.CreateExecution(ctx, execution))
	def := &datamodel.WorkflowDefinition{UID: "wf-conflict", Processes: []datamodel.ProcessDescriptor{
		{Code: "train", FunctionRef: "fn:train", Tag: "gpu"},
	}}
	require.NoError(t, producer.NewProducer(repo, graphs).Produce(ctx, execution, def))

	_, err = sched.FindReadyTasks(ctx, execution.ID)
	require.NoError(t, err)

	repo.failNext = shared.ErrConflict
	assigned, err := sched.AssignNext(ctx, "core-1", []string{"gpu"})
	require.NoError(t, err)
	require.Nil(t, assigned)

	// the reservation came back exactly once, and the durable record carries
	// the guard flag so the recovery sweep will not free the slot again
	assert.Equal(t, 0, ledger.Used("gpu"))
	tasks, err := repo.TasksByExecution(ctx, execution.ID)
	require.NoError(t, err)
	var train *datamodel.TaskRecord
	for _, task := range tasks {
		if task.ProcessCode == "train" {
			train = task
		}
	}
	require.NotNil(t, train)
	assert.Equal(t, datamodel.TaskStateAssigned, train.State)
	assert.True(t, train.QuotaReleased)

	// the freed slot admits exactly one reservation
	assert.True(t, ledger.Reserve("gpu"))
	assert.False(t, ledger.Reserve("gpu"))
}

func TestRoundRobinAcrossExecutions(t *testing.T) {
	ledger := quota.NewLedger(8, nil)
	f1 := newFixture(t, ledger, chainDef("x"))
	f2 := &fixture{repo: f1.repo, graphs: f1.graphs, scheduler: f1.scheduler}

	execution := &datamodel.Execution{WorkflowUID: "wf-other"}
	require.NoError(t, f1.repo.CreateExecution(context.Background(), execution))
	def := &datamodel.WorkflowDefinition{UID: "wf-other", Processes: []datamodel.ProcessDescriptor{
		{Code: "y", FunctionRef: "fn:y"},
	}}
	require.NoError(t, producer.NewProducer(f1.repo, f1.graphs).Produce(context.Background(), execution, def))
	f2.execution = execution

	ctx := context.Background()
	_, err := f1.scheduler.FindReadyTasks(ctx, f1.execution.ID)
	require.NoError(t, err)
	_, err = f1.scheduler.FindReadyTasks(ctx, execution.ID)
	require.NoError(t, err)

	seen := make(map[int64]bool)
	for i := 0; i < 2; i++ {
		assigned, err := f1.scheduler.AssignNext(ctx, "core-1", nil)
		require.NoError(t, err)
		require.NotNil(t, assigned)
		seen[assigned.ExecutionID] = true
	}
	assert.Len(t, seen, 2)
}
