package repository

import (
	"context"
	"time"

	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

// GraphRecord is the persisted topology of one execution. Blob is the
// JSON-encoded adjacency structure; Version backs optimistic writes.
type GraphRecord struct {
	ID          int64
	ExecutionID int64
	Blob        []byte
	Version     int64
}

// TaskStateRecord is the persisted flat task-id -> lifecycle-state projection
// of one execution. Stored separately from the graph so both can be locked
// and written independently.
type TaskStateRecord struct {
	ID          int64
	ExecutionID int64
	Blob        []byte
	Version     int64
}

// Repository is the storage contract of the dispatcher. All Save methods use
// optimistic concurrency: they succeed only when the stored version equals
// the version of the passed entity, and bump it by one. A lost race returns
// shared.ErrConflict and the caller retries from a fresh load.
type Repository interface {
	CreateExecution(ctx context.Context, execution *datamodel.Execution) error
	LoadExecution(ctx context.Context, id int64) (*datamodel.Execution, error)
	SaveExecution(ctx context.Context, execution *datamodel.Execution) error
	DeleteExecution(ctx context.Context, id int64) error
	ListExecutionIDs(ctx context.Context) ([]int64, error)

	CreateGraph(ctx context.Context, executionID int64, blob []byte) (int64, error)
	LoadGraph(ctx context.Context, id int64) (*GraphRecord, error)
	SaveGraph(ctx context.Context, record *GraphRecord) error

	CreateTaskState(ctx context.Context, executionID int64, blob []byte) (int64, error)
	LoadTaskState(ctx context.Context, id int64) (*TaskStateRecord, error)
	SaveTaskState(ctx context.Context, record *TaskStateRecord) error

	CreateTasks(ctx context.Context, tasks []*datamodel.TaskRecord) error
	LoadTask(ctx context.Context, taskID int64) (*datamodel.TaskRecord, error)
	SaveTask(ctx context.Context, task *datamodel.TaskRecord) error
	TasksByExecution(ctx context.Context, executionID int64) ([]*datamodel.TaskRecord, error)
	DeleteTasksByExecution(ctx context.Context, executionID int64) error

	// StaleAssigned returns tasks sitting in ASSIGNED or IN_PROGRESS whose
	// assignment is older than the given cutoff. Feeds the recovery sweep.
	StaleAssigned(ctx context.Context, cutoff time.Time) ([]*datamodel.TaskRecord, error)

	// OrphanTaskExecutions returns the execution ids referenced by task
	// records whose execution no longer exists, regardless of task state.
	// Feeds the recovery sweep's orphan cleanup.
	OrphanTaskExecutions(ctx context.Context) ([]int64, error)
}

// CacheBackingStore is the shared store behind the cache index. PutIfAbsent
// is first-writer-wins: a losing concurrent writer gets inserted=false and
// the stored entry stays untouched.
type CacheBackingStore interface {
	LoadCacheEntry(ctx context.Context, key string) (*datamodel.CacheEntry, error)
	PutCacheEntryIfAbsent(ctx context.Context, entry *datamodel.CacheEntry) (inserted bool, err error)
}
