package repository

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

// Memory is a process-local Repository used by tests and single-node runs.
// It enforces the same optimistic-versioning semantics as the postgres
// implementation, including conflict errors on stale writes.
type Memory struct {
	lock       sync.Mutex
	nextID     int64
	executions map[int64]datamodel.Execution
	graphs     map[int64]GraphRecord
	states     map[int64]TaskStateRecord
	tasks      map[int64]datamodel.TaskRecord
	cache      map[string]datamodel.CacheEntry
}

func NewMemory() *Memory {
	return &Memory{
		nextID:     1,
		executions: make(map[int64]datamodel.Execution),
		graphs:     make(map[int64]GraphRecord),
		states:     make(map[int64]TaskStateRecord),
		tasks:      make(map[int64]datamodel.TaskRecord),
		cache:      make(map[string]datamodel.CacheEntry),
	}
}

func (m *Memory) allocID() int64 {
	id := m.nextID
	m.nextID++
	return id
}

func (m *Memory) CreateExecution(_ context.Context, execution *datamodel.Execution) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	execution.ID = m.allocID()
	execution.Version = 1
	m.executions[execution.ID] = *execution
	return nil
}

func (m *Memory) LoadExecution(_ context.Context, id int64) (*datamodel.Execution, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &e, nil
}

func (m *Memory) SaveExecution(_ context.Context, execution *datamodel.Execution) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	stored, ok := m.executions[execution.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Version != execution.Version {
		return shared.ErrConflict
	}
	execution.Version++
	m.executions[execution.ID] = *execution
	return nil
}

func (m *Memory) DeleteExecution(_ context.Context, id int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return shared.ErrNotFound
	}
	delete(m.executions, id)
	delete(m.graphs, e.GraphID)
	delete(m.states, e.TaskStateID)
	return nil
}

func (m *Memory) ListExecutionIDs(_ context.Context) ([]int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	ids := make([]int64, 0, len(m.executions))
	for id := range m.executions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) CreateGraph(_ context.Context, executionID int64, blob []byte) (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	id := m.allocID()
	m.graphs[id] = GraphRecord{ID: id, ExecutionID: executionID, Blob: append([]byte(nil), blob...), Version: 1}
	return id, nil
}

func (m *Memory) LoadGraph(_ context.Context, id int64) (*GraphRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	g, ok := m.graphs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	g.Blob = append([]byte(nil), g.Blob...)
	return &g, nil
}

func (m *Memory) SaveGraph(_ context.Context, record *GraphRecord) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	stored, ok := m.graphs[record.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Version != record.Version {
		return shared.ErrConflict
	}
	record.Version++
	m.graphs[record.ID] = GraphRecord{ID: record.ID, ExecutionID: record.ExecutionID, Blob: append([]byte(nil), record.Blob...), Version: record.Version}
	return nil
}

func (m *Memory) CreateTaskState(_ context.Context, executionID int64, blob []byte) (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	id := m.allocID()
	m.states[id] = TaskStateRecord{ID: id, ExecutionID: executionID, Blob: append([]byte(nil), blob...), Version: 1}
	return id, nil
}

func (m *Memory) LoadTaskState(_ context.Context, id int64) (*TaskStateRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, ok := m.states[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	s.Blob = append([]byte(nil), s.Blob...)
	return &s, nil
}

func (m *Memory) SaveTaskState(_ context.Context, record *TaskStateRecord) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	stored, ok := m.states[record.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Version != record.Version {
		return shared.ErrConflict
	}
	record.Version++
	m.states[record.ID] = TaskStateRecord{ID: record.ID, ExecutionID: record.ExecutionID, Blob: append([]byte(nil), record.Blob...), Version: record.Version}
	return nil
}

func (m *Memory) CreateTasks(_ context.Context, tasks []*datamodel.TaskRecord) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, task := range tasks {
		if task.TaskID == 0 {
			task.TaskID = m.allocID()
		}
		task.Version = 1
		m.tasks[task.TaskID] = *task
	}
	return nil
}

func (m *Memory) LoadTask(_ context.Context, taskID int64) (*datamodel.TaskRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &t, nil
}

func (m *Memory) SaveTask(_ context.Context, task *datamodel.TaskRecord) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	stored, ok := m.tasks[task.TaskID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Version != task.Version {
		return shared.ErrConflict
	}
	task.Version++
	m.tasks[task.TaskID] = *task
	return nil
}

func (m *Memory) TasksByExecution(_ context.Context, executionID int64) ([]*datamodel.TaskRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	var out []*datamodel.TaskRecord
	for _, t := range m.tasks {
		if t.ExecutionID == executionID {
			task := t
			out = append(out, &task)
		}
	}
	return out, nil
}

func (m *Memory) DeleteTasksByExecution(_ context.Context, executionID int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for id, t := range m.tasks {
		if t.ExecutionID == executionID {
			delete(m.tasks, id)
		}
	}
	return nil
}

func (m *Memory) StaleAssigned(_ context.Context, cutoff time.Time) ([]*datamodel.TaskRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	var out []*datamodel.TaskRecord
	for _, t := range m.tasks {
		if t.State != datamodel.TaskStateAssigned && t.State != datamodel.TaskStateInProgress {
			continue
		}
		if t.AssignedAt != nil && t.AssignedAt.Before(cutoff) {
			task := t
			out = append(out, &task)
		}
	}
	return out, nil
}

func (m *Memory) OrphanTaskExecutions(_ context.Context) ([]int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, t := range m.tasks {
		if seen[t.ExecutionID] {
			continue
		}
		if _, ok := m.executions[t.ExecutionID]; !ok {
			seen[t.ExecutionID] = true
			out = append(out, t.ExecutionID)
		}
	}
	return out, nil
}

func (m *Memory) LoadCacheEntry(_ context.Context, key string) (*datamodel.CacheEntry, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	entry, ok := m.cache[key]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &entry, nil
}

func (m *Memory) PutCacheEntryIfAbsent(_ context.Context, entry *datamodel.CacheEntry) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.cache[entry.Key]; ok {
		return false, nil
	}
	m.cache[entry.Key] = *entry
	return true, nil
}
