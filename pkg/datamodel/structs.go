package datamodel

import (
	"time"
)

// Execution is one running instance of a workflow. Its State is the only
// externally authoritative summary of progress.
type Execution struct {
	ID          int64          `json:"id"`
	WorkflowUID string         `json:"workflowUid"`
	State       ExecutionState `json:"state"`
	CreatedAt   time.Time      `json:"createdAt"`
	GraphID     int64          `json:"graphId"`
	TaskStateID int64          `json:"taskStateId"`
	// ErrorTaskID and ErrorMessage carry the originating failure when State is ERROR
	ErrorTaskID  *int64 `json:"errorTaskId,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Version      int64  `json:"version"`
}

// TaskVertex is one schedulable unit of work inside an execution's graph.
// ContextID is a path-like id ("1", "1#2,3") distinguishing fan-out branches
// of the same logical process.
type TaskVertex struct {
	TaskID    int64  `json:"taskId"`
	ContextID string `json:"ctxId"`
}

// TaskWithState pairs a vertex with its current lifecycle state.
type TaskWithState struct {
	TaskID int64         `json:"taskId"`
	State  TaskExecState `json:"state"`
}

// TaskRecord is the execution-relevant payload of one task vertex. It is
// created atomically with the vertex and mutated only by the state engine,
// the scheduler and the recovery supervisor.
type TaskRecord struct {
	TaskID      int64         `json:"taskId"`
	ExecutionID int64         `json:"executionId"`
	ProcessCode string        `json:"processCode"`
	ContextID   string        `json:"ctxId"`
	State       TaskExecState `json:"state"`
	FunctionRef string        `json:"functionRef"`
	Tag         string        `json:"tag,omitempty"`
	// ErrorTolerant marks the branch as allowed to fail without skipping descendants
	ErrorTolerant bool       `json:"errorTolerant,omitempty"`
	Cacheable     bool       `json:"cacheable,omitempty"`
	CoreID        *string    `json:"coreId,omitempty"`
	AssignedAt    *time.Time `json:"assignedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Tries         int        `json:"tries"`
	Params        []byte     `json:"params,omitempty"`
	CacheKey      *string    `json:"cacheKey,omitempty"`
	ResultRef     string     `json:"resultRef,omitempty"`
	// QuotaReleased guards against double-release on duplicate result reports
	QuotaReleased bool  `json:"quotaReleased,omitempty"`
	Version       int64 `json:"version"`
}

// CacheEntry is an immutable record of a previously computed result.
type CacheEntry struct {
	Key      string    `json:"key"`
	Digest   string    `json:"digest"`
	Length   int64     `json:"length"`
	Ref      string    `json:"ref"`
	StoredAt time.Time `json:"storedAt"`
}

// ProcessDescriptor is one entry of a workflow's declarative process list.
type ProcessDescriptor struct {
	Code        string `json:"code"`
	FunctionRef string `json:"functionRef"`
	Tag         string `json:"tag,omitempty"`
	// Partitions > 1 fans this process out into one task per partition
	Partitions    int                 `json:"partitions,omitempty"`
	ErrorTolerant bool                `json:"errorTolerant,omitempty"`
	Cacheable     bool                `json:"cacheable,omitempty"`
	Params        []byte              `json:"params,omitempty"`
	SubProcesses  []ProcessDescriptor `json:"subProcesses,omitempty"`
}

// WorkflowDefinition is the validated input of the task producer.
type WorkflowDefinition struct {
	UID       string              `json:"uid"`
	Processes []ProcessDescriptor `json:"processes"`
}

// Heartbeat is one liveness report of a worker core for the task it holds.
type Heartbeat struct {
	CoreID string    `json:"coreId"`
	TaskID int64     `json:"taskId"`
	SentAt time.Time `json:"sentAt"`
}

// TaskOutcome is a worker's verdict for one task attempt.
type TaskOutcome int

const (
	OutcomeOK TaskOutcome = 0
	// OutcomeError is retryable up to the configured bound
	OutcomeError TaskOutcome = 1
	// OutcomeFatal is never retried
	OutcomeFatal   TaskOutcome = 2
	OutcomeTimeout TaskOutcome = 3
)

func (o TaskOutcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeError:
		return "ERROR"
	case OutcomeFatal:
		return "FATAL"
	case OutcomeTimeout:
		return "TIMEOUT"
	}
	return "UNKNOWN"
}

// ExecMetrics are worker-reported measurements of one task attempt.
type ExecMetrics struct {
	DurationMs int64  `json:"durationMs"`
	ExitCode   int    `json:"exitCode"`
	Console    string `json:"console,omitempty"`
}
