package shared

import (
	"errors"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

// IsInternalFunction reports whether a function reference is executed by the
// dispatcher itself (e.g. the completion pseudo-vertex) and must never be
// assigned to a worker core.
func IsInternalFunction(functionRef string) bool {
	return strings.HasPrefix(functionRef, "internal:")
}

var (
	// ErrConflict is returned by optimistic repository writes when the stored
	// version moved on; the caller must re-load and retry the whole operation
	ErrConflict = errors.New("version conflict, retry from a fresh load")

	ErrNotFound = errors.New("entity not found")

	// ErrLocked is returned when the per-execution lock could not be taken;
	// retryable by the caller
	ErrLocked = errors.New("execution is locked by another operation")

	// ErrCycleDetected is permanent: the workflow definition is malformed
	ErrCycleDetected = errors.New("edge would introduce a cycle")
)

// AssignedTask is what a polling worker core receives.
type AssignedTask struct {
	TaskID      int64     `json:"taskId"`
	ExecutionID int64     `json:"executionId"`
	FunctionRef string    `json:"functionRef"`
	Params      []byte    `json:"params,omitempty"`
	Tag         string    `json:"tag,omitempty"`
	AssignedAt  time.Time `json:"assignedAt"`
}

// TaskResult is one worker report, delivered at least once.
type TaskResult struct {
	TaskID      int64                 `json:"taskId"`
	ExecutionID int64                 `json:"executionId"`
	CoreID      string                `json:"coreId"`
	Outcome     datamodel.TaskOutcome `json:"outcome"`
	Metrics     datamodel.ExecMetrics `json:"metrics"`
	// ResultDigest and ResultLength describe the stored output, set on OK
	ResultDigest string `json:"resultDigest,omitempty"`
	ResultLength int64  `json:"resultLength,omitempty"`
	ResultRef    string `json:"resultRef,omitempty"`
}

// CoreInfo describes a polling worker core: its tags and remaining capacity.
type CoreInfo struct {
	CoreID    string   `json:"coreId"`
	SessionID string   `json:"sessionId"`
	Tags      []string `json:"tags"`
}
