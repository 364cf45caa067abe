package datamodel

// TaskExecState is the lifecycle state of a single task record.
type TaskExecState int

const (
	// TaskStateNone means the task was produced but not yet scheduled
	TaskStateNone TaskExecState = 0

	// TaskStateCheckCache means the task is cacheable and waits for a cache-index lookup before scheduling
	TaskStateCheckCache TaskExecState = 1

	// TaskStateAssigned means the task was handed to a worker core but the core did not confirm the start yet
	TaskStateAssigned TaskExecState = 2

	// TaskStateInProgress means the worker core confirmed it is executing the task
	TaskStateInProgress TaskExecState = 3

	// TaskStateOK is the terminal success state
	TaskStateOK TaskExecState = 4

	// TaskStateError means the last attempt failed; the task may still be reset for another try
	TaskStateError TaskExecState = 5

	// TaskStateReset means the recovery supervisor returned the task to the ready pool
	TaskStateReset TaskExecState = 6

	// TaskStateErrorTerminal means the retry bound was exceeded or the failure is non-retryable
	TaskStateErrorTerminal TaskExecState = 7

	// TaskStateSkipped means an ancestor failed terminally and this task will never run
	TaskStateSkipped TaskExecState = 8
)

func (s TaskExecState) String() string {
	switch s {
	case TaskStateNone:
		return "NONE"
	case TaskStateCheckCache:
		return "CHECK_CACHE"
	case TaskStateAssigned:
		return "ASSIGNED"
	case TaskStateInProgress:
		return "IN_PROGRESS"
	case TaskStateOK:
		return "OK"
	case TaskStateError:
		return "ERROR"
	case TaskStateReset:
		return "RESET"
	case TaskStateErrorTerminal:
		return "ERROR_TERMINAL"
	case TaskStateSkipped:
		return "SKIPPED"
	}
	return "UNKNOWN"
}

// IsTerminal reports whether no further transition can happen for this task.
func (s TaskExecState) IsTerminal() bool {
	return s == TaskStateOK || s == TaskStateErrorTerminal || s == TaskStateSkipped
}

// IsTerminalSuccess reports whether successors of this task may start.
// Skipped tasks never unblock their successors.
func (s TaskExecState) IsTerminalSuccess() bool {
	return s == TaskStateOK
}

// IsSchedulable reports whether the scheduler may consider this task for readiness.
func (s TaskExecState) IsSchedulable() bool {
	return s == TaskStateNone || s == TaskStateReset || s == TaskStateCheckCache
}

// ExecutionState is the overall state of one workflow execution.
type ExecutionState int

const (
	// ExecutionStateNone means the execution was just created
	ExecutionStateNone ExecutionState = 0

	// ExecutionStateProducing means the task producer is expanding the workflow into a graph
	ExecutionStateProducing ExecutionState = 1

	// ExecutionStateStarted means tasks are being scheduled and executed
	ExecutionStateStarted ExecutionState = 2

	// ExecutionStateStopped means the user stopped the execution; no new tasks are emitted
	ExecutionStateStopped ExecutionState = 3

	// ExecutionStateFinished means every leaf task reached a terminal-success state
	ExecutionStateFinished ExecutionState = 4

	// ExecutionStateError means a task reached ERROR_TERMINAL or the workflow definition was invalid
	ExecutionStateError ExecutionState = 5
)

func (s ExecutionState) String() string {
	switch s {
	case ExecutionStateNone:
		return "NONE"
	case ExecutionStateProducing:
		return "PRODUCING"
	case ExecutionStateStarted:
		return "STARTED"
	case ExecutionStateStopped:
		return "STOPPED"
	case ExecutionStateFinished:
		return "FINISHED"
	case ExecutionStateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// IsActive reports whether the scheduler should still emit ready tasks for the execution.
func (s ExecutionState) IsActive() bool {
	return s == ExecutionStateProducing || s == ExecutionStateStarted
}
