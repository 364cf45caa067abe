package graph

import (
	"github.com/goccy/go-json"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

// StateTable is the flat task-id -> lifecycle-state projection of one
// execution, stored and versioned separately from the topology. A task
// missing from the table is in state NONE.
type StateTable struct {
	States map[int64]datamodel.TaskExecState `json:"states"`
	// Tries counts recovery attempts per task, kept here so the scheduler
	// and supervisor share one number
	Tries map[int64]int `json:"tries,omitempty"`
	// Tolerant marks tasks whose terminal failure does not block their
	// successors nor fail the execution. Set once at production time.
	Tolerant map[int64]bool `json:"tolerant,omitempty"`
}

func NewStateTable() *StateTable {
	return &StateTable{
		States:   make(map[int64]datamodel.TaskExecState),
		Tries:    make(map[int64]int),
		Tolerant: make(map[int64]bool),
	}
}

func (t *StateTable) StateOf(taskID int64) datamodel.TaskExecState {
	return t.States[taskID]
}

func (t *StateTable) SetState(taskID int64, state datamodel.TaskExecState) {
	t.States[taskID] = state
}

func (t *StateTable) TriesOf(taskID int64) int {
	return t.Tries[taskID]
}

func (t *StateTable) SetTries(taskID int64, tries int) {
	if t.Tries == nil {
		t.Tries = make(map[int64]int)
	}
	t.Tries[taskID] = tries
}

func (t *StateTable) IsTolerant(taskID int64) bool {
	return t.Tolerant[taskID]
}

func (t *StateTable) SetTolerant(taskID int64, tolerant bool) {
	if t.Tolerant == nil {
		t.Tolerant = make(map[int64]bool)
	}
	if tolerant {
		t.Tolerant[taskID] = true
	} else {
		delete(t.Tolerant, taskID)
	}
}

func (t *StateTable) Encode() ([]byte, error) {
	return json.Marshal(t)
}

func DecodeStateTable(blob []byte) (*StateTable, error) {
	t := NewStateTable()
	if len(blob) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(blob, t); err != nil {
		return nil, err
	}
	if t.States == nil {
		t.States = make(map[int64]datamodel.TaskExecState)
	}
	if t.Tries == nil {
		t.Tries = make(map[int64]int)
	}
	if t.Tolerant == nil {
		t.Tolerant = make(map[int64]bool)
	}
	return t, nil
}

// readiness views over graph + state, mirrored from the assignment logic of
// the dispatcher's scheduling core.

// IsParentFullyProcessed reports whether every direct predecessor of the
// vertex is processed: terminal-success, or terminally failed but marked
// tolerant.
func IsParentFullyProcessed(d *DAG, t *StateTable, taskID int64) bool {
	for _, p := range d.DirectPredecessors(taskID) {
		s := t.StateOf(p.TaskID)
		if s.IsTerminalSuccess() {
			continue
		}
		if s == datamodel.TaskStateErrorTerminal && t.IsTolerant(p.TaskID) {
			continue
		}
		return false
	}
	return true
}

// FindAllForAssigning walks the graph breadth-first and returns every vertex
// that is schedulable and whose direct predecessors are all terminal-success.
// includeForCaching controls whether CHECK_CACHE tasks count as schedulable;
// the cache resolver passes true, the plain scheduler false.
func FindAllForAssigning(d *DAG, t *StateTable, includeForCaching bool) []datamodel.TaskVertex {
	schedulable := func(s datamodel.TaskExecState) bool {
		if s == datamodel.TaskStateCheckCache {
			return includeForCaching
		}
		return s == datamodel.TaskStateNone || s == datamodel.TaskStateReset
	}

	var out []datamodel.TaskVertex
	for _, v := range d.TopologicalOrder() {
		if !schedulable(t.StateOf(v.TaskID)) {
			continue
		}
		if IsParentFullyProcessed(d, t, v.TaskID) {
			out = append(out, v)
		}
	}
	return out
}

// AllLeafsTerminal reports whether every leaf reached a terminal state,
// meaning the execution as a whole is done.
func AllLeafsTerminal(d *DAG, t *StateTable) bool {
	for _, leaf := range d.Leafs() {
		if !t.StateOf(leaf.TaskID).IsTerminal() {
			return false
		}
	}
	return true
}

// AnyTerminalError reports whether some task failed for good. Tolerant
// tasks do not count, their failure never fails the execution.
func AnyTerminalError(d *DAG, t *StateTable) (int64, bool) {
	for _, v := range d.TopologicalOrder() {
		if t.StateOf(v.TaskID) == datamodel.TaskStateErrorTerminal && !t.IsTolerant(v.TaskID) {
			return v.TaskID, true
		}
	}
	return 0, false
}
