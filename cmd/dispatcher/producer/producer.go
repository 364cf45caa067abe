package producer

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskmesh/taskmesh/cmd/dispatcher/graph"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
	"go.uber.org/zap"
)

// ErrInvalidDefinition marks a malformed workflow definition. Productions
// failing with it are permanent: the execution goes ERROR and is never
// retried.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

const (
	// FinishProcessCode is the synthetic completion vertex appended behind
	// every leaf. It is executed by the dispatcher itself, never assigned
	// to a worker core.
	FinishProcessCode = "finish"
	// FinishFunctionRef carries the internal: scheme recognized by
	// shared.IsInternalFunction.
	FinishFunctionRef = "internal:finish"

	rootContextID = "1"
)

// Producer expands a validated workflow definition into task records, a
// dependency graph and an initial state table for one execution.
type Producer struct {
	repo   repository.Repository
	graphs *graph.Store
}

func NewProducer(repo repository.Repository, graphs *graph.Store) *Producer {
	return &Producer{repo: repo, graphs: graphs}
}

// Produce populates the graph store for execution and moves it from NONE
// through PRODUCING to STARTED. On a definition error the execution is left
// in ERROR with the validation message and ErrInvalidDefinition is returned.
func (p *Producer) Produce(ctx context.Context, execution *datamodel.Execution, def *datamodel.WorkflowDefinition) error {
	execution.State = datamodel.ExecutionStateProducing
	if err := p.repo.SaveExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to mark execution %d as producing: %w", execution.ID, err)
	}

	graphID, stateID, taskCount, err := p.produce(ctx, execution, def)
	if err != nil {
		execution.State = datamodel.ExecutionStateError
		execution.ErrorMessage = err.Error()
		if saveErr := p.repo.SaveExecution(ctx, execution); saveErr != nil {
			zap.S().Errorf("Failed to persist production failure for execution %d: %s", execution.ID, saveErr)
		}
		return err
	}

	execution.GraphID = graphID
	execution.TaskStateID = stateID
	execution.State = datamodel.ExecutionStateStarted
	if err := p.repo.SaveExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to start execution %d: %w", execution.ID, err)
	}
	zap.S().Infof("Produced execution %d (workflow %s): %d tasks", execution.ID, def.UID, taskCount)
	return nil
}

func (p *Producer) produce(ctx context.Context, execution *datamodel.Execution, def *datamodel.WorkflowDefinition) (graphID int64, stateID int64, taskCount int, err error) {
	if err := validate(def); err != nil {
		return 0, 0, 0, err
	}

	e := &expansion{executionID: execution.ID}
	if _, _, err := e.expandChain(def.Processes, rootContextID); err != nil {
		return 0, 0, 0, err
	}
	e.appendFinish()

	if err := p.repo.CreateTasks(ctx, e.records); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to create task records for execution %d: %w", execution.ID, err)
	}

	d := graph.NewDAG()
	handles := make([]graph.Handle, len(e.records))
	for i, record := range e.records {
		h, err := d.AddVertex(datamodel.TaskVertex{TaskID: record.TaskID, ContextID: record.ContextID})
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
		}
		handles[i] = h
	}
	for _, edge := range e.edges {
		if err := d.AddEdge(handles[edge[0]], handles[edge[1]]); err != nil {
			return 0, 0, 0, fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
		}
	}
	if err := d.Validate(); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
	}

	st := graph.NewStateTable()
	for _, record := range e.records {
		st.SetState(record.TaskID, record.State)
		st.SetTolerant(record.TaskID, record.ErrorTolerant)
	}

	graphID, stateID, err = p.graphs.Create(ctx, execution.ID, d, st)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to store graph for execution %d: %w", execution.ID, err)
	}
	return graphID, stateID, len(e.records), nil
}

func validate(def *datamodel.WorkflowDefinition) error {
	if def == nil || len(def.Processes) == 0 {
		return fmt.Errorf("%w: empty process list", ErrInvalidDefinition)
	}
	seen := make(map[string]bool)
	return validateProcesses(def.Processes, seen)
}

func validateProcesses(processes []datamodel.ProcessDescriptor, seen map[string]bool) error {
	for _, p := range processes {
		if p.Code == "" {
			return fmt.Errorf("%w: process with empty code", ErrInvalidDefinition)
		}
		if p.FunctionRef == "" {
			return fmt.Errorf("%w: process %s has no function reference", ErrInvalidDefinition, p.Code)
		}
		if seen[p.Code] {
			return fmt.Errorf("%w: duplicate process code %s", ErrInvalidDefinition, p.Code)
		}
		seen[p.Code] = true
		if p.Partitions < 0 {
			return fmt.Errorf("%w: process %s has negative partition count", ErrInvalidDefinition, p.Code)
		}
		if err := validateProcesses(p.SubProcesses, seen); err != nil {
			return err
		}
	}
	return nil
}

// expansion accumulates task records and record-index edge pairs during the
// depth-first walk of the process list.
type expansion struct {
	executionID int64
	records     []*datamodel.TaskRecord
	edges       [][2]int
}

func (e *expansion) addRecord(p datamodel.ProcessDescriptor, ctxID string) int {
	state := datamodel.TaskStateNone
	if p.Cacheable {
		state = datamodel.TaskStateCheckCache
	}
	e.records = append(e.records, &datamodel.TaskRecord{
		ExecutionID:   e.executionID,
		ProcessCode:   p.Code,
		ContextID:     ctxID,
		State:         state,
		FunctionRef:   p.FunctionRef,
		Tag:           p.Tag,
		ErrorTolerant: p.ErrorTolerant,
		Cacheable:     p.Cacheable,
		Params:        p.Params,
	})
	return len(e.records) - 1
}

func (e *expansion) link(from, to int) {
	e.edges = append(e.edges, [2]int{from, to})
}

// expandChain turns an ordered process list into a dependency chain within
// ctxID: every exit of process i feeds every entry of process i+1. Fan-out
// processes (Partitions > 1) instantiate one vertex per partition under a
// branch context id "<ctx>#<ordinal>,<partition>"; their sub-processes are
// chained inside each branch, so parallel branches never serialize against
// each other, only against their shared predecessor and successor.
func (e *expansion) expandChain(processes []datamodel.ProcessDescriptor, ctxID string) (entries, exits []int, err error) {
	var prevExits []int
	for ordinal, p := range processes {
		var groupEntries, groupExits []int
		if p.Partitions <= 1 {
			v := e.addRecord(p, ctxID)
			groupEntries = []int{v}
			groupExits = []int{v}
			if len(p.SubProcesses) > 0 {
				subEntries, subExits, err := e.expandChain(p.SubProcesses, ctxID)
				if err != nil {
					return nil, nil, err
				}
				for _, s := range subEntries {
					e.link(v, s)
				}
				groupExits = subExits
			}
		} else {
			for n := 1; n <= p.Partitions; n++ {
				branchCtx := fmt.Sprintf("%s#%d,%d", ctxID, ordinal+1, n)
				v := e.addRecord(p, branchCtx)
				groupEntries = append(groupEntries, v)
				if len(p.SubProcesses) == 0 {
					groupExits = append(groupExits, v)
					continue
				}
				subEntries, subExits, err := e.expandChain(p.SubProcesses, branchCtx)
				if err != nil {
					return nil, nil, err
				}
				for _, s := range subEntries {
					e.link(v, s)
				}
				groupExits = append(groupExits, subExits...)
			}
		}
		for _, from := range prevExits {
			for _, to := range groupEntries {
				e.link(from, to)
			}
		}
		if entries == nil {
			entries = groupEntries
		}
		prevExits = groupExits
	}
	return entries, prevExits, nil
}

// appendFinish adds the completion pseudo-vertex and converges every leaf
// onto it.
func (e *expansion) appendFinish() {
	outDegree := make([]int, len(e.records))
	for _, edge := range e.edges {
		outDegree[edge[0]]++
	}
	finish := len(e.records)
	e.records = append(e.records, &datamodel.TaskRecord{
		ExecutionID: e.executionID,
		ProcessCode: FinishProcessCode,
		ContextID:   rootContextID,
		State:       datamodel.TaskStateNone,
		FunctionRef: FinishFunctionRef,
	})
	for i := 0; i < finish; i++ {
		if outDegree[i] == 0 {
			e.link(i, finish)
		}
	}
}
