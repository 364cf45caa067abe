// Package graph holds, per execution, the task DAG and the flat task-state
// projection. Vertices live in an arena addressed by opaque handles; a side
// table maps task ids onto handles. Acyclicity is maintained incrementally
// on every AddEdge instead of being re-checked wholesale.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

var (
	ErrDuplicateTask = errors.New("task id already present in graph")
	ErrUnknownVertex = errors.New("vertex handle out of range")
	ErrSelfLoop      = errors.New("self loops are not allowed")
)

// Handle addresses one vertex inside the arena.
type Handle int32

type vertexNode struct {
	vertex datamodel.TaskVertex
	out    []Handle
	in     []Handle
}

// DAG is a directed acyclic graph of task vertices. Not safe for concurrent
// mutation; callers hold the execution's graph lock.
type DAG struct {
	nodes  []vertexNode
	byTask map[int64]Handle
	// order and pos maintain an incremental topological ordering
	// (Pearce-Kelly); pos[h] is the index of handle h inside order
	order []Handle
	pos   []int
}

func NewDAG() *DAG {
	return &DAG{byTask: make(map[int64]Handle)}
}

func (d *DAG) Len() int {
	return len(d.nodes)
}

// AddVertex appends a vertex to the arena and to the end of the topological
// order.
func (d *DAG) AddVertex(v datamodel.TaskVertex) (Handle, error) {
	if _, exists := d.byTask[v.TaskID]; exists {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateTask, v.TaskID)
	}
	h := Handle(len(d.nodes))
	d.nodes = append(d.nodes, vertexNode{vertex: v})
	d.byTask[v.TaskID] = h
	d.pos = append(d.pos, len(d.order))
	d.order = append(d.order, h)
	return h, nil
}

func (d *DAG) valid(h Handle) bool {
	return h >= 0 && int(h) < len(d.nodes)
}

// HandleOf looks a vertex up by task id.
func (d *DAG) HandleOf(taskID int64) (Handle, bool) {
	h, ok := d.byTask[taskID]
	return h, ok
}

// Vertex returns the vertex behind a handle.
func (d *DAG) Vertex(h Handle) (datamodel.TaskVertex, error) {
	if !d.valid(h) {
		return datamodel.TaskVertex{}, ErrUnknownVertex
	}
	return d.nodes[h].vertex, nil
}

func (d *DAG) hasEdge(from Handle, to Handle) bool {
	for _, h := range d.nodes[from].out {
		if h == to {
			return true
		}
	}
	return false
}

// AddEdge inserts the dependency from -> to, meaning "to may start only once
// from finished successfully". An edge that would close a cycle is rejected
// with shared.ErrCycleDetected and the graph stays unchanged.
func (d *DAG) AddEdge(from Handle, to Handle) error {
	if !d.valid(from) || !d.valid(to) {
		return ErrUnknownVertex
	}
	if from == to {
		return ErrSelfLoop
	}
	if d.hasEdge(from, to) {
		return nil
	}

	lb, ub := d.pos[to], d.pos[from]
	if lb > ub {
		// insertion respects the current order, nothing to move
		d.link(from, to)
		return nil
	}

	// the affected region is [lb, ub]: forward-reachable from `to`,
	// backward-reachable from `from`
	deltaF, cycle := d.forwardScan(to, from, ub)
	if cycle {
		return fmt.Errorf("%w: task %d -> task %d",
			shared.ErrCycleDetected, d.nodes[from].vertex.TaskID, d.nodes[to].vertex.TaskID)
	}
	deltaB := d.backwardScan(from, lb)

	d.link(from, to)
	d.reorder(deltaB, deltaF)
	return nil
}

func (d *DAG) link(from Handle, to Handle) {
	d.nodes[from].out = append(d.nodes[from].out, to)
	d.nodes[to].in = append(d.nodes[to].in, from)
}

// forwardScan collects the vertices reachable from start whose position is
// within the affected region. Reaching target means the new edge closes a
// cycle.
func (d *DAG) forwardScan(start Handle, target Handle, ub int) (visited []Handle, cycle bool) {
	seen := map[Handle]bool{start: true}
	stack := []Handle{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visited = append(visited, n)
		for _, w := range d.nodes[n].out {
			if w == target {
				return nil, true
			}
			if !seen[w] && d.pos[w] < ub {
				seen[w] = true
				stack = append(stack, w)
			}
		}
	}
	return visited, false
}

func (d *DAG) backwardScan(start Handle, lb int) (visited []Handle) {
	seen := map[Handle]bool{start: true}
	stack := []Handle{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visited = append(visited, n)
		for _, w := range d.nodes[n].in {
			if !seen[w] && d.pos[w] > lb {
				seen[w] = true
				stack = append(stack, w)
			}
		}
	}
	return visited
}

// reorder re-slots the affected vertices into their vacated positions:
// the backward set (ancestors of the edge source) must end up before the
// forward set (successors of the edge target).
func (d *DAG) reorder(deltaB []Handle, deltaF []Handle) {
	sort.Slice(deltaB, func(i, j int) bool { return d.pos[deltaB[i]] < d.pos[deltaB[j]] })
	sort.Slice(deltaF, func(i, j int) bool { return d.pos[deltaF[i]] < d.pos[deltaF[j]] })

	slots := make([]int, 0, len(deltaB)+len(deltaF))
	for _, h := range deltaB {
		slots = append(slots, d.pos[h])
	}
	for _, h := range deltaF {
		slots = append(slots, d.pos[h])
	}
	sort.Ints(slots)

	placed := append(append([]Handle{}, deltaB...), deltaF...)
	for i, h := range placed {
		d.order[slots[i]] = h
		d.pos[h] = slots[i]
	}
}

// DirectSuccessors returns the vertices directly depending on taskID.
func (d *DAG) DirectSuccessors(taskID int64) []datamodel.TaskVertex {
	h, ok := d.byTask[taskID]
	if !ok {
		return nil
	}
	out := make([]datamodel.TaskVertex, 0, len(d.nodes[h].out))
	for _, w := range d.nodes[h].out {
		out = append(out, d.nodes[w].vertex)
	}
	return out
}

// DirectPredecessors returns the vertices taskID directly depends on.
func (d *DAG) DirectPredecessors(taskID int64) []datamodel.TaskVertex {
	h, ok := d.byTask[taskID]
	if !ok {
		return nil
	}
	in := make([]datamodel.TaskVertex, 0, len(d.nodes[h].in))
	for _, w := range d.nodes[h].in {
		in = append(in, d.nodes[w].vertex)
	}
	return in
}

// Descendants returns every vertex transitively reachable from taskID,
// excluding taskID itself.
func (d *DAG) Descendants(taskID int64) []datamodel.TaskVertex {
	h, ok := d.byTask[taskID]
	if !ok {
		return nil
	}
	seen := map[Handle]bool{h: true}
	queue := []Handle{h}
	var out []datamodel.TaskVertex
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, w := range d.nodes[n].out {
			if !seen[w] {
				seen[w] = true
				out = append(out, d.nodes[w].vertex)
				queue = append(queue, w)
			}
		}
	}
	return out
}

// Roots returns every vertex without incoming edges.
func (d *DAG) Roots() []datamodel.TaskVertex {
	var out []datamodel.TaskVertex
	for _, h := range d.order {
		if len(d.nodes[h].in) == 0 {
			out = append(out, d.nodes[h].vertex)
		}
	}
	return out
}

// Leafs returns every vertex without outgoing edges.
func (d *DAG) Leafs() []datamodel.TaskVertex {
	var out []datamodel.TaskVertex
	for _, h := range d.order {
		if len(d.nodes[h].out) == 0 {
			out = append(out, d.nodes[h].vertex)
		}
	}
	return out
}

// TopologicalOrder returns all vertices in a dependency-respecting order.
func (d *DAG) TopologicalOrder() []datamodel.TaskVertex {
	out := make([]datamodel.TaskVertex, 0, len(d.order))
	for _, h := range d.order {
		out = append(out, d.nodes[h].vertex)
	}
	return out
}

// Validate re-checks the structural invariants. Construction already
// guarantees them, but graphs loaded from storage are checked defensively.
func (d *DAG) Validate() error {
	if len(d.nodes) == 0 {
		return errors.New("graph has no vertices")
	}
	// the maintained order must actually be topological
	for i, h := range d.order {
		if d.pos[h] != i {
			return fmt.Errorf("position table corrupt at index %d", i)
		}
		for _, w := range d.nodes[h].out {
			if d.pos[w] <= i {
				return fmt.Errorf("order violation: task %d before its predecessor %d",
					d.nodes[w].vertex.TaskID, d.nodes[h].vertex.TaskID)
			}
		}
	}
	// every vertex must be reachable from some root
	reached := make(map[Handle]bool)
	var queue []Handle
	for h := range d.nodes {
		if len(d.nodes[h].in) == 0 {
			reached[Handle(h)] = true
			queue = append(queue, Handle(h))
		}
	}
	if len(queue) == 0 {
		return errors.New("graph has no root vertex")
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, w := range d.nodes[n].out {
			if !reached[w] {
				reached[w] = true
				queue = append(queue, w)
			}
		}
	}
	if len(reached) != len(d.nodes) {
		return fmt.Errorf("%d of %d vertices unreachable from any root", len(d.nodes)-len(reached), len(d.nodes))
	}
	return nil
}

// wireGraph is the persisted shape: vertex list plus task-id edge pairs.
type wireGraph struct {
	Vertices []datamodel.TaskVertex `json:"vertices"`
	Edges    [][2]int64             `json:"edges"`
}

func (d *DAG) MarshalJSON() ([]byte, error) {
	w := wireGraph{Vertices: d.TopologicalOrder()}
	for _, h := range d.order {
		for _, to := range d.nodes[h].out {
			w.Edges = append(w.Edges, [2]int64{d.nodes[h].vertex.TaskID, d.nodes[to].vertex.TaskID})
		}
	}
	return json.Marshal(w)
}

func (d *DAG) UnmarshalJSON(data []byte) error {
	var w wireGraph
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = *NewDAG()
	for _, v := range w.Vertices {
		if _, err := d.AddVertex(v); err != nil {
			return err
		}
	}
	for _, e := range w.Edges {
		from, ok := d.byTask[e[0]]
		if !ok {
			return fmt.Errorf("edge references unknown task %d", e[0])
		}
		to, ok := d.byTask[e[1]]
		if !ok {
			return fmt.Errorf("edge references unknown task %d", e[1])
		}
		if err := d.AddEdge(from, to); err != nil {
			return err
		}
	}
	return d.Validate()
}
