package graph

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

func mustVertex(t *testing.T, d *DAG, taskID int64, ctxID string) Handle {
	t.Helper()
	h, err := d.AddVertex(datamodel.TaskVertex{TaskID: taskID, ContextID: ctxID})
	require.NoError(t, err)
	return h
}

func TestAddVertexRejectsDuplicates(t *testing.T) {
	d := NewDAG()
	mustVertex(t, d, 1, "1")
	_, err := d.AddVertex(datamodel.TaskVertex{TaskID: 1, ContextID: "1"})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestAddEdgeRejectsSelfLoop(t *testing.T) {
	d := NewDAG()
	a := mustVertex(t, d, 1, "1")
	assert.ErrorIs(t, d.AddEdge(a, a), ErrSelfLoop)
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	d := NewDAG()
	a := mustVertex(t, d, 1, "1")
	b := mustVertex(t, d, 2, "1")
	c := mustVertex(t, d, 3, "1")

	require.NoError(t, d.AddEdge(a, b))
	require.NoError(t, d.AddEdge(b, c))
	assert.ErrorIs(t, d.AddEdge(c, a), shared.ErrCycleDetected)
	// the failed insert must not have mutated the graph
	assert.NoError(t, d.Validate())
}

func TestAddEdgeAgainstInsertionOrder(t *testing.T) {
	// vertices added in reverse dependency order force the incremental
	// reordering path
	d := NewDAG()
	c := mustVertex(t, d, 3, "1")
	b := mustVertex(t, d, 2, "1")
	a := mustVertex(t, d, 1, "1")

	require.NoError(t, d.AddEdge(b, c))
	require.NoError(t, d.AddEdge(a, b))
	require.NoError(t, d.Validate())

	order := d.TopologicalOrder()
	posOf := make(map[int64]int)
	for i, v := range order {
		posOf[v.TaskID] = i
	}
	assert.Less(t, posOf[1], posOf[2])
	assert.Less(t, posOf[2], posOf[3])
}

func TestRandomDAGFuzz(t *testing.T) {
	// random edge insertions over a shuffled vertex set: every accepted
	// edge keeps the graph acyclic, every rejection is a real cycle
	rng := rand.New(rand.NewSource(1))
	const n = 60

	for round := 0; round < 20; round++ {
		d := NewDAG()
		handles := make([]Handle, n)
		perm := rng.Perm(n)
		for i := 0; i < n; i++ {
			handles[i] = mustVertex(t, d, int64(perm[i]+1), "1")
		}

		accepted := 0
		for try := 0; try < 400; try++ {
			from := handles[rng.Intn(n)]
			to := handles[rng.Intn(n)]
			if from == to {
				continue
			}
			err := d.AddEdge(from, to)
			if err == nil {
				accepted++
			} else if !errors.Is(err, shared.ErrCycleDetected) {
				t.Fatalf("unexpected error: %s", err)
			}
			if try%50 == 0 {
				require.NoError(t, d.Validate(), "round %d try %d", round, try)
			}
		}
		require.NoError(t, d.Validate())
		require.Greater(t, accepted, 0)
	}
}

func TestRootsLeafsDescendants(t *testing.T) {
	// a -> b -> d, a -> c -> d
	d := NewDAG()
	a := mustVertex(t, d, 1, "1")
	b := mustVertex(t, d, 2, "1#1,1")
	c := mustVertex(t, d, 3, "1#1,2")
	e := mustVertex(t, d, 4, "1")
	require.NoError(t, d.AddEdge(a, b))
	require.NoError(t, d.AddEdge(a, c))
	require.NoError(t, d.AddEdge(b, e))
	require.NoError(t, d.AddEdge(c, e))

	roots := d.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, int64(1), roots[0].TaskID)

	leafs := d.Leafs()
	require.Len(t, leafs, 1)
	assert.Equal(t, int64(4), leafs[0].TaskID)

	desc := d.Descendants(1)
	ids := make(map[int64]bool)
	for _, v := range desc {
		ids[v.TaskID] = true
	}
	assert.Equal(t, map[int64]bool{2: true, 3: true, 4: true}, ids)

	assert.Len(t, d.DirectSuccessors(1), 2)
	assert.Len(t, d.DirectPredecessors(4), 2)
}

func TestGraphSerializationRoundTrip(t *testing.T) {
	d := NewDAG()
	a := mustVertex(t, d, 10, "1")
	b := mustVertex(t, d, 20, "1#1,1")
	require.NoError(t, d.AddEdge(a, b))

	blob, err := d.MarshalJSON()
	require.NoError(t, err)

	restored := NewDAG()
	require.NoError(t, restored.UnmarshalJSON(blob))
	require.NoError(t, restored.Validate())

	h, ok := restored.HandleOf(10)
	require.True(t, ok)
	v, err := restored.Vertex(h)
	require.NoError(t, err)
	assert.Equal(t, "1", v.ContextID)
	assert.Len(t, restored.DirectSuccessors(10), 1)
}

func TestUnmarshalRejectsCorruptBlob(t *testing.T) {
	d := NewDAG()
	assert.Error(t, d.UnmarshalJSON([]byte(`{"vertices":[{"taskId":1,"ctxId":"1"}],"edges":[[1,2]]}`)))

	d = NewDAG()
	assert.Error(t, d.UnmarshalJSON([]byte(`{"vertices":[{"taskId":1,"ctxId":"1"},{"taskId":2,"ctxId":"1"}],"edges":[[1,2],[2,1]]}`)))
}
