package graph

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/execsync"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"go.uber.org/zap"
)

var (
	graphLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_graph_loads_total",
		Help: "The total number of graph loads from the repository",
	})
	graphCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_graph_cache_hits_total",
		Help: "The total number of graph loads served from the decoded-graph cache",
	})
)

// Store front-ends the repository for graph and state records. Decoded
// graphs are immutable after production, so they are cached in an ARC keyed
// by graph id and version.
type Store struct {
	repo  repository.Repository
	locks *execsync.Locks
	arc   *lru.ARCCache
}

func NewStore(repo repository.Repository, locks *execsync.Locks, cacheSize int) (*Store, error) {
	arc, err := lru.NewARC(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{repo: repo, locks: locks, arc: arc}, nil
}

// Create persists a freshly produced graph and its initial state table, and
// returns both record ids.
func (s *Store) Create(ctx context.Context, executionID int64, d *DAG, t *StateTable) (graphID int64, stateID int64, err error) {
	blob, err := d.MarshalJSON()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode graph: %w", err)
	}
	graphID, err = s.repo.CreateGraph(ctx, executionID, blob)
	if err != nil {
		return 0, 0, err
	}
	stateBlob, err := t.Encode()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode state table: %w", err)
	}
	stateID, err = s.repo.CreateTaskState(ctx, executionID, stateBlob)
	if err != nil {
		return 0, 0, err
	}
	return graphID, stateID, nil
}

func (s *Store) loadGraph(ctx context.Context, graphID int64) (*DAG, error) {
	record, err := s.repo.LoadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	graphLoads.Inc()

	cacheKey := fmt.Sprintf("%d-%d", graphID, record.Version)
	if cached, ok := s.arc.Get(cacheKey); ok {
		graphCacheHits.Inc()
		return cached.(*DAG), nil
	}

	d := NewDAG()
	if err := d.UnmarshalJSON(record.Blob); err != nil {
		return nil, fmt.Errorf("stored graph %d is corrupt: %w", graphID, err)
	}
	s.arc.Add(cacheKey, d)
	return d, nil
}

// ReadSnapshot runs fn with a consistent graph+state snapshot taken under
// the graph and state locks. fn must not mutate either.
func (s *Store) ReadSnapshot(ctx context.Context, graphID int64, stateID int64, fn func(d *DAG, t *StateTable) error) error {
	return s.locks.WithGraphAndState(graphID, stateID, func() error {
		d, err := s.loadGraph(ctx, graphID)
		if err != nil {
			return err
		}
		record, err := s.repo.LoadTaskState(ctx, stateID)
		if err != nil {
			return err
		}
		t, err := DecodeStateTable(record.Blob)
		if err != nil {
			return fmt.Errorf("stored state table %d is corrupt: %w", stateID, err)
		}
		return fn(d, t)
	})
}

// MutateState runs fn under the graph and state locks and persists the state
// table afterwards with an optimistic write. The graph itself never changes
// after production. A version conflict is returned as-is; callers re-poll.
func (s *Store) MutateState(ctx context.Context, graphID int64, stateID int64, fn func(d *DAG, t *StateTable) error) error {
	return s.locks.WithGraphAndState(graphID, stateID, func() error {
		d, err := s.loadGraph(ctx, graphID)
		if err != nil {
			return err
		}
		record, err := s.repo.LoadTaskState(ctx, stateID)
		if err != nil {
			return err
		}
		t, err := DecodeStateTable(record.Blob)
		if err != nil {
			return fmt.Errorf("stored state table %d is corrupt: %w", stateID, err)
		}
		if err := fn(d, t); err != nil {
			return err
		}
		record.Blob, err = t.Encode()
		if err != nil {
			return err
		}
		if err := s.repo.SaveTaskState(ctx, record); err != nil {
			zap.S().Debugf("State table %d write lost a race: %s", stateID, err)
			return err
		}
		return nil
	})
}
