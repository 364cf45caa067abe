package taskcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/coocood/freecache"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/shared"
	"github.com/taskmesh/taskmesh/internal"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

const frontEntryTTLSeconds = 600

var (
	hitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_cache_hits_total",
		Help: "Cache index hits by layer",
	}, []string{"layer"})
	missCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_cache_misses_total",
		Help: "Cache index lookups that found no entry",
	})
)

// Index memoizes results of pure tasks. Lookups go through a process-local
// freecache front before hitting the shared backing store; stores are
// first-writer-wins on the backing store, losers just warm the front.
type Index struct {
	front   *freecache.Cache
	backing repository.CacheBackingStore
}

func NewIndex(backing repository.CacheBackingStore, frontSizeBytes int) *Index {
	return &Index{
		front:   freecache.NewCache(frontSizeBytes),
		backing: backing,
	}
}

// frontKey compresses the long content key into the 16 byte form freecache
// is happy with.
func frontKey(key string) []byte {
	return internal.AsXXHash([]byte(key))
}

// Lookup returns the stored entry for key, or found=false when the key was
// never computed. Backing-store errors are returned as errors, not misses,
// so a flaky store never causes duplicate execution of a cacheable task.
func (i *Index) Lookup(ctx context.Context, key string) (*datamodel.CacheEntry, bool, error) {
	if raw, err := i.front.Get(frontKey(key)); err == nil {
		var entry datamodel.CacheEntry
		if err := json.Unmarshal(raw, &entry); err == nil && entry.Key == key {
			hitCounter.WithLabelValues("front").Inc()
			return &entry, true, nil
		}
		// stale or colliding front entry, fall through to the backing store
		i.front.Del(frontKey(key))
	}

	entry, err := i.backing.LoadCacheEntry(ctx, key)
	if errors.Is(err, shared.ErrNotFound) {
		missCounter.Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup for key %s failed: %w", key, err)
	}

	i.fillFront(entry)
	hitCounter.WithLabelValues("backing").Inc()
	return entry, true, nil
}

// Store publishes a computed result. When another writer won the race for
// the same key the local entry is discarded; both writers computed the same
// pure function, so the stored entry is equally valid.
func (i *Index) Store(ctx context.Context, entry *datamodel.CacheEntry) error {
	inserted, err := i.backing.PutCacheEntryIfAbsent(ctx, entry)
	if err != nil {
		return fmt.Errorf("cache store for key %s failed: %w", entry.Key, err)
	}
	if !inserted {
		zap.S().Debugf("Cache entry for key %s already present, discarding local result", entry.Key)
		stored, loadErr := i.backing.LoadCacheEntry(ctx, entry.Key)
		if loadErr == nil {
			i.fillFront(stored)
		}
		return nil
	}
	i.fillFront(entry)
	return nil
}

func (i *Index) fillFront(entry *datamodel.CacheEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	// freecache only fails on oversized entries, safe to drop those
	_ = i.front.Set(frontKey(entry.Key), raw, frontEntryTTLSeconds)
}
