package taskcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

func TestComputeKeyIsOrderInsensitive(t *testing.T) {
	params := []byte(`{"x":1}`)
	a, err := ComputeKey("fn:train", params, []string{"digest-b", "digest-a"})
	require.NoError(t, err)
	b, err := ComputeKey("fn:train", params, []string{"digest-a", "digest-b"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeKeySeparatesInputs(t *testing.T) {
	base, err := ComputeKey("fn:train", []byte(`{"x":1}`), []string{"d1"})
	require.NoError(t, err)

	otherFn, err := ComputeKey("fn:eval", []byte(`{"x":1}`), []string{"d1"})
	require.NoError(t, err)
	otherParams, err := ComputeKey("fn:train", []byte(`{"x":2}`), []string{"d1"})
	require.NoError(t, err)
	otherInputs, err := ComputeKey("fn:train", []byte(`{"x":1}`), []string{"d2"})
	require.NoError(t, err)

	assert.NotEqual(t, base, otherFn)
	assert.NotEqual(t, base, otherParams)
	assert.NotEqual(t, base, otherInputs)
}

func TestIndexRoundTrip(t *testing.T) {
	index := NewIndex(repository.NewMemory(), 1024*1024)
	ctx := context.Background()

	_, found, err := index.Lookup(ctx, "missing-0")
	require.NoError(t, err)
	assert.False(t, found)

	entry := &datamodel.CacheEntry{
		Key:      "key-1",
		Digest:   "digest-1",
		Length:   42,
		Ref:      "store://result/1",
		StoredAt: time.Now(),
	}
	require.NoError(t, index.Store(ctx, entry))

	got, found, err := index.Lookup(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entry.Digest, got.Digest)
	assert.Equal(t, entry.Length, got.Length)
	assert.Equal(t, entry.Ref, got.Ref)
}

func TestIndexSharedBackingAcrossInstances(t *testing.T) {
	backing := repository.NewMemory()
	index := NewIndex(backing, 1024*1024)
	ctx := context.Background()

	entry := &datamodel.CacheEntry{Key: "key-front", Digest: "d", Length: 1, Ref: "r"}
	require.NoError(t, index.Store(ctx, entry))

	// a second instance with a cold front still sees the entry through
	// the shared backing store
	fresh := NewIndex(backing, 1024*1024)
	got, found, err := fresh.Lookup(ctx, "key-front")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "d", got.Digest)
}

func TestConcurrentWritersKeepSingleEntry(t *testing.T) {
	backing := repository.NewMemory()
	ctx := context.Background()

	key, err := ComputeKey("fn:pure", []byte(`{"seed":7}`), []string{"input-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	inserted := make([]bool, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			index := NewIndex(backing, 256*1024)
			err := index.Store(ctx, &datamodel.CacheEntry{
				Key:    key,
				Digest: "digest-shared",
				Length: 128,
				Ref:    fmt.Sprintf("store://writer/%d", w),
			})
			assert.NoError(t, err)
			ok, err := backing.PutCacheEntryIfAbsent(ctx, &datamodel.CacheEntry{Key: key})
			assert.NoError(t, err)
			inserted[w] = ok
		}(w)
	}
	wg.Wait()

	for _, ok := range inserted {
		assert.False(t, ok, "entry must already be present after Store")
	}

	stored, err := backing.LoadCacheEntry(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "digest-shared", stored.Digest)
	assert.Equal(t, int64(128), stored.Length)
}
