package cachestore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistantsync.app/pkg/models"
	"assistantsync.app/pkg/synerr"
)

func TestMemoryStore_LRUEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(2)

	a := testKey("a", models.ResourceEmail)
	b := testKey("b", models.ResourceEmail)
	c := testKey("c", models.ResourceEmail)

	_, err := m.Put(ctx, a, testWrite(`[]`, t0))
	require.NoError(t, err)
	_, err = m.Put(ctx, b, testWrite(`[]`, t0))
	require.NoError(t, err)

	// touch a so b becomes the oldest
	_, err = m.Get(ctx, a)
	require.NoError(t, err)

	_, err = m.Put(ctx, c, testWrite(`[]`, t0))
	require.NoError(t, err)

	assert.Equal(t, 2, m.Size())
	assert.Equal(t, uint64(1), m.Evictions())

	_, err = m.Get(ctx, b)
	assert.True(t, errors.Is(err, synerr.ErrNotFound))

	// evicted lines keep their version counter
	e, err := m.Put(ctx, b, testWrite(`[]`, t0))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Version)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(0)
	key := testKey("u1", models.ResourceEmail)

	_, err := m.Put(ctx, key, testWrite(`[1]`, t0))
	require.NoError(t, err)

	got, err := m.Get(ctx, key)
	require.NoError(t, err)
	got.Payload[0] = 'X'

	again, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`[1]`), again.Payload)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMemoryStore(0)
	_, err := m.Get(ctx, testKey("u1", models.ResourceEmail))
	assert.True(t, synerr.IsStorage(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMemoryStore_ConcurrentPutsGetDistinctVersions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(0)
	key := testKey("u1", models.ResourceEmail)

	const n = 50
	versions := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := m.Put(ctx, key, testWrite(`[]`, t0))
			if err == nil {
				versions <- e.Version
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[uint64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, n)
}
