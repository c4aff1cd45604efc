package storage

import (
	"context"
	"testing"

	"meshfs/pkg/fserr"
	"meshfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSweepRemovesUnreachableObjects(t *testing.T) {
	for _, bf := range backends() {
		t.Run(bf.name, func(t *testing.T) {
			ctx := context.Background()
			backend := bf.open(t)
			store := NewStore(backend, NewChunkManagerWithOptions(MinChunkSize, 2), zaptest.NewLogger(t))

			keep, err := store.Put(ctx, randomBytes(t, MinChunkSize*3))
			require.NoError(t, err)
			drop, err := store.Put(ctx, randomBytes(t, MinChunkSize*2))
			require.NoError(t, err)

			// first pass spares everything written since the last sweep
			stats, err := store.Sweep(ctx, []types.Address{keep})
			require.NoError(t, err)
			assert.Equal(t, 0, stats.Removed)

			stats, err = store.Sweep(ctx, []types.Address{keep})
			require.NoError(t, err)
			assert.Equal(t, 3, stats.Removed)

			_, err = store.Get(ctx, keep)
			assert.NoError(t, err)
			_, err = store.Get(ctx, drop)
			assert.True(t, fserr.Is(err, fserr.NotFound))
		})
	}
}

func TestSweepKeepsSharedChunks(t *testing.T) {
	ctx := context.Background()
	store := NewStore(bf0(t), NewChunkManagerWithOptions(MinChunkSize, 1024), zaptest.NewLogger(t))

	shared := randomBytes(t, MinChunkSize)
	a, err := store.Put(ctx, append(append([]byte{}, shared...), randomBytes(t, 10)...))
	require.NoError(t, err)
	_, err = store.Put(ctx, append(append([]byte{}, shared...), randomBytes(t, 10)...))
	require.NoError(t, err)

	_, err = store.Sweep(ctx, []types.Address{a})
	require.NoError(t, err)
	_, err = store.Sweep(ctx, []types.Address{a})
	require.NoError(t, err)

	complete, err := store.Complete(ctx, a)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestRetainSparesOneSweep(t *testing.T) {
	ctx := context.Background()
	store := NewStore(bf0(t), NewChunkManagerWithOptions(MinChunkSize, 2), zaptest.NewLogger(t))
	addr, err := store.Put(ctx, randomBytes(t, MinChunkSize*2))
	require.NoError(t, err)
	_, err = store.Sweep(ctx, []types.Address{addr})
	require.NoError(t, err)

	store.Retain(addr)
	stats, err := store.Sweep(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Removed)
	complete, err := store.Complete(ctx, addr)
	require.NoError(t, err)
	assert.True(t, complete)

	stats, err = store.Sweep(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Removed)
}
