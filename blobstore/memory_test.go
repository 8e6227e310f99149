package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	key, err := store.Put(ctx, []byte("payload bytes"))
	require.NoError(t, err)
	require.NotEmpty(t, key)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload bytes"), got)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryUnknownKey(t *testing.T) {
	store := NewMemory()
	_, err := store.Get(context.Background(), "missing")
	assert.Error(t, err)
}

func TestMemoryKeysAreUnique(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	a, err := store.Put(ctx, []byte("a"))
	require.NoError(t, err)
	b, err := store.Put(ctx, []byte("a"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMemoryCopiesInput(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	data := []byte("original")
	key, err := store.Put(ctx, data)
	require.NoError(t, err)

	data[0] = 'X'
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}
