package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/capmesh/errors"
)

func TestNewRingRejectsZeroCapacity(t *testing.T) {
	_, err := NewRing[int](0)
	require.Error(t, err)
}

func TestFIFOOrder(t *testing.T) {
	r, err := NewRing[int](8)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, r.Write(i))
	}

	for i := 1; i <= 5; i++ {
		got, ok := r.Read()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}

	_, ok := r.Read()
	assert.False(t, ok)
}

func TestDrainPreservesOrderAcrossWrap(t *testing.T) {
	r, err := NewRing[int](4)
	require.NoError(t, err)

	// Force head to advance so the internal slice wraps.
	require.NoError(t, r.Write(1))
	require.NoError(t, r.Write(2))
	_, _ = r.Read()
	_, _ = r.Read()
	for i := 3; i <= 6; i++ {
		require.NoError(t, r.Write(i))
	}

	assert.Equal(t, []int{3, 4, 5, 6}, r.Drain())
	assert.True(t, r.IsEmpty())
}

func TestDropNewestReturnsBacklogFull(t *testing.T) {
	var dropped []int
	r, err := NewRing(2, WithDropCallback(func(i int) { dropped = append(dropped, i) }))
	require.NoError(t, err)

	require.NoError(t, r.Write(1))
	require.NoError(t, r.Write(2))
	err = r.Write(3)
	require.ErrorIs(t, err, errors.ErrBacklogFull)

	assert.Equal(t, []int{3}, dropped)
	assert.Equal(t, []int{1, 2}, r.Drain())
}

func TestDropOldestEvicts(t *testing.T) {
	r, err := NewRing(2, WithOverflowPolicy[int](DropOldest))
	require.NoError(t, err)

	require.NoError(t, r.Write(1))
	require.NoError(t, r.Write(2))
	require.NoError(t, r.Write(3))

	assert.Equal(t, []int{2, 3}, r.Drain())
	assert.Equal(t, int64(1), r.Stats().Dropped)
}

func TestConcurrentWritesAreNotLost(t *testing.T) {
	const writers = 8
	const perWriter = 100

	r, err := NewRing[int](writers * perWriter)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, r.Write(i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, writers*perWriter, r.Size())
	assert.Equal(t, int64(writers*perWriter), r.Stats().Writes)
}

func TestStats(t *testing.T) {
	r, err := NewRing[string](4)
	require.NoError(t, err)

	require.NoError(t, r.Write("a"))
	require.NoError(t, r.Write("b"))
	_, _ = r.Read()

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Writes)
	assert.Equal(t, int64(1), stats.Reads)
	assert.Equal(t, 2, stats.HighMark)
}
