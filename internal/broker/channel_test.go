package broker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

func TestChannelAllocatorWrapsAndSkipsOutstanding(t *testing.T) {
	a := NewChannelAllocator(10, 12)

	first, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 10, first)

	second, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 11, second)

	third, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 12, third)

	// Free the middle id; the counter has wrapped to 10 which is still
	// outstanding, so the allocator must skip forward to 11.
	a.Release(second)
	again, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 11, again)
}

func TestChannelAllocatorExhaustion(t *testing.T) {
	a := NewChannelAllocator(1, 2)

	_, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)

	a.Release(1)
	id, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestChannelAllocatorNoDuplicatesUnderConcurrency(t *testing.T) {
	a := NewChannelAllocator(100, 299)

	const workers = 8
	const perWorker = 25

	var mu sync.Mutex
	seen := make(map[int]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := a.Allocate()
				if err != nil {
					t.Errorf("allocate: %v", err)
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// All 200 ids within capacity were handed out exactly once while held.
	assert.Equal(t, workers*perWorker, len(seen))
	for id, n := range seen {
		assert.Equalf(t, 1, n, "channel %d issued %d times while outstanding", id, n)
	}
	assert.Equal(t, workers*perWorker, a.Outstanding())
}

func TestChannelAllocatorReleaseUnknownIsNoop(t *testing.T) {
	a := NewChannelAllocator(5, 6)
	a.Release(999)
	assert.Equal(t, 0, a.Outstanding())
}
