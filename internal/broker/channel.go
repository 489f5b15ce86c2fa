// Package broker implements the request/response gateway to the stock
// broker: a bounded pool of correlation channels, a retrying call gateway
// that rendezvouses each request with its asynchronous response, and a typed
// client for the transactions the engine uses.
package broker

import (
	"sync"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// Default channel range. The broker protocol multiplexes logical calls over
// a small set of numeric channels; ids below the minimum are reserved by the
// broker library itself.
const (
	DefaultChannelMin = 3400
	DefaultChannelMax = 9999
)

// ChannelAllocator hands out correlation channel ids from a fixed range. An
// id is never reissued while the previous holder is still outstanding;
// reusing an in-flight channel would silently misroute the older response.
type ChannelAllocator struct {
	mu          sync.Mutex
	min, max    int
	next        int
	outstanding map[int]struct{}
}

// NewChannelAllocator creates an allocator over [min, max]. Zero values fall
// back to the default range.
func NewChannelAllocator(min, max int) *ChannelAllocator {
	if min <= 0 || max <= 0 || max < min {
		min, max = DefaultChannelMin, DefaultChannelMax
	}
	return &ChannelAllocator{
		min:         min,
		max:         max,
		next:        min,
		outstanding: make(map[int]struct{}),
	}
}

// Allocate returns a channel id that is currently free and marks it
// outstanding. The counter wraps from max back to min and skips ids that are
// still in flight. When the whole range is outstanding it returns
// domain.ErrResourceExhausted rather than overwriting a live channel.
func (a *ChannelAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		id := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if _, busy := a.outstanding[id]; busy {
			continue
		}
		a.outstanding[id] = struct{}{}
		return id, nil
	}
	return 0, domain.ErrResourceExhausted
}

// Release frees a previously allocated id. Releasing an id that is not
// outstanding is a no-op.
func (a *ChannelAllocator) Release(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.outstanding, id)
}

// Outstanding returns how many ids are currently in flight.
func (a *ChannelAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outstanding)
}
