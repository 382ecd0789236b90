package sensor

import (
	"math"
	"sync"
)

// CounterTracker converts absolute energy counters into per-interval deltas.
// It keeps one previous reading per device index.
type CounterTracker struct {
	mu     sync.Mutex
	limit  uint64
	limits map[int]uint64
	prev   map[int]uint64
}

// NewCounterTracker creates a tracker for counters that hold values in [0, limit].
// A zero limit means a full 64-bit counter.
func NewCounterTracker(limit uint64) *CounterTracker {
	if limit == 0 {
		limit = math.MaxUint64
	}
	return &CounterTracker{
		limit:  limit,
		limits: make(map[int]uint64),
		prev:   make(map[int]uint64),
	}
}

// SetLimit overrides the counter maximum for one device
func (t *CounterTracker) SetLimit(index int, limit uint64) {
	if limit == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[index] = limit
}

// Delta returns the energy accumulated since the previous reading of the device
// and stores reading as the new baseline. The first reading of a device is
// measured from zero. A reading below the previous one is treated as exactly
// one wrap through the counter range.
func (t *CounterTracker) Delta(index int, reading uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.prev[index]
	t.prev[index] = reading

	if reading >= prev {
		return reading - prev
	}

	limit := t.limit
	if l, ok := t.limits[index]; ok {
		limit = l
	}
	if prev > limit {
		// Baseline outside the declared range, fall back to full width.
		limit = math.MaxUint64
	}
	return (limit - prev) + reading + 1
}

// Reset forgets the baseline of a device; its next delta starts from zero again
func (t *CounterTracker) Reset(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.prev, index)
}
