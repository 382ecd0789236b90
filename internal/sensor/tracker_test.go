package sensor

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDelta_FirstReadingIsMeasuredFromZero(t *testing.T) {
	tr := NewCounterTracker(0)

	assert.Equal(t, uint64(93920559), tr.Delta(0, 93920559))
}

func TestDelta_MonotonicSequence(t *testing.T) {
	tr := NewCounterTracker(0)
	readings := []uint64{100, 150, 150, 900, 1000}

	var prev uint64
	for i, r := range readings {
		got := tr.Delta(0, r)
		if i == 0 {
			assert.Equal(t, r, got)
		} else {
			assert.Equal(t, r-prev, got, "step %d", i)
		}
		prev = r
	}
}

func TestDelta_WrapAroundFullWidth(t *testing.T) {
	tr := NewCounterTracker(0)

	tr.Delta(0, math.MaxUint64-5)
	got := tr.Delta(0, 3)

	assert.Equal(t, uint64(9), got)
}

func TestDelta_WrapAroundCustomLimit(t *testing.T) {
	tr := NewCounterTracker(0)
	tr.SetLimit(0, 262143328850) // typical RAPL max_energy_range_uj

	tr.Delta(0, 262143328800)
	got := tr.Delta(0, 49)

	assert.Equal(t, uint64(50+49+1), got)
}

func TestDelta_RepeatedReadingYieldsZero(t *testing.T) {
	tr := NewCounterTracker(0)

	tr.Delta(1, 4242)

	assert.Equal(t, uint64(0), tr.Delta(1, 4242))
}

func TestDelta_DevicesAreIndependent(t *testing.T) {
	tr := NewCounterTracker(0)

	tr.Delta(0, 1000)
	tr.Delta(1, 5)

	assert.Equal(t, uint64(500), tr.Delta(0, 1500))
	assert.Equal(t, uint64(10), tr.Delta(1, 15))
}

func TestDelta_CumulativeSumMatchesCounterAdvance(t *testing.T) {
	tr := NewCounterTracker(0)
	readings := []uint64{math.MaxUint64 - 1000, math.MaxUint64 - 10, 20, 500, 500, 70000}

	var sum uint64
	for _, r := range readings {
		sum += tr.Delta(2, r)
	}

	// Sum of deltas equals the last reading modulo 2^64, since the baseline is zero.
	assert.Equal(t, readings[len(readings)-1], sum)
}

func TestReset_RestartsFromZero(t *testing.T) {
	tr := NewCounterTracker(0)
	tr.Delta(0, 700)

	tr.Reset(0)

	assert.Equal(t, uint64(300), tr.Delta(0, 300))
}

func TestDelta_ConcurrentDevices(t *testing.T) {
	tr := NewCounterTracker(0)

	var wg sync.WaitGroup
	for dev := 0; dev < 8; dev++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for r := uint64(1); r <= 100; r++ {
				tr.Delta(idx, r*10)
			}
		}(dev)
	}
	wg.Wait()

	for dev := 0; dev < 8; dev++ {
		assert.Equal(t, uint64(10), tr.Delta(dev, 1010))
	}
}
