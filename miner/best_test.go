package miner

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBestTrackerImprove(t *testing.T) {
	var b BestTracker
	assert.Equal(t, BestResult{}, b.Load())

	assert.True(t, b.Improve(BestResult{Difficulty: 33, Counter: 10}))
	assert.False(t, b.Improve(BestResult{Difficulty: 33, Counter: 5}), "equal difficulty must not replace")
	assert.False(t, b.Improve(BestResult{Difficulty: 20, Counter: 7}))
	assert.Equal(t, BestResult{Difficulty: 33, Counter: 10}, b.Load())

	assert.True(t, b.Improve(BestResult{Difficulty: 34, Counter: 99}))
	assert.Equal(t, uint8(34), b.Difficulty())
}

func TestBestTrackerMonotonic(t *testing.T) {
	var (
		b       BestTracker
		wg      sync.WaitGroup
		done    = make(chan struct{})
		highest = make([]uint8, 8)
	)

	// a reader must never observe the difficulty going down
	readerErr := make(chan error, 1)
	go func() {
		var last uint8
		for {
			select {
			case <-done:
				readerErr <- nil
				return
			default:
			}
			d := b.Difficulty()
			if d < last {
				readerErr <- assert.AnError
				return
			}
			last = d
		}
	}()

	for w := range highest {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < 10000; i++ {
				d := uint8(rng.Intn(MaxDifficulty + 1))
				if d > highest[w] {
					highest[w] = d
				}
				b.Improve(BestResult{Difficulty: d, Counter: uint64(i)})
			}
		}(w)
	}
	wg.Wait()
	close(done)
	require.NoError(t, <-readerErr)

	var expected uint8
	for _, m := range highest {
		if m > expected {
			expected = m
		}
	}
	assert.Equal(t, expected, b.Difficulty())
}
