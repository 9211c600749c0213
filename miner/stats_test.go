package miner

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/assert"
)

func TestRuntimeStatsEmpty(t *testing.T) {
	s := NewRuntimeStats(new(mclock.Simulated))
	assert.Zero(t, s.AvgSpeed())
	assert.Zero(t, s.RecentMin())
	assert.Zero(t, s.RecentMax())
}

func TestRuntimeStatsSpeed(t *testing.T) {
	clock := new(mclock.Simulated)
	s := NewRuntimeStats(clock)

	clock.Run(100 * time.Millisecond)
	s.Record(1000)
	clock.Run(300 * time.Millisecond)
	s.Record(3000)

	assert.InDelta(t, 10000, s.AvgSpeed(), 1e-6)
	assert.Equal(t, 100*time.Millisecond, s.RecentMin())
	assert.Equal(t, 300*time.Millisecond, s.RecentMax())
	assert.Equal(t, uint64(4000), s.CompletedIterations())
	assert.Equal(t, uint64(2), s.CompletedKernels())
}

func TestRuntimeStatsMarkExcludesPause(t *testing.T) {
	clock := new(mclock.Simulated)
	s := NewRuntimeStats(clock)

	clock.Run(time.Second)
	s.Record(100)
	// time between Record and Mark is not attributed to any launch
	clock.Run(time.Hour)
	s.Mark()
	clock.Run(time.Second)
	s.Record(100)

	assert.Equal(t, time.Second, s.RecentMax())
	assert.InDelta(t, 100, s.AvgSpeed(), 1e-9)
}

func TestRuntimeStatsWindow(t *testing.T) {
	clock := new(mclock.Simulated)
	s := NewRuntimeStats(clock)

	// the slow launches fall out of the window
	for i := 0; i < 8; i++ {
		clock.Run(time.Second)
		s.Record(10)
	}
	for i := 0; i < statsWindow; i++ {
		clock.Run(10 * time.Millisecond)
		s.Record(10)
	}
	assert.Equal(t, 10*time.Millisecond, s.RecentMax())
	assert.InDelta(t, 1000, s.AvgSpeed(), 1e-6)
	assert.Equal(t, uint64(8+statsWindow), s.CompletedKernels())
}
