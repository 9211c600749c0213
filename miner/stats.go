package miner

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

// statsWindow is the number of recent launches used for speed estimates
const statsWindow = 32

// RuntimeStats keeps a rolling window of launch durations for one device.
// It is written by the device worker and read by the reporting loop.
type RuntimeStats struct {
	clock mclock.Clock

	mu         sync.Mutex
	times      [statsWindow]time.Duration
	iterations [statsWindow]uint64
	samples    uint64
	mark       mclock.AbsTime

	completedIterations atomic.Uint64
	completedKernels    atomic.Uint64
}

// NewRuntimeStats creates an empty window using the given clock
func NewRuntimeStats(clock mclock.Clock) *RuntimeStats {
	if clock == nil {
		clock = mclock.System{}
	}
	s := &RuntimeStats{clock: clock}
	s.mark = clock.Now()
	return s
}

// Mark restarts the timer; time until the next Record is attributed to that launch.
func (s *RuntimeStats) Mark() {
	s.mu.Lock()
	s.mark = s.clock.Now()
	s.mu.Unlock()
}

// Record adds a completed launch of the given number of hashes, timed since the last Mark
// or Record.
func (s *RuntimeStats) Record(iterations uint64) {
	now := s.clock.Now()

	s.mu.Lock()
	idx := s.samples % statsWindow
	s.times[idx] = now.Sub(s.mark)
	s.iterations[idx] = iterations
	s.samples++
	s.mark = now
	s.mu.Unlock()

	s.completedIterations.Add(iterations)
	s.completedKernels.Add(1)
}

// CompletedIterations returns the number of hashes of all recorded launches
func (s *RuntimeStats) CompletedIterations() uint64 {
	return s.completedIterations.Load()
}

// CompletedKernels returns the number of recorded launches
func (s *RuntimeStats) CompletedKernels() uint64 {
	return s.completedKernels.Load()
}

func (s *RuntimeStats) filled() int {
	if s.samples < statsWindow {
		return int(s.samples)
	}
	return statsWindow
}

// AvgSpeed returns hashes per second over the window, 0 without samples
func (s *RuntimeStats) AvgSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		total time.Duration
		its   uint64
	)
	for i := 0; i < s.filled(); i++ {
		total += s.times[i]
		its += s.iterations[i]
	}
	if total <= 0 {
		return 0
	}
	return float64(its) / total.Seconds()
}

// RecentMin returns the shortest launch in the window
func (s *RuntimeStats) RecentMin() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.filled()
	if n == 0 {
		return 0
	}
	min := s.times[0]
	for _, t := range s.times[1:n] {
		if t < min {
			min = t
		}
	}
	return min
}

// RecentMax returns the longest launch in the window
func (s *RuntimeStats) RecentMax() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max time.Duration
	for _, t := range s.times[:s.filled()] {
		if t > max {
			max = t
		}
	}
	return max
}
