package miner

import (
	"math"
	"time"
)

// patience is how long the search may take for the next level before the floor is lowered
const patience = 60 * time.Second

// NextLevel returns the level a run is currently working towards
func NextLevel(best, floor uint8) uint8 {
	next := int(best) + 1
	if int(floor) > next {
		next = int(floor)
	}
	if next > MaxDifficulty {
		next = MaxDifficulty
	}
	return uint8(next)
}

// NextLevelIterations estimates the hashes needed to reach level. Slow-phase hashes cost
// twice as much, so the part of the estimate beyond itsUntilSlow counts double.
func NextLevelIterations(level uint8, slow bool, itsUntilSlow uint64) float64 {
	est := math.Exp2(float64(level))
	if slow {
		return est
	}
	return 2*est - math.Min(float64(itsUntilSlow), est)
}

// EstimateDuration returns how long iterations take at speed hashes per second.
// The result is capped at the longest representable duration; 0 speed yields the cap.
func EstimateDuration(iterations, speed float64) time.Duration {
	if speed <= 0 {
		return time.Duration(math.MaxInt64)
	}
	secs := iterations / speed
	if secs >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}

// LowerFloor applies the patience rule: while the next level is the floor itself and
// reaching it takes longer than a minute, the floor drops by ceil(log2(eta/1min)), never
// below minFloor.
func LowerFloor(floor, best, minFloor uint8, eta time.Duration) uint8 {
	if eta <= patience || int(best)+1 >= int(floor) || floor <= minFloor {
		return floor
	}
	drop := math.Ceil(math.Log2(float64(eta) / float64(patience)))
	lowered := float64(floor) - drop
	if lowered < float64(minFloor) {
		return minFloor
	}
	return uint8(lowered)
}

// DeviceSnapshot is the state of one device worker at a reporting tick
type DeviceSnapshot struct {
	Info           DeviceInfo
	GlobalWorkSize int
	LocalWorkSize  int

	CurrentSpeed     float64 // hashes per second over the recent window
	AverageSpeed     float64 // hashes per second since the start of the run
	KernelsPerSecond float64
	Best             BestResult

	// shortest and longest launch in the recent window
	RecentMin time.Duration
	RecentMax time.Duration
}

// Snapshot is the state of a run at a reporting tick
type Snapshot struct {
	Identity    []byte
	RunningTime time.Duration
	Counter     uint64
	Skipped     uint64

	CurrentSpeed float64
	AverageSpeed float64

	SlowPhase     bool
	TimeUntilSlow time.Duration
	Best          BestResult
	Floor         uint8
	NextLevel     uint8
	NextLevelETA  time.Duration
	FloorLowered  bool
	Devices       []DeviceSnapshot
}
