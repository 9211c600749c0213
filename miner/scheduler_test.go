package miner

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkpoints struct {
	mu    sync.Mutex
	saved []Progress
}

func (c *checkpoints) save(p Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, p)
	return nil
}

func (c *checkpoints) all() []Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Progress(nil), c.saved...)
}

func TestNewSchedulerValidation(t *testing.T) {
	_, err := NewScheduler(Config{Identity: []byte("short"), Throttle: 1})
	assert.Error(t, err)

	_, err = NewScheduler(Config{Identity: testIdentity, Throttle: 0.5})
	assert.Error(t, err)

	_, err = NewScheduler(Config{Identity: testIdentity, Throttle: 1, InitialFloor: 33, MinFloor: 34})
	assert.Error(t, err)

	s, err := NewScheduler(Config{Identity: testIdentity, Throttle: 1, StartCounter: 5, BestCounter: 3})
	require.NoError(t, err)
	assert.Equal(t, uint8(DefaultFloor), s.State().Floor())
	assert.Equal(t, Progress{Counter: 5, BestCounter: 3}, s.Progress())
	assert.Equal(t, Difficulty(testIdentity, 3), s.State().Best().Difficulty)
}

func TestSchedulerNoDevices(t *testing.T) {
	s, err := NewScheduler(Config{Identity: testIdentity, Throttle: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Run(context.Background(), nil), ErrNoDevices)
}

func TestSchedulerThrottle(t *testing.T) {
	s, err := NewScheduler(Config{Identity: testIdentity, Throttle: 4})
	require.NoError(t, err)
	w := s.AddDevice(newFakeDevice(64), TunedConfig{GlobalWorkSize: 1024, LocalWorkSize: 64})
	global, local := w.WorkSize()
	assert.Equal(t, 256, global)
	assert.Equal(t, 64, local)
}

func TestSchedulerRun(t *testing.T) {
	const (
		start  = 1000000
		target = 12
	)
	var saves checkpoints
	s, err := NewScheduler(Config{
		Identity:       testIdentity,
		StartCounter:   start,
		BestCounter:    start,
		Throttle:       1,
		Iterations:     64,
		InitialFloor:   target,
		MinFloor:       8,
		ReportInterval: 10 * time.Millisecond,
		Checkpoint:     saves.save,
	})
	require.NoError(t, err)
	s.AddDevice(ungatedCPU(), TunedConfig{GlobalWorkSize: 64, LocalWorkSize: 1})
	s.AddDevice(ungatedCPU(), TunedConfig{GlobalWorkSize: 32, LocalWorkSize: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var last Snapshot
	err = s.Run(ctx, func(snap Snapshot) {
		last = snap
		if snap.Best.Difficulty >= target {
			cancel()
		}
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, last.Best.Difficulty, uint8(target))
	require.Len(t, last.Devices, 2)

	// the final checkpoint holds the cursor after every launch was collected
	saved := saves.all()
	require.NotEmpty(t, saved)
	final := saved[len(saved)-1]
	assert.Equal(t, s.Progress(), final)
	assert.Equal(t, last.Counter, final.Counter)
	assert.GreaterOrEqual(t, final.BestCounter, uint64(start))
	assert.Greater(t, final.Counter, final.BestCounter)
	assert.Equal(t, last.Best.Difficulty, Difficulty(testIdentity, final.BestCounter))
}

func TestSchedulerWorkerFailure(t *testing.T) {
	var saves checkpoints
	s, err := NewScheduler(Config{
		Identity:       testIdentity,
		Throttle:       1,
		InitialFloor:   150,
		ReportInterval: time.Millisecond,
		Checkpoint:     saves.save,
	})
	require.NoError(t, err)

	liar := newFakeDevice(1)
	liar.run = func(job Job, hits []bool) error {
		hits[0] = true
		return nil
	}
	s.AddDevice(liar, TunedConfig{GlobalWorkSize: 4, LocalWorkSize: 1})
	s.AddDevice(newFakeDevice(1), TunedConfig{GlobalWorkSize: 4, LocalWorkSize: 1})

	err = s.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnreproducibleHit)
	assert.Empty(t, saves.all(), "fatal errors must not checkpoint")
}

func TestSchedulerCheckpointFailure(t *testing.T) {
	var calls int
	s, err := NewScheduler(Config{
		Identity:     testIdentity,
		StartCounter: 1000,
		Checkpoint: func(p Progress) error {
			calls++
			return errors.New("disk full")
		},
	})
	require.NoError(t, err)
	s.AddDevice(newFakeDevice(1), TunedConfig{GlobalWorkSize: 4, LocalWorkSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Run(ctx, nil)
	assert.ErrorIs(t, err, ErrCheckpoint)
	assert.ErrorContains(t, err, "disk full")
	assert.NotErrorIs(t, err, ErrBackend)
	assert.Equal(t, 1, calls)
}

func TestSchedulerLowersFloor(t *testing.T) {
	clock := new(mclock.Simulated)
	s, err := NewScheduler(Config{
		Identity:     testIdentity,
		Throttle:     1,
		InitialFloor: 40,
		Clock:        clock,
	})
	require.NoError(t, err)
	w := s.AddDevice(newFakeDevice(1), TunedConfig{GlobalWorkSize: 1, LocalWorkSize: 1})
	best := s.State().Best().Difficulty

	// no speed yet, nothing to estimate
	snap := s.tick()
	assert.False(t, snap.FloorLowered)
	assert.Equal(t, uint8(40), s.State().Floor())

	// 2^40 hashes at this speed take ten minutes: ceil(log2(10)) = 4
	clock.Run(time.Second)
	w.Stats().Record(uint64(math.Exp2(40) / 600))
	snap = s.tick()
	assert.True(t, snap.FloorLowered)
	assert.Equal(t, uint8(36), snap.Floor)
	assert.Equal(t, NextLevel(best, 36), snap.NextLevel)
	assert.Equal(t, uint8(36), s.State().Floor())
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, time.Second, snap.Devices[0].RecentMin)
	assert.Equal(t, time.Second, snap.Devices[0].RecentMax)

	// within a minute now
	snap = s.tick()
	assert.False(t, snap.FloorLowered)
	assert.Equal(t, uint8(36), snap.Floor)
}

func TestSchedulerFloorClamped(t *testing.T) {
	clock := new(mclock.Simulated)
	s, err := NewScheduler(Config{
		Identity:     testIdentity,
		Throttle:     1,
		InitialFloor: 40,
		Clock:        clock,
	})
	require.NoError(t, err)
	w := s.AddDevice(newFakeDevice(1), TunedConfig{GlobalWorkSize: 1, LocalWorkSize: 1})

	clock.Run(time.Second)
	w.Stats().Record(1000)
	snap := s.tick()
	assert.True(t, snap.FloorLowered)
	assert.Equal(t, uint8(MinFloor), snap.Floor)
	assert.Equal(t, NextLevel(s.State().Best().Difficulty, MinFloor), snap.NextLevel)
	assert.InDelta(t, 1000, snap.CurrentSpeed, 1e-9)
	assert.InDelta(t, 1000, snap.AverageSpeed, 1e-9)
	assert.False(t, snap.SlowPhase)

	snap = s.tick()
	assert.False(t, snap.FloorLowered)
	assert.Equal(t, uint8(MinFloor), snap.Floor)
}
