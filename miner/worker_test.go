package miner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice reports no hits unless run says otherwise
type fakeDevice struct {
	info DeviceInfo
	runs atomic.Int64
	run  func(job Job, hits []bool) error
}

func newFakeDevice(maxLocal int) *fakeDevice {
	return &fakeDevice{
		info: DeviceInfo{
			Name:             "Fake GPU",
			Vendor:           "Test Vendor",
			VendorID:         42,
			Version:          "OpenCL 1.2",
			DriverVersion:    "1.0",
			Type:             DeviceGPU,
			ComputeUnits:     1,
			MaxWorkGroupSize: maxLocal,
		},
	}
}

func (f *fakeDevice) Info() DeviceInfo { return f.info }

func (f *fakeDevice) Run(job Job, hits []bool) error {
	f.runs.Add(1)
	if err := checkJob(job, hits); err != nil {
		return err
	}
	for i := 0; i < job.GlobalWorkSize; i++ {
		hits[i] = false
	}
	if f.run != nil {
		return f.run(job, hits)
	}
	return nil
}

func (f *fakeDevice) Close() error { return nil }

// ungatedCPU returns a CPU device that also reports digests below 32 bits
func ungatedCPU() *CPUDevice {
	dev := NewCPUDevice(0)
	dev.fastPath = false
	return dev
}

func TestThrottledWorkSize(t *testing.T) {
	tests := []struct {
		global, local int
		throttle      float64
		expected      int
	}{
		{1024, 64, 1, 1024},
		{1024, 64, 1.5, 512},
		{1024, 64, 2, 512},
		{1024, 64, 3, 256},
		{1024, 64, 4, 256},
		{1024, 64, 100, 64},
		{16, 64, 1, 64},
	}
	for i, tc := range tests {
		assert.Equal(t, tc.expected, ThrottledWorkSize(tc.global, tc.local, tc.throttle), "case %d", i)
	}
}

func TestWorkerFindsBest(t *testing.T) {
	const start = 1000000
	state, err := NewSearchState(testIdentity, start, BestResult{}, 1)
	require.NoError(t, err)

	w := NewWorker(ungatedCPU(), TunedConfig{GlobalWorkSize: 8, LocalWorkSize: 1}, state, WorkerConfig{Iterations: 64})
	for i := 0; i < 50; i++ {
		require.NoError(t, w.step())
	}

	// every counter handed out was hashed, so the device best is the best of the whole range
	end := state.Cursor().Next()
	require.Equal(t, uint64(start+50*8*64), end)
	expected := NewHasher(testIdentity).Scan(start, end-start)
	assert.Equal(t, expected, w.Best())
	assert.Equal(t, referenceDifficulty(testIdentity, expected.Counter), w.Best().Difficulty)
	assert.Equal(t, uint64(50), w.Stats().CompletedKernels())
	assert.Equal(t, uint64(50*8*64), w.Stats().CompletedIterations())
}

func TestWorkerUnreproducibleHit(t *testing.T) {
	state, err := NewSearchState(testIdentity, 0, BestResult{}, 150)
	require.NoError(t, err)

	dev := newFakeDevice(1)
	dev.run = func(job Job, hits []bool) error {
		hits[3] = true
		return nil
	}
	w := NewWorker(dev, TunedConfig{GlobalWorkSize: 4, LocalWorkSize: 1}, state, WorkerConfig{Iterations: 16})
	err = w.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnreproducibleHit)
	assert.Equal(t, BestResult{}, w.Best())
}

func TestWorkerBackendError(t *testing.T) {
	state, err := NewSearchState(testIdentity, 0, BestResult{}, DefaultFloor)
	require.NoError(t, err)

	dev := newFakeDevice(1)
	dev.run = func(Job, []bool) error {
		return errors.New("CL_OUT_OF_RESOURCES")
	}
	w := NewWorker(dev, TunedConfig{GlobalWorkSize: 4, LocalWorkSize: 1}, state, WorkerConfig{})
	assert.ErrorIs(t, w.Run(context.Background()), ErrBackend)
}

func TestWorkerStopCompletesLaunch(t *testing.T) {
	const start = 1000000
	state, err := NewSearchState(testIdentity, start, BestResult{}, DefaultFloor)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := newFakeDevice(1)
	dev.run = func(Job, []bool) error {
		if dev.runs.Load() == 3 {
			cancel()
		}
		return nil
	}
	w := NewWorker(dev, TunedConfig{GlobalWorkSize: 4, LocalWorkSize: 1}, state, WorkerConfig{Iterations: 16})
	require.NoError(t, w.Run(ctx))

	// the launch running during the stop is still accounted for
	assert.Equal(t, int64(3), dev.runs.Load())
	assert.Equal(t, uint64(3), w.Stats().CompletedKernels())
	assert.Equal(t, uint64(start+3*4*16), state.Cursor().Next())
}

func TestWorkerStoppedBeforeStart(t *testing.T) {
	state, err := NewSearchState(testIdentity, 0, BestResult{}, DefaultFloor)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dev := newFakeDevice(1)
	w := NewWorker(dev, TunedConfig{GlobalWorkSize: 4, LocalWorkSize: 1}, state, WorkerConfig{})
	require.NoError(t, w.Run(ctx))
	assert.Zero(t, dev.runs.Load())
	assert.Zero(t, state.Cursor().Next())
}

func TestWorkerSlowPhaseJob(t *testing.T) {
	identity := append([]byte(nil), testIdentity...)
	for len(identity) < 100 {
		identity = append(identity, 'B')
	}
	// 100 + 20 + 9 > 128
	state, err := NewSearchState(identity, 10000000000000000000, BestResult{}, DefaultFloor)
	require.NoError(t, err)

	var slow atomic.Bool
	dev := newFakeDevice(1)
	dev.run = func(job Job, _ []bool) error {
		slow.Store(job.Slow)
		return nil
	}
	w := NewWorker(dev, TunedConfig{GlobalWorkSize: 4, LocalWorkSize: 1}, state, WorkerConfig{})
	require.NoError(t, w.step())
	assert.True(t, slow.Load())
}
