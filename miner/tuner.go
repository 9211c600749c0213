package miner

import (
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
)

// TunedConfig is the launch geometry found to be fastest for a device
type TunedConfig struct {
	Fingerprint    string
	DeviceName     string
	GlobalWorkSize int
	LocalWorkSize  int
}

// TuningCache persists tuned configurations by device fingerprint
type TuningCache interface {
	LookupTuning(fingerprint string) (TunedConfig, bool)
	StoreTuning(cfg TunedConfig)
}

// TuneConfig holds the parameters of the calibration sweep
type TuneConfig struct {
	Identity     []byte
	StartCounter uint64
	// Target is high enough that hits are practically impossible,
	// so a run costs the same no matter where it lands.
	Target     uint8
	Iterations uint32

	Repetitions   int
	WarmupRuns    int
	MaxKernelTime time.Duration

	// MaxGlobalLocalRatio caps the global work size at this multiple of the max local size
	MaxGlobalLocalRatio int
}

// DefaultTuneConfig returns the standard sweep parameters
func DefaultTuneConfig() TuneConfig {
	return TuneConfig{
		Identity:            []byte("AAABBBCCCDDDEEEFFFGGGHHHIIIJJJKKKLLLMMMNNNOOOPPPQQQRRRSSSTTTUUUVVVWWWXXXYYYZZZAAABBBCCCDDDEEEFFFGGG"),
		StartCounter:        10000000000000000000,
		Target:              60,
		Iterations:          StdIterations,
		Repetitions:         30,
		WarmupRuns:          5,
		MaxKernelTime:       150 * time.Millisecond,
		MaxGlobalLocalRatio: 1 << 16,
	}
}

// Tuner finds and caches the fastest launch geometry of each device
type Tuner struct {
	cfg   TuneConfig
	cache TuningCache
	clock mclock.Clock
}

// NewTuner creates a tuner with the default sweep
func NewTuner(cache TuningCache, clock mclock.Clock) *Tuner {
	return NewTunerWithConfig(DefaultTuneConfig(), cache, clock)
}

// NewTunerWithConfig creates a tuner with a custom sweep
func NewTunerWithConfig(cfg TuneConfig, cache TuningCache, clock mclock.Clock) *Tuner {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Tuner{cfg: cfg, cache: cache, clock: clock}
}

// Tune returns the launch geometry for dev. A cached configuration is returned
// without touching the device; otherwise the sweep runs and its winner is cached.
func (t *Tuner) Tune(dev Device) (TunedConfig, error) {
	info := dev.Info()
	fingerprint := info.Fingerprint()
	if t.cache != nil {
		if cfg, ok := t.cache.LookupTuning(fingerprint); ok {
			log.Debug("Using cached tuning", "device", info.DisplayName(), "global", cfg.GlobalWorkSize, "local", cfg.LocalWorkSize)
			return cfg, nil
		}
	}

	log.Info("Tuning device", "device", info.DisplayName(), "ordinal", info.Ordinal)
	global, local, err := t.sweep(dev, info)
	if err != nil {
		return TunedConfig{}, err
	}
	cfg := TunedConfig{
		Fingerprint:    fingerprint,
		DeviceName:     info.DisplayName(),
		GlobalWorkSize: global,
		LocalWorkSize:  local,
	}
	if t.cache != nil {
		t.cache.StoreTuning(cfg)
	}
	log.Info("Tuning finished", "device", cfg.DeviceName, "global", global, "local", local)
	return cfg, nil
}

func (t *Tuner) sweep(dev Device, info DeviceInfo) (int, int, error) {
	maxLocal := info.MaxWorkGroupSize
	if maxLocal < 1 {
		maxLocal = 1
	}
	maxGlobal := t.cfg.MaxGlobalLocalRatio * maxLocal
	startLocal := 1
	if maxLocal > 128 {
		startLocal = 16
	}
	reps := t.cfg.Repetitions
	if reps < 1 {
		reps = 1
	}

	var (
		hits      []bool
		bestNorm  = int64(math.MaxInt64)
		bestG     int
		bestL     int
		bestUnder bool
	)
	for local := startLocal; local <= maxLocal; local *= 2 {
		var avg time.Duration
		for global := local; global <= maxGlobal && avg < t.cfg.MaxKernelTime; global *= 2 {
			if len(hits) < global {
				hits = make([]bool, global)
			}
			elapsed, err := t.measure(dev, global, local, reps, hits)
			if err != nil {
				return 0, 0, err
			}
			avg = elapsed / time.Duration(reps)
			norm := elapsed.Nanoseconds() / int64(global)
			log.Trace("Tuning sample", "global", global, "local", local, "avg", avg, "ns/lane", norm)

			// The first measurement is kept even if it is too slow, so there is always a winner
			under := avg < t.cfg.MaxKernelTime
			if bestG == 0 || (under && (!bestUnder || norm < bestNorm)) {
				bestNorm, bestG, bestL, bestUnder = norm, global, local, under
			}
		}
	}
	return bestG, bestL, nil
}

// measure times reps launches after the warm-up runs
func (t *Tuner) measure(dev Device, global, local, reps int, hits []bool) (time.Duration, error) {
	job := Job{
		Identity:       t.cfg.Identity,
		StartCounter:   t.cfg.StartCounter,
		Iterations:     t.cfg.Iterations,
		Target:         t.cfg.Target,
		Slow:           IsSlowPhase(len(t.cfg.Identity), t.cfg.StartCounter),
		GlobalWorkSize: global,
		LocalWorkSize:  local,
	}
	var start mclock.AbsTime
	for q := 0; q < reps+t.cfg.WarmupRuns; q++ {
		if q == t.cfg.WarmupRuns {
			start = t.clock.Now()
		}
		if err := dev.Run(job, hits); err != nil {
			return 0, fmt.Errorf("%w: tuning %s (global %d, local %d): %v", ErrBackend, dev.Info().DisplayName(), global, local, err)
		}
	}
	return t.clock.Now().Sub(start), nil
}
