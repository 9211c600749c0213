package miner

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
)

// WorkerConfig holds the per-run settings of a device worker
type WorkerConfig struct {
	// Throttle >= 1 shrinks launches and sleeps between them; 1 runs at full speed.
	Throttle float64
	// Iterations is the number of counters a lane hashes per launch
	Iterations uint32
	Clock      mclock.Clock
}

// Worker drives one device: it claims ranges from the shared cursor, launches
// them and verifies every hit the device reports on the host.
type Worker struct {
	dev   Device
	info  DeviceInfo
	state *SearchState

	global     int
	local      int
	iterations uint64
	throttle   float64
	clock      mclock.Clock

	stats *RuntimeStats
	best  BestTracker

	hits   []bool
	hasher *Hasher
	log    log.Logger
}

// NewWorker creates a worker running dev with its tuned launch geometry
func NewWorker(dev Device, tuned TunedConfig, state *SearchState, cfg WorkerConfig) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = StdIterations
	}
	if cfg.Throttle < 1 {
		cfg.Throttle = 1
	}
	local := tuned.LocalWorkSize
	if local < 1 {
		local = 1
	}
	global := ThrottledWorkSize(tuned.GlobalWorkSize, local, cfg.Throttle)
	info := dev.Info()

	return &Worker{
		dev:        dev,
		info:       info,
		state:      state,
		global:     global,
		local:      local,
		iterations: uint64(cfg.Iterations),
		throttle:   cfg.Throttle,
		clock:      cfg.Clock,
		stats:      NewRuntimeStats(cfg.Clock),
		hits:       make([]bool, global),
		hasher:     NewHasher(state.Identity()),
		log:        log.New("device", info.DisplayName(), "ordinal", info.Ordinal),
	}
}

// ThrottledWorkSize divides the global work size by the next power of two not
// below throttle. The result never drops below the local work size.
func ThrottledWorkSize(global, local int, throttle float64) int {
	if global < local {
		global = local
	}
	if throttle <= 1 {
		return global
	}
	div := math.Exp2(math.Ceil(math.Log2(throttle)))
	ws := int(float64(global) / div)
	if ws < local {
		ws = local
	}
	return ws
}

// Info returns the device description
func (w *Worker) Info() DeviceInfo {
	return w.info
}

// WorkSize returns the global and local work size used per launch
func (w *Worker) WorkSize() (global, local int) {
	return w.global, w.local
}

// Best returns the best result this device found in the current run
func (w *Worker) Best() BestResult {
	return w.best.Load()
}

// Stats returns the launch statistics of the device
func (w *Worker) Stats() *RuntimeStats {
	return w.stats
}

// Run executes launches until ctx is cancelled or an error occurs. A launch
// that was already started when ctx is cancelled is completed and verified.
func (w *Worker) Run(ctx context.Context) error {
	// device queues are bound to the thread that created them
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.log.Debug("Worker started", "global", w.global, "local", w.local, "throttle", w.throttle)
	w.stats.Mark()
	for ctx.Err() == nil {
		if err := w.step(); err != nil {
			return err
		}
		w.pause(ctx)
	}
	w.log.Debug("Worker stopped", "kernels", w.stats.CompletedKernels(), "hashes", w.stats.CompletedIterations())
	return nil
}

// step claims one range, launches it and collects the hits
func (w *Worker) step() error {
	r, err := w.state.Cursor().Claim(w.global, w.iterations)
	if err != nil {
		return err
	}
	identity := w.state.Identity()
	job := Job{
		Identity:       identity,
		StartCounter:   r.Start,
		Iterations:     uint32(r.Iterations),
		Target:         w.state.Target(w.best.Difficulty()),
		Slow:           IsSlowPhase(len(identity), r.Start),
		GlobalWorkSize: r.Lanes,
		LocalWorkSize:  w.local,
	}
	if err := w.dev.Run(job, w.hits); err != nil {
		return fmt.Errorf("%w: %s launch at counter %d: %v", ErrBackend, w.info.DisplayName(), r.Start, err)
	}
	if err := w.collect(job, r); err != nil {
		return err
	}
	w.stats.Record(r.Len())
	return nil
}

// collect re-scans every flagged lane on the host and keeps the best counter found
func (w *Worker) collect(job Job, r Range) error {
	for lane := 0; lane < r.Lanes; lane++ {
		if !w.hits[lane] {
			continue
		}
		w.hits[lane] = false

		start := r.LaneStart(lane)
		found := w.hasher.Scan(start, r.Iterations)
		if found.Difficulty < job.Target {
			return fmt.Errorf("%w: %s lane %d [%d, %d) target %d, host found %d",
				ErrUnreproducibleHit, w.info.DisplayName(), lane, start, start+r.Iterations, job.Target, found.Difficulty)
		}
		if w.best.Improve(found) {
			w.log.Info("Found better counter", "difficulty", found.Difficulty, "counter", found.Counter)
		}
	}
	return nil
}

// pause sleeps between launches when throttled. The sleep is kept out of the timing window.
func (w *Worker) pause(ctx context.Context) {
	if w.throttle <= 1 {
		return
	}
	d := time.Duration(float64(w.stats.RecentMin()) * (w.throttle - 1))
	if d > 0 {
		select {
		case <-w.clock.After(d):
		case <-ctx.Done():
		}
	}
	w.stats.Mark()
}
