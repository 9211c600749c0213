package miner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReportInterval is the period of the reporting loop
	DefaultReportInterval = time.Second
	// DefaultSaveInterval is the period of progress checkpoints
	DefaultSaveInterval = 5 * time.Minute
)

// ErrNoDevices is returned when a run is started without any device
var ErrNoDevices = errors.New("no compute devices")

// Config is the configuration of one search run
type Config struct {
	Identity     []byte
	StartCounter uint64
	// BestCounter is the best counter found by earlier runs
	BestCounter uint64

	Throttle     float64
	Iterations   uint32
	InitialFloor uint8
	MinFloor     uint8

	ReportInterval time.Duration
	SaveInterval   time.Duration
	Clock          mclock.Clock

	// Checkpoint persists the progress; called every SaveInterval and once more after a clean stop
	Checkpoint func(Progress) error
}

// ReportFunc receives a snapshot of the run on every reporting tick
type ReportFunc func(Snapshot)

// Scheduler runs one worker per device over a shared counter cursor and adapts
// the target floor to the combined speed.
type Scheduler struct {
	cfg     Config
	state   *SearchState
	workers []*Worker
	start   mclock.AbsTime
}

// NewScheduler creates a scheduler for the given run configuration
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = DefaultSaveInterval
	}
	if cfg.InitialFloor == 0 {
		cfg.InitialFloor = DefaultFloor
	}
	if cfg.MinFloor == 0 {
		cfg.MinFloor = MinFloor
	}
	if cfg.MinFloor > cfg.InitialFloor {
		return nil, fmt.Errorf("minimum floor %d above initial floor %d", cfg.MinFloor, cfg.InitialFloor)
	}
	if cfg.Throttle == 0 {
		cfg.Throttle = 1
	}
	if cfg.Throttle < 1 {
		return nil, fmt.Errorf("throttle factor %v below 1", cfg.Throttle)
	}
	if err := ValidateIdentity(cfg.Identity); err != nil {
		return nil, err
	}
	best := BestResult{
		Difficulty: Difficulty(cfg.Identity, cfg.BestCounter),
		Counter:    cfg.BestCounter,
	}
	state, err := NewSearchState(cfg.Identity, cfg.StartCounter, best, cfg.InitialFloor)
	if err != nil {
		return nil, err
	}
	return &Scheduler{cfg: cfg, state: state}, nil
}

// State returns the state shared with the workers
func (s *Scheduler) State() *SearchState {
	return s.state
}

// AddDevice attaches a device with its tuned launch geometry. It must not be
// called while Run is active.
func (s *Scheduler) AddDevice(dev Device, tuned TunedConfig) *Worker {
	w := NewWorker(dev, tuned, s.state, WorkerConfig{
		Throttle:   s.cfg.Throttle,
		Iterations: s.cfg.Iterations,
		Clock:      s.cfg.Clock,
	})
	s.workers = append(s.workers, w)
	return w
}

// Workers returns the device workers
func (s *Scheduler) Workers() []*Worker {
	return s.workers
}

// Progress returns the resumable state of the run
func (s *Scheduler) Progress() Progress {
	return Progress{
		Counter:     s.state.Cursor().Next(),
		BestCounter: s.state.Best().Counter,
	}
}

// Run searches until ctx is cancelled or a worker fails. After a clean stop every
// in-flight launch has been collected and the final progress is checkpointed. A
// failing worker stops the others and its error is returned without a checkpoint.
func (s *Scheduler) Run(ctx context.Context, report ReportFunc) error {
	if len(s.workers) == 0 {
		return ErrNoDevices
	}
	s.start = s.cfg.Clock.Now()
	lastSave := s.start

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	log.Info("Search started", "devices", len(s.workers), "counter", s.cfg.StartCounter,
		"level", s.state.Best().Difficulty, "floor", s.state.Floor())

	timer := s.cfg.Clock.NewTimer(s.cfg.ReportInterval)
loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case <-timer.C():
			snap := s.tick()
			if report != nil {
				report(snap)
			}
			if now := s.cfg.Clock.Now(); now.Sub(lastSave) >= s.cfg.SaveInterval {
				lastSave = now
				if err := s.checkpoint(); err != nil {
					log.Error("Periodic checkpoint failed", "err", err)
				}
			}
			timer.Reset(s.cfg.ReportInterval)
		}
	}
	timer.Stop()

	if err := g.Wait(); err != nil {
		return err
	}
	snap := s.tick()
	if report != nil {
		report(snap)
	}
	log.Info("Search stopped", "counter", snap.Counter, "level", snap.Best.Difficulty, "bestcounter", snap.Best.Counter)
	return s.checkpoint()
}

func (s *Scheduler) checkpoint() error {
	if s.cfg.Checkpoint == nil {
		return nil
	}
	p := s.Progress()
	if err := s.cfg.Checkpoint(p); err != nil {
		return fmt.Errorf("%w at counter %d: %v", ErrCheckpoint, p.Counter, err)
	}
	log.Debug("Progress saved", "counter", p.Counter, "bestcounter", p.BestCounter)
	return nil
}

// tick merges the device bests into the global best, lowers the floor when the
// next level is too far away and returns the snapshot of the run.
func (s *Scheduler) tick() Snapshot {
	running := s.cfg.Clock.Now().Sub(s.start)
	snap := Snapshot{
		Identity:    s.state.Identity(),
		RunningTime: running,
		Counter:     s.state.Cursor().Next(),
		Skipped:     s.state.Cursor().Skipped(),
		Devices:     make([]DeviceSnapshot, 0, len(s.workers)),
	}

	var completed uint64
	for _, w := range s.workers {
		best := w.Best()
		if s.state.Improve(best) {
			log.Info("Security level increased", "level", best.Difficulty, "counter", best.Counter, "device", w.Info().DisplayName())
		}
		stats := w.Stats()
		global, local := w.WorkSize()
		dev := DeviceSnapshot{
			Info:           w.Info(),
			GlobalWorkSize: global,
			LocalWorkSize:  local,
			CurrentSpeed:   stats.AvgSpeed(),
			Best:           best,
			RecentMin:      stats.RecentMin(),
			RecentMax:      stats.RecentMax(),
		}
		if secs := running.Seconds(); secs > 0 {
			dev.AverageSpeed = float64(stats.CompletedIterations()) / secs
			dev.KernelsPerSecond = float64(stats.CompletedKernels()) / secs
		}
		completed += stats.CompletedIterations()
		snap.CurrentSpeed += dev.CurrentSpeed
		snap.Devices = append(snap.Devices, dev)
	}
	if secs := running.Seconds(); secs > 0 {
		snap.AverageSpeed = float64(completed) / secs
	}

	idLen := len(snap.Identity)
	snap.SlowPhase = IsSlowPhase(idLen, snap.Counter)
	untilSlow := ItsUntilSlowPhase(idLen, snap.Counter)
	if !snap.SlowPhase {
		snap.TimeUntilSlow = EstimateDuration(float64(untilSlow), snap.CurrentSpeed)
	}

	snap.Best = s.state.Best()
	floor := s.state.Floor()
	level := NextLevel(snap.Best.Difficulty, floor)
	eta := EstimateDuration(NextLevelIterations(level, snap.SlowPhase, untilSlow), snap.CurrentSpeed)
	if snap.CurrentSpeed > 0 {
		if lowered := LowerFloor(floor, snap.Best.Difficulty, s.cfg.MinFloor, eta); lowered != floor {
			log.Info("Lowered target floor", "from", floor, "to", lowered, "eta", eta.Round(time.Second))
			s.state.SetFloor(lowered)
			floor = lowered
			level = NextLevel(snap.Best.Difficulty, floor)
			eta = EstimateDuration(NextLevelIterations(level, snap.SlowPhase, untilSlow), snap.CurrentSpeed)
			snap.FloorLowered = true
		}
	}
	snap.Floor = floor
	snap.NextLevel = level
	snap.NextLevelETA = eta
	return snap
}
