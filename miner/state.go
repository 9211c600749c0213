package miner

import "sync/atomic"

// SearchState is the state shared by the scheduler and every device worker of a run.
// Workers get a pointer at construction and never reach back into the scheduler.
type SearchState struct {
	identity []byte
	cursor   *Cursor
	best     BestTracker
	floor    atomic.Uint32
}

// NewSearchState creates the shared state for a run over identity starting at start.
// best is the best known result of earlier runs.
func NewSearchState(identity []byte, start uint64, best BestResult, floor uint8) (*SearchState, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}
	s := &SearchState{
		identity: append([]byte(nil), identity...),
		cursor:   NewCursor(start),
	}
	s.best.Improve(best)
	s.floor.Store(uint32(floor))
	return s, nil
}

// Identity returns the identity being searched
func (s *SearchState) Identity() []byte {
	return s.identity
}

// Cursor returns the shared counter cursor
func (s *SearchState) Cursor() *Cursor {
	return s.cursor
}

// Best returns the global best result
func (s *SearchState) Best() BestResult {
	return s.best.Load()
}

// Improve raises the global best if r is strictly better
func (s *SearchState) Improve(r BestResult) bool {
	return s.best.Improve(r)
}

// Floor returns the current target floor
func (s *SearchState) Floor() uint8 {
	return uint8(s.floor.Load())
}

// SetFloor replaces the target floor; only the reporting loop calls it
func (s *SearchState) SetFloor(floor uint8) {
	s.floor.Store(uint32(floor))
}

// Target returns the difficulty a launch has to reach: strictly better than anything
// seen so far, and never below the floor.
func (s *SearchState) Target(deviceBest uint8) uint8 {
	best := s.best.Difficulty()
	if deviceBest > best {
		best = deviceBest
	}
	target := int(best) + 1
	if f := int(s.Floor()); f > target {
		target = f
	}
	if target > MaxDifficulty {
		target = MaxDifficulty
	}
	return uint8(target)
}
