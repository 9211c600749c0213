package miner

import "sync/atomic"

// BestTracker holds a BestResult that only ever improves.
// Readers never block; writers race with a compare-and-swap and the
// strictly greater difficulty wins.
type BestTracker struct {
	p atomic.Pointer[BestResult]
}

// Load returns the current best (the zero value if nothing was recorded)
func (b *BestTracker) Load() BestResult {
	if r := b.p.Load(); r != nil {
		return *r
	}
	return BestResult{}
}

// Difficulty returns the current best difficulty
func (b *BestTracker) Difficulty() uint8 {
	return b.Load().Difficulty
}

// Improve stores r if its difficulty is strictly greater than the current best
// and reports whether it did.
func (b *BestTracker) Improve(r BestResult) bool {
	for {
		cur := b.p.Load()
		if cur != nil && r.Difficulty <= cur.Difficulty {
			return false
		}
		if b.p.CompareAndSwap(cur, &r) {
			return true
		}
	}
}
