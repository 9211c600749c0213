package miner

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/math"
)

// Range is the slice of the counter space handed to one kernel launch.
// Lane i hashes [Start+i*Iterations, Start+(i+1)*Iterations).
type Range struct {
	Start      uint64
	Iterations uint64
	Lanes      int
}

// Len returns the number of counters in the range
func (r Range) Len() uint64 {
	return r.Iterations * uint64(r.Lanes)
}

// LaneStart returns the first counter of a lane
func (r Range) LaneStart(lane int) uint64 {
	return r.Start + uint64(lane)*r.Iterations
}

// Cursor is the next unassigned counter, shared by all device workers of a run
type Cursor struct {
	mu      sync.Mutex
	next    uint64
	skipped uint64
}

// NewCursor creates a cursor positioned at start
func NewCursor(start uint64) *Cursor {
	return &Cursor{next: start}
}

// Next returns the next unassigned counter
func (c *Cursor) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Skipped returns how many counters were given up at digit-length boundaries
func (c *Cursor) Skipped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipped
}

// Claim reserves the next range for a launch of the given number of lanes with at most
// iterations counters per lane. A range never crosses a change of the counter's decimal
// length: when fewer than one counter per lane remains before the boundary, those
// counters are skipped and the claim starts behind the boundary.
func (c *Cursor) Claim(lanes int, iterations uint64) (Range, error) {
	if lanes <= 0 || iterations == 0 {
		return Range{}, fmt.Errorf("invalid launch geometry: %d lanes x %d iterations", lanes, iterations)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		batch, overflow := math.SafeMul(uint64(lanes), iterations)
		if overflow {
			return Range{}, ErrCounterExhausted
		}
		if remaining := ItsConstantCounterLength(c.next); remaining < batch {
			batch = remaining
		}
		perLane := batch / uint64(lanes)
		if perLane == 0 {
			next, overflow := math.SafeAdd(c.next, batch)
			if overflow {
				return Range{}, ErrCounterExhausted
			}
			c.skipped += batch
			c.next = next
			continue
		}
		r := Range{Start: c.next, Iterations: perLane, Lanes: lanes}
		next, overflow := math.SafeAdd(c.next, r.Len())
		if overflow {
			return Range{}, ErrCounterExhausted
		}
		c.next = next
		return r, nil
	}
}
