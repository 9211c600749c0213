// Package miner searches for counters that raise the security level of an identity,
// spreading the SHA-1 brute force over every available compute device.
package miner

import (
	"errors"
	"fmt"
)

const (
	// MinIdentityLength is the shortest identity the device kernels accept.
	// The first 64 bytes are always hashed as one full block.
	MinIdentityLength = 64
	// MaxIdentityLength is the longest supported identity
	MaxIdentityLength = 108

	// MaxDifficulty is the difficulty of an all-zero SHA-1 digest
	MaxDifficulty = 160

	// StdIterations is the number of counters one lane hashes per launch
	StdIterations = 1024

	// DefaultFloor is the target difficulty floor a run starts with
	DefaultFloor = 34
	// MinFloor is the lowest floor the scheduler lowers the target to.
	// Kernels only inspect digests whose first 32 bits are zero.
	MinFloor = 32
)

var (
	// ErrBackend wraps any failure of a compute device (build, argument binding, launch).
	ErrBackend = errors.New("compute backend failure")

	// ErrUnreproducibleHit reports a lane flagged by a device that the host re-scan
	// could not confirm.
	ErrUnreproducibleHit = errors.New("claimed target could not be found")

	// ErrCounterExhausted is returned once the counter space of 64 bits is used up.
	ErrCounterExhausted = errors.New("counter space exhausted")

	// ErrCheckpoint wraps a failure of the progress checkpoint hook
	ErrCheckpoint = errors.New("failed to save progress")
)

// BestResult is a difficulty together with the counter that reached it
type BestResult struct {
	Difficulty uint8
	Counter    uint64
}

// Progress is the resumable part of a run
type Progress struct {
	Counter     uint64
	BestCounter uint64
}

// ValidateIdentity checks that an identity can be hashed by the device kernels
func ValidateIdentity(identity []byte) error {
	if len(identity) < MinIdentityLength || len(identity) > MaxIdentityLength {
		return fmt.Errorf("identity length %d out of range [%d, %d]", len(identity), MinIdentityLength, MaxIdentityLength)
	}
	return nil
}
