package miner

import (
	"crypto/sha1"
	"encoding"
	"hash"
	"math/bits"
	"strconv"
)

// DigestDifficulty counts the leading zero bits of a digest the way the device kernels do:
// eight per leading zero byte, then the zero bits of the first nonzero byte
// counted from its least significant bit upwards.
func DigestDifficulty(digest [sha1.Size]byte) uint8 {
	for i, b := range digest {
		if b != 0 {
			return uint8(8*i + bits.TrailingZeros8(b))
		}
	}
	return MaxDifficulty
}

// Difficulty returns the security level of identity followed by the decimal counter
func Difficulty(identity []byte, counter uint64) uint8 {
	input := make([]byte, 0, len(identity)+20)
	input = append(input, identity...)
	input = strconv.AppendUint(input, counter, 10)
	return DigestDifficulty(sha1.Sum(input))
}

// Hasher computes digests of one identity with many counters.
// It resumes from the SHA-1 state saved after absorbing the identity, so only
// the counter digits are hashed per call. A Hasher is not safe for concurrent use;
// use Clone to get one per goroutine.
type Hasher struct {
	identity []byte
	state    []byte // marshalled SHA-1 state after the identity, shared between clones

	h       hash.Hash
	restore encoding.BinaryUnmarshaler
	digits  []byte
	sum     [sha1.Size]byte
}

// NewHasher creates a hasher for the given identity
func NewHasher(identity []byte) *Hasher {
	id := append([]byte{}, identity...)

	h := sha1.New()
	h.Write(id)
	// crypto/sha1 always implements the marshaler
	state, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic("sha1: cannot marshal state: " + err.Error())
	}
	return newHasherFromState(id, state)
}

func newHasherFromState(identity, state []byte) *Hasher {
	h := sha1.New()
	return &Hasher{
		identity: identity,
		state:    state,
		h:        h,
		restore:  h.(encoding.BinaryUnmarshaler),
		digits:   make([]byte, 0, 20),
	}
}

// Clone returns an independent hasher for the same identity
func (h *Hasher) Clone() *Hasher {
	return newHasherFromState(h.identity, h.state)
}

// Identity returns the identity bytes the hasher was created with
func (h *Hasher) Identity() []byte {
	return h.identity
}

// Sum returns SHA1(identity || decimal(counter))
func (h *Hasher) Sum(counter uint64) [sha1.Size]byte {
	if err := h.restore.UnmarshalBinary(h.state); err != nil {
		panic("sha1: cannot restore state: " + err.Error())
	}
	h.digits = strconv.AppendUint(h.digits[:0], counter, 10)
	h.h.Write(h.digits)
	h.h.Sum(h.sum[:0])
	return h.sum
}

// Difficulty returns the security level reached by counter
func (h *Hasher) Difficulty(counter uint64) uint8 {
	return DigestDifficulty(h.Sum(counter))
}

// Scan hashes n counters from start and returns the first counter with the
// highest difficulty.
func (h *Hasher) Scan(start, n uint64) BestResult {
	best := BestResult{Counter: start}
	for i := uint64(0); i < n; i++ {
		if d := h.Difficulty(start + i); d > best.Difficulty {
			best = BestResult{Difficulty: d, Counter: start + i}
		}
	}
	return best
}
