package miner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchStateTarget(t *testing.T) {
	s, err := NewSearchState(testIdentity, 0, BestResult{Difficulty: 30, Counter: 5}, 34)
	require.NoError(t, err)

	// floor wins while everything found is below it
	assert.Equal(t, uint8(34), s.Target(0))
	assert.Equal(t, uint8(34), s.Target(33))
	// a better device result raises the target
	assert.Equal(t, uint8(36), s.Target(35))

	s.Improve(BestResult{Difficulty: 40, Counter: 9})
	assert.Equal(t, uint8(41), s.Target(35))

	s.SetFloor(50)
	assert.Equal(t, uint8(50), s.Target(41))

	s.Improve(BestResult{Difficulty: MaxDifficulty, Counter: 1})
	assert.Equal(t, uint8(MaxDifficulty), s.Target(0))
}

func TestSearchStateIdentity(t *testing.T) {
	_, err := NewSearchState([]byte("short"), 0, BestResult{}, 34)
	assert.Error(t, err)

	id := append([]byte(nil), testIdentity...)
	s, err := NewSearchState(id, 77, BestResult{}, 34)
	require.NoError(t, err)
	id[0] = 'B'
	assert.Equal(t, testIdentity, s.Identity())
	assert.Equal(t, uint64(77), s.Cursor().Next())
}
