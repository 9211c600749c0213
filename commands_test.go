package main

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hadv/tshasher/config"
	"github.com/hadv/tshasher/miner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, keys ...string) *config.Store {
	store, err := config.Open(filepath.Join(t.TempDir(), "test.ini"))
	require.NoError(t, err)
	for _, key := range keys {
		require.NoError(t, store.PutIdentity(config.Identity{PublicKey: key}))
	}
	return store
}

func withInput(t *testing.T, input string) {
	old := stdin
	stdin = bufio.NewReader(strings.NewReader(input))
	t.Cleanup(func() { stdin = old })
}

func TestSelectIdentity(t *testing.T) {
	a := strings.Repeat("A", 64)
	b := strings.Repeat("B", 64)

	_, err := selectIdentity(newTestStore(t), -1)
	assert.Error(t, err)

	store := newTestStore(t, a, b)
	i, err := selectIdentity(store, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	_, err = selectIdentity(store, 2)
	assert.ErrorIs(t, err, config.ErrUnknownIdentity)

	i, err = selectIdentity(newTestStore(t, a), -1)
	require.NoError(t, err)
	assert.Equal(t, 0, i, "single identity needs no prompt")

	withInput(t, "7\nfoo\n1\n")
	i, err = selectIdentity(store, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	withInput(t, "")
	_, err = selectIdentity(store, -1)
	assert.Error(t, err)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"maybe\nyes\n", true},
		{"", false},
		{"y", true},
	}
	for _, tt := range tests {
		withInput(t, tt.input)
		assert.Equal(t, tt.want, confirm(io.Discard, "Replace?"), "input %q", tt.input)
	}
}

func TestSearchError(t *testing.T) {
	saveErr := fmt.Errorf("%w at counter 5: disk full", miner.ErrCheckpoint)
	err := searchError(saveErr, "test.ini")
	assert.Contains(t, err.Error(), "Failed to save test.ini")
	assert.Contains(t, err.Error(), "disk full")

	hitErr := fmt.Errorf("%w: lane 3", miner.ErrUnreproducibleHit)
	err = searchError(hitErr, "test.ini")
	assert.NotContains(t, err.Error(), "Failed to save")
	assert.Contains(t, err.Error(), "lane 3")
}
