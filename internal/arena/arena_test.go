package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateReturnsDistinctRegions(t *testing.T) {
	a := New(4096)
	defer a.Close()

	off1, err := a.Allocate(64, 8)
	require.NoError(t, err)
	off2, err := a.Allocate(64, 8)
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)

	b1 := a.GetBytes(off1, 64)
	b2 := a.GetBytes(off2, 64)
	require.Len(t, b1, 64)
	require.Len(t, b2, 64)
}

func TestAllocateFailsWhenFull(t *testing.T) {
	a := New(128)
	defer a.Close()

	_, err := a.Allocate(256, 1)
	require.ErrorIs(t, err, ErrArenaFull)
}

func TestResetReclaimsSpace(t *testing.T) {
	a := New(128)
	defer a.Close()

	_, err := a.Allocate(64, 1)
	require.NoError(t, err)
	require.Greater(t, a.Len(), uint(0))

	a.Reset()
	require.Equal(t, uint(0), a.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	a := New(128)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
