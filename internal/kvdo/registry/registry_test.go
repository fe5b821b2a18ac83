package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigerblue77/kvdo/internal/kvdo/kerr"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("pool0", "/dev/sdb"))

	device, ok := r.Lookup("pool0")
	require.True(t, ok)
	require.Equal(t, "/dev/sdb", device)
	require.Equal(t, 1, r.Len())
}

func TestRegisterRejectsDuplicatePoolName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("pool0", "/dev/sdb"))

	err := r.Register("pool0", "/dev/sdc")
	require.Equal(t, kerr.KindComponentBusy, kerr.KindOf(err))
}

func TestRegisterRejectsSharedDevice(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("pool0", "/dev/sdb"))

	err := r.Register("pool1", "/dev/sdb")
	require.Equal(t, kerr.KindComponentBusy, kerr.KindOf(err))
}

func TestUnregisterFreesBothKeys(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("pool0", "/dev/sdb"))
	r.Unregister("pool0")

	require.Equal(t, 0, r.Len())
	require.NoError(t, r.Register("pool0", "/dev/sdb"))
	require.NoError(t, r.Register("pool1", "/dev/sdc"))
}

func TestUnregisterUnknownPoolIsNoop(t *testing.T) {
	r := New()
	r.Unregister("missing")
	require.Equal(t, 0, r.Len())
}
