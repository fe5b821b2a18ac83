package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigerblue77/kvdo/internal/kvdo/kerr"
)

func base() Config {
	return Config{
		PoolName:         "pool0",
		ParentDeviceName: "/dev/sdb",
		LogicalBlockSize: 4096,
		LogicalBlocks:    1000,
		PhysicalBlocks:   2000,
		CacheSize:        128,
		ThreadCounts:     ThreadCounts{BioThreads: 4, CPUThreads: 2},
	}
}

func TestPrepareModifyNoopWhenIdentical(t *testing.T) {
	c := base()
	delta, err := PrepareModify(c, c)
	require.NoError(t, err)
	require.Equal(t, Delta{}, delta)
}

func TestPrepareModifyRejectsImmutableFieldChange(t *testing.T) {
	extant := base()
	next := base()
	next.ParentDeviceName = "/dev/sdc"

	_, err := PrepareModify(extant, next)
	require.Equal(t, kerr.KindParameterMismatch, kerr.KindOf(err))
}

func TestPrepareModifyDetectsGrowLogical(t *testing.T) {
	extant := base()
	next := base()
	next.LogicalBlocks = 2000

	delta, err := PrepareModify(extant, next)
	require.NoError(t, err)
	require.True(t, delta.GrowLogical)
	require.Equal(t, uint64(2000), delta.NewLogicalSize)
	require.False(t, delta.GrowPhysical)
}

func TestPrepareModifyDetectsGrowPhysical(t *testing.T) {
	extant := base()
	next := base()
	next.PhysicalBlocks = 3000

	delta, err := PrepareModify(extant, next)
	require.NoError(t, err)
	require.True(t, delta.GrowPhysical)
	require.Equal(t, uint64(3000), delta.NewPhysicalEnd)
}

func TestPrepareModifyRejectsPhysicalShrink(t *testing.T) {
	extant := base()
	next := base()
	next.PhysicalBlocks = 1000

	_, err := PrepareModify(extant, next)
	require.Error(t, err)
}

func TestPrepareModifyRejectsUnalignedLogicalGrow(t *testing.T) {
	extant := base()
	extant.LogicalBlockSize = 512
	next := extant
	next.LogicalBlocks = extant.LogicalBlocks + 3 // 3 sectors is not a whole 4096-byte block

	_, err := PrepareModify(extant, next)
	require.Equal(t, kerr.KindParameterMismatch, kerr.KindOf(err))
}

func TestPrepareModifyAcceptsAlignedLogicalGrow(t *testing.T) {
	extant := base()
	extant.LogicalBlockSize = 512
	next := extant
	next.LogicalBlocks = extant.LogicalBlocks + 8 // 8 sectors of 512 bytes = one 4096-byte block

	delta, err := PrepareModify(extant, next)
	require.NoError(t, err)
	require.True(t, delta.GrowLogical)
}

func TestValidatePhysicalAlignmentRejectsZero(t *testing.T) {
	err := ValidatePhysicalAlignment(0)
	require.Equal(t, kerr.KindParameterMismatch, kerr.KindOf(err))
}

func TestValidateRejectsMissingPoolName(t *testing.T) {
	c := base()
	c.PoolName = ""
	require.Error(t, Validate(c))
}

func TestValidateRejectsUnalignedBlockSize(t *testing.T) {
	c := base()
	c.LogicalBlockSize = 513
	require.Error(t, Validate(c))
}
