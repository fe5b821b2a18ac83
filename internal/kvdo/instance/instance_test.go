package instance

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tigerblue77/kvdo/internal/arena"
	"github.com/tigerblue77/kvdo/internal/kvdo/config"
	"github.com/tigerblue77/kvdo/internal/kvdo/enginetest"
	"github.com/tigerblue77/kvdo/internal/kvdo/geometry"
	"github.com/tigerblue77/kvdo/internal/kvdo/kerr"
	"github.com/tigerblue77/kvdo/internal/kvdo/lifecycle"
	"github.com/tigerblue77/kvdo/internal/kvdo/registry"
	"github.com/tigerblue77/kvdo/internal/kvdo/request"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func baseConfig() config.Config {
	return config.Config{
		PoolName:         "pool0",
		ParentDeviceName: "mem0",
		LogicalBlockSize: 4096,
		LogicalBlocks:    100,
		PhysicalBlocks:   200,
	}
}

func seededStorage(t *testing.T) *enginetest.Storage {
	storage := enginetest.NewStorage(1 << 20)
	block := geometry.Encode(geometry.Geometry{
		ReleaseVersion: 1,
		UUID:           uuid.New(),
		Regions: [2]geometry.Region{
			{ID: geometry.IndexRegion, StartBlock: 1},
			{ID: geometry.DataRegion, StartBlock: 10},
		},
	})
	storage.WriteBlock(geometry.BlockLocation, block)
	return storage
}

func newTestInstance(t *testing.T) (*Instance, *enginetest.Engine, *enginetest.Storage) {
	storage := seededStorage(t)
	eng := enginetest.New(storage)
	reg := registry.New()

	in, err := New(context.Background(), baseConfig(), eng, storage, reg, nil, discardLogger())
	require.NoError(t, err)
	require.NoError(t, in.Preload())
	require.NoError(t, in.Start())
	require.Equal(t, lifecycle.Running, in.CurrentState())
	return in, eng, storage
}

func TestNewReadsGeometryAndRegisters(t *testing.T) {
	in, _, _ := newTestInstance(t)
	require.Equal(t, uint64(1), in.Geometry().IndexRegionOffset())
	require.Equal(t, uint64(10), in.Geometry().DataRegionOffset())

	device, ok := in.reg.Lookup("pool0")
	require.True(t, ok)
	require.Equal(t, "mem0", device)
}

func TestNewRejectsDuplicatePoolRegistration(t *testing.T) {
	storage := seededStorage(t)
	eng := enginetest.New(storage)
	reg := registry.New()

	_, err := New(context.Background(), baseConfig(), eng, storage, reg, nil, discardLogger())
	require.NoError(t, err)

	storage2 := seededStorage(t)
	eng2 := enginetest.New(storage2)
	_, err = New(context.Background(), baseConfig(), eng2, storage2, reg, nil, discardLogger())
	require.Equal(t, kerr.KindComponentBusy, kerr.KindOf(err))
}

func TestSubmitCompletesThroughEngine(t *testing.T) {
	in, _, _ := newTestInstance(t)

	done := make(chan error, 1)
	_, err := in.Submit(context.Background(), request.Request{
		Operation:    request.Write,
		PayloadBytes: 4096,
		Done:         func(err error) { done <- err },
	})
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestSuspendResumeCycle(t *testing.T) {
	in, _, storage := newTestInstance(t)

	require.NoError(t, in.Suspend(context.Background(), false))
	require.Equal(t, lifecycle.Suspended, in.CurrentState())
	require.Equal(t, 1, storage.PreflushWrites())

	require.NoError(t, in.Resume(context.Background()))
	require.Equal(t, lifecycle.Running, in.CurrentState())
}

func TestSuspendRejectedOutsideRunning(t *testing.T) {
	in, _, _ := newTestInstance(t)
	require.NoError(t, in.Suspend(context.Background(), false))

	err := in.Suspend(context.Background(), false)
	require.ErrorIs(t, err, lifecycle.ErrBadState)
}

func TestModifyRejectsImmutableFieldChange(t *testing.T) {
	in, _, _ := newTestInstance(t)
	next := in.Config()
	next.ParentDeviceName = "mem1"

	err := in.Modify(next)
	require.Equal(t, kerr.KindParameterMismatch, kerr.KindOf(err))
}

func TestGrowLogicalRequiresSuspendedAndPrepare(t *testing.T) {
	in, _, _ := newTestInstance(t)

	err := in.GrowLogical(500)
	require.Error(t, err, "grow in RUNNING must be rejected")

	require.NoError(t, in.PrepareGrowLogical(500))
	require.NoError(t, in.Suspend(context.Background(), false))
	require.NoError(t, in.GrowLogical(500))
	require.Equal(t, uint64(500), in.Config().LogicalBlocks)
}

func TestGrowLogicalRejectsUnalignedTarget(t *testing.T) {
	storage := seededStorage(t)
	eng := enginetest.New(storage)
	reg := registry.New()

	cfg := baseConfig()
	cfg.LogicalBlockSize = 512
	in, err := New(context.Background(), cfg, eng, storage, reg, nil, discardLogger())
	require.NoError(t, err)
	require.NoError(t, in.Preload())
	require.NoError(t, in.Start())

	err = in.PrepareGrowLogical(cfg.LogicalBlocks + 3)
	require.Equal(t, kerr.KindParameterMismatch, kerr.KindOf(err))

	// 112 sectors of 512 bytes = 14 whole 4096-byte blocks.
	require.NoError(t, in.PrepareGrowLogical(cfg.LogicalBlocks+12))
	require.NoError(t, in.Suspend(context.Background(), false))
	require.NoError(t, in.GrowLogical(cfg.LogicalBlocks+12))
}

func TestAllocateScratchRequiresPreload(t *testing.T) {
	storage := seededStorage(t)
	eng := enginetest.New(storage)
	reg := registry.New()

	in, err := New(context.Background(), baseConfig(), eng, storage, reg, nil, discardLogger())
	require.NoError(t, err)

	_, err = in.AllocateScratch(64, 8)
	require.Error(t, err)

	require.NoError(t, in.Preload())
	buf, err := in.AllocateScratch(64, 8)
	require.NoError(t, err)
	require.Len(t, buf, 64)
}

func TestDestroyAggregatesStepErrors(t *testing.T) {
	storage := seededStorage(t)
	eng := enginetest.New(storage)
	reg := registry.New()

	in, err := New(context.Background(), baseConfig(), eng, storage, reg, nil, discardLogger())
	require.NoError(t, err)

	boom := errors.New("boom")
	eng.FailDestroy(boom)

	err = in.Destroy(context.Background())
	require.ErrorIs(t, err, boom)

	_, ok := reg.Lookup("pool0")
	require.False(t, ok, "registry claim must be released even when teardown fails")
}

func TestDestroyFromPartialInitTearsDownOnlyReachedLevels(t *testing.T) {
	storage := seededStorage(t)
	eng := enginetest.New(storage)
	reg := registry.New()

	in, err := New(context.Background(), baseConfig(), eng, storage, reg, nil, discardLogger())
	require.NoError(t, err)

	boom := errors.New("buffer pool allocation failed")
	in.allocBufferPool = func(uint) (*arena.Arena, error) { return nil, boom }

	err = in.Preload()
	require.ErrorIs(t, err, boom)
	require.Equal(t, lifecycle.BufferPoolsInit, in.CurrentState())
	require.Equal(t, lifecycle.BufferPoolsInit, in.machine.HighestInitReached())
	require.Nil(t, in.bufferPool)

	require.NoError(t, in.Destroy(context.Background()))
	require.Equal(t, 0, eng.SuspendCalls(), "a partial init never reached Running, so Stop must not be driven through Suspend")
	require.Equal(t, 0, eng.StopCalls(), "no Stop edge exists out of a partial init state")
	require.Equal(t, 1, eng.DestroyCalls())

	_, ok := reg.Lookup("pool0")
	require.False(t, ok)
}

func TestDestroyUnregistersEvenIfNeverStarted(t *testing.T) {
	storage := seededStorage(t)
	eng := enginetest.New(storage)
	reg := registry.New()

	in, err := New(context.Background(), baseConfig(), eng, storage, reg, nil, discardLogger())
	require.NoError(t, err)
	require.NoError(t, in.Destroy(context.Background()))

	_, ok := reg.Lookup("pool0")
	require.False(t, ok)
}
