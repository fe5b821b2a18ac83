package kvdo

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tigerblue77/kvdo/internal/kvdo/config"
	"github.com/tigerblue77/kvdo/internal/kvdo/enginetest"
	"github.com/tigerblue77/kvdo/internal/kvdo/geometry"
	"github.com/tigerblue77/kvdo/internal/kvdo/request"
)

func seededStorage() *enginetest.Storage {
	storage := enginetest.NewStorage(1 << 20)
	storage.WriteBlock(geometry.BlockLocation, geometry.Encode(geometry.Geometry{
		ReleaseVersion: 1,
		UUID:           uuid.New(),
		Regions: [2]geometry.Region{
			{ID: geometry.IndexRegion, StartBlock: 1},
			{ID: geometry.DataRegion, StartBlock: 10},
		},
	}))
	return storage
}

func TestOpenPreloadStartSubmit(t *testing.T) {
	storage := seededStorage()
	eng := enginetest.New(storage)

	inst, err := Open(context.Background(), config.Config{
		PoolName:         "pool0",
		ParentDeviceName: "mem0",
		LogicalBlockSize: 4096,
	}, eng, storage)
	require.NoError(t, err)

	require.NoError(t, inst.Preload())
	require.NoError(t, inst.Start())

	done := make(chan error, 1)
	outcome, err := inst.Submit(context.Background(), request.Request{
		Operation:    request.Write,
		PayloadBytes: 4096,
		Done:         func(err error) { done <- err },
	})
	require.NoError(t, err)
	require.Equal(t, Submitted, outcome)
	require.NoError(t, <-done)

	require.NoError(t, inst.Destroy(context.Background()))
}

func TestSecondOpenOfSamePoolNameFails(t *testing.T) {
	storage := seededStorage()
	eng := enginetest.New(storage)
	cfg := config.Config{PoolName: "pool-dup", ParentDeviceName: "mem-dup", LogicalBlockSize: 4096}

	inst, err := Open(context.Background(), cfg, eng, storage)
	require.NoError(t, err)
	defer inst.Destroy(context.Background())

	storage2 := seededStorage()
	eng2 := enginetest.New(storage2)
	_, err = Open(context.Background(), cfg, eng2, storage2)
	require.Error(t, err)
}
