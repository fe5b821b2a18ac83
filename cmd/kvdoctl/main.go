// Command kvdoctl is a thin administrative CLI driving one Instance's
// lifecycle operations directly in-process, standing in for the netlink/
// dmsetup message path a real kernel target would use. Grounded on the
// manifest-query command's cobra.Command + pflag wiring in
// kubernetes-kubernetes/cmd/manifest-query/manifest-query.go.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tigerblue77/kvdo/internal/kvdo/blockdev"
	"github.com/tigerblue77/kvdo/internal/kvdo/config"
	"github.com/tigerblue77/kvdo/internal/kvdo/enginetest"
	"github.com/tigerblue77/kvdo/internal/kvdo/geometry"
	"github.com/tigerblue77/kvdo/internal/kvdo/request"
	"github.com/tigerblue77/kvdo/pkg/kvdo"
)

var (
	poolName   string
	deviceName string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "kvdoctl",
		Short: "Administer a kvdo instance",
	}
	root.PersistentFlags().StringVar(&poolName, "name", "", "pool name (required)")
	root.PersistentFlags().StringVar(&deviceName, "device", "", "backing device path (required)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level")
	root.MarkPersistentFlagRequired("name")
	root.MarkPersistentFlagRequired("device")

	root.AddCommand(
		createCmd(),
		preloadCmd(),
		startCmd(),
		suspendCmd(),
		resumeCmd(),
		stopCmd(),
		growLogicalCmd(),
		growPhysicalCmd(),
		modifyCmd(),
		demoCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logger() *logrus.Entry {
	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err == nil {
		log.SetLevel(level)
	}
	return logrus.NewEntry(log)
}

// openInstance reopens the Instance every invocation, since this CLI has
// no resident daemon to hold one open across commands; each subcommand is
// therefore a single administrative message against freshly-read state.
func openInstance(ctx context.Context) (*kvdo.Instance, *blockdev.Device, error) {
	device, err := blockdev.Open(deviceName, os.O_RDWR)
	if err != nil {
		return nil, nil, err
	}

	cfg := config.Config{
		PoolName:         poolName,
		ParentDeviceName: deviceName,
		LogicalBlockSize: 4096,
	}
	eng := enginetest.New(enginetest.NewStorage(0))
	inst, err := kvdo.Open(ctx, cfg, eng, device, kvdo.WithLogger(logger()))
	if err != nil {
		device.Close()
		return nil, nil, err
	}
	return inst, device, nil
}

func createCmd() *cobra.Command {
	var mem uint32
	var sparse bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a fresh geometry block",
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := blockdev.Open(deviceName, os.O_RDWR|os.O_CREATE)
			if err != nil {
				return err
			}
			defer device.Close()

			geo := geometry.Geometry{
				ReleaseVersion: 1,
				UUID:           uuid.New(),
				Regions: [2]geometry.Region{
					{ID: geometry.IndexRegion, StartBlock: 1},
					{ID: geometry.DataRegion, StartBlock: 64},
				},
				Index: geometry.IndexConfig{Mem: mem, Sparse: sparse},
			}
			if err := device.WriteBlock(geometry.BlockLocation, geometry.Encode(geo)); err != nil {
				return err
			}
			fmt.Printf("wrote geometry block for pool %q\n", poolName)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&mem, "index-mem", 256, "index memory size in MB")
	cmd.Flags().BoolVar(&sparse, "sparse", false, "enable sparse indexing")
	return cmd
}

func preloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preload",
		Short: "Drive initialization through to the starting state without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inst, device, err := openInstance(ctx)
			if err != nil {
				return err
			}
			defer device.Close()

			if err := inst.Preload(); err != nil {
				return err
			}
			fmt.Printf("pool %q preloaded\n", poolName)
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Preload and start the instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inst, device, err := openInstance(ctx)
			if err != nil {
				return err
			}
			defer device.Close()

			if err := inst.Preload(); err != nil {
				return err
			}
			if err := inst.Start(); err != nil {
				return err
			}
			fmt.Printf("pool %q started\n", poolName)
			return nil
		},
	}
}

func suspendCmd() *cobra.Command {
	var noFlush bool
	cmd := &cobra.Command{
		Use:   "suspend",
		Short: "Suspend the instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inst, device, err := openInstance(ctx)
			if err != nil {
				return err
			}
			defer device.Close()

			if err := inst.Preload(); err != nil {
				return err
			}
			if err := inst.Start(); err != nil {
				return err
			}
			if err := inst.Suspend(ctx, noFlush); err != nil {
				return err
			}
			fmt.Printf("pool %q suspended\n", poolName)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noFlush, "no-flush", false, "skip the synchronous flush")
	return cmd
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a suspended instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("resume requires a resident daemon holding the suspended instance; not supported by this standalone CLI")
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop and destroy the instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inst, device, err := openInstance(ctx)
			if err != nil {
				return err
			}
			defer device.Close()

			if err := inst.Preload(); err != nil {
				return err
			}
			if err := inst.Start(); err != nil {
				return err
			}
			if err := inst.Destroy(ctx); err != nil {
				return err
			}
			fmt.Printf("pool %q stopped\n", poolName)
			return nil
		},
	}
}

func growLogicalCmd() *cobra.Command {
	var blocks uint64
	cmd := &cobra.Command{
		Use:   "grow-logical",
		Short: "Two-phase prepare+grow of the logical size",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inst, device, err := openInstance(ctx)
			if err != nil {
				return err
			}
			defer device.Close()

			if err := inst.Preload(); err != nil {
				return err
			}
			if err := inst.Start(); err != nil {
				return err
			}
			if err := inst.PrepareGrowLogical(blocks); err != nil {
				return err
			}
			if err := inst.Suspend(ctx, false); err != nil {
				return err
			}
			if err := inst.GrowLogical(blocks); err != nil {
				return err
			}
			fmt.Printf("pool %q logical size now %d blocks\n", poolName, blocks)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&blocks, "blocks", 0, "new logical size in blocks")
	cmd.MarkFlagRequired("blocks")
	return cmd
}

func growPhysicalCmd() *cobra.Command {
	var blocks uint64
	cmd := &cobra.Command{
		Use:   "grow-physical",
		Short: "Two-phase prepare+grow of the physical size",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inst, device, err := openInstance(ctx)
			if err != nil {
				return err
			}
			defer device.Close()

			if err := inst.Preload(); err != nil {
				return err
			}
			if err := inst.Start(); err != nil {
				return err
			}
			if err := inst.PrepareGrowPhysical(blocks); err != nil {
				return err
			}
			if err := inst.Suspend(ctx, false); err != nil {
				return err
			}
			if err := inst.GrowPhysical(blocks); err != nil {
				return err
			}
			fmt.Printf("pool %q physical size now %d blocks\n", poolName, blocks)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&blocks, "blocks", 0, "new physical size in blocks")
	cmd.MarkFlagRequired("blocks")
	return cmd
}

func modifyCmd() *cobra.Command {
	var writePolicy string
	var growLogical uint64
	var growPhysical uint64
	cmd := &cobra.Command{
		Use:   "modify",
		Short: "Change the write policy and/or grow the logical or physical size",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			inst, device, err := openInstance(ctx)
			if err != nil {
				return err
			}
			defer device.Close()

			if err := inst.Preload(); err != nil {
				return err
			}
			if err := inst.Start(); err != nil {
				return err
			}

			next := inst.Config()
			switch writePolicy {
			case "":
			case "sync":
				next.WritePolicy = config.WritePolicySync
			case "async":
				next.WritePolicy = config.WritePolicyAsync
			default:
				return fmt.Errorf("unknown write policy %q", writePolicy)
			}
			if growLogical > 0 {
				next.LogicalBlocks = growLogical
			}
			if growPhysical > 0 {
				next.PhysicalBlocks = growPhysical
			}

			if growLogical > 0 || growPhysical > 0 {
				if err := inst.Suspend(ctx, false); err != nil {
					return err
				}
			}
			if err := inst.Modify(next); err != nil {
				return err
			}
			fmt.Printf("pool %q modified\n", poolName)
			return nil
		},
	}
	cmd.Flags().StringVar(&writePolicy, "write-policy", "", "new write policy: sync or async")
	cmd.Flags().Uint64Var(&growLogical, "grow-logical", 0, "new logical size in blocks, 0 to leave unchanged")
	cmd.Flags().Uint64Var(&growPhysical, "grow-physical", 0, "new physical size in blocks, 0 to leave unchanged")
	return cmd
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a full preload/start/submit/suspend/resume/destroy cycle against an in-memory engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			storage := enginetest.NewStorage(1 << 20)
			geo := geometry.Geometry{
				ReleaseVersion: 1,
				UUID:           uuid.New(),
				Regions: [2]geometry.Region{
					{ID: geometry.IndexRegion, StartBlock: 1},
					{ID: geometry.DataRegion, StartBlock: 10},
				},
			}
			storage.WriteBlock(geometry.BlockLocation, geometry.Encode(geo))
			eng := enginetest.New(storage)

			cfg := config.Config{
				PoolName:         poolName,
				ParentDeviceName: deviceName,
				LogicalBlockSize: 4096,
				LogicalBlocks:    1000,
				PhysicalBlocks:   2000,
			}
			inst, err := kvdo.Open(ctx, cfg, eng, storage, kvdo.WithLogger(logger()))
			if err != nil {
				return err
			}

			if err := inst.Preload(); err != nil {
				return err
			}
			if err := inst.Start(); err != nil {
				return err
			}
			fmt.Println("preloaded and started against an in-memory engine")

			done := make(chan error, 1)
			if _, err := inst.Submit(ctx, request.Request{
				Operation:    request.Write,
				PayloadBytes: 4096,
				Done:         func(err error) { done <- err },
			}); err != nil {
				return err
			}
			if err := <-done; err != nil {
				return err
			}
			fmt.Println("submitted and completed one write")

			if err := inst.Suspend(ctx, false); err != nil {
				return err
			}
			fmt.Println("suspended")

			if err := inst.Resume(ctx); err != nil {
				return err
			}
			fmt.Println("resumed")

			if err := inst.Destroy(ctx); err != nil {
				return err
			}
			fmt.Println("destroyed")
			return nil
		},
	}
}
