// Package config holds an Instance's device configuration and the
// immutable-field validation applied when an administrative "modify" is
// requested against a running Instance. Grounded on struct device_config
// and prepare_to_modify_kernel_layer in
// original_source/vdo/kernel/kernelLayer.c.
package config

import (
	"github.com/tigerblue77/kvdo/internal/kvdo/kerr"
)

// ThreadCounts mirrors struct thread_count_config: the worker-pool sizing
// fixed at format time.
type ThreadCounts struct {
	BioThreads    int
	BioAckThreads int
	CPUThreads    int
	KVDOThreads   int
}

// WritePolicy selects how the Instance acknowledges writes.
type WritePolicy int

const (
	WritePolicySync WritePolicy = iota
	WritePolicyAsync
)

// Config is the full set of parameters an Instance is constructed or
// modified with.
type Config struct {
	PoolName           string
	ParentDeviceName   string
	StartSector        uint64
	LogicalBlockSize   int
	LogicalBlocks      uint64
	PhysicalBlocks     uint64
	CacheSize          uint64
	BlockMapMaximumAge uint32
	MDRAID5ModeEnabled bool
	WritePolicy        WritePolicy
	ThreadCounts       ThreadCounts
}

// Delta describes the actionable difference between an extant Config and a
// proposed replacement: which online resize, if any, a modify request must
// drive.
type Delta struct {
	GrowLogical    bool
	NewLogicalSize uint64
	GrowPhysical   bool
	NewPhysicalEnd uint64
}

// vdoBlockSize is the fixed on-disk block granularity every persisted
// structure is aligned to, distinct from the configurable LogicalBlockSize
// exposed to the host as the device's reported sector size. Grounded on
// VDO_BLOCK_SIZE in original_source/vdo/kernel/kernelLayer.c.
const vdoBlockSize = 4096

// ValidateLogicalAlignment rejects a logical grow target whose byte size,
// at logicalBlockSize-sized sectors, is not a positive multiple of
// vdoBlockSize. Grounded on prepare_to_modify_kernel_layer's
// logical_bytes % VDO_BLOCK_SIZE check.
func ValidateLogicalAlignment(logicalBlockSize int, newLogicalBlocks uint64) error {
	if newLogicalBlocks == 0 {
		return kerr.New(kerr.KindParameterMismatch, "logical size must be positive")
	}
	if (newLogicalBlocks*uint64(logicalBlockSize))%vdoBlockSize != 0 {
		return kerr.New(kerr.KindParameterMismatch, "logical size must be a multiple of the device block size")
	}
	return nil
}

// ValidatePhysicalAlignment rejects a non-positive physical grow target.
// Unlike logical, the original prepare_to_modify_kernel_layer imposes no
// byte-alignment requirement on physical_blocks; it is already a block
// count, so only positivity is checked here.
func ValidatePhysicalAlignment(newPhysicalBlocks uint64) error {
	if newPhysicalBlocks == 0 {
		return kerr.New(kerr.KindParameterMismatch, "physical size must be positive")
	}
	return nil
}

// PrepareModify validates next against extant, mirroring
// prepare_to_modify_kernel_layer's field-by-field checks: every field not
// explicitly named as modifiable must be unchanged, or the request is
// rejected with a parameter-mismatch error naming the first offending
// field. On success it returns the resize Delta the caller must drive.
func PrepareModify(extant, next Config) (Delta, error) {
	type immutable struct {
		name    string
		changed bool
	}
	checks := []immutable{
		{"starting sector", next.StartSector != extant.StartSector},
		{"underlying device", next.ParentDeviceName != extant.ParentDeviceName},
		{"logical block size", next.LogicalBlockSize != extant.LogicalBlockSize},
		{"block map cache size", next.CacheSize != extant.CacheSize},
		{"block map maximum age", next.BlockMapMaximumAge != extant.BlockMapMaximumAge},
		{"mdRaid5Mode", next.MDRAID5ModeEnabled != extant.MDRAID5ModeEnabled},
		{"thread configuration", next.ThreadCounts != extant.ThreadCounts},
	}
	for _, c := range checks {
		if c.changed {
			return Delta{}, kerr.New(kerr.KindParameterMismatch, "%s cannot change", c.name)
		}
	}

	var delta Delta
	if next.LogicalBlocks != extant.LogicalBlocks {
		if err := ValidateLogicalAlignment(extant.LogicalBlockSize, next.LogicalBlocks); err != nil {
			return Delta{}, err
		}
		delta.GrowLogical = true
		delta.NewLogicalSize = next.LogicalBlocks
	}
	if next.PhysicalBlocks != extant.PhysicalBlocks {
		if next.PhysicalBlocks < extant.PhysicalBlocks {
			return Delta{}, kerr.New(kerr.KindParameterMismatch, "physical size cannot shrink")
		}
		if err := ValidatePhysicalAlignment(next.PhysicalBlocks); err != nil {
			return Delta{}, err
		}
		delta.GrowPhysical = true
		delta.NewPhysicalEnd = next.PhysicalBlocks
	}
	return delta, nil
}

// Validate rejects a Config whose static invariants are violated,
// independent of any prior Config: a nonzero logical block size and a
// pool name are always required.
func Validate(c Config) error {
	if c.PoolName == "" {
		return kerr.New(kerr.KindInvalidRequest, "pool name is required")
	}
	if c.LogicalBlockSize <= 0 {
		return kerr.New(kerr.KindInvalidRequest, "logical block size must be positive")
	}
	if c.LogicalBlockSize%512 != 0 {
		return kerr.New(kerr.KindInvalidRequest, "logical block size must be a multiple of 512")
	}
	return nil
}
