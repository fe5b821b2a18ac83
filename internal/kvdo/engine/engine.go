// Package engine declares the contract the admission core requires from the
// underlying storage engine, grounded on the BlockDevice/BlockDeviceFlusher
// shape in other_examples/anupcshan-gonbd__blockdev.go and on the
// PhysicalLayer hooks kernelLayer.c installs (submit, set_compressing,
// suspend/resume/stop, set_read_only, resize).
package engine

import (
	"context"

	"github.com/tigerblue77/kvdo/internal/kvdo/request"
)

// Permits bundles the admission capacity handed off alongside a Request.
// Ownership of both transfers to the Engine for the lifetime of the
// request; the Instance regains the obligation to release them only after
// the Engine reports completion via Instance.CompleteBatch.
type Permits struct {
	RequestPermit bool
	DiscardPermit bool
}

// Engine is the abstract collaborator the core dispatches classified
// requests to. Implementations must eventually call back into the owning
// Instance's CompleteBatch for every accepted Submit, directly or in
// batches.
type Engine interface {
	// Submit takes ownership of req and permits. It must not block the
	// caller for the duration of the underlying I/O; completion is
	// reported asynchronously.
	Submit(ctx context.Context, req request.Request, permits Permits) error

	// SetCompressing toggles the packer and returns the previous value.
	SetCompressing(enabled bool) (previous bool)

	// Suspend persists metadata unless noFlush is set, then reports
	// readiness for a quiesced state.
	Suspend(ctx context.Context, noFlush bool) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error

	// SetReadOnly forces the engine into a fail-safe state where only
	// reads of already-mapped data succeed.
	SetReadOnly(code int) error

	// PrepareGrowLogical/PrepareGrowPhysical perform the first phase of
	// a two-phase online resize; GrowLogical/GrowPhysical perform the
	// second. The core forbids Grow* without a prior matching Prepare*
	// and forbids any resize outside the Suspended lifecycle state.
	PrepareGrowLogical(n uint64) error
	GrowLogical(n uint64) error
	PrepareGrowPhysical(n uint64) error
	GrowPhysical(n uint64) error

	// WorkerPoolContains is the admission-reentrancy test: it reports
	// whether ctx carries the marker this Engine's own worker-pool code
	// attaches to callback contexts.
	WorkerPoolContains(ctx context.Context) bool
}

// CompletionSink is the back-reference an Engine implementation uses to
// report completions to the owning Instance, per the "Engine holds a weak
// back-reference; ownership flows one way" design note: the Instance owns
// the Engine, never the reverse, so this is handed to the Engine rather
// than the Engine being handed the Instance itself.
type CompletionSink interface {
	// CompleteBatch reports that n requests previously accepted via
	// Submit have finished.
	CompleteBatch(ctx context.Context, n int)
	// OnOwnedFlushComplete reports that an owned flush handed to Submit
	// has finished, with err nil on success.
	OnOwnedFlushComplete(err error)
}

// SinkSetter is implemented by Engines that report completions
// asynchronously and therefore need a CompletionSink wired in after
// construction, once the owning Instance exists.
type SinkSetter interface {
	SetCompletionSink(sink CompletionSink)
}

// BackingDevice is the synchronous, block-aligned collaborator the
// FlushPipeline and the geometry reader use directly, independent of the
// Engine. It mirrors a directio.OpenFile-backed writer generalized to
// read-or-write a single aligned block against the device named in the
// Instance's configuration.
type BackingDevice interface {
	// SynchronousPreflushWrite issues a single write-preflush I/O and
	// blocks until the backing device reports completion.
	SynchronousPreflushWrite(ctx context.Context) error

	// ReadBlock synchronously reads exactly one block at the given
	// block-relative offset; used once, during construction, to load
	// the geometry block.
	ReadBlock(ctx context.Context, blockNumber uint64, buf []byte) error
}
