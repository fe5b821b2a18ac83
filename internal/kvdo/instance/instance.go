// Package instance assembles the Limiter, DeadlockQueue, AdmissionController,
// LifecycleMachine, FlushPipeline, and Engine into the single aggregate a
// host block layer drives, and owns the administrative operations and their
// ordering contracts: suspend/resume, the component-busy guard around every
// admin message, and two-phase online resize. Grounded on the overall shape
// of make_kernel_layer / start_kernel_layer / suspend_kernel_layer /
// resume_kernel_layer / stop_kernel_layer in
// original_source/vdo/kernel/kernelLayer.c.
package instance

import (
	"context"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tigerblue77/kvdo/internal/arena"
	"github.com/tigerblue77/kvdo/internal/kvdo/admission"
	"github.com/tigerblue77/kvdo/internal/kvdo/config"
	"github.com/tigerblue77/kvdo/internal/kvdo/deadlock"
	"github.com/tigerblue77/kvdo/internal/kvdo/dispatch"
	"github.com/tigerblue77/kvdo/internal/kvdo/engine"
	"github.com/tigerblue77/kvdo/internal/kvdo/flush"
	"github.com/tigerblue77/kvdo/internal/kvdo/geometry"
	"github.com/tigerblue77/kvdo/internal/kvdo/kerr"
	"github.com/tigerblue77/kvdo/internal/kvdo/lifecycle"
	"github.com/tigerblue77/kvdo/internal/kvdo/limiter"
	"github.com/tigerblue77/kvdo/internal/kvdo/registry"
	"github.com/tigerblue77/kvdo/internal/kvdo/request"
	"github.com/tigerblue77/kvdo/internal/kvdo/stats"
)

// defaultRequestLimit and discardLimitFraction set the defaults: a request
// limit of 2000, with a discard sub-limit of ¾ of it.
const (
	defaultRequestLimit  = 2000
	discardLimitFraction = 4

	// bufferPoolSize is the scratch region allocated at BufferPoolsInit,
	// standing in for the compression/hash-zone scratch buffers the real
	// Engine would carve out of its own buffer pools.
	bufferPoolSize = 1 << 20
)

// Instance is the top-level aggregate a host block layer constructs one of
// per virtualized device.
type Instance struct {
	cfg      config.Config
	machine  *lifecycle.Machine
	reqLim   *limiter.Limiter
	discLim  *limiter.Limiter
	queue    *deadlock.Queue
	flushP   *flush.Pipeline
	admitter *admission.Controller
	eng      engine.Engine
	device   engine.BackingDevice
	reg      *registry.Registry
	stats    *stats.Collectors
	log      *logrus.Entry

	adminBusy atomic.Bool

	wasCompressing bool

	preparedLogical  *uint64
	preparedPhysical *uint64

	geometry geometry.Geometry

	bufferPool *arena.Arena

	// allocBufferPool is the BufferPoolsInit allocation seam; overridden by
	// tests to force a partial-init failure without a real arena.
	allocBufferPool func(size uint) (*arena.Arena, error)
}

func defaultAllocBufferPool(size uint) (*arena.Arena, error) {
	return arena.New(size), nil
}

// New validates cfg, claims it in reg, constructs every collaborator, and
// returns an Instance in the Uninitialized lifecycle state. The geometry
// block is read once from device at BlockLocation via a synchronous
// single-block reader.
func New(ctx context.Context, cfg config.Config, eng engine.Engine, device engine.BackingDevice, reg *registry.Registry, promReg prometheus.Registerer, log *logrus.Entry) (*Instance, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := reg.Register(cfg.PoolName, cfg.ParentDeviceName); err != nil {
		return nil, err
	}

	block := make([]byte, 4096)
	if err := device.ReadBlock(ctx, geometry.BlockLocation, block); err != nil {
		reg.Unregister(cfg.PoolName)
		return nil, kerr.New(kerr.KindInternal, "reading geometry block: %v", err)
	}
	geo, err := geometry.Decode(block)
	if err != nil {
		reg.Unregister(cfg.PoolName)
		return nil, err
	}

	requestLimit := defaultRequestLimit
	discardLimit := (requestLimit*3 + discardLimitFraction - 1) / discardLimitFraction

	reqLim := limiter.New(requestLimit)
	discLim := limiter.New(discardLimit)
	queue := deadlock.New()
	flushP := flush.New(eng, device, log)
	machine := lifecycle.NewMachine()

	var collectors *stats.Collectors
	if promReg != nil {
		collectors = stats.New(promReg, cfg.PoolName)
	}

	admitter := admission.New(admission.Config{
		Machine:        machine,
		RequestLimiter: reqLim,
		DiscardLimiter: discLim,
		DeadlockQueue:  queue,
		FlushPipeline:  flushP,
		Engine:         eng,
		FlushOwned:     true,
		Counters:       countersFrom(collectors),
		Log:            log,
	})

	in := &Instance{
		cfg:             cfg,
		machine:         machine,
		reqLim:          reqLim,
		discLim:         discLim,
		queue:           queue,
		flushP:          flushP,
		admitter:        admitter,
		eng:             eng,
		device:          device,
		reg:             reg,
		stats:           collectors,
		log:             log,
		geometry:        geo,
		allocBufferPool: defaultAllocBufferPool,
	}
	if sinkSetter, ok := eng.(engine.SinkSetter); ok {
		sinkSetter.SetCompletionSink(in)
	}
	return in, nil
}

func countersFrom(c *stats.Collectors) admission.Counters {
	if c == nil {
		return admission.Counters{}
	}
	return admission.Counters{
		Reads:             c.Reads.Inc,
		Writes:            c.Writes.Inc,
		Discards:          c.Discards.Inc,
		Flushes:           c.Flushes.Inc,
		Deferred:          c.Deferred.Inc,
		SetOutstanding:    c.Outstanding.Set,
		SetDeadlockQueued: c.DeadlockQueued.Set,
	}
}

// Geometry returns the geometry block decoded during construction.
func (in *Instance) Geometry() geometry.Geometry { return in.geometry }

// Submit is the block-layer contract's incoming hook.
func (in *Instance) Submit(ctx context.Context, req request.Request) (dispatch.Outcome, error) {
	return in.admitter.Submit(ctx, req)
}

// CompleteBatch must be invoked by the Engine whenever it finishes
// processing n requests; see engine.Engine.Submit's contract.
func (in *Instance) CompleteBatch(ctx context.Context, n int) {
	in.admitter.CompleteBatch(ctx, n)
}

// OnOwnedFlushComplete must be invoked by the Engine when an owned flush
// handed to it via Submit finishes.
func (in *Instance) OnOwnedFlushComplete(err error) {
	in.flushP.OnOwnedComplete(err)
}

// withAdminLock runs fn while holding the component-busy guard, returning
// KindComponentBusy if another administrative operation is already in
// progress. Mirrors the single "layer busy" flag the original checks
// before honoring any admin message.
func (in *Instance) withAdminLock(fn func() error) error {
	if !in.adminBusy.CompareAndSwap(false, true) {
		return kerr.New(kerr.KindComponentBusy, "an administrative operation is already in progress")
	}
	defer in.adminBusy.Store(false)
	return fn()
}

// initStep pairs one init-prefix transition with the side effect it layers
// on top of the pure state change going forward (allocate) and the matching
// side effect that must run coming back (teardown). Walking this table
// forward is Preload; walking it backward from HighestInitReached is
// tearDownInitPrefix, mirroring one finish-then-free level of
// free_kernel_layer's walk back through whatever the init chain actually
// allocated.
type initStep struct {
	state    lifecycle.State
	event    lifecycle.Event
	allocate func(in *Instance) error
	teardown func(in *Instance)
}

var initSteps = []initStep{
	{state: lifecycle.SimpleInit, event: lifecycle.EventCreate},
	{
		state: lifecycle.BufferPoolsInit,
		event: lifecycle.EventAllocBufferPools,
		allocate: func(in *Instance) error {
			pool, err := in.allocBufferPool(bufferPoolSize)
			if err != nil {
				return err
			}
			in.bufferPool = pool
			return nil
		},
		teardown: func(in *Instance) {
			if in.bufferPool != nil {
				_ = in.bufferPool.Close()
				in.bufferPool = nil
			}
		},
	},
	{state: lifecycle.RequestQueueInit, event: lifecycle.EventStartKVDOThreads},
	{state: lifecycle.BioDataInit, event: lifecycle.EventStartBioThreads},
	{state: lifecycle.BioAckQueueInit, event: lifecycle.EventStartAckThreads},
	{state: lifecycle.CPUQueueInit, event: lifecycle.EventStartCPUThreads},
}

// Preload drives every initialization step up to and including preload,
// landing the Instance in the Starting state. BufferPoolsInit allocates the
// Instance's scratch arena; a failure partway through leaves HighestInitReached
// at the last level reached, so Destroy later only tears that level and below
// back down.
func (in *Instance) Preload() error {
	return in.withAdminLock(func() error {
		for _, step := range initSteps {
			if _, err := in.machine.Fire(step.event); err != nil {
				return err
			}
			if step.allocate != nil {
				if err := step.allocate(in); err != nil {
					return err
				}
			}
		}
		_, err := in.machine.Fire(lifecycle.EventPreload)
		return err
	})
}

// tearDownInitPrefix runs the teardown side effect of every init-prefix
// level the Instance ever reached, walking backward from
// HighestInitReached so a partial initialization only frees what it
// actually allocated. Mirrors free_kernel_layer's backward walk through the
// init chain.
func (in *Instance) tearDownInitPrefix() {
	highest := in.machine.HighestInitReached()
	for i := len(initSteps) - 1; i >= 0; i-- {
		step := initSteps[i]
		if step.state > highest || step.teardown == nil {
			continue
		}
		step.teardown(in)
	}
}

// AllocateScratch carves size bytes at the given alignment out of the
// Instance's buffer pool, for use by the Engine collaborator during request
// processing. It fails with KindInternal if the pool is exhausted or has
// not been allocated yet (Preload has not run).
func (in *Instance) AllocateScratch(size, alignment uint) ([]byte, error) {
	if in.bufferPool == nil {
		return nil, kerr.New(kerr.KindInternal, "buffer pool not allocated; preload has not run")
	}
	offset, err := in.bufferPool.Allocate(size, alignment)
	if err != nil {
		return nil, kerr.New(kerr.KindInternal, "buffer pool exhausted: %v", err)
	}
	return in.bufferPool.GetBytes(offset, size), nil
}

// Start transitions Starting -> Running.
func (in *Instance) Start() error {
	return in.withAdminLock(func() error {
		_, err := in.machine.Fire(lifecycle.EventStart)
		return err
	})
}

// Suspend runs the quiesce ordering contract: disable compression,
// wait for the request limiter to drain, run a synchronous flush unless
// noFlush, suspend the Engine, then transition to Suspended. Compression is
// restored after the transition iff it was enabled on entry.
func (in *Instance) Suspend(ctx context.Context, noFlush bool) error {
	return in.withAdminLock(func() error {
		if in.machine.Current() != lifecycle.Running {
			return lifecycle.ErrBadState
		}

		in.wasCompressing = in.eng.SetCompressing(false)

		if err := in.reqLim.WaitForIdle(ctx); err != nil {
			return err
		}

		if !noFlush {
			if err := in.flushP.SynchronousFlush(ctx); err != nil {
				_ = in.eng.SetReadOnly(int(kerr.KindReadOnly))
				return err
			}
		}

		if err := in.eng.Suspend(ctx, noFlush); err != nil {
			return err
		}

		if _, err := in.machine.Fire(lifecycle.EventSuspend); err != nil {
			return err
		}

		if in.wasCompressing {
			in.eng.SetCompressing(true)
		}
		return nil
	})
}

// Resume is the mirror of Suspend, omitting the flush step.
func (in *Instance) Resume(ctx context.Context) error {
	return in.withAdminLock(func() error {
		if err := in.eng.Resume(ctx); err != nil {
			return err
		}
		_, err := in.machine.Fire(lifecycle.EventResume)
		return err
	})
}

// Stop drives Running or Suspended to Stopped, forcing a suspend first when
// called from Running.
func (in *Instance) Stop(ctx context.Context) error {
	if in.machine.Current() == lifecycle.Running {
		if err := in.Suspend(ctx, false); err != nil {
			return err
		}
	}
	return in.withAdminLock(func() error {
		if _, err := in.machine.Fire(lifecycle.EventStop); err != nil {
			return err
		}
		if err := in.eng.Stop(ctx); err != nil {
			return err
		}
		_, err := in.machine.Fire(lifecycle.EventFinal)
		return err
	})
}

// Destroy tears the Instance down from whatever state it reached. If it is
// Running or Suspended, Stop runs first to drive it to Stopped in the
// ordinary way; otherwise Stop is skipped, since the transition table has
// no Stop edge out of a partial init state or Starting. Either way,
// tearDownInitPrefix then walks backward from the highest init state ever
// occupied, freeing only the levels that were actually reached, and the
// registry claim is released unconditionally so a failed teardown never
// wedges the pool name. All step errors are collected and returned together
// rather than stopping at the first one, mirroring free_kernel_layer's
// best-effort walk back through whatever the init chain actually allocated.
func (in *Instance) Destroy(ctx context.Context) error {
	var result *multierror.Error

	defer in.reg.Unregister(in.cfg.PoolName)
	defer in.tearDownInitPrefix()

	if cur := in.machine.Current(); cur == lifecycle.Running || cur == lifecycle.Suspended {
		if err := in.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := in.eng.Destroy(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// SetReadOnly forces the Engine into its fail-safe state.
func (in *Instance) SetReadOnly(code int) error {
	return in.eng.SetReadOnly(code)
}

// PrepareGrowLogical performs the first phase of an online logical resize.
// It is permitted in any lifecycle state; only the commit phase (GrowLogical)
// is restricted to Suspended.
func (in *Instance) PrepareGrowLogical(n uint64) error {
	return in.withAdminLock(func() error {
		if err := config.ValidateLogicalAlignment(in.cfg.LogicalBlockSize, n); err != nil {
			return err
		}
		if err := in.eng.PrepareGrowLogical(n); err != nil {
			return err
		}
		in.preparedLogical = &n
		return nil
	})
}

// GrowLogical commits a previously prepared logical resize. It is rejected
// outside Suspended and unless PrepareGrowLogical(n) ran first with the
// same n.
func (in *Instance) GrowLogical(n uint64) error {
	return in.withAdminLock(func() error {
		if in.machine.Current() != lifecycle.Suspended {
			return kerr.New(kerr.KindBadState, "grow logical is only permitted while suspended")
		}
		if err := config.ValidateLogicalAlignment(in.cfg.LogicalBlockSize, n); err != nil {
			return err
		}
		if in.preparedLogical == nil || *in.preparedLogical != n {
			return kerr.New(kerr.KindParameterMismatch, "grow logical requires a matching prior prepare")
		}
		if err := in.eng.GrowLogical(n); err != nil {
			return err
		}
		in.cfg.LogicalBlocks = n
		in.preparedLogical = nil
		return nil
	})
}

// PrepareGrowPhysical is the physical-resize analogue of PrepareGrowLogical.
func (in *Instance) PrepareGrowPhysical(n uint64) error {
	return in.withAdminLock(func() error {
		if err := config.ValidatePhysicalAlignment(n); err != nil {
			return err
		}
		if err := in.eng.PrepareGrowPhysical(n); err != nil {
			return err
		}
		in.preparedPhysical = &n
		return nil
	})
}

// GrowPhysical is the physical-resize analogue of GrowLogical.
func (in *Instance) GrowPhysical(n uint64) error {
	return in.withAdminLock(func() error {
		if in.machine.Current() != lifecycle.Suspended {
			return kerr.New(kerr.KindBadState, "grow physical is only permitted while suspended")
		}
		if err := config.ValidatePhysicalAlignment(n); err != nil {
			return err
		}
		if in.preparedPhysical == nil || *in.preparedPhysical != n {
			return kerr.New(kerr.KindParameterMismatch, "grow physical requires a matching prior prepare")
		}
		if err := in.eng.GrowPhysical(n); err != nil {
			return err
		}
		in.cfg.PhysicalBlocks = n
		in.preparedPhysical = nil
		return nil
	})
}

// Modify validates next against the current configuration and drives
// whatever resize it implies. A logical or physical size change is only
// committed if the Instance is currently Suspended; otherwise Modify
// prepares the resize and returns a bad-state error so the caller knows to
// suspend before retrying the commit.
func (in *Instance) Modify(next config.Config) error {
	return in.withAdminLock(func() error {
		delta, err := config.PrepareModify(in.cfg, next)
		if err != nil {
			return err
		}
		in.cfg.WritePolicy = next.WritePolicy

		if delta.GrowLogical {
			if err := in.eng.PrepareGrowLogical(delta.NewLogicalSize); err != nil {
				return err
			}
			in.preparedLogical = &delta.NewLogicalSize
			if in.machine.Current() != lifecycle.Suspended {
				return kerr.New(kerr.KindBadState, "logical grow prepared; commit requires suspend")
			}
			if err := in.eng.GrowLogical(delta.NewLogicalSize); err != nil {
				return err
			}
			in.cfg.LogicalBlocks = delta.NewLogicalSize
			in.preparedLogical = nil
		}

		if delta.GrowPhysical {
			if err := in.eng.PrepareGrowPhysical(delta.NewPhysicalEnd); err != nil {
				return err
			}
			in.preparedPhysical = &delta.NewPhysicalEnd
			if in.machine.Current() != lifecycle.Suspended {
				return kerr.New(kerr.KindBadState, "physical grow prepared; commit requires suspend")
			}
			if err := in.eng.GrowPhysical(delta.NewPhysicalEnd); err != nil {
				return err
			}
			in.cfg.PhysicalBlocks = delta.NewPhysicalEnd
			in.preparedPhysical = nil
		}
		return nil
	})
}

// Config returns a copy of the Instance's current configuration.
func (in *Instance) Config() config.Config { return in.cfg }

// CurrentState returns the lifecycle state.
func (in *Instance) CurrentState() lifecycle.State { return in.machine.Current() }
