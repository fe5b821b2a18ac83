// Package kvdo is the public facade over the internal admission core:
// construct one Instance per virtualized device with Open, drive it through
// Preload/Start/Suspend/Resume/Stop/Destroy, and submit requests with
// Submit. Wraps the internal/kvdo/instance package behind an Open/
// functional-options entry point, the same shape a storage engine's
// top-level package uses to wrap its own internal/db.
package kvdo

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/tigerblue77/kvdo/internal/kvdo/config"
	"github.com/tigerblue77/kvdo/internal/kvdo/dispatch"
	"github.com/tigerblue77/kvdo/internal/kvdo/engine"
	"github.com/tigerblue77/kvdo/internal/kvdo/instance"
	"github.com/tigerblue77/kvdo/internal/kvdo/registry"
	"github.com/tigerblue77/kvdo/internal/kvdo/request"
)

// Outcome re-exports the dispatch vocabulary so callers of this package
// need not import an internal package.
type Outcome = dispatch.Outcome

const (
	Submitted = dispatch.Submitted
	Remapped  = dispatch.Remapped
)

// Instance is the public handle on a virtualized device.
type Instance struct {
	inner *instance.Instance
}

// globalRegistry is the process-wide pool-name/backing-device registry;
// every Open call in this process shares it, guaranteeing two Instances
// never claim the same backing device.
var globalRegistry = registry.New()

// Open constructs and registers a new Instance over eng/device, named by
// cfg.PoolName. It does not drive any lifecycle transitions; call Preload
// then Start before submitting requests.
func Open(ctx context.Context, cfg config.Config, eng engine.Engine, device engine.BackingDevice, opts ...Option) (*Instance, error) {
	o := &openOptions{cfg: cfg, log: discardEntry()}
	for _, opt := range opts {
		opt.apply(o)
	}

	inner, err := instance.New(ctx, o.cfg, eng, device, globalRegistry, o.promReg, o.log)
	if err != nil {
		return nil, err
	}
	return &Instance{inner: inner}, nil
}

func discardEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// Preload drives initialization through to the Starting state.
func (i *Instance) Preload() error { return i.inner.Preload() }

// Start transitions Starting to Running.
func (i *Instance) Start() error { return i.inner.Start() }

// Submit hands req to the admission core.
func (i *Instance) Submit(ctx context.Context, req request.Request) (Outcome, error) {
	return i.inner.Submit(ctx, req)
}

// Suspend quiesces the Instance following the suspend-ordering contract.
func (i *Instance) Suspend(ctx context.Context, noFlush bool) error {
	return i.inner.Suspend(ctx, noFlush)
}

// Resume is the mirror of Suspend.
func (i *Instance) Resume(ctx context.Context) error { return i.inner.Resume(ctx) }

// Stop transitions the Instance to Stopped, suspending first if necessary.
func (i *Instance) Stop(ctx context.Context) error { return i.inner.Stop(ctx) }

// Destroy tears the Instance down and releases its registry claim.
func (i *Instance) Destroy(ctx context.Context) error { return i.inner.Destroy(ctx) }

// SetReadOnly forces the Instance's Engine into its fail-safe state.
func (i *Instance) SetReadOnly(code int) error { return i.inner.SetReadOnly(code) }

// PrepareGrowLogical begins a two-phase online logical resize.
func (i *Instance) PrepareGrowLogical(n uint64) error { return i.inner.PrepareGrowLogical(n) }

// GrowLogical commits a previously prepared logical resize.
func (i *Instance) GrowLogical(n uint64) error { return i.inner.GrowLogical(n) }

// PrepareGrowPhysical begins a two-phase online physical resize.
func (i *Instance) PrepareGrowPhysical(n uint64) error { return i.inner.PrepareGrowPhysical(n) }

// GrowPhysical commits a previously prepared physical resize.
func (i *Instance) GrowPhysical(n uint64) error { return i.inner.GrowPhysical(n) }

// Modify applies a new configuration, per prepare_to_modify_kernel_layer's
// immutable-field rules.
func (i *Instance) Modify(next config.Config) error { return i.inner.Modify(next) }

// Config returns the Instance's current configuration.
func (i *Instance) Config() config.Config { return i.inner.Config() }
