// Package admission implements the request-admission gate: it classifies
// incoming requests, routes flushes into the flush pipeline, detects
// re-entrant submission from the Engine's own worker threads and defers
// those onto the deadlock queue instead of blocking them, and otherwise
// blocks for permits in an order that keeps discards from starving data
// requests. Grounded on kvdo_map_bio / launch_data_kvio_from_vdo_thread /
// complete_many_requests in original_source/vdo/kernel/kernelLayer.c.
package admission

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tigerblue77/kvdo/internal/kvdo/deadlock"
	"github.com/tigerblue77/kvdo/internal/kvdo/dispatch"
	"github.com/tigerblue77/kvdo/internal/kvdo/engine"
	"github.com/tigerblue77/kvdo/internal/kvdo/flush"
	"github.com/tigerblue77/kvdo/internal/kvdo/kerr"
	"github.com/tigerblue77/kvdo/internal/kvdo/lifecycle"
	"github.com/tigerblue77/kvdo/internal/kvdo/limiter"
	"github.com/tigerblue77/kvdo/internal/kvdo/request"
)

// Counters tallies requests by classified kind, the monotonically-reported
// per-operation counter set the Data Model names, plus the deferral counter
// and the two live gauges tracking outstanding permits and deadlock-queue
// depth.
type Counters struct {
	Reads    CounterFunc
	Writes   CounterFunc
	Discards CounterFunc
	Flushes  CounterFunc
	Deferred CounterFunc

	SetOutstanding    GaugeFunc
	SetDeadlockQueued GaugeFunc
}

// CounterFunc increments a single counter by one; nil is a valid no-op.
type CounterFunc func()

func (c CounterFunc) inc() {
	if c != nil {
		c()
	}
}

// GaugeFunc sets a single gauge to v; nil is a valid no-op.
type GaugeFunc func(v float64)

func (g GaugeFunc) set(v float64) {
	if g != nil {
		g(v)
	}
}

// Controller is the admission gate owned by an Instance.
type Controller struct {
	machine        *lifecycle.Machine
	requestLimiter *limiter.Limiter
	discardLimiter *limiter.Limiter
	deadlockQueue  *deadlock.Queue
	flushPipeline  *flush.Pipeline
	eng            engine.Engine
	flushOwned     bool
	counters       Counters
	log            *logrus.Entry
}

// Config bundles the collaborators a Controller needs; every field is
// required.
type Config struct {
	Machine        *lifecycle.Machine
	RequestLimiter *limiter.Limiter
	DiscardLimiter *limiter.Limiter
	DeadlockQueue  *deadlock.Queue
	FlushPipeline  *flush.Pipeline
	Engine         engine.Engine
	FlushOwned     bool
	Counters       Counters
	Log            *logrus.Entry
}

// New constructs a Controller from cfg.
func New(cfg Config) *Controller {
	return &Controller{
		machine:        cfg.Machine,
		requestLimiter: cfg.RequestLimiter,
		discardLimiter: cfg.DiscardLimiter,
		deadlockQueue:  cfg.DeadlockQueue,
		flushPipeline:  cfg.FlushPipeline,
		eng:            cfg.Engine,
		flushOwned:     cfg.FlushOwned,
		counters:       cfg.Counters,
		log:            cfg.Log,
	}
}

// Submit runs req through the full admission algorithm.
func (c *Controller) Submit(ctx context.Context, req request.Request) (dispatch.Outcome, error) {
	if err := c.machine.RequireRunning(); err != nil {
		return 0, err
	}

	c.countIncoming(req)

	class, err := request.Classify(req, c.flushOwned)
	if err != nil {
		return 0, kerr.New(kerr.KindInvalidRequest, "%v", err)
	}

	switch class {
	case request.ClassFlushOwn:
		return c.flushPipeline.SubmitOwned(ctx, req)
	case request.ClassFlushPassthrough:
		return c.flushPipeline.SubmitPassthrough(req), nil
	}

	if c.eng.WorkerPoolContains(ctx) {
		return c.submitReentrant(ctx, req, class)
	}
	return c.submitNormal(ctx, req, class)
}

func (c *Controller) countIncoming(req request.Request) {
	switch req.Operation {
	case request.Read:
		c.counters.Reads.inc()
	case request.Write:
		c.counters.Writes.inc()
	case request.Discard:
		c.counters.Discards.inc()
	case request.Flush:
		c.counters.Flushes.inc()
	}
	if req.PreFlush {
		c.counters.Flushes.inc()
	}
}

// submitReentrant is the non-blocking path taken when the caller is
// running on one of the Engine's own worker threads.
func (c *Controller) submitReentrant(ctx context.Context, req request.Request, class request.Class) (dispatch.Outcome, error) {
	if !c.requestLimiter.AcquirePoll() {
		c.deadlockQueue.Push(req, req.ArrivalTicks)
		c.counters.Deferred.inc()
		c.sampleGauges()
		c.log.WithFields(logrus.Fields{
			"operation": req.Operation,
			"queued":    c.deadlockQueue.Len(),
		}).Warn("queued an I/O request to avoid deadlock")
		return dispatch.Submitted, nil
	}

	permits := engine.Permits{RequestPermit: true}
	if class == request.ClassDiscard {
		// Best-effort: a discard may proceed without a discard permit.
		permits.DiscardPermit = c.discardLimiter.AcquirePoll()
	}
	c.sampleGauges()
	return c.handOff(ctx, req, permits)
}

// sampleGauges publishes the current outstanding-permit count and deadlock-
// queue depth, called at every point either one changes.
func (c *Controller) sampleGauges() {
	c.counters.SetOutstanding.set(float64(c.requestLimiter.Outstanding()))
	c.counters.SetDeadlockQueued.set(float64(c.deadlockQueue.Len()))
}

// submitNormal is the ordinary blocking admission path. Discards acquire
// their discard permit before the request permit so a blocked discard
// never holds a request permit, preserving forward progress.
func (c *Controller) submitNormal(ctx context.Context, req request.Request, class request.Class) (dispatch.Outcome, error) {
	permits := engine.Permits{}
	if class == request.ClassDiscard {
		if err := c.discardLimiter.AcquireBlocking(ctx); err != nil {
			return 0, err
		}
		permits.DiscardPermit = true
	}
	if err := c.requestLimiter.AcquireBlocking(ctx); err != nil {
		if permits.DiscardPermit {
			c.discardLimiter.ReleaseOne()
		}
		return 0, err
	}
	permits.RequestPermit = true
	c.sampleGauges()
	return c.handOff(ctx, req, permits)
}

// handOff submits req to the Engine. Once Submit is called the Engine owns
// the permits in permits regardless of the outcome: on error, the Engine is
// contractually obliged to complete the request (possibly immediately),
// which drives the normal release flow through CompleteBatch.
func (c *Controller) handOff(ctx context.Context, req request.Request, permits engine.Permits) (dispatch.Outcome, error) {
	if err := c.eng.Submit(ctx, req, permits); err != nil {
		return 0, err
	}
	return dispatch.Submitted, nil
}

// CompleteBatch is invoked by the Engine when it finishes processing n
// requests. It first relaunches up to n entries drained from the deadlock
// queue — preserving their FIFO order — taking a best-effort discard
// permit for each; any count left over after the queue is empty is
// returned to the request limiter.
func (c *Controller) CompleteBatch(ctx context.Context, n int) {
	remaining := n
	for remaining > 0 {
		entry, ok := c.deadlockQueue.Pop()
		if !ok {
			break
		}
		// entry.ArrivalTicks is the shared deferral timestamp kept for
		// statistics only; dispatch uses the request's own fields
		// unchanged.
		class, err := request.Classify(entry.Request, c.flushOwned)
		permits := engine.Permits{RequestPermit: true}
		if err == nil && class == request.ClassDiscard {
			permits.DiscardPermit = c.discardLimiter.AcquirePoll()
		}

		if err := c.eng.Submit(ctx, entry.Request, permits); err != nil {
			if entry.Request.Done != nil {
				entry.Request.Done(err)
			}
		}
		remaining--
	}
	if remaining > 0 {
		c.requestLimiter.ReleaseMany(remaining)
	}
	c.sampleGauges()
}
