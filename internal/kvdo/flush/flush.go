// Package flush implements the preflush-ordering contract: any request
// bearing a pre-flush marker must not complete until all previously
// acknowledged writes are durable. Grounded on the flush handling sketched
// in original_source/vdo/kernel/kernelLayer.c's should_process_flush /
// synchronous_flush / suspend_kernel_layer sequence (kvdoFlush.c itself is
// outside the sampled sources; the coalescing-waiters shape below is this
// module's rendering of a dedicated serialization lock governing a list of
// flush-waiters).
package flush

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tigerblue77/kvdo/internal/kvdo/dispatch"
	"github.com/tigerblue77/kvdo/internal/kvdo/engine"
	"github.com/tigerblue77/kvdo/internal/kvdo/kerr"
	"github.com/tigerblue77/kvdo/internal/kvdo/request"
)

// ErrInterrupted is a sentinel a BackingDevice implementation may return
// from SynchronousPreflushWrite to request a retry after a short delay,
// mirroring wait_for_completion_interruptible's signal-retry loop in
// kernelLayer.c's wait_for_sync_operation.
var ErrInterrupted = errors.New("kvdo: synchronous flush interrupted")

const interruptedRetryDelay = time.Millisecond

// Pipeline serializes engine-owned flush handoff and coalesces concurrent
// pre-flush requests that arrive while one is already in flight: since a
// flush covers every write acknowledged before it was issued, waiters piled
// up behind an in-flight flush are satisfied by that same flush's
// completion rather than each issuing their own.
type Pipeline struct {
	mu       sync.Mutex
	inFlight bool
	waiters  []request.Request

	engine engine.Engine
	device engine.BackingDevice
	log    *logrus.Entry

	flushCount atomic.Int64
}

// New returns a Pipeline dispatching owned flushes to eng and synchronous
// flushes to device.
func New(eng engine.Engine, device engine.BackingDevice, log *logrus.Entry) *Pipeline {
	return &Pipeline{engine: eng, device: device, log: log}
}

// FlushCount returns the number of flushes acknowledged (owned, delegated,
// and synchronous combined).
func (p *Pipeline) FlushCount() int64 {
	return p.flushCount.Load()
}

// SubmitOwned queues req as a waiter on the current (or about to start)
// owned flush and, if none is in flight yet, hands a bare trigger request
// to the Engine to drive it. req's own Done is never invoked directly by
// this call: since one flush durability-covers everything acknowledged
// before it was issued, every waiter — including the one that triggered
// the in-flight flush — is acknowledged together by OnOwnedComplete. This
// never blocks the caller.
func (p *Pipeline) SubmitOwned(ctx context.Context, req request.Request) (dispatch.Outcome, error) {
	p.mu.Lock()
	p.waiters = append(p.waiters, req)
	alreadyInFlight := p.inFlight
	p.inFlight = true
	waiterCount := len(p.waiters)
	p.mu.Unlock()

	if alreadyInFlight {
		p.log.WithField("waiters", waiterCount).Debug("coalesced pre-flush behind in-flight flush")
		return dispatch.Submitted, nil
	}

	if err := p.engine.Submit(ctx, request.Request{Operation: request.Flush}, engine.Permits{}); err != nil {
		// The Engine failed the hand-off outright; it never took
		// ownership, so this pipeline must recover its own state and
		// release every coalesced waiter with the same error.
		p.OnOwnedComplete(err)
		return dispatch.Submitted, err
	}
	return dispatch.Submitted, nil
}

// OnOwnedComplete is invoked by the Instance's completion wiring when the
// Engine finishes the in-flight owned flush. It acknowledges every request
// coalesced behind it with err and resets the pipeline for the next flush.
func (p *Pipeline) OnOwnedComplete(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.inFlight = false
	p.mu.Unlock()

	p.flushCount.Add(1)
	for _, w := range waiters {
		if w.Done != nil {
			w.Done(err)
		}
	}
}

// SubmitPassthrough accounts for a delegated flush and tells the host to
// remap the request unchanged to the backing device.
func (p *Pipeline) SubmitPassthrough(req request.Request) dispatch.Outcome {
	p.flushCount.Add(1)
	if req.Done != nil {
		req.Done(nil)
	}
	return dispatch.Remapped
}

// SynchronousFlush issues a single write-preflush request to the backing
// device and blocks until it completes, retrying on ErrInterrupted after a
// short delay as the original's interruptible wait does. A non-interrupted
// failure is mapped to a read-only error kind; the caller is responsible
// for invoking Engine.SetReadOnly on it.
func (p *Pipeline) SynchronousFlush(ctx context.Context) error {
	for {
		err := p.device.SynchronousPreflushWrite(ctx)
		if err == nil {
			p.flushCount.Add(1)
			return nil
		}
		if errors.Is(err, ErrInterrupted) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interruptedRetryDelay):
				continue
			}
		}
		p.log.WithError(err).Error("synchronous flush failed")
		return kerr.New(kerr.KindReadOnly, "synchronous flush failed: %v", err)
	}
}
