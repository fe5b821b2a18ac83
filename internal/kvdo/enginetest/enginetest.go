// Package enginetest provides a fully functional in-memory Engine and
// BackingDevice for tests and demos, standing in for the real dedupe/
// compression/physical-layer stack. Grounded on the WriteAt/ReadAt/Flush
// shape of BlockDevice in
// other_examples/anupcshan-gonbd__blockdev.go, generalized to also satisfy
// the admission core's Engine contract.
package enginetest

import (
	"context"
	"sync"

	"github.com/tigerblue77/kvdo/internal/kvdo/engine"
	"github.com/tigerblue77/kvdo/internal/kvdo/request"
)

const blockSize = 4096

// Engine is an in-memory stand-in for the real storage engine: every
// Submit completes inline and reports back to the wired CompletionSink
// before returning, since there is no real worker pool to defer to.
type Engine struct {
	mu sync.Mutex

	storage *Storage

	compressing bool
	readOnly    bool

	preparedLogical  *uint64
	logicalBlocks    uint64
	preparedPhysical *uint64
	physicalBlocks   uint64

	sink engine.CompletionSink

	workers map[int64]bool

	destroyErr error

	suspendCalls int
	stopCalls    int
	destroyCalls int
}

// New returns an Engine backed by storage, with an empty worker-pool
// membership set.
func New(storage *Storage) *Engine {
	return &Engine{
		storage: storage,
		workers: make(map[int64]bool),
	}
}

// SetCompletionSink satisfies engine.SinkSetter.
func (e *Engine) SetCompletionSink(sink engine.CompletionSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

type workerIDKey struct{}

// WithWorkerThread returns a context marked as running on worker id id, for
// use by tests that need to exercise the reentrancy path.
func WithWorkerThread(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, workerIDKey{}, id)
}

// RegisterWorker marks id as a member of this Engine's worker pool.
func (e *Engine) RegisterWorker(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workers[id] = true
}

// WorkerPoolContains satisfies engine.Engine.
func (e *Engine) WorkerPoolContains(ctx context.Context) bool {
	id, ok := ctx.Value(workerIDKey{}).(int64)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers[id]
}

// Submit completes req inline against storage and reports completion
// through the wired sink before returning, exactly as a batch-of-one. A
// flush is reported through OnOwnedFlushComplete instead of CompleteBatch,
// since it never held an admission permit.
func (e *Engine) Submit(ctx context.Context, req request.Request, _ engine.Permits) error {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()

	if req.Operation == request.Flush {
		if sink != nil {
			sink.OnOwnedFlushComplete(nil)
		}
		return nil
	}

	var err error
	switch req.Operation {
	case request.Read:
		err = e.storage.readAt(req.ArrivalTicks, req.PayloadBytes)
	case request.Write, request.Discard:
		err = e.storage.writeAt(req.ArrivalTicks, req.PayloadBytes)
	}

	if req.Done != nil {
		req.Done(err)
	}

	if sink != nil {
		sink.CompleteBatch(ctx, 1)
	}
	return nil
}

// SetCompressing toggles packer emulation and returns the prior value.
func (e *Engine) SetCompressing(enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.compressing
	e.compressing = enabled
	return prev
}

func (e *Engine) Suspend(context.Context, bool) error {
	e.mu.Lock()
	e.suspendCalls++
	e.mu.Unlock()
	return nil
}

func (e *Engine) Resume(context.Context) error { return nil }

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	e.stopCalls++
	e.mu.Unlock()
	return nil
}

func (e *Engine) Destroy(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyCalls++
	return e.destroyErr
}

// SuspendCalls returns the number of times Suspend has been called.
func (e *Engine) SuspendCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspendCalls
}

// StopCalls returns the number of times Stop has been called.
func (e *Engine) StopCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopCalls
}

// DestroyCalls returns the number of times Destroy has been called.
func (e *Engine) DestroyCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyCalls
}

// FailDestroy makes the next Destroy call return err, for exercising
// teardown error aggregation.
func (e *Engine) FailDestroy(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyErr = err
}

// SetReadOnly latches the engine into read-only mode.
func (e *Engine) SetReadOnly(int) error {
	e.mu.Lock()
	e.readOnly = true
	e.mu.Unlock()
	return nil
}

// IsReadOnly reports whether SetReadOnly has ever been called.
func (e *Engine) IsReadOnly() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readOnly
}

func (e *Engine) PrepareGrowLogical(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preparedLogical = &n
	return nil
}

func (e *Engine) GrowLogical(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logicalBlocks = n
	e.preparedLogical = nil
	return nil
}

func (e *Engine) PrepareGrowPhysical(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preparedPhysical = &n
	return nil
}

func (e *Engine) GrowPhysical(n uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.physicalBlocks = n
	e.preparedPhysical = nil
	return nil
}

// Storage is a fixed-size in-memory backing device, exercised through both
// engine.BackingDevice and this Engine's own inline I/O.
type Storage struct {
	mu   sync.Mutex
	data []byte

	preflushWrites int
	failNextN      int
	failErr        error
}

// NewStorage returns a zero-filled Storage of size bytes.
func NewStorage(size int) *Storage {
	return &Storage{data: make([]byte, size)}
}

func (s *Storage) readAt(offset int64, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || int(offset)+length > len(s.data) {
		return errOutOfRange
	}
	return nil
}

func (s *Storage) writeAt(offset int64, length int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || int(offset)+length > len(s.data) {
		return errOutOfRange
	}
	return nil
}

// SynchronousPreflushWrite satisfies engine.BackingDevice.
func (s *Storage) SynchronousPreflushWrite(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preflushWrites++
	if s.failNextN > 0 {
		s.failNextN--
		return s.failErr
	}
	return nil
}

// ReadBlock satisfies engine.BackingDevice, reading exactly one block
// from the given block-relative offset.
func (s *Storage) ReadBlock(_ context.Context, blockNumber uint64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := blockNumber * blockSize
	if int(start)+len(buf) > len(s.data) {
		return errOutOfRange
	}
	copy(buf, s.data[start:])
	return nil
}

// WriteBlock writes data at the given block-relative offset, used by tests
// to seed a geometry block.
func (s *Storage) WriteBlock(blockNumber uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := blockNumber * blockSize
	copy(s.data[start:], data)
}

// PreflushWrites returns the number of synchronous preflush writes issued.
func (s *Storage) PreflushWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preflushWrites
}

// FailNextPreflush makes the next n SynchronousPreflushWrite calls return err.
func (s *Storage) FailNextPreflush(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextN = n
	s.failErr = err
}

type outOfRangeError struct{}

func (outOfRangeError) Error() string { return "enginetest: offset out of range" }

var errOutOfRange = outOfRangeError{}
