// Package lifecycle implements the Instance's ordered state machine across
// initialization, suspension, resume, and teardown, grounded on the
// LAYER_* states and transitions walked in
// original_source/vdo/kernel/kernelLayer.c (make_kernel_layer,
// start_kernel_layer, suspend_kernel_layer, resume_kernel_layer,
// stop_kernel_layer, free_kernel_layer).
package lifecycle

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// State is one of the ordered lifecycle states.
type State int32

const (
	Uninitialized State = iota
	SimpleInit
	BufferPoolsInit
	RequestQueueInit
	BioDataInit
	BioAckQueueInit
	CPUQueueInit
	Starting
	Running
	Suspended
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case SimpleInit:
		return "simple-init"
	case BufferPoolsInit:
		return "buffer-pools-init"
	case RequestQueueInit:
		return "request-queue-init"
	case BioDataInit:
		return "bio-data-init"
	case BioAckQueueInit:
		return "bio-ack-queue-init"
	case CPUQueueInit:
		return "cpu-queue-init"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event names an attempted transition; together with the current state it
// keys the transition table.
type Event string

const (
	EventCreate           Event = "create"
	EventAllocBufferPools Event = "alloc-buffer-pools"
	EventStartKVDOThreads Event = "start-kvdo-threads"
	EventStartBioThreads  Event = "start-bio-threads"
	EventStartAckThreads  Event = "start-ack-threads"
	EventStartCPUThreads  Event = "start-cpu-threads"
	EventPreload          Event = "preload"
	EventStart            Event = "start"
	EventSuspend          Event = "suspend"
	EventResume           Event = "resume"
	EventStop             Event = "stop"
	EventFinal            Event = "final"
)

// ErrBadState is returned whenever a transition is attempted that the table
// below does not allow. No side effect occurs on rejection.
var ErrBadState = errors.New("kvdo: bad state transition")

type edge struct {
	from State
	on   Event
}

// table encodes the legal forward and backward transitions. Every
// transition not listed here is rejected with ErrBadState.
var table = map[edge]State{
	{Uninitialized, EventCreate}:               SimpleInit,
	{SimpleInit, EventAllocBufferPools}:         BufferPoolsInit,
	{BufferPoolsInit, EventStartKVDOThreads}:    RequestQueueInit,
	{RequestQueueInit, EventStartBioThreads}:    BioDataInit,
	{BioDataInit, EventStartAckThreads}:         BioAckQueueInit,
	{BioAckQueueInit, EventStartCPUThreads}:     CPUQueueInit,
	{CPUQueueInit, EventPreload}:                Starting,
	{Starting, EventStart}:                      Running,
	{Running, EventSuspend}:                     Suspended,
	{Suspended, EventResume}:                    Running,
	{Suspended, EventStop}:                      Stopping,
	{Running, EventStop}:                        Stopping,
	{Stopping, EventFinal}:                      Stopped,
}

// Machine is the Instance's atomic lifecycle state. Reads are lock-free;
// Fire is the only mutator and serializes itself with a compare-and-swap
// loop so concurrent administrative calls cannot race past each other.
type Machine struct {
	state   atomic.Int32
	highest atomic.Int32
}

// NewMachine returns a Machine in the Uninitialized state.
func NewMachine() *Machine {
	return &Machine{}
}

// Current returns the current state.
func (m *Machine) Current() State {
	return State(m.state.Load())
}

// HighestInitReached returns the highest of the seven init-prefix states
// (Uninitialized..CPUQueueInit) this Machine has ever occupied. Destruction
// walks backward from this value: the highest init state ever reached is
// the resume point for destructor cleanup.
func (m *Machine) HighestInitReached() State {
	return State(m.highest.Load())
}

// Fire attempts the transition (current, on) -> table[(current, on)]. On
// success it returns the new state. On failure it returns ErrBadState and
// leaves the state untouched.
func (m *Machine) Fire(on Event) (State, error) {
	for {
		cur := State(m.state.Load())
		next, allowed := table[edge{cur, on}]
		if !allowed {
			return cur, fmt.Errorf("%w: cannot fire %q from %s", ErrBadState, on, cur)
		}
		if !m.state.CompareAndSwap(int32(cur), int32(next)) {
			continue
		}
		if next <= CPUQueueInit {
			m.bumpHighest(next)
		}
		return next, nil
	}
}

func (m *Machine) bumpHighest(s State) {
	for {
		cur := State(m.highest.Load())
		if s <= cur {
			return
		}
		if m.highest.CompareAndSwap(int32(cur), int32(s)) {
			return
		}
	}
}

// RequireRunning returns ErrBadState unless the Machine is currently
// Running; submit is rejected in every other state.
func (m *Machine) RequireRunning() error {
	if m.Current() != Running {
		return fmt.Errorf("%w: submit requires running, have %s", ErrBadState, m.Current())
	}
	return nil
}
