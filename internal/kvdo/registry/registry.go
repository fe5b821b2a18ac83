// Package registry implements the process-wide pool-name / backing-device
// registry: a guarded mapping with insert-or-error semantics that keeps
// two Instances from ever claiming the same pool name or the same backing
// device concurrently.
package registry

import (
	"sync"

	"github.com/tigerblue77/kvdo/internal/kvdo/kerr"
)

// Registry tracks the pool names and backing devices currently claimed by
// a live Instance in this process.
type Registry struct {
	mu     sync.Mutex
	byPool map[string]string // pool name -> backing device
	byDev  map[string]string // backing device -> pool name
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byPool: make(map[string]string),
		byDev:  make(map[string]string),
	}
}

// Register claims poolName and device atomically, failing with
// KindComponentBusy if either is already claimed, including by this same
// pairing.
func (r *Registry) Register(poolName, device string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byPool[poolName]; ok {
		return kerr.New(kerr.KindComponentBusy, "pool %q is already registered against device %q", poolName, existing)
	}
	if existing, ok := r.byDev[device]; ok {
		return kerr.New(kerr.KindComponentBusy, "device %q is already claimed by pool %q", device, existing)
	}

	r.byPool[poolName] = device
	r.byDev[device] = poolName
	return nil
}

// Unregister releases poolName's claim, if any. It is a no-op if poolName
// was never registered.
func (r *Registry) Unregister(poolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.byPool[poolName]
	if !ok {
		return
	}
	delete(r.byPool, poolName)
	delete(r.byDev, device)
}

// Lookup returns the backing device registered against poolName, if any.
func (r *Registry) Lookup(poolName string) (device string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok = r.byPool[poolName]
	return device, ok
}

// Len returns the number of Instances currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPool)
}
