// Package iotrap routes guest I/O exits to emulated devices. A registry
// maps guest address ranges (PIO ports and MMIO windows share one
// space; their ranges are disjoint) to handlers. Lookups are
// concurrent-safe and deregistration is reference counted: an entry
// whose handler is running on another vCPU is never freed under it.
package iotrap

import (
	"sync"

	"github.com/nmi/vmm/interval"
)

// Handler is invoked with the registry lock released. addr is the
// absolute guest address of the access, data the bytes read or to be
// written.
type Handler func(addr uint64, data []byte, isWrite bool) error

type entry struct {
	low      uint64
	handler  Handler
	refcount uint32
	remove   bool
}

// Registry is one machine's trap table, shared by all of its vCPU
// threads.
type Registry struct {
	mu   sync.Mutex
	tree *interval.Tree[*entry]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		tree: interval.New[*entry](),
	}
}

// Register claims [start, start+size) for a handler. It fails with
// interval.ErrOverlap if another handler claims any byte of the range.
func (r *Registry) Register(start, size uint64, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.tree.Insert(start, start+size, &entry{low: start, handler: h})
}

// Deregister removes the entry containing start. If its handler is
// currently running, removal is deferred until the last invocation
// returns. It reports whether an entry was found.
func (r *Registry) Deregister(start uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tree.SearchPoint(start)
	if !ok {
		return false
	}

	if e.refcount == 0 {
		r.tree.Erase(e.low)
	} else {
		e.remove = true
	}

	return true
}

// Dispatch routes one exit. The access must be fully contained in a
// single registered range, else it is unhandled. data holds size*count
// bytes; the handler runs once per count with its window advanced by
// size each iteration, the way string I/O presents it.
//
// The first handler error stops the iteration and is returned with
// handled=true: the range was claimed, the device just failed.
func (r *Registry) Dispatch(addr uint64, data []byte, size, count int, isWrite bool) (bool, error) {
	r.mu.Lock()

	e, ok := r.tree.SearchRange(addr, addr+uint64(size))
	if !ok {
		r.mu.Unlock()

		return false, nil
	}

	e.refcount++
	r.mu.Unlock()

	var err error

	for i := 0; i < count; i++ {
		if err = e.handler(addr, data[i*size:(i+1)*size], isWrite); err != nil {
			break
		}
	}

	r.mu.Lock()

	e.refcount--
	if e.remove && e.refcount == 0 {
		r.tree.Erase(e.low)
	}
	r.mu.Unlock()

	return true, err
}
