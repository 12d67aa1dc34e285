// Package shmem wraps the host's process-shared dynamic allocator with
// byte accounting, as spec §4.2 requires: allocation never blocks on the
// entry table's lock, and every allocation/free mutates a shared byte
// counter under its own spinlock.
//
// The host's real allocator is a memory-mapped dsa_area shared across OS
// processes. A single Go process cannot map untyped shared memory across
// OS process boundaries without cgo, and doing so would fight the
// garbage collector, so Arena's mechanism here is process-local Go heap
// (HeapArena) or an embedded BadgerDB store (BadgerArena, grounded on the
// teacher's datalog/storage/badger_store.go) rather than true shared
// memory. The CONTRACT spec §4.2 cares about — accounted alloc/free/deref,
// non-blocking, failure reported not panicked — is preserved regardless
// of mechanism; a host embedding this module once per OS process gets the
// same accounting guarantees the spec describes.
package shmem

import "sync"

// Handle is an opaque reference into an Arena. The zero Handle is never
// valid; Arena implementations reserve it to mean "no allocation".
type Handle uint64

// Arena is the shared allocator bridge consumed by the entry table and
// its install path.
type Arena interface {
	// Alloc reserves size bytes and returns a handle, or ok=false if the
	// arena is out of budget. Never blocks on anything but its own
	// internal accounting lock.
	Alloc(size int) (h Handle, ok bool)
	// Free releases a previously allocated handle. size must match the
	// size passed to Alloc.
	Free(h Handle, size int)
	// Deref returns the bytes backing h, or nil if h is stale or zero.
	Deref(h Handle) []byte
	// Write copies data into the allocation backing h.
	Write(h Handle, data []byte)
	// AllocedSize reports the live byte total, for spec §3's
	// SharedState.alloced_size invariant.
	AllocedSize() int64
}

// Accounting is the shared byte counter all Arena implementations embed,
// grounded on the teacher's storage.Database pairing a mutex with a
// scalar (spec §3's SharedState "scalars ... under a spinlock").
type Accounting struct {
	mu      sync.Mutex
	alloced int64
	budget  int64 // 0 means unbounded
}

// NewAccounting returns an Accounting with the given byte budget; 0 means
// unbounded, matching a host that relies on eviction pressure alone.
func NewAccounting(budget int64) *Accounting {
	return &Accounting{budget: budget}
}

// Reserve accounts size additional bytes, failing if doing so would
// exceed the configured budget.
func (a *Accounting) Reserve(size int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget > 0 && a.alloced+int64(size) > a.budget {
		return false
	}
	a.alloced += int64(size)
	return true
}

// Release accounts size fewer bytes held.
func (a *Accounting) Release(size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alloced -= int64(size)
	if a.alloced < 0 {
		a.alloced = 0
	}
}

// AllocedSize reports the current live byte total.
func (a *Accounting) AllocedSize() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alloced
}
