// Package rdepend implements the reverse-dependency index (spec §4.3): a
// process-shared concurrent hash table mapping a catalog object to the
// set of cache keys that would be invalidated by a change to it.
//
// Bucketing is grounded on the teacher's bucketed-map idiom in
// datalog/storage/matcher_relations.go: rather than one global mutex
// (which spec §9's "Coarse vs fine locking" design note flags as the
// source's own simplification), keys are sharded across N buckets each
// behind their own sync.Mutex, raising concurrency while preserving the
// lock-ordering invariant of spec §5 (callers already hold table_lock
// before touching any bucket).
package rdepend

import (
	"runtime"
	"sync"

	"github.com/wbrown/sharedplan/fingerprint"
	"github.com/wbrown/sharedplan/hostiface"
)

// Key is the triple identifying one catalog dependency (spec §3,
// RDependKey). For relation dependencies ObjectID is the relation id; for
// non-relation dependencies (types, procedures) it is a stable hash of
// the object's identity, per hostiface.SysCache.HashOf.
type Key struct {
	DatabaseID uint64
	Class      hostiface.ObjectClass
	ObjectID   uint32
}

// RegisterResult reports the outcome of Register.
type RegisterResult uint8

const (
	RegisterOK RegisterResult = iota
	RegisterOverflow
)

type bucketEntry struct {
	keys []fingerprint.CacheKey
}

type bucket struct {
	mu      sync.Mutex
	entries map[Key]*bucketEntry
}

// Table is the reverse-dependency index. Table itself holds no lock of
// its own beyond its buckets'; spec §5's table_lock is the caller's
// responsibility (the entry table), acquired before any bucket lock.
type Table struct {
	buckets  []*bucket
	max      int // rdepend_max from Config
	initCap  int // PGSP_RDEPEND_INIT
}

const defaultInitCap = 4

// NewTable returns a Table with rdependMax as the per-dependency fan-out
// cap (spec §3's rdepend_max, must be >= 1).
func NewTable(rdependMax int) *Table {
	if rdependMax < 1 {
		rdependMax = 1
	}
	n := nextPow2(runtime.NumCPU())
	buckets := make([]*bucket, n)
	for i := range buckets {
		buckets[i] = &bucket{entries: make(map[Key]*bucketEntry)}
	}
	return &Table{buckets: buckets, max: rdependMax, initCap: defaultInitCap}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	if p < 1 {
		p = 1
	}
	return p
}

func (t *Table) bucketFor(k Key) *bucket {
	h := hashKey(k)
	return t.buckets[h&uint64(len(t.buckets)-1)]
}

func hashKey(k Key) uint64 {
	// Simple FNV-1a style combine; the dependency key space is small and
	// does not need a cryptographic or even a high-quality combine, only
	// an even bucket spread.
	h := uint64(1469598103934665603)
	mix := func(v uint64) {
		h ^= v
		h *= 1099511628211
	}
	mix(k.DatabaseID)
	mix(uint64(k.Class))
	mix(uint64(k.ObjectID))
	return h
}

// Register appends key to the dependency set for rdep, creating the
// bucket entry on first reference (spec §4.3's initial capacity of
// PGSP_RDEPEND_INIT, growing by doubling up to rdepend_max). On overflow
// the caller must roll back any partial dependency additions for this
// key and refuse to cache (spec §4.3, §4.7 step 4).
func (t *Table) Register(key fingerprint.CacheKey, rdep Key) RegisterResult {
	b := t.bucketFor(rdep)
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[rdep]
	if !ok {
		e = &bucketEntry{keys: make([]fingerprint.CacheKey, 0, t.initCap)}
		b.entries[rdep] = e
	}

	for _, existing := range e.keys {
		if existing == key {
			return RegisterOK
		}
	}

	if len(e.keys) >= t.max {
		return RegisterOverflow
	}

	e.keys = append(e.keys, key)
	return RegisterOK
}

// Unregister removes key from rdep's dependency set; if the set becomes
// empty the bucket entry is deleted.
func (t *Table) Unregister(key fingerprint.CacheKey, rdep Key) {
	b := t.bucketFor(rdep)
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[rdep]
	if !ok {
		return
	}
	for i, existing := range e.keys {
		if existing == key {
			e.keys = append(e.keys[:i], e.keys[i+1:]...)
			break
		}
	}
	if len(e.keys) == 0 {
		delete(b.entries, rdep)
	}
}

// LookupKeys returns a snapshot copy of the keys registered against
// rdep. Per spec §4.3, the caller must re-validate each key against the
// entry table after releasing the bucket lock (which LookupKeys already
// has, by returning a copy) since entries may have been evicted in the
// interim.
func (t *Table) LookupKeys(rdep Key) []fingerprint.CacheKey {
	b := t.bucketFor(rdep)
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[rdep]
	if !ok {
		return nil
	}
	out := make([]fingerprint.CacheKey, len(e.keys))
	copy(out, e.keys)
	return out
}

// NumKeys reports the live fan-out for rdep: the number of cache keys
// currently registered against it.
func (t *Table) NumKeys(rdep Key) int {
	b := t.bucketFor(rdep)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[rdep]
	if !ok {
		return 0
	}
	return len(e.keys)
}
