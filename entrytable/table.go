package entrytable

import (
	"sync"
	"time"

	"github.com/wbrown/sharedplan/fingerprint"
	"github.com/wbrown/sharedplan/rdepend"
	"github.com/wbrown/sharedplan/shmem"
)

// SharedState is the process-wide scalar bookkeeping of spec §3:
// alloced_size lives in the Arena itself (shmem.Arena.AllocedSize), so
// only the counters with no other natural home live here, under their
// own spinlock exactly as the teacher's storage.Database pairs a mutex
// with plain scalar fields.
type SharedState struct {
	mu              sync.Mutex
	dealloc         int64
	curMedianUsage  float64
	statsReset      time.Time
}

func newSharedState() *SharedState {
	return &SharedState{statsReset: time.Time{}}
}

func (s *SharedState) recordEvictionPass(medianUsage float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dealloc++
	s.curMedianUsage = medianUsage
}

// Dealloc returns the global eviction-pass counter.
func (s *SharedState) Dealloc() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dealloc
}

// CurMedianUsage returns the median usage recorded by the last eviction pass.
func (s *SharedState) CurMedianUsage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curMedianUsage
}

// StatsReset returns the time stats were last reset.
func (s *SharedState) StatsReset() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsReset
}

func (s *SharedState) markStatsReset(t time.Time) {
	s.mu.Lock()
	s.statsReset = t
	s.mu.Unlock()
}

// InstallSpec carries everything the interceptor's miss path gathered
// before asking the table to install a new generic plan (spec §4.7).
type InstallSpec struct {
	Plan        []byte
	PlanTimeMS  float64
	GenericCost float64
	NumConst    int
	DatabaseID  uint64
	Rels        []uint32
	Rdeps       []rdepend.Key
}

// Table is the fixed-capacity entry table of spec §4.4, protected by
// table_lock (here table.mu, a sync.RWMutex directly grounded on the
// teacher's PlanCache.mu) for structural changes, and per-entry locks for
// counter updates.
type Table struct {
	mu         sync.RWMutex
	entries    map[fingerprint.CacheKey]*Entry
	maxEntries int

	arena shmem.Arena
	rdeps *rdepend.Table
	state *SharedState
}

// NewTable returns an entry table bounded at maxEntries, backed by arena
// for plan-blob storage and rdeps for dependency tracking.
func NewTable(maxEntries int, arena shmem.Arena, rdeps *rdepend.Table) *Table {
	return &Table{
		entries:    make(map[fingerprint.CacheKey]*Entry),
		maxEntries: maxEntries,
		arena:      arena,
		rdeps:      rdeps,
		state:      newSharedState(),
	}
}

// State exposes the table's SharedState for the admin info surface.
func (t *Table) State() *SharedState { return t.state }

// NumEntries reports the current resident entry count.
func (t *Table) NumEntries() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Lookup probes the table under a shared lock (spec §4.6 step 3). The
// returned Entry pointer remains valid after the lock is released; its
// mutable fields are still protected by their own locks.
func (t *Table) Lookup(key fingerprint.CacheKey) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e, ok
}

// Snapshot returns an Entry's observable state without holding the table
// lock, honoring spec §4's distinction between table-lock-protected
// structural fields and entry-spinlock-protected counters.
func (t *Table) Snapshot(key fingerprint.CacheKey) (Snapshot, bool) {
	e, ok := t.Lookup(key)
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshotLocked(), true
}

// All returns a snapshot slice of every resident entry, used by the
// admin listing surface.
func (t *Table) All() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Install installs a newly planned generic plan under key (spec §4.7,
// §4.4 "Install"). It takes the table's exclusive lock for the whole
// operation: allocate, register dependencies, then link into the map, or
// roll every partial step back on failure.
func (t *Table) Install(key fingerprint.CacheKey, spec InstallSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, had := t.entries[key]
	if had && existing.IsLocked() {
		return errEntryLocked
	}

	if len(t.entries) >= t.maxEntries {
		t.runEvictionLocked()
	}

	h, ok := t.arena.Alloc(len(spec.Plan))
	if !ok {
		return errOutOfMemory
	}
	t.arena.Write(h, spec.Plan)

	// oldRdeps tracks dependencies an existing entry already legitimately
	// holds, so a rollback below never strips a still-valid registration
	// that Register's idempotent re-add merely touched this call (spec
	// invariant #1: every live entry stays present in every dependency it
	// references).
	var oldRdeps map[rdepend.Key]bool
	if had {
		oldRdeps = make(map[rdepend.Key]bool, len(existing.rdepsRef))
		for _, rd := range existing.rdepsRef {
			oldRdeps[rd] = true
		}
	}

	registered := make([]rdepend.Key, 0, len(spec.Rdeps))
	for _, rd := range spec.Rdeps {
		res := t.rdeps.Register(key, rd)
		if res == rdepend.RegisterOverflow {
			for _, done := range registered {
				if oldRdeps[done] {
					continue
				}
				t.rdeps.Unregister(key, done)
			}
			t.arena.Free(h, len(spec.Plan))
			t.evictAllReferencing(rd)
			return errRDependOverflow
		}
		registered = append(registered, rd)
	}

	if had {
		// key present, lockers == 0 (checked above): free a still-live
		// plan, replace it, and reconcile dependency sets (spec §4.4
		// step 3).
		if existing.state == PlanLive {
			t.freeEntryPlanLocked(existing)
		}
		t.reconcileDeps(key, existing.relsRef, spec.Rels, existing.rdepsRef, spec.Rdeps)
		existing.state = PlanLive
		existing.planRef = h
		existing.planLen = len(spec.Plan)
		existing.planTimeMS = spec.PlanTimeMS
		existing.genericCost = spec.GenericCost
		existing.numConst = spec.NumConst
		existing.relsRef = append([]uint32(nil), spec.Rels...)
		existing.rdepsRef = append([]rdepend.Key(nil), spec.Rdeps...)
		return nil
	}

	e := &Entry{
		Key:         key,
		state:       PlanLive,
		planRef:     h,
		planLen:     len(spec.Plan),
		planTimeMS:  spec.PlanTimeMS,
		genericCost: spec.GenericCost,
		numConst:    spec.NumConst,
		relsRef:     append([]uint32(nil), spec.Rels...),
		rdepsRef:    append([]rdepend.Key(nil), spec.Rdeps...),
	}
	t.entries[key] = e
	return nil
}

// reconcileDeps unregisters dependencies present in old but not new, and
// the Register calls for new-not-in-old were already done by the caller
// (Install registers the full new set up front); this only removes the
// stale ones, per spec §4.4 step 3.
func (t *Table) reconcileDeps(key fingerprint.CacheKey, oldRels []uint32, newRels []uint32, oldRdeps, newRdeps []rdepend.Key) {
	newRdepSet := make(map[rdepend.Key]bool, len(newRdeps))
	for _, rd := range newRdeps {
		newRdepSet[rd] = true
	}
	for _, rd := range oldRdeps {
		if !newRdepSet[rd] {
			t.rdeps.Unregister(key, rd)
		}
	}
}

// Discard clears key's plan in place, keeping the entry shell and its
// counters so it re-populates efficiently on its next planning (spec
// §4.4 "Discard").
func (t *Table) Discard(key fingerprint.CacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || e.state == PlanDiscarded {
		return false
	}
	t.freeEntryPlanLocked(e)
	return true
}

func (t *Table) freeEntryPlanLocked(e *Entry) {
	t.arena.Free(e.planRef, e.planLen)
	e.planRef = 0
	e.planLen = 0
	e.state = PlanDiscarded
	e.discardCounter++
}

// Evict removes key's entry entirely along with its dependencies (spec
// §4.4 "Evict").
func (t *Table) Evict(key fingerprint.CacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictLocked(key)
}

func (t *Table) evictLocked(key fingerprint.CacheKey) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	if e.state == PlanLive {
		t.arena.Free(e.planRef, e.planLen)
	}
	for _, rd := range e.rdepsRef {
		t.rdeps.Unregister(key, rd)
	}
	// Relation dependencies share the same rdepend.Table keyspace
	// (hostiface.ClassRelation), so they are unregistered the same way;
	// callers populate rdepsRef with both relation and non-relation
	// dependency triples (see interceptor's install path).
	delete(t.entries, key)
	return true
}

// evictAllReferencing evicts every entry that references rdep, used when
// Register reports overflow (spec §4.3's "on overflow, all entries
// referencing this dependency are preemptively evicted").
func (t *Table) evictAllReferencing(rdep rdepend.Key) {
	keys := t.rdeps.LookupKeys(rdep)
	for _, k := range keys {
		t.evictLocked(k)
	}
}

// Lock increments an entry's lockers count and discards its plan in one
// step (spec §4.4 "Lock/Unlock": "Lock additionally discards the plan").
// Both Lock and Unlock take the table's exclusive lock since lockers is
// "mutated only under table_lock exclusive" (spec §5).
func (t *Table) Lock(key fingerprint.CacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	if e.state == PlanLive {
		t.freeEntryPlanLocked(e)
	}
	e.lockers.Add(1)
	return true
}

// Unlock decrements an entry's lockers count.
func (t *Table) Unlock(key fingerprint.CacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	if e.lockers.Load() > 0 {
		e.lockers.Add(-1)
	}
	return true
}

// ResetExact removes exactly the entry named by key, in O(1) under the
// table's exclusive lock alone (no bucket-by-bucket rdep scan needed: the
// key fully identifies one entry). This is the fast path spec §9's first
// Open Question flags as disabled-but-correct in the source; this
// reimplementation exposes it (decision recorded in DESIGN.md).
func (t *Table) ResetExact(key fingerprint.CacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictLocked(key)
}

// ResetMatching evicts every entry for which match returns true, used by
// the admin surface's wildcard reset (userID/dbID/queryID components of
// zero match everything for that field).
func (t *Table) ResetMatching(match func(fingerprint.CacheKey) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var victims []fingerprint.CacheKey
	for k := range t.entries {
		if match(k) {
			victims = append(victims, k)
		}
	}
	for _, k := range victims {
		t.evictLocked(k)
	}
	t.state.markStatsReset(statsResetNow())
	return len(victims)
}

// statsResetNow is split out so tests can substitute a deterministic
// clock if ever needed; production always uses wall time.
var statsResetNow = time.Now
