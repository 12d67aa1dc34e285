// Package entrytable is the keyed cache of plan records: a fixed-capacity
// table protected by a table-wide read/write lock plus per-entry locks
// for counter updates, grounded directly on the teacher's
// datalog/planner/cache.go PlanCache (sync.RWMutex over a map, sync/atomic
// hit/miss counters) generalized to spec §3/§4.4's richer PlanEntry and
// usage-weighted eviction policy (spec §4.5, package eviction.go in this
// package).
package entrytable

import (
	"sync"
	"sync/atomic"

	"github.com/wbrown/sharedplan/fingerprint"
	"github.com/wbrown/sharedplan/rdepend"
	"github.com/wbrown/sharedplan/shmem"
)

// PlanState reports whether an entry currently holds a live, usable plan.
type PlanState uint8

const (
	PlanDiscarded PlanState = iota
	PlanLive
)

// Entry is the resident record for one CacheKey (spec §3, PlanEntry).
// Fields are grouped by the lock that protects them, matching the
// struct's own doc comment convention in the teacher's Phase struct
// (datalog/planner/types.go) of annotating each field inline.
type Entry struct {
	Key fingerprint.CacheKey

	// Immutable after install; may only transition PlanRef/PlanLen to the
	// discarded zero value without removing the entry.
	state      PlanState
	planRef    shmem.Handle
	planLen    int
	planTimeMS float64
	genericCost float64
	numConst    int

	relsRef  []uint32       // relation ids this plan depends on
	rdepsRef []rdepend.Key  // all dependency triples, relation and non-relation

	// Mutable under entryMu (the entry-local spinlock of spec §3).
	entryMu         sync.Mutex
	bypass          int64
	usage           float64
	totalCustomCost float64
	numCustomPlans  int

	// Mutable only under the table's write lock.
	discardCounter uint64
	lockers        atomic.Int32
}

// Snapshot is an immutable, point-in-time copy of an Entry's observable
// state, used by the admin listing surface.
type Snapshot struct {
	Key             fingerprint.CacheKey
	State           PlanState
	PlanLen         int
	PlanTimeMS      float64
	GenericCost     float64
	NumConst        int
	Bypass          int64
	Usage           float64
	TotalCustomCost float64
	NumCustomPlans  int
	DiscardCounter  uint64
	Lockers         int32
	NumRels         int
	NumRdeps        int
}

func (e *Entry) snapshotLocked() Snapshot {
	e.entryMu.Lock()
	defer e.entryMu.Unlock()
	return Snapshot{
		Key:             e.Key,
		State:           e.state,
		PlanLen:         e.planLen,
		PlanTimeMS:      e.planTimeMS,
		GenericCost:     e.genericCost,
		NumConst:        e.numConst,
		Bypass:          e.bypass,
		Usage:           e.usage,
		TotalCustomCost: e.totalCustomCost,
		NumCustomPlans:  e.numCustomPlans,
		DiscardCounter:  e.discardCounter,
		Lockers:         e.lockers.Load(),
		NumRels:         len(e.relsRef),
		NumRdeps:        len(e.rdepsRef),
	}
}

// DiscardCounter returns the entry's current discard counter, used by
// the interceptor's re-probe step (spec §5's "Invalidation → Lookup"
// ordering guarantee). Safe to call with only the table's shared lock
// held, since discard_counter is mutated only under the table write
// lock.
func (e *Entry) DiscardCounter() uint64 { return e.discardCounter }

// State reports whether the entry currently presents a live plan.
func (e *Entry) State() PlanState { return e.state }

// IsLocked reports whether the entry's lockers count is non-zero,
// meaning it must present as a miss to lookups (spec §4.4 Lock/Unlock).
func (e *Entry) IsLocked() bool { return e.lockers.Load() > 0 }

// PlanRef returns the shared-allocator handle for the live plan blob, or
// the zero Handle if discarded.
func (e *Entry) PlanRef() shmem.Handle { return e.planRef }

// PlanTimeMS returns the host-measured planning cost recorded at install.
func (e *Entry) PlanTimeMS() float64 { return e.planTimeMS }

// GenericCost returns the stored generic plan's estimated cost.
func (e *Entry) GenericCost() float64 { return e.genericCost }

// accumulateUsage adds delta to usage under the entry spinlock (spec
// §4.5: "On successful cache use, usage is incremented by plan_time_ms").
func (e *Entry) accumulateUsage(delta float64) {
	e.entryMu.Lock()
	e.usage += delta
	e.entryMu.Unlock()
}

// recordBypass increments bypass and usage together, under one
// acquisition of the entry spinlock.
func (e *Entry) recordBypass(planTimeMS float64) {
	e.entryMu.Lock()
	e.bypass++
	e.usage += planTimeMS
	e.entryMu.Unlock()
}

// recordCustomPlan folds one custom-plan cost sample into the running
// average used by choosePlan (spec §4.6 "Choose plan").
func (e *Entry) recordCustomPlan(cost float64) {
	e.entryMu.Lock()
	e.totalCustomCost += cost
	e.numCustomPlans++
	e.entryMu.Unlock()
}

// decayUsage multiplies usage by factor, used by the eviction pass (spec
// §4.5 step 2, decay factor 0.99).
func (e *Entry) decayUsage(factor float64) {
	e.entryMu.Lock()
	e.usage *= factor
	e.entryMu.Unlock()
}

func (e *Entry) readUsage() float64 {
	e.entryMu.Lock()
	defer e.entryMu.Unlock()
	return e.usage
}

// ChoosePlan implements spec §4.6's "Choose plan" under the entry's
// spinlock: below threshold, accumulate custom-plan statistics and defer
// to fresh planning; at or above threshold, prefer the cached generic
// plan only when it is cheaper than the observed average custom cost.
func (e *Entry) ChoosePlan(threshold int) (useCached, accumulateCustomStats bool) {
	e.entryMu.Lock()
	defer e.entryMu.Unlock()

	if e.numCustomPlans < threshold {
		e.usage += e.planTimeMS
		return false, true
	}

	avg := e.totalCustomCost / float64(e.numCustomPlans)
	if e.genericCost < avg {
		e.bypass++
		e.usage += e.planTimeMS
		return true, false
	}
	return false, false
}

// RecordCustomPlan folds one custom-plan cost sample into the running
// average ChoosePlan consults, called whenever the interceptor falls
// through to fresh planning.
func (e *Entry) RecordCustomPlan(cost float64) { e.recordCustomPlan(cost) }

// Bypass returns the number of times this entry's cached plan was used
// in lieu of planning.
func (e *Entry) Bypass() int64 {
	e.entryMu.Lock()
	defer e.entryMu.Unlock()
	return e.bypass
}

// NumCustomPlans returns the number of custom-plan cost samples folded
// into this entry so far.
func (e *Entry) NumCustomPlans() int {
	e.entryMu.Lock()
	defer e.entryMu.Unlock()
	return e.numCustomPlans
}

// Usage returns the current decayed usage score.
func (e *Entry) Usage() float64 { return e.readUsage() }

// Rels returns a copy of the relation-id dependency set (spec §3's
// rels_ref/num_rels).
func (e *Entry) Rels() []uint32 {
	return append([]uint32(nil), e.relsRef...)
}

// Rdeps returns a copy of the dependency-triple set registered in the
// reverse-dependency index (spec §3's rdeps_ref/num_rdeps). It holds the
// relation triples as well as the type and procedure triples.
func (e *Entry) Rdeps() []rdepend.Key {
	return append([]rdepend.Key(nil), e.rdepsRef...)
}
