// Package interceptor is the planner interceptor (spec §4.6): it
// decides, per lookup, whether to return a cached generic plan or let
// the host planner proceed, arbitrating generic-vs-custom cost the way
// spec §4.6's "Choose plan" describes, and installs newly planned
// generic plans on a qualifying miss (spec §4.7).
//
// Grounded on the teacher's datalog/planner/planner.go Plan() entry
// point, which already shows the "check cache, else plan, else cache
// the result" shape this component generalizes.
package interceptor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wbrown/sharedplan"
	"github.com/wbrown/sharedplan/entrytable"
	"github.com/wbrown/sharedplan/fingerprint"
	"github.com/wbrown/sharedplan/hostiface"
	"github.com/wbrown/sharedplan/internal/logctx"
	"github.com/wbrown/sharedplan/rdepend"
	"github.com/wbrown/sharedplan/shmem"
)

// Session tracks the one piece of per-transaction state spec §4.8
// describes: after any discard/evict batch, the session is forced into
// "read-only cache" mode for the remainder of the transaction so it will
// not populate the cache with plans that might never commit.
type Session struct {
	forcedReadOnly atomic.Bool
}

// NewSession returns a fresh session, not forced read-only.
func NewSession() *Session { return &Session{} }

// ForceReadOnly is called by the invalidator after any discard/evict
// batch (spec §4.8, final paragraph).
func (s *Session) ForceReadOnly() { s.forcedReadOnly.Store(true) }

// ReadOnly reports whether this session's remaining transaction must not
// populate the cache.
func (s *Session) ReadOnly() bool { return s.forcedReadOnly.Load() }

// EndTransaction clears the forced-read-only flag at transaction
// boundaries.
func (s *Session) EndTransaction() { s.forcedReadOnly.Store(false) }

// Interceptor wires the fingerprint builder, entry table, reverse
// dependency index, and shared arena together behind the host's Planner,
// SysCache, and (optionally) LockManager contracts.
type Interceptor struct {
	cfg      sharedplan.Config
	table    *entrytable.Table
	rdeps    *rdepend.Table
	arena    shmem.Arena
	planner  hostiface.Planner
	syscache hostiface.SysCache
	locks    hostiface.LockManager // optional; nil is a valid no-op host
}

// New returns an Interceptor. locks may be nil for hosts that manage
// their own lock acquisition entirely outside the cache. It returns
// sharedplan.ErrMisconfigured (spec §7: "surface as a caller-visible
// error; never silent") if cfg cannot back a working cache, or if table,
// rdeps, arena, planner, or syscache is nil. This stands in for the
// host's "module not preloaded" check, since there is no shared-memory
// preload step to fail instead.
func New(cfg sharedplan.Config, table *entrytable.Table, rdeps *rdepend.Table, arena shmem.Arena, planner hostiface.Planner, syscache hostiface.SysCache, locks hostiface.LockManager) (*Interceptor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if table == nil || rdeps == nil || arena == nil || planner == nil || syscache == nil {
		return nil, fmt.Errorf("%w: table, rdeps, arena, planner, and syscache must all be non-nil", sharedplan.ErrMisconfigured)
	}
	return &Interceptor{
		cfg:      cfg,
		table:    table,
		rdeps:    rdeps,
		arena:    arena,
		planner:  planner,
		syscache: syscache,
		locks:    locks,
	}, nil
}

// Plan is the planner hook entry point (spec §4.6). On any internal
// cache failure it silently falls back to i.planner.Plan, per spec §7's
// propagation policy: the caller sees at worst a planning request that
// bypasses the cache.
func (i *Interceptor) Plan(ctx context.Context, sess *Session, q *hostiface.AnalyzedQuery, userID, databaseID uint64, params []any) (*hostiface.Plan, error) {
	if !i.cfg.Enabled || q.QueryID == 0 || q.IsUtilityStmt || (!q.HasBoundParams && !i.cfg.CacheAll) {
		return i.planner.Plan(ctx, q, params)
	}

	if err := i.checkRules(q); err != nil {
		return i.planner.Plan(ctx, q, params)
	}

	key, numConst, err := fingerprint.Build(q, userID, databaseID, fingerprint.Options{CacheAll: i.cfg.CacheAll})
	if err != nil {
		return i.planner.Plan(ctx, q, params)
	}

	if e, ok := i.table.Lookup(key); ok && e.State() == entrytable.PlanLive && !e.IsLocked() {
		if plan, ok := i.tryUseCached(ctx, e, key, q); ok {
			return plan, nil
		}
		// Fall through: stale, or choosePlan preferred fresh planning.
		return i.planFreshAndMaybeInstall(ctx, sess, e, key, q, params, numConst, databaseID)
	}

	return i.planFreshAndMaybeInstall(ctx, sess, nil, key, q, params, numConst, databaseID)
}

// checkRules fetches the rewrite rules attached to every range-table
// relation and applies spec §4.1's rejection policy (fingerprint.CheckRules)
// before the query is ever fingerprinted, so a relation carrying rules
// other than a single _RETURN rule on a simple view never enters the
// cache.
func (i *Interceptor) checkRules(q *hostiface.AnalyzedQuery) error {
	rulesByRelation := make(map[uint32][]hostiface.Rule, len(q.RangeTable))
	for _, rte := range q.RangeTable {
		rules, err := i.syscache.LookupRules(rte.RelationID)
		if err != nil {
			return err
		}
		rulesByRelation[rte.RelationID] = rules
	}
	return fingerprint.CheckRules(rulesByRelation)
}

// tryUseCached implements spec §4.6 step 4's hit path: choose-plan,
// deserialize, acquire transient locks, re-probe, and only then return
// the cached plan with its cost adjusted.
func (i *Interceptor) tryUseCached(ctx context.Context, e *entrytable.Entry, key fingerprint.CacheKey, q *hostiface.AnalyzedQuery) (*hostiface.Plan, bool) {
	observedDiscardCounter := e.DiscardCounter()

	useCached, _ := e.ChoosePlan(i.cfg.Threshold)
	if !useCached {
		return nil, false
	}

	blob := i.arena.Deref(e.PlanRef())
	if blob == nil {
		return nil, false
	}

	if i.locks != nil {
		if err := i.locks.AcquireTransientLocks(ctx, e.Rels()); err != nil {
			return nil, false
		}
	}

	// Re-probe under the table lock to detect racing invalidations
	// (spec §5's "re-probe step"): the entry must still exist, be live,
	// and its discard_counter must be unchanged.
	fresh, ok := i.table.Lookup(key)
	if !ok || fresh != e || fresh.State() != entrytable.PlanLive || fresh.DiscardCounter() != observedDiscardCounter {
		// Absorbed per spec §7: retried by planning freshly below, never
		// surfaced to the caller, but distinguished from a plain
		// choose-plan miss so an operator can see it happening.
		logctx.L.Printf("query_id=%d: %v", key.QueryID, sharedplan.ErrStaleHit)
		return nil, false
	}

	cost := AdjustedCost(i.cfg, e.GenericCost(), len(q.RangeTable), e.Bypass())
	return &hostiface.Plan{
		Serialized: blob,
		TotalCost:  cost,
		NumRTable:  len(q.RangeTable),
	}, true
}

// planFreshAndMaybeInstall implements spec §4.6 step 5 / §4.7: plan
// with the host planner, and on a sufficiently expensive miss also plan
// generically and install it.
func (i *Interceptor) planFreshAndMaybeInstall(ctx context.Context, sess *Session, existing *entrytable.Entry, key fingerprint.CacheKey, q *hostiface.AnalyzedQuery, params []any, numConst int, databaseID uint64) (*hostiface.Plan, error) {
	start := time.Now()
	plan, err := i.planner.Plan(ctx, q, params)
	if err != nil {
		return nil, err
	}
	planTimeMS := float64(time.Since(start).Microseconds()) / 1000.0

	if existing != nil {
		existing.RecordCustomPlan(plan.TotalCost)
	}

	if i.cfg.ReadOnly || (sess != nil && sess.ReadOnly()) {
		return plan, nil
	}
	if planTimeMS < i.cfg.MinPlanTimeMS {
		return plan, nil
	}

	generic, err := i.planner.PlanGeneric(ctx, q)
	if err != nil {
		logctx.L.Printf("generic planning failed for query_id=%d: %v", q.QueryID, err)
		return plan, nil
	}

	rels, rdeps := dependenciesOf(q, databaseID, i.syscache)
	installErr := i.table.Install(key, entrytable.InstallSpec{
		Plan:        generic.Serialized,
		PlanTimeMS:  planTimeMS,
		GenericCost: generic.TotalCost,
		NumConst:    numConst,
		DatabaseID:  databaseID,
		Rels:        rels,
		Rdeps:       rdeps,
	})
	if installErr != nil {
		// Absorbed per spec §7: out-of-memory, overflow, and
		// lockers>0 all degrade to "skip install", never to a
		// user-visible error.
		logctx.L.Printf("skip cache install for query_id=%d: %v", q.QueryID, installErr)
	}

	return plan, nil
}

// dependenciesOf extracts the relation-id list (for executor lock
// acquisition) and the full reverse-dependency key set (relations plus
// non-relation types/procedures, spec §4.7 steps 2–3) from an analyzed
// query.
func dependenciesOf(q *hostiface.AnalyzedQuery, databaseID uint64, syscache hostiface.SysCache) ([]uint32, []rdepend.Key) {
	rels := make([]uint32, 0, len(q.RangeTable))
	rdeps := make([]rdepend.Key, 0, len(q.RangeTable)+len(q.Types)+len(q.Functions))

	for _, rte := range q.RangeTable {
		rels = append(rels, rte.RelationID)
		rdeps = append(rdeps, rdepend.Key{DatabaseID: databaseID, Class: hostiface.ClassRelation, ObjectID: rte.RelationID})
	}
	for _, tr := range q.Types {
		h := tr.TypeID
		if syscache != nil {
			h = syscache.HashOf(hostiface.ClassType, tr.TypeID)
		}
		rdeps = append(rdeps, rdepend.Key{DatabaseID: databaseID, Class: hostiface.ClassType, ObjectID: h})
	}
	for _, fn := range q.Functions {
		h := fn.ProcedureID
		if syscache != nil {
			h = syscache.HashOf(hostiface.ClassProcedure, fn.ProcedureID)
		}
		rdeps = append(rdeps, rdepend.Key{DatabaseID: databaseID, Class: hostiface.ClassProcedure, ObjectID: h})
	}
	return rels, rdeps
}
