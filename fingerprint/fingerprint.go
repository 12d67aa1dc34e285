// Package fingerprint derives the composite CacheKey used to index the
// shared plan entry table, and rejects queries that must never be
// cached.
//
// The combine strategy is grounded on the teacher's
// datalog/planner/cache.go computeKeyWithOptions, which folds every
// plan-relevant clause of a query into one hash. Here the folded hash is
// xxhash (github.com/cespare/xxhash/v2, already present in the example
// corpus as BadgerDB's indirect dependency) rather than sha256, since the
// input is not adversarial and a 32/64-bit non-cryptographic combine is
// the idiomatic choice for a hot fingerprinting path.
package fingerprint

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/wbrown/sharedplan"
	"github.com/wbrown/sharedplan/hostiface"
)

// NoUser is the sentinel user_id used when row-level security is not in
// effect, so queries from different users can share one entry.
const NoUser uint64 = 0

// CacheKey fingerprints one cacheable query for the entry table (spec
// §3). Equality is fieldwise; Hash is an xxhash of the four fields.
type CacheKey struct {
	UserID     uint64
	DatabaseID uint64
	QueryID    uint64
	ConstID    uint32
}

// Hash returns a deterministic combine of the four key fields, suitable
// for bucketing in the entry table and the reverse-dependency index.
func (k CacheKey) Hash() uint64 {
	var buf [28]byte
	binary.LittleEndian.PutUint64(buf[0:8], k.UserID)
	binary.LittleEndian.PutUint64(buf[8:16], k.DatabaseID)
	binary.LittleEndian.PutUint64(buf[16:24], k.QueryID)
	binary.LittleEndian.PutUint32(buf[24:28], k.ConstID)
	return xxhash.Sum64(buf[:])
}

func (k CacheKey) String() string {
	return fmt.Sprintf("key(u=%d,db=%d,q=%d,c=%d)", k.UserID, k.DatabaseID, k.QueryID, k.ConstID)
}

// Options affect const_id derivation without changing the query itself,
// mirroring the teacher's PlannerOptions fed into computeKeyWithOptions.
type Options struct {
	CacheAll bool
}

// Build derives a CacheKey and the literal-constant count for an
// analyzed query, or reports that the query is not cacheable (spec
// §4.1's rejection policy).
func Build(q *hostiface.AnalyzedQuery, userID, databaseID uint64, opts Options) (CacheKey, int, error) {
	if q.IsUtilityStmt {
		return CacheKey{}, 0, errNotCacheable("utility statement")
	}
	if q.QueryID == 0 {
		return CacheKey{}, 0, errNotCacheable("host did not normalize a query id")
	}
	for _, rte := range q.RangeTable {
		if rte.IsSessionLocal {
			return CacheKey{}, 0, errNotCacheable("references session-local storage")
		}
	}
	for _, fn := range q.Functions {
		if !fn.VisibleToCurrent {
			return CacheKey{}, 0, errNotCacheable("function not accessible to current user")
		}
	}

	constID := deriveConstID(q, opts)

	key := CacheKey{
		UserID:     NoUser,
		DatabaseID: databaseID,
		QueryID:    q.QueryID,
		ConstID:    constID,
	}
	if q.RowLevelSecurity {
		key.UserID = userID
	}
	return key, len(q.Literals), nil
}

// CheckRules rejects queries against relations that carry rewrite rules
// other than a single "_RETURN" rule on a simple view, per spec §4.1.
// Callers pass the rules attached to each range-table relation (obtained
// from hostiface.SysCache.LookupRules) since AnalyzedQuery itself carries
// only oids.
func CheckRules(rulesByRelation map[uint32][]hostiface.Rule) error {
	for _, rules := range rulesByRelation {
		if len(rules) == 0 {
			continue
		}
		if len(rules) == 1 && rules[0].IsReturn && rules[0].OnView {
			continue
		}
		return errNotCacheable("relation carries non-_RETURN rewrite rules")
	}
	return nil
}

// deriveConstID walks the analyzed tree and folds literals plus the
// version-dependent discriminators the host's normalizer is known to
// omit from QueryID (spec §4.1).
func deriveConstID(q *hostiface.AnalyzedQuery, opts Options) uint32 {
	d := xxhash.New()

	for _, lit := range q.Literals {
		_, _ = d.WriteString(lit.CanonicalText)
		_, _ = d.Write([]byte{0})
	}

	for _, rte := range q.RangeTable {
		for _, col := range rte.AliasColumns {
			_, _ = d.WriteString(col)
			_, _ = d.Write([]byte{0})
		}
	}

	for _, name := range q.OutputColumnNames {
		_, _ = d.WriteString(name)
		_, _ = d.Write([]byte{0})
	}

	for _, disc := range q.Discriminators {
		_, _ = d.WriteString(disc)
		_, _ = d.Write([]byte{0})
	}

	if opts.CacheAll {
		_, _ = d.WriteString(q.RowTypeDescriptor)
		_, _ = d.Write([]byte{0})
		for _, attr := range q.AllOutputAttributeNames {
			_, _ = d.WriteString(attr)
			_, _ = d.Write([]byte{0})
		}
	}

	return uint32(d.Sum64())
}

type rejectedError struct{ reason string }

func (e *rejectedError) Error() string { return "sharedplan: not cacheable: " + e.reason }

func (e *rejectedError) Unwrap() error { return sharedplan.ErrNotCacheable }

func errNotCacheable(reason string) error { return &rejectedError{reason: reason} }
