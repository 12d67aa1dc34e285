// Package invalidator is the utility-statement interceptor (spec §4.8):
// it inspects catalog-mutating commands before and after execution,
// resolves affected objects to cache keys through the reverse-dependency
// index, and instructs the entry table to discard, evict, or temporarily
// lock the affected entries.
package invalidator

import (
	"context"
	"fmt"

	"github.com/wbrown/sharedplan/entrytable"
	"github.com/wbrown/sharedplan/fingerprint"
	"github.com/wbrown/sharedplan/hostiface"
	"github.com/wbrown/sharedplan/rdepend"
)

// ReadOnlyForcer is the one capability the invalidator needs from a
// planner session: after any discard/evict batch, the session must stop
// populating the cache for the remainder of its transaction (spec
// §4.8's closing paragraph). Declared here rather than importing
// interceptor.Session directly, so invalidator depends only on the
// narrow capability it uses.
type ReadOnlyForcer interface {
	ForceReadOnly()
}

// Pending carries state collected in Before that After needs to finish
// the job once the host has actually executed the statement.
type Pending struct {
	lockedKeys       []fingerprint.CacheKey
	pendingEvictDeps []rdepend.Key
	pendingDiscDeps  []rdepend.Key
	fullReset        bool
	anyChange        bool
}

// Invalidator ties one database's entry table and reverse-dependency
// index to the host's utility-statement hook and syscache.
type Invalidator struct {
	table      *entrytable.Table
	rdeps      *rdepend.Table
	syscache   hostiface.SysCache
	databaseID uint64
}

// New returns an Invalidator scoped to one database (spec §1: every
// entry and therefore every invalidation is scoped to one database).
func New(table *entrytable.Table, rdeps *rdepend.Table, syscache hostiface.SysCache, databaseID uint64) *Invalidator {
	return &Invalidator{table: table, rdeps: rdeps, syscache: syscache, databaseID: databaseID}
}

// Before implements the pre-execution half of spec §4.8, needed for
// mutations that must act before the host commits them (concurrent index
// operations, drops that remove the catalog row the post-execution hook
// would otherwise need to resolve).
func (inv *Invalidator) Before(ctx context.Context, stmt hostiface.UtilityStatement) (*Pending, error) {
	p := &Pending{}

	switch stmt.Kind {
	case hostiface.UtilityDropIndex, hostiface.UtilityReindex:
		if stmt.Concurrent {
			p.lockedKeys = inv.lockByRelation(stmt.TargetRelation)
		} else {
			if inv.discardByRelation(stmt.TargetRelation) > 0 {
				p.anyChange = true
			}
		}

	case hostiface.UtilityDetachPartitionConcurrently:
		p.lockedKeys = inv.lockByRelation(stmt.TargetRelation)

	case hostiface.UtilityDropFunction:
		p.pendingEvictDeps = append(p.pendingEvictDeps, inv.procDep(stmt.TargetProc))

	case hostiface.UtilityDropTable:
		p.pendingEvictDeps = append(p.pendingEvictDeps, inv.relDep(stmt.TargetRelation))

	case hostiface.UtilityCreateOrReplaceFunction:
		if inv.discardByProc(stmt.TargetProc) > 0 {
			p.anyChange = true
		}

	case hostiface.UtilityAlterTextSearchDictionary:
		if stmt.InTransaction {
			return nil, fmt.Errorf("sharedplan/invalidator: ALTER TEXT SEARCH DICTIONARY requires a full cache reset and cannot run inside a transaction block")
		}
		p.fullReset = true
	}

	return p, nil
}

// After implements the post-execution half of spec §4.8: relation
// hierarchy discards, the queued pre-execution evict/discard items, and
// unlocking anything Before locked.
func (inv *Invalidator) After(ctx context.Context, stmt hostiface.UtilityStatement, p *Pending, sess ReadOnlyForcer) error {
	if p == nil {
		p = &Pending{}
	}

	switch stmt.Kind {
	case hostiface.UtilityAlterTable:
		if stmt.AcquiresExclusiveLock {
			n := inv.discardByRelation(stmt.TargetRelation)
			n += inv.discardAncestors(stmt.TargetRelation)
			if !stmt.IsDetachPartition {
				n += inv.discardInheritors(stmt.TargetRelation)
			}
			if n > 0 {
				p.anyChange = true
			}
		}

	case hostiface.UtilityAlterTableAttachDetachPartition:
		n := inv.discardByRelation(stmt.TargetRelation)
		n += inv.discardAncestors(stmt.TargetRelation)
		if n > 0 {
			p.anyChange = true
		}

	case hostiface.UtilityCreateIndex:
		n := inv.discardByRelation(stmt.TargetRelation)
		n += inv.discardAncestors(stmt.TargetRelation)
		n += inv.discardInheritors(stmt.TargetRelation)
		if n > 0 {
			p.anyChange = true
		}

	case hostiface.UtilityCreateTableInherits:
		var n int
		for _, parent := range stmt.InheritedParents {
			n += inv.discardByRelation(parent)
			n += inv.discardAncestors(parent)
		}
		if n > 0 {
			p.anyChange = true
		}

	case hostiface.UtilityAlterDomain:
		if inv.discardByType(stmt.TargetType) > 0 {
			p.anyChange = true
		}

	case hostiface.UtilityAlterFunction:
		if inv.discardByProc(stmt.TargetProc) > 0 {
			p.anyChange = true
		}
	}

	for _, dep := range p.pendingEvictDeps {
		keys := inv.rdeps.LookupKeys(dep)
		for _, k := range keys {
			if inv.table.Evict(k) {
				p.anyChange = true
			}
		}
	}
	for _, dep := range p.pendingDiscDeps {
		keys := inv.rdeps.LookupKeys(dep)
		for _, k := range keys {
			if inv.table.Discard(k) {
				p.anyChange = true
			}
		}
	}

	for _, k := range p.lockedKeys {
		inv.table.Unlock(k)
	}

	if p.fullReset {
		inv.table.ResetMatching(func(fingerprint.CacheKey) bool { return true })
		p.anyChange = true
	}

	if p.anyChange && sess != nil {
		sess.ForceReadOnly()
	}

	return nil
}

func (inv *Invalidator) relDep(relID uint32) rdepend.Key {
	return rdepend.Key{DatabaseID: inv.databaseID, Class: hostiface.ClassRelation, ObjectID: relID}
}

func (inv *Invalidator) procDep(procID uint32) rdepend.Key {
	h := procID
	if inv.syscache != nil {
		h = inv.syscache.HashOf(hostiface.ClassProcedure, procID)
	}
	return rdepend.Key{DatabaseID: inv.databaseID, Class: hostiface.ClassProcedure, ObjectID: h}
}

func (inv *Invalidator) typeDep(typeID uint32) rdepend.Key {
	h := typeID
	if inv.syscache != nil {
		h = inv.syscache.HashOf(hostiface.ClassType, typeID)
	}
	return rdepend.Key{DatabaseID: inv.databaseID, Class: hostiface.ClassType, ObjectID: h}
}

func (inv *Invalidator) discardByRelation(relID uint32) int {
	return inv.discardByDep(inv.relDep(relID))
}

func (inv *Invalidator) discardByProc(procID uint32) int {
	return inv.discardByDep(inv.procDep(procID))
}

func (inv *Invalidator) discardByType(typeID uint32) int {
	return inv.discardByDep(inv.typeDep(typeID))
}

func (inv *Invalidator) discardByDep(dep rdepend.Key) int {
	n := 0
	for _, k := range inv.rdeps.LookupKeys(dep) {
		if inv.table.Discard(k) {
			n++
		}
	}
	return n
}

func (inv *Invalidator) lockByRelation(relID uint32) []fingerprint.CacheKey {
	keys := inv.rdeps.LookupKeys(inv.relDep(relID))
	locked := make([]fingerprint.CacheKey, 0, len(keys))
	for _, k := range keys {
		if inv.table.Lock(k) {
			locked = append(locked, k)
		}
	}
	return locked
}

// discardAncestors walks the relation's inheritance parents transitively
// (spec §4.8's "inheritance ancestors (transitive)") and discards any
// plan depending on each.
func (inv *Invalidator) discardAncestors(relID uint32) int {
	if inv.syscache == nil {
		return 0
	}
	n := 0
	seen := map[uint32]bool{relID: true}
	frontier := []uint32{relID}
	for len(frontier) > 0 {
		var next []uint32
		for _, id := range frontier {
			parents, err := inv.syscache.LookupInheritanceParents(id)
			if err != nil {
				continue
			}
			for _, p := range parents {
				if seen[p] {
					continue
				}
				seen[p] = true
				n += inv.discardByRelation(p)
				next = append(next, p)
			}
		}
		frontier = next
	}
	return n
}

// discardInheritors discards plans on every relation that inherits from
// relID (spec §4.8's "on all inheritors").
func (inv *Invalidator) discardInheritors(relID uint32) int {
	if inv.syscache == nil {
		return 0
	}
	children, err := inv.syscache.LookupAllInheritors(relID)
	if err != nil {
		return 0
	}
	n := 0
	for _, c := range children {
		n += inv.discardByRelation(c)
	}
	return n
}
