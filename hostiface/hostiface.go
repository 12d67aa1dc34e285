// Package hostiface declares the contracts the shared plan cache expects
// from its host: the relational database process that owns the real
// planner, executor, catalog, and lock manager. The core never reaches
// into those subsystems directly; it is handed narrow interfaces instead,
// the way the teacher's storage package is handed a Store rather than
// talking to BadgerDB directly.
package hostiface

import "context"

// ObjectClass names a catalog class a dependency can belong to.
type ObjectClass uint8

const (
	ClassRelation ObjectClass = iota
	ClassType
	ClassProcedure
)

func (c ObjectClass) String() string {
	switch c {
	case ClassRelation:
		return "relation"
	case ClassType:
		return "type"
	case ClassProcedure:
		return "procedure"
	default:
		return "unknown"
	}
}

// RelKind reports what kind of relation an oid names.
type RelKind uint8

const (
	RelKindOrdinaryTable RelKind = iota
	RelKindView
	RelKindMaterializedView
	RelKindForeignTable
	RelKindPartitionedTable
	RelKindTempTable
)

// Rule describes a rewrite rule attached to a relation.
type Rule struct {
	Name      string
	IsReturn  bool // true for a "_RETURN" rule
	OnView    bool // true when attached to a simple view
}

// Literal is one constant appearing in an analyzed query tree.
type Literal struct {
	CanonicalText string
}

// RangeTableEntry is one base-table reference in an analyzed query.
type RangeTableEntry struct {
	RelationID   uint32
	IsSessionLocal bool // temp table / session-local storage
	AliasColumns []string
}

// FunctionRef is one function/procedure invocation found while analyzing
// a query.
type FunctionRef struct {
	ProcedureID      uint32
	VisibleToCurrent bool
}

// TypeRef is one type referenced by the analyzed query whose identity the
// cache must track as a non-relation dependency.
type TypeRef struct {
	TypeID uint32
}

// AnalyzedQuery is the host's fully analyzed query tree, already bound to
// catalog oids. The core only ever reads from it; it never mutates or
// re-analyzes it.
type AnalyzedQuery struct {
	QueryID          uint64 // host-normalized fingerprint, 0 means "do not cache"
	IsUtilityStmt    bool
	HasBoundParams   bool
	RowLevelSecurity bool

	RangeTable []RangeTableEntry
	Functions  []FunctionRef
	Types      []TypeRef
	Literals   []Literal

	// OutputColumnNames is q's target list output names, folded into
	// const_id per spec §4.1(b).
	OutputColumnNames []string

	// Discriminators are version-dependent flags the normalizer is known
	// to omit from QueryID: inheritance flag, limit modality, grouping
	// function level, XML element name, parameter collation, in that
	// conventional order. Folded verbatim into const_id.
	Discriminators []string

	// RowTypeDescriptor and AllOutputAttributeNames are folded in only
	// when "cache all" mode is enabled.
	RowTypeDescriptor       string
	AllOutputAttributeNames []string

	NumRangeTableEntries int
}

// Plan is an opaque, host-produced execution plan. The core never
// interprets its contents beyond the TotalCost field, which the
// cost-adjustment trick of spec §4.6 reads and sets.
type Plan struct {
	Serialized  []byte
	TotalCost   float64
	NumRTable   int
}

// Planner is the consumed planning service (spec §6, "Planner hook").
type Planner interface {
	// Plan produces a plan for the query bound to concrete parameter
	// values.
	Plan(ctx context.Context, query *AnalyzedQuery, params []any) (*Plan, error)
	// PlanGeneric produces a plan with parameters left symbolic.
	PlanGeneric(ctx context.Context, query *AnalyzedQuery) (*Plan, error)
}

// UtilityStatement is a schema-altering command intercepted by the
// invalidator.
type UtilityStatement struct {
	Kind UtilityKind

	TargetRelation uint32
	TargetProc     uint32
	TargetType     uint32
	Concurrent     bool
	InTransaction  bool

	// InheritedParents lists parent relations for CREATE TABLE ... INHERITS.
	InheritedParents []uint32
	// IsDetachPartition is set for ALTER TABLE ... DETACH PARTITION.
	IsDetachPartition bool
	// AcquiresExclusiveLock is set when the ALTER TABLE variant takes an
	// access-exclusive-grade lock.
	AcquiresExclusiveLock bool
}

// UtilityKind enumerates the schema-mutating commands the invalidator
// recognizes (spec §4.8).
type UtilityKind uint8

const (
	UtilityDropIndex UtilityKind = iota
	UtilityReindex
	UtilityDetachPartitionConcurrently
	UtilityDropFunction
	UtilityDropTable
	UtilityCreateOrReplaceFunction
	UtilityAlterTextSearchDictionary
	UtilityAlterTable
	UtilityAlterTableAttachDetachPartition
	UtilityCreateIndex
	UtilityCreateTableInherits
	UtilityAlterDomain
	UtilityAlterFunction
)

// UtilityExecutor is the consumed utility-statement hook (spec §6).
type UtilityExecutor interface {
	ExecUtility(ctx context.Context, stmt UtilityStatement) error
}

// LockManager is the consumed executor lock-manager service referenced
// by spec §4.6 step 4: acquiring the lock modes a cached plan's range
// table implies, transiently, without opening the underlying objects (so
// a dropped relation does not itself surface an error here — the
// re-probe step is what detects that the plan is stale).
type LockManager interface {
	AcquireTransientLocks(ctx context.Context, relationIDs []uint32) error
}

// SysCache is the consumed catalog-identity service (spec §6).
type SysCache interface {
	HashOf(class ObjectClass, oid uint32) uint32
	LookupRelKind(oid uint32) (RelKind, error)
	LookupRules(oid uint32) ([]Rule, error)
	LookupInheritanceParents(oid uint32) ([]uint32, error)
	LookupAllInheritors(oid uint32) ([]uint32, error)
}
