package invalidator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wbrown/sharedplan/entrytable"
	"github.com/wbrown/sharedplan/fingerprint"
	"github.com/wbrown/sharedplan/hostiface"
	"github.com/wbrown/sharedplan/rdepend"
	"github.com/wbrown/sharedplan/shmem"
)

type fakeSysCache struct {
	parents    map[uint32][]uint32
	inheritors map[uint32][]uint32
}

func (f fakeSysCache) HashOf(class hostiface.ObjectClass, oid uint32) uint32 { return oid }
func (f fakeSysCache) LookupRelKind(oid uint32) (hostiface.RelKind, error) {
	return hostiface.RelKindOrdinaryTable, nil
}
func (f fakeSysCache) LookupRules(oid uint32) ([]hostiface.Rule, error) { return nil, nil }
func (f fakeSysCache) LookupInheritanceParents(oid uint32) ([]uint32, error) {
	return f.parents[oid], nil
}
func (f fakeSysCache) LookupAllInheritors(oid uint32) ([]uint32, error) {
	return f.inheritors[oid], nil
}

type fakeSess struct{ forced bool }

func (f *fakeSess) ForceReadOnly() { f.forced = true }

func newFixture(hostiface.SysCache) (*entrytable.Table, *rdepend.Table) {
	arena := shmem.NewHeapArena(0)
	rdeps := rdepend.NewTable(1000)
	table := entrytable.NewTable(100, arena, rdeps)
	return table, rdeps
}

func install(t *testing.T, table *entrytable.Table, qid uint64, relID uint32) fingerprint.CacheKey {
	key := fingerprint.CacheKey{DatabaseID: 1, QueryID: qid}
	err := table.Install(key, entrytable.InstallSpec{
		Plan:        []byte("plan"),
		DatabaseID:  1,
		Rels:        []uint32{relID},
		Rdeps:       []rdepend.Key{{DatabaseID: 1, Class: hostiface.ClassRelation, ObjectID: relID}},
	})
	require.NoError(t, err)
	return key
}

func TestDropIndexNonConcurrentDiscardsImmediately(t *testing.T) {
	table, rdeps := newFixture(nil)
	inv := New(table, rdeps, fakeSysCache{}, 1)
	key := install(t, table, 1, 10)

	p, err := inv.Before(context.Background(), hostiface.UtilityStatement{Kind: hostiface.UtilityDropIndex, TargetRelation: 10})
	require.NoError(t, err)

	snap, ok := table.Snapshot(key)
	require.True(t, ok)
	require.Equal(t, entrytable.PlanDiscarded, snap.State)

	sess := &fakeSess{}
	require.NoError(t, inv.After(context.Background(), hostiface.UtilityStatement{Kind: hostiface.UtilityDropIndex}, p, sess))
	require.True(t, sess.forced)
}

func TestDropIndexConcurrentLocksThenUnlocks(t *testing.T) {
	table, rdeps := newFixture(nil)
	inv := New(table, rdeps, fakeSysCache{}, 1)
	key := install(t, table, 1, 10)

	p, err := inv.Before(context.Background(), hostiface.UtilityStatement{Kind: hostiface.UtilityDropIndex, TargetRelation: 10, Concurrent: true})
	require.NoError(t, err)
	require.Len(t, p.lockedKeys, 1)

	e, ok := table.Lookup(key)
	require.True(t, ok)
	require.True(t, e.IsLocked())
	require.Equal(t, entrytable.PlanDiscarded, e.State())

	require.NoError(t, inv.After(context.Background(), hostiface.UtilityStatement{Kind: hostiface.UtilityDropIndex}, p, nil))
	e, ok = table.Lookup(key)
	require.True(t, ok)
	require.False(t, e.IsLocked())
}

func TestDropTableQueuesEvictionForPostExecution(t *testing.T) {
	table, rdeps := newFixture(nil)
	inv := New(table, rdeps, fakeSysCache{}, 1)
	key := install(t, table, 1, 10)

	p, err := inv.Before(context.Background(), hostiface.UtilityStatement{Kind: hostiface.UtilityDropTable, TargetRelation: 10})
	require.NoError(t, err)

	_, ok := table.Lookup(key)
	require.True(t, ok, "entry must survive until After applies the queued eviction")

	sess := &fakeSess{}
	require.NoError(t, inv.After(context.Background(), hostiface.UtilityStatement{Kind: hostiface.UtilityDropTable}, p, sess))

	_, ok = table.Lookup(key)
	require.False(t, ok)
	require.True(t, sess.forced)
}

func TestAlterTextSearchDictionaryRejectsInTransaction(t *testing.T) {
	table, rdeps := newFixture(nil)
	inv := New(table, rdeps, fakeSysCache{}, 1)

	_, err := inv.Before(context.Background(), hostiface.UtilityStatement{Kind: hostiface.UtilityAlterTextSearchDictionary, InTransaction: true})
	require.Error(t, err)
}

func TestAlterTextSearchDictionaryResetsEverythingOutsideTransaction(t *testing.T) {
	table, rdeps := newFixture(nil)
	inv := New(table, rdeps, fakeSysCache{}, 1)
	install(t, table, 1, 10)
	install(t, table, 2, 20)

	p, err := inv.Before(context.Background(), hostiface.UtilityStatement{Kind: hostiface.UtilityAlterTextSearchDictionary})
	require.NoError(t, err)

	sess := &fakeSess{}
	require.NoError(t, inv.After(context.Background(), hostiface.UtilityStatement{}, p, sess))
	require.Equal(t, 0, table.NumEntries())
	require.True(t, sess.forced)
}

func TestAlterTableExclusiveLockDiscardsAncestorsAndInheritors(t *testing.T) {
	sc := fakeSysCache{
		parents:    map[uint32][]uint32{10: {1}},
		inheritors: map[uint32][]uint32{10: {100}},
	}
	table, rdeps := newFixture(sc)
	inv := New(table, rdeps, sc, 1)

	keyParent := install(t, table, 1, 1)
	keyTarget := install(t, table, 2, 10)
	keyChild := install(t, table, 3, 100)

	sess := &fakeSess{}
	stmt := hostiface.UtilityStatement{Kind: hostiface.UtilityAlterTable, TargetRelation: 10, AcquiresExclusiveLock: true}
	require.NoError(t, inv.After(context.Background(), stmt, nil, sess))

	for _, k := range []fingerprint.CacheKey{keyParent, keyTarget, keyChild} {
		snap, ok := table.Snapshot(k)
		require.True(t, ok)
		require.Equal(t, entrytable.PlanDiscarded, snap.State)
	}
	require.True(t, sess.forced)
}

func TestAlterTableDetachPartitionSkipsInheritors(t *testing.T) {
	sc := fakeSysCache{inheritors: map[uint32][]uint32{10: {100}}}
	table, rdeps := newFixture(sc)
	inv := New(table, rdeps, sc, 1)

	install(t, table, 1, 10)
	keyChild := install(t, table, 2, 100)

	stmt := hostiface.UtilityStatement{Kind: hostiface.UtilityAlterTable, TargetRelation: 10, AcquiresExclusiveLock: true, IsDetachPartition: true}
	require.NoError(t, inv.After(context.Background(), stmt, nil, nil))

	snap, ok := table.Snapshot(keyChild)
	require.True(t, ok)
	require.Equal(t, entrytable.PlanLive, snap.State, "detach partition must not cascade to inheritors")
}

func TestCreateTableInheritsDiscardsEachParent(t *testing.T) {
	table, rdeps := newFixture(nil)
	inv := New(table, rdeps, fakeSysCache{}, 1)
	keyA := install(t, table, 1, 1)
	keyB := install(t, table, 2, 2)

	stmt := hostiface.UtilityStatement{Kind: hostiface.UtilityCreateTableInherits, InheritedParents: []uint32{1, 2}}
	require.NoError(t, inv.After(context.Background(), stmt, nil, nil))

	for _, k := range []fingerprint.CacheKey{keyA, keyB} {
		snap, ok := table.Snapshot(k)
		require.True(t, ok)
		require.Equal(t, entrytable.PlanDiscarded, snap.State)
	}
}

func TestNoChangeDoesNotForceReadOnly(t *testing.T) {
	table, rdeps := newFixture(nil)
	inv := New(table, rdeps, fakeSysCache{}, 1)
	sess := &fakeSess{}

	stmt := hostiface.UtilityStatement{Kind: hostiface.UtilityAlterTable, TargetRelation: 999, AcquiresExclusiveLock: true}
	require.NoError(t, inv.After(context.Background(), stmt, nil, sess))
	require.False(t, sess.forced)
}
