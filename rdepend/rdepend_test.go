package rdepend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wbrown/sharedplan/fingerprint"
	"github.com/wbrown/sharedplan/hostiface"
)

func relDep(db uint64, oid uint32) Key {
	return Key{DatabaseID: db, Class: hostiface.ClassRelation, ObjectID: oid}
}

func TestRegisterLookupUnregister(t *testing.T) {
	tbl := NewTable(10)
	dep := relDep(1, 100)
	k1 := fingerprint.CacheKey{DatabaseID: 1, QueryID: 1}
	k2 := fingerprint.CacheKey{DatabaseID: 1, QueryID: 2}

	require.Equal(t, RegisterOK, tbl.Register(k1, dep))
	require.Equal(t, RegisterOK, tbl.Register(k2, dep))

	keys := tbl.LookupKeys(dep)
	require.ElementsMatch(t, []fingerprint.CacheKey{k1, k2}, keys)

	tbl.Unregister(k1, dep)
	keys = tbl.LookupKeys(dep)
	require.Equal(t, []fingerprint.CacheKey{k2}, keys)

	tbl.Unregister(k2, dep)
	require.Nil(t, tbl.LookupKeys(dep))
}

func TestRegisterIsIdempotent(t *testing.T) {
	tbl := NewTable(10)
	dep := relDep(1, 100)
	k1 := fingerprint.CacheKey{DatabaseID: 1, QueryID: 1}

	require.Equal(t, RegisterOK, tbl.Register(k1, dep))
	require.Equal(t, RegisterOK, tbl.Register(k1, dep))
	require.Equal(t, 1, tbl.NumKeys(dep))
}

func TestRegisterOverflow(t *testing.T) {
	tbl := NewTable(2)
	dep := relDep(1, 100)

	require.Equal(t, RegisterOK, tbl.Register(fingerprint.CacheKey{QueryID: 1}, dep))
	require.Equal(t, RegisterOK, tbl.Register(fingerprint.CacheKey{QueryID: 2}, dep))
	require.Equal(t, RegisterOverflow, tbl.Register(fingerprint.CacheKey{QueryID: 3}, dep))
	require.Equal(t, 2, tbl.NumKeys(dep))
}

func TestLookupKeysReturnsCopyNotAlias(t *testing.T) {
	tbl := NewTable(10)
	dep := relDep(1, 100)
	k1 := fingerprint.CacheKey{QueryID: 1}
	require.Equal(t, RegisterOK, tbl.Register(k1, dep))

	snap := tbl.LookupKeys(dep)
	snap[0].QueryID = 999

	fresh := tbl.LookupKeys(dep)
	require.Equal(t, uint64(1), fresh[0].QueryID)
}

func TestUnregisterUnknownKeyIsNoop(t *testing.T) {
	tbl := NewTable(10)
	dep := relDep(1, 100)
	require.NotPanics(t, func() {
		tbl.Unregister(fingerprint.CacheKey{QueryID: 1}, dep)
	})
}

func TestDistinctDependenciesAreIndependent(t *testing.T) {
	tbl := NewTable(10)
	depA := relDep(1, 100)
	depB := relDep(1, 200)
	k1 := fingerprint.CacheKey{QueryID: 1}

	tbl.Register(k1, depA)
	require.Equal(t, 1, tbl.NumKeys(depA))
	require.Equal(t, 0, tbl.NumKeys(depB))
}
