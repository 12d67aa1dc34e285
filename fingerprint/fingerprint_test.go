package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wbrown/sharedplan/hostiface"
)

func sampleQuery() *hostiface.AnalyzedQuery {
	return &hostiface.AnalyzedQuery{
		QueryID: 42,
		RangeTable: []hostiface.RangeTableEntry{
			{RelationID: 1001, AliasColumns: []string{"id", "name"}},
		},
		Functions: []hostiface.FunctionRef{
			{ProcedureID: 55, VisibleToCurrent: true},
		},
		Literals: []hostiface.Literal{
			{CanonicalText: "1"},
		},
		OutputColumnNames: []string{"id"},
	}
}

func TestBuild_SameQuerySameKey(t *testing.T) {
	q := sampleQuery()
	k1, numConst1, err := Build(q, NoUser, 7, Options{})
	require.NoError(t, err)
	k2, numConst2, err := Build(q, NoUser, 7, Options{})
	require.NoError(t, err)

	require.Equal(t, k1, k2)
	require.Equal(t, numConst1, numConst2)
	require.Equal(t, k1.Hash(), k2.Hash())
}

func TestBuild_DifferentLiteralsDifferentConstID(t *testing.T) {
	q1 := sampleQuery()
	q2 := sampleQuery()
	q2.Literals = []hostiface.Literal{{CanonicalText: "2"}}

	k1, _, err := Build(q1, NoUser, 7, Options{})
	require.NoError(t, err)
	k2, _, err := Build(q2, NoUser, 7, Options{})
	require.NoError(t, err)

	require.Equal(t, k1.QueryID, k2.QueryID)
	require.NotEqual(t, k1.ConstID, k2.ConstID)
}

func TestBuild_RowLevelSecurityIsolatesUsers(t *testing.T) {
	q := sampleQuery()
	q.RowLevelSecurity = true

	kAlice, _, err := Build(q, 1, 7, Options{})
	require.NoError(t, err)
	kBob, _, err := Build(q, 2, 7, Options{})
	require.NoError(t, err)

	require.NotEqual(t, kAlice, kBob)
	require.Equal(t, uint64(1), kAlice.UserID)
	require.Equal(t, uint64(2), kBob.UserID)
}

func TestBuild_NoRLSSharesSentinelUser(t *testing.T) {
	q := sampleQuery()
	kAlice, _, err := Build(q, 1, 7, Options{})
	require.NoError(t, err)
	kBob, _, err := Build(q, 2, 7, Options{})
	require.NoError(t, err)

	require.Equal(t, kAlice, kBob)
	require.Equal(t, NoUser, kAlice.UserID)
}

func TestBuild_RejectsUtilityStatement(t *testing.T) {
	q := sampleQuery()
	q.IsUtilityStmt = true
	_, _, err := Build(q, NoUser, 7, Options{})
	require.Error(t, err)
}

func TestBuild_RejectsZeroQueryID(t *testing.T) {
	q := sampleQuery()
	q.QueryID = 0
	_, _, err := Build(q, NoUser, 7, Options{})
	require.Error(t, err)
}

func TestBuild_RejectsSessionLocalRelation(t *testing.T) {
	q := sampleQuery()
	q.RangeTable[0].IsSessionLocal = true
	_, _, err := Build(q, NoUser, 7, Options{})
	require.Error(t, err)
}

func TestBuild_RejectsInaccessibleFunction(t *testing.T) {
	q := sampleQuery()
	q.Functions[0].VisibleToCurrent = false
	_, _, err := Build(q, NoUser, 7, Options{})
	require.Error(t, err)
}

func TestCheckRules_RejectsNonReturnRules(t *testing.T) {
	rules := map[uint32][]hostiface.Rule{
		100: {{Name: "audit_trigger"}},
	}
	require.Error(t, CheckRules(rules))
}

func TestCheckRules_AllowsSingleReturnRuleOnView(t *testing.T) {
	rules := map[uint32][]hostiface.Rule{
		100: {{Name: "_RETURN", IsReturn: true, OnView: true}},
	}
	require.NoError(t, CheckRules(rules))
}

func TestCheckRules_AllowsNoRules(t *testing.T) {
	rules := map[uint32][]hostiface.Rule{
		100: {},
	}
	require.NoError(t, CheckRules(rules))
}

func TestBuild_CacheAllFoldsRowType(t *testing.T) {
	q := sampleQuery()
	q.RowTypeDescriptor = "record(id int, name text)"
	q.AllOutputAttributeNames = []string{"id", "name"}

	withOff, _, err := Build(q, NoUser, 7, Options{CacheAll: false})
	require.NoError(t, err)
	withOn, _, err := Build(q, NoUser, 7, Options{CacheAll: true})
	require.NoError(t, err)

	require.NotEqual(t, withOff.ConstID, withOn.ConstID)
}
