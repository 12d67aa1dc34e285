package invalidator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wbrown/sharedplan/entrytable"
	"github.com/wbrown/sharedplan/fingerprint"
	"github.com/wbrown/sharedplan/rdepend"
	"github.com/wbrown/sharedplan/shmem"
)

func TestLockForDurationUnlocksOnContextCancel(t *testing.T) {
	arena := shmem.NewHeapArena(0)
	rdeps := rdepend.NewTable(100)
	table := entrytable.NewTable(100, arena, rdeps)
	key := fingerprint.CacheKey{DatabaseID: 1, QueryID: 1}
	require.NoError(t, table.Install(key, entrytable.InstallSpec{Plan: []byte("p"), DatabaseID: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	LockForDuration(ctx, table, []fingerprint.CacheKey{key})

	e, ok := table.Lookup(key)
	require.True(t, ok)
	require.True(t, e.IsLocked())

	cancel()
	require.Eventually(t, func() bool {
		e, ok := table.Lookup(key)
		return ok && !e.IsLocked()
	}, time.Second, 5*time.Millisecond)
}
