package shmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBadgerArena_AllocWriteDerefFree(t *testing.T) {
	dir := t.TempDir()
	a, err := NewBadgerArena(dir, 0)
	require.NoError(t, err)
	defer a.Close()

	h, ok := a.Alloc(5)
	require.True(t, ok)

	a.Write(h, []byte("plan!"))
	require.Equal(t, []byte("plan!"), a.Deref(h))

	a.Free(h, 5)
	require.Nil(t, a.Deref(h))
	require.Equal(t, int64(0), a.AllocedSize())
}

func TestBadgerArena_RespectsBudget(t *testing.T) {
	dir := t.TempDir()
	a, err := NewBadgerArena(dir, 8)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Alloc(8)
	require.True(t, ok)

	_, ok = a.Alloc(1)
	require.False(t, ok)
}
