package mempool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memtrack/pool"
	"github.com/joshuapare/memtrack/provider/arena"
	"github.com/joshuapare/memtrack/tracker"
)

func newArena(t *testing.T, base uintptr) *arena.Arena {
	t.Helper()
	a, err := arena.New(arena.Options{Name: "arena", Base: base, Size: 1 << 20})
	require.NoError(t, err)
	return a
}

func newTestPool(t *testing.T, name string, base uintptr) *Pool {
	t.Helper()
	p, err := New(name, newArena(t, base))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.FreeAll()
		_ = p.Destroy()
	})
	return p
}

func TestPool_MallocFree(t *testing.T) {
	p := newTestPool(t, "malloc", 0x100_0000)

	ptr, err := p.Malloc(100)
	require.NoError(t, err)
	assert.Zero(t, ptr%DefaultAlignment)

	n, bytes := p.Owned()
	assert.Equal(t, 1, n)
	assert.Equal(t, uint(100), bytes)

	require.NoError(t, p.Free(ptr))
	n, _ = p.Owned()
	assert.Zero(t, n)

	require.ErrorIs(t, p.Free(ptr), tracker.ErrNotFound)
}

func TestPool_AlignedMalloc(t *testing.T) {
	p := newTestPool(t, "aligned", 0x200_0000)

	ptr, err := p.AlignedMalloc(64, 4096)
	require.NoError(t, err)
	assert.Zero(t, ptr%4096)
}

func TestFree_Dispatch(t *testing.T) {
	p1 := newTestPool(t, "P1", 0x300_0000)
	p2 := newTestPool(t, "P2", 0x400_0000)

	a, err := p1.Malloc(4096)
	require.NoError(t, err)
	b, err := p2.Malloc(100)
	require.NoError(t, err)

	got, err := ByPointer(a + 4095)
	require.NoError(t, err)
	assert.Same(t, p1, got)
	got, err = ByPointer(b)
	require.NoError(t, err)
	assert.Same(t, p2, got)

	require.NoError(t, Free(b))
	require.NoError(t, Free(a))
	require.ErrorIs(t, Free(a), tracker.ErrNotFound)

	_, err = ByPointer(0x10)
	require.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestFree_UnregisteredOwner(t *testing.T) {
	tr, err := tracker.Get()
	require.NoError(t, err)

	stray := pool.NewHandle("stray")
	require.NoError(t, tr.RecordAlloc(0x500_0000, 64, stray))
	t.Cleanup(func() { _, _ = tr.RecordFree(0x500_0000) })

	require.ErrorIs(t, Free(0x500_0000), ErrUnknownPool)
}

func TestPool_SplitMerge(t *testing.T) {
	p := newTestPool(t, "split", 0x600_0000)

	ptr, err := p.Malloc(4096)
	require.NoError(t, err)

	require.NoError(t, p.Split(ptr, 4096, 1024))
	n, bytes := p.Owned()
	assert.Equal(t, 2, n)
	assert.Equal(t, uint(4096), bytes)

	// Each half can be freed on its own, or merged back.
	require.NoError(t, p.Merge(ptr, ptr+1024, 4096))
	n, _ = p.Owned()
	assert.Equal(t, 1, n)
	require.NoError(t, Free(ptr))
}

func TestPool_Destroy(t *testing.T) {
	up := newArena(t, 0x700_0000)
	p, err := New("destroy", up)
	require.NoError(t, err)

	ptr, err := p.Malloc(256)
	require.NoError(t, err)

	require.NoError(t, p.Destroy())
	require.NoError(t, p.Destroy(), "idempotent")

	_, err = p.Malloc(16)
	require.ErrorIs(t, err, ErrDestroyed)
	require.ErrorIs(t, p.Split(ptr, 256, 128), ErrDestroyed)

	// The leaked range is still attributed, but no registered pool owns it.
	require.ErrorIs(t, Free(ptr), ErrUnknownPool)

	require.NoError(t, p.FreeAll())
	assert.Zero(t, up.Stats().LiveBlocks)
}

func TestNewWithTracker(t *testing.T) {
	tr, err := tracker.New()
	require.NoError(t, err)
	defer tr.Destroy()

	_, err = NewWithTracker("nil", nil, tr)
	require.ErrorIs(t, err, tracker.ErrInvalidArgument)

	p, err := NewWithTracker("own", newArena(t, 0x800_0000), tr)
	require.NoError(t, err)
	defer p.Destroy()

	ptr, err := p.Malloc(32)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Len())
	require.NoError(t, p.Free(ptr))
	assert.Equal(t, "own", p.Name())
	assert.Same(t, p.Handle(), p.Provider().Pool())
}
