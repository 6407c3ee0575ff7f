//go:build linux

package mmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memtrack/provider"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNew_RejectsBadPageSize(t *testing.T) {
	_, err := New(Options{PageSize: 3000})
	require.ErrorIs(t, err, provider.ErrInvalidArgument)
}

func TestProvider_AllocWriteFree(t *testing.T) {
	p := newTestProvider(t)
	page := p.MinPageSize()

	ptr, err := p.Alloc(100, 0)
	require.NoError(t, err)
	assert.Zero(t, ptr%uintptr(page))

	b, err := p.Bytes(ptr)
	require.NoError(t, err)
	require.Len(t, b, int(page))
	b[0], b[len(b)-1] = 0xAB, 0xCD
	assert.Equal(t, byte(0xAB), b[0])

	require.ErrorIs(t, p.Free(ptr, 2*page+1), provider.ErrInvalidPointer)
	require.NoError(t, p.Free(ptr, 100))
	require.ErrorIs(t, p.Free(ptr, 100), provider.ErrInvalidPointer)
}

func TestProvider_LargeAlignment(t *testing.T) {
	p := newTestProvider(t)
	const align = 1 << 21

	ptr, err := p.Alloc(4096, align)
	require.NoError(t, err)
	assert.Zero(t, ptr%align)
	require.NoError(t, p.Free(ptr, 4096))

	_, err = p.Alloc(4096, 3)
	require.ErrorIs(t, err, provider.ErrInvalidArgument)
	_, err = p.Alloc(0, 0)
	require.ErrorIs(t, err, provider.ErrInvalidArgument)
}

func TestProvider_SplitMerge(t *testing.T) {
	p := newTestProvider(t)
	page := p.MinPageSize()
	total := 4 * page

	ptr, err := p.Alloc(total, 0)
	require.NoError(t, err)

	require.ErrorIs(t, p.AllocationSplit(ptr, total, page/2), provider.ErrInvalidArgument)
	require.NoError(t, p.AllocationSplit(ptr, total, page))

	high := ptr + uintptr(page)
	hb, err := p.Bytes(high)
	require.NoError(t, err)
	assert.Len(t, hb, int(3*page))

	require.NoError(t, p.AllocationMerge(ptr, high, total))
	require.ErrorIs(t, p.AllocationMerge(ptr, high, total), provider.ErrInvalidPointer)

	// split then free the halves separately
	require.NoError(t, p.AllocationSplit(ptr, total, page))
	require.NoError(t, p.Free(ptr, page))
	require.NoError(t, p.Free(high, 3*page))
}

func TestProvider_Purge(t *testing.T) {
	p := newTestProvider(t)
	page := p.MinPageSize()

	ptr, err := p.Alloc(2*page, 0)
	require.NoError(t, err)
	b, err := p.Bytes(ptr)
	require.NoError(t, err)
	b[0] = 7

	require.NoError(t, p.PurgeForce(ptr, page))
	assert.Zero(t, b[0], "MADV_DONTNEED on private anonymous memory zero-fills")

	require.NoError(t, p.PurgeLazy(ptr+uintptr(page), page))
	require.ErrorIs(t, p.PurgeLazy(ptr+1, page), provider.ErrInvalidArgument)
	require.ErrorIs(t, p.PurgeForce(ptr, 3*page), provider.ErrInvalidPointer)
}
