//go:build !linux

package mmap

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/memtrack/internal/addr"
	"github.com/joshuapare/memtrack/provider"
)

// Provider hands out page-aligned views into pinned heap buffers when
// anonymous mappings are unavailable.
type Provider struct {
	mu       sync.Mutex
	name     string
	pageSize uint
	bufs     map[uintptr][]byte // base -> backing buffer (keeps it reachable)
	sizes    map[uintptr]uint
}

var (
	_ provider.Provider  = (*Provider)(nil)
	_ provider.PageSizer = (*Provider)(nil)
)

// New creates a heap-backed provider.
func New(opts Options) (*Provider, error) {
	opts.setDefaults()
	if !addr.IsPowerOfTwo(opts.PageSize) {
		return nil, errors.Wrapf(provider.ErrInvalidArgument, "mmap: page size %d is not a power of two", opts.PageSize)
	}
	return &Provider{
		name:     opts.Name,
		pageSize: opts.PageSize,
		bufs:     make(map[uintptr][]byte),
		sizes:    make(map[uintptr]uint),
	}, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Alloc implements provider.Provider.
func (p *Provider) Alloc(size, alignment uint) (uintptr, error) {
	if size == 0 {
		return 0, errors.Wrap(provider.ErrInvalidArgument, "mmap: zero size")
	}
	if alignment != 0 && !addr.IsPowerOfTwo(alignment) {
		return 0, errors.Wrapf(provider.ErrInvalidArgument, "mmap: alignment %d is not a power of two", alignment)
	}
	align := max(alignment, p.pageSize)
	length, ok := addr.AlignUp(size, p.pageSize)
	if !ok || length+align < length {
		return 0, errors.Wrapf(provider.ErrOutOfMemory, "mmap: size %d overflows", size)
	}

	buf := make([]byte, length+align)
	start := unsafe.Pointer(unsafe.SliceData(buf))
	base, _ := addr.AlignPtr(uintptr(start), align)

	p.mu.Lock()
	p.bufs[base] = buf
	p.sizes[base] = length
	p.mu.Unlock()
	return base, nil
}

// Free implements provider.Provider.
func (p *Provider) Free(ptr uintptr, size uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	got, ok := p.sizes[ptr]
	if !ok {
		return errors.Wrapf(provider.ErrInvalidPointer, "mmap %s: %#x is not allocated", p.name, ptr)
	}
	if size != 0 {
		if rounded, _ := addr.AlignUp(size, p.pageSize); rounded != got {
			return errors.Wrapf(provider.ErrInvalidPointer, "mmap %s: %#x size %d, allocated %d", p.name, ptr, size, got)
		}
	}
	delete(p.bufs, ptr)
	delete(p.sizes, ptr)
	return nil
}

// AllocationSplit is not available on heap-backed buffers.
func (p *Provider) AllocationSplit(uintptr, uint, uint) error {
	return errors.Wrap(provider.ErrNotSupported, "mmap: split needs anonymous mappings")
}

// AllocationMerge is not available on heap-backed buffers.
func (p *Provider) AllocationMerge(uintptr, uintptr, uint) error {
	return errors.Wrap(provider.ErrNotSupported, "mmap: merge needs anonymous mappings")
}

// PurgeLazy is not available on heap-backed buffers.
func (p *Provider) PurgeLazy(uintptr, uint) error { return provider.ErrNotSupported }

// PurgeForce is not available on heap-backed buffers.
func (p *Provider) PurgeForce(uintptr, uint) error { return provider.ErrNotSupported }

// RecommendedPageSize implements provider.PageSizer.
func (p *Provider) RecommendedPageSize(uint) uint { return p.pageSize }

// MinPageSize implements provider.PageSizer.
func (p *Provider) MinPageSize() uint { return p.pageSize }

// Bytes returns a writable view of a live allocation.
func (p *Provider) Bytes(ptr uintptr) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf, ok := p.bufs[ptr]
	if !ok {
		return nil, errors.Wrapf(provider.ErrInvalidPointer, "mmap %s: %#x is not allocated", p.name, ptr)
	}
	off := ptr - uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	return buf[off : off+uintptr(p.sizes[ptr])], nil
}

// Close drops every pinned buffer.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.bufs)
	clear(p.sizes)
	return nil
}
