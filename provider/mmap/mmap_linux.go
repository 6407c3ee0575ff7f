//go:build linux

package mmap

import (
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/joshuapare/memtrack/internal/addr"
	"github.com/joshuapare/memtrack/provider"
)

// mapping is one live anonymous mapping.
type mapping struct {
	ptr  unsafe.Pointer
	size uint // page-rounded length
}

// Provider hands out anonymous private mappings.
type Provider struct {
	mu       sync.Mutex
	name     string
	pageSize uint
	maps     map[uintptr]mapping
}

var (
	_ provider.Provider  = (*Provider)(nil)
	_ provider.Splitter  = (*Provider)(nil)
	_ provider.Merger    = (*Provider)(nil)
	_ provider.Purger    = (*Provider)(nil)
	_ provider.PageSizer = (*Provider)(nil)
)

// New creates an mmap provider.
func New(opts Options) (*Provider, error) {
	opts.setDefaults()
	osPage := uint(unix.Getpagesize())
	if !addr.IsPowerOfTwo(opts.PageSize) || opts.PageSize%osPage != 0 {
		return nil, errors.Wrapf(provider.ErrInvalidArgument, "mmap: page size %d is not a power-of-two multiple of %d", opts.PageSize, osPage)
	}
	return &Provider{
		name:     opts.Name,
		pageSize: opts.PageSize,
		maps:     make(map[uintptr]mapping),
	}, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Alloc maps size bytes rounded up to the page size. Alignments above the page
// size over-reserve and trim the unaligned head and tail.
func (p *Provider) Alloc(size, alignment uint) (uintptr, error) {
	if size == 0 {
		return 0, errors.Wrap(provider.ErrInvalidArgument, "mmap: zero size")
	}
	if alignment != 0 && !addr.IsPowerOfTwo(alignment) {
		return 0, errors.Wrapf(provider.ErrInvalidArgument, "mmap: alignment %d is not a power of two", alignment)
	}
	length, ok := addr.AlignUp(size, p.pageSize)
	if !ok {
		return 0, errors.Wrapf(provider.ErrOutOfMemory, "mmap: size %d overflows", size)
	}

	extra := uint(0)
	if alignment > p.pageSize {
		extra = alignment
	}
	reserve := length + extra
	if reserve < length {
		return 0, errors.Wrapf(provider.ErrOutOfMemory, "mmap: size %d overflows", size)
	}

	raw, err := unix.MmapPtr(-1, 0, nil, uintptr(reserve),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "mmap: map %d bytes", reserve), provider.ErrOutOfMemory)
	}

	ptr := raw
	if extra > 0 {
		start, _ := addr.AlignPtr(uintptr(raw), alignment)
		head := uint(start - uintptr(raw))
		ptr = unsafe.Add(raw, head)
		if head > 0 {
			if err := unix.MunmapPtr(raw, uintptr(head)); err != nil {
				return 0, errors.Wrap(err, "mmap: trim head")
			}
		}
		if tail := extra - head; tail > 0 {
			if err := unix.MunmapPtr(unsafe.Add(ptr, length), uintptr(tail)); err != nil {
				return 0, errors.Wrap(err, "mmap: trim tail")
			}
		}
	}

	base := uintptr(ptr)
	p.mu.Lock()
	p.maps[base] = mapping{ptr: ptr, size: length}
	p.mu.Unlock()
	return base, nil
}

// lookupLocked returns the mapping at ptr when size (rounded to pages) matches.
func (p *Provider) lookupLocked(ptr uintptr, size uint) (mapping, error) {
	m, ok := p.maps[ptr]
	if !ok {
		return mapping{}, errors.Wrapf(provider.ErrInvalidPointer, "mmap %s: %#x is not mapped", p.name, ptr)
	}
	if size != 0 {
		if rounded, _ := addr.AlignUp(size, p.pageSize); rounded != m.size {
			return mapping{}, errors.Wrapf(provider.ErrInvalidPointer, "mmap %s: %#x size %d, mapped %d", p.name, ptr, size, m.size)
		}
	}
	return m, nil
}

// Free unmaps the allocation at ptr.
func (p *Provider) Free(ptr uintptr, size uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.lookupLocked(ptr, size)
	if err != nil {
		return err
	}
	if err := unix.MunmapPtr(m.ptr, uintptr(m.size)); err != nil {
		return errors.Wrapf(err, "mmap %s: munmap %#x", p.name, ptr)
	}
	delete(p.maps, ptr)
	return nil
}

// AllocationSplit implements provider.Splitter. firstSize must be page aligned.
func (p *Provider) AllocationSplit(ptr uintptr, totalSize, firstSize uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := p.lookupLocked(ptr, totalSize)
	if err != nil {
		return err
	}
	if firstSize == 0 || firstSize >= m.size || firstSize%p.pageSize != 0 {
		return errors.Wrapf(provider.ErrInvalidArgument, "mmap %s: split offset %d is not a page boundary inside %d", p.name, firstSize, m.size)
	}
	p.maps[ptr] = mapping{ptr: m.ptr, size: firstSize}
	high := unsafe.Add(m.ptr, firstSize)
	p.maps[uintptr(high)] = mapping{ptr: high, size: m.size - firstSize}
	return nil
}

// AllocationMerge implements provider.Merger.
func (p *Provider) AllocationMerge(lowPtr, highPtr uintptr, totalSize uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	low, lok := p.maps[lowPtr]
	high, hok := p.maps[highPtr]
	if !lok || !hok {
		return errors.Wrapf(provider.ErrInvalidPointer, "mmap %s: merge %#x/%#x: not mapped", p.name, lowPtr, highPtr)
	}
	rounded, _ := addr.AlignUp(totalSize, p.pageSize)
	if lowPtr+uintptr(low.size) != highPtr || low.size+high.size != rounded {
		return errors.Wrapf(provider.ErrInvalidArgument, "mmap %s: merge %#x+%d and %#x+%d into %d: not adjacent",
			p.name, lowPtr, low.size, highPtr, high.size, totalSize)
	}
	delete(p.maps, highPtr)
	p.maps[lowPtr] = mapping{ptr: low.ptr, size: rounded}
	return nil
}

// PurgeLazy advises the kernel that the pages may be reclaimed lazily.
func (p *Provider) PurgeLazy(ptr uintptr, size uint) error {
	b, err := p.pages(ptr, size)
	if err != nil {
		return err
	}
	if err := unix.Madvise(b, unix.MADV_FREE); err != nil {
		// MADV_FREE needs Linux 4.5+.
		return unix.Madvise(b, unix.MADV_DONTNEED)
	}
	return nil
}

// PurgeForce drops the pages; subsequent reads see zeroes.
func (p *Provider) PurgeForce(ptr uintptr, size uint) error {
	b, err := p.pages(ptr, size)
	if err != nil {
		return err
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// pages returns the page-aligned byte view of [ptr, ptr+size) inside a live mapping.
func (p *Provider) pages(ptr uintptr, size uint) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !addr.IsAligned(ptr, p.pageSize) {
		return nil, errors.Wrapf(provider.ErrInvalidArgument, "mmap %s: purge %#x is not page aligned", p.name, ptr)
	}
	length, _ := addr.AlignUp(size, p.pageSize)
	for base, m := range p.maps {
		if !addr.Contains(base, m.size, ptr) {
			continue
		}
		if uint(ptr-base)+length > m.size {
			break
		}
		return unsafe.Slice((*byte)(unsafe.Add(m.ptr, ptr-base)), length), nil
	}
	return nil, errors.Wrapf(provider.ErrInvalidPointer, "mmap %s: %#x+%d is not inside a mapping", p.name, ptr, size)
}

// RecommendedPageSize implements provider.PageSizer.
func (p *Provider) RecommendedPageSize(uint) uint { return p.pageSize }

// MinPageSize implements provider.PageSizer.
func (p *Provider) MinPageSize() uint { return p.pageSize }

// Bytes returns a writable view of a live allocation.
func (p *Provider) Bytes(ptr uintptr) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.maps[ptr]
	if !ok {
		return nil, errors.Wrapf(provider.ErrInvalidPointer, "mmap %s: %#x is not mapped", p.name, ptr)
	}
	return unsafe.Slice((*byte)(m.ptr), m.size), nil
}

// Close unmaps everything still mapped.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for base, m := range p.maps {
		if err := unix.MunmapPtr(m.ptr, uintptr(m.size)); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		delete(p.maps, base)
	}
	return errs
}
