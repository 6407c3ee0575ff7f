// Package arena implements an upstream provider that hands out addresses from
// a fixed virtual window without backing them with memory.
//
// It models device address spaces (GPU virtual ranges, mapped apertures) and is
// the deterministic provider used by tests and by memtrackctl. Free extents are
// kept in an ordered B-tree and coalesced on free; allocation is first-fit.
package arena

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/joshuapare/memtrack/internal/addr"
	"github.com/joshuapare/memtrack/provider"
)

const (
	// DefaultBase is the first address of the default window.
	DefaultBase uintptr = 0x1000_0000

	// DefaultSize is the size of the default window (1GB).
	DefaultSize uint = 1 << 30

	// DefaultAlignment is the natural alignment of returned addresses.
	DefaultAlignment uint = 16

	btreeDegree = 16
)

// Options configures an Arena. Zero fields take the defaults above.
type Options struct {
	Name      string
	Base      uintptr
	Size      uint
	Alignment uint
}

// Stats is a point-in-time view of the arena.
type Stats struct {
	LiveBlocks     int
	LiveBytes      uint
	FreeExtents    int
	FreeBytes      uint
	LargestFree    uint
	AllocCalls     uint64
	FreeCalls      uint64
	SplitCalls     uint64
	MergeCalls     uint64
	CoalesceMerges uint64
}

// extent is a free half-open interval [start, end).
type extent struct {
	start, end uintptr
}

func (e extent) size() uint { return uint(e.end - e.start) }

func extentLess(a, b extent) bool { return a.start < b.start }

// Arena is a thread-safe first-fit address-space provider.
type Arena struct {
	mu       sync.Mutex
	name     string
	base     uintptr
	end      uintptr
	minAlign uint

	free  *btree.BTreeG[extent]
	live  map[uintptr]uint
	stats Stats
}

var (
	_ provider.Provider  = (*Arena)(nil)
	_ provider.Splitter  = (*Arena)(nil)
	_ provider.Merger    = (*Arena)(nil)
	_ provider.Purger    = (*Arena)(nil)
	_ provider.PageSizer = (*Arena)(nil)
)

// New creates an arena over [opts.Base, opts.Base+opts.Size).
func New(opts Options) (*Arena, error) {
	if opts.Name == "" {
		opts.Name = "arena"
	}
	if opts.Base == 0 {
		opts.Base = DefaultBase
	}
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	if opts.Alignment == 0 {
		opts.Alignment = DefaultAlignment
	}
	if !addr.IsPowerOfTwo(opts.Alignment) {
		return nil, errors.Wrapf(provider.ErrInvalidArgument, "arena: alignment %d is not a power of two", opts.Alignment)
	}
	if !addr.IsAligned(opts.Base, opts.Alignment) {
		return nil, errors.Wrapf(provider.ErrInvalidArgument, "arena: base %#x not aligned to %d", opts.Base, opts.Alignment)
	}
	end, ok := addr.End(opts.Base, opts.Size)
	if !ok {
		return nil, errors.Wrapf(provider.ErrInvalidArgument, "arena: window %#x+%d overflows", opts.Base, opts.Size)
	}

	a := &Arena{
		name:     opts.Name,
		base:     opts.Base,
		end:      end,
		minAlign: opts.Alignment,
		free:     btree.NewG(btreeDegree, extentLess),
		live:     make(map[uintptr]uint),
	}
	a.free.ReplaceOrInsert(extent{start: opts.Base, end: end})
	return a, nil
}

// Name implements provider.Provider.
func (a *Arena) Name() string { return a.name }

// Alloc implements provider.Provider using first-fit over the free extents.
func (a *Arena) Alloc(size, alignment uint) (uintptr, error) {
	if size == 0 {
		return 0, errors.Wrap(provider.ErrInvalidArgument, "arena: zero size")
	}
	if alignment != 0 && !addr.IsPowerOfTwo(alignment) {
		return 0, errors.Wrapf(provider.ErrInvalidArgument, "arena: alignment %d is not a power of two", alignment)
	}
	align := max(alignment, a.minAlign)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.AllocCalls++

	var (
		found     bool
		victim    extent
		blockBase uintptr
	)
	a.free.Ascend(func(e extent) bool {
		start, ok := addr.AlignPtr(e.start, align)
		if !ok || start >= e.end {
			return true
		}
		if uint(e.end-start) < size {
			return true
		}
		found, victim, blockBase = true, e, start
		return false
	})
	if !found {
		return 0, errors.Wrapf(provider.ErrOutOfMemory, "arena %s: no extent for %d bytes (align %d)", a.name, size, align)
	}

	a.free.Delete(victim)
	if blockBase > victim.start {
		a.free.ReplaceOrInsert(extent{start: victim.start, end: blockBase})
	}
	blockEnd := blockBase + uintptr(size)
	if blockEnd < victim.end {
		a.free.ReplaceOrInsert(extent{start: blockEnd, end: victim.end})
	}
	a.live[blockBase] = size
	return blockBase, nil
}

// Free implements provider.Provider. size must match the live block.
func (a *Arena) Free(ptr uintptr, size uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.FreeCalls++

	got, ok := a.live[ptr]
	if !ok {
		return errors.Wrapf(provider.ErrInvalidPointer, "arena %s: %#x is not allocated", a.name, ptr)
	}
	if size != 0 && size != got {
		return errors.Wrapf(provider.ErrInvalidPointer, "arena %s: free %#x with size %d, allocated %d", a.name, ptr, size, got)
	}
	delete(a.live, ptr)
	a.insertFreeLocked(extent{start: ptr, end: ptr + uintptr(got)})
	return nil
}

// insertFreeLocked adds e to the free tree, coalescing with both neighbours.
func (a *Arena) insertFreeLocked(e extent) {
	if prev, ok := a.predecessorLocked(e.start); ok && prev.end == e.start {
		a.free.Delete(prev)
		e.start = prev.start
		a.stats.CoalesceMerges++
	}
	if next, ok := a.free.Get(extent{start: e.end}); ok {
		a.free.Delete(next)
		e.end = next.end
		a.stats.CoalesceMerges++
	}
	a.free.ReplaceOrInsert(e)
}

func (a *Arena) predecessorLocked(p uintptr) (extent, bool) {
	var (
		prev  extent
		found bool
	)
	a.free.DescendLessOrEqual(extent{start: p}, func(e extent) bool {
		prev, found = e, true
		return false
	})
	return prev, found
}

// AllocationSplit implements provider.Splitter.
func (a *Arena) AllocationSplit(ptr uintptr, totalSize, firstSize uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.SplitCalls++

	got, ok := a.live[ptr]
	if !ok || got != totalSize {
		return errors.Wrapf(provider.ErrInvalidPointer, "arena %s: split %#x size %d does not match a live block", a.name, ptr, totalSize)
	}
	if firstSize == 0 || firstSize >= totalSize {
		return errors.Wrapf(provider.ErrInvalidArgument, "arena %s: split offset %d outside (0, %d)", a.name, firstSize, totalSize)
	}
	a.live[ptr] = firstSize
	a.live[ptr+uintptr(firstSize)] = totalSize - firstSize
	return nil
}

// AllocationMerge implements provider.Merger.
func (a *Arena) AllocationMerge(lowPtr, highPtr uintptr, totalSize uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.MergeCalls++

	lowSize, lok := a.live[lowPtr]
	highSize, hok := a.live[highPtr]
	if !lok || !hok {
		return errors.Wrapf(provider.ErrInvalidPointer, "arena %s: merge %#x/%#x: block not allocated", a.name, lowPtr, highPtr)
	}
	if lowPtr+uintptr(lowSize) != highPtr || lowSize+highSize != totalSize {
		return errors.Wrapf(provider.ErrInvalidArgument, "arena %s: merge %#x+%d and %#x+%d into %d: not adjacent",
			a.name, lowPtr, lowSize, highPtr, highSize, totalSize)
	}
	delete(a.live, highPtr)
	a.live[lowPtr] = totalSize
	return nil
}

// PurgeLazy implements provider.Purger. The arena has no backing, so it only
// validates that the range is live.
func (a *Arena) PurgeLazy(ptr uintptr, size uint) error { return a.checkLive(ptr, size) }

// PurgeForce implements provider.Purger.
func (a *Arena) PurgeForce(ptr uintptr, size uint) error { return a.checkLive(ptr, size) }

func (a *Arena) checkLive(ptr uintptr, size uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for base, sz := range a.live {
		if addr.Contains(base, sz, ptr) {
			if end, ok := addr.End(ptr, size); ok && end <= base+uintptr(sz) {
				return nil
			}
			break
		}
	}
	return errors.Wrapf(provider.ErrInvalidPointer, "arena %s: %#x+%d is not inside a live block", a.name, ptr, size)
}

// RecommendedPageSize implements provider.PageSizer.
func (a *Arena) RecommendedPageSize(uint) uint { return a.minAlign }

// MinPageSize implements provider.PageSizer.
func (a *Arena) MinPageSize() uint { return a.minAlign }

// Stats returns a snapshot of arena accounting.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stats
	s.LiveBlocks = len(a.live)
	for _, sz := range a.live {
		s.LiveBytes += sz
	}
	a.free.Ascend(func(e extent) bool {
		s.FreeExtents++
		s.FreeBytes += e.size()
		s.LargestFree = max(s.LargestFree, e.size())
		return true
	})
	return s
}

// Window returns the arena's address window.
func (a *Arena) Window() (base uintptr, size uint) {
	return a.base, uint(a.end - a.base)
}
