package tracker

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/joshuapare/memtrack/internal/addr"
	"github.com/joshuapare/memtrack/pool"
)

const defaultIndexDegree = 32

// Range is one tracked allocation: [Base, Base+Size) owned by Pool.
type Range struct {
	Base uintptr
	Size uint
	Pool *pool.Handle
}

// End returns the first address past the range.
func (r Range) End() uintptr { return r.Base + uintptr(r.Size) }

// Contains reports whether p lies inside the range.
func (r Range) Contains(p uintptr) bool { return addr.Contains(r.Base, r.Size, p) }

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", r.Base, r.End(), r.Pool.Label())
}

func rangeLess(a, b Range) bool { return a.Base < b.Base }

// Index is an ordered map from base address to Range.
//
// All methods are safe for concurrent use. Conflicting inserts fail with
// ErrAlreadyTracked instead of overwriting, and no two ranges in the index
// ever overlap.
type Index struct {
	mu    sync.RWMutex
	tree  *btree.BTreeG[Range]
	bytes uint
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return newIndexDegree(defaultIndexDegree)
}

func newIndexDegree(degree int) *Index {
	return &Index{tree: btree.NewG(degree, rangeLess)}
}

func validRange(r Range) error {
	if r.Size == 0 {
		return errors.Wrapf(ErrInvalidArgument, "empty range at %#x", r.Base)
	}
	if r.Pool == nil {
		return errors.Wrapf(ErrInvalidArgument, "range at %#x has no owner", r.Base)
	}
	if _, ok := addr.End(r.Base, r.Size); !ok {
		return errors.Wrapf(ErrInvalidArgument, "range %#x+%d overflows", r.Base, r.Size)
	}
	return nil
}

// Insert adds r. It fails with ErrAlreadyTracked when r overlaps any live range.
func (ix *Index) Insert(r Range) error {
	if err := validRange(r); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.insertLocked(r)
}

func (ix *Index) insertLocked(r Range) error {
	if other, ok := ix.overlapLocked(r); ok {
		return errors.Wrapf(ErrAlreadyTracked, "%s overlaps %s", r, other)
	}
	ix.tree.ReplaceOrInsert(r)
	ix.bytes += r.Size
	return nil
}

// overlapLocked returns a live range intersecting r, if any. Since live ranges
// are disjoint only the predecessor and the successor need checking.
func (ix *Index) overlapLocked(r Range) (Range, bool) {
	var (
		hit   Range
		found bool
	)
	ix.tree.DescendLessOrEqual(r, func(prev Range) bool {
		if prev.End() > r.Base {
			hit, found = prev, true
		}
		return false
	})
	if found {
		return hit, true
	}
	ix.tree.AscendGreaterOrEqual(r, func(next Range) bool {
		if next.Base < r.End() {
			hit, found = next, true
		}
		return false
	})
	return hit, found
}

// Remove deletes the range starting exactly at base.
func (ix *Index) Remove(base uintptr) (Range, error) {
	return ix.RemoveSized(base, 0)
}

// RemoveSized deletes the range starting at base if its size is size. A zero
// size matches any range. On mismatch the range stays in the index.
func (ix *Index) RemoveSized(base uintptr, size uint) (Range, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	r, ok := ix.tree.Get(Range{Base: base})
	if !ok {
		return Range{}, errors.Wrapf(ErrNotFound, "no range starts at %#x", base)
	}
	if size != 0 && r.Size != size {
		return Range{}, errors.Wrapf(ErrSizeMismatch, "%s: freed with size %d", r, size)
	}
	ix.tree.Delete(r)
	ix.bytes -= r.Size
	return r, nil
}

// Find returns the range containing p.
func (ix *Index) Find(p uintptr) (Range, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var (
		hit   Range
		found bool
	)
	ix.tree.DescendLessOrEqual(Range{Base: p}, func(r Range) bool {
		hit, found = r, r.Contains(p)
		return false
	})
	if !found {
		return Range{}, errors.Wrapf(ErrNotFound, "%#x is not tracked", p)
	}
	return hit, nil
}

// Get returns the range starting exactly at base.
func (ix *Index) Get(base uintptr) (Range, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Get(Range{Base: base})
}

// Replace removes the ranges starting at each of remove and inserts every range
// of insert as one all-or-nothing edit. On any failure the index is restored
// to its previous contents.
func (ix *Index) Replace(remove []uintptr, insert []Range) error {
	for _, r := range insert {
		if err := validRange(r); err != nil {
			return err
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := make([]Range, 0, len(remove))
	rollback := func(inserted []Range) {
		for _, r := range inserted {
			ix.tree.Delete(r)
			ix.bytes -= r.Size
		}
		for _, r := range removed {
			ix.tree.ReplaceOrInsert(r)
			ix.bytes += r.Size
		}
	}

	for _, base := range remove {
		r, ok := ix.tree.Delete(Range{Base: base})
		if !ok {
			rollback(nil)
			return errors.Wrapf(ErrNotFound, "no range starts at %#x", base)
		}
		ix.bytes -= r.Size
		removed = append(removed, r)
	}

	inserted := make([]Range, 0, len(insert))
	for _, r := range insert {
		if err := ix.insertLocked(r); err != nil {
			rollback(inserted)
			return err
		}
		inserted = append(inserted, r)
	}
	return nil
}

// Len returns the number of live ranges.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}

// Bytes returns the total size of live ranges.
func (ix *Index) Bytes() uint {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.bytes
}

// Ascend calls fn for each range in address order until fn returns false.
// fn must not call back into the index.
func (ix *Index) Ascend(fn func(Range) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ix.tree.Ascend(fn)
}

// Clear drops every range.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.tree.Clear(false)
	ix.bytes = 0
}
