package tracker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/memtrack/internal/logger"
	"github.com/joshuapare/memtrack/internal/metrics"
	"github.com/joshuapare/memtrack/pool"
)

// Tracker maps live address ranges to the pool that owns them.
//
// Point operations (GetPool, RecordAlloc, RecordFree) hold the structural lock
// shared and rely on the Index for per-key serialisation, so they run
// concurrently with each other. Split and Merge hold it exclusively for the
// whole remove-then-insert span; a lookup issued meanwhile blocks until the
// structural update has committed or been abandoned.
type Tracker struct {
	index      *Index
	structural sync.RWMutex
	destroyed  atomic.Bool
}

// Options tunes a Tracker. The zero value is ready to use.
type Options struct {
	// IndexDegree is the B-tree degree of the range index. Default 32.
	IndexDegree int
}

// New creates an empty tracker with default options.
func New() (*Tracker, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions creates an empty tracker.
func NewWithOptions(opts Options) (*Tracker, error) {
	if opts.IndexDegree == 0 {
		opts.IndexDegree = defaultIndexDegree
	}
	if opts.IndexDegree < 2 {
		return nil, errors.Wrapf(ErrInvalidArgument, "index degree %d", opts.IndexDegree)
	}
	return &Tracker{index: newIndexDegree(opts.IndexDegree)}, nil
}

// Destroy releases the tracker. It is a no-op on nil or on an already
// destroyed tracker. The caller guarantees no concurrent use; ranges still
// live at this point are reported as leaks and dropped.
func (t *Tracker) Destroy() {
	if t == nil || !t.destroyed.CompareAndSwap(false, true) {
		return
	}

	t.structural.Lock()
	defer t.structural.Unlock()

	if n := t.index.Len(); n > 0 {
		logger.Warn("tracker destroyed with live ranges", "ranges", n, "bytes", t.index.Bytes())
		t.index.Ascend(func(r Range) bool {
			metrics.TrackedBytes.WithLabelValues(r.Pool.Label()).Sub(float64(r.Size))
			return true
		})
		metrics.TrackedRanges.Sub(float64(n))
	}
	t.index.Clear()
	logger.Debug("tracker destroyed")
}

func (t *Tracker) check() error {
	if t == nil {
		return errors.Wrap(ErrInvalidArgument, "nil tracker")
	}
	if t.destroyed.Load() {
		return errors.Wrap(ErrInvalidArgument, "tracker destroyed")
	}
	return nil
}

// Lookup returns the tracked range containing p.
func (t *Tracker) Lookup(p uintptr) (Range, error) {
	if err := t.check(); err != nil {
		return Range{}, err
	}
	t.structural.RLock()
	defer t.structural.RUnlock()
	return t.index.Find(p)
}

// GetPool returns the pool owning p, or ErrNotFound.
func (t *Tracker) GetPool(p uintptr) (*pool.Handle, error) {
	r, err := t.Lookup(p)
	if err != nil {
		return nil, err
	}
	return r.Pool, nil
}

// RecordAlloc starts tracking [base, base+size) as owned by owner.
func (t *Tracker) RecordAlloc(base uintptr, size uint, owner *pool.Handle) error {
	if err := t.check(); err != nil {
		return err
	}
	r := Range{Base: base, Size: size, Pool: owner}

	t.structural.RLock()
	err := t.index.Insert(r)
	t.structural.RUnlock()
	if err != nil {
		return err
	}

	metrics.TrackedRanges.Inc()
	metrics.TrackedBytes.WithLabelValues(owner.Label()).Add(float64(size))
	return nil
}

// RecordFree stops tracking the range starting at base and returns it.
// Callers must un-track before releasing the memory upstream.
func (t *Tracker) RecordFree(base uintptr) (Range, error) {
	return t.RecordFreeSize(base, 0)
}

// RecordFreeSize is RecordFree that also checks the tracked size; size 0
// skips the check. A mismatch leaves the range tracked.
func (t *Tracker) RecordFreeSize(base uintptr, size uint) (Range, error) {
	if err := t.check(); err != nil {
		return Range{}, err
	}

	t.structural.RLock()
	r, err := t.index.RemoveSized(base, size)
	t.structural.RUnlock()
	if err != nil {
		return Range{}, err
	}

	metrics.TrackedRanges.Dec()
	metrics.TrackedBytes.WithLabelValues(r.Pool.Label()).Sub(float64(r.Size))
	return r, nil
}

// lockStructural takes the structural lock exclusively and records the wait.
func (t *Tracker) lockStructural() {
	start := time.Now()
	t.structural.Lock()
	metrics.StructuralWait.Observe(time.Since(start).Seconds())
}

// Split replaces [base, base+totalSize) with [base, base+splitOffset) and
// [base+splitOffset, base+totalSize), both owned by the original pool.
func (t *Tracker) Split(base uintptr, totalSize, splitOffset uint) (low, high Range, err error) {
	return t.SplitFunc(base, totalSize, splitOffset, nil)
}

// SplitFunc is Split with a commit hook. commit runs under the structural lock
// after every precondition has been checked and before the index changes; if
// it fails the split is abandoned and the index is left untouched.
func (t *Tracker) SplitFunc(base uintptr, totalSize, splitOffset uint, commit func() error) (low, high Range, err error) {
	if err := t.check(); err != nil {
		return Range{}, Range{}, err
	}
	if splitOffset == 0 || splitOffset >= totalSize {
		return Range{}, Range{}, errors.Wrapf(ErrInvalidOffset, "split %#x at %d of %d", base, splitOffset, totalSize)
	}

	t.lockStructural()
	defer t.structural.Unlock()

	orig, ok := t.index.Get(base)
	if !ok {
		return Range{}, Range{}, errors.Wrapf(ErrNotFound, "split: no range starts at %#x", base)
	}
	if orig.Size != totalSize {
		return Range{}, Range{}, errors.Wrapf(ErrSizeMismatch, "split: %s is not %d bytes", orig, totalSize)
	}
	if commit != nil {
		if err := commit(); err != nil {
			return Range{}, Range{}, err
		}
	}

	low = Range{Base: base, Size: splitOffset, Pool: orig.Pool}
	high = Range{Base: base + uintptr(splitOffset), Size: totalSize - splitOffset, Pool: orig.Pool}
	if err := t.index.Replace([]uintptr{base}, []Range{low, high}); err != nil {
		return Range{}, Range{}, errors.Wrap(err, "split")
	}

	metrics.TrackedRanges.Inc()
	metrics.StructuralOps.WithLabelValues("split").Inc()
	return low, high, nil
}

// Merge replaces two adjacent ranges with the same owner by one range of
// totalSize bytes starting at lowBase.
func (t *Tracker) Merge(lowBase, highBase uintptr, totalSize uint) (Range, error) {
	return t.MergeFunc(lowBase, highBase, totalSize, nil)
}

// MergeFunc is Merge with a commit hook, with the same contract as SplitFunc.
func (t *Tracker) MergeFunc(lowBase, highBase uintptr, totalSize uint, commit func() error) (Range, error) {
	if err := t.check(); err != nil {
		return Range{}, err
	}

	t.lockStructural()
	defer t.structural.Unlock()

	low, ok := t.index.Get(lowBase)
	if !ok {
		return Range{}, errors.Wrapf(ErrNotFound, "merge: no range starts at %#x", lowBase)
	}
	high, ok := t.index.Get(highBase)
	if !ok {
		return Range{}, errors.Wrapf(ErrNotFound, "merge: no range starts at %#x", highBase)
	}
	if low.End() != highBase {
		return Range{}, errors.Wrapf(ErrNotAdjacent, "merge: %s does not end at %#x", low, highBase)
	}
	if low.Pool != high.Pool {
		return Range{}, errors.Wrapf(ErrOwnerMismatch, "merge: %s and %s", low, high)
	}
	if low.Size+high.Size != totalSize {
		return Range{}, errors.Wrapf(ErrSizeMismatch, "merge: %d+%d bytes is not %d", low.Size, high.Size, totalSize)
	}
	if commit != nil {
		if err := commit(); err != nil {
			return Range{}, err
		}
	}

	merged := Range{Base: lowBase, Size: totalSize, Pool: low.Pool}
	if err := t.index.Replace([]uintptr{lowBase, highBase}, []Range{merged}); err != nil {
		return Range{}, errors.Wrap(err, "merge")
	}

	metrics.TrackedRanges.Dec()
	metrics.StructuralOps.WithLabelValues("merge").Inc()
	return merged, nil
}

// Ranges returns a snapshot of every live range in address order.
func (t *Tracker) Ranges() []Range {
	if t.check() != nil {
		return nil
	}
	t.structural.RLock()
	defer t.structural.RUnlock()

	out := make([]Range, 0, t.index.Len())
	t.index.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Len returns the number of live ranges.
func (t *Tracker) Len() int {
	if t.check() != nil {
		return 0
	}
	return t.index.Len()
}

// Bytes returns the number of bytes covered by live ranges.
func (t *Tracker) Bytes() uint {
	if t.check() != nil {
		return 0
	}
	return t.index.Bytes()
}

// Owned returns how many ranges and bytes are currently owned by h.
func (t *Tracker) Owned(h *pool.Handle) (ranges int, bytes uint) {
	for _, r := range t.Ranges() {
		if r.Pool == h {
			ranges++
			bytes += r.Size
		}
	}
	return ranges, bytes
}

// CheckDisjoint verifies that no two live ranges overlap.
func (t *Tracker) CheckDisjoint() error {
	ranges := t.Ranges()
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].End() > ranges[i].Base {
			return errors.Newf("tracker: %s overlaps %s", ranges[i-1], ranges[i])
		}
	}
	return nil
}
