// Package mempool is the outermost layer: named pools whose allocations are
// attributed through the process-wide tracker, plus a generic Free that finds
// the owning pool from nothing but a pointer.
//
// Usage Example:
//
//	up, _ := arena.New(arena.Options{Name: "device"})
//	p, err := mempool.New("scratch", up)
//	if err != nil {
//	    return err
//	}
//	defer p.Destroy()
//
//	ptr, err := p.Malloc(4096)
//	...
//	err = mempool.Free(ptr) // dispatches to p
package mempool

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/memtrack/internal/logger"
	"github.com/joshuapare/memtrack/pool"
	"github.com/joshuapare/memtrack/provider"
	"github.com/joshuapare/memtrack/tracker"
	"github.com/joshuapare/memtrack/tracking"
)

// DefaultAlignment is used by Malloc.
const DefaultAlignment = 16

var (
	// ErrDestroyed is returned by operations on a destroyed pool.
	ErrDestroyed = errors.New("mempool: pool destroyed")

	// ErrUnknownPool is returned when a tracked pointer belongs to a pool that
	// is not registered here.
	ErrUnknownPool = errors.New("mempool: owning pool not registered")
)

// registry maps *pool.Handle to *Pool for generic dispatch.
var registry sync.Map

// Pool is a named allocation domain backed by an upstream provider.
type Pool struct {
	handle    *pool.Handle
	tp        *tracking.Provider
	destroyed atomic.Bool
}

// New creates a pool named name over upstream, bound to the process tracker.
func New(name string, upstream provider.Provider) (*Pool, error) {
	t, err := tracker.Get()
	if err != nil {
		return nil, errors.Wrap(err, "mempool: tracker")
	}
	return NewWithTracker(name, upstream, t)
}

// NewWithTracker is New with an explicit tracker.
func NewWithTracker(name string, upstream provider.Provider, t *tracker.Tracker) (*Pool, error) {
	h := pool.NewHandle(name)
	tp, err := tracking.New(upstream, h, t)
	if err != nil {
		return nil, err
	}
	p := &Pool{handle: h, tp: tp}
	registry.Store(h, p)
	logger.Info("pool created", "pool", h.Label(), "upstream", upstream.Name())
	return p, nil
}

// Handle returns the pool's identity as recorded by the tracker.
func (p *Pool) Handle() *pool.Handle { return p.handle }

// Name returns the pool's label.
func (p *Pool) Name() string { return p.handle.Label() }

// Provider returns the tracking provider serving this pool.
func (p *Pool) Provider() *tracking.Provider { return p.tp }

// Malloc allocates size bytes with DefaultAlignment.
func (p *Pool) Malloc(size uint) (uintptr, error) {
	return p.AlignedMalloc(size, DefaultAlignment)
}

// AlignedMalloc allocates size bytes aligned to alignment.
func (p *Pool) AlignedMalloc(size, alignment uint) (uintptr, error) {
	if p.destroyed.Load() {
		return 0, ErrDestroyed
	}
	return p.tp.Alloc(size, alignment)
}

// Free releases the allocation starting at ptr. The size is taken from the
// tracked range.
func (p *Pool) Free(ptr uintptr) error {
	return p.tp.Free(ptr, 0)
}

// Split splits the allocation at ptr; see tracking.Provider.Split.
func (p *Pool) Split(ptr uintptr, totalSize, firstSize uint) error {
	if p.destroyed.Load() {
		return ErrDestroyed
	}
	return p.tp.Split(ptr, totalSize, firstSize)
}

// Merge merges two adjacent allocations; see tracking.Provider.Merge.
func (p *Pool) Merge(lowPtr, highPtr uintptr, totalSize uint) error {
	if p.destroyed.Load() {
		return ErrDestroyed
	}
	return p.tp.Merge(lowPtr, highPtr, totalSize)
}

// Owned reports the ranges and bytes this pool currently holds.
func (p *Pool) Owned() (ranges int, bytes uint) {
	return p.tp.Tracker().Owned(p.handle)
}

// FreeAll releases every range the pool still owns.
func (p *Pool) FreeAll() error {
	var errs error
	for _, r := range p.tp.Tracker().Ranges() {
		if r.Pool != p.handle {
			continue
		}
		if err := p.tp.Free(r.Base, r.Size); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// Destroy unregisters the pool. Ranges it still owns stay tracked and are
// reported; call FreeAll first to release them. Destroy is idempotent.
func (p *Pool) Destroy() error {
	if !p.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	registry.Delete(p.handle)
	logger.Info("pool destroyed", "pool", p.handle.Label())
	return p.tp.Close()
}

// ByPointer returns the registered pool owning ptr.
func ByPointer(ptr uintptr) (*Pool, error) {
	t, err := tracker.Get()
	if err != nil {
		return nil, err
	}
	h, err := t.GetPool(ptr)
	if err != nil {
		return nil, err
	}
	v, ok := registry.Load(h)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPool, "%#x owned by %s", ptr, h.Label())
	}
	return v.(*Pool), nil
}

// Free releases ptr through whichever pool owns it.
func Free(ptr uintptr) error {
	p, err := ByPointer(ptr)
	if err != nil {
		return err
	}
	return p.Free(ptr)
}
