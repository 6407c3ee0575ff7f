// Package tracking implements the tracking provider: a decorator over any
// upstream provider.Provider that keeps a tracker.Tracker in step with the
// memory that is actually live.
//
// Allocation is recorded after the upstream call succeeds; if recording fails
// the memory is handed straight back upstream so untracked memory never
// escapes. Free un-tracks first and only then releases upstream, so a lookup
// can never attribute memory the upstream may already have reused.
package tracking

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/memtrack/internal/logger"
	"github.com/joshuapare/memtrack/internal/metrics"
	"github.com/joshuapare/memtrack/pool"
	"github.com/joshuapare/memtrack/provider"
	"github.com/joshuapare/memtrack/tracker"
)

// ErrClosed is returned by operations on a closed tracking provider.
var ErrClosed = errors.New("tracking: provider closed")

// Provider tracks every allocation of one pool made through an upstream
// provider. It holds no mutable tracking state of its own and is safe for
// concurrent use when the upstream is.
type Provider struct {
	upstream provider.Provider
	pool     *pool.Handle
	tracker  *tracker.Tracker
	label    string
	closed   atomic.Bool
}

var (
	_ provider.Provider  = (*Provider)(nil)
	_ provider.Splitter  = (*Provider)(nil)
	_ provider.Merger    = (*Provider)(nil)
	_ provider.Purger    = (*Provider)(nil)
	_ provider.PageSizer = (*Provider)(nil)
)

// New binds upstream and owner to t. The caller keeps ownership of upstream,
// which must outlive the returned provider.
func New(upstream provider.Provider, owner *pool.Handle, t *tracker.Tracker) (*Provider, error) {
	switch {
	case upstream == nil:
		return nil, errors.Wrap(tracker.ErrInvalidArgument, "tracking: nil upstream provider")
	case owner == nil:
		return nil, errors.Wrap(tracker.ErrInvalidArgument, "tracking: nil pool")
	case t == nil:
		return nil, errors.Wrap(tracker.ErrInvalidArgument, "tracking: nil tracker")
	}
	logger.Debug("tracking provider created", "pool", owner.Label(), "upstream", upstream.Name())
	return &Provider{
		upstream: upstream,
		pool:     owner,
		tracker:  t,
		label:    owner.Label(),
	}, nil
}

// Upstream returns the wrapped provider.
func (p *Provider) Upstream() provider.Provider { return p.upstream }

// Pool returns the pool this provider attributes allocations to.
func (p *Provider) Pool() *pool.Handle { return p.pool }

// Tracker returns the tracker this provider records into.
func (p *Provider) Tracker() *tracker.Tracker { return p.tracker }

// Name returns the upstream provider's name.
func (p *Provider) Name() string { return p.upstream.Name() }

func (p *Provider) trackingError(op string, err error) error {
	if kind := tracker.Kind(err); kind != "" {
		metrics.TrackingErrors.WithLabelValues(p.label, kind).Inc()
		logger.Warn("tracking invariant violated", "op", op, "pool", p.label, "err", err)
	}
	return err
}

// Alloc allocates upstream and records the new range. Upstream errors are
// returned unchanged.
func (p *Provider) Alloc(size, alignment uint) (uintptr, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if size == 0 {
		return 0, errors.Wrap(tracker.ErrInvalidArgument, "tracking: zero-size allocation")
	}

	ptr, err := p.upstream.Alloc(size, alignment)
	if err != nil {
		return 0, err
	}

	if err := p.tracker.RecordAlloc(ptr, size, p.pool); err != nil {
		metrics.Rollbacks.WithLabelValues(p.label).Inc()
		logger.Error("untrackable allocation released", "pool", p.label, "ptr", ptr, "size", size, "err", err)
		if ferr := p.upstream.Free(ptr, size); ferr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(ferr, "tracking: release untracked %#x", ptr))
		}
		return 0, p.trackingError("alloc", err)
	}

	metrics.Allocations.WithLabelValues(p.label).Inc()
	return ptr, nil
}

// Free un-tracks ptr and then releases it upstream. size 0 frees whatever
// size is tracked. Freeing an untracked pointer is reported and never
// forwarded. If the upstream free fails the range is tracked again, since the
// memory is still live.
func (p *Provider) Free(ptr uintptr, size uint) error {
	if err := p.owns(ptr); err != nil && !errors.Is(err, tracker.ErrNotFound) {
		return p.trackingError("free", err)
	}
	r, err := p.tracker.RecordFreeSize(ptr, size)
	if err != nil {
		return p.trackingError("free", err)
	}

	if err := p.upstream.Free(r.Base, r.Size); err != nil {
		if rerr := p.tracker.RecordAlloc(r.Base, r.Size, r.Pool); rerr != nil {
			logger.Error("failed to restore range after upstream free error", "range", r.String(), "err", rerr)
			return errors.CombineErrors(err, rerr)
		}
		return err
	}

	metrics.Frees.WithLabelValues(p.label).Inc()
	return nil
}

// Split splits the tracked allocation at ptr into [ptr, ptr+firstSize) and
// [ptr+firstSize, ptr+totalSize). The upstream split runs under the tracker's
// structural lock once the tracked range has been validated.
func (p *Provider) Split(ptr uintptr, totalSize, firstSize uint) error {
	return p.AllocationSplit(ptr, totalSize, firstSize)
}

// AllocationSplit implements provider.Splitter.
func (p *Provider) AllocationSplit(ptr uintptr, totalSize, firstSize uint) error {
	splitter, ok := p.upstream.(provider.Splitter)
	if !ok {
		return errors.Wrapf(provider.ErrNotSupported, "tracking: %s cannot split", p.upstream.Name())
	}
	if err := p.owns(ptr); err != nil {
		return p.trackingError("split", err)
	}
	_, _, err := p.tracker.SplitFunc(ptr, totalSize, firstSize, func() error {
		return splitter.AllocationSplit(ptr, totalSize, firstSize)
	})
	return p.trackingError("split", err)
}

// Merge merges the adjacent tracked allocations at lowPtr and highPtr.
func (p *Provider) Merge(lowPtr, highPtr uintptr, totalSize uint) error {
	return p.AllocationMerge(lowPtr, highPtr, totalSize)
}

// AllocationMerge implements provider.Merger.
func (p *Provider) AllocationMerge(lowPtr, highPtr uintptr, totalSize uint) error {
	merger, ok := p.upstream.(provider.Merger)
	if !ok {
		return errors.Wrapf(provider.ErrNotSupported, "tracking: %s cannot merge", p.upstream.Name())
	}
	if err := p.owns(lowPtr); err != nil {
		return p.trackingError("merge", err)
	}
	_, err := p.tracker.MergeFunc(lowPtr, highPtr, totalSize, func() error {
		return merger.AllocationMerge(lowPtr, highPtr, totalSize)
	})
	return p.trackingError("merge", err)
}

// owns checks that ptr is tracked and belongs to this provider's pool.
func (p *Provider) owns(ptr uintptr) error {
	owner, err := p.tracker.GetPool(ptr)
	if err != nil {
		return err
	}
	if owner != p.pool {
		return errors.Wrapf(tracker.ErrOwnerMismatch, "tracking: %#x belongs to %s, not %s", ptr, owner.Label(), p.label)
	}
	return nil
}

// PurgeLazy forwards to the upstream provider for memory owned by this pool.
func (p *Provider) PurgeLazy(ptr uintptr, size uint) error {
	purger, ok := p.upstream.(provider.Purger)
	if !ok {
		return errors.Wrapf(provider.ErrNotSupported, "tracking: %s cannot purge", p.upstream.Name())
	}
	if err := p.owns(ptr); err != nil {
		return p.trackingError("purge", err)
	}
	return purger.PurgeLazy(ptr, size)
}

// PurgeForce forwards to the upstream provider for memory owned by this pool.
func (p *Provider) PurgeForce(ptr uintptr, size uint) error {
	purger, ok := p.upstream.(provider.Purger)
	if !ok {
		return errors.Wrapf(provider.ErrNotSupported, "tracking: %s cannot purge", p.upstream.Name())
	}
	if err := p.owns(ptr); err != nil {
		return p.trackingError("purge", err)
	}
	return purger.PurgeForce(ptr, size)
}

// RecommendedPageSize forwards to the upstream provider, or returns 0 when it
// does not report page sizes.
func (p *Provider) RecommendedPageSize(size uint) uint {
	if ps, ok := p.upstream.(provider.PageSizer); ok {
		return ps.RecommendedPageSize(size)
	}
	return 0
}

// MinPageSize forwards to the upstream provider, or returns 0.
func (p *Provider) MinPageSize() uint {
	if ps, ok := p.upstream.(provider.PageSizer); ok {
		return ps.MinPageSize()
	}
	return 0
}

// Close detaches the provider. It does not free ranges the pool still owns;
// those are reported so the leak is visible. Close is idempotent.
func (p *Provider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n, bytes := p.tracker.Owned(p.pool); n > 0 {
		logger.Warn("tracking provider closed with live ranges", "pool", p.label, "ranges", n, "bytes", bytes)
	}
	return nil
}
