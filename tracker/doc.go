// Package tracker records which memory pool owns every live allocation.
//
// # Overview
//
// A Tracker holds an Index, an ordered map from a range's base address to its
// size and owning pool.Handle, plus a structural lock. Tracking providers call
// RecordAlloc after a successful upstream allocation and RecordFree before
// releasing memory upstream, so a lookup never reports an owner for memory the
// upstream provider may already have handed out again.
//
// # Invariants
//
//   - Live ranges never overlap. Index.Insert rejects any overlap with
//     ErrAlreadyTracked rather than overwriting.
//   - Split and Merge are all-or-nothing: on any precondition failure the index
//     is left exactly as it was.
//   - A lookup concurrent with Split or Merge blocks on the structural lock, so
//     an address covered before and after the update is never reported as
//     ErrNotFound.
//
// # Usage Example
//
//	t, err := tracker.New()
//	if err != nil {
//	    return err
//	}
//	defer t.Destroy()
//
//	gpu := pool.NewHandle("gpu")
//	if err := t.RecordAlloc(base, 4096, gpu); err != nil {
//	    return err
//	}
//	low, high, err := t.Split(base, 4096, 1024)
//	owner, err := t.GetPool(base + 2000) // gpu
//
// # Process Lifecycle
//
// Init, Get and Fini manage one process-wide Tracker. Components below the
// outermost composition layer should receive a *Tracker explicitly instead of
// calling Get.
//
// # Errors
//
// All failures are returned as values wrapping one of the package sentinels
// (ErrNotFound, ErrAlreadyTracked, ErrNotAdjacent, ...); test them with
// errors.Is. Kind maps an error to a short label for metrics.
package tracker
