package tracker

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory indicates the tracker or one of its entries could not be allocated.
	ErrOutOfMemory = errors.New("tracker: out of memory")

	// ErrInvalidArgument indicates a nil tracker or pool, or an empty or overflowing range.
	ErrInvalidArgument = errors.New("tracker: invalid argument")

	// ErrInvalidOffset indicates a split offset outside (0, totalSize).
	ErrInvalidOffset = errors.New("tracker: invalid split offset")

	// ErrAlreadyTracked indicates the range overlaps a live tracked range.
	ErrAlreadyTracked = errors.New("tracker: range already tracked")

	// ErrNotFound indicates no tracked range matches the address.
	ErrNotFound = errors.New("tracker: range not found")

	// ErrNotAdjacent indicates merge ranges that do not touch or do not add up.
	ErrNotAdjacent = errors.New("tracker: ranges not adjacent")

	// ErrOwnerMismatch indicates merge ranges owned by different pools.
	ErrOwnerMismatch = errors.New("tracker: ranges owned by different pools")

	// ErrSizeMismatch indicates a free or split whose size disagrees with the tracked range.
	ErrSizeMismatch = errors.New("tracker: size does not match tracked range")
)

// Kind classifies a tracking error for metrics and logs. It returns "" for
// errors that did not originate in the tracker.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyTracked):
		return "already_tracked"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotAdjacent):
		return "not_adjacent"
	case errors.Is(err, ErrOwnerMismatch):
		return "owner_mismatch"
	case errors.Is(err, ErrSizeMismatch):
		return "size_mismatch"
	case errors.Is(err, ErrInvalidOffset):
		return "invalid_offset"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrOutOfMemory):
		return "out_of_memory"
	default:
		return ""
	}
}
