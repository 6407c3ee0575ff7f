// Package provider defines the upstream memory provider contract.
//
// A Provider reserves and releases memory (from the OS, a device address
// space, another allocator). Providers that support resizing tracked blocks in
// place additionally implement Splitter and Merger. Decorators such as the
// tracking provider compose another Provider behind the same interface.
package provider

import "github.com/cockroachdb/errors"

var (
	// ErrNotSupported indicates the provider lacks an optional capability.
	ErrNotSupported = errors.New("provider: operation not supported")

	// ErrInvalidArgument indicates a nil handle, zero size or bad alignment.
	ErrInvalidArgument = errors.New("provider: invalid argument")

	// ErrOutOfMemory indicates the provider could not satisfy the request.
	ErrOutOfMemory = errors.New("provider: out of memory")

	// ErrInvalidPointer indicates a pointer the provider never handed out,
	// or a size that does not match the allocation.
	ErrInvalidPointer = errors.New("provider: invalid pointer")
)

// Provider is the minimal upstream contract.
type Provider interface {
	// Alloc reserves size bytes aligned to alignment (0 means the provider's
	// natural alignment) and returns the base address.
	Alloc(size, alignment uint) (uintptr, error)

	// Free returns [ptr, ptr+size) to the provider.
	Free(ptr uintptr, size uint) error

	// Name identifies the provider in logs and metrics.
	Name() string
}

// Splitter is implemented by providers that can split one allocation into
// two adjacent allocations [ptr, ptr+firstSize) and [ptr+firstSize, ptr+totalSize).
type Splitter interface {
	AllocationSplit(ptr uintptr, totalSize, firstSize uint) error
}

// Merger is implemented by providers that can merge two adjacent allocations
// into one of totalSize bytes starting at lowPtr.
type Merger interface {
	AllocationMerge(lowPtr, highPtr uintptr, totalSize uint) error
}

// Purger is implemented by providers that can release physical backing of a
// live range while keeping it reserved.
type Purger interface {
	// PurgeLazy hints that the contents of the range may be discarded.
	PurgeLazy(ptr uintptr, size uint) error
	// PurgeForce discards the contents of the range immediately.
	PurgeForce(ptr uintptr, size uint) error
}

// PageSizer reports page granularity.
type PageSizer interface {
	// RecommendedPageSize returns the preferred granularity for an allocation of size bytes.
	RecommendedPageSize(size uint) uint
	// MinPageSize returns the smallest granularity the provider works in.
	MinPageSize() uint
}
