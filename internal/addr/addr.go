// Package addr holds the address arithmetic shared by the tracker and the
// upstream providers: alignment helpers and overflow-checked range ends.
package addr

import "math"

// End returns base+size, reporting ok = false when the sum would wrap the
// address space.
func End(base uintptr, size uint) (uintptr, bool) {
	if uint64(size) > uint64(math.MaxUint64)-uint64(base) {
		return 0, false
	}
	end := base + uintptr(size)
	if end < base {
		return 0, false
	}
	return end, true
}

// Contains reports whether p lies in [base, base+size).
func Contains(base uintptr, size uint, p uintptr) bool {
	if p < base {
		return false
	}
	return uint64(p-base) < uint64(size)
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uint) bool {
	return n != 0 && n&(n-1) == 0
}

// AlignUp returns n rounded up to the next multiple of align.
// align must be a power of two; ok is false on overflow.
//
// Example:
//
//	AlignUp(1, 8)    = 8
//	AlignUp(8, 8)    = 8
//	AlignUp(4097, 4096) = 8192
func AlignUp(n, align uint) (uint, bool) {
	if align <= 1 {
		return n, true
	}
	mask := align - 1
	if n > math.MaxUint-mask {
		return 0, false
	}
	return (n + mask) &^ mask, true
}

// AlignPtr rounds p up to the next multiple of align (a power of two).
func AlignPtr(p uintptr, align uint) (uintptr, bool) {
	if align <= 1 {
		return p, true
	}
	mask := uintptr(align - 1)
	if p > ^uintptr(0)-mask {
		return 0, false
	}
	return (p + mask) &^ mask, true
}

// IsAligned reports whether p is a multiple of align.
func IsAligned(p uintptr, align uint) bool {
	if align <= 1 {
		return true
	}
	return p&uintptr(align-1) == 0
}
