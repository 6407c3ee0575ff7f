package addr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnd(t *testing.T) {
	tests := []struct {
		name string
		base uintptr
		size uint
		want uintptr
		ok   bool
	}{
		{"zero", 0, 0, 0, true},
		{"simple", 0x1000, 0x1000, 0x2000, true},
		{"top of space", ^uintptr(0) - 9, 9, ^uintptr(0), true},
		{"wraps", ^uintptr(0) - 9, 11, 0, false},
		{"huge size", 1, math.MaxUint, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := End(tt.base, tt.size)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContains(t *testing.T) {
	assert.True(t, Contains(0x1000, 16, 0x1000))
	assert.True(t, Contains(0x1000, 16, 0x100f))
	assert.False(t, Contains(0x1000, 16, 0x1010))
	assert.False(t, Contains(0x1000, 16, 0x0fff))
	assert.False(t, Contains(0x1000, 0, 0x1000), "empty range contains nothing")
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, align, want uint
	}{
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{4097, 4096, 8192},
		{5, 0, 5},
		{5, 1, 5},
	}
	for _, tt := range tests {
		got, ok := AlignUp(tt.n, tt.align)
		assert.True(t, ok)
		assert.Equal(t, tt.want, got, "AlignUp(%d, %d)", tt.n, tt.align)
	}

	_, ok := AlignUp(math.MaxUint-2, 8)
	assert.False(t, ok, "overflow must be reported")
}

func TestAlignPtr(t *testing.T) {
	p, ok := AlignPtr(0x1001, 0x100)
	assert.True(t, ok)
	assert.Equal(t, uintptr(0x1100), p)
	assert.True(t, IsAligned(p, 0x100))
	assert.False(t, IsAligned(0x1001, 2))

	_, ok = AlignPtr(^uintptr(0)-1, 16)
	assert.False(t, ok)
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []uint{1, 2, 4, 4096, 1 << 40} {
		assert.True(t, IsPowerOfTwo(n), "%d", n)
	}
	for _, n := range []uint{0, 3, 6, 4095} {
		assert.False(t, IsPowerOfTwo(n), "%d", n)
	}
}
