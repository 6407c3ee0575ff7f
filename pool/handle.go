// Package pool defines the pool handle: the opaque identity of the logical
// allocator that owns a tracked range.
//
// Handles are compared by pointer. Two handles created with the same name are
// still distinct owners.
package pool

import (
	"fmt"

	"github.com/google/uuid"
)

// Handle identifies a memory pool.
type Handle struct {
	id   uuid.UUID
	name string
}

// NewHandle creates a handle with a fresh random identity.
func NewHandle(name string) *Handle {
	return &Handle{id: uuid.New(), name: name}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() uuid.UUID {
	if h == nil {
		return uuid.Nil
	}
	return h.id
}

// Name returns the human readable pool name.
func (h *Handle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

// Label is the value used for the "pool" label in metrics and logs.
func (h *Handle) Label() string {
	if h == nil {
		return "<nil>"
	}
	if h.name != "" {
		return h.name
	}
	return h.id.String()
}

func (h *Handle) String() string {
	if h == nil {
		return "pool(<nil>)"
	}
	return fmt.Sprintf("pool(%s %s)", h.name, h.id)
}
