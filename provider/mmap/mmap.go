// Package mmap implements an upstream provider backed by anonymous memory
// mappings.
//
// On Linux every allocation is its own private anonymous mapping, so split and
// merge only need page-aligned offsets: munmap of a sub-range is legal.
// Elsewhere the provider falls back to pinned heap buffers and reports
// provider.ErrNotSupported for split, merge and purge.
package mmap

import "os"

// Options configures a Provider.
type Options struct {
	// Name identifies the provider. Default "mmap".
	Name string
	// PageSize overrides the OS page size; it must be a multiple of it.
	PageSize uint
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "mmap"
	}
	if o.PageSize == 0 {
		o.PageSize = uint(os.Getpagesize())
	}
}
