// Package mmap maps database files read-only and flushes written files to
// stable storage.
package mmap

import (
	"os"
)

type Options uint

const (
	// SequentialAccess asks for aggressive read-ahead (MADV_SEQUENTIAL).
	SequentialAccess Options = 1 << iota

	// RandomAccess turns read-ahead down (MADV_RANDOM). Ignored together
	// with SequentialAccess.
	RandomAccess

	// Prefault loads the whole mapping up front (MAP_POPULATE on Linux).
	Prefault
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Map maps the first size bytes of f read-only. size must be positive.
func Map(f *os.File, size int, opt Options) ([]byte, error) {
	if size <= 0 {
		panic("mmap: non-positive size")
	}
	return mmap(f, size, opt)
}

// Unmap releases a slice returned by Map.
func Unmap(b []byte) error {
	return munmap(b)
}
