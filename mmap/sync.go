package mmap

import "os"

// Fdatasync flushes the data of f to stable storage, skipping metadata such
// as modification times where the system allows it.
//
// A failed sync leaves the on-disk contents unknown: the kernel may already
// have marked the dirty pages clean. Callers must stop writing and leave the
// files to recovery.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
