//go:build unix

package mmap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int, opt Options) ([]byte, error) {
	flags := unix.MAP_SHARED
	if opt.Has(Prefault) {
		flags |= mapPopulate
	}
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, flags)
	if err != nil {
		return nil, err
	}

	var advice int
	var name string
	switch {
	case opt.Has(SequentialAccess):
		advice, name = unix.MADV_SEQUENTIAL, "MADV_SEQUENTIAL"
	case opt.Has(RandomAccess):
		advice, name = unix.MADV_RANDOM, "MADV_RANDOM"
	default:
		return b, nil
	}
	// kernels without madvise still map fine
	if err := unix.Madvise(b, advice); err != nil && !errors.Is(err, unix.ENOSYS) {
		unix.Munmap(b)
		return nil, fmt.Errorf("madvise(%s): %w", name, err)
	}
	return b, nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
