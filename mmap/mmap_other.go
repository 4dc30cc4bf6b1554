//go:build !unix

package mmap

import (
	"fmt"
	"io"
	"os"
)

// Without mmap the file is read into memory.
func mmap(f *os.File, size int, _ Options) ([]byte, error) {
	b := make([]byte, size)
	if _, err := f.ReadAt(b, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read: %w", err)
	}
	return b, nil
}

func munmap([]byte) error {
	return nil
}
