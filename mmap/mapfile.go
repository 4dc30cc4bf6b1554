package mmap

import (
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrTooLarge is returned by ReadFile for files larger than the address
// space.
var ErrTooLarge = errors.New("file too large to map")

// Mapping is a read-only view of a whole file.
type Mapping struct {
	f    *os.File
	Data []byte
}

// ReadFile maps the whole file at path read-only. A missing or empty file
// yields a Mapping with nil Data; Close is still safe to call.
func ReadFile(path string, opt Options) (*Mapping, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Mapping{}, nil
	} else if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &Mapping{f: f}, nil
	}
	if size > math.MaxInt {
		f.Close()
		return nil, fmt.Errorf("%s: %w (%d bytes)", path, ErrTooLarge, size)
	}
	data, err := Map(f, int(size), opt)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Mapping{f: f, Data: data}, nil
}

func (m *Mapping) Close() error {
	var err error
	if m.Data != nil {
		err = Unmap(m.Data)
		m.Data = nil
	}
	if m.f != nil {
		if cerr := m.f.Close(); err == nil {
			err = cerr
		}
		m.f = nil
	}
	return err
}
