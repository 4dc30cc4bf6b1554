package worlddb

import (
	"fmt"
	"slices"
	"strings"
)

type freeRegion struct {
	Off  int32
	Size int32
}

func (r freeRegion) end() int32 { return r.Off + r.Size }

// freeSpace tracks reusable byte ranges of a class's .var file. It is
// persisted as <Class>.spc:
//
//	count:i32 (offset:i32 size:i32)*count eof:i32
type freeSpace struct {
	regions []freeRegion // sorted by offset, never adjacent
	eof     int32
}

type placement struct {
	Off      int32
	Capacity int32
	Reused   bool
}

func decodeFreeSpace(data []byte) (*freeSpace, error) {
	d := makeByteDecoder(data)
	n, err := d.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > d.Remaining()/spaceEntrySize {
		return nil, dataErrf(data, 0, nil, "invalid free region count %d", n)
	}
	fs := &freeSpace{regions: make([]freeRegion, 0, n)}
	for range n {
		off, err := d.Int32()
		if err != nil {
			return nil, err
		}
		size, err := d.Int32()
		if err != nil {
			return nil, err
		}
		if off < 0 || size < 0 {
			return nil, dataErrf(data, d.Off()-spaceEntrySize, nil, "invalid free region %d+%d", off, size)
		}
		fs.regions = append(fs.regions, freeRegion{off, size})
	}
	fs.eof, err = d.Int32()
	if err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, dataErrf(data, d.Off(), nil, "trailing data")
	}
	fs.normalize()
	return fs, nil
}

func (fs *freeSpace) encode() []byte {
	var bb bytesBuilder
	bb.EnsureExtra(spaceHeaderSize + len(fs.regions)*spaceEntrySize + 4)
	bb.AppendInt32(int32(len(fs.regions)))
	for _, r := range fs.regions {
		bb.AppendInt32(r.Off)
		bb.AppendInt32(r.Size)
	}
	bb.AppendInt32(fs.eof)
	return bb.Buf
}

// normalize sorts regions, drops empty ones and merges adjacent or
// overlapping runs. Regions reaching past eof extend it.
func (fs *freeSpace) normalize() {
	slices.SortFunc(fs.regions, func(a, b freeRegion) int {
		return int(a.Off) - int(b.Off)
	})
	out := fs.regions[:0]
	for _, r := range fs.regions {
		if r.Size == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].end() >= r.Off {
			if e := r.end(); e > out[n-1].end() {
				out[n-1].Size = e - out[n-1].Off
			}
			continue
		}
		out = append(out, r)
	}
	fs.regions = out
	if n := len(out); n > 0 && out[n-1].end() > fs.eof {
		fs.eof = out[n-1].end()
	}
}

// allocate finds room for need bytes: the first region that fits is split
// if it is at least twice the size needed and consumed whole otherwise.
// Without a fitting region the data goes to the end of file.
func (fs *freeSpace) allocate(need int32) placement {
	if need > 0 {
		for i, r := range fs.regions {
			if r.Size < need {
				continue
			}
			if r.Size >= 2*need {
				fs.regions[i] = freeRegion{r.Off + need, r.Size - need}
				return placement{r.Off, need, true}
			}
			fs.regions = slices.Delete(fs.regions, i, i+1)
			return placement{r.Off, r.Size, true}
		}
	}
	p := placement{fs.eof, need, false}
	fs.eof += need
	return p
}

// shrink returns the tail of an in-place rewrite to the free list when the
// object now uses less than half of its region.
func (fs *freeSpace) shrink(off, capacity, need int32) int32 {
	if need > 0 && capacity >= 2*need {
		fs.release(off+need, capacity-need)
		return need
	}
	return capacity
}

func (fs *freeSpace) release(off, size int32) {
	if size <= 0 {
		return
	}
	i, _ := slices.BinarySearchFunc(fs.regions, off, func(r freeRegion, off int32) int {
		return int(r.Off) - int(off)
	})
	fs.regions = slices.Insert(fs.regions, i, freeRegion{off, size})
	fs.normalize()
}

func (fs *freeSpace) TotalFree() int64 {
	var n int64
	for _, r := range fs.regions {
		n += int64(r.Size)
	}
	return n
}

func (fs *freeSpace) clone() *freeSpace {
	return &freeSpace{regions: slices.Clone(fs.regions), eof: fs.eof}
}

func (fs *freeSpace) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "eof=%d free=%d", fs.eof, fs.TotalFree())
	for _, r := range fs.regions {
		fmt.Fprintf(&buf, " %d+%d", r.Off, r.Size)
	}
	return buf.String()
}
