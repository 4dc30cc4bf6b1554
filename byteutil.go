package worlddb

import (
	"encoding/binary"
	"io"
	"math"
)

// maxVarint is the largest value accepted for parser ids and record lengths.
const maxVarint = 1<<28 - 1

const maxVarintLen = 4

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	newLen := off + n
	buf = ensureCapacity(buf, newLen)
	return off, buf[:newLen]
}

func appendRaw(buf []byte, chunk []byte) []byte {
	n := len(chunk)
	off, buf := grow(buf, n)
	copy(buf[off:], chunk)
	return buf
}

// bytesBuilder accumulates little-endian fixed-width integers, varints and
// raw bytes. All on-disk structures are produced through it.
type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Len() int {
	return len(bb.Buf)
}

func (bb *bytesBuilder) Reset() {
	bb.Buf = bb.Buf[:0]
}

func (bb *bytesBuilder) EnsureExtra(n int) {
	bb.Buf = ensureCapacity(bb.Buf, len(bb.Buf)+n)
}

func (bb *bytesBuilder) Grow(n int) (off int) {
	off, bb.Buf = grow(bb.Buf, n)
	return
}

func (bb *bytesBuilder) Trim(off int) {
	bb.Buf = bb.Buf[:off]
}

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = appendRaw(bb.Buf, b)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	off := bb.Grow(1)
	bb.Buf[off] = v
	return nil
}

func (bb *bytesBuilder) AppendByte(v byte) {
	off := bb.Grow(1)
	bb.Buf[off] = v
}

func (bb *bytesBuilder) AppendUint16(v uint16) {
	off := bb.Grow(2)
	binary.LittleEndian.PutUint16(bb.Buf[off:], v)
}

func (bb *bytesBuilder) AppendInt32(v int32) {
	off := bb.Grow(4)
	binary.LittleEndian.PutUint32(bb.Buf[off:], uint32(v))
}

func (bb *bytesBuilder) AppendInt64(v int64) {
	off := bb.Grow(8)
	binary.LittleEndian.PutUint64(bb.Buf[off:], uint64(v))
}

func (bb *bytesBuilder) AppendUint64(v uint64) {
	off := bb.Grow(8)
	binary.LittleEndian.PutUint64(bb.Buf[off:], v)
}

// AppendUvarint writes v using 7 bits per byte, low bits first. Values above
// maxVarint are a programming error.
func (bb *bytesBuilder) AppendUvarint(v int) {
	if v < 0 || v > maxVarint {
		panic("varint out of range")
	}
	off := bb.Grow(maxVarintLen)
	n := binary.PutUvarint(bb.Buf[off:], uint64(v))
	bb.Trim(off + n)
}

// AppendString16 writes a u16 length prefix followed by the bytes of s.
func (bb *bytesBuilder) AppendString16(s string) {
	if len(s) > math.MaxUint16 {
		panic("string too long")
	}
	bb.AppendUint16(uint16(len(s)))
	off := bb.Grow(len(s))
	copy(bb.Buf[off:], s)
}

func putInt32(b []byte, v int32) {
	binary.LittleEndian.PutUint32(b, uint32(v))
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Remaining() int {
	return len(d.Buf)
}

func (d *byteDecoder) Uvarint() (int, error) {
	var v uint64
	for i := 0; i < maxVarintLen; i++ {
		if i >= len(d.Buf) {
			return 0, dataErrf(d.Orig, d.Off(), nil, "truncated varint")
		}
		b := d.Buf[i]
		v |= uint64(b&0x7F) << (7 * i)
		if b < 0x80 {
			d.Buf = d.Buf[i+1:]
			return int(v), nil
		}
	}
	return 0, dataErrf(d.Orig, d.Off(), nil, "varint exceeds %d bytes", maxVarintLen)
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if n < 0 || len(d.Buf) < n {
		return nil, dataErrf(d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uint16() (uint16, error) {
	b, err := d.Raw(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *byteDecoder) Int32() (int32, error) {
	b, err := d.Raw(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (d *byteDecoder) Int64() (int64, error) {
	b, err := d.Raw(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (d *byteDecoder) String16() (string, error) {
	n, err := d.Uint16()
	if err != nil {
		return "", err
	}
	b, err := d.Raw(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
