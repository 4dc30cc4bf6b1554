// Package filetest helps tests describe and compare binary database files.
//
// Byte specs are whitespace-separated elements:
//
//	0a0b      hex bytes; '_' separates bytes of odd width
//	#300      uvarint
//	=-1       little-endian int32
//	~7        little-endian uint16
//	'text     raw ASCII
//	ab..      hex padded with zeros to 4 bytes; '...' pads to 8
//	00*16     repeat
//	/note     comment, ignored
package filetest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
)

type Dir struct {
	T    testing.TB
	Path string
}

func New(t testing.TB) *Dir {
	return &Dir{T: t, Path: t.TempDir()}
}

func (d *Dir) Eq(fileName string, expected ...string) {
	d.T.Helper()
	BytesEq(d.T, d.Data(fileName), Expand(expected...))
}

func (d *Dir) Put(fileName string, spec ...string) {
	d.T.Helper()
	if err := os.WriteFile(filepath.Join(d.Path, fileName), Expand(spec...), 0o644); err != nil {
		d.T.Fatal(err)
	}
}

func (d *Dir) PutBytes(fileName string, data []byte) {
	d.T.Helper()
	if err := os.WriteFile(filepath.Join(d.Path, fileName), data, 0o644); err != nil {
		d.T.Fatal(err)
	}
}

// Data returns the contents of a file, or nil if it does not exist.
func (d *Dir) Data(fileName string) []byte {
	d.T.Helper()
	b, err := os.ReadFile(filepath.Join(d.Path, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		d.T.Fatalf("when reading %v: %v", fileName, err)
	}
	return b
}

func (d *Dir) Size(fileName string) int64 {
	d.T.Helper()
	fi, err := os.Stat(filepath.Join(d.Path, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return -1
		}
		d.T.Fatal(err)
	}
	return fi.Size()
}

func (d *Dir) FileNames() []string {
	d.T.Helper()
	ents, err := os.ReadDir(d.Path)
	if err != nil {
		d.T.Fatal(err)
	}
	var names []string
	for _, ent := range ents {
		names = append(names, ent.Name())
	}
	slices.Sort(names)
	return names
}

// Logger returns a debug-level logger writing to t.Log.
func Logger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(&logWriter{t}, &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	}))
}

type logWriter struct{ t testing.TB }

func (c *logWriter) Write(buf []byte) (int, error) {
	msg := string(buf)
	origLen := len(msg)
	msg = strings.TrimSuffix(msg, "\n")
	c.t.Log(msg)
	return origLen, nil
}

func Expand(specs ...string) []byte {
	var b []byte
	for _, spec := range specs {
		for _, elem := range strings.Fields(spec) {
			base, _, _ := strings.Cut(elem, "/")
			if base == "" {
				continue
			}

			base, repStr, _ := strings.Cut(base, "*")
			rep := 1
			if repStr != "" {
				var err error
				rep, err = strconv.Atoi(repStr)
				if err != nil {
					panic(fmt.Sprintf("invalid repeat count %q in element %q", repStr, elem))
				}
			}

			var right string
			var padTo4, padTo8 bool
			if !strings.HasPrefix(base, "'") {
				base, right, padTo8 = strings.Cut(base, "...")
				if !padTo8 {
					base, right, padTo4 = strings.Cut(base, "..")
				}
			}

			baseBytes, err := appendElem(nil, base)
			if err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}
			rightBytes, err := appendElem(nil, right)
			if err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}

			for range rep {
				b = append(b, baseBytes...)
				n := len(baseBytes) + len(rightBytes)
				if padTo8 && n < 8 {
					b = append(b, make([]byte, 8-n)...)
				} else if padTo4 && n < 4 {
					b = append(b, make([]byte, 4-n)...)
				}
				b = append(b, rightBytes...)
			}
		}
	}
	return b
}

func appendElem(data []byte, s string) ([]byte, error) {
	if v, ok := strings.CutPrefix(s, "#"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, err
		}
		return binary.AppendUvarint(data, n), nil
	} else if v, ok := strings.CutPrefix(s, "="); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(data, uint32(int32(n))), nil
	} else if v, ok := strings.CutPrefix(s, "~"); ok {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint16(data, uint16(n)), nil
	} else if v, ok := strings.CutPrefix(s, "'"); ok {
		return append(data, v...), nil
	}
	return appendHex(data, s)
}

func appendHex(data []byte, hex string) ([]byte, error) {
	const none byte = 0xFF

	prev := none
	for _, b := range []byte(hex) {
		var half byte
		switch b {
		case '_':
			if prev != none {
				data = append(data, prev)
				prev = none
			}
			continue
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			half = b - '0'
		case 'a', 'b', 'c', 'd', 'e', 'f':
			half = b - 'a' + 10
		case 'A', 'B', 'C', 'D', 'E', 'F':
			half = b - 'A' + 10
		default:
			return nil, fmt.Errorf("invalid char '%c'", b)
		}
		if prev == none {
			prev = half
		} else {
			data = append(data, prev<<4|half)
			prev = none
		}
	}
	if prev != none {
		data = append(data, prev)
	}
	return data, nil
}

func HexDump(b []byte, highlightOff int) string {
	var buf strings.Builder
	var off int
	n := len(b)
	for {
		fmt.Fprintf(&buf, "%08x", off)
		if off >= n {
			buf.WriteByte('\n')
			break
		}
		buf.WriteByte(' ')
		for i := range 8 {
			switch {
			case off+i >= n:
				buf.WriteString("   ")
				continue
			case highlightOff >= 0 && off+i == highlightOff:
				buf.WriteByte('>')
			default:
				buf.WriteByte(' ')
			}
			fmt.Fprintf(&buf, "%02x", b[off+i])
		}
		buf.WriteString("  |")
		for i := range 8 {
			if off+i < n {
				v := b[off+i]
				if v >= 32 && v <= 126 {
					buf.WriteByte(v)
				} else {
					buf.WriteByte('.')
				}
			}
		}
		off += 8
		buf.WriteString("|\n")
		if off >= n {
			break
		}
	}
	return buf.String()
}

func BytesEq(t testing.TB, a, e []byte) bool {
	if bytes.Equal(a, e) {
		return true
	}
	an, en := len(a), len(e)
	off := min(an, en)
	for i := range min(an, en) {
		if a[i] != e[i] {
			off = i
			break
		}
	}
	t.Helper()
	t.Errorf("** got:\n%v\nwanted:\n%v\nfirst difference offset: 0x%x (%d)", HexDump(a, off), HexDump(e, off), off, off)
	return false
}
