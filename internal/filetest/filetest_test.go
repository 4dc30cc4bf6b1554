package filetest

import (
	"bytes"
	"testing"
)

func TestExpand(t *testing.T) {
	tests := []struct {
		spec     string
		expected []byte
	}{
		{"", nil},
		{"01 02 ff", []byte{1, 2, 0xff}},
		{"0102_3", []byte{1, 2, 3}},
		{"#300", []byte{0xac, 0x02}},
		{"=1", []byte{1, 0, 0, 0}},
		{"=-1", []byte{0xff, 0xff, 0xff, 0xff}},
		{"~258", []byte{2, 1}},
		{"'ab.c", []byte("ab.c")},
		{"ab..", []byte{0xab, 0, 0, 0}},
		{"01...02", []byte{1, 0, 0, 0, 0, 0, 0, 2}},
		{"00*3", []byte{0, 0, 0}},
		{"=2*2", []byte{2, 0, 0, 0, 2, 0, 0, 0}},
		{"01 /comment 02", []byte{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			a := Expand(tt.spec)
			if !bytes.Equal(a, tt.expected) {
				t.Errorf("Expand(%q) = %x, wanted %x", tt.spec, a, tt.expected)
			}
		})
	}
}

func TestExpandPanicsOnBadHex(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Expand("0g")
}

func TestDirPutEq(t *testing.T) {
	d := New(t)
	d.Put("a.bin", "=7 ~1")
	d.Eq("a.bin", "07000000 0100")
	if n := d.Size("a.bin"); n != 6 {
		t.Errorf("Size = %d, wanted 6", n)
	}
	if n := d.Size("missing.bin"); n != -1 {
		t.Errorf("Size(missing) = %d, wanted -1", n)
	}
	if d.Data("missing.bin") != nil {
		t.Errorf("Data(missing) != nil")
	}
	if names := d.FileNames(); len(names) != 1 || names[0] != "a.bin" {
		t.Errorf("FileNames = %v", names)
	}
}
