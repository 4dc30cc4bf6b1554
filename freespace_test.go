package worlddb

import (
	"testing"

	"github.com/andreyvit/worlddb/internal/filetest"
)

func TestFreeSpace_Allocate(t *testing.T) {
	fs := &freeSpace{regions: []freeRegion{{0, 10}, {20, 100}}, eof: 200}

	// too small for the first region, splits the second
	p := fs.allocate(30)
	deepEqual(t, p, placement{20, 30, true})
	deepEqual(t, fs.regions, []freeRegion{{0, 10}, {50, 70}})

	// less than twice the need: consumed whole
	p = fs.allocate(6)
	deepEqual(t, p, placement{0, 10, true})
	deepEqual(t, fs.regions, []freeRegion{{50, 70}})

	// nothing fits: append
	p = fs.allocate(80)
	deepEqual(t, p, placement{200, 80, false})
	deepEqual(t, fs.eof, int32(280))
}

func TestFreeSpace_ReleaseMerges(t *testing.T) {
	fs := &freeSpace{eof: 100}
	fs.release(10, 10)
	fs.release(40, 10)
	fs.release(20, 20)
	deepEqual(t, fs.regions, []freeRegion{{10, 40}})
	deepEqual(t, fs.TotalFree(), int64(40))

	fs.release(0, 0)
	deepEqual(t, len(fs.regions), 1)

	fs.release(90, 30)
	deepEqual(t, fs.regions, []freeRegion{{10, 40}, {90, 30}})
	deepEqual(t, fs.eof, int32(120))
}

func TestFreeSpace_Shrink(t *testing.T) {
	fs := &freeSpace{eof: 100}
	if c := fs.shrink(0, 100, 60); c != 100 {
		t.Fatalf("shrink(100, 60) = %d, wanted 100", c)
	}
	if len(fs.regions) != 0 {
		t.Fatalf("regions = %v, wanted none", fs.regions)
	}
	if c := fs.shrink(0, 100, 40); c != 40 {
		t.Fatalf("shrink(100, 40) = %d, wanted 40", c)
	}
	deepEqual(t, fs.regions, []freeRegion{{40, 60}})
}

func TestFreeSpace_Encoding(t *testing.T) {
	fs := &freeSpace{regions: []freeRegion{{8, 4}, {32, 16}}, eof: 64}
	data := fs.encode()
	filetest.BytesEq(t, data, filetest.Expand("=2 =8 =4 =32 =16 =64"))

	fs2, err := decodeFreeSpace(data)
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, fs2.regions, fs.regions)
	deepEqual(t, fs2.eof, fs.eof)
	deepEqual(t, fs2.String(), "eof=64 free=20 8+4 32+16")
}

func TestFreeSpace_DecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"empty", ""},
		{"count too large", "=5 =0 =1 =2"},
		{"negative region", "=1 =-1 =4 =10"},
		{"trailing", "=0 =10 00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeFreeSpace(filetest.Expand(tt.spec)); err == nil {
				t.Fatalf("decoded %q without error", tt.spec)
			}
		})
	}
}

func TestFreeSpace_DecodeNormalizes(t *testing.T) {
	fs, err := decodeFreeSpace(filetest.Expand("=2 =10 =5 =0 =10 =12"))
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, fs.regions, []freeRegion{{0, 15}})
	deepEqual(t, fs.eof, int32(15))
}
