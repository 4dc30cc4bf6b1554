package worlddb

import (
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/worlddb/internal/filetest"
)

func stagedSample(t *testing.T) []byte {
	sw := newStagedWriter()
	sw.begin("a.var")
	ensure(sw.write(0, []byte("hello")))
	ensure(sw.write(8, []byte("world")))
	sw.end()
	ensure(sw.replaceFile("b.spc", []byte{1, 2}))
	if sw.chunks != 3 || sw.bytes != 12 || sw.Empty() {
		t.Fatalf("chunks=%d bytes=%d empty=%v", sw.chunks, sw.bytes, sw.Empty())
	}
	return sw.finish()
}

func TestStagedWriter_Format(t *testing.T) {
	data := stagedSample(t)
	body := filetest.Expand(
		"~5 'a.var",
		"=5 =0 'hello",
		"=5 =8 'world",
		"=0",
		"~5 'b.spc",
		"=2 =0 0102",
		"=-3",
		"~0",
	)
	sum := binary.LittleEndian.AppendUint64(nil, xxhash.Sum64(body))
	filetest.BytesEq(t, data, append(body, sum...))
}

func TestReplayStaged(t *testing.T) {
	d := filetest.New(t)
	d.Put("b.spc", "ff ff ff ff ff")
	fs := newFileSet(d.Path, true)
	defer fs.close()

	st, err := replayStaged(fs, stagedSample(t), -1)
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, st, replayStats{Files: 2, Chunks: 3, Bytes: 12})
	d.Eq("a.var", "'hello 000000 'world")
	d.Eq("b.spc", "0102")

	// replaying again is harmless
	if _, err := replayStaged(fs, stagedSample(t), -1); err != nil {
		t.Fatal(err)
	}
	d.Eq("a.var", "'hello 000000 'world")
	d.Eq("b.spc", "0102")
}

func TestReplayStaged_Limit(t *testing.T) {
	d := filetest.New(t)
	fs := newFileSet(d.Path, true)
	defer fs.close()

	st, err := replayStaged(fs, stagedSample(t), 1)
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, st.Chunks, 1)
	d.Eq("a.var", "'hello")
	if d.Size("b.spc") != -1 {
		t.Fatalf("b.spc written past the limit")
	}
}

func TestReplayStaged_Corrupt(t *testing.T) {
	d := filetest.New(t)
	fs := newFileSet(d.Path, true)
	defer fs.close()

	data := stagedSample(t)
	data[3] ^= 0xff
	_, err := replayStaged(fs, data, -1)
	if !errors.Is(err, ErrStagedCorrupt) {
		t.Fatalf("err = %v, wanted ErrStagedCorrupt", err)
	}
	if names := d.FileNames(); len(names) != 0 {
		t.Fatalf("files written from a corrupt staged file: %v", names)
	}

	_, err = replayStaged(fs, []byte{1, 2}, -1)
	if !errors.Is(err, ErrStagedCorrupt) {
		t.Fatalf("short file: err = %v, wanted ErrStagedCorrupt", err)
	}
}

func TestReplayStagedFile(t *testing.T) {
	d := filetest.New(t)
	fs := newFileSet(d.Path, true)
	defer fs.close()

	st, err := replayStagedFile(fs, -1)
	if err != nil || st.Chunks != 0 {
		t.Fatalf("missing staged.bin: %+v, %v", st, err)
	}

	if err := os.WriteFile(d.Path+"/"+stagedFileName, stagedSample(t), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err = replayStagedFile(fs, -1)
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, st.Files, 2)
	d.Eq("a.var", "'hello 000000 'world")
}

func TestStagedWriter_ChunkTooLarge(t *testing.T) {
	sw := newStagedWriter()
	sw.maxChunk = 4
	sw.begin("a.var")
	if err := sw.write(0, []byte("hello")); !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("err = %v, wanted ErrChunkTooLarge", err)
	}
	if err := sw.write(0, nil); err != nil {
		t.Fatalf("empty write: %v", err)
	}
	if err := sw.write(-1, []byte("x")); err == nil {
		t.Fatalf("negative position accepted")
	}
	sw.end()
}

func TestStagedWriter_MisusePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	sw := newStagedWriter()
	sw.begin("a")
	sw.finish()
}
