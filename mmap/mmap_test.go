package mmap

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOptionsHas(t *testing.T) {
	o := SequentialAccess | Prefault
	if !o.Has(Prefault) || o.Has(RandomAccess) {
		t.Fatalf("Has returned unexpected results for %b", o)
	}
}

func TestMapAndUnmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.var")
	data := bytes.Repeat([]byte("world"), 1000)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	b, err := Map(f, len(data), RandomAccess|Prefault)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !bytes.Equal(b, data) {
		t.Fatalf("mapped contents differ")
	}
	if err := Unmap(b); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestMap_PanicsOnEmpty(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "empty"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_, _ = Map(f, 0, 0)
}

func TestFdatasync(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "main.bin"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write([]byte{1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := Fdatasync(f); err != nil {
		t.Fatalf("Fdatasync: %v", err)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staged.bin")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := ReadFile(path, SequentialAccess)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(m.Data) != "hello" {
		t.Fatalf("Data = %q, wanted hello", m.Data)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestReadFile_MissingAndEmpty(t *testing.T) {
	dir := t.TempDir()

	m, err := ReadFile(filepath.Join(dir, "missing.bin"), 0)
	if err != nil {
		t.Fatalf("ReadFile(missing): %v", err)
	}
	if m.Data != nil {
		t.Fatalf("missing file mapped to %d bytes", len(m.Data))
	}
	m.Close()

	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	m, err = ReadFile(empty, 0)
	if err != nil {
		t.Fatalf("ReadFile(empty): %v", err)
	}
	if m.Data != nil {
		t.Fatalf("empty file mapped to %d bytes", len(m.Data))
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
