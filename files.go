package worlddb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andreyvit/worlddb/mmap"
)

// dataFile is a lazily opened database file. Each read or write holds mu,
// so that size checks and the I/O they guard are not interleaved.
type dataFile struct {
	mu   sync.Mutex
	name string
	path string
	f    *os.File
}

func (df *dataFile) open() error {
	if df.f != nil {
		return nil
	}
	f, err := os.OpenFile(df.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	df.f = f
	return nil
}

// ReadAt reads up to len(buf) bytes at off. Reading past the end of file is
// not an error; the returned count is short instead.
func (df *dataFile) ReadAt(buf []byte, off int64) (int, error) {
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.open(); err != nil {
		return 0, err
	}
	n, err := df.f.ReadAt(buf, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (df *dataFile) WriteAt(buf []byte, off int64) error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.open(); err != nil {
		return err
	}
	_, err := df.f.WriteAt(buf, off)
	return err
}

func (df *dataFile) Size() (int64, error) {
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.open(); err != nil {
		return 0, err
	}
	st, err := df.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (df *dataFile) Truncate(size int64) error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.open(); err != nil {
		return err
	}
	return df.f.Truncate(size)
}

func (df *dataFile) Sync() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if df.f == nil {
		return nil
	}
	return mmap.Fdatasync(df.f)
}

func (df *dataFile) Close() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if df.f == nil {
		return nil
	}
	err := df.f.Close()
	df.f = nil
	return err
}

// fileSet caches one dataFile per file name for the lifetime of an engine.
type fileSet struct {
	dir    string
	noSync bool

	mu    sync.Mutex
	files map[string]*dataFile
}

func newFileSet(dir string, noSync bool) *fileSet {
	return &fileSet{
		dir:    dir,
		noSync: noSync,
		files:  make(map[string]*dataFile),
	}
}

func (fs *fileSet) file(name string) *dataFile {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	df := fs.files[name]
	if df == nil {
		df = &dataFile{name: name, path: filepath.Join(fs.dir, name)}
		fs.files[name] = df
	}
	return df
}

func (fs *fileSet) path(name string) string {
	return filepath.Join(fs.dir, name)
}

// readAll returns the contents of the named file, or nil if it does not
// exist.
func (fs *fileSet) readAll(name string) ([]byte, error) {
	b, err := os.ReadFile(fs.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (fs *fileSet) sync(df *dataFile) error {
	if fs.noSync {
		return nil
	}
	return df.Sync()
}

// remove closes and deletes the named file if it exists.
func (fs *fileSet) remove(name string) error {
	fs.mu.Lock()
	df := fs.files[name]
	delete(fs.files, name)
	fs.mu.Unlock()
	if df != nil {
		if err := df.Close(); err != nil {
			return err
		}
	}
	err := os.Remove(fs.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (fs *fileSet) close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for name, df := range fs.files {
		if err := df.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", name, err)
		}
	}
	fs.files = make(map[string]*dataFile)
	return firstErr
}
