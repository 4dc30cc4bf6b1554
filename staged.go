package worlddb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/worlddb/mmap"
)

// Staged file format:
//
//	file       = chunkGroup* endMarker:u16(0) checksum:u64
//	chunkGroup = nameLen:u16 name chunk* terminator:i32
//	chunk      = size:i32(>0) position:i32 bytes[size]
//
// A zero terminator ends the group; a negative terminator t truncates the
// file to -t-1 bytes. The checksum is xxhash64 of everything before it.
// Replaying a staged file is an idempotent sequence of overwrites, so it is
// safe to repeat after a crash in the middle of a replay.

const stagedTrailerSize = 2 + 8

type stagedWriter struct {
	bb       bytesBuilder
	maxChunk int
	inGroup  bool
	groups   int
	chunks   int
	bytes    int64
}

func newStagedWriter() *stagedWriter {
	return &stagedWriter{maxChunk: math.MaxInt32}
}

func (sw *stagedWriter) Empty() bool {
	return sw.groups == 0
}

func (sw *stagedWriter) begin(name string) {
	if sw.inGroup {
		panic("staged: begin inside a group")
	}
	if name == "" {
		panic("staged: empty file name")
	}
	sw.bb.AppendString16(name)
	sw.inGroup = true
	sw.groups++
}

// write stages an overwrite of data at pos. Writes larger than the chunk size
// limit are rejected with ErrChunkTooLarge.
func (sw *stagedWriter) write(pos int64, data []byte) error {
	if !sw.inGroup {
		panic("staged: write outside of a group")
	}
	if len(data) == 0 {
		return nil
	}
	if len(data) > sw.maxChunk {
		return fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(data))
	}
	if pos < 0 || pos > math.MaxInt32 {
		return fmt.Errorf("staged: position %d out of range", pos)
	}
	sw.bb.AppendInt32(int32(len(data)))
	sw.bb.AppendInt32(int32(pos))
	sw.bb.Write(data)
	sw.chunks++
	sw.bytes += int64(len(data))
	return nil
}

func (sw *stagedWriter) end() {
	if !sw.inGroup {
		panic("staged: end outside of a group")
	}
	sw.bb.AppendInt32(0)
	sw.inGroup = false
}

func (sw *stagedWriter) endTruncate(size int64) {
	if !sw.inGroup {
		panic("staged: end outside of a group")
	}
	if size < 0 || size >= math.MaxInt32 {
		panic(fmt.Errorf("staged: truncate size %d out of range", size))
	}
	sw.bb.AppendInt32(int32(-size - 1))
	sw.inGroup = false
}

// replaceFile stages a whole-file rewrite.
func (sw *stagedWriter) replaceFile(name string, data []byte) error {
	sw.begin(name)
	if err := sw.write(0, data); err != nil {
		return err
	}
	sw.endTruncate(int64(len(data)))
	return nil
}

func (sw *stagedWriter) finish() []byte {
	if sw.inGroup {
		panic("staged: finish inside a group")
	}
	sw.bb.AppendUint16(0)
	sw.bb.AppendUint64(xxhash.Sum64(sw.bb.Buf))
	return sw.bb.Buf
}

type replayStats struct {
	Files  int
	Chunks int
	Bytes  int64
}

// verifyStaged checks the trailer of a staged file.
func verifyStaged(data []byte) error {
	n := len(data)
	if n < stagedTrailerSize {
		return fmt.Errorf("%w: %d bytes", ErrStagedCorrupt, n)
	}
	sum := binary.LittleEndian.Uint64(data[n-8:])
	if actual := xxhash.Sum64(data[:n-8]); actual != sum {
		return fmt.Errorf("%w: checksum %016x, expected %016x", ErrStagedCorrupt, actual, sum)
	}
	return nil
}

type stagedGroup struct {
	name     string
	chunks   []stagedChunk
	truncate int64 // -1 if none
}

type stagedChunk struct {
	pos  int64
	data []byte
}

// parseStaged decodes a verified staged file and calls f for each group.
func parseStaged(data []byte, f func(g *stagedGroup) error) error {
	d := makeByteDecoder(data[:len(data)-8])
	for {
		name, err := d.String16()
		if err != nil {
			return err
		}
		if name == "" {
			if d.Remaining() != 0 {
				return dataErrf(d.Orig, d.Off(), ErrStagedCorrupt, "trailing data after end marker")
			}
			return nil
		}
		g := &stagedGroup{name: name, truncate: -1}
		for {
			size, err := d.Int32()
			if err != nil {
				return err
			}
			if size == 0 {
				break
			}
			if size < 0 {
				g.truncate = int64(-size - 1)
				break
			}
			pos, err := d.Int32()
			if err != nil {
				return err
			}
			if pos < 0 {
				return dataErrf(d.Orig, d.Off()-4, ErrStagedCorrupt, "negative position")
			}
			b, err := d.Raw(int(size))
			if err != nil {
				return err
			}
			g.chunks = append(g.chunks, stagedChunk{int64(pos), b})
		}
		if err := f(g); err != nil {
			return err
		}
	}
}

// replayStaged copies every staged chunk into its target file. limit, when
// non-negative, stops after that many chunks without error; tests use it to
// simulate a crash in the middle of a replay.
func replayStaged(fs *fileSet, data []byte, limit int) (replayStats, error) {
	var st replayStats
	if err := verifyStaged(data); err != nil {
		return st, err
	}
	var touched []*dataFile
	errStop := errors.New("stop")
	err := parseStaged(data, func(g *stagedGroup) error {
		df := fs.file(g.name)
		touched = append(touched, df)
		st.Files++
		for _, c := range g.chunks {
			if limit >= 0 && st.Chunks >= limit {
				return errStop
			}
			if err := df.WriteAt(c.data, c.pos); err != nil {
				return fmt.Errorf("%s: %w", g.name, err)
			}
			st.Chunks++
			st.Bytes += int64(len(c.data))
		}
		if g.truncate >= 0 {
			if err := df.Truncate(g.truncate); err != nil {
				return fmt.Errorf("%s: %w", g.name, err)
			}
		}
		return nil
	})
	if err == errStop {
		return st, nil
	} else if err != nil {
		return st, err
	}
	for _, df := range touched {
		if err := fs.sync(df); err != nil {
			return st, fmt.Errorf("%s: %w", df.name, err)
		}
	}
	return st, nil
}

// replayStagedFile maps staged.bin and replays it. A missing or empty file
// replays nothing.
func replayStagedFile(fs *fileSet, limit int) (replayStats, error) {
	m, err := mmap.ReadFile(fs.path(stagedFileName), mmap.SequentialAccess)
	if err != nil {
		return replayStats{}, err
	}
	defer m.Close()
	if len(m.Data) == 0 {
		return replayStats{}, nil
	}
	return replayStaged(fs, m.Data, limit)
}
