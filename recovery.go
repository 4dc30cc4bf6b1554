package worlddb

import (
	"fmt"
	"log/slog"
	"os"
)

type RecoveryResult struct {
	PriorState DatabaseState
	Unclean    bool // the previous process did not close the database
	Replayed   bool
	Files      int
	Chunks     int
	Bytes      int64
}

// recoverDir brings the database files to a consistent state after a
// crash. Only WritingToDatabase needs work: staged.bin is complete and is
// replayed. In earlier states nothing but the transient files was touched,
// so they are discarded.
func recoverDir(fs *fileSet, logger *slog.Logger) (*RecoveryResult, error) {
	h, err := readMainHeader(fs)
	if err != nil {
		return nil, err
	}
	res := &RecoveryResult{PriorState: h.State, Unclean: h.Running}
	if h.Running {
		logger.Warn("worlddb: database was not closed cleanly", "dir", fs.dir, "state", h.State.String())
	}

	switch h.State {
	case UpToDate:
	case WritingToDatabase:
		st, err := replayStagedFile(fs, -1)
		if err != nil {
			return res, fmt.Errorf("replaying %s: %w", stagedFileName, err)
		}
		res.Replayed = true
		res.Files, res.Chunks, res.Bytes = st.Files, st.Chunks, st.Bytes
		logger.Warn("worlddb: replayed interrupted commit", "dir", fs.dir, "files", st.Files, "chunks", st.Chunks, "bytes", st.Bytes)
	default:
		logger.Warn("worlddb: discarding interrupted save pass", "dir", fs.dir, "state", h.State.String())
	}

	for _, name := range []string{prestagedFileName, stagedFileName} {
		if err := fs.remove(name); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Recover runs crash recovery on a database directory that no process has
// open. The schema is not needed.
func Recover(dir string, logger *slog.Logger) (*RecoveryResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	fs := newFileSet(dir, false)
	defer fs.close()
	res, err := recoverDir(fs, logger)
	if err != nil {
		return res, err
	}
	if err := writeMainHeader(fs, mainHeader{Running: false, State: UpToDate}); err != nil {
		return res, err
	}
	return res, nil
}
