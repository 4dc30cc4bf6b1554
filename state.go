package worlddb

import (
	"fmt"
)

// DatabaseState is the save pipeline phase recorded in main.bin. It is the
// only input to crash recovery.
type DatabaseState uint8

const (
	UpToDate DatabaseState = iota
	SavingPrestaged
	StagingChanges
	WritingToDatabase
)

func (s DatabaseState) String() string {
	switch s {
	case UpToDate:
		return "UpToDate"
	case SavingPrestaged:
		return "SavingPrestaged"
	case StagingChanges:
		return "StagingChanges"
	case WritingToDatabase:
		return "WritingToDatabase"
	default:
		return fmt.Sprintf("DatabaseState(%d)", uint8(s))
	}
}

const (
	mainFileName       = "main.bin"
	globalsFileName    = "globals.bin"
	objectTypesName    = "objectTypes.bin"
	prestagedFileName  = "prestaged.bin"
	stagedFileName     = "staged.bin"
	mainFileSize       = 2
	mainRunningOffset  = 0
	mainStateOffset    = 1
	fixRecordSize      = 16
	firstClassID       = 1
	tombstoneClassID   = -1
	emptySlotClassID   = 0
	spaceHeaderSize    = 4
	spaceEntrySize     = 8
	prestageHeaderSize = 16
)

type mainHeader struct {
	Running bool
	State   DatabaseState
}

func readMainHeader(fs *fileSet) (mainHeader, error) {
	var buf [mainFileSize]byte
	n, err := fs.file(mainFileName).ReadAt(buf[:], 0)
	if err != nil {
		return mainHeader{}, err
	}
	if n == 0 {
		return mainHeader{}, nil
	}
	if n != mainFileSize {
		return mainHeader{}, dataErrf(buf[:n], 0, nil, "%s: invalid size", mainFileName)
	}
	h := mainHeader{
		Running: buf[mainRunningOffset] != 0,
		State:   DatabaseState(buf[mainStateOffset]),
	}
	if h.State > WritingToDatabase {
		return h, dataErrf(buf[:], mainStateOffset, nil, "%s: unknown state %d", mainFileName, h.State)
	}
	return h, nil
}

func writeMainHeader(fs *fileSet, h mainHeader) error {
	var buf [mainFileSize]byte
	if h.Running {
		buf[mainRunningOffset] = 1
	}
	buf[mainStateOffset] = byte(h.State)
	df := fs.file(mainFileName)
	if err := df.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("%s: %w", mainFileName, err)
	}
	return fs.sync(df)
}
