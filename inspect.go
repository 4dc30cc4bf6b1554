package worlddb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/andreyvit/worlddb/mmap"
)

// Inspection is a schema-less summary of a database directory, built from
// the files alone.
type Inspection struct {
	Dir         string
	Running     bool
	State       DatabaseState
	NextClassID int32
	ObjectTypes []*TypeInspection
	Classes     []*ClassInspection

	StagedBytes int64
	StagedErr   error // staged.bin present but failing verification
}

type TypeInspection struct {
	Name       string
	Records    int
	Used       int
	Tombstones int
	ByClass    map[int32]int
}

type ClassInspection struct {
	Name        string
	ID          int32
	ParserCount int
	Fields      []FieldInspection
	VarSize     int64
	FreeBytes   int64
	FreeRegions int
	Orphaned    bool // .var without a .map
}

type FieldInspection struct {
	ParserID uint16
	Owner    string
	Key      string
}

// Inspect reads a database directory without opening it. It never writes,
// so it is safe to run against a directory in need of recovery.
func Inspect(dir string) (*Inspection, error) {
	ins := &Inspection{Dir: dir}

	data, err := readOptional(filepath.Join(dir, mainFileName))
	if err != nil {
		return nil, err
	}
	if len(data) == mainFileSize {
		ins.Running = data[mainRunningOffset] != 0
		ins.State = DatabaseState(data[mainStateOffset])
	} else if len(data) != 0 {
		return nil, dataErrf(data, 0, nil, "%s: invalid size", mainFileName)
	}

	data, err = readOptional(filepath.Join(dir, globalsFileName))
	if err != nil {
		return nil, err
	}
	if ins.NextClassID, err = decodeGlobals(data); err != nil {
		return nil, fmt.Errorf("%s: %w", globalsFileName, err)
	}

	data, err = readOptional(filepath.Join(dir, objectTypesName))
	if err != nil {
		return nil, err
	}
	typeNames, err := decodeObjectTypes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", objectTypesName, err)
	}
	for _, name := range typeNames {
		ti, err := inspectFix(filepath.Join(dir, name+".fix"))
		if err != nil {
			return nil, err
		}
		ti.Name = name
		ins.ObjectTypes = append(ins.ObjectTypes, ti)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*ClassInspection)
	classNamed := func(name string) *ClassInspection {
		ci := byName[name]
		if ci == nil {
			ci = &ClassInspection{Name: name, ID: NoID}
			byName[name] = ci
			ins.Classes = append(ins.Classes, ci)
		}
		return ci
	}
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		fn := ent.Name()
		ext := filepath.Ext(fn)
		name := strings.TrimSuffix(fn, ext)
		if !isValidName(name) {
			continue
		}
		path := filepath.Join(dir, fn)
		switch ext {
		case ".map":
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			m, err := decodeClassMap(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", fn, err)
			}
			ci := classNamed(name)
			ci.ID = m.classID
			ci.ParserCount = int(m.parserCount)
			for _, e := range m.entries {
				ci.Fields = append(ci.Fields, FieldInspection{e.parserID, e.owner, e.key})
			}
			slices.SortFunc(ci.Fields, func(a, b FieldInspection) int { return int(a.ParserID) - int(b.ParserID) })
		case ".var":
			fi, err := ent.Info()
			if err != nil {
				return nil, err
			}
			classNamed(name).VarSize = fi.Size()
		case ".spc":
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			fs, err := decodeFreeSpace(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", fn, err)
			}
			ci := classNamed(name)
			ci.FreeBytes = fs.TotalFree()
			ci.FreeRegions = len(fs.regions)
		}
	}
	for _, ci := range ins.Classes {
		ci.Orphaned = ci.ID == NoID
	}
	slices.SortFunc(ins.Classes, func(a, b *ClassInspection) int { return int(a.ID) - int(b.ID) })

	m, err := mmap.ReadFile(filepath.Join(dir, stagedFileName), mmap.SequentialAccess)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	if len(m.Data) > 0 {
		ins.StagedBytes = int64(len(m.Data))
		ins.StagedErr = verifyStaged(m.Data)
	}
	return ins, nil
}

func inspectFix(path string) (*TypeInspection, error) {
	ti := &TypeInspection{ByClass: make(map[int32]int)}
	m, err := mmap.ReadFile(path, mmap.SequentialAccess)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	data := m.Data
	ti.Records = len(data) / fixRecordSize
	for i := range ti.Records {
		rec := decodeFixRecord(data[i*fixRecordSize:])
		switch {
		case rec.ClassID == tombstoneClassID:
			ti.Tombstones++
		case rec.used():
			ti.Used++
			ti.ByClass[rec.ClassID]++
		}
	}
	return ti, nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Print writes a human-readable report.
func (ins *Inspection) Print(w io.Writer) {
	fmt.Fprintf(w, "%s: state=%s running=%v next_class_id=%d\n", ins.Dir, ins.State, ins.Running, ins.NextClassID)
	if ins.StagedBytes > 0 {
		if ins.StagedErr != nil {
			fmt.Fprintf(w, "staged.bin: %d bytes, %v\n", ins.StagedBytes, ins.StagedErr)
		} else {
			fmt.Fprintf(w, "staged.bin: %d bytes, checksum ok\n", ins.StagedBytes)
		}
	}
	fmt.Fprintln(w, dumpSep1)
	for _, ti := range ins.ObjectTypes {
		fmt.Fprintf(w, "%s: %d records, %d used, %d tombstones\n", ti.Name, ti.Records, ti.Used, ti.Tombstones)
		ids := make([]int32, 0, len(ti.ByClass))
		for id := range ti.ByClass {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "    class %d: %d\n", id, ti.ByClass[id])
		}
	}
	fmt.Fprintln(w, dumpSep1)
	for _, ci := range ins.Classes {
		if ci.Orphaned {
			fmt.Fprintf(w, "%s: no class map, var=%d\n", ci.Name, ci.VarSize)
			continue
		}
		fmt.Fprintf(w, "%s (class %d): %d parsers, var=%d free=%d in %d regions\n", ci.Name, ci.ID, ci.ParserCount, ci.VarSize, ci.FreeBytes, ci.FreeRegions)
		for _, f := range ci.Fields {
			fmt.Fprintf(w, "    p%d = %s.%s\n", f.ParserID, f.Owner, f.Key)
		}
	}
}
