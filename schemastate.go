package worlddb

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// classMap is the decoded <Class>.map file:
//
//	classID:i32 parserCount:u16 (owner:str16 key:str16 parserID:u16)*
type classMap struct {
	classID     int32
	parserCount uint16
	entries     []mapEntry
}

type mapEntry struct {
	owner    string
	key      string
	parserID uint16
}

func decodeClassMap(data []byte) (*classMap, error) {
	d := makeByteDecoder(data)
	m := new(classMap)
	var err error
	if m.classID, err = d.Int32(); err != nil {
		return nil, err
	}
	if m.parserCount, err = d.Uint16(); err != nil {
		return nil, err
	}
	seen := make(map[uint16]bool)
	for d.Remaining() > 0 {
		var e mapEntry
		if e.owner, err = d.String16(); err != nil {
			return nil, err
		}
		if e.key, err = d.String16(); err != nil {
			return nil, err
		}
		if e.parserID, err = d.Uint16(); err != nil {
			return nil, err
		}
		if e.parserID >= m.parserCount {
			return nil, dataErrf(data, d.Off()-2, nil, "parser id %d >= parser count %d", e.parserID, m.parserCount)
		}
		if seen[e.parserID] {
			return nil, dataErrf(data, d.Off()-2, nil, "duplicate parser id %d", e.parserID)
		}
		seen[e.parserID] = true
		m.entries = append(m.entries, e)
	}
	return m, nil
}

func (m *classMap) encode() []byte {
	var bb bytesBuilder
	bb.AppendInt32(m.classID)
	bb.AppendUint16(m.parserCount)
	for _, e := range m.entries {
		bb.AppendString16(e.owner)
		bb.AppendString16(e.key)
		bb.AppendUint16(e.parserID)
	}
	return bb.Buf
}

func decodeObjectTypes(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	d := makeByteDecoder(data)
	n, err := d.Uint16()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, n)
	for range n {
		name, err := d.String16()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if d.Remaining() != 0 {
		return nil, dataErrf(data, d.Off(), nil, "%s: trailing data", objectTypesName)
	}
	return names, nil
}

func encodeObjectTypes(names []string) []byte {
	var bb bytesBuilder
	bb.AppendUint16(uint16(len(names)))
	for _, name := range names {
		bb.AppendString16(name)
	}
	return bb.Buf
}

func decodeGlobals(data []byte) (int32, error) {
	if len(data) == 0 {
		return firstClassID, nil
	}
	d := makeByteDecoder(data)
	next, err := d.Int32()
	if err != nil {
		return 0, err
	}
	return max(next, firstClassID), nil
}

func encodeGlobals(nextClassID int32) []byte {
	var bb bytesBuilder
	bb.AppendInt32(nextClassID)
	return bb.Buf
}

// reconcile builds ClassMetadata for every class of the schema and every
// class that only exists on disk, reusing class ids and parser ids recorded
// by previous runs. Changed descriptors are written through a staged commit.
// Running it again without schema changes writes nothing.
func (e *Engine) reconcile() error {
	scm := e.schema
	var writes []stagedFile

	// object types
	otData, err := e.files.readAll(objectTypesName)
	if err != nil {
		return err
	}
	e.objectTypeNames, err = decodeObjectTypes(otData)
	if err != nil {
		return fmt.Errorf("%s: %w", objectTypesName, err)
	}
	known := lo.SliceToMap(e.objectTypeNames, func(name string) (string, bool) {
		return strings.ToLower(name), true
	})
	otDirty := false
	for _, ot := range scm.types {
		if !known[strings.ToLower(ot.name)] {
			e.objectTypeNames = append(e.objectTypeNames, ot.name)
			otDirty = true
		}
	}
	if len(e.objectTypeNames) > math.MaxUint16 {
		return fmt.Errorf("too many object types")
	}
	if otDirty {
		writes = append(writes, stagedFile{objectTypesName, encodeObjectTypes(e.objectTypeNames)})
	}

	e.spaces = make([]*idSpace, len(scm.types))
	for i, ot := range scm.types {
		e.spaces[i] = newIDSpace(e, ot)
	}

	// globals
	gData, err := e.files.readAll(globalsFileName)
	if err != nil {
		return err
	}
	e.nextClassID, err = decodeGlobals(gData)
	if err != nil {
		return fmt.Errorf("%s: %w", globalsFileName, err)
	}
	nextClassID := e.nextClassID

	// existing maps
	maps, err := e.readClassMaps()
	if err != nil {
		return err
	}

	e.classes = make([]*ClassMetadata, len(scm.classes))
	e.classesByID = make(map[int32]*ClassMetadata)
	for i, cls := range scm.classes {
		key := strings.ToLower(cls.name)
		m := maps[key]
		delete(maps, key)
		cm, err := e.prepareClass(cls, m)
		if err != nil {
			return err
		}
		e.classes[i] = cm
	}

	// classes that are no longer part of the program keep their ids
	for _, name := range lo.Keys(maps) {
		m := maps[name]
		cm := &ClassMetadata{engine: e, name: m.name, id: m.classID}
		if prior := e.classesByID[cm.id]; prior != nil {
			return fmt.Errorf("%s and %s share class id %d", prior.name, cm.name, cm.id)
		}
		e.classesByID[cm.id] = cm
		e.removed = append(e.removed, cm)
		nextClassID = max(nextClassID, cm.id+1)
		e.logger.LogAttrs(e.ctx, slog.LevelInfo, "worlddb: class no longer defined, objects will be unreadable", slog.String("class", cm.name), slog.Int("class_id", int(cm.id)))
	}
	slices.SortFunc(e.removed, func(a, b *ClassMetadata) int { return int(a.id) - int(b.id) })

	for _, cm := range e.classes {
		if cm.id >= firstClassID {
			nextClassID = max(nextClassID, cm.id+1)
		}
	}
	for _, cm := range e.classes {
		if cm.id < firstClassID {
			cm.id = nextClassID
			nextClassID++
			cm.dirty = true
		}
		if prior := e.classesByID[cm.id]; prior != nil {
			return fmt.Errorf("%s and %s share class id %d", prior.name, cm.name, cm.id)
		}
		e.classesByID[cm.id] = cm
	}
	if nextClassID != e.nextClassID || gData == nil && len(e.classes) > 0 {
		e.nextClassID = nextClassID
		writes = append(writes, stagedFile{globalsFileName, encodeGlobals(nextClassID)})
	}

	for _, cm := range e.classes {
		if cm.dirty {
			writes = append(writes, stagedFile{cm.mapFileName(), cm.classMap().encode()})
			e.logger.LogAttrs(e.ctx, slog.LevelInfo, "worlddb: class map updated", classAttr(cm), slog.Int("class_id", int(cm.id)), slog.Int("parsers", len(cm.codecs)))
		}
	}

	if len(writes) == 0 {
		return nil
	}
	sw := newStagedWriter()
	for _, w := range writes {
		if err := sw.replaceFile(w.name, w.data); err != nil {
			return err
		}
	}
	if _, err := e.commitStaged(sw, -1); err != nil {
		return fmt.Errorf("writing schema state: %w", err)
	}
	e.schemaWrites += len(writes)
	for _, cm := range e.classes {
		cm.dirty = false
	}
	return nil
}

type stagedFile struct {
	name string
	data []byte
}

type namedClassMap struct {
	*classMap
	name string
}

func (e *Engine) readClassMaps() (map[string]namedClassMap, error) {
	ents, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, err
	}
	result := make(map[string]namedClassMap)
	for _, ent := range ents {
		name, ok := strings.CutSuffix(ent.Name(), ".map")
		if !ok || ent.IsDir() || !isValidName(name) {
			continue
		}
		data, err := e.files.readAll(ent.Name())
		if err != nil {
			return nil, err
		}
		m, err := decodeClassMap(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ent.Name(), err)
		}
		result[strings.ToLower(name)] = namedClassMap{m, name}
	}
	return result, nil
}

func (e *Engine) prepareClass(cls *Class, m namedClassMap) (*ClassMetadata, error) {
	cm := &ClassMetadata{
		engine: e,
		class:  cls,
		name:   cls.name,
		id:     -1,
	}

	var numParsers int
	byKey := make(map[fieldKey]uint16)
	if m.classMap != nil {
		cm.id = m.classID
		numParsers = int(m.parserCount)
		for _, ent := range m.entries {
			byKey[fieldKey{ent.owner, ent.key}] = ent.parserID
		}
	} else {
		cm.dirty = true
	}

	assign := func(fc *FieldCodec) error {
		fk := fieldKey{fc.owner, fc.key}
		if pid, ok := byKey[fk]; ok {
			fc.parserID = pid
			delete(byKey, fk)
		} else {
			if numParsers >= math.MaxUint16 {
				return classErrf(cm, fc, NoID, nil, "too many parser ids")
			}
			fc.parserID = uint16(numParsers)
			numParsers++
			cm.dirty = true
		}
		cm.fields = append(cm.fields, fc)
		return nil
	}

	for i, ot := range cls.implements {
		sp := e.spaces[ot.pos]
		cm.spaces = append(cm.spaces, sp)
		fc := &FieldCodec{
			owner:    cls.name,
			key:      selfIDKeyPrefix + ot.name,
			kind:     KindSelfID,
			space:    sp,
			spaceIdx: i,
		}
		cm.selfIDs = append(cm.selfIDs, fc)
		if err := assign(fc); err != nil {
			return nil, err
		}
	}
	for _, fd := range cls.fields {
		fc := &FieldCodec{
			owner:  fd.owner,
			key:    fd.key,
			kind:   fd.marker.Kind(),
			marker: fd.marker,
			access: fd.access,
		}
		if rm, ok := fd.marker.(RefMarker); ok {
			fc.space = e.spaces[rm.m.ot.pos]
			fc.eager = rm.m.eager
		}
		if err := assign(fc); err != nil {
			return nil, err
		}
	}

	cm.codecs = make([]*FieldCodec, numParsers)
	for _, fc := range cm.fields {
		cm.codecs[fc.parserID] = fc
	}
	// fields recorded by an earlier run but gone now
	for fk, pid := range byKey {
		cm.codecs[pid] = &FieldCodec{parserID: pid, owner: fk.owner, key: fk.key, kind: KindPlaceholder}
		cm.dirty = true
		e.logger.LogAttrs(e.ctx, slog.LevelInfo, "worlddb: field removed", classAttr(cm), slog.String("owner", fk.owner), slog.String("field", fk.key), slog.Int("parser_id", int(pid)))
	}
	for i, fc := range cm.codecs {
		if fc == nil {
			cm.codecs[i] = &FieldCodec{parserID: uint16(i), kind: KindPlaceholder}
		}
	}
	return cm, nil
}

// classMap returns the descriptor to persist. Placeholders are not written;
// the parser count keeps their ids reserved.
func (cm *ClassMetadata) classMap() *classMap {
	m := &classMap{classID: cm.id, parserCount: uint16(len(cm.codecs))}
	for _, fc := range cm.codecs {
		if fc.kind == KindPlaceholder {
			continue
		}
		m.entries = append(m.entries, mapEntry{fc.owner, fc.key, fc.parserID})
	}
	return m
}
