package worlddb

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

type GetFlags uint8

const (
	// LoadIfMissing reads the object from disk if it is not cached.
	LoadIfMissing GetFlags = 1 << iota
	// WaitIfLoading blocks while another goroutine is decoding the object.
	WaitIfLoading
)

func (f GetFlags) Has(v GetFlags) bool {
	return f&v == v
}

// SlotState describes what an id space knows about one id.
type SlotState uint8

const (
	// SlotEmpty: nothing is known; the id has not been scanned or loaded.
	SlotEmpty SlotState = iota
	// SlotClaimed: a goroutine is loading the object.
	SlotClaimed
	// SlotUnreadable: the record refers to an unknown class or is
	// inconsistent. Lookups report "not found" and never retry.
	SlotUnreadable
	// SlotDatabase: the scan found a record on disk; not loaded yet.
	SlotDatabase
	// SlotFree: the id is on the free list.
	SlotFree
	// SlotDeleted: a tombstone is committed for the id. It is not handed
	// out again until a free pass finds no references to it.
	SlotDeleted
	// SlotLoaded: the object is in memory.
	SlotLoaded
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotClaimed:
		return "claimed"
	case SlotUnreadable:
		return "unreadable"
	case SlotDatabase:
		return "database"
	case SlotFree:
		return "free"
	case SlotDeleted:
		return "deleted"
	case SlotLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("slot(%d)", uint8(s))
	}
}

type slot struct {
	state SlotState
	obj   Saveable
	gate  *loadGate
}

// idSpace is the runtime side of an ObjectType: the object cache, the id
// allocator and the <Type>.fix index file.
type idSpace struct {
	engine *Engine
	ot     *ObjectType
	fix    *dataFile

	mu    sync.Mutex
	slots []slot
	free  []int32 // stack; lowest ids on top after a scan

	// lowestUnchecked is the first id the scan has not classified yet. A
	// negative value -n-1 means the scan reached the end of the index and n
	// is the next id past everything known.
	lowestUnchecked int32
}

type fixRecord struct {
	ClassID  int32
	Offset   int32
	Size     int32
	Capacity int32
}

func (r fixRecord) used() bool {
	return r.ClassID != tombstoneClassID && r.ClassID != emptySlotClassID
}

func (r fixRecord) append(bb *bytesBuilder) {
	bb.AppendInt32(r.ClassID)
	bb.AppendInt32(r.Offset)
	bb.AppendInt32(r.Size)
	bb.AppendInt32(r.Capacity)
}

func decodeFixRecord(b []byte) fixRecord {
	return fixRecord{
		ClassID:  int32(binary.LittleEndian.Uint32(b[0:])),
		Offset:   int32(binary.LittleEndian.Uint32(b[4:])),
		Size:     int32(binary.LittleEndian.Uint32(b[8:])),
		Capacity: int32(binary.LittleEndian.Uint32(b[12:])),
	}
}

func newIDSpace(e *Engine, ot *ObjectType) *idSpace {
	return &idSpace{
		engine: e,
		ot:     ot,
		fix:    e.files.file(ot.fixFileName()),
	}
}

func (sp *idSpace) Name() string { return sp.ot.name }

// slotAt must be called with sp.mu held.
func (sp *idSpace) slotAt(id int32) slot {
	if int(id) >= len(sp.slots) {
		return slot{}
	}
	return sp.slots[id]
}

// setSlot must be called with sp.mu held.
func (sp *idSpace) setSlot(id int32, s slot) {
	if n := int(id) + 1; n > len(sp.slots) {
		sp.slots = slices.Grow(sp.slots, n-len(sp.slots))[:n]
	}
	sp.slots[id] = s
}

func (sp *idSpace) SlotState(id int32) SlotState {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.slotAt(id).state
}

// allocate assigns obj a fresh id and caches it.
func (sp *idSpace) allocate(obj Saveable) (int32, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	id, err := sp.allocateID()
	if err != nil {
		return NoID, err
	}
	sp.setSlot(id, slot{state: SlotLoaded, obj: obj})
	if sp.engine.verbose {
		sp.engine.logger.LogAttrs(sp.engine.ctx, slog.LevelDebug, "worlddb: ALLOC", typeAttr(sp.ot), slog.Int("id", int(id)))
	}
	return id, nil
}

// allocateID pops the free list, scanning the index file in batches to
// refill it, and hands out ids past the end once the scan is complete.
// Must be called with sp.mu held; performs I/O under the lock.
func (sp *idSpace) allocateID() (int32, error) {
	for {
		if n := len(sp.free); n > 0 {
			id := sp.free[n-1]
			sp.free = sp.free[:n-1]
			return id, nil
		}
		if sp.lowestUnchecked < 0 {
			id := -sp.lowestUnchecked - 1
			sp.lowestUnchecked--
			return id, nil
		}
		if err := sp.scanBatch(); err != nil {
			return NoID, err
		}
	}
}

func (sp *idSpace) scanBatch() error {
	batch := sp.engine.opt.ScanBatch
	start := sp.lowestUnchecked
	buf := make([]byte, batch*fixRecordSize)
	n, err := sp.fix.ReadAt(buf, int64(start)*fixRecordSize)
	if err != nil {
		return fmt.Errorf("%s: %w", sp.fix.name, err)
	}
	count := n / fixRecordSize

	var found []int32
	for i := range count {
		id := start + int32(i)
		rec := decodeFixRecord(buf[i*fixRecordSize:])
		if sp.slotAt(id).state != SlotEmpty {
			continue
		}
		switch {
		case rec.used():
			sp.setSlot(id, slot{state: SlotDatabase})
		case rec.ClassID == tombstoneClassID:
			sp.setSlot(id, slot{state: SlotDeleted})
		default:
			sp.setSlot(id, slot{state: SlotFree})
			found = append(found, id)
		}
	}
	slices.Reverse(found)
	sp.free = append(sp.free, found...)

	if count < batch {
		next := start + int32(count)
		// skip ids cached past the end of the index
		for int(next) < len(sp.slots) && sp.slots[next].state != SlotEmpty {
			next++
		}
		sp.lowestUnchecked = -next - 1
	} else {
		sp.lowestUnchecked = start + int32(count)
	}
	return nil
}

// retire marks a deleted object's id once its tombstone has been committed.
// The id stays out of the free list until freeUnreferenced releases it.
func (sp *idSpace) retire(id int32, obj Saveable) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	s := sp.slotAt(id)
	if s.state == SlotLoaded && s.obj != obj {
		return
	}
	if s.state == SlotFree || s.state == SlotDeleted {
		return
	}
	if sp.lowestUnchecked >= 0 && id >= sp.lowestUnchecked {
		// not scanned yet; the scan will find the tombstone
		sp.setSlot(id, slot{})
		return
	}
	sp.setSlot(id, slot{state: SlotDeleted})
}

// deletedIDs finishes the free-id scan and returns every retired id.
func (sp *idSpace) deletedIDs() ([]int32, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for sp.lowestUnchecked >= 0 {
		if err := sp.scanBatch(); err != nil {
			return nil, err
		}
	}
	var ids []int32
	for id, s := range sp.slots {
		if s.state == SlotDeleted {
			ids = append(ids, int32(id))
		}
	}
	return ids, nil
}

// freeUnreferenced moves retired ids that are not in referenced to the free
// list, lowest on top, and returns how many it moved.
func (sp *idSpace) freeUnreferenced(ids []int32, referenced map[int32]struct{}) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	n := 0
	for _, id := range slices.Backward(ids) {
		if _, ok := referenced[id]; ok {
			continue
		}
		if sp.slotAt(id).state != SlotDeleted {
			continue
		}
		sp.setSlot(id, slot{state: SlotFree})
		sp.free = append(sp.free, id)
		n++
	}
	return n
}

// loadedObjects returns the objects cached in the space that have finished
// loading.
func (sp *idSpace) loadedObjects() []Saveable {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	var objs []Saveable
	for _, s := range sp.slots {
		if s.state == SlotLoaded && s.obj.saveValues().loading.Load() == nil {
			objs = append(objs, s.obj)
		}
	}
	return objs
}

func (sp *idSpace) readRecord(id int32) (fixRecord, bool, error) {
	var buf [fixRecordSize]byte
	n, err := sp.fix.ReadAt(buf[:], int64(id)*fixRecordSize)
	if err != nil {
		return fixRecord{}, false, fmt.Errorf("%s: %w", sp.fix.name, err)
	}
	if n < fixRecordSize {
		return fixRecord{}, false, nil
	}
	return decodeFixRecord(buf[:]), true, nil
}

func (sp *idSpace) waitTimeout() time.Duration {
	return sp.engine.opt.LoadWaitTimeout
}

func waitGate(g *loadGate, timeout time.Duration) error {
	if timeout <= 0 {
		<-g.done
		return g.err
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-g.done:
		return g.err
	case <-t.C:
		return ErrLoadTimeout
	}
}

// get returns the object with the given id. Concurrent calls for an id that
// is not cached converge on a single load: the first caller claims the slot
// and decodes, others wait on its gate or, without WaitIfLoading, return
// nil.
func (sp *idSpace) get(id int32, flags GetFlags) (Saveable, error) {
	if id < 0 {
		return nil, nil
	}
	for {
		sp.mu.Lock()
		s := sp.slotAt(id)
		switch s.state {
		case SlotLoaded:
			sp.mu.Unlock()
			if g := s.obj.saveValues().loading.Load(); g != nil && flags.Has(WaitIfLoading) {
				if err := waitGate(g, sp.waitTimeout()); err != nil {
					return nil, err
				}
			}
			return s.obj, nil

		case SlotClaimed:
			sp.mu.Unlock()
			if !flags.Has(WaitIfLoading) {
				return nil, nil
			}
			if err := waitGate(s.gate, sp.waitTimeout()); err != nil {
				return nil, err
			}
			continue

		case SlotUnreadable:
			sp.mu.Unlock()
			sp.engine.metrics.unreadable.Inc()
			sp.engine.logger.LogAttrs(sp.engine.ctx, slog.LevelWarn, "worlddb: lookup of unreadable object", typeAttr(sp.ot), slog.Int("id", int(id)))
			return nil, nil

		case SlotFree, SlotDeleted:
			sp.mu.Unlock()
			return nil, nil

		case SlotEmpty, SlotDatabase:
			if !flags.Has(LoadIfMissing) {
				sp.mu.Unlock()
				return nil, nil
			}
			gate := newLoadGate()
			sp.setSlot(id, slot{state: SlotClaimed, gate: gate})
			sp.mu.Unlock()
			return sp.load(id, gate, s.state)

		default:
			sp.mu.Unlock()
			panic(fmt.Errorf("unhandled slot state %v", s.state))
		}
	}
}

// finishClaim replaces a claimed slot and opens the gate.
func (sp *idSpace) finishClaim(id int32, gate *loadGate, s slot, err error) {
	sp.mu.Lock()
	if cur := sp.slotAt(id); cur.gate == gate || (cur.state == SlotLoaded && cur.obj.saveValues().loading.Load() == gate) {
		sp.setSlot(id, s)
	}
	sp.mu.Unlock()
	gate.finish(err)
}

// publish installs an object that is still being decoded, once its self id
// for this space has been confirmed.
func (sp *idSpace) publish(id int32, gate *loadGate, obj Saveable) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.slotAt(id).gate != gate {
		panic(fmt.Errorf("%s#%d: claim lost during load", sp.ot.name, id))
	}
	sp.setSlot(id, slot{state: SlotLoaded, obj: obj})
}

func (sp *idSpace) load(id int32, gate *loadGate, prior SlotState) (Saveable, error) {
	e := sp.engine
	rec, ok, err := sp.readRecord(id)
	if err != nil {
		sp.finishClaim(id, gate, slot{state: prior}, err)
		e.logger.LogAttrs(e.ctx, slog.LevelError, "worlddb: load failed", typeAttr(sp.ot), slog.Int("id", int(id)), slog.Any("err", err))
		return nil, err
	}
	if !ok || !rec.used() {
		sp.finishClaim(id, gate, slot{state: prior}, nil)
		return nil, nil
	}

	cm := e.classesByID[rec.ClassID]
	if cm == nil || !cm.Readable() || cm.spaceIndex(sp) < 0 {
		sp.finishClaim(id, gate, slot{state: SlotUnreadable}, nil)
		e.metrics.unreadable.Inc()
		e.logger.LogAttrs(e.ctx, slog.LevelWarn, "worlddb: object has unknown class", typeAttr(sp.ot), slog.Int("id", int(id)), slog.Int("class_id", int(rec.ClassID)))
		return nil, nil
	}

	payload, err := e.readPayload(cm, rec)
	if err != nil {
		sp.finishClaim(id, gate, slot{state: SlotUnreadable}, err)
		e.logger.LogAttrs(e.ctx, slog.LevelError, "worlddb: load failed", typeAttr(sp.ot), slog.Int("id", int(id)), slog.Any("err", err))
		return nil, err
	}

	obj := cm.newInstance()
	sv := obj.saveValues()
	sv.offset, sv.capacity, sv.size = rec.Offset, rec.Capacity, rec.Size
	sv.loading.Store(gate)

	dc := &decodeCtx{engine: e, space: sp, wantID: id, gate: gate}
	err = dc.decodeFields(cm, obj, payload)
	if err == nil && !dc.published {
		err = classErrf(cm, cm.selfIDs[cm.spaceIndex(sp)], id, ErrInconsistent, "self id missing")
	}
	if err != nil {
		sp.finishClaim(id, gate, slot{state: SlotUnreadable}, err)
		sv.loading.Store(nil)
		e.logger.LogAttrs(e.ctx, slog.LevelError, "worlddb: failed to decode object", typeAttr(sp.ot), slog.Int("id", int(id)), classAttr(cm), slog.Any("err", err))
		return nil, err
	}

	for i, other := range cm.spaces {
		if other != sp && sv.ids[i] != NoID {
			other.adopt(sv.ids[i], obj)
		}
	}

	sv.loading.Store(nil)
	gate.finish(nil)
	e.metrics.loads.Inc()
	if e.verbose {
		e.logger.LogAttrs(e.ctx, slog.LevelDebug, "worlddb: LOAD", typeAttr(sp.ot), slog.Int("id", int(id)), classAttr(cm), slog.Int("size", int(rec.Size)))
	}
	return obj, nil
}

// adopt caches an object loaded through another id space under its id in
// this one, unless another instance is already there.
func (sp *idSpace) adopt(id int32, obj Saveable) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	switch s := sp.slotAt(id); s.state {
	case SlotEmpty, SlotDatabase, SlotDeleted:
	case SlotFree:
		if i := slices.Index(sp.free, id); i >= 0 {
			sp.free = slices.Delete(sp.free, i, i+1)
		}
	default:
		if s.obj != obj {
			sp.engine.logger.LogAttrs(sp.engine.ctx, slog.LevelWarn, "worlddb: cannot adopt object, slot taken", typeAttr(sp.ot), slog.Int("id", int(id)), slog.String("slot", s.state.String()))
		}
		return
	}
	sp.setSlot(id, slot{state: SlotLoaded, obj: obj})
}

func (sp *idSpace) loadedCount() (loaded, free, deleted, unreadable int) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, s := range sp.slots {
		switch s.state {
		case SlotLoaded:
			loaded++
		case SlotDeleted:
			deleted++
		case SlotUnreadable:
			unreadable++
		}
	}
	return loaded, len(sp.free), deleted, unreadable
}
