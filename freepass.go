package worlddb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// FreeResult summarizes one free pass.
type FreeResult struct {
	ID       uuid.UUID
	Deleted  int // retired ids examined
	Freed    int
	Duration time.Duration
}

// refSet holds the ids referenced in each id space.
type refSet map[*idSpace]map[int32]struct{}

func (rs refSet) add(sp *idSpace, id int32) {
	if id < 0 {
		return
	}
	m := rs[sp]
	if m == nil {
		m = make(map[int32]struct{})
		rs[sp] = m
	}
	m[id] = struct{}{}
}

func (rs refSet) merge(other refSet) {
	for sp, ids := range other {
		for id := range ids {
			rs.add(sp, id)
		}
	}
}

// RunFreePass makes the ids of deleted objects reusable once nothing refers
// to them. References are collected from every record on disk and from
// every loaded object; the loaded objects are walked under a world pause.
// A retired id that is still referenced stays retired, so a stale reference
// keeps resolving to nothing rather than to an unrelated new object.
func (e *Engine) RunFreePass(ctx context.Context) (*FreeResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.passLock.Lock()
	defer e.passLock.Unlock()
	if e.failed != nil {
		return nil, fmt.Errorf("worlddb: engine failed: %w", e.failed)
	}

	res := &FreeResult{ID: uuid.New()}
	start := time.Now()
	deleted := make(map[*idSpace][]int32)
	for _, sp := range e.spaces {
		ids, err := sp.deletedIDs()
		if err != nil {
			return res, err
		}
		if len(ids) > 0 {
			deleted[sp] = ids
			res.Deleted += len(ids)
		}
	}
	if res.Deleted == 0 {
		return res, nil
	}

	refs, err := e.storedRefs(ctx)
	if err != nil {
		return res, err
	}

	if err := e.world.Pause(ctx, e.opt.WaitForWorld, e.opt.PauseTimeout); err != nil {
		return res, err
	}
	e.loadedRefs(refs)
	for sp, ids := range deleted {
		res.Freed += sp.freeUnreferenced(ids, refs[sp])
	}
	e.world.Resume()

	res.Duration = time.Since(start)
	e.metrics.freedIDs.Add(float64(res.Freed))
	e.logger.LogAttrs(ctx, slog.LevelInfo, "worlddb: freed ids", slog.String("pass", res.ID.String()), slog.Int("deleted", res.Deleted), slog.Int("freed", res.Freed), slog.Duration("dur", res.Duration))
	return res, nil
}

// storedRefs reads every used index record and collects the references in
// the records' payloads. Each object is read once, through the first id
// space its class implements.
func (e *Engine) storedRefs(ctx context.Context) (refSet, error) {
	parts := make([]refSet, len(e.spaces))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opt.Concurrency)
	for i, sp := range e.spaces {
		parts[i] = make(refSet)
		g.Go(func() error {
			return e.scanStoredRefs(ctx, sp, parts[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	refs := make(refSet)
	for _, part := range parts {
		refs.merge(part)
	}
	return refs, nil
}

func (e *Engine) scanStoredRefs(ctx context.Context, sp *idSpace, refs refSet) error {
	size, err := sp.fix.Size()
	if err != nil {
		return fmt.Errorf("%s: %w", sp.fix.name, err)
	}
	index := make([]byte, size)
	n, err := sp.fix.ReadAt(index, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", sp.fix.name, err)
	}
	for off := 0; off+fixRecordSize <= n; off += fixRecordSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := decodeFixRecord(index[off:])
		if !rec.used() {
			continue
		}
		cm := e.classesByID[rec.ClassID]
		if cm == nil || !cm.Readable() || len(cm.spaces) == 0 || cm.spaces[0] != sp {
			continue
		}
		payload, err := e.readPayload(cm, rec)
		if err != nil {
			// the loader reports this record as unreadable too
			e.logger.LogAttrs(e.ctx, slog.LevelWarn, "worlddb: skipping unreadable record in free pass", typeAttr(sp.ot), slog.Int("id", off/fixRecordSize), slog.Any("err", err))
			continue
		}
		if err := collectEncodedRefs(e, cm, payload, 0, refs); err != nil {
			return fmt.Errorf("%s#%d: %w", sp.ot.name, off/fixRecordSize, err)
		}
	}
	return nil
}

// collectEncodedRefs adds the references in an encoded object, including its
// owned subobjects, to refs.
func collectEncodedRefs(e *Engine, cm *ClassMetadata, payload []byte, depth int, refs refSet) error {
	return forEachField(cm, payload, func(fc *FieldCodec, val []byte) error {
		d := makeByteDecoder(val)
		switch fc.kind {
		case KindReference:
			id, err := d.Uvarint()
			if err != nil {
				return err
			}
			refs.add(fc.space, int32(id))
		case KindReferences:
			n, err := d.Uvarint()
			if err != nil {
				return err
			}
			for range n {
				id, err := d.Uvarint()
				if err != nil {
					return err
				}
				refs.add(fc.space, int32(id))
			}
		case KindOwned:
			if depth >= maxSubobjectDepth {
				return fmt.Errorf("subobjects nested deeper than %d levels", maxSubobjectDepth)
			}
			classID, err := d.Int32()
			if err != nil {
				return err
			}
			sub := e.classesByID[classID]
			if sub == nil || !sub.Readable() {
				return nil
			}
			return collectEncodedRefs(e, sub, d.Buf, depth+1, refs)
		}
		return nil
	})
}

// loadedRefs adds the references held by loaded objects to refs. Objects
// deleted in memory are skipped; their records are still covered by
// storedRefs until the tombstone is committed.
func (e *Engine) loadedRefs(refs refSet) {
	seen := make(map[Saveable]struct{})
	for _, sp := range e.spaces {
		for _, obj := range sp.loadedObjects() {
			if _, ok := seen[obj]; ok {
				continue
			}
			seen[obj] = struct{}{}
			if IsDeleted(obj) {
				continue
			}
			e.collectObjectRefs(e.classOf(obj), obj, 0, refs)
		}
	}
}

func (e *Engine) collectObjectRefs(cm *ClassMetadata, obj Saveable, depth int, refs refSet) {
	if l, ok := obj.(Locker); ok {
		l.RLock()
		defer l.RUnlock()
	}
	for _, fc := range cm.fields {
		switch fc.kind {
		case KindReference:
			refs.add(fc.space, refTarget(fc.space, fc.access(obj).(*Ref)))
		case KindReferences:
			list := *fc.access(obj).(*[]Ref)
			for i := range list {
				refs.add(fc.space, refTarget(fc.space, &list[i]))
			}
		case KindOwned:
			sub := fc.marker.(ownedMarker).load(fc.access(obj))
			if sub == nil || depth >= maxSubobjectDepth {
				continue
			}
			e.collectObjectRefs(e.classOf(sub), sub, depth+1, refs)
		}
	}
}

// refTarget returns the id r points at in space, or NoID.
func refTarget(space *idSpace, r *Ref) int32 {
	if !r.set {
		return NoID
	}
	if r.obj == nil {
		return r.id
	}
	sv := r.obj.saveValues()
	if sv.class == nil {
		return NoID
	}
	sv.class.mu.Lock()
	defer sv.class.mu.Unlock()
	return sv.idIn(space)
}
