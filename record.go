package worlddb

import (
	"fmt"
	"log/slog"
)

type encodeCtx struct {
	engine    *Engine
	buf       *bytesBuilder
	ancestors []Saveable
}

// encodeFields appends the field records of obj. Self ids are skipped for
// subobjects.
func (ec *encodeCtx) encodeFields(cm *ClassMetadata, obj Saveable, withIDs bool) error {
	if l, ok := obj.(Locker); ok {
		l.RLock()
		defer l.RUnlock()
	}
	sv := obj.saveValues()
	ec.ancestors = append(ec.ancestors, obj)
	defer func() { ec.ancestors = ec.ancestors[:len(ec.ancestors)-1] }()
	for _, fc := range cm.fields {
		if fc.kind == KindSelfID && !withIDs {
			continue
		}
		if err := fc.encode(ec, obj, sv); err != nil {
			return err
		}
	}
	return nil
}

// refID returns the id a reference encodes to. A referent that has never
// been saved is saved now, which assigns its id; the save pass picks it up in
// a later drain round. A deleted referent encodes as NoID.
func (ec *encodeCtx) refID(space *idSpace, r *Ref) (int32, error) {
	if !r.set {
		return NoID, nil
	}
	if r.obj == nil {
		return r.id, nil
	}
	if IsDeleted(r.obj) {
		e := ec.engine
		e.logger.LogAttrs(e.ctx, slog.LevelWarn, "worlddb: reference to deleted object stored as nil", typeAttr(space.ot), classAttr(r.obj.saveValues().class))
		return NoID, nil
	}
	sv := r.obj.saveValues()
	id := sv.idIn(space)
	if id == NoID {
		if err := ec.engine.Save(r.obj); err != nil {
			return NoID, err
		}
		id = sv.idIn(space)
		if id == NoID {
			return NoID, fmt.Errorf("referenced %s object does not implement %s", sv.class.Name(), space.ot.name)
		}
	}
	return id, nil
}

type decodeCtx struct {
	engine *Engine

	// space and wantID identify the id the object is being loaded under;
	// nil for subobjects
	space     *idSpace
	wantID    int32
	gate      *loadGate
	published bool

	depth int
}

func (dc *decodeCtx) decodeFields(cm *ClassMetadata, obj Saveable, payload []byte) error {
	sv := obj.saveValues()
	return forEachField(cm, payload, func(fc *FieldCodec, val []byte) error {
		return fc.decode(dc, obj, sv, val)
	})
}

// forEachField splits a payload into field records and calls fn with the
// codec and value of each.
func forEachField(cm *ClassMetadata, payload []byte, fn func(fc *FieldCodec, val []byte) error) error {
	d := makeByteDecoder(payload)
	for d.Remaining() > 0 {
		pid, err := d.Uvarint()
		if err != nil {
			return err
		}
		n, err := d.Uvarint()
		if err != nil {
			return err
		}
		val, err := d.Raw(n)
		if err != nil {
			return err
		}
		if pid >= len(cm.codecs) {
			// written by a newer schema
			continue
		}
		if err := fn(cm.codecs[pid], val); err != nil {
			return err
		}
	}
	return nil
}

// selfID records one of the object's ids. The id for the space being loaded
// must match the requested id; the object is published into that space's
// cache as soon as it does.
func (dc *decodeCtx) selfID(obj Saveable, sv *SaveValues, fc *FieldCodec, id int32) error {
	if dc.space == nil {
		return nil
	}
	sv.ids[fc.spaceIdx] = id
	if fc.space != dc.space {
		return nil
	}
	if id != dc.wantID || dc.published {
		return classErrf(sv.class, fc, dc.wantID, ErrInconsistent, "record carries id %d", id)
	}
	dc.space.publish(id, dc.gate, obj)
	dc.published = true
	return nil
}

// preload starts loading a referent without waiting for loads in progress.
func (dc *decodeCtx) preload(space *idSpace, r *Ref) {
	obj, err := space.get(r.id, LoadIfMissing)
	if err != nil {
		dc.engine.logger.LogAttrs(dc.engine.ctx, slog.LevelWarn, "worlddb: eager reference load failed", typeAttr(space.ot), slog.Int("id", int(r.id)), slog.Any("err", err))
		return
	}
	if obj != nil {
		r.obj = obj
	}
}

// readPayload reads an object's variable-length record.
func (e *Engine) readPayload(cm *ClassMetadata, rec fixRecord) ([]byte, error) {
	if rec.Size < 0 || rec.Offset < 0 || rec.Capacity < rec.Size {
		return nil, fmt.Errorf("%s: invalid index record %+v", cm.name, rec)
	}
	payload := make([]byte, rec.Size)
	n, err := e.files.file(cm.varFileName()).ReadAt(payload, int64(rec.Offset))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cm.varFileName(), err)
	}
	if n < len(payload) {
		return nil, dataErrf(payload[:n], 0, nil, "%s: short read at %d, wanted %d bytes", cm.varFileName(), rec.Offset, rec.Size)
	}
	return payload, nil
}
