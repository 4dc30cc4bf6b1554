package worlddb

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
)

// maxSubobjectDepth bounds nesting of owned subobjects.
const maxSubobjectDepth = 32

var errOwnershipCycle = errors.New("subobject ownership cycle")

// encodeSubobject inlines an owned object: its class id followed by its
// field records, without ids.
func (ec *encodeCtx) encodeSubobject(sub Saveable) error {
	for _, a := range ec.ancestors {
		if a == sub {
			return errOwnershipCycle
		}
	}
	if len(ec.ancestors) > maxSubobjectDepth {
		return fmt.Errorf("subobjects nested deeper than %d levels", maxSubobjectDepth)
	}
	cm := ec.engine.classOf(sub)
	sv := sub.saveValues()
	cm.mu.Lock()
	sv.touch(cm)
	cm.mu.Unlock()
	ec.buf.AppendInt32(cm.id)
	return ec.encodeFields(cm, sub, false)
}

func (dc *decodeCtx) decodeSubobject(val []byte) (Saveable, error) {
	if dc.depth >= maxSubobjectDepth {
		return nil, fmt.Errorf("subobjects nested deeper than %d levels", maxSubobjectDepth)
	}
	d := makeByteDecoder(val)
	classID, err := d.Int32()
	if err != nil {
		return nil, err
	}
	e := dc.engine
	cm := e.classesByID[classID]
	if cm == nil || !cm.Readable() {
		e.metrics.unreadable.Inc()
		e.logger.LogAttrs(e.ctx, slog.LevelWarn, "worlddb: subobject has unknown class", slog.Int("class_id", int(classID)))
		return nil, nil
	}
	sub := cm.newInstance()
	child := &decodeCtx{engine: e, depth: dc.depth + 1}
	if err := child.decodeFields(cm, sub, d.Buf); err != nil {
		return nil, err
	}
	return sub, nil
}

// classOf returns the runtime metadata of obj's class.
func (e *Engine) classOf(obj Saveable) *ClassMetadata {
	if cm := obj.saveValues().class; cm != nil && cm.engine == e {
		return cm
	}
	cls := e.schema.classByGoType(reflect.TypeOf(obj))
	return e.classes[cls.pos]
}
