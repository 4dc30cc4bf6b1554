package worlddb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

type FieldKind int

const (
	// KindPlaceholder marks a parser id whose field no longer exists. Its
	// records are skipped on decode.
	KindPlaceholder FieldKind = iota
	KindInt32
	KindInt64
	KindBool
	KindFloat64
	KindString
	KindSelfID
	KindOwned
	KindReference
	KindReferences
	KindMsgPack
)

func (k FieldKind) String() string {
	switch k {
	case KindPlaceholder:
		return "placeholder"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindBool:
		return "bool"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindSelfID:
		return "self-id"
	case KindOwned:
		return "owned"
	case KindReference:
		return "reference"
	case KindReferences:
		return "references"
	case KindMsgPack:
		return "msgpack"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const selfIDKeyPrefix = "$id."

// Marker declares how a field is stored. The set of markers is closed; see
// Int32, Int64, Bool, Float64, String, Owned, Reference, References and
// MsgPack.
type Marker interface {
	Kind() FieldKind
	accepts(p any) bool
}

type scalarMarker[V comparable] struct {
	kind FieldKind
	def  V
}

func (m scalarMarker[V]) Kind() FieldKind { return m.kind }

func (m scalarMarker[V]) accepts(p any) bool {
	_, ok := p.(*V)
	return ok
}

func (m scalarMarker[V]) setDefault(p any) {
	*p.(*V) = m.def
}

// defaulter is implemented by markers whose default differs from the Go
// zero value. Omitted fields must decode to the default.
type defaulter interface {
	setDefault(p any)
}

// Int32 stores an int32 field, omitted from the record while it equals def.
func Int32(def int32) Marker { return scalarMarker[int32]{KindInt32, def} }

func Int64(def int64) Marker { return scalarMarker[int64]{KindInt64, def} }

func Bool(def bool) Marker { return scalarMarker[bool]{KindBool, def} }

func Float64(def float64) Marker { return scalarMarker[float64]{KindFloat64, def} }

func String(def string) Marker { return scalarMarker[string]{KindString, def} }

type ownedMarker interface {
	Marker
	load(p any) Saveable
	store(p any, v Saveable) bool
}

type ownedMarkerImpl[S any, PS interface {
	*S
	Saveable
}] struct{}

// Owned stores a *S subobject inline in its parent's record. Subobjects have
// no id of their own and must not point back at an owner.
func Owned[S any, PS interface {
	*S
	Saveable
}]() Marker {
	return ownedMarkerImpl[S, PS]{}
}

func (ownedMarkerImpl[S, PS]) Kind() FieldKind { return KindOwned }

func (ownedMarkerImpl[S, PS]) accepts(p any) bool {
	_, ok := p.(**S)
	return ok
}

func (ownedMarkerImpl[S, PS]) load(p any) Saveable {
	v := *p.(**S)
	if v == nil {
		return nil
	}
	return PS(v)
}

func (ownedMarkerImpl[S, PS]) store(p any, v Saveable) bool {
	s, ok := v.(PS)
	if !ok {
		return false
	}
	*p.(**S) = (*S)(s)
	return true
}

type refMarker struct {
	kind  FieldKind
	ot    *ObjectType
	eager bool
}

// Reference stores a Ref field as the referent's id in ot.
func Reference(ot *ObjectType) RefMarker {
	return RefMarker{refMarker{KindReference, ot, false}}
}

// References stores a []Ref field as a list of ids in ot.
func References(ot *ObjectType) RefMarker {
	return RefMarker{refMarker{KindReferences, ot, false}}
}

type RefMarker struct {
	m refMarker
}

// Eager makes decoding start a non-blocking load of every referent.
func (rm RefMarker) Eager() RefMarker {
	rm.m.eager = true
	return rm
}

func (rm RefMarker) Kind() FieldKind { return rm.m.kind }

func (rm RefMarker) accepts(p any) bool {
	if rm.m.ot == nil {
		return false
	}
	switch rm.m.kind {
	case KindReference:
		_, ok := p.(*Ref)
		return ok
	case KindReferences:
		_, ok := p.(*[]Ref)
		return ok
	default:
		return false
	}
}

type msgpackMarker interface {
	Marker
	isZero(p any) bool
}

type msgpackMarkerImpl[V any] struct{}

// MsgPack stores an arbitrary value as msgpack. The field is omitted while
// it holds the zero value of V.
func MsgPack[V any]() Marker {
	return msgpackMarkerImpl[V]{}
}

func (msgpackMarkerImpl[V]) Kind() FieldKind { return KindMsgPack }

func (msgpackMarkerImpl[V]) accepts(p any) bool {
	_, ok := p.(*V)
	return ok
}

func (msgpackMarkerImpl[V]) isZero(p any) bool {
	return reflect.ValueOf(p).Elem().IsZero()
}

// FieldCodec is a resolved field: a marker bound to its stable parser id.
type FieldCodec struct {
	parserID uint16
	owner    string
	key      string
	kind     FieldKind
	marker   Marker
	access   func(obj Saveable) any

	// KindSelfID, KindReference, KindReferences
	space *idSpace
	// KindSelfID: index into the owning class's implemented spaces
	spaceIdx int
	eager    bool
}

func (fc *FieldCodec) ParserID() uint16 { return fc.parserID }
func (fc *FieldCodec) Owner() string    { return fc.owner }
func (fc *FieldCodec) Key() string      { return fc.key }
func (fc *FieldCodec) Kind() FieldKind  { return fc.kind }

// encode appends a field record {uvarint parser id, uvarint length, value}
// unless the field holds its default value.
func (fc *FieldCodec) encode(ec *encodeCtx, obj Saveable, sv *SaveValues) error {
	bb := ec.buf
	start := bb.Len()
	bb.AppendUvarint(int(fc.parserID))
	lenOff := bb.Grow(maxVarintLen)
	valOff := bb.Len()

	omit, err := fc.encodeValue(ec, obj, sv)
	if err != nil {
		return err
	}
	if omit {
		bb.Trim(start)
		return nil
	}

	n := bb.Len() - valOff
	if n > maxVarint {
		return classErrf(sv.class, fc, NoID, nil, "field value too large: %d bytes", n)
	}
	k := binary.PutUvarint(bb.Buf[lenOff:], uint64(n))
	if k < maxVarintLen {
		copy(bb.Buf[lenOff+k:], bb.Buf[valOff:])
		bb.Trim(lenOff + k + n)
	}
	return nil
}

func (fc *FieldCodec) encodeValue(ec *encodeCtx, obj Saveable, sv *SaveValues) (omit bool, err error) {
	bb := ec.buf
	switch fc.kind {
	case KindInt32:
		v := *fc.access(obj).(*int32)
		if v == fc.marker.(scalarMarker[int32]).def {
			return true, nil
		}
		bb.AppendInt32(v)
	case KindInt64:
		v := *fc.access(obj).(*int64)
		if v == fc.marker.(scalarMarker[int64]).def {
			return true, nil
		}
		bb.AppendInt64(v)
	case KindBool:
		v := *fc.access(obj).(*bool)
		if v == fc.marker.(scalarMarker[bool]).def {
			return true, nil
		}
		if v {
			bb.AppendByte(1)
		} else {
			bb.AppendByte(0)
		}
	case KindFloat64:
		v := *fc.access(obj).(*float64)
		if math.Float64bits(v) == math.Float64bits(fc.marker.(scalarMarker[float64]).def) {
			return true, nil
		}
		bb.AppendUint64(math.Float64bits(v))
	case KindString:
		v := *fc.access(obj).(*string)
		if v == fc.marker.(scalarMarker[string]).def {
			return true, nil
		}
		bb.Write([]byte(v))
	case KindSelfID:
		id := sv.ids[fc.spaceIdx]
		if id == NoID {
			return true, nil
		}
		bb.AppendInt32(id)
	case KindReference:
		r := fc.access(obj).(*Ref)
		id, err := ec.refID(fc.space, r)
		if err != nil {
			return false, err
		}
		if id == NoID {
			return true, nil
		}
		bb.AppendUvarint(int(id))
	case KindReferences:
		refs := *fc.access(obj).(*[]Ref)
		if len(refs) == 0 {
			return true, nil
		}
		ids := make([]int32, 0, len(refs))
		for i := range refs {
			if refs[i].IsNil() {
				return false, classErrf(sv.class, fc, NoID, nil, "nil reference at position %d", i)
			}
			id, err := ec.refID(fc.space, &refs[i])
			if err != nil {
				return false, err
			}
			if id != NoID {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return true, nil
		}
		bb.AppendUvarint(len(ids))
		for _, id := range ids {
			bb.AppendUvarint(int(id))
		}
	case KindOwned:
		sub := fc.marker.(ownedMarker).load(fc.access(obj))
		if sub == nil {
			return true, nil
		}
		if err := ec.encodeSubobject(sub); err != nil {
			return false, classErrf(sv.class, fc, NoID, err, "encoding subobject")
		}
	case KindMsgPack:
		p := fc.access(obj)
		if fc.marker.(msgpackMarker).isZero(p) {
			return true, nil
		}
		enc := msgpack.GetEncoder()
		enc.Reset(bb)
		enc.SetSortMapKeys(true)
		err := enc.Encode(p)
		msgpack.PutEncoder(enc)
		if err != nil {
			return false, classErrf(sv.class, fc, NoID, err, "msgpack")
		}
	case KindPlaceholder:
		return true, nil
	default:
		panic(fmt.Errorf("unhandled field kind %v", fc.kind))
	}
	return false, nil
}

func (fc *FieldCodec) decode(dc *decodeCtx, obj Saveable, sv *SaveValues, val []byte) error {
	switch fc.kind {
	case KindInt32:
		if len(val) != 4 {
			return dataErrf(val, 0, nil, "%s: int32 of %d bytes", fc.key, len(val))
		}
		*fc.access(obj).(*int32) = int32(binary.LittleEndian.Uint32(val))
	case KindInt64:
		if len(val) != 8 {
			return dataErrf(val, 0, nil, "%s: int64 of %d bytes", fc.key, len(val))
		}
		d := makeByteDecoder(val)
		*fc.access(obj).(*int64) = must(d.Int64())
	case KindBool:
		if len(val) != 1 {
			return dataErrf(val, 0, nil, "%s: bool of %d bytes", fc.key, len(val))
		}
		*fc.access(obj).(*bool) = val[0] != 0
	case KindFloat64:
		if len(val) != 8 {
			return dataErrf(val, 0, nil, "%s: float64 of %d bytes", fc.key, len(val))
		}
		*fc.access(obj).(*float64) = math.Float64frombits(binary.LittleEndian.Uint64(val))
	case KindString:
		*fc.access(obj).(*string) = string(val)
	case KindSelfID:
		if len(val) != 4 {
			return dataErrf(val, 0, nil, "%s: id of %d bytes", fc.key, len(val))
		}
		return dc.selfID(obj, sv, fc, int32(binary.LittleEndian.Uint32(val)))
	case KindReference:
		d := makeByteDecoder(val)
		id, err := d.Uvarint()
		if err != nil {
			return err
		}
		r := fc.access(obj).(*Ref)
		*r = RefID(int32(id))
		if fc.eager {
			dc.preload(fc.space, r)
		}
	case KindReferences:
		d := makeByteDecoder(val)
		n, err := d.Uvarint()
		if err != nil {
			return err
		}
		if n > len(val) {
			return dataErrf(val, 0, nil, "%s: %d references in %d bytes", fc.key, n, len(val))
		}
		refs := make([]Ref, n)
		for i := range refs {
			id, err := d.Uvarint()
			if err != nil {
				return err
			}
			refs[i] = RefID(int32(id))
			if fc.eager {
				dc.preload(fc.space, &refs[i])
			}
		}
		*fc.access(obj).(*[]Ref) = refs
	case KindOwned:
		sub, err := dc.decodeSubobject(val)
		if err != nil {
			return classErrf(sv.class, fc, NoID, err, "decoding subobject")
		}
		if sub == nil {
			return nil
		}
		if !fc.marker.(ownedMarker).store(fc.access(obj), sub) {
			dc.engine.logger.Warn("worlddb: subobject class changed, field left empty", "class", sv.class.Name(), "field", fc.key, "subclass", sub.saveValues().class.Name())
		}
	case KindMsgPack:
		var r bytes.Reader
		r.Reset(val)
		dec := msgpack.GetDecoder()
		dec.Reset(&r)
		err := dec.Decode(fc.access(obj))
		msgpack.PutDecoder(dec)
		if err != nil {
			return dataErrf(val, 0, err, "%s: failed to decode msgpack", fc.key)
		}
	case KindPlaceholder:
	default:
		panic(fmt.Errorf("unhandled field kind %v", fc.kind))
	}
	return nil
}

// Ref is a reference to a persisted object in a given id space. The zero
// value is a nil reference.
type Ref struct {
	id  int32
	set bool
	obj Saveable
}

func RefTo(obj Saveable) Ref {
	if obj == nil {
		return Ref{}
	}
	return Ref{id: NoID, set: true, obj: obj}
}

func RefID(id int32) Ref {
	if id < 0 {
		return Ref{}
	}
	return Ref{id: id, set: true}
}

func (r Ref) IsNil() bool {
	return !r.set
}

// Object returns the referent if it is already known, without loading.
func (r Ref) Object() Saveable {
	return r.obj
}

// StoredID returns the id recorded in the reference, or NoID if the
// reference was created from an object that has not been assigned one yet.
func (r Ref) StoredID() int32 {
	if !r.set {
		return NoID
	}
	return r.id
}
