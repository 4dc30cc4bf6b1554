package worlddb

import (
	"reflect"
	"strings"
)

type ClassBuilder[T any] struct {
	cls   *Class
	owner string
	probe Saveable
}

// DefineClass registers *T as a persisted class. T must embed Persisted.
// Field declarations are validated immediately; an accessor whose pointer
// type does not match its marker panics with *ConfigError.
func DefineClass[T any, PT interface {
	*T
	Saveable
}](scm *Schema, name string, f func(b *ClassBuilder[T])) *Class {
	scm.init()
	if !isValidName(name) {
		panic(configErrf(name, "", "invalid class name"))
	}
	cls := &Class{
		schema:      scm,
		name:        name,
		goType:      reflect.TypeFor[PT](),
		newInstance: func() Saveable { return PT(new(T)) },
		fieldKeys:   make(map[fieldKey]bool),
	}
	b := ClassBuilder[T]{
		cls:   cls,
		owner: name,
		probe: PT(new(T)),
	}
	if f != nil {
		f(&b)
	}
	scm.addClass(cls)
	return cls
}

// Implements adds an id space this class participates in. A class may
// implement several; each gives instances an independent id.
func (b *ClassBuilder[T]) Implements(ot *ObjectType) {
	if ot.schema != b.cls.schema {
		panic(configErrf(b.cls.name, "", "object type %s belongs to another schema", ot.name))
	}
	for _, prior := range b.cls.implements {
		if prior == ot {
			panic(configErrf(b.cls.name, "", "already implements %s", ot.name))
		}
	}
	b.cls.implements = append(b.cls.implements, ot)
}

// DeclaredBy sets the declaring type name recorded for subsequently added
// fields. Field groups shared by several classes use it so that their
// parser ids are keyed the same way in every class.
func (b *ClassBuilder[T]) DeclaredBy(owner string) {
	if owner == "" {
		owner = b.cls.name
	}
	b.owner = owner
}

// Field declares a persisted field. The accessor must return a pointer to
// the field storage, of the type the marker expects.
func (b *ClassBuilder[T]) Field(key string, marker Marker, access func(obj *T) any) {
	cls := b.cls
	if key == "" || strings.HasPrefix(key, selfIDKeyPrefix) {
		panic(configErrf(cls.name, key, "invalid field key"))
	}
	if marker == nil {
		panic(configErrf(cls.name, key, "missing marker"))
	}
	fk := fieldKey{b.owner, key}
	if cls.fieldKeys[fk] {
		panic(configErrf(cls.name, key, "field already declared by %s", b.owner))
	}

	get := func(obj Saveable) any {
		return access(any(obj).(*T))
	}
	p := get(b.probe)
	if p == nil {
		panic(configErrf(cls.name, key, "accessor returned nil"))
	}
	if !marker.accepts(p) {
		panic(configErrf(cls.name, key, "unsupported field type %T for %v marker", p, marker.Kind()))
	}

	cls.fieldKeys[fk] = true
	cls.fields = append(cls.fields, &fieldDecl{
		owner:  b.owner,
		key:    key,
		marker: marker,
		access: get,
	})
}
