package worlddb

import (
	"fmt"
	"reflect"
	"strings"
)

// Schema lists every object type (id space) and every persisted class known
// to the program. It is built once at startup, usually from package-level
// variable initializers, and then handed to Open.
type Schema struct {
	types           []*ObjectType
	typesByName     map[string]*ObjectType
	classes         []*Class
	classesByName   map[string]*Class
	classesByGoType map[reflect.Type]*Class
}

func NewSchema() *Schema {
	scm := &Schema{}
	scm.init()
	return scm
}

func (scm *Schema) init() {
	if scm.typesByName == nil {
		scm.typesByName = make(map[string]*ObjectType)
		scm.classesByName = make(map[string]*Class)
		scm.classesByGoType = make(map[reflect.Type]*Class)
	}
}

func (scm *Schema) ObjectTypes() []*ObjectType {
	return append([]*ObjectType(nil), scm.types...)
}

func (scm *Schema) Classes() []*Class {
	return append([]*Class(nil), scm.classes...)
}

func (scm *Schema) ClassNamed(name string) *Class {
	return scm.classesByName[strings.ToLower(name)]
}

func (scm *Schema) ObjectTypeNamed(name string) *ObjectType {
	return scm.typesByName[strings.ToLower(name)]
}

func (scm *Schema) classByGoType(rt reflect.Type) *Class {
	cls := scm.classesByGoType[rt]
	if cls == nil {
		panic(fmt.Errorf("no class defined for %v", rt))
	}
	return cls
}

// ObjectType is an independent namespace of integer ids for one role a class
// can play, e.g. "Account" or "Item". Each ObjectType owns a <Name>.fix index
// file.
type ObjectType struct {
	schema *Schema
	name   string
	pos    int
}

func DefineObjectType(scm *Schema, name string) *ObjectType {
	scm.init()
	if !isValidName(name) {
		panic(configErrf(name, "", "invalid object type name"))
	}
	key := strings.ToLower(name)
	if scm.typesByName[key] != nil {
		panic(configErrf(name, "", "object type already defined"))
	}
	ot := &ObjectType{
		schema: scm,
		name:   name,
		pos:    len(scm.types),
	}
	scm.types = append(scm.types, ot)
	scm.typesByName[key] = ot
	return ot
}

func (ot *ObjectType) Name() string   { return ot.name }
func (ot *ObjectType) String() string { return ot.name }

func (ot *ObjectType) fixFileName() string {
	return ot.name + ".fix"
}

// Class is the declaration of a concrete persisted Go type. Its runtime
// counterpart, holding the resolved parser ids and the pending-save list, is
// ClassMetadata.
type Class struct {
	schema      *Schema
	name        string
	pos         int
	goType      reflect.Type
	newInstance func() Saveable
	implements  []*ObjectType
	fields      []*fieldDecl
	fieldKeys   map[fieldKey]bool
}

type fieldKey struct {
	owner string
	key   string
}

type fieldDecl struct {
	owner  string
	key    string
	marker Marker
	access func(obj Saveable) any
}

func (cls *Class) Name() string   { return cls.name }
func (cls *Class) String() string { return cls.name }

func (cls *Class) Implements() []*ObjectType {
	return append([]*ObjectType(nil), cls.implements...)
}

func (scm *Schema) addClass(cls *Class) {
	key := strings.ToLower(cls.name)
	if scm.classesByName[key] != nil {
		panic(configErrf(cls.name, "", "class already defined"))
	}
	if prior := scm.classesByGoType[cls.goType]; prior != nil {
		panic(configErrf(cls.name, "", "%v is already persisted as %s", cls.goType, prior.name))
	}
	cls.pos = len(scm.classes)
	scm.classes = append(scm.classes, cls)
	scm.classesByName[key] = cls
	scm.classesByGoType[cls.goType] = cls
}

func isValidName(name string) bool {
	if name == "" || len(name) > 200 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
