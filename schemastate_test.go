package worlddb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type Widget struct {
	Persisted
	X int32
	Y string
	Z int32
}

type Gizmo struct {
	Persisted
	Name string
}

type Gadget struct {
	Persisted
	Name string
}

type thingSchema struct {
	*Schema
	Things *ObjectType
	Widget *Class
}

// newThingSchema defines Widget with the given fields, plus the extra
// classes named in classes.
func newThingSchema(fields []string, classes ...string) *thingSchema {
	ts := &thingSchema{Schema: NewSchema()}
	ts.Things = DefineObjectType(ts.Schema, "Thing")
	ts.Widget = DefineClass(ts.Schema, "Widget", func(b *ClassBuilder[Widget]) {
		b.Implements(ts.Things)
		for _, f := range fields {
			switch f {
			case "x":
				b.Field("x", Int32(0), func(w *Widget) any { return &w.X })
			case "y":
				b.Field("y", String("none"), func(w *Widget) any { return &w.Y })
			case "z":
				b.Field("z", Int32(0), func(w *Widget) any { return &w.Z })
			}
		}
	})
	for _, name := range classes {
		switch name {
		case "Gizmo":
			DefineClass(ts.Schema, "Gizmo", func(b *ClassBuilder[Gizmo]) {
				b.Implements(ts.Things)
				b.Field("name", String(""), func(g *Gizmo) any { return &g.Name })
			})
		case "Gadget":
			DefineClass(ts.Schema, "Gadget", func(b *ClassBuilder[Gadget]) {
				b.Implements(ts.Things)
				b.Field("name", String(""), func(g *Gadget) any { return &g.Name })
			})
		}
	}
	return ts
}

func TestSchema_RemovedFieldKeepsParserID(t *testing.T) {
	ts := newThingSchema([]string{"x", "z"})
	db := openTestDB(t, ts.Schema)
	w := db.New(ts.Widget).(*Widget)
	w.X, w.Z = 5, 7
	db.put(w)
	db.save()
	db.Dir.Eq("Widget.var", "00 04 =0", "01 04 =5", "02 04 =7")

	ts = newThingSchema([]string{"z", "y"})
	db = db.reopen(ts.Schema)
	require.Equal(t, 1, db.schemaWrites)
	cm := db.ClassMetadata(ts.Widget)
	require.Equal(t, 4, cm.NumParsers())
	require.Equal(t, KindPlaceholder, cm.Codec(1).Kind())
	require.Equal(t, "z", cm.Codec(2).Key())
	require.Equal(t, "y", cm.Codec(3).Key())
	db.Dir.Eq("Widget.map",
		"=1 ~4",
		"~6 'Widget ~9 '$id.Thing ~0",
		"~6 'Widget ~1 'z ~2",
		"~6 'Widget ~1 'y ~3",
	)

	w2, err := GetAs[*Widget](db.Engine, ts.Things, 0)
	require.NoError(t, err)
	require.Equal(t, int32(0), w2.X)
	require.Equal(t, int32(7), w2.Z)
	require.Equal(t, "none", w2.Y)

	db = db.reopen(newThingSchema([]string{"z", "y"}).Schema)
	require.Equal(t, 0, db.schemaWrites)

	// a field that comes back is a new field
	ts = newThingSchema([]string{"x", "y", "z"})
	db = db.reopen(ts.Schema)
	cm = db.ClassMetadata(ts.Widget)
	require.Equal(t, 5, cm.NumParsers())
	require.Equal(t, "x", cm.Codec(4).Key())
	require.Equal(t, KindPlaceholder, cm.Codec(1).Kind())

	w3, err := GetAs[*Widget](db.Engine, ts.Things, 0)
	require.NoError(t, err)
	require.Equal(t, int32(0), w3.X)
	require.Equal(t, int32(7), w3.Z)
}

func TestSchema_RemovedClass(t *testing.T) {
	ts := newThingSchema([]string{"x"}, "Gizmo")
	db := openTestDB(t, ts.Schema)
	giz := &Gizmo{Name: "old"}
	db.put(giz)
	require.Equal(t, int32(2), db.ClassMetadata(ts.ClassNamed("Gizmo")).ID())
	db.save()

	ts = newThingSchema([]string{"x"}, "Gadget")
	db = db.reopen(ts.Schema)
	require.Equal(t, int32(3), db.ClassMetadata(ts.ClassNamed("Gadget")).ID())
	require.Contains(t, db.Dump(DumpClasses), "Gizmo (class 2) REMOVED")
	db.Dir.Eq("globals.bin", "=4")

	obj, err := db.Get(ts.Things, 0, LoadIfMissing|WaitIfLoading)
	require.NoError(t, err)
	require.Nil(t, obj)
	require.Equal(t, SlotUnreadable, db.SlotState(ts.Things, 0))
	require.Equal(t, 1, db.TypeStats(ts.Things).Unreadable)

	w := db.New(ts.Widget)
	db.put(w)
	require.Equal(t, int32(1), IDOf(w, ts.Things))

	// the removed class keeps its id when it comes back
	ts = newThingSchema([]string{"x"}, "Gadget", "Gizmo")
	db = db.reopen(ts.Schema)
	require.Equal(t, int32(2), db.ClassMetadata(ts.ClassNamed("Gizmo")).ID())
	giz2, err := GetAs[*Gizmo](db.Engine, ts.Things, 0)
	require.NoError(t, err)
	require.Equal(t, "old", giz2.Name)
}

func TestSchema_ClassIDsFollowDeclarationOrder(t *testing.T) {
	ts := newThingSchema([]string{"x"}, "Gadget", "Gizmo")
	db := openTestDB(t, ts.Schema)
	require.Equal(t, int32(1), db.ClassMetadata(ts.Widget).ID())
	require.Equal(t, int32(2), db.ClassMetadata(ts.ClassNamed("Gadget")).ID())
	require.Equal(t, int32(3), db.ClassMetadata(ts.ClassNamed("Gizmo")).ID())
	db.Dir.Eq("objectTypes.bin", "~1 ~5 'Thing")
}

func TestObjectTypesEncoding(t *testing.T) {
	data := encodeObjectTypes([]string{"Room", "Mobile"})
	names, err := decodeObjectTypes(data)
	require.NoError(t, err)
	require.Equal(t, []string{"Room", "Mobile"}, names)

	_, err = decodeObjectTypes(data[:len(data)-1])
	require.Error(t, err)
}

func TestGlobalsEncoding(t *testing.T) {
	next, err := decodeGlobals(nil)
	require.NoError(t, err)
	require.Equal(t, int32(firstClassID), next)

	next, err = decodeGlobals(encodeGlobals(17))
	require.NoError(t, err)
	require.Equal(t, int32(17), next)
}
