package worlddb

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreyvit/worlddb/internal/filetest"
)

type Account struct {
	Persisted
	Name  string
	Admin bool
	Level int32
	Body  Ref
}

type Mobile struct {
	Persisted
	Name      string
	HP        int32
	Gold      int64
	Speed     float64
	Inventory []Ref
	Stats     *Stats
	Flags     map[string]int
}

type Stats struct {
	Persisted
	Str   int32
	Dex   int32
	Bonus *Stats
}

type Item struct {
	Persisted
	Name   string
	Weight float64
	Note   string
}

// Player is both an Account and a Mobile.
type Player struct {
	Persisted
	Name string
	HP   int32
}

type worldSchema struct {
	*Schema
	Accounts *ObjectType
	Mobiles  *ObjectType
	Items    *ObjectType

	Account *Class
	Mobile  *Class
	Stats   *Class
	Item    *Class
	Player  *Class
}

func newWorldSchema() *worldSchema {
	ws := &worldSchema{Schema: NewSchema()}
	ws.Accounts = DefineObjectType(ws.Schema, "Account")
	ws.Mobiles = DefineObjectType(ws.Schema, "Mobile")
	ws.Items = DefineObjectType(ws.Schema, "Item")

	ws.Account = DefineClass(ws.Schema, "Account", func(b *ClassBuilder[Account]) {
		b.Implements(ws.Accounts)
		b.Field("name", String(""), func(a *Account) any { return &a.Name })
		b.Field("admin", Bool(false), func(a *Account) any { return &a.Admin })
		b.Field("level", Int32(1), func(a *Account) any { return &a.Level })
		b.Field("body", Reference(ws.Mobiles), func(a *Account) any { return &a.Body })
	})
	ws.Stats = DefineClass(ws.Schema, "Stats", func(b *ClassBuilder[Stats]) {
		b.Field("str", Int32(10), func(s *Stats) any { return &s.Str })
		b.Field("dex", Int32(10), func(s *Stats) any { return &s.Dex })
		b.Field("bonus", Owned[Stats](), func(s *Stats) any { return &s.Bonus })
	})
	ws.Mobile = DefineClass(ws.Schema, "Mobile", func(b *ClassBuilder[Mobile]) {
		b.Implements(ws.Mobiles)
		b.Field("name", String(""), func(m *Mobile) any { return &m.Name })
		b.Field("hp", Int32(0), func(m *Mobile) any { return &m.HP })
		b.Field("gold", Int64(0), func(m *Mobile) any { return &m.Gold })
		b.Field("speed", Float64(1.0), func(m *Mobile) any { return &m.Speed })
		b.Field("inventory", References(ws.Items), func(m *Mobile) any { return &m.Inventory })
		b.Field("stats", Owned[Stats](), func(m *Mobile) any { return &m.Stats })
		b.Field("flags", MsgPack[map[string]int](), func(m *Mobile) any { return &m.Flags })
	})
	ws.Item = DefineClass(ws.Schema, "Item", func(b *ClassBuilder[Item]) {
		b.Implements(ws.Items)
		b.Field("name", String(""), func(it *Item) any { return &it.Name })
		b.Field("weight", Float64(0), func(it *Item) any { return &it.Weight })
		b.Field("note", String(""), func(it *Item) any { return &it.Note })
	})
	ws.Player = DefineClass(ws.Schema, "Player", func(b *ClassBuilder[Player]) {
		b.Implements(ws.Accounts)
		b.Implements(ws.Mobiles)
		b.Field("name", String(""), func(p *Player) any { return &p.Name })
		b.Field("hp", Int32(0), func(p *Player) any { return &p.HP })
	})
	return ws
}

type testDB struct {
	*Engine
	T   testing.TB
	Dir *filetest.Dir
}

func openTestDB(t testing.TB, scm *Schema, mods ...func(o *Options)) *testDB {
	return reopenTestDB(t, filetest.New(t), scm, mods...)
}

func reopenTestDB(t testing.TB, dir *filetest.Dir, scm *Schema, mods ...func(o *Options)) *testDB {
	t.Helper()
	opt := Options{
		Logger:    filetest.Logger(t),
		Verbose:   true,
		IsTesting: true,
	}
	for _, f := range mods {
		f(&opt)
	}
	e, err := Open(dir.Path, scm, opt)
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Close()
	})
	return &testDB{Engine: e, T: t, Dir: dir}
}

// reopen closes the engine and opens the same directory again, as a
// restarted process would.
func (db *testDB) reopen(scm *Schema, mods ...func(o *Options)) *testDB {
	db.T.Helper()
	require.NoError(db.T, db.Close())
	return reopenTestDB(db.T, db.Dir, scm, mods...)
}

// abandon drops the engine without closing it, leaving the files as a
// crashed process would.
func (db *testDB) abandon() {
	db.closed.Store(true)
	db.files.close()
}

func (db *testDB) save() *PassResult {
	db.T.Helper()
	res, err := db.RunSavePass(context.Background())
	require.NoError(db.T, err)
	return res
}

func (db *testDB) put(objs ...Saveable) {
	db.T.Helper()
	for _, obj := range objs {
		require.NoError(db.T, db.Save(obj))
	}
}

func (db *testDB) file(name string) string {
	return filepath.Join(db.Dir.Path, name)
}

func deepEqual[T any](t testing.TB, a, e T) {
	t.Helper()
	if !reflect.DeepEqual(a, e) {
		t.Fatalf("** got %v, wanted %v", a, e)
	}
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
