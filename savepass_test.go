package worlddb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSavePass_WaitsForWorldHolders(t *testing.T) {
	ws := newWorldSchema()
	db := openTestDB(t, ws.Schema, func(o *Options) {
		o.WaitForWorld = true
		o.PauseTimeout = 10 * time.Second
	})

	_, release, err := db.world.Enter(context.Background())
	require.NoError(t, err)

	it := db.New(ws.Item).(*Item)
	it.Name = "half done"
	db.put(it)

	type result struct {
		res *PassResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := db.RunSavePass(context.Background())
		done <- result{res, err}
	}()

	require.Eventually(t, db.world.Paused, time.Second, time.Millisecond)
	select {
	case r := <-done:
		t.Fatalf("save pass finished while a world token was held: %v", r.err)
	case <-time.After(50 * time.Millisecond):
	}

	// the holder finishes its update before letting go
	it.Name = "finished"
	db.put(it)
	release()

	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, 2, r.res.Rounds)
	require.False(t, db.world.Paused())
	require.Equal(t, 0, db.world.Holders())

	db = db.reopen(ws.Schema)
	it2, err := GetAs[*Item](db.Engine, ws.Items, 0)
	require.NoError(t, err)
	require.Equal(t, "finished", it2.Name)
}

func TestSavePass_PauseTimeoutRequeues(t *testing.T) {
	ws := newWorldSchema()
	db := openTestDB(t, ws.Schema, func(o *Options) {
		o.WaitForWorld = true
		o.PauseTimeout = 20 * time.Millisecond
	})

	_, release, err := db.world.Enter(context.Background())
	require.NoError(t, err)

	it := db.New(ws.Item).(*Item)
	it.Name = "sword"
	db.put(it)

	_, err = db.RunSavePass(context.Background())
	require.ErrorIs(t, err, ErrPauseTimeout)
	require.Equal(t, UpToDate, db.State())
	require.NoError(t, db.Err())
	require.False(t, db.world.Paused())
	require.Equal(t, 1, db.ClassMetadata(ws.Item).PendingCount())
	db.Dir.Eq("Item.fix", "")
	db.Dir.Eq("main.bin", "01 00")

	release()
	res := db.save()
	require.Equal(t, 1, res.Written)
	require.Equal(t, 0, db.ClassMetadata(ws.Item).PendingCount())

	db = db.reopen(ws.Schema)
	it2, err := GetAs[*Item](db.Engine, ws.Items, 0)
	require.NoError(t, err)
	require.Equal(t, "sword", it2.Name)
}

func TestSavePass_PauseDoesNotWaitForOwnToken(t *testing.T) {
	ws := newWorldSchema()
	db := openTestDB(t, ws.Schema, func(o *Options) {
		o.WaitForWorld = true
		o.PauseTimeout = time.Second
	})

	ctx, release, err := db.world.Enter(context.Background())
	require.NoError(t, err)
	defer release()

	db.put(db.New(ws.Item))
	res, err := db.RunSavePass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Written)
}

func TestSavePass_SecondDrainPicksUpChanges(t *testing.T) {
	ws := newWorldSchema()
	db := openTestDB(t, ws.Schema)

	it := db.New(ws.Item).(*Item)
	it.Name = "first"
	db.put(it)
	other := db.New(ws.Item).(*Item)
	other.Name = "untouched"
	db.put(other)

	db.testAfterDrain = func() {
		it.Name = "second"
		require.NoError(t, db.Save(it))
	}
	res := db.save()
	db.testAfterDrain = nil
	require.Equal(t, 2, res.Rounds)
	require.Equal(t, 3, res.Written)
	require.Equal(t, 0, db.ClassMetadata(ws.Item).PendingCount())
	// one record per object, holding the data of the second drain
	db.Dir.Eq("Item.fix", "=4 =0 =14 =14", "=4 =14 =17 =17")
	require.Equal(t, int64(31), db.Dir.Size("Item.var"))

	db = db.reopen(ws.Schema)
	it2, err := GetAs[*Item](db.Engine, ws.Items, 0)
	require.NoError(t, err)
	require.Equal(t, "second", it2.Name)
	other2, err := GetAs[*Item](db.Engine, ws.Items, 1)
	require.NoError(t, err)
	require.Equal(t, "untouched", other2.Name)
}
