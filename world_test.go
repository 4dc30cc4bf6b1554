package worlddb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorldLock_Reentrant(t *testing.T) {
	w := NewWorldLock()
	ctx, release1, err := w.Enter(context.Background())
	require.NoError(t, err)
	ctx2, release2, err := w.Enter(ctx)
	require.NoError(t, err)
	require.Equal(t, ctx, ctx2)
	require.Equal(t, 1, w.Holders())

	release2()
	require.Equal(t, 1, w.Holders())
	release1()
	require.Equal(t, 0, w.Holders())
}

func TestWorldLock_PauseBlocksEnter(t *testing.T) {
	w := NewWorldLock()
	require.NoError(t, w.Pause(context.Background(), true, time.Second))
	require.True(t, w.Paused())

	entered := make(chan struct{})
	go func() {
		_, release, err := w.Enter(context.Background())
		if err == nil {
			release()
		}
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("Enter succeeded while paused")
	case <-time.After(20 * time.Millisecond):
	}
	w.Resume()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("Enter still blocked after Resume")
	}
}

func TestWorldLock_PauseWaitsForHolders(t *testing.T) {
	w := NewWorldLock()
	_, release, err := w.Enter(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()
	start := time.Now()
	require.NoError(t, w.Pause(context.Background(), true, time.Second))
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	require.Equal(t, 0, w.Holders())
	w.Resume()
}

func TestWorldLock_PauseTimeout(t *testing.T) {
	w := NewWorldLock()
	_, release, err := w.Enter(context.Background())
	require.NoError(t, err)
	defer release()

	err = w.Pause(context.Background(), true, 10*time.Millisecond)
	require.True(t, errors.Is(err, ErrPauseTimeout), "err = %v", err)
	require.False(t, w.Paused())
}

func TestWorldLock_PauseIgnoresOwnToken(t *testing.T) {
	w := NewWorldLock()
	ctx, release, err := w.Enter(context.Background())
	require.NoError(t, err)
	defer release()

	require.NoError(t, w.Pause(ctx, true, time.Second))
	w.Resume()
}

func TestWorldLock_EnterCanceled(t *testing.T) {
	w := NewWorldLock()
	require.NoError(t, w.Pause(context.Background(), false, 0))
	defer w.Resume()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := w.Enter(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
