package worlddb

import (
	"context"
	"sync"
	"time"
)

// WorldLock gates mutation of shared world state. Simulation code holds a
// shared token while it mutates objects; the save pass pauses the world to
// take a consistent snapshot. Tokens are carried by contexts and are
// reentrant: entering again with a context that already holds a token only
// bumps its count.
type WorldLock struct {
	mu      sync.Mutex
	holders int
	paused  bool
	resumed chan struct{} // closed by Resume
	drained chan struct{} // closed when holders drops to zero while paused
}

type worldTokenKey struct{}

type worldToken struct {
	lock  *WorldLock
	mu    sync.Mutex
	depth int
}

func NewWorldLock() *WorldLock {
	return &WorldLock{}
}

// Enter acquires a shared token, blocking while the world is paused. The
// returned context carries the token; pass it to nested calls. release must
// be called exactly once.
func (w *WorldLock) Enter(ctx context.Context) (context.Context, func(), error) {
	if tok, ok := ctx.Value(worldTokenKey{}).(*worldToken); ok && tok.lock == w {
		tok.mu.Lock()
		tok.depth++
		tok.mu.Unlock()
		return ctx, tok.release, nil
	}

	w.mu.Lock()
	for w.paused {
		ch := w.resumed
		w.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx, nil, ctx.Err()
		}
		w.mu.Lock()
	}
	w.holders++
	w.mu.Unlock()

	tok := &worldToken{lock: w, depth: 1}
	return context.WithValue(ctx, worldTokenKey{}, tok), tok.release, nil
}

func (tok *worldToken) release() {
	tok.mu.Lock()
	tok.depth--
	last := tok.depth == 0
	if tok.depth < 0 {
		tok.mu.Unlock()
		panic("worlddb: world token released too many times")
	}
	tok.mu.Unlock()
	if last {
		tok.lock.leave()
	}
}

func (w *WorldLock) leave() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.holders--
	if w.holders == 0 && w.drained != nil {
		close(w.drained)
		w.drained = nil
	}
}

// Holders returns the number of outstanding tokens.
func (w *WorldLock) Holders() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.holders
}

// Pause blocks new tokens. With wait set, it also waits up to timeout for
// outstanding tokens to be released; on timeout the world is resumed and
// ErrPauseTimeout returned. A token carried by ctx is not waited for.
func (w *WorldLock) Pause(ctx context.Context, wait bool, timeout time.Duration) error {
	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		panic("worlddb: world already paused")
	}
	w.paused = true
	w.resumed = make(chan struct{})
	if !wait {
		w.mu.Unlock()
		return nil
	}

	own := 0
	if tok, ok := ctx.Value(worldTokenKey{}).(*worldToken); ok && tok.lock == w {
		own = 1
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for w.holders > own {
		var ch chan struct{}
		if own == 0 {
			if w.drained == nil {
				w.drained = make(chan struct{})
			}
			ch = w.drained
		}
		w.mu.Unlock()
		var err error
		if ch == nil {
			// our own token is still held; poll until the others leave
			select {
			case <-time.After(time.Millisecond):
			case <-deadline:
				err = ErrPauseTimeout
			case <-ctx.Done():
				err = ctx.Err()
			}
		} else {
			select {
			case <-ch:
			case <-deadline:
				err = ErrPauseTimeout
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err != nil {
			w.Resume()
			return err
		}
		w.mu.Lock()
	}
	w.mu.Unlock()
	return nil
}

func (w *WorldLock) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.paused {
		return
	}
	w.paused = false
	close(w.resumed)
	w.resumed = nil
}

func (w *WorldLock) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}
