package worlddb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Engine owns every piece of mutable persistence state for one database
// directory: open files, id spaces, class metadata and the save pipeline.
type Engine struct {
	dir     string
	schema  *Schema
	logger  *slog.Logger
	verbose bool
	opt     Options
	ctx     context.Context
	files   *fileSet
	metrics *metrics
	world   *WorldLock

	spaces          []*idSpace       // by ObjectType.pos
	classes         []*ClassMetadata // by Class.pos
	classesByID     map[int32]*ClassMetadata
	removed         []*ClassMetadata
	nextClassID     int32
	objectTypeNames []string

	passLock sync.Mutex
	state    DatabaseState // guarded by passLock
	failed   error
	closed   atomic.Bool

	schemaWrites int

	// test hooks
	testCrashAt     DatabaseState // UpToDate disables
	testReplayLimit int
	testMaxChunk    int
	testAfterDrain  func() // after the first drain, before the world pause
}

// Open opens or creates the database in dir, recovering from an interrupted
// save pass if needed, and reconciles the schema against the class maps
// stored by previous runs.
func Open(dir string, scm *Schema, opt Options) (*Engine, error) {
	opt.setDefaults()
	if err := opt.Validate(); err != nil {
		return nil, fmt.Errorf("worlddb: invalid options: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("worlddb: %w", err)
	}

	e := &Engine{
		dir:             dir,
		schema:          scm,
		logger:          opt.Logger,
		verbose:         opt.Verbose,
		opt:             opt,
		ctx:             context.Background(),
		files:           newFileSet(dir, opt.IsTesting),
		metrics:         newMetrics(opt.Registerer),
		world:           opt.World,
		testReplayLimit: -1,
	}

	rr, err := recoverDir(e.files, e.logger)
	if err != nil {
		e.files.close()
		return nil, fmt.Errorf("worlddb: recovery: %w", err)
	}
	if rr.Replayed {
		e.metrics.recoveries.Inc()
	}
	if err := writeMainHeader(e.files, mainHeader{Running: true, State: UpToDate}); err != nil {
		e.files.close()
		return nil, fmt.Errorf("worlddb: %w", err)
	}

	if err := e.reconcile(); err != nil {
		e.files.close()
		return nil, fmt.Errorf("worlddb: %w", err)
	}
	return e, nil
}

// Close releases file handles and clears the running flag. It does not save;
// run a final save pass first.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.passLock.Lock()
	defer e.passLock.Unlock()
	err := writeMainHeader(e.files, mainHeader{Running: false, State: e.state})
	if cerr := e.files.close(); err == nil {
		err = cerr
	}
	return err
}

func (e *Engine) Dir() string       { return e.dir }
func (e *Engine) Schema() *Schema   { return e.schema }
func (e *Engine) World() *WorldLock { return e.world }

func (e *Engine) State() DatabaseState {
	e.passLock.Lock()
	defer e.passLock.Unlock()
	return e.state
}

// Err returns the error that stopped the engine from saving, if any. A
// failed engine must be reopened, which recovers the interrupted commit.
func (e *Engine) Err() error {
	e.passLock.Lock()
	defer e.passLock.Unlock()
	return e.failed
}

// setState persists a pipeline state. Must be called with passLock held.
func (e *Engine) setState(state DatabaseState) error {
	if err := writeMainHeader(e.files, mainHeader{Running: true, State: state}); err != nil {
		return err
	}
	e.state = state
	return nil
}

func (e *Engine) space(ot *ObjectType) *idSpace {
	if ot.schema != e.schema {
		panic(fmt.Errorf("object type %s belongs to another schema", ot.name))
	}
	return e.spaces[ot.pos]
}

// ClassMetadata returns the runtime metadata of a class.
func (e *Engine) ClassMetadata(cls *Class) *ClassMetadata {
	return e.classes[cls.pos]
}

// New returns a blank instance of cls with every field at its declared
// default. Objects created with new(T) start at Go zero values instead.
func (e *Engine) New(cls *Class) Saveable {
	return e.classes[cls.pos].newInstance()
}

// Get returns the object with the given id in ot, or nil if there is none.
// Unreadable records are reported as missing.
func (e *Engine) Get(ot *ObjectType, id int32, flags GetFlags) (Saveable, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.space(ot).get(id, flags)
}

// SlotState reports what the engine knows about an id without loading it.
func (e *Engine) SlotState(ot *ObjectType, id int32) SlotState {
	return e.space(ot).SlotState(id)
}

// GetAs loads an object and checks its type.
func GetAs[T Saveable](e *Engine, ot *ObjectType, id int32) (T, error) {
	var zero T
	obj, err := e.Get(ot, id, LoadIfMissing|WaitIfLoading)
	if err != nil || obj == nil {
		return zero, err
	}
	v, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("worlddb: %s#%d is %T, not %T", ot.name, id, obj, zero)
	}
	return v, nil
}

// Resolve returns the referent of r, loading it if needed, and remembers it
// in r.
func (e *Engine) Resolve(ot *ObjectType, r *Ref) (Saveable, error) {
	if !r.set {
		return nil, nil
	}
	if r.obj != nil {
		return r.obj, nil
	}
	obj, err := e.Get(ot, r.id, LoadIfMissing|WaitIfLoading)
	if err != nil {
		return nil, err
	}
	r.obj = obj
	return obj, nil
}

// Run runs save passes every Options.SaveInterval and free passes every
// Options.FreeInterval until ctx is done, then runs a final save pass. A
// failed pass is retried on the next tick unless the engine has failed.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opt.SaveInterval)
	defer ticker.Stop()
	freeTicker := time.NewTicker(e.opt.FreeInterval)
	defer freeTicker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.RunSavePass(ctx); err != nil {
				if e.Err() != nil {
					return err
				}
				e.logger.LogAttrs(ctx, slog.LevelWarn, "worlddb: save pass will be retried", slog.Duration("in", e.opt.SaveInterval), slog.Any("err", err))
			}
		case <-freeTicker.C:
			if _, err := e.RunFreePass(ctx); err != nil {
				if e.Err() != nil {
					return err
				}
				e.logger.LogAttrs(ctx, slog.LevelWarn, "worlddb: free pass failed", slog.Any("err", err))
			}
		case <-ctx.Done():
			_, err := e.RunSavePass(context.Background())
			return err
		}
	}
}
