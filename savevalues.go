package worlddb

import (
	"sync/atomic"
)

// NoID is the id of an object that has not been assigned one in a given
// id space.
const NoID int32 = -1

// Saveable is implemented by every persisted object, normally by embedding
// Persisted.
type Saveable interface {
	saveValues() *SaveValues
}

// Persisted carries the engine's bookkeeping for one object. Embed it by
// value into every type passed to DefineClass.
type Persisted struct {
	sv SaveValues
}

func (p *Persisted) saveValues() *SaveValues {
	return &p.sv
}

// Locker is optionally implemented by persisted objects that guard their
// fields with a lock. The read lock is held while the object is encoded.
type Locker interface {
	RLock()
	RUnlock()
}

type savePhase uint8

const (
	phaseIdle savePhase = iota
	phasePending
	phaseStaged
)

// SaveValues is the per-object state of the persistence engine. It is
// initialized lazily, on the first Save or when the object is loaded.
type SaveValues struct {
	class *ClassMetadata

	// ids holds one id per id space implemented by the class, in the order
	// of ClassMetadata.spaces. Ids are assigned on first save and never
	// change until the object is deleted.
	ids []int32

	// offset, capacity and size describe the object's region in the .var
	// file as of the last commit. capacity is -1 until the object is first
	// committed.
	offset   int32
	capacity int32
	size     int32

	deleted bool

	// phase and next are guarded by class.mu. An object is either idle, in
	// its class's pending list, or in the staged list; a staged object
	// saved again moves back to pending and keeps its staged link.
	phase savePhase
	next  Saveable

	// staged state is owned by the save pass.
	staged       bool
	stagedOffset int64
	nextStaged   Saveable

	// loading is non-nil exactly while the object is being decoded.
	loading atomic.Pointer[loadGate]
}

// touch initializes SaveValues for an instance of class that has never been
// saved or loaded. Must be called with class.mu held or before the object is
// published.
func (sv *SaveValues) touch(class *ClassMetadata) {
	if sv.class != nil {
		if sv.class != class {
			panic(classErrf(class, nil, NoID, nil, "object already belongs to class %s", sv.class.Name()))
		}
		return
	}
	sv.class = class
	sv.ids = make([]int32, len(class.spaces))
	for i := range sv.ids {
		sv.ids[i] = NoID
	}
	sv.offset = 0
	sv.capacity = -1
	sv.size = 0
}

func (sv *SaveValues) idIn(space *idSpace) int32 {
	if sv.class == nil {
		return NoID
	}
	idx := sv.class.spaceIndex(space)
	if idx < 0 {
		return NoID
	}
	return sv.ids[idx]
}

// IDOf returns the id of obj in the given object type, or NoID if the object
// has not been saved yet or its class does not implement ot.
func IDOf(obj Saveable, ot *ObjectType) int32 {
	sv := obj.saveValues()
	if sv.class == nil {
		return NoID
	}
	for i, sp := range sv.class.spaces {
		if sp.ot == ot {
			return sv.ids[i]
		}
	}
	return NoID
}

// IsLoading reports whether obj is still being decoded by another goroutine.
// Objects returned by Get without WaitIfLoading can be in this state.
func IsLoading(obj Saveable) bool {
	return obj.saveValues().loading.Load() != nil
}

// IsDeleted reports whether Delete has been called on obj.
func IsDeleted(obj Saveable) bool {
	sv := obj.saveValues()
	if sv.class == nil {
		return false
	}
	sv.class.mu.Lock()
	defer sv.class.mu.Unlock()
	return sv.deleted
}

// loadGate is closed when a load finishes. err is set before closing.
type loadGate struct {
	done chan struct{}
	err  error
}

func newLoadGate() *loadGate {
	return &loadGate{done: make(chan struct{})}
}

func (g *loadGate) finish(err error) {
	g.err = err
	close(g.done)
}
