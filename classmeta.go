package worlddb

import (
	"sync"
)

// ClassMetadata is the runtime table of one persisted class: the stable
// class id, field codecs indexed by parser id, the id spaces the class
// implements and the list of objects waiting to be saved.
type ClassMetadata struct {
	engine *Engine
	class  *Class // nil for classes that exist on disk only
	name   string
	id     int32

	// codecs is indexed by parser id. Parser ids of removed fields hold
	// KindPlaceholder codecs.
	codecs  []*FieldCodec
	fields  []*FieldCodec // live codecs, self ids first
	selfIDs []*FieldCodec // parallel to spaces
	spaces  []*idSpace

	dirty bool // .map needs rewriting

	mu           sync.Mutex
	pendingHead  Saveable
	pendingCount int

	// owned by the save pass
	stagedHead  Saveable
	stagedTail  Saveable
	stagedCount int
	free        *freeSpace
}

func (cm *ClassMetadata) Name() string   { return cm.name }
func (cm *ClassMetadata) ID() int32      { return cm.id }
func (cm *ClassMetadata) Class() *Class  { return cm.class }
func (cm *ClassMetadata) Readable() bool { return cm.class != nil }

func (cm *ClassMetadata) NumParsers() int {
	return len(cm.codecs)
}

// Codec returns the codec registered under the given parser id, or nil.
func (cm *ClassMetadata) Codec(parserID uint16) *FieldCodec {
	if int(parserID) >= len(cm.codecs) {
		return nil
	}
	return cm.codecs[parserID]
}

func (cm *ClassMetadata) FieldCodecs() []*FieldCodec {
	return append([]*FieldCodec(nil), cm.fields...)
}

func (cm *ClassMetadata) spaceIndex(space *idSpace) int {
	for i, sp := range cm.spaces {
		if sp == space {
			return i
		}
	}
	return -1
}

func (cm *ClassMetadata) varFileName() string   { return cm.name + ".var" }
func (cm *ClassMetadata) spaceFileName() string { return cm.name + ".spc" }
func (cm *ClassMetadata) mapFileName() string   { return cm.name + ".map" }

// newInstance creates a blank object to decode into, with every field set
// to its declared default.
func (cm *ClassMetadata) newInstance() Saveable {
	obj := cm.class.newInstance()
	obj.saveValues().touch(cm)
	for _, fc := range cm.fields {
		if d, ok := fc.marker.(defaulter); ok {
			d.setDefault(fc.access(obj))
		}
	}
	return obj
}

// enqueue links obj into the pending list unless it is already there.
// Must be called with cm.mu held.
func (cm *ClassMetadata) enqueue(obj Saveable) bool {
	sv := obj.saveValues()
	if sv.phase == phasePending {
		return false
	}
	sv.phase = phasePending
	sv.next = cm.pendingHead
	cm.pendingHead = obj
	cm.pendingCount++
	return true
}

// detachPending takes the whole pending list, returning objects in the
// order they were queued.
func (cm *ClassMetadata) detachPending() []Saveable {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.pendingCount == 0 {
		return nil
	}
	objs := make([]Saveable, cm.pendingCount)
	i := cm.pendingCount
	for obj := cm.pendingHead; obj != nil; {
		sv := obj.saveValues()
		i--
		objs[i] = obj
		next := sv.next
		sv.next = nil
		sv.phase = phaseStaged
		obj = next
	}
	cm.pendingHead = nil
	cm.pendingCount = 0
	return objs
}

func (cm *ClassMetadata) hasPending() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.pendingCount > 0
}

func (cm *ClassMetadata) PendingCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.pendingCount
}

// addStaged appends obj to the staged list once per pass.
func (cm *ClassMetadata) addStaged(obj Saveable) {
	sv := obj.saveValues()
	if sv.staged {
		return
	}
	sv.staged = true
	sv.nextStaged = nil
	if cm.stagedTail == nil {
		cm.stagedHead = obj
	} else {
		cm.stagedTail.saveValues().nextStaged = obj
	}
	cm.stagedTail = obj
	cm.stagedCount++
}

func (cm *ClassMetadata) stagedObjects() []Saveable {
	objs := make([]Saveable, 0, cm.stagedCount)
	for obj := cm.stagedHead; obj != nil; obj = obj.saveValues().nextStaged {
		objs = append(objs, obj)
	}
	return objs
}

// resetStaged empties the staged list after a commit. Objects saved again
// in the meantime stay in the pending list.
func (cm *ClassMetadata) resetStaged() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for obj := cm.stagedHead; obj != nil; {
		sv := obj.saveValues()
		next := sv.nextStaged
		sv.nextStaged = nil
		sv.staged = false
		if sv.phase == phaseStaged {
			sv.phase = phaseIdle
		}
		obj = next
	}
	cm.stagedHead, cm.stagedTail, cm.stagedCount = nil, nil, 0
}

// requeueStaged moves staged objects back to the pending list after a failed
// pass, so that the next pass picks them up again.
func (cm *ClassMetadata) requeueStaged() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for obj := cm.stagedHead; obj != nil; {
		sv := obj.saveValues()
		next := sv.nextStaged
		sv.nextStaged = nil
		sv.staged = false
		if sv.phase == phaseStaged {
			sv.phase = phaseIdle
			cm.enqueue(obj)
		}
		obj = next
	}
	cm.stagedHead, cm.stagedTail, cm.stagedCount = nil, nil, 0
}
