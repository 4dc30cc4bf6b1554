package worlddb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PassResult summarizes one save pass.
type PassResult struct {
	ID          uuid.UUID
	Written     int
	Deleted     int
	Rounds      int
	// Failed counts objects that could not be encoded. They stay queued
	// for the next pass while everything else is committed.
	Failed      int
	BytesStaged int64
	Duration    time.Duration
}

var errSimulatedCrash = errors.New("simulated crash")

// Save assigns ids to a new object and queues it for the next save pass.
// Saving an object that is already queued is a no-op.
func (e *Engine) Save(obj Saveable) error {
	if e.closed.Load() {
		return ErrClosed
	}
	cm := e.classOf(obj)
	if len(cm.spaces) == 0 {
		panic(classErrf(cm, nil, NoID, nil, "class implements no object types and can only be owned"))
	}
	sv := obj.saveValues()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	sv.touch(cm)
	if sv.deleted {
		return classErrf(cm, nil, sv.ids[0], ErrDeleted, "save")
	}
	for i, sp := range cm.spaces {
		if sv.ids[i] != NoID {
			continue
		}
		id, err := sp.allocate(obj)
		if err != nil {
			return err
		}
		sv.ids[i] = id
	}
	cm.enqueue(obj)
	return nil
}

// Delete queues obj for deletion. Once the tombstones are committed its ids
// are retired; RunFreePass makes them reusable when nothing refers to them.
func (e *Engine) Delete(obj Saveable) error {
	if e.closed.Load() {
		return ErrClosed
	}
	sv := obj.saveValues()
	cm := sv.class
	if cm == nil {
		return nil
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if sv.deleted {
		return nil
	}
	sv.deleted = true
	cm.enqueue(obj)
	return nil
}

func (e *Engine) anyPending() bool {
	for _, cm := range e.classes {
		if cm.hasPending() {
			return true
		}
	}
	return false
}

// RunSavePass writes every queued object to disk. Pass 1 serializes queued
// objects into the prestage file while the simulation keeps running; the
// world is then paused while objects queued in the meantime are serialized
// too. The staged commit then places data, writes staged.bin and replays it
// into the class and index files.
func (e *Engine) RunSavePass(ctx context.Context) (*PassResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.passLock.Lock()
	defer e.passLock.Unlock()
	if e.failed != nil {
		return nil, fmt.Errorf("worlddb: engine failed: %w", e.failed)
	}

	res := &PassResult{ID: uuid.New()}
	if !e.anyPending() {
		return res, nil
	}
	start := time.Now()
	p := &savePass{
		engine: e,
		res:    res,
		attr:   slog.String("pass", res.ID.String()),
	}
	err := p.run(ctx)
	p.requeueFailed()
	e.metrics.encodeFailures.Add(float64(res.Failed))
	res.Duration = time.Since(start)
	e.metrics.passDuration.Observe(res.Duration.Seconds())
	if err != nil {
		e.metrics.passes.WithLabelValues("failed").Inc()
		e.logger.LogAttrs(ctx, slog.LevelError, "worlddb: save pass failed", p.attr, slog.Any("err", err))
		return res, err
	}
	e.metrics.passes.WithLabelValues("ok").Inc()
	e.metrics.written.Add(float64(res.Written))
	e.metrics.deleted.Add(float64(res.Deleted))
	e.metrics.bytesStaged.Add(float64(res.BytesStaged))
	e.logger.LogAttrs(ctx, slog.LevelInfo, "worlddb: saved", p.attr, slog.Int("written", res.Written), slog.Int("deleted", res.Deleted), slog.Int("failed", res.Failed), slog.Int("rounds", res.Rounds), slog.Int64("bytes", res.BytesStaged), slog.Duration("dur", res.Duration))
	if len(p.failed) > 0 {
		return res, fmt.Errorf("worlddb: %d objects not saved, first: %w", res.Failed, p.failed[0].err)
	}
	return res, nil
}

type savePass struct {
	engine       *Engine
	res          *PassResult
	attr         slog.Attr
	prestage     *dataFile
	prestageSize int64
	failed       []encodeFailure
}

type encodeFailure struct {
	cm  *ClassMetadata
	obj Saveable
	err error
}

// requeueFailed queues objects that failed to encode for the next pass.
func (p *savePass) requeueFailed() {
	for _, f := range p.failed {
		f.cm.mu.Lock()
		if sv := f.obj.saveValues(); sv.phase == phaseIdle {
			f.cm.enqueue(f.obj)
		}
		f.cm.mu.Unlock()
	}
}

func (p *savePass) run(ctx context.Context) error {
	e := p.engine
	if err := p.enter(SavingPrestaged); err != nil {
		return p.abort(err)
	}
	p.prestage = e.files.file(prestagedFileName)
	if err := p.prestage.Truncate(0); err != nil {
		return p.abort(err)
	}

	// pass 1, concurrent with the simulation
	if err := p.drain(); err != nil {
		return p.abort(err)
	}
	p.res.Rounds++
	if e.testAfterDrain != nil {
		e.testAfterDrain()
	}

	// pass 2, under a world pause
	if err := e.world.Pause(ctx, e.opt.WaitForWorld, e.opt.PauseTimeout); err != nil {
		return p.abort(err)
	}
	for range e.opt.MaxDrainRounds {
		if !e.anyPending() {
			break
		}
		if err := p.drain(); err != nil {
			e.world.Resume()
			return p.abort(err)
		}
		p.res.Rounds++
	}
	e.world.Resume()

	if err := e.files.sync(p.prestage); err != nil {
		return p.abort(err)
	}
	if err := p.enter(StagingChanges); err != nil {
		return p.abort(err)
	}

	sw, commits, err := p.stage()
	if err != nil {
		return p.abort(err)
	}
	p.res.BytesStaged = sw.bytes

	if _, err := e.commitStaged(sw, e.testReplayLimit); err != nil {
		if e.state == WritingToDatabase {
			// recovery at the next open replays staged.bin
			e.failed = err
			return err
		}
		return p.abort(err)
	}
	if e.testReplayLimit >= 0 {
		e.failed = errSimulatedCrash
		return errSimulatedCrash
	}

	p.apply(commits)
	if err := p.prestage.Truncate(0); err != nil {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "worlddb: failed to truncate prestage file", p.attr, slog.Any("err", err))
	}
	return nil
}

// enter records a pipeline state in main.bin.
func (p *savePass) enter(state DatabaseState) error {
	e := p.engine
	if err := e.setState(state); err != nil {
		return err
	}
	if e.testCrashAt == state {
		e.failed = errSimulatedCrash
		return errSimulatedCrash
	}
	return nil
}

// abort undoes the in-memory effects of a pass that failed before anything
// outside the transient files was written. Staged objects are queued again.
func (p *savePass) abort(err error) error {
	e := p.engine
	if errors.Is(err, errSimulatedCrash) {
		return err
	}
	for _, cm := range e.classes {
		cm.requeueStaged()
	}
	if serr := e.setState(UpToDate); serr != nil {
		e.failed = serr
	}
	return err
}

type drainBatch struct {
	cm      *ClassMetadata
	objs    []Saveable
	offsets []int
	buf     bytesBuilder
	written int
	deleted int
	failed  []encodeFailure
}

// drain serializes every pending list. Classes are encoded in parallel into
// separate buffers, which are then appended to the prestage file in class
// order.
func (p *savePass) drain() error {
	e := p.engine
	var batches []*drainBatch
	for _, cm := range e.classes {
		if objs := cm.detachPending(); len(objs) > 0 {
			batches = append(batches, &drainBatch{cm: cm, objs: objs})
		}
	}

	var g errgroup.Group
	g.SetLimit(e.opt.Concurrency)
	for _, b := range batches {
		g.Go(func() error {
			p.encodeBatch(b)
			return nil
		})
	}
	g.Wait()
	for _, b := range batches {
		p.res.Failed += len(b.failed)
		p.failed = append(p.failed, b.failed...)
	}

	for i, b := range batches {
		base := p.prestageSize
		if err := p.prestage.WriteAt(b.buf.Buf, base); err != nil {
			requeueBatches(batches[i:])
			return fmt.Errorf("%s: %w", prestagedFileName, err)
		}
		p.prestageSize += int64(b.buf.Len())
		for i, obj := range b.objs {
			sv := obj.saveValues()
			sv.stagedOffset = base + int64(b.offsets[i])
			b.cm.addStaged(obj)
		}
		p.res.Written += b.written
		p.res.Deleted += b.deleted
	}
	return nil
}

// requeueBatches returns detached objects that did not make it into the
// prestage file to their pending lists.
func requeueBatches(batches []*drainBatch) {
	for _, b := range batches {
		b.cm.mu.Lock()
		for _, obj := range b.objs {
			if sv := obj.saveValues(); sv.phase != phasePending {
				sv.phase = phaseIdle
				b.cm.enqueue(obj)
			}
		}
		b.cm.mu.Unlock()
	}
}

// encodeBatch writes one prestage record per object:
//
//	classID:i32 priorOffset:i32 priorCapacity:i32 id:i32*nspaces payloadLen:i32 payload
//
// payloadLen is -1 for deleted objects. An object that fails to encode is
// left out of the batch and logged; it is queued again once the pass ends.
func (p *savePass) encodeBatch(b *drainBatch) {
	e := p.engine
	cm := b.cm
	ec := &encodeCtx{engine: e, buf: &b.buf}
	b.offsets = make([]int, 0, len(b.objs))
	ids := make([]int32, len(cm.spaces))
	objs := b.objs[:0]
	for _, obj := range b.objs {
		sv := obj.saveValues()
		cm.mu.Lock()
		deleted := sv.deleted
		copy(ids, sv.ids)
		cm.mu.Unlock()

		recOff := b.buf.Len()
		b.buf.AppendInt32(cm.id)
		b.buf.AppendInt32(sv.offset)
		b.buf.AppendInt32(sv.capacity)
		for _, id := range ids {
			b.buf.AppendInt32(id)
		}
		lenOff := b.buf.Grow(4)
		if deleted {
			putInt32(b.buf.Buf[lenOff:], -1)
			b.deleted++
			objs = append(objs, obj)
			b.offsets = append(b.offsets, recOff)
			if e.verbose {
				e.logger.LogAttrs(e.ctx, slog.LevelDebug, "worlddb: DELETE", p.attr, classAttr(cm), slog.Any("ids", ids))
			}
			continue
		}
		start := b.buf.Len()
		if err := ec.encodeFields(cm, obj, true); err != nil {
			b.buf.Trim(recOff)
			err = fmt.Errorf("%s%v: %w", cm.name, ids, err)
			e.logger.LogAttrs(e.ctx, slog.LevelError, "worlddb: failed to encode object", p.attr, classAttr(cm), slog.Any("ids", ids), slog.Any("err", err))
			cm.mu.Lock()
			if sv.phase == phaseStaged {
				sv.phase = phaseIdle
			}
			cm.mu.Unlock()
			b.failed = append(b.failed, encodeFailure{cm, obj, err})
			continue
		}
		n := b.buf.Len() - start
		putInt32(b.buf.Buf[lenOff:], int32(n))
		b.written++
		objs = append(objs, obj)
		b.offsets = append(b.offsets, recOff)
		if e.verbose {
			e.logger.LogAttrs(e.ctx, slog.LevelDebug, "worlddb: PUT", p.attr, classAttr(cm), slog.Any("ids", ids), hexAttr("data", b.buf.Buf[start:]))
		}
	}
	b.objs = objs
}

type prestageRecord struct {
	classID       int32
	priorOffset   int32
	priorCapacity int32
	ids           []int32
	payload       []byte
	deleted       bool
}

func (p *savePass) readPrestaged(cm *ClassMetadata, off int64) (*prestageRecord, error) {
	hdrLen := prestageHeaderSize + 4*len(cm.spaces)
	hdr := make([]byte, hdrLen)
	n, err := p.prestage.ReadAt(hdr, off)
	if err != nil {
		return nil, err
	}
	if n < hdrLen {
		return nil, dataErrf(hdr[:n], 0, nil, "%s: short record at %d", prestagedFileName, off)
	}
	d := makeByteDecoder(hdr)
	rec := &prestageRecord{ids: make([]int32, len(cm.spaces))}
	rec.classID = must(d.Int32())
	rec.priorOffset = must(d.Int32())
	rec.priorCapacity = must(d.Int32())
	for i := range rec.ids {
		rec.ids[i] = must(d.Int32())
	}
	size := must(d.Int32())
	if rec.classID != cm.id {
		return nil, dataErrf(hdr, 0, nil, "%s: record at %d belongs to class %d, expected %s (%d)", prestagedFileName, off, rec.classID, cm.name, cm.id)
	}
	if size < 0 {
		rec.deleted = true
		return rec, nil
	}
	rec.payload = make([]byte, size)
	n, err = p.prestage.ReadAt(rec.payload, off+int64(hdrLen))
	if err != nil {
		return nil, err
	}
	if n < int(size) {
		return nil, dataErrf(rec.payload[:n], 0, nil, "%s: short payload at %d", prestagedFileName, off)
	}
	return rec, nil
}

type classCommit struct {
	cm    *ClassMetadata
	free  *freeSpace
	items []commitItem
}

type commitItem struct {
	obj     Saveable
	ids     []int32
	deleted bool
	place   placement
	size    int32
	payload []byte
}

// stage places every staged object into its class's .var file and produces
// the staged writes: all .var data first, then the index records, then the
// free-space files.
func (p *savePass) stage() (*stagedWriter, []*classCommit, error) {
	e := p.engine
	sw := newStagedWriter()
	if e.testMaxChunk > 0 {
		sw.maxChunk = e.testMaxChunk
	}

	var commits []*classCommit
	for _, cm := range e.classes {
		if cm.stagedCount == 0 {
			continue
		}
		fs, err := e.loadFreeSpace(cm)
		if err != nil {
			return nil, nil, err
		}
		cc := &classCommit{cm: cm, free: fs.clone()}
		for _, obj := range cm.stagedObjects() {
			rec, err := p.readPrestaged(cm, obj.saveValues().stagedOffset)
			if err != nil {
				return nil, nil, err
			}
			item := commitItem{obj: obj, ids: rec.ids, deleted: rec.deleted}
			if rec.deleted {
				if rec.priorCapacity >= 0 {
					cc.free.release(rec.priorOffset, rec.priorCapacity)
				}
				cc.items = append(cc.items, item)
				continue
			}
			need := int32(len(rec.payload))
			if rec.priorCapacity >= 0 && need <= rec.priorCapacity {
				capacity := cc.free.shrink(rec.priorOffset, rec.priorCapacity, need)
				item.place = placement{rec.priorOffset, capacity, true}
			} else {
				if rec.priorCapacity >= 0 {
					cc.free.release(rec.priorOffset, rec.priorCapacity)
				}
				item.place = cc.free.allocate(need)
			}
			if item.place.Reused {
				e.metrics.allocations.WithLabelValues("reused").Inc()
			} else {
				e.metrics.allocations.WithLabelValues("appended").Inc()
			}
			item.size = need
			item.payload = rec.payload
			cc.items = append(cc.items, item)
		}
		commits = append(commits, cc)
	}

	for _, cc := range commits {
		sw.begin(cc.cm.varFileName())
		for _, item := range cc.items {
			if item.deleted {
				continue
			}
			if err := sw.write(int64(item.place.Off), item.payload); err != nil {
				return nil, nil, fmt.Errorf("%s: %w", cc.cm.varFileName(), err)
			}
		}
		sw.end()
	}

	for _, sp := range e.spaces {
		type indexWrite struct {
			id  int32
			rec fixRecord
		}
		var writes []indexWrite
		for _, cc := range commits {
			idx := cc.cm.spaceIndex(sp)
			if idx < 0 {
				continue
			}
			for _, item := range cc.items {
				id := item.ids[idx]
				if id == NoID {
					continue
				}
				rec := fixRecord{ClassID: tombstoneClassID}
				if !item.deleted {
					rec = fixRecord{cc.cm.id, item.place.Off, item.size, item.place.Capacity}
				}
				writes = append(writes, indexWrite{id, rec})
			}
		}
		if len(writes) == 0 {
			continue
		}
		slices.SortFunc(writes, func(a, b indexWrite) int { return int(a.id) - int(b.id) })
		sw.begin(sp.fix.name)
		var bb bytesBuilder
		for _, w := range writes {
			bb.Reset()
			w.rec.append(&bb)
			if err := sw.write(int64(w.id)*fixRecordSize, bb.Buf); err != nil {
				return nil, nil, err
			}
		}
		sw.end()
	}

	for _, cc := range commits {
		if err := sw.replaceFile(cc.cm.spaceFileName(), cc.free.encode()); err != nil {
			return nil, nil, err
		}
	}
	return sw, commits, nil
}

// apply updates in-memory bookkeeping after a successful commit.
func (p *savePass) apply(commits []*classCommit) {
	e := p.engine
	for _, cc := range commits {
		cm := cc.cm
		cm.free = cc.free
		for _, item := range cc.items {
			sv := item.obj.saveValues()
			if item.deleted {
				for i, sp := range cm.spaces {
					if id := item.ids[i]; id != NoID {
						sp.retire(id, item.obj)
						if e.verbose {
							e.logger.LogAttrs(e.ctx, slog.LevelDebug, "worlddb: RETIRE", p.attr, typeAttr(sp.ot), slog.Int("id", int(id)))
						}
					}
				}
				cm.mu.Lock()
				for i := range sv.ids {
					sv.ids[i] = NoID
				}
				cm.mu.Unlock()
				sv.offset, sv.capacity, sv.size = 0, -1, 0
				continue
			}
			sv.offset = item.place.Off
			sv.capacity = item.place.Capacity
			sv.size = item.size
		}
		cm.resetStaged()
	}
}

// loadFreeSpace returns the class's free-space map, reading <Class>.spc on
// first use. A missing file starts with no free regions at the current end
// of the .var file; a .var file longer than the recorded end has its tail
// treated as free.
func (e *Engine) loadFreeSpace(cm *ClassMetadata) (*freeSpace, error) {
	if cm.free != nil {
		return cm.free, nil
	}
	varSize, err := e.files.file(cm.varFileName()).Size()
	if err != nil {
		return nil, err
	}
	data, err := e.files.readAll(cm.spaceFileName())
	if err != nil {
		return nil, err
	}
	var fs *freeSpace
	if len(data) == 0 {
		fs = &freeSpace{eof: int32(varSize)}
	} else {
		fs, err = decodeFreeSpace(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cm.spaceFileName(), err)
		}
		if int64(fs.eof) < varSize {
			e.logger.LogAttrs(e.ctx, slog.LevelWarn, "worlddb: reclaiming unaccounted tail of data file", classAttr(cm), slog.Int("eof", int(fs.eof)), slog.Int64("size", varSize))
			fs.release(fs.eof, int32(varSize-int64(fs.eof)))
			fs.eof = int32(varSize)
		}
	}
	cm.free = fs
	return fs, nil
}

// commitStaged writes staged.bin, marks the database WritingToDatabase and
// replays it. From that point on, a crash is recovered by replaying again.
func (e *Engine) commitStaged(sw *stagedWriter, replayLimit int) (replayStats, error) {
	data := sw.finish()
	df := e.files.file(stagedFileName)
	if err := df.Truncate(0); err != nil {
		return replayStats{}, err
	}
	if err := df.WriteAt(data, 0); err != nil {
		return replayStats{}, fmt.Errorf("%s: %w", stagedFileName, err)
	}
	if err := e.files.sync(df); err != nil {
		return replayStats{}, fmt.Errorf("%s: %w", stagedFileName, err)
	}
	if err := e.setState(WritingToDatabase); err != nil {
		return replayStats{}, err
	}
	if e.testCrashAt == WritingToDatabase && replayLimit < 0 {
		e.failed = errSimulatedCrash
		return replayStats{}, errSimulatedCrash
	}
	st, err := replayStagedFile(e.files, replayLimit)
	if err != nil {
		return st, fmt.Errorf("replaying %s: %w", stagedFileName, err)
	}
	if replayLimit >= 0 {
		return st, nil
	}
	if err := e.setState(UpToDate); err != nil {
		return st, err
	}
	if err := df.Truncate(0); err != nil {
		return st, err
	}
	return st, nil
}
