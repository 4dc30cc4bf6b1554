package worlddb

type ClassStats struct {
	Name       string
	ClassID    int32
	Parsers    int
	Pending    int
	DataSize   int64 // end of the .var file as tracked by free space
	FreeBytes  int64
	FreeRanges int
}

func (cs *ClassStats) UsedBytes() int64 {
	return cs.DataSize - cs.FreeBytes
}

type TypeStats struct {
	Name       string
	Loaded     int
	FreeIDs    int
	DeletedIDs int
	Unreadable int
	Scanned    bool
}

// ClassStats reports sizes and queue length of a class. Free-space figures
// are only available after the class has been written to at least once in
// this process.
func (e *Engine) ClassStats(cls *Class) ClassStats {
	cm := e.classes[cls.pos]
	return e.classStats(cm)
}

func (e *Engine) classStats(cm *ClassMetadata) ClassStats {
	cs := ClassStats{
		Name:    cm.name,
		ClassID: cm.id,
		Parsers: len(cm.codecs),
		Pending: cm.PendingCount(),
	}
	e.passLock.Lock()
	if fs := cm.free; fs != nil {
		cs.DataSize = int64(fs.eof)
		cs.FreeBytes = fs.TotalFree()
		cs.FreeRanges = len(fs.regions)
	}
	e.passLock.Unlock()
	return cs
}

func (e *Engine) TypeStats(ot *ObjectType) TypeStats {
	sp := e.space(ot)
	loaded, free, deleted, unreadable := sp.loadedCount()
	sp.mu.Lock()
	scanned := sp.lowestUnchecked < 0
	sp.mu.Unlock()
	return TypeStats{
		Name:       ot.name,
		Loaded:     loaded,
		FreeIDs:    free,
		DeletedIDs: deleted,
		Unreadable: unreadable,
		Scanned:    scanned,
	}
}
