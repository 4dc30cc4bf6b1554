package worlddb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpClasses = DumpFlags(1 << iota)
	DumpParsers
	DumpTypes
	DumpSlots
	DumpFreeSpace

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump describes the engine's in-memory state for debugging.
func (e *Engine) Dump(f DumpFlags) string {
	var buf strings.Builder
	if f.Contains(DumpClasses) {
		for _, cm := range e.classes {
			e.dumpClass(&buf, f, cm)
		}
		for _, cm := range e.removed {
			fmt.Fprintln(&buf, dumpSep1)
			fmt.Fprintf(&buf, "%s (class %d) REMOVED\n", cm.name, cm.id)
		}
	}
	if f.Contains(DumpTypes) {
		for _, sp := range e.spaces {
			e.dumpType(&buf, f, sp)
		}
	}
	return buf.String()
}

func (e *Engine) dumpClass(w *strings.Builder, f DumpFlags, cm *ClassMetadata) {
	cs := e.classStats(cm)
	fmt.Fprintln(w, dumpSep1)
	fmt.Fprintf(w, "%s (class %d, %d parsers, %d pending)\n", cm.name, cm.id, cs.Parsers, cs.Pending)
	if f.Contains(DumpParsers) {
		for _, fc := range cm.codecs {
			if fc.kind == KindPlaceholder {
				fmt.Fprintf(w, "%s.p%d = placeholder %s\n", cm.name, fc.parserID, fieldLabel(fc))
				continue
			}
			fmt.Fprintf(w, "%s.p%d = %s %s\n", cm.name, fc.parserID, fc.kind, fieldLabel(fc))
		}
	}
	if f.Contains(DumpFreeSpace) {
		e.passLock.Lock()
		if cm.free != nil {
			fmt.Fprintf(w, "%s.spc: %v\n", cm.name, cm.free)
		} else {
			fmt.Fprintf(w, "%s.spc: not loaded\n", cm.name)
		}
		e.passLock.Unlock()
	}
}

func fieldLabel(fc *FieldCodec) string {
	if fc.key == "" {
		return "-"
	}
	return fc.owner + "." + fc.key
}

func (e *Engine) dumpType(w *strings.Builder, f DumpFlags, sp *idSpace) {
	ts := e.TypeStats(sp.ot)
	fmt.Fprintln(w, dumpSep1)
	fmt.Fprintf(w, "%s (%d loaded, %d free ids, %d deleted ids, %d unreadable, scanned=%v)\n", sp.ot.name, ts.Loaded, ts.FreeIDs, ts.DeletedIDs, ts.Unreadable, ts.Scanned)
	if f.Contains(DumpSlots) {
		fmt.Fprintln(w, dumpSep2)
		sp.mu.Lock()
		for id, s := range sp.slots {
			if s.state == SlotEmpty {
				continue
			}
			if s.obj != nil {
				fmt.Fprintf(w, "%s#%d = %s %s\n", sp.ot.name, id, s.state, s.obj.saveValues().class.Name())
			} else {
				fmt.Fprintf(w, "%s#%d = %s\n", sp.ot.name, id, s.state)
			}
		}
		sp.mu.Unlock()
	}
}
