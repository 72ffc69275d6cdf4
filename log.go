package poolmem

import (
	"fmt"
	"io"
)

// DebugLevel names verbosity steps for diagnostic output. Every logger
// records a level (DebugInfo), but nothing in this package reads it and
// no output beyond the exact diagnostic lines below is emitted; the
// level can not be changed from outside the package. Modeled on the MemoryDebugger level ladder used elsewhere in this
// codebase's ancestry: most repos in this space give debug logging a
// cheap no-op floor (DebugOff) and a small number of named steps above
// it rather than an open integer verbosity.
type DebugLevel int

const (
	DebugOff DebugLevel = iota
	DebugError
	DebugWarn
	DebugInfo
	DebugVerbose
	DebugTrace
)

// logger writes the line-oriented, exact-text diagnostics named in the
// wire format. It never buffers: every call is one Fprintf against the
// configured sink, keeping the sink a genuinely opaque byte stream
// rather than something this package formats into structured records.
type logger struct {
	w     io.Writer
	level DebugLevel
}

func newLogger(w io.Writer) *logger {
	if w == nil {
		return nil
	}
	return &logger{w: w, level: DebugInfo}
}

func (l *logger) alignment(at Callsite) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.w, "Invalid alignment on free from #%d in file %s\n", at.Line, at.File)
}

func (l *logger) doubleFree(at Callsite) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.w, "Attempt to free already freed memory from #%d in file %s\n", at.Line, at.File)
}

func (l *logger) padViolation(origin Callsite) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.w, "Pad bytes invalidated for object allocated at #%d in file %s\n", origin.Line, origin.File)
}

// handleLog is the process-wide sink for Handle/SmartPointer
// diagnostics (negative refcount, dangling access/free). It is
// separate from any one pool's logger because a Handle outlives and
// cuts across whichever typed PoolAllocator it happens to reference.
var handleLog = newLogger(nil)

// SetLogSink installs the writer that Handle/SmartPointer diagnostics
// go to. Passing nil silences them (equivalent to never configuring a
// sink). It does not affect any individual PoolAllocator's own sink,
// set via Settings.LogSink.
func SetLogSink(w io.Writer) {
	handleLog = newLogger(w)
}

func (l *logger) negativeRefCount(at, allocSite Callsite) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.w, "[Handle]: Negative RefCount detected from remove at: %s #%dMemory allocated at: %s #%d\n",
		at.File, at.Line, allocSite.File, allocSite.Line)
}

func (l *logger) danglingReference(at, allocSite Callsite) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.w, "[Handle]: Dangling reference detected from remove at: %s #%dMemory allocated at: %s #%d\n",
		at.File, at.Line, allocSite.File, allocSite.Line)
}

func (l *logger) danglingAccess(allocSite Callsite) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.w, "[Handle]: Attempt to access freed memory. Memory allocated at %s #%d\n",
		allocSite.File, allocSite.Line)
}

func (l *logger) handleDoubleFree(at, allocSite Callsite) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.w, "[Handle]: Attempt to free freed memory. Free attempt at: %s #%dMemory allocated at: %s #%d\n",
		at.File, at.Line, allocSite.File, allocSite.Line)
}

func (l *logger) invalidFree(at, allocSite Callsite) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.w, "[Handle]: Invalid free attempt failed at: %s #%dMemory allocated at: %s #%d\n",
		at.File, at.Line, allocSite.File, allocSite.Line)
}
