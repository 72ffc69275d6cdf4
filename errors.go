package poolmem

import "fmt"

// FreeStatus is the result of PoolAllocator.Free. The non-OK values
// reuse the corresponding poison byte as their numeric value, so a
// status can be compared directly against the byte pattern that
// triggered it.
type FreeStatus uint8

const (
	StatusOK    FreeStatus = 0x00
	StatusAlign FreeStatus = byteAlign
	StatusFreed FreeStatus = byteFreed
	StatusPad   FreeStatus = bytePad
)

func (s FreeStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusAlign:
		return "ALIGN"
	case StatusFreed:
		return "FREED"
	case StatusPad:
		return "PAD"
	default:
		return fmt.Sprintf("FreeStatus(%#02x)", uint8(s))
	}
}

// AlignmentError reports a Free call whose address does not land on a
// block boundary.
type AlignmentError struct {
	At Callsite
}

func (e AlignmentError) Error() string {
	return fmt.Sprintf("Invalid alignment on free from #%d in file %s", e.At.Line, e.At.File)
}

// DoubleFreeError reports a Free call on a block already on the free
// list.
type DoubleFreeError struct {
	At Callsite
}

func (e DoubleFreeError) Error() string {
	return fmt.Sprintf("Attempt to free already freed memory from #%d in file %s", e.At.Line, e.At.File)
}

// PadViolationError reports corrupted pad canaries around a block.
// Origin is the block's own allocation callsite, not the caller of
// Free.
type PadViolationError struct {
	Origin Callsite
}

func (e PadViolationError) Error() string {
	return fmt.Sprintf("Pad bytes invalidated for object allocated at #%d in file %s", e.Origin.Line, e.Origin.File)
}

// NegativeRefCountError reports a Handle.RemoveRef call that drove a
// refcount below zero.
type NegativeRefCountError struct {
	At        Callsite
	AllocSite Callsite
}

func (e NegativeRefCountError) Error() string {
	return fmt.Sprintf("[Handle]: Negative RefCount detected from remove at: %s #%dMemory allocated at: %s #%d",
		e.At.File, e.At.Line, e.AllocSite.File, e.AllocSite.Line)
}

// DanglingAccessError reports a SmartPointer dereference whose Handle's
// storage has already been freed.
type DanglingAccessError struct {
	AllocSite Callsite
}

func (e DanglingAccessError) Error() string {
	return fmt.Sprintf("[Handle]: Attempt to access freed memory. Memory allocated at %s #%d",
		e.AllocSite.File, e.AllocSite.Line)
}

// DanglingReferenceError reports a Handle whose refcount reached zero
// while storage was still set — the payload was not explicitly freed
// before the last reference dropped, so it leaked. Its wire format
// follows the same "[Handle]: ... at: FILE #LINE" register as
// NegativeRefCountError.
type DanglingReferenceError struct {
	At        Callsite
	AllocSite Callsite
}

func (e DanglingReferenceError) Error() string {
	return fmt.Sprintf("[Handle]: Dangling reference detected from remove at: %s #%dMemory allocated at: %s #%d",
		e.At.File, e.At.Line, e.AllocSite.File, e.AllocSite.Line)
}

// HandleDoubleFreeError reports SmartPointer.Free called on a pointer
// whose Handle already has empty storage.
type HandleDoubleFreeError struct {
	At        Callsite
	AllocSite Callsite
}

func (e HandleDoubleFreeError) Error() string {
	return fmt.Sprintf("[Handle]: Attempt to free freed memory. Free attempt at: %s #%dMemory allocated at: %s #%d",
		e.At.File, e.At.Line, e.AllocSite.File, e.AllocSite.Line)
}

// InvalidFreeError reports a SmartPointer.Free whose underlying
// PoolAllocator.Free returned a non-OK status.
type InvalidFreeError struct {
	At        Callsite
	AllocSite Callsite
	Status    FreeStatus
}

func (e InvalidFreeError) Error() string {
	return fmt.Sprintf("[Handle]: Invalid free attempt failed at: %s #%dMemory allocated at: %s #%d",
		e.At.File, e.At.Line, e.AllocSite.File, e.AllocSite.Line)
}
