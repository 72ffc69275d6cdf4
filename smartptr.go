package poolmem

import (
	"reflect"
	"unsafe"
)

// SmartPointer owns exactly one reference on one Handle at all times,
// including when it is null: a null SmartPointer references the shared
// Null Handle rather than holding no Handle at all. This makes every
// SmartPointer operation below uniform whether or not it currently
// points at live storage.
//
// The zero value of SmartPointer is not a valid instance — Go has no
// constructor hook to run on `var sp SmartPointer[T]` the way a C++
// default constructor would bind it to the Null Handle and AddRef it.
// Always build one with New or NewSmartPointer.
//
// SmartPointer only counts references; it does not detect cycles. Two
// SmartPointers whose storage reference each other, directly or
// through a longer chain, hold one another's Handle refcount above
// zero permanently, so the cycle's storage and Handles are never
// reclaimed even once nothing outside the cycle points at it. This is
// the same limitation any plain refcounted pointer has and is not
// treated as a bug here; breaking the cycle manually is required.
type SmartPointer[T any] struct {
	h *Handle
}

// New returns a SmartPointer bound to the Null Handle, mirroring the
// default constructor: references Null Handle, AddRef.
func New[T any]() SmartPointer[T] {
	nullHandle.AddRef()
	return SmartPointer[T]{h: nullHandle}
}

// NewSmartPointer allocates a Handle for storage from pool and returns
// a SmartPointer owning the first reference to it.
func NewSmartPointer[T any](pool *PoolAllocator[T], storage *T, cs Callsite) (SmartPointer[T], error) {
	var zero T
	elemType := reflect.TypeOf(zero)
	h, err := CreateHandle(pool, unsafe.Pointer(storage), elemType, cs)
	if err != nil {
		return SmartPointer[T]{}, err
	}
	h.AddRef()
	return SmartPointer[T]{h: h}, nil
}

// FromHandle builds a SmartPointer that references an existing Handle,
// AddRef'ing it. Used internally by Clone/Assign/casts, and available
// for callers that construct Handles directly.
func FromHandle[T any](h *Handle) SmartPointer[T] {
	h.AddRef()
	return SmartPointer[T]{h: h}
}

// Handle returns the Handle this SmartPointer currently references.
func (sp SmartPointer[T]) Handle() *Handle { return sp.h }

// Clone returns a new SmartPointer referencing the same Handle,
// AddRef'ing it. This is the copy-construct operation: Go has no
// copy-constructor hook to intercept `q := p`, so a plain assignment
// does NOT bump the refcount — callers that want reference-counted
// copy semantics must call Clone (or Assign, for copy-assignment)
// instead.
func (sp SmartPointer[T]) Clone() SmartPointer[T] {
	sp.h.AddRef()
	return SmartPointer[T]{h: sp.h}
}

// Assign re-seats sp to reference other's Handle: RemoveRef on sp's
// current Handle, AddRef on other's. Assigning a SmartPointer to
// itself (sp == other) leaves the refcount unchanged, since the
// RemoveRef and the AddRef cancel out on the same Handle.
func (sp *SmartPointer[T]) Assign(other SmartPointer[T], cs Callsite) error {
	other.h.AddRef()
	err := sp.h.RemoveRef(cs)
	sp.h = other.h
	return err
}

// SetNull re-seats sp to reference the Null Handle: RemoveRef on sp's
// old Handle, AddRef on Null.
func (sp *SmartPointer[T]) SetNull(cs Callsite) error {
	nullHandle.AddRef()
	err := sp.h.RemoveRef(cs)
	sp.h = nullHandle
	return err
}

// Release drops sp's reference without rebinding it to anything,
// matching what happens on a C++ SmartPointer's destructor or an exit
// from its scope. After Release, sp must not be used again.
func (sp *SmartPointer[T]) Release(cs Callsite) error {
	return sp.h.RemoveRef(cs)
}

// Equal reports whether sp and other reference the same Handle
// instance.
func (sp SmartPointer[T]) Equal(other SmartPointer[T]) bool {
	return sp.h == other.h
}

// IsNull reports whether sp's Handle currently has no storage —
// either because it references the Null Handle or because its payload
// has already been explicitly freed.
func (sp SmartPointer[T]) IsNull() bool {
	return sp.h == nil || sp.h.storage == nil
}

// Get dereferences sp, returning the pointer to its live storage. If
// storage is empty (freed but still referenced), Get logs a dangling-
// access diagnostic citing the Handle's original allocation callsite
// and returns nil; with PanicOnError set it panics with
// DanglingAccessError instead.
func (sp SmartPointer[T]) Get() *T {
	if sp.h.storage == nil {
		if Debug {
			allocSite := sp.h.Callsite()
			handleLog.danglingAccess(allocSite)
			if PanicOnError {
				panic(DanglingAccessError{AllocSite: allocSite})
			}
		}
		return nil
	}
	return (*T)(sp.h.storage)
}

// Free returns sp's payload to its pool: validates via the pool's
// Free, nulls the Handle's storage, removes sp's reference, and
// rebinds sp to the Null Handle with a fresh reference.
//
// If storage is already empty, this is a double free: in debug mode it
// is reported (HandleDoubleFreeError) and returned as an error, or
// raised as a panic when PanicOnError is set; sp is left unchanged. If the pool's
// Free returns a non-OK status, that is reported as InvalidFreeError,
// but per the propagation policy for a SmartPointer-initiated Free the
// Handle's bookkeeping still proceeds (storage nulled, reference
// dropped, rebind to Null) since the payload's liveness is now
// unknown either way.
func (sp *SmartPointer[T]) Free(cs Callsite) error {
	allocSite := sp.h.Callsite()
	if sp.h.storage == nil {
		var err error
		if Debug {
			handleLog.handleDoubleFree(cs, allocSite)
			err = HandleDoubleFreeError{At: cs, AllocSite: allocSite}
			if PanicOnError {
				panic(err)
			}
		}
		return err
	}

	status, freeErr := sp.h.pool().freeRaw(sp.h.storage, cs)
	var reportedErr error
	if status != StatusOK {
		if Debug {
			handleLog.invalidFree(cs, allocSite)
			reportedErr = InvalidFreeError{At: cs, AllocSite: allocSite, Status: status}
			if PanicOnError {
				panic(reportedErr)
			}
		}
	} else if freeErr != nil {
		reportedErr = freeErr
	}

	sp.h.storage = nil
	nullHandle.AddRef()
	removeErr := sp.h.RemoveRef(cs)
	sp.h = nullHandle
	if reportedErr != nil {
		return reportedErr
	}
	return removeErr
}

// StaticCast rebinds sp's Handle to a SmartPointer[U], trusting the
// caller that *U is a valid reinterpretation of *T — the Go analogue
// of static_cast<U>, which also performs no runtime check. Go generics
// cannot express a compile-time proof that *U converts from *T for
// arbitrary, unrelated T/U, since Go has no base/derived pointer
// relationship to appeal to; callers that need the checked form should
// use DynamicCast instead.
func StaticCast[U, T any](sp SmartPointer[T]) SmartPointer[U] {
	sp.h.AddRef()
	return SmartPointer[U]{h: sp.h}
}

// DynamicCast performs a runtime type check: it compares the Handle's
// recorded element type (captured at NewSmartPointer time) against U,
// returning a SmartPointer[U] sharing the Handle on a match or a null
// SmartPointer[U] otherwise.
func DynamicCast[U, T any](sp SmartPointer[T]) SmartPointer[U] {
	var u U
	want := reflect.TypeOf(u)
	if sp.h.elemType() != want {
		return New[U]()
	}
	sp.h.AddRef()
	return SmartPointer[U]{h: sp.h}
}
