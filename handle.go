package poolmem

import (
	"reflect"
	"unsafe"
)

// ownerPool is a Handle's view of the pool it was carved from: enough
// to call back into that pool's Free without the Handle itself being
// generic over T. Any *PoolAllocator[T] satisfies this.
type ownerPool interface {
	freeRaw(addr unsafe.Pointer, cs Callsite) (FreeStatus, error)
}

// handleMeta holds the fields of a Handle that are real Go pointers:
// the pool it belongs to, the element type DynamicCast checks against,
// and the callsite its storage was allocated at (a string, itself a
// pointer). A Handle value is carved out of a PoolAllocator[Handle]'s
// raw page bytes, the same GC-opaque []byte arena pool.go's own
// debugHeader is deliberately kept pointer-free to live inside — so
// these fields cannot live in the Handle struct itself, on pain of the
// garbage collector never seeing the reference and collecting the
// pool (or callsite string) out from under a live Handle. They live
// here instead, in an ordinary Go map that the collector does scan,
// keyed by the Handle's (stable, never-moving) address.
type handleMeta struct {
	pool     ownerPool
	elemType reflect.Type
	callsite Callsite
}

var handleMetas = map[*Handle]handleMeta{}

// Handle is a reference-counted indirection node: a pointer to an
// object's storage and a reference count. Handles are themselves
// allocated from a dedicated, process-wide PoolAllocator[Handle], a
// self-hosted design: the thing that tracks references to pool blocks
// is itself pool-allocated. Everything else about a Handle — which
// pool it belongs to, its element type, its callsite — lives in
// handleMetas rather than in this struct; see handleMeta.
//
// Reference counting cannot reclaim a cycle: if one Handle's storage
// holds a SmartPointer back to a second Handle, and the second holds
// one back to the first, each keeps the other's refcount above zero
// forever, even after every reference reachable from outside the cycle
// is gone. Neither RemoveRef nor Close walks storage looking for such
// cycles, so both Handles and the storage they point at remain
// allocated for the life of the process. Breaking a cycle is the
// caller's responsibility: null out or Free one of its edges before
// the last external reference drops.
type Handle struct {
	storage  unsafe.Pointer
	refCount int32
}

// handlePool is the process-wide Handle allocator, constructed lazily
// on first use. Like the pool it backs, it is not safe for concurrent
// initialization from multiple goroutines — consistent with the
// single-threaded contract the whole package is built under.
var handlePool *PoolAllocator[Handle]

func globalHandlePool() *PoolAllocator[Handle] {
	if handlePool == nil {
		p, err := NewPoolAllocator[Handle](DefaultSettings())
		if err != nil {
			// DefaultSettings is always internally consistent;
			// NewPoolAllocator can only fail on bad settings.
			panic(err)
		}
		handlePool = p
	}
	return handlePool
}

// nullHandle is the single shared sentinel every null SmartPointer
// binds to. Its refCount starts at 1, a standing reference held for
// the process lifetime that absorbs every SmartPointer's AddRef/
// RemoveRef traffic without ever reaching zero, so RemoveRef never
// mistakes it for a collectible Handle. It is never allocated from
// handlePool and so never has a handleMetas entry; every accessor
// below treats a missing entry as the zero handleMeta, which is
// exactly right for it (no pool, no callsite).
var nullHandle = &Handle{refCount: 1}

// NullHandle returns the process-wide null sentinel.
func NullHandle() *Handle { return nullHandle }

// CreateHandle allocates a Handle from the global Handle pool and
// constructs it with refCount 0, recording pool, storage, and
// elemType (used by DynamicCast) in handleMetas. The caller —
// NewSmartPointer — is responsible for the first AddRef.
func CreateHandle(pool ownerPool, storage unsafe.Pointer, elemType reflect.Type, cs Callsite) (*Handle, error) {
	addr, err := globalHandlePool().Allocate(cs)
	if err != nil {
		return nil, err
	}
	h := (*Handle)(addr)
	*h = Handle{storage: storage}
	handleMetas[h] = handleMeta{pool: pool, elemType: elemType, callsite: cs}
	return h, nil
}

// AddRef increments h's reference count.
func (h *Handle) AddRef() {
	h.refCount++
}

// RemoveRef decrements h's reference count. A negative result reports
// NegativeRefCountError; a result at or below zero with non-empty
// storage reports DanglingReferenceError (the payload was not
// explicitly freed before the last reference dropped). Either way,
// once refCount is at or below zero, the Handle returns itself to the
// Handle pool and its handleMetas entry is dropped — except
// nullHandle, which is never pool-allocated and is never actually
// observed at refCount <= 0 because of its standing reference.
func (h *Handle) RemoveRef(cs Callsite) error {
	h.refCount--
	allocSite := h.Callsite()

	var err error
	if Debug {
		if h.refCount < 0 {
			handleLog.negativeRefCount(cs, allocSite)
			err = NegativeRefCountError{At: cs, AllocSite: allocSite}
			if PanicOnError {
				panic(err)
			}
		}
		if h.refCount <= 0 && h.storage != nil {
			handleLog.danglingReference(cs, allocSite)
			dangling := DanglingReferenceError{At: cs, AllocSite: allocSite}
			if PanicOnError {
				panic(dangling)
			}
			if err == nil {
				err = dangling
			}
		}
	}

	if h.refCount <= 0 && h != nullHandle {
		delete(handleMetas, h)
		globalHandlePool().Free(unsafe.Pointer(h), cs)
	}
	return err
}

// pool returns the PoolAllocator h's storage was carved from.
func (h *Handle) pool() ownerPool { return handleMetas[h].pool }

// elemType returns the element type recorded at CreateHandle time,
// used by DynamicCast.
func (h *Handle) elemType() reflect.Type { return handleMetas[h].elemType }

// Callsite returns the callsite the Handle's storage was originally
// allocated at, used by diagnostics that need to cite "where this
// came from" independent of where the failing operation happened.
func (h *Handle) Callsite() Callsite { return handleMetas[h].callsite }

// Storage reports h's current storage address, or nil if the payload
// has been freed (or h is the null Handle).
func (h *Handle) Storage() unsafe.Pointer { return h.storage }

// RefCount reports h's current reference count.
func (h *Handle) RefCount() int32 { return h.refCount }
