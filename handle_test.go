package poolmem

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateHandleStartsAtZeroRefCount(t *testing.T) {
	pool, err := NewPoolAllocator[sample](DefaultSettings())
	require.NoError(t, err)
	defer pool.Close()

	addr, err := pool.Allocate(cs(1))
	require.NoError(t, err)

	h, err := CreateHandle(pool, addr, reflect.TypeOf(sample{}), cs(1))
	require.NoError(t, err)
	assert.EqualValues(t, 0, h.RefCount())
	assert.Equal(t, addr, h.Storage())
	assert.Equal(t, cs(1), h.Callsite())
}

func TestAddRefRemoveRef(t *testing.T) {
	pool, err := NewPoolAllocator[sample](DefaultSettings())
	require.NoError(t, err)
	defer pool.Close()

	addr, err := pool.Allocate(cs(1))
	require.NoError(t, err)
	h, err := CreateHandle(pool, addr, reflect.TypeOf(sample{}), cs(1))
	require.NoError(t, err)

	h.AddRef()
	h.AddRef()
	assert.EqualValues(t, 2, h.RefCount())

	require.NoError(t, h.RemoveRef(cs(2)))
	assert.EqualValues(t, 1, h.RefCount())
}

func TestRemoveRefNegativeRefCount(t *testing.T) {
	var sink bytes.Buffer
	SetLogSink(&sink)
	defer SetLogSink(nil)

	pool, err := NewPoolAllocator[sample](DefaultSettings())
	require.NoError(t, err)
	defer pool.Close()

	addr, err := pool.Allocate(cs(1))
	require.NoError(t, err)
	h, err := CreateHandle(pool, addr, reflect.TypeOf(sample{}), cs(1))
	require.NoError(t, err)

	// refCount starts at 0; a bare RemoveRef with no matching AddRef
	// drives it negative.
	err = h.RemoveRef(cs(2))
	var negErr NegativeRefCountError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, uint32(2), negErr.At.Line)
	assert.Equal(t, uint32(1), negErr.AllocSite.Line)
	assert.Contains(t, sink.String(), "Negative RefCount detected")
}

func TestRemoveRefDanglingReferenceWhenStorageNotFreed(t *testing.T) {
	var sink bytes.Buffer
	SetLogSink(&sink)
	defer SetLogSink(nil)

	pool, err := NewPoolAllocator[sample](DefaultSettings())
	require.NoError(t, err)
	defer pool.Close()

	addr, err := pool.Allocate(cs(1))
	require.NoError(t, err)
	h, err := CreateHandle(pool, addr, reflect.TypeOf(sample{}), cs(1))
	require.NoError(t, err)
	h.AddRef()

	// Dropping the only reference without having freed h's storage
	// first is a dangling reference: the payload leaks.
	err = h.RemoveRef(cs(2))
	var danglingErr DanglingReferenceError
	require.ErrorAs(t, err, &danglingErr)
	assert.Contains(t, sink.String(), "Dangling reference detected")
}

func TestRemoveRefReturnsHandleToPoolAtZero(t *testing.T) {
	pool, err := NewPoolAllocator[sample](DefaultSettings())
	require.NoError(t, err)
	defer pool.Close()

	addr, err := pool.Allocate(cs(1))
	require.NoError(t, err)
	h, err := CreateHandle(pool, addr, reflect.TypeOf(sample{}), cs(1))
	require.NoError(t, err)
	h.AddRef()

	status, err := pool.Free(addr, cs(2))
	require.Equal(t, StatusOK, status)
	require.NoError(t, err)
	// Mirror what SmartPointer.Free does after a successful pool free:
	// clear the Handle's storage so RemoveRef sees a properly-freed
	// payload rather than a dangling reference.
	h.storage = nil

	before := globalHandlePool().Stats().BlocksInUse
	require.NoError(t, h.RemoveRef(cs(3)))
	after := globalHandlePool().Stats().BlocksInUse
	assert.Equal(t, before-1, after)
}

func TestNullHandleAbsorbsTrafficWithoutCollecting(t *testing.T) {
	n := NullHandle()
	startRefCount := n.RefCount()
	n.AddRef()
	require.NoError(t, n.RemoveRef(cs(1)))
	assert.Equal(t, startRefCount, n.RefCount())
	// A standing reference of 1 means this never drops low enough to
	// be mistaken for a collectible Handle.
	assert.GreaterOrEqual(t, n.RefCount(), int32(1))
}

func TestHandleMetaFreedOnReturnToPool(t *testing.T) {
	pool, err := NewPoolAllocator[sample](DefaultSettings())
	require.NoError(t, err)
	defer pool.Close()

	addr, err := pool.Allocate(cs(1))
	require.NoError(t, err)
	h, err := CreateHandle(pool, addr, reflect.TypeOf(sample{}), cs(1))
	require.NoError(t, err)
	h.AddRef()

	pool.Free(addr, cs(2))
	h.storage = nil
	require.NoError(t, h.RemoveRef(cs(3)))

	// h's slot has been returned to the pool and its side-table entry
	// dropped; a stale lookup must not panic or resurrect a pool/type.
	assert.Nil(t, h.pool())
	assert.Nil(t, h.elemType())
}

func TestHandleStorageIsAddressableMemory(t *testing.T) {
	pool, err := NewPoolAllocator[sample](DefaultSettings())
	require.NoError(t, err)
	defer pool.Close()

	addr, err := pool.Allocate(cs(1))
	require.NoError(t, err)
	*(*sample)(addr) = sample{a: 10, b: 20}

	h, err := CreateHandle(pool, addr, reflect.TypeOf(sample{}), cs(1))
	require.NoError(t, err)
	got := (*sample)(h.Storage())
	assert.Equal(t, sample{a: 10, b: 20}, *got)
}

func TestRemoveRefPanicsWithPanicOnError(t *testing.T) {
	pool, err := NewPoolAllocator[sample](DefaultSettings())
	require.NoError(t, err)
	defer pool.Close()

	addr, err := pool.Allocate(cs(1))
	require.NoError(t, err)
	h, err := CreateHandle(pool, addr, reflect.TypeOf(sample{}), cs(1))
	require.NoError(t, err)

	PanicOnError = true
	defer func() { PanicOnError = false }()

	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(NegativeRefCountError)
		assert.True(t, ok)
	}()
	h.RemoveRef(cs(2))
}

func TestHandlesDoNotAliasForNeighboringStorage(t *testing.T) {
	// Regression guard for the side-table lookup key: two distinct
	// Handles must never share metadata just because their storage
	// addresses happen to be numerically related.
	pool, err := NewPoolAllocator[sample](DefaultSettings())
	require.NoError(t, err)
	defer pool.Close()

	a1, _ := pool.Allocate(cs(1))
	a2, _ := pool.Allocate(cs(2))
	h1, err := CreateHandle(pool, a1, reflect.TypeOf(sample{}), cs(1))
	require.NoError(t, err)
	h2, err := CreateHandle(pool, a2, reflect.TypeOf(sample{}), cs(2))
	require.NoError(t, err)

	assert.NotEqual(t, h1.Callsite(), h2.Callsite())
	assert.NotEqual(t, uintptr(unsafe.Pointer(h1)), uintptr(unsafe.Pointer(h2)))
}

func TestRemoveRefWireFormat(t *testing.T) {
	var sink bytes.Buffer
	SetLogSink(&sink)
	defer SetLogSink(nil)

	pool, err := NewPoolAllocator[sample](DefaultSettings())
	require.NoError(t, err)
	defer pool.Close()

	addr, _ := pool.Allocate(cs(7))
	h, err := CreateHandle(pool, addr, reflect.TypeOf(sample{}), cs(7))
	require.NoError(t, err)

	h.RemoveRef(cs(8))
	line := sink.String()
	if !strings.Contains(line, "remove at: pool_test.go #8") || !strings.Contains(line, "allocated at: pool_test.go #7") {
		t.Fatalf("unexpected wire format: %q", line)
	}
}
