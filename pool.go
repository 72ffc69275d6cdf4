package poolmem

import (
	"fmt"
	"io"
	"os"
	"sort"
	"unsafe"

	"github.com/cznic/mathutil"
	"github.com/cznic/sortutil"
)

// Poison / canary byte signatures, one per block state. Debug builds
// write these over a block's storage at the transitions named in the
// state machine; Free's pad check reads the PAD bytes back to detect a
// buffer overrun.
const (
	byteAllocated   = 0xAA
	byteFreed       = 0xBB
	bytePad         = 0xDD
	byteAlign       = 0xEE
	byteUnallocated = 0xFF
)

var pointerSize = int(unsafe.Sizeof(uintptr(0)))

// debugHeader is the per-block record kept immediately before a block
// in debug mode. It has no Go pointers in it — only fixed-width scalar
// fields — so it is safe to address directly inside a raw, GC-opaque
// byte buffer via unsafe.Pointer; storing an actual *string or Go
// pointer there would leave the garbage collector unable to see it.
// callsite_file is therefore a string-id (an index into the pool's
// interned file-name table) exactly as the data model in the design
// notes specifies, not a string.
type debugHeader struct {
	allocated uint8
	fileID    uint32
	line      uint32
}

// Stats mirrors the pool statistics kept in debug mode: monotone
// counters plus the two "in use" gauges and their running peaks.
type Stats struct {
	FreeBlocks      int
	BlocksInUse     int
	PagesInUse      int
	MostBlocksInUse int
	MostPagesInUse  int
	Allocations     int
	Deallocations   int
}

// Settings configures a PoolAllocator at construction; every field is
// immutable once NewPoolAllocator returns.
type Settings struct {
	// BlocksPerPage is the number of blocks carved from each page.
	BlocksPerPage int
	// PadBytes is the size of the pad canary written on each side of
	// a block. Ignored (treated as 0) when Debug is false.
	PadBytes int
	// Alignment is the required alignment, in bytes, of every block's
	// first byte. Must be a power of two, or 1 for "no constraint".
	Alignment int
	// LogSink receives the pool's error reports and leak dump. Nil
	// disables both.
	LogSink io.Writer
	// Debug enables headers, pads, poisoning, Free validation, and
	// stats. DefaultSettings copies the package-level Debug flag into
	// it; NewPoolAllocator does not default it, so a zero Settings
	// builds a release-mode pool.
	Debug bool
	// PageStore supplies and reclaims page storage. Defaults to
	// HeapPageStore.
	PageStore PageStore
	// SortLeakReport orders DumpMemoryInUse's output by block address
	// instead of free-list / page-scan order, for deterministic test
	// assertions over the leak dump.
	SortLeakReport bool
}

// DefaultSettings returns the default pool settings: 1024 blocks per
// page, a 2-byte pad canary on each side of a block, 4-byte alignment,
// and Debug taken from the package-level Debug flag (headers and
// poisoning enabled when it is set).
func DefaultSettings() Settings {
	return Settings{
		BlocksPerPage: 1024,
		PadBytes:      2,
		Alignment:     4,
		Debug:         Debug,
	}
}

// ReleaseSettings returns the settings for a pool with no debug
// instrumentation: no pad canaries, no headers, no poisoning, no Free
// validation.
func ReleaseSettings() Settings {
	return Settings{
		BlocksPerPage: 1024,
		PadBytes:      0,
		Alignment:     4,
		Debug:         false,
	}
}

func (s Settings) withDefaults() Settings {
	if s.BlocksPerPage <= 0 {
		s.BlocksPerPage = 1024
	}
	if s.Alignment <= 0 {
		s.Alignment = 4
	}
	if s.PadBytes < 0 {
		s.PadBytes = 0
	}
	if !s.Debug {
		s.PadBytes = 0
	}
	if s.PageStore == nil {
		s.PageStore = HeapPageStore{}
	}
	return s
}

// page is one contiguous slab, carved into Settings.BlocksPerPage
// chunks. Its Go "next" link lives beside the byte buffer rather than
// threaded through the first machine word of the buffer itself: Go
// slices already carry their own bounds, so a bare *page is simpler
// and exactly as safe as an index into a slice here.
type page struct {
	buf  []byte
	base unsafe.Pointer
	next *page
}

// freeNode overlays the first machine word of a free block: the
// singly linked free list is threaded through block storage itself,
// so a free block costs nothing beyond the one pointer it already has
// room for.
type freeNode struct {
	next unsafe.Pointer
}

// PoolAllocator carves page-sized slabs into fixed-size blocks sized
// for T, threading a free list through freed blocks and, in debug
// mode, maintaining per-block headers and poison/pad canaries to catch
// double-free, misaligned free, buffer overrun, and leaks at teardown.
//
// A PoolAllocator is not safe for concurrent use; see the package
// doc comment.
type PoolAllocator[T any] struct {
	settings Settings

	pointerSize    int
	blockSize      int
	headerSize     int
	leftAlign      int
	interAlign     int
	leftChunkSize  int
	interChunkSize int
	pageSize       int

	pages    *page
	freeHead unsafe.Pointer

	stats Stats
	log   *logger

	ownsSink bool

	fileIndex map[string]uint32
	fileNames []string
}

// mod is n modulo m kept in [0, m), matching the "mod" used throughout
// the derived-quantities formulas. Go's % returns a negative result for
// a negative n, and the leftAlign/interAlign formulas do pass negative
// n whenever the chunk prefix is wider than the alignment.
func mod(n, m int) int {
	r := n % m
	if r < 0 {
		r += m
	}
	return r
}

// isPowerOfTwo reports whether n is a positive power of two, by
// comparing n against the single bit its own bit length names: for a
// power of two, shifting 1 left by (BitLen(n)-1) reproduces n exactly,
// which fails for any n with more than one bit set.
func isPowerOfTwo(n int) bool {
	if n <= 0 {
		return false
	}
	return 1<<(uint(mathutil.BitLen(n))-1) == n
}

// NewPoolAllocator constructs a pool for T with the given settings.
// Unset BlocksPerPage/Alignment/PageStore fall back to their defaults;
// PadBytes is forced to 0 when Debug is false.
func NewPoolAllocator[T any](settings Settings) (*PoolAllocator[T], error) {
	settings = settings.withDefaults()
	if !isPowerOfTwo(settings.Alignment) {
		return nil, fmt.Errorf("poolmem: alignment %d is not a power of two", settings.Alignment)
	}

	var zero T
	blockSize := int(unsafe.Sizeof(zero))
	if blockSize < pointerSize {
		blockSize = pointerSize
	}

	headerSize := 0
	if settings.Debug {
		headerSize = int(unsafe.Sizeof(debugHeader{}))
	}

	var leftAlign, interAlign int
	if settings.Alignment > 1 {
		leftAlign = mod(settings.Alignment-(pointerSize+headerSize+settings.PadBytes), settings.Alignment)
		interAlign = mod(settings.Alignment-(blockSize+headerSize+2*settings.PadBytes), settings.Alignment)
	}

	leftChunkSize := pointerSize + leftAlign + headerSize + 2*settings.PadBytes + blockSize
	interChunkSize := blockSize + 2*settings.PadBytes + interAlign + headerSize
	pageSize := pointerSize + leftAlign + settings.BlocksPerPage*(blockSize+2*settings.PadBytes+headerSize+interAlign) - interAlign

	p := &PoolAllocator[T]{
		settings:       settings,
		pointerSize:    pointerSize,
		blockSize:      blockSize,
		headerSize:     headerSize,
		leftAlign:      leftAlign,
		interAlign:     interAlign,
		leftChunkSize:  leftChunkSize,
		interChunkSize: interChunkSize,
		pageSize:       pageSize,
		log:            newLogger(settings.LogSink),
		fileIndex:      map[string]uint32{},
	}
	return p, nil
}

// NewPoolAllocatorWithLogFile opens path for append and uses it as the
// pool's log sink, owning it: Close closes the file.
func NewPoolAllocatorWithLogFile[T any](path string, settings Settings) (*PoolAllocator[T], error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	settings.LogSink = f
	p, err := NewPoolAllocator[T](settings)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.ownsSink = true
	return p, nil
}

// Stats returns a snapshot of the pool's current counters.
func (p *PoolAllocator[T]) Stats() Stats { return p.stats }

func (p *PoolAllocator[T]) addPtr(base unsafe.Pointer, off int) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + uintptr(off))
}

// headerOffset is the byte offset, from a page's base, of chunk i's
// header (or of where one would go, in release mode).
func (p *PoolAllocator[T]) headerOffset(i int) int {
	return p.pointerSize + p.leftAlign + i*p.interChunkSize
}

// blockOffset is the byte offset, from a page's base, of chunk i's
// block storage.
func (p *PoolAllocator[T]) blockOffset(i int) int {
	return p.headerOffset(i) + p.headerSize + p.settings.PadBytes
}

func fillBytes(base unsafe.Pointer, b byte, n int) {
	if n <= 0 {
		return
	}
	s := unsafe.Slice((*byte)(base), n)
	for i := range s {
		s[i] = b
	}
}

func (p *PoolAllocator[T]) internFile(file string) uint32 {
	if id, ok := p.fileIndex[file]; ok {
		return id
	}
	id := uint32(len(p.fileNames))
	p.fileNames = append(p.fileNames, file)
	p.fileIndex[file] = id
	return id
}

func (p *PoolAllocator[T]) fileName(id uint32) string {
	if int(id) >= len(p.fileNames) {
		return ""
	}
	return p.fileNames[id]
}

func (p *PoolAllocator[T]) headerAt(pg *page, i int) *debugHeader {
	return (*debugHeader)(p.addPtr(pg.base, p.headerOffset(i)))
}

// DebugHeaderInfo is the public view of a block's debug header,
// returned by DebugHeaderAt.
type DebugHeaderInfo struct {
	Allocated bool
	Callsite  Callsite
}

// DebugHeaderAt returns the debug header for the block at addr,
// computed directly by address arithmetic (addr minus pad bytes minus
// header size) rather than by walking the page list. addr is assumed
// to be a valid, currently- or previously-allocated block address;
// behavior is undefined otherwise.
func (p *PoolAllocator[T]) DebugHeaderAt(addr unsafe.Pointer) DebugHeaderInfo {
	h := (*debugHeader)(p.addPtr(addr, -(p.settings.PadBytes + p.headerSize)))
	return DebugHeaderInfo{
		Allocated: h.allocated != 0,
		Callsite:  Callsite{File: p.fileName(h.fileID), Line: h.line},
	}
}

// createPage allocates one page from the configured PageStore, links
// it at the head of the page list, lays out every chunk (header, pad,
// block, pad, inter-chunk filler), and pushes every block onto the
// free list, exactly as CreatePage is specified.
func (p *PoolAllocator[T]) createPage() error {
	buf, err := p.settings.PageStore.Acquire(p.pageSize)
	if err != nil {
		return err
	}
	pg := &page{buf: buf, base: unsafe.Pointer(&buf[0]), next: p.pages}
	p.pages = pg

	if p.leftAlign > 0 {
		fillBytes(p.addPtr(pg.base, p.pointerSize), byteAlign, p.leftAlign)
	}

	for i := 0; i < p.settings.BlocksPerPage; i++ {
		hdrOff := p.headerOffset(i)
		if p.settings.Debug {
			hdr := (*debugHeader)(p.addPtr(pg.base, hdrOff))
			*hdr = debugHeader{}
			fillBytes(p.addPtr(pg.base, hdrOff+p.headerSize), bytePad, p.settings.PadBytes)
		}

		blockAddr := p.addPtr(pg.base, hdrOff+p.headerSize+p.settings.PadBytes)
		fillBytes(blockAddr, byteUnallocated, p.blockSize)

		if p.settings.Debug {
			fillBytes(p.addPtr(blockAddr, p.blockSize), bytePad, p.settings.PadBytes)
		}

		if i < p.settings.BlocksPerPage-1 && p.interAlign > 0 {
			alignAddr := p.addPtr(blockAddr, p.blockSize+p.settings.PadBytes)
			fillBytes(alignAddr, byteAlign, p.interAlign)
		}

		(*freeNode)(blockAddr).next = p.freeHead
		p.freeHead = blockAddr
	}

	p.stats.PagesInUse++
	if p.stats.PagesInUse > p.stats.MostPagesInUse {
		p.stats.MostPagesInUse = p.stats.PagesInUse
	}
	p.stats.FreeBlocks += p.settings.BlocksPerPage
	return nil
}

// Allocate returns the address of a newly allocated block, creating a
// page first if the free list is empty. In debug mode the block is
// poisoned to ALLOCATED and its header records cs before Allocate
// returns, ready for the caller to placement-construct a T over it.
func (p *PoolAllocator[T]) Allocate(cs Callsite) (unsafe.Pointer, error) {
	if p.freeHead == nil {
		if err := p.createPage(); err != nil {
			return nil, err
		}
	}

	addr := p.freeHead
	p.freeHead = (*freeNode)(addr).next

	if p.settings.Debug {
		pg := p.findPage(addr)
		i := p.indexOf(pg, addr)
		hdr := p.headerAt(pg, i)
		hdr.allocated = 1
		hdr.fileID = p.internFile(cs.File)
		hdr.line = cs.Line
		fillBytes(addr, byteAllocated, p.blockSize)
	}

	p.stats.Allocations++
	p.stats.BlocksInUse++
	p.stats.FreeBlocks--
	if p.stats.BlocksInUse > p.stats.MostBlocksInUse {
		p.stats.MostBlocksInUse = p.stats.BlocksInUse
	}
	return addr, nil
}

// findPage walks the page list to find the page whose byte range
// contains addr, the first step in checking that a freed address
// actually belongs to this pool. Returns nil if no page owns addr.
func (p *PoolAllocator[T]) findPage(addr unsafe.Pointer) *page {
	target := uintptr(addr)
	for pg := p.pages; pg != nil; pg = pg.next {
		base := uintptr(pg.base)
		if target >= base && target < base+uintptr(len(pg.buf)) {
			return pg
		}
	}
	return nil
}

func (p *PoolAllocator[T]) indexOf(pg *page, addr unsafe.Pointer) int {
	d := int(uintptr(addr) - uintptr(pg.base))
	return (d - p.blockOffset(0)) / p.interChunkSize
}

func (p *PoolAllocator[T]) checkPads(pg *page, i int) bool {
	if p.settings.PadBytes == 0 {
		return true
	}
	hdrOff := p.headerOffset(i)
	left := unsafe.Slice((*byte)(p.addPtr(pg.base, hdrOff+p.headerSize)), p.settings.PadBytes)
	for _, b := range left {
		if b != bytePad {
			return false
		}
	}
	right := unsafe.Slice((*byte)(p.addPtr(pg.base, hdrOff+p.headerSize+p.settings.PadBytes+p.blockSize)), p.settings.PadBytes)
	for _, b := range right {
		if b != bytePad {
			return false
		}
	}
	return true
}

// validateFree checks addr in order: page residency, alignment,
// double-free, pad canaries. It never mutates pool state; the caller
// applies the state transition only after a clean validation.
func (p *PoolAllocator[T]) validateFree(addr unsafe.Pointer) (status FreeStatus, origin Callsite, pg *page, idx int) {
	pg = p.findPage(addr)
	if pg == nil {
		panic("poolmem: Free: address does not belong to this pool")
	}

	d := int(uintptr(addr) - uintptr(pg.base))
	left := p.blockOffset(0)
	if d < left || mod(d-left, p.interChunkSize) != 0 {
		return StatusAlign, Callsite{}, pg, -1
	}
	idx = (d - left) / p.interChunkSize
	if idx < 0 || idx >= p.settings.BlocksPerPage {
		return StatusAlign, Callsite{}, pg, -1
	}

	hdr := p.headerAt(pg, idx)
	if hdr.allocated == 0 {
		return StatusFreed, Callsite{}, pg, idx
	}

	if !p.checkPads(pg, idx) {
		origin = Callsite{File: p.fileName(hdr.fileID), Line: hdr.line}
		return StatusPad, origin, pg, idx
	}

	return StatusOK, Callsite{}, pg, idx
}

// Free validates addr (skipped entirely when Debug is false, in which
// case Free always destructs and recycles the block), then destructs
// the payload, poisons it FREED, clears its header, and pushes it
// back onto the free list.
//
// On a non-OK status the pool's state is left unchanged: the block
// stays allocated. The diagnostic is always written to the pool's log
// sink (if one is configured); it is additionally raised as a panic
// when both Debug and PanicOnError are set.
func (p *PoolAllocator[T]) Free(addr unsafe.Pointer, cs Callsite) (FreeStatus, error) {
	if p.settings.Debug {
		status, origin, pg, idx := p.validateFree(addr)
		if status != StatusOK {
			var err error
			switch status {
			case StatusAlign:
				p.log.alignment(cs)
				err = AlignmentError{At: cs}
			case StatusFreed:
				p.log.doubleFree(cs)
				err = DoubleFreeError{At: cs}
			case StatusPad:
				p.log.padViolation(origin)
				err = PadViolationError{Origin: origin}
			}
			if PanicOnError {
				panic(err)
			}
			return status, err
		}

		hdr := p.headerAt(pg, idx)
		hdr.allocated = 0
		hdr.fileID = 0
		hdr.line = 0
		var zero T
		*(*T)(addr) = zero
		fillBytes(addr, byteFreed, p.blockSize)
	} else {
		var zero T
		*(*T)(addr) = zero
	}

	(*freeNode)(addr).next = p.freeHead
	p.freeHead = addr
	p.stats.Deallocations++
	p.stats.FreeBlocks++
	p.stats.BlocksInUse--
	return StatusOK, nil
}

// leakEntry pairs an allocated block's address with its header, for
// building a deterministic leak report.
type leakEntry struct {
	addr int64
	cs   Callsite
}

// DumpMemoryInUse writes one line per still-allocated block to w, in
// the exact wire format: "{blockSize}b allocated at line #{line}
// in file {file}". It is a no-op when Debug is false (release-mode
// pools keep no headers to report). When Settings.SortLeakReport is
// set, lines are emitted in ascending block-address order for
// deterministic test assertions, sorted with the same
// github.com/cznic/sortutil the rest of this codebase's ancestry uses
// for its own free-address bookkeeping.
func (p *PoolAllocator[T]) DumpMemoryInUse(w io.Writer) {
	if !p.settings.Debug {
		return
	}

	var entries []leakEntry
	for pg := p.pages; pg != nil; pg = pg.next {
		for i := 0; i < p.settings.BlocksPerPage; i++ {
			hdr := p.headerAt(pg, i)
			if hdr.allocated == 0 {
				continue
			}
			addr := int64(uintptr(p.addPtr(pg.base, p.blockOffset(i))))
			entries = append(entries, leakEntry{addr: addr, cs: Callsite{File: p.fileName(hdr.fileID), Line: hdr.line}})
		}
	}

	if p.settings.SortLeakReport {
		keys := make(sortutil.Int64Slice, len(entries))
		byAddr := make(map[int64]Callsite, len(entries))
		for i, e := range entries {
			keys[i] = e.addr
			byAddr[e.addr] = e.cs
		}
		sort.Sort(keys)
		for _, a := range keys {
			fmt.Fprintf(w, "%db allocated at line #%d in file %s\n", p.blockSize, byAddr[a].Line, byAddr[a].File)
		}
		return
	}

	for _, e := range entries {
		fmt.Fprintf(w, "%db allocated at line #%d in file %s\n", p.blockSize, e.cs.Line, e.cs.File)
	}
}

// Close tears the pool down: if a log sink and Debug are configured, it
// first emits the leak report, then releases every page back through
// the pool's PageStore. A pool is not usable after Close.
func (p *PoolAllocator[T]) Close() error {
	if p.settings.Debug && p.settings.LogSink != nil {
		p.DumpMemoryInUse(p.settings.LogSink)
	}

	var firstErr error
	for pg := p.pages; pg != nil; {
		next := pg.next
		if err := p.settings.PageStore.Release(pg.buf); err != nil && firstErr == nil {
			firstErr = err
		}
		pg = next
	}
	p.pages = nil
	p.freeHead = nil

	if p.ownsSink {
		if c, ok := p.settings.LogSink.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// freeRaw lets a Handle call back into its owning pool's Free without
// knowing T, modeled as an interface satisfied by *PoolAllocator[T]
// for any T instead of an explicit function-pointer struct, since an
// interface value already carries exactly that (type, data) pair.
func (p *PoolAllocator[T]) freeRaw(addr unsafe.Pointer, cs Callsite) (FreeStatus, error) {
	return p.Free(addr, cs)
}
