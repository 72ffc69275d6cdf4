//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

package poolmem

import "golang.org/x/sys/unix"

// MmapPageStore backs every page with an anonymous mmap region instead
// of the Go heap. Pages acquired this way are returned straight to the
// OS on Close rather than waiting on the garbage collector, which
// matters for a pool meant to run for a process's whole lifetime.
type MmapPageStore struct{}

// Acquire implements PageStore.
func (MmapPageStore) Acquire(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
}

// Release implements PageStore.
func (MmapPageStore) Release(buf []byte) error {
	return unix.Munmap(buf)
}
