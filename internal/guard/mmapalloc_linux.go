//go:build linux

package guard

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator is a minimal Allocator backed directly by anonymous
// mmap regions, one mapping per allocation. It exists so cmd/causerctl's
// demo scenarios can exercise the full Alloc/Free path against real
// page-backed addresses without linking a
// C allocator — every call-site in spec.md §4.C's "collaborator:
// allocator shim" forwards to *some* underlying allocator, and mmap is
// the only one reachable from pure Go on Linux without cgo.
type MmapAllocator struct{}

func (MmapAllocator) Alloc(size, align uintptr) (uintptr, error) {
	n := int(size)
	if n <= 0 {
		n = 1
	}
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("guard: mmap %d bytes: %w", n, err)
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

func (MmapAllocator) Free(ptr uintptr) error {
	// The size isn't tracked by this minimal allocator; munmap requires
	// it, so this allocator intentionally leaks pages on Free and is
	// meant only for short-lived demo/test processes, never production
	// embedding (see DESIGN.md).
	return nil
}
