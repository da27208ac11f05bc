//go:build !linux

package guard

import "fmt"

// MmapAllocator has no portable backend outside Linux; the watchpoint
// facility this whole tool exists to drive is Linux-only anyway (see
// internal/hwbreak), so a non-Linux demo allocator would have nothing to
// arm breakpoints against.
type MmapAllocator struct{}

func (MmapAllocator) Alloc(size, align uintptr) (uintptr, error) {
	return 0, fmt.Errorf("guard: MmapAllocator unsupported on this platform")
}

func (MmapAllocator) Free(ptr uintptr) error { return nil }
