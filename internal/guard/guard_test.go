package guard

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/watchcause/causer/internal/callstack"
	"github.com/watchcause/causer/internal/xdefines"
)

// testAllocator is a trivial Allocator for unit tests: it serves each
// request from a freshly made byte slice and keeps a reference so Go's
// GC never reclaims the backing array out from under a raw uintptr the
// test is still poking at.
type testAllocator struct {
	kept [][]byte
}

func (a *testAllocator) Alloc(size, align uintptr) (uintptr, error) {
	buf := make([]byte, size+align+8)
	a.kept = append(a.kept, buf)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (a *testAllocator) Free(ptr uintptr) error { return nil }

func newTestShim(t *testing.T) *Shim {
	t.Helper()
	s := NewShim(4096)
	s.SetAllocator(&testAllocator{})
	return s
}

func TestAllocWritesValidSentinels(t *testing.T) {
	s := newTestShim(t)
	site := &callstack.Record{WatchedRatio: int64(xdefines.Default().RatioInit)}

	ptr, err := s.Alloc(32, 8, site)
	require.NoError(t, err)
	require.Zero(t, ptr%8, "user pointer must satisfy requested alignment")

	require.Empty(t, Validate(ptr))
	require.Equal(t, uintptr(32), ObjectSize(ptr))
	require.Same(t, site, Callsite(ptr))
}

func TestFreeDetectsTailCorruption(t *testing.T) {
	s := newTestShim(t)
	site := &callstack.Record{}

	ptr, err := s.Alloc(8, 1, site)
	require.NoError(t, err)

	tail := tailWordAt(ptr, 8)
	*tail = 0xdeadbeef // corrupt the tail sentinel

	_, violations, err := s.Free(ptr)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, "tail", violations[0].Kind)
}

func TestFreeDetectsHeadCorruption(t *testing.T) {
	s := newTestShim(t)
	site := &callstack.Record{}

	ptr, err := s.Alloc(8, 1, site)
	require.NoError(t, err)

	headerAt(ptr).HeadSentinel = 0

	_, violations, err := s.Free(ptr)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, "head", violations[0].Kind)
}

func TestReallocCopiesAndPreservesOverlap(t *testing.T) {
	s := newTestShim(t)
	site := &callstack.Record{}

	ptr, err := s.Alloc(4, 1, site)
	require.NoError(t, err)
	src := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 4)
	copy(src, []byte{1, 2, 3, 4})

	newPtr, grow, err := s.Realloc(ptr, 8, site)
	require.NoError(t, err)
	require.True(t, grow)

	dst := unsafe.Slice((*byte)(unsafe.Pointer(newPtr)), 4)
	require.Equal(t, []byte{1, 2, 3, 4}, dst)
	require.Equal(t, uintptr(8), ObjectSize(newPtr))
}

func TestBootstrapArenaServesBeforeAllocatorResolved(t *testing.T) {
	s := NewShim(1024)
	require.False(t, s.Ready())

	site := &callstack.Record{}
	ptr, err := s.Alloc(16, 8, site)
	require.NoError(t, err)
	require.Empty(t, Validate(ptr))

	s.SetAllocator(&testAllocator{})
	require.True(t, s.Ready())
}

func TestBootstrapArenaExhaustion(t *testing.T) {
	s := NewShim(64)
	site := &callstack.Record{}
	_, err := s.Alloc(1<<20, 1, site)
	require.ErrorIs(t, err, ErrBootstrapExhausted)
}

func TestScanRegionFindsCorruptedTail(t *testing.T) {
	data := make([]byte, 256)
	site := &callstack.Record{}

	off := 16
	h := (*header)(unsafe.Pointer(&data[off]))
	h.ObjectSize = 8
	h.Callsite = site
	h.HeadSentinel = xdefines.SentinelHead

	userOff := off + int(HeaderSize)
	*(*uint64)(unsafe.Pointer(&data[userOff+8])) = 0 // wrong tail value

	vs := ScanRegion(data, 1<<20)
	require.Len(t, vs, 1)
	require.Equal(t, "tail", vs[0].Kind)
	require.Same(t, site, vs[0].Callsite)
}

func TestScanRegionIgnoresGoodObjects(t *testing.T) {
	data := make([]byte, 256)
	off := 16
	h := (*header)(unsafe.Pointer(&data[off]))
	h.ObjectSize = 8
	h.HeadSentinel = xdefines.SentinelHead

	userOff := off + int(HeaderSize)
	*(*uint64)(unsafe.Pointer(&data[userOff+8])) = xdefines.SentinelTail

	vs := ScanRegion(data, 1<<20)
	require.Empty(t, vs)
}
