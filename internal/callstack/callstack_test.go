package callstack

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/watchcause/causer/internal/xdefines"
)

func TestFindOrInsertReturnsSameRecordForEqualKey(t *testing.T) {
	m := NewMap(xdefines.Default())

	r1 := m.FindOrInsert(0x1000, 42)
	r2 := m.FindOrInsert(0x1000, 42)
	require.Same(t, r1, r2)
	require.Equal(t, 1, m.Count())
}

func TestFindOrInsertDistinguishesOffset(t *testing.T) {
	m := NewMap(xdefines.Default())

	r1 := m.FindOrInsert(0x1000, 1)
	r2 := m.FindOrInsert(0x1000, 2)
	require.NotSame(t, r1, r2)
	require.Equal(t, 2, m.Count())
}

func TestNewRecordSeededWithRatioInit(t *testing.T) {
	cfg := xdefines.Default()
	m := NewMap(cfg)

	r := m.FindOrInsert(0x2000, 7)
	require.Equal(t, int64(cfg.RatioInit), r.WatchedRatio)
	require.Equal(t, 0, r.Depth)
}

func TestForEachVisitsAllRecords(t *testing.T) {
	m := NewMap(xdefines.Default())
	m.FindOrInsert(1, 1)
	m.FindOrInsert(2, 2)
	m.FindOrInsert(3, 3)

	seen := map[uintptr]bool{}
	m.ForEach(func(r *Record) { seen[r.Frames[0]] = true })
	require.Len(t, seen, 3)
}

func TestGetCallsiteKeyIsStableForSameCaller(t *testing.T) {
	capture := func() (uintptr, uint64) { return GetCallsiteKey(1) }

	// Both calls must come from the same call site: the offset
	// discriminator is the PC of capture's caller.
	var frames [2]uintptr
	var offsets [2]uint64
	for i := range frames {
		frames[i], offsets[i] = capture()
	}
	require.Equal(t, frames[0], frames[1])
	require.Equal(t, offsets[0], offsets[1])
}

func TestGetCallsitesCollapsesRecursion(t *testing.T) {
	var recurse func(n int) []uintptr
	recurse = func(n int) []uintptr {
		if n == 0 {
			return GetCallsites(0, 10)
		}
		return recurse(n - 1)
	}
	frames := recurse(3)
	require.NotEmpty(t, frames)
	for i := 1; i < len(frames); i++ {
		require.NotEqual(t, frames[i-1], frames[i], "consecutive identical frames must be collapsed")
	}
}

func TestPopulateFramesClampsToCapacity(t *testing.T) {
	var r Record
	frames := make([]uintptr, xdefines_MaxDepth+10)
	for i := range frames {
		frames[i] = uintptr(i + 1)
	}
	r.PopulateFrames(frames)
	require.Equal(t, xdefines_MaxDepth, r.Depth)
	require.Equal(t, uintptr(1), r.Frames[0])
}

func TestPopulateFramesRoundTripsThroughFramesSlice(t *testing.T) {
	var r Record
	want := []uintptr{0x10, 0x20, 0x30}
	r.PopulateFrames(want)

	if diff := cmp.Diff(want, r.FramesSlice()); diff != "" {
		t.Fatalf("FramesSlice() mismatch (-want +got):\n%s", diff)
	}
}
