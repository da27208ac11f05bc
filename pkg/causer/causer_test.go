package causer

import (
	"path/filepath"
	"testing"
	"unsafe"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/watchcause/causer/internal/guard"
	"github.com/watchcause/causer/internal/trapclassify"
	"github.com/watchcause/causer/internal/xdefines"
)

// testAllocator backs every allocation with a real Go byte slice kept alive
// for the test's lifetime, so OnAlloc/OnFree can safely dereference the
// returned user pointer.
type testAllocator struct {
	kept [][]byte
}

func (a *testAllocator) Alloc(size, align uintptr) (uintptr, error) {
	buf := make([]byte, size+align+8)
	a.kept = append(a.kept, buf)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (a *testAllocator) Free(ptr uintptr) error { return nil }

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := xdefines.Default()
	cfg.MaxWatchpoints = 0 // avoid touching the real perf_event_open backend
	c, err := New(cfg, WithAllocator(&testAllocator{}))
	require.NoError(t, err)
	return c
}

func TestNewResolvesProcessMap(t *testing.T) {
	c := newTestCore(t)
	require.NotEmpty(t, c.oracle.MainExecutable())
}

func TestOnAllocReturnsUsablePointer(t *testing.T) {
	c := newTestCore(t)

	ptr, err := c.OnAlloc(32, 8)
	require.NoError(t, err)
	require.NotZero(t, ptr)
	require.Empty(t, guard.Validate(ptr))
	require.Equal(t, uintptr(32), guard.ObjectSize(ptr))
}

func TestOnFreeDetectsNoViolationOnUntouchedObject(t *testing.T) {
	c := newTestCore(t)

	ptr, err := c.OnAlloc(16, 8)
	require.NoError(t, err)
	require.NoError(t, c.OnFree(ptr))
}

func TestOnFreeReportsSentinelMismatch(t *testing.T) {
	cfg := xdefines.Default()
	cfg.MaxWatchpoints = 0
	logger, hook := logrustest.NewNullLogger()
	c, err := New(cfg, WithAllocator(&testAllocator{}), WithLogger(logger))
	require.NoError(t, err)

	ptr, err := c.OnAlloc(16, 1)
	require.NoError(t, err)

	tail := unsafe.Slice((*byte)(unsafe.Pointer(ptr+16)), 8)
	tail[0] = 0xff // corrupt the tail sentinel before freeing

	require.NoError(t, c.OnFree(ptr))

	var sawMismatch bool
	for _, e := range hook.AllEntries() {
		if e.Message == "sentinel mismatch detected at free" {
			sawMismatch = true
		}
	}
	require.True(t, sawMismatch, "expected a logged sentinel mismatch")
}

func TestOnReallocGrowsAndPreservesContent(t *testing.T) {
	c := newTestCore(t)

	ptr, err := c.OnAlloc(4, 1)
	require.NoError(t, err)
	src := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 4)
	copy(src, []byte{9, 8, 7, 6})

	newPtr, err := c.OnRealloc(ptr, 8)
	require.NoError(t, err)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(newPtr)), 4)
	require.Equal(t, []byte{9, 8, 7, 6}, dst)
}

func TestSaveAndLoadHistoryRoundTrip(t *testing.T) {
	c := newTestCore(t)

	ptr, err := c.OnAlloc(8, 1)
	require.NoError(t, err)
	require.NoError(t, c.OnFree(ptr))

	dir := t.TempDir()
	path := filepath.Join(dir, "profile.info")
	require.NoError(t, c.SaveHistory(path))

	c2 := newTestCore(t)
	require.NoError(t, c2.LoadHistory(path))
}

func TestLoadHistoryToleratesMissingFile(t *testing.T) {
	c := newTestCore(t)
	require.NoError(t, c.LoadHistory(filepath.Join(t.TempDir(), "does-not-exist.info")))
}

func TestHistoryPathAppendsSuffix(t *testing.T) {
	require.Equal(t, "/bin/app"+xdefines.PersistedFileSuffix, HistoryPath("/bin/app"))
}

func TestSpawnThreadArmsNewThreadAndRunsBody(t *testing.T) {
	c := newTestCore(t)
	done := make(chan struct{})
	require.NoError(t, c.SpawnThread(func() { close(done) }))
	<-done
}

func TestBeforeForkAndAfterForkChildResetState(t *testing.T) {
	c := newTestCore(t)
	c.BeforeFork()
	require.NoError(t, c.AfterForkChild("", ""))
}

func TestAfterForkParentRearmsWithNoWatchpointsInUse(t *testing.T) {
	c := newTestCore(t) // cfg.MaxWatchpoints == 0: nothing was ever armed
	c.BeforeFork()
	require.NoError(t, c.AfterForkParent())
}

func TestScanRegionFindsNothingInFreshBuffer(t *testing.T) {
	c := newTestCore(t)
	require.Empty(t, c.ScanRegion(make([]byte, 64)))
}

func TestCloseIsIdempotentWithoutCrashHandler(t *testing.T) {
	c := newTestCore(t)
	require.NotPanics(t, c.Close)
	require.NotPanics(t, c.Close)
}

func TestCloseStopsCrashHandler(t *testing.T) {
	c := newTestCore(t)
	c.InstallCrashHandler()
	require.NotPanics(t, c.Close)
}

func TestCloseStopsTrapHandler(t *testing.T) {
	c := newTestCore(t)
	c.InstallTrapHandler(func(trapclassify.Report) {})
	require.NotPanics(t, c.Close)
}

func TestClassifyTrapReportsNothingWithNoWatchpointsInstalled(t *testing.T) {
	c := newTestCore(t) // cfg.MaxWatchpoints == 0: WatchedSlots() is always empty
	var reports int
	c.classifyTrap(func(trapclassify.Report) { reports++ })
	require.Zero(t, reports)
}
