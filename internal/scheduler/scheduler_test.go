package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watchcause/causer/internal/callstack"
	"github.com/watchcause/causer/internal/threadreg"
	"github.com/watchcause/causer/internal/watchtable"
	"github.com/watchcause/causer/internal/xdefines"
)

func newTestScheduler(t *testing.T, cfg *xdefines.Config) (*Scheduler, *callstack.Map) {
	t.Helper()
	reg := threadreg.New(4)
	table := watchtable.New(cfg, reg)
	sites := callstack.NewMap(cfg)
	return New(cfg, sites, table), sites
}

// fakeTable is a slotTable test double that records the preemptAllowed
// value of every Install call, without touching real hardware breakpoints.
type fakeTable struct {
	calls     []bool
	installOn func(preemptAllowed bool) bool
}

func (f *fakeTable) Install(_ context.Context, _ uintptr, _ *callstack.Record, preemptAllowed bool) (bool, error) {
	f.calls = append(f.calls, preemptAllowed)
	if f.installOn != nil && f.installOn(preemptAllowed) {
		return true, nil
	}
	return false, nil
}

func TestStartWatchWithNoSlotsFallsThroughToProbabilisticDraw(t *testing.T) {
	cfg := xdefines.Default()
	cfg.MaxWatchpoints = 0       // no real hwbreak backend in CI; force the probabilistic branch
	cfg.RatioInit = cfg.RatioCap // guarantee the roll always succeeds
	s, sites := newTestScheduler(t, cfg)

	site := sites.FindOrInsert(0x1000, 1)
	installed, err := s.StartWatch(context.Background(), site, 0)
	// MaxWatchpoints=0 means the table has no slots at all, so Install
	// always returns (false, nil) without touching hwbreak.
	require.NoError(t, err)
	require.False(t, installed)

	site.Lock()
	defer site.Unlock()
	require.Equal(t, int64(1), site.CalledCounter)
	require.Equal(t, int64(0), site.WatchedCounter)
}

// TestStartWatchGrabsFreeSlotRegardlessOfHotStatus documents the fixed
// ordering: the free-slot grab (step 2) is unconditional and runs before
// any hot-threshold check, so a call site that has already crossed
// HotThreshold still gets it rather than falling straight into the
// diluted RatioSecondCap roll.
func TestStartWatchGrabsFreeSlotRegardlessOfHotStatus(t *testing.T) {
	cfg := xdefines.Default()
	sites := callstack.NewMap(cfg)
	site := sites.FindOrInsert(0x6000, 1)

	site.Lock()
	site.PeriodCalled = int64(cfg.HotThreshold)
	site.Unlock()

	ft := &fakeTable{installOn: func(preemptAllowed bool) bool { return !preemptAllowed }}
	s := &Scheduler{cfg: cfg, sites: sites, table: ft}

	installed, err := s.StartWatch(context.Background(), site, 0)
	require.NoError(t, err)
	require.True(t, installed)
	require.Equal(t, []bool{false}, ft.calls, "free-slot grab must run, non-preempt, before any probabilistic roll")
}

// TestStartWatchFallsBackToPreemptingRollWhenNoFreeSlot documents the other
// half of step 2/step 3: when the free-slot grab fails, StartWatch falls
// back to the probabilistic preempting attempt, in that order.
func TestStartWatchFallsBackToPreemptingRollWhenNoFreeSlot(t *testing.T) {
	cfg := xdefines.Default()
	cfg.RatioInit = cfg.RatioCap // guarantee the roll always succeeds
	sites := callstack.NewMap(cfg)
	site := sites.FindOrInsert(0x7000, 1)

	ft := &fakeTable{installOn: func(preemptAllowed bool) bool { return preemptAllowed }}
	s := &Scheduler{cfg: cfg, sites: sites, table: ft}

	installed, err := s.StartWatch(context.Background(), site, 0)
	require.NoError(t, err)
	require.True(t, installed)
	require.Equal(t, []bool{false, true}, ft.calls)
}

func TestUpdateWatchedInfoDecaysOnCalled(t *testing.T) {
	cfg := xdefines.Default()
	s, sites := newTestScheduler(t, cfg)
	site := sites.FindOrInsert(0x2000, 1)

	before := site.WatchedRatio
	s.updateWatchedInfo(site, opCalled)
	require.Equal(t, before-int64(cfg.CalledReduction), site.WatchedRatio)
}

func TestUpdateWatchedInfoDecaysGeometricallyOnWatched(t *testing.T) {
	cfg := xdefines.Default()
	s, sites := newTestScheduler(t, cfg)
	site := sites.FindOrInsert(0x3000, 1)

	before := site.WatchedRatio
	s.updateWatchedInfo(site, opWatched)
	require.Equal(t, before*int64(cfg.WatchedReductionTenths)/10, site.WatchedRatio)
	require.Equal(t, int64(1), site.WatchedCounter)
}

func TestUpdateWatchedInfoFloorsAtRatioMin(t *testing.T) {
	cfg := xdefines.Default()
	cfg.RatioMin = 100
	s, sites := newTestScheduler(t, cfg)
	site := sites.FindOrInsert(0x4000, 1)
	site.WatchedRatio = 50

	s.updateWatchedInfo(site, opCalled)
	require.Equal(t, int64(cfg.RatioMin), site.WatchedRatio)
}

func TestUpdateWatchedInfoNeverDecaysPinnedSite(t *testing.T) {
	cfg := xdefines.Default()
	s, sites := newTestScheduler(t, cfg)
	site := sites.FindOrInsert(0x5000, 1)
	site.WatchedRatio = int64(cfg.RatioCap)

	s.updateWatchedInfo(site, opCalled)
	require.Equal(t, int64(cfg.RatioCap), site.WatchedRatio)

	s.updateWatchedInfo(site, opWatched)
	require.Equal(t, int64(cfg.RatioCap), site.WatchedRatio)
}

func TestPinOverflowSetsRatioCap(t *testing.T) {
	cfg := xdefines.Default()
	site := &callstack.Record{WatchedRatio: 10}
	PinOverflow(cfg, site)
	require.Equal(t, int64(cfg.RatioCap), site.WatchedRatio)
}

func TestUniformZeroUpperBoundIsAlwaysZero(t *testing.T) {
	n, err := uniform(0)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestUniformStaysInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		n, err := uniform(10)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, int64(0))
		require.Less(t, n, int64(10))
	}
}
