package watchtable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watchcause/causer/internal/callstack"
	"github.com/watchcause/causer/internal/threadreg"
	"github.com/watchcause/causer/internal/xdefines"
)

func TestInstallReturnsFalseWithZeroSlots(t *testing.T) {
	cfg := xdefines.Default()
	cfg.MaxWatchpoints = 0
	reg := threadreg.New(4)
	table := New(cfg, reg)

	site := &callstack.Record{WatchedRatio: int64(cfg.RatioCap)}
	installed, err := table.Install(context.Background(), 0x1000, site, true)
	require.NoError(t, err)
	require.False(t, installed)
	require.Empty(t, table.Slots())
}

func TestTryClaimAcceptsFreeSlot(t *testing.T) {
	cfg := xdefines.Default()
	reg := threadreg.New(4)
	table := New(cfg, reg)

	slot := &table.slots[0]
	site := &callstack.Record{WatchedRatio: 1}
	ok, isPreempt := table.tryClaim(slot, site, wallclockNow(), false)
	require.True(t, ok)
	require.False(t, isPreempt)
}

func TestTryClaimRejectsBusySlotWhenPreemptionDisabled(t *testing.T) {
	cfg := xdefines.Default()
	cfg.PreemptionEnabled = false
	reg := threadreg.New(4)
	table := New(cfg, reg)

	slot := &table.slots[0]
	slot.inUse = true
	slot.callsite = &callstack.Record{WatchedRatio: 1}
	slot.installedAt = 0

	site := &callstack.Record{WatchedRatio: int64(cfg.RatioCap)}
	ok, _ := table.tryClaim(slot, site, wallclockNow(), true)
	require.False(t, ok)
}

func TestTryClaimRejectsEligibleSlotWhenPreemptNotAllowed(t *testing.T) {
	cfg := xdefines.Default()
	cfg.MinInstallMillis = 0
	cfg.PreemptWeight = 1
	cfg.PreemptTimeReductionMillis = 1_000_000
	reg := threadreg.New(4)
	table := New(cfg, reg)

	slot := &table.slots[0]
	slot.inUse = true
	slot.callsite = &callstack.Record{WatchedRatio: 1}
	slot.installedAt = 0

	// A candidate ratio high enough to be eligible for preemption must
	// still be rejected when this call site's own preemptAllowed is
	// false — the table-wide cfg.PreemptionEnabled switch is necessary
	// but not sufficient.
	site := &callstack.Record{WatchedRatio: 1000}
	ok, isPreempt := table.tryClaim(slot, site, wallclockNow(), false)
	require.False(t, ok)
	require.False(t, isPreempt)
}

func TestEligibleRequiresMinInstallElapsed(t *testing.T) {
	cfg := xdefines.Default()
	cfg.MinInstallMillis = 1000
	reg := threadreg.New(4)
	table := New(cfg, reg)

	slot := &table.slots[0]
	slot.callsite = &callstack.Record{WatchedRatio: 1}
	now := int64(10_000)
	slot.installedAt = now - 10 // well under MinInstallMillis

	require.False(t, table.eligible(slot, int64(cfg.RatioCap), now))
}

func TestEligibleAcceptsHighEnoughCandidateRatio(t *testing.T) {
	cfg := xdefines.Default()
	cfg.MinInstallMillis = 0
	cfg.PreemptWeight = 1
	cfg.PreemptTimeReductionMillis = 1_000_000
	reg := threadreg.New(4)
	table := New(cfg, reg)

	slot := &table.slots[0]
	slot.callsite = &callstack.Record{WatchedRatio: 10}
	now := int64(10_000)
	slot.installedAt = now - 5000

	require.True(t, table.eligible(slot, 1000, now))
	require.False(t, table.eligible(slot, 1, now))
}

func TestDisableByAddressReturnsFalseWhenNotWatched(t *testing.T) {
	cfg := xdefines.Default()
	reg := threadreg.New(4)
	table := New(cfg, reg)

	found, err := table.DisableByAddress(context.Background(), 0xdead)
	require.NoError(t, err)
	require.False(t, found)
}

func TestDisableOnThreadIsNoOpWithNoHandles(t *testing.T) {
	cfg := xdefines.Default()
	reg := threadreg.New(4)
	table := New(cfg, reg)

	require.NotPanics(t, func() { table.DisableOnThread(3) })
}

func TestRandIndexStaysInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		idx := randIndex(7)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, 7)
	}
}

func TestRandIndexSingleSlotIsAlwaysZero(t *testing.T) {
	require.Equal(t, 0, randIndex(1))
}

func TestDisableAllForForkIsNoOpWithNoSlotsInUse(t *testing.T) {
	cfg := xdefines.Default()
	reg := threadreg.New(4)
	table := New(cfg, reg)

	require.NotPanics(t, func() { table.DisableAllForFork(context.Background()) })
	require.Empty(t, table.Slots())
}

func TestRearmAfterForkIsNoOpWithNoSlotsInUse(t *testing.T) {
	cfg := xdefines.Default()
	reg := threadreg.New(4)
	table := New(cfg, reg)

	require.NoError(t, table.RearmAfterFork(context.Background()))
	require.Empty(t, table.Slots())
}

func wallclockNow() int64 {
	return 0
}
