// Package watchtable implements the watchpoint slot table (spec.md §3,
// §4.E, component E): a fixed-size array of hardware-breakpoint slots,
// each arm-able across every alive thread, with preemption of a lower-
// value incumbent when the table is full.
//
// Grounded on original_source/source/watchpoint.cpp's setWatchpoint/
// setWatchpointByThread/disableWatchpoint. The original's
// FOR_EACH_THREAD_START/_NEXT fan-out (serially installing on every
// alive thread, rolling back on the first failure) is replaced with
// golang.org/x/sync/errgroup, which gives the same "all-or-nothing,
// first error wins" semantics with concurrent installs instead of serial
// ones.
package watchtable

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/sync/errgroup"

	"github.com/watchcause/causer/internal/callstack"
	"github.com/watchcause/causer/internal/hwbreak"
	"github.com/watchcause/causer/internal/spinlock"
	"github.com/watchcause/causer/internal/threadreg"
	"github.com/watchcause/causer/internal/wallclock"
	"github.com/watchcause/causer/internal/xdefines"
)

// TrapSignal is the signal number the kernel is asked to deliver on a
// watchpoint event (WP_SIGNAL in the original, hardcoded to SIGTRAP
// there; kept as a package variable so a test can substitute a
// non-disruptive signal).
var TrapSignal = hwbreak.Signal(5) // SIGTRAP

// Slot is one watchpoint slot's live state.
type Slot struct {
	inUse       bool
	address     uintptr
	callsite    *callstack.Record
	installedAt int64
	handles     map[int]hwbreak.Handle // thread index -> perf_event handle

	lock spinlock.T
}

// Table is the fixed-size watchpoint slot array plus the registry it
// fans installs out across.
type Table struct {
	cfg    *xdefines.Config
	reg    *threadreg.Registry
	slots  []Slot
	cursor int
}

// New builds a table sized for cfg.MaxWatchpoints slots, fanning installs
// out across reg's alive threads.
func New(cfg *xdefines.Config, reg *threadreg.Registry) *Table {
	t := &Table{cfg: cfg, reg: reg, slots: make([]Slot, cfg.MaxWatchpoints)}
	for i := range t.slots {
		t.slots[i].handles = make(map[int]hwbreak.Handle)
	}
	return t
}

// eligible implements spec.md §4.E's preemption eligibility inequality:
// Δt ≥ MIN_INSTALL_MS AND new.watched_ratio > installed.watched_ratio ·
// W_PREEMPT · (1 − Δt/T_REDUCTION).
func (t *Table) eligible(slot *Slot, candidateRatio int64, now int64) bool {
	dt := now - slot.installedAt
	if dt < t.cfg.MinInstallMillis {
		return false
	}
	installedRatio := float64(0)
	if slot.callsite != nil {
		slot.callsite.Lock()
		installedRatio = float64(slot.callsite.WatchedRatio)
		slot.callsite.Unlock()
	}
	reduction := 1 - float64(dt)/float64(t.cfg.PreemptTimeReductionMillis)
	threshold := installedRatio * float64(t.cfg.PreemptWeight) * reduction
	return float64(candidateRatio) > threshold
}

// Install tries to arm a watchpoint on address for site over the first
// slot, in scan order, that is either free or — only if preemptAllowed and
// table.cfg.PreemptionEnabled both hold — eligible for preemption; a
// single call does not prefer a free slot over an earlier eligible one.
// preemptAllowed mirrors spec.md §4.E's install() signature: the
// scheduler's non-preempt free-slot grab (step 2) passes false, while its
// probabilistic preempting attempt (step 3) passes true. Returns false
// with no error if no slot could be used.
func (t *Table) Install(ctx context.Context, address uintptr, site *callstack.Record, preemptAllowed bool) (bool, error) {
	now := wallclock.NowMillis()
	start := t.cursor
	if t.cfg.RandomSlotSearch && len(t.slots) > 0 {
		start = randIndex(len(t.slots))
	}

	for i := 0; i < len(t.slots); i++ {
		idx := (start + i) % len(t.slots)
		slot := &t.slots[idx]

		slot.lock.Lock()
		ok, isPreempt := t.tryClaim(slot, site, now, preemptAllowed)
		if !ok {
			slot.lock.Unlock()
			continue
		}

		if isPreempt {
			if err := t.disarmAllLocked(ctx, slot); err != nil {
				slot.inUse = false
				slot.lock.Unlock()
				return false, err
			}
		}

		slot.inUse = true
		slot.address = address
		slot.callsite = site

		if err := t.armAllLocked(ctx, slot, address); err != nil {
			slot.inUse = false
			slot.lock.Unlock()
			return false, err
		}
		slot.installedAt = wallclock.NowMillis()
		t.cursor = (idx + 1) % len(t.slots)
		slot.lock.Unlock()
		return true, nil
	}
	return false, nil
}

// tryClaim decides whether slot is usable for site, either because it is
// free or — only when preemptAllowed — because it is eligible for
// preemption; it does not arm anything. Caller holds slot.lock.
func (t *Table) tryClaim(slot *Slot, site *callstack.Record, now int64, preemptAllowed bool) (ok bool, isPreempt bool) {
	if !slot.inUse {
		return true, false
	}
	if !preemptAllowed || !t.cfg.PreemptionEnabled {
		return false, false
	}
	site.Lock()
	ratio := site.WatchedRatio
	site.Unlock()
	if t.eligible(slot, ratio, now) {
		return true, true
	}
	return false, false
}

// randIndex draws a uniformly random slot index in [0, n) for the
// random-slot-search option (spec.md §4.E step 1), using the same
// crypto/rand-backed draw internal/scheduler uses for its probabilistic
// install roll.
func randIndex(n int) int {
	b, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(b.Int64())
}

// armAllLocked installs and enables the breakpoint on every alive thread
// using errgroup, rolling back on the first failure (setWatchpoint's
// serial "FOR_EACH_THREAD, rollback on first failure", concurrently).
// Caller holds slot.lock; the registry read lock is acquired inside,
// honoring the slot-lock-then-G_RW ordering spec.md §5 requires.
func (t *Table) armAllLocked(ctx context.Context, slot *Slot, address uintptr) error {
	t.reg.RLock()
	defer t.reg.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	var mu spinlock.T
	installed := make(map[int]hwbreak.Handle)

	t.reg.ForEachAlive(func(d *threadreg.Descriptor) {
		d := d
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			h, err := hwbreak.Install(address, d.OSTid, TrapSignal)
			if err != nil {
				return fmt.Errorf("watchtable: install on thread %d: %w", d.Index, err)
			}
			if err := hwbreak.Enable(h); err != nil {
				hwbreak.DisableAndClose(h)
				return fmt.Errorf("watchtable: enable on thread %d: %w", d.Index, err)
			}
			mu.Lock()
			installed[d.Index] = h
			mu.Unlock()
			return nil
		})
	})

	if err := g.Wait(); err != nil {
		for _, h := range installed {
			hwbreak.DisableAndClose(h)
		}
		return err
	}
	slot.handles = installed
	return nil
}

// disarmHandlesLocked disables and closes every per-thread handle in slot,
// across all alive threads, concurrently, but leaves the slot's logical
// assignment (inUse/address/callsite) untouched — used by the fork
// quiescing path, which needs to re-arm the same assignment afterward
// rather than free the slot.
func (t *Table) disarmHandlesLocked(ctx context.Context, slot *Slot) error {
	t.reg.RLock()
	handles := slot.handles
	t.reg.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for idx, h := range handles {
		idx, h := idx, h
		g.Go(func() error {
			if err := hwbreak.DisableAndClose(h); err != nil {
				return fmt.Errorf("watchtable: disarm thread %d: %w", idx, err)
			}
			return nil
		})
	}
	err := g.Wait()
	slot.handles = make(map[int]hwbreak.Handle)
	return err
}

// disarmAllLocked fully frees slot: disarms the hardware side and clears
// its logical assignment, for the free-path/preemption-path disarm where
// the slot is genuinely being handed to something else (or to nothing).
func (t *Table) disarmAllLocked(ctx context.Context, slot *Slot) error {
	err := t.disarmHandlesLocked(ctx, slot)
	slot.inUse = false
	slot.callsite = nil
	slot.address = 0
	return err
}

// DisableByAddress finds the slot watching address and disarms it across
// every alive thread (the free-path disarm spec.md §4.C describes).
func (t *Table) DisableByAddress(ctx context.Context, address uintptr) (bool, error) {
	for i := range t.slots {
		slot := &t.slots[i]
		slot.lock.Lock()
		if slot.inUse && slot.address == address {
			err := t.disarmAllLocked(ctx, slot)
			slot.lock.Unlock()
			return true, err
		}
		slot.lock.Unlock()
	}
	return false, nil
}

// InstallOnThread arms every currently-installed slot on a single newly
// spawned thread (setWatchpointByThread), invoked from threadreg.Spawn's
// onArmed hook before the new thread runs user code (spec.md S6).
func (t *Table) InstallOnThread(d *threadreg.Descriptor) error {
	for i := range t.slots {
		slot := &t.slots[i]
		slot.lock.Lock()
		if !slot.inUse {
			slot.lock.Unlock()
			continue
		}
		h, err := hwbreak.Install(slot.address, d.OSTid, TrapSignal)
		if err != nil {
			slot.lock.Unlock()
			return fmt.Errorf("watchtable: install on new thread %d: %w", d.Index, err)
		}
		if err := hwbreak.Enable(h); err != nil {
			hwbreak.DisableAndClose(h)
			slot.lock.Unlock()
			return fmt.Errorf("watchtable: enable on new thread %d: %w", d.Index, err)
		}
		slot.handles[d.Index] = h
		slot.lock.Unlock()
	}
	return nil
}

// DisableOnThread tears down every slot's handle for a single exiting
// thread (xthread::threadExit's per-slot disable_watchpoint loop).
func (t *Table) DisableOnThread(index int) {
	for i := range t.slots {
		slot := &t.slots[i]
		slot.lock.Lock()
		if h, ok := slot.handles[index]; ok {
			hwbreak.DisableAndClose(h)
			delete(slot.handles, index)
		}
		slot.lock.Unlock()
	}
}

// DisableAllForFork disarms every slot's hardware side without discarding
// its logical assignment, for the pre-fork quiescing step spec.md §4.D's
// fork-safety requirement describes ("disarm all watchpoints before
// fork"). RearmAfterFork re-installs what this leaves behind.
func (t *Table) DisableAllForFork(ctx context.Context) {
	for i := range t.slots {
		slot := &t.slots[i]
		slot.lock.Lock()
		if slot.inUse {
			t.disarmHandlesLocked(ctx, slot)
		}
		slot.lock.Unlock()
	}
}

// RearmAfterFork re-installs the hardware side of every slot still marked
// in_use but left with no handles by DisableAllForFork, matching spec.md
// §5's "disarmed before fork... re-armed in the parent." Called by the
// parent only; the child instead resets its thread registry and starts
// with no slots armed.
func (t *Table) RearmAfterFork(ctx context.Context) error {
	for i := range t.slots {
		slot := &t.slots[i]
		slot.lock.Lock()
		if slot.inUse && len(slot.handles) == 0 {
			if err := t.armAllLocked(ctx, slot, slot.address); err != nil {
				slot.lock.Unlock()
				return fmt.Errorf("watchtable: rearm after fork: %w", err)
			}
			slot.installedAt = wallclock.NowMillis()
		}
		slot.lock.Unlock()
	}
	return nil
}

// Slots returns a snapshot of which addresses are currently watched, for
// diagnostics and tests.
func (t *Table) Slots() []uintptr {
	var addrs []uintptr
	for i := range t.slots {
		slot := &t.slots[i]
		slot.lock.Lock()
		if slot.inUse {
			addrs = append(addrs, slot.address)
		}
		slot.lock.Unlock()
	}
	return addrs
}

// WatchedSlot is a snapshot of one currently-installed slot's address and
// owning call site.
type WatchedSlot struct {
	Address uintptr
	Site    *callstack.Record
}

// WatchedSlots returns a snapshot of every currently-installed slot's
// address and owning call-site record, for the trap-handling pipeline
// to classify a delivered watchpoint signal against each live
// assignment (pkg/causer's InstallTrapHandler).
func (t *Table) WatchedSlots() []WatchedSlot {
	var out []WatchedSlot
	for i := range t.slots {
		slot := &t.slots[i]
		slot.lock.Lock()
		if slot.inUse {
			out = append(out, WatchedSlot{Address: slot.address, Site: slot.callsite})
		}
		slot.lock.Unlock()
	}
	return out
}
