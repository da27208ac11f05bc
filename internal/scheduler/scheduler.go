// Package scheduler implements the startWatch policy (spec.md §3, §4.F,
// component F): decide, for a freshly allocated and guarded object,
// whether to spend a watchpoint slot on it, and maintain each call
// site's decaying watched_ratio.
//
// Grounded on original_source/source/causer.cpp's startWatch and
// updateWatchedInfo.
package scheduler

import (
	"context"
	"crypto/rand"
	"math/big"

	"github.com/watchcause/causer/internal/callstack"
	"github.com/watchcause/causer/internal/wallclock"
	"github.com/watchcause/causer/internal/watchtable"
	"github.com/watchcause/causer/internal/xdefines"
)

// slotTable is the watchpoint-table collaborator StartWatch drives.
// *watchtable.Table satisfies it; the interface exists so a test can
// substitute a fake that doesn't touch real hardware breakpoints.
type slotTable interface {
	Install(ctx context.Context, address uintptr, site *callstack.Record, preemptAllowed bool) (bool, error)
}

// Scheduler wires a call-site map and a watchpoint table behind the
// startWatch policy.
type Scheduler struct {
	cfg   *xdefines.Config
	sites *callstack.Map
	table slotTable
}

// New builds a Scheduler over an existing call-site map and watchpoint
// table.
func New(cfg *xdefines.Config, sites *callstack.Map, table *watchtable.Table) *Scheduler {
	return &Scheduler{cfg: cfg, sites: sites, table: table}
}

// opKind mirrors causer.cpp's mallocOpType.
type opKind int

const (
	opCalled opKind = iota
	opWatched
)

// StartWatch runs spec.md §4.F's policy for a single allocation against
// an already-fingerprinted call-site record: step 2 always tries a free
// slot, non-preempt, regardless of how hot the site is; only if that
// fails does step 3 decide whether to attempt a probabilistic preempting
// install, diluting the odds once the site has gone "hot" this period.
// Finally update the site's statistics according to which branch fired.
// Returns whether a watchpoint ended up installed.
func (s *Scheduler) StartWatch(ctx context.Context, site *callstack.Record, tailAddr uintptr) (bool, error) {
	installed, err := s.table.Install(ctx, tailAddr, site, false)
	if err != nil {
		return false, err
	}
	if installed {
		s.updateWatchedInfo(site, opWatched)
		return true, nil
	}

	site.Lock()
	periodCalled := site.PeriodCalled
	ratio := site.WatchedRatio
	site.Unlock()

	upper := s.cfg.RatioCap
	if periodCalled >= int64(s.cfg.HotThreshold) {
		upper = s.cfg.RatioSecondCap
	}
	roll, err := uniform(upper)
	if err != nil {
		return false, err
	}

	if roll <= ratio {
		ok, err := s.table.Install(ctx, tailAddr, site, true)
		if err != nil {
			return false, err
		}
		if ok {
			s.updateWatchedInfo(site, opWatched)
			return true, nil
		}
	}

	s.updateWatchedInfo(site, opCalled)
	return false, nil
}

// updateWatchedInfo applies the decay formulas from causer.cpp's
// function of the same name: linear decay on a merely-counted
// allocation, geometric decay (×WATCHED_REDUCTION/10) on a watched one,
// floored at R_min, with R_cap treated as an absorbing pin (spec.md §3:
// "R_cap is a reserved sentinel meaning always try to watch this site").
func (s *Scheduler) updateWatchedInfo(site *callstack.Record, kind opKind) {
	site.Lock()
	defer site.Unlock()

	site.CalledCounter++
	site.PeriodCalled++

	switch kind {
	case opCalled:
		if site.WatchedRatio != int64(s.cfg.RatioCap) {
			site.WatchedRatio -= int64(s.cfg.CalledReduction)
		}
	case opWatched:
		site.WatchedCounter++
		if site.WatchedRatio != int64(s.cfg.RatioCap) {
			site.WatchedRatio = site.WatchedRatio * int64(s.cfg.WatchedReductionTenths) / 10
		}
	}

	if site.WatchedRatio < int64(s.cfg.RatioMin) {
		site.WatchedRatio = int64(s.cfg.RatioMin)
	}

	if site.Depth == 0 {
		// Frames[0] is the record's identity (frame0); keep it in place and
		// append the captured stack after it.
		frames := callstack.GetCallsites(2, s.cfg.MaxCallstackDepth)
		site.PopulateFrames(append([]uintptr{site.Frames[0]}, frames...))
	}

	now := wallclock.NowMillis()
	if now-site.PeriodStart > s.cfg.PeriodMillis {
		site.PeriodCalled = 0
		site.PeriodStart = now
	}
}

// PinOverflow sets a call-site's watched_ratio to the R_cap absorbing
// state, called once a genuine overflow is confirmed against it (spec.md
// §3/§4.G: "pin the owning call-site's watched_ratio to R_cap").
func PinOverflow(cfg *xdefines.Config, site *callstack.Record) {
	site.Lock()
	site.WatchedRatio = int64(cfg.RatioCap)
	site.Unlock()
}

// uniform draws a cryptographically-random integer in [0, upper), the
// idiomatic Go substitute for the original's arc4random_uniform — both
// are CSPRNG-backed uniform draws, so crypto/rand.Int is the closer
// match rather than math/rand's non-cryptographic generator.
func uniform(upper int) (int64, error) {
	if upper <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(upper)))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
