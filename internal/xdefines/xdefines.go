// Package xdefines holds the tunable constants of the adaptive watchpoint
// scheduler. Every knob named in the design document is a field on Config
// rather than a compile-time constant, so a host program or a test can
// override thresholds without recompiling the package.
package xdefines

import "time"

// Sentinel words placed at the head and tail of every guarded allocation.
const (
	SentinelHead  uint64 = 0xCAFEBABECAFEBABE
	SentinelTail  uint64 = 0xDADEBABEDADEBABE
	SentinelMagic uint64 = 0xABEFACECABEFACEC
)

// Config bundles every design-value tunable referenced by spec.md §3/§4/§6.
type Config struct {
	// MaxWatchpoints (W) is the number of hardware-breakpoint slots.
	MaxWatchpoints int
	// MaxAliveThreads (T_max) bounds the thread index space.
	MaxAliveThreads int
	// MaxCallstackDepth (D_max) bounds captured frames per call-site record.
	MaxCallstackDepth int
	// CallsiteMapBuckets is the call-site map's bucket count; must be a
	// power of two so bucket selection can use a bitmask.
	CallsiteMapBuckets int

	// RatioMin (R_min) is the floor for watched_ratio.
	RatioMin int
	// RatioCap (R_cap) is the pin sentinel for watched_ratio.
	RatioCap int
	// RatioInit (R_init) seeds watched_ratio for a newly-discovered site.
	RatioInit int
	// RatioSecondCap bounds the uniform draw once a site is "hot"
	// (period_called >= HotThreshold), diluting its chance of a slot.
	RatioSecondCap int

	// HotThreshold (HOT_THRESHOLD) is the period_called value past which
	// the wider [0, RatioSecondCap) draw applies.
	HotThreshold int
	// PeriodMillis (PERIOD_MS) is the short-window reset period.
	PeriodMillis int64

	// WatchedReductionTenths implements the geometric decay
	// watched_ratio *= WatchedReductionTenths/10 on a watched allocation.
	WatchedReductionTenths int
	// CalledReduction is the linear decay applied on a merely-counted
	// allocation (watched_ratio -= CalledReduction).
	CalledReduction int

	// MinInstallMillis (MIN_INSTALL_MS) is the minimum residency an
	// installed slot must have before it can be preempted.
	MinInstallMillis int64
	// PreemptWeight (W_PREEMPT) boosts the incumbent slot's ratio in the
	// preemption eligibility inequality.
	PreemptWeight int
	// PreemptTimeReductionMillis (T_REDUCTION) is the linear decay base
	// for the incumbent's time-based protection.
	PreemptTimeReductionMillis int64

	// RandomSlotSearch enables starting the slot scan from a uniformly
	// random index instead of the rotating cursor.
	RandomSlotSearch bool
	// PreemptionEnabled gates whether startWatch ever attempts a
	// preempting install once all slots are full.
	PreemptionEnabled bool
}

// Default returns the design-document defaults from spec.md §3/§4/§6,
// carried over from original_source/source/xdefines.hh's enum block.
func Default() *Config {
	return &Config{
		MaxWatchpoints:     4,
		MaxAliveThreads:    1025,
		MaxCallstackDepth:  14,
		CallsiteMapBuckets: 1 << 19,

		RatioMin:       1,
		RatioCap:       10000,
		RatioInit:      5000,
		RatioSecondCap: 100000,

		HotThreshold: 5000,
		PeriodMillis: 10000,

		WatchedReductionTenths: 5,
		CalledReduction:        1,

		MinInstallMillis:           1,
		PreemptWeight:              2,
		PreemptTimeReductionMillis: 10000,

		RandomSlotSearch:  false,
		PreemptionEnabled: true,
	}
}

// PersistedFileSuffix is appended to the executable path to locate the
// persisted historical profile, per spec.md §6.
const PersistedFileSuffix = "_callstack.info"

// DefaultPollInterval is a debounce interval for repeated faults; no
// code in this module reads it, and it is not part of the core
// scheduling algorithm.
const DefaultPollInterval = 50 * time.Millisecond
