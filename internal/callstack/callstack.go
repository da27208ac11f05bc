// Package callstack implements the call-stack fingerprint and call-site
// statistics engine (spec.md §3, §4.B, component B). It captures a short
// call stack at allocation time, hashes it into a stable key, and stores
// per-call-site statistics in a bucketed, per-bucket-locked hash table.
//
// Grounded on original_source/source/causer.cpp's getCallSiteKey/
// getCallsites and original_source/source/xdefines.hh's callstack struct.
// Frame capture uses runtime.Callers rather than frame-pointer walking:
// spec.md §4.B explicitly permits either "as long as the result is a
// sequence of return addresses ... with tool frames stripped", and
// runtime.Callers is the idiomatic unwinder in Go. The original's
// stack-offset discriminator (a byte distance on the raw stack, cached
// after the first walk since the call depth above a given call site is
// fixed) is realized here as the PC of the call site's immediate caller:
// two sites that share their topmost application frame but are reached
// from different call chains differ in who calls them next, which is
// exactly the case the discriminator exists to split.
package callstack

import (
	"runtime"

	"github.com/watchcause/causer/internal/spinlock"
	"github.com/watchcause/causer/internal/wallclock"
	"github.com/watchcause/causer/internal/xdefines"
)

// Record is one call-site's aggregate statistics and policy state
// (spec.md §3 "Callsite record").
type Record struct {
	Depth   int
	Frames  [xdefines_MaxDepth]uintptr
	Offset  uint64
	Hash    uint64

	CalledCounter  int64
	WatchedCounter int64
	WatchedRatio   int64

	PeriodStart  int64
	PeriodCalled int64

	lock spinlock.T
}

// xdefines_MaxDepth is the compile-time array capacity backing
// Config.MaxCallstackDepth; the design default is 14 and Config values
// larger than this are clamped by GetCallsites and PopulateFrames.
const xdefines_MaxDepth = 14

// FramesSlice returns the populated prefix of Frames.
func (r *Record) FramesSlice() []uintptr { return r.Frames[:r.Depth] }

// Lock/Unlock expose the per-record spinlock for callers (scheduler,
// guard) that need to read-modify-write counters atomically as a group.
func (r *Record) Lock()   { r.lock.Lock() }
func (r *Record) Unlock() { r.lock.Unlock() }

// equal implements spec.md §3's equality: "frames[0]==frames[0] AND
// offset==offset" — deliberately partial, not full structural equality.
func equal(frame0 uintptr, offset uint64, r *Record) bool {
	return r.Frames[0] == frame0 && r.Offset == offset
}

func mix(frame0 uintptr, offset uint64) uint64 {
	h := uint64(frame0)
	h ^= offset + 0x9e3779b97f4a7c15 + (h << 6) + (h >> 2)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}

type bucket struct {
	lock spinlock.T
	recs []*Record
}

// Map is the call-site map: a bucketed hash table keyed by callsite
// equality, with per-bucket locking (spec.md §3 "call-site map").
type Map struct {
	cfg     *xdefines.Config
	mask    uint64
	buckets []bucket
}

// NewMap builds a call-site map with cfg.CallsiteMapBuckets buckets,
// rounded up to the next power of two if necessary.
func NewMap(cfg *xdefines.Config) *Map {
	n := cfg.CallsiteMapBuckets
	if n <= 0 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return &Map{
		cfg:     cfg,
		mask:    uint64(p - 1),
		buckets: make([]bucket, p),
	}
}

// FindOrInsert looks up the record for (frame0, offset), creating one
// seeded with RatioInit if absent (spec.md §4.B: "On insert it
// initializes watched_ratio to R_init, other counters to 0, and leaves
// depth = 0").
func (m *Map) FindOrInsert(frame0 uintptr, offset uint64) *Record {
	h := mix(frame0, offset)
	b := &m.buckets[h&m.mask]

	b.lock.Lock()
	defer b.lock.Unlock()

	for _, r := range b.recs {
		if equal(frame0, offset, r) {
			return r
		}
	}

	r := &Record{
		Offset:       offset,
		Hash:         h,
		WatchedRatio: int64(m.cfg.RatioInit),
		PeriodStart:  wallclock.NowMillis(),
	}
	r.Frames[0] = frame0
	r.Depth = 0 // deep frames filled in lazily by the scheduler
	b.recs = append(b.recs, r)
	return r
}

// ForEach calls fn for every record currently in the map. Used by
// history persistence; iteration order is unspecified.
func (m *Map) ForEach(fn func(*Record)) {
	for i := range m.buckets {
		b := &m.buckets[i]
		b.lock.Lock()
		recs := append([]*Record(nil), b.recs...)
		b.lock.Unlock()
		for _, r := range recs {
			fn(r)
		}
	}
}

// Count returns the total number of records across all buckets.
func (m *Map) Count() int {
	n := 0
	for i := range m.buckets {
		b := &m.buckets[i]
		b.lock.Lock()
		n += len(b.recs)
		b.lock.Unlock()
	}
	return n
}

// Insert adds a fully-formed record (used by history loading), skipping
// the RatioInit seeding FindOrInsert performs.
func (m *Map) Insert(r *Record) {
	r.Hash = mix(r.Frames[0], r.Offset)
	b := &m.buckets[r.Hash&m.mask]
	b.lock.Lock()
	b.recs = append(b.recs, r)
	b.lock.Unlock()
}

// GetCallsiteKey is fingerprint primitive 1 (spec.md §4.B): returns the
// topmost application frame above the tool's own call chain and a
// discriminator distinguishing call chains that share that frame. skip is
// the number of calling frames (within this package and its caller, the
// scheduler) to elide before frame0; callers pass the constant depth from
// their own call site to StartWatch.
func GetCallsiteKey(skip int) (frame0 uintptr, offset uint64) {
	var pcs [2]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	if n == 0 {
		return 0, 0
	}
	frame0 = pcs[0]
	if n > 1 {
		offset = uint64(pcs[1])
	}
	return frame0, offset
}

// GetCallsites is fingerprint primitive 2 (spec.md §4.B): fills deeper
// frames on demand, coalescing consecutive identical frames (recursion
// collapse), up to maxDepth entries.
func GetCallsites(skip, maxDepth int) []uintptr {
	if maxDepth > xdefines_MaxDepth {
		maxDepth = xdefines_MaxDepth
	}
	raw := make([]uintptr, maxDepth+8)
	n := runtime.Callers(skip+1, raw)
	raw = raw[:n]

	out := make([]uintptr, 0, maxDepth)
	for i, pc := range raw {
		if len(out) >= maxDepth {
			break
		}
		if i > 0 && pc == raw[i-1] {
			continue // recursion collapse
		}
		out = append(out, pc)
	}
	return out
}

// PopulateFrames fills r.Frames/r.Depth from a captured slice, clamping to
// the record's array capacity.
func (r *Record) PopulateFrames(frames []uintptr) {
	n := len(frames)
	if n > len(r.Frames) {
		n = len(r.Frames)
	}
	copy(r.Frames[:n], frames[:n])
	r.Depth = n
}
