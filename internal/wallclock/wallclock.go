// Package wallclock gives the scheduler a single millisecond-resolution
// clock source. spec.md §9 notes the algorithm only assumes millisecond
// resolution and monotonic advance within a run, so this wraps time.Now's
// monotonic reading rather than clock_gettime(CLOCK_REALTIME) the way
// original_source/source/xdefines.hh's getCurrentTime() does.
package wallclock

import "time"

var epoch = time.Now()

// NowMillis returns milliseconds elapsed since the package was loaded.
// Using an in-process epoch (rather than wall-clock epoch) keeps the
// values small and avoids any dependence on the system clock being
// set correctly, while still advancing monotonically within a run.
func NowMillis() int64 {
	return time.Since(epoch).Milliseconds()
}
