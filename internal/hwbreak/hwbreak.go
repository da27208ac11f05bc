// Package hwbreak is the hardware-breakpoint facility collaborator named
// throughout spec.md §6: install a one-byte read/write breakpoint on a
// given address for a given OS thread, enable it, and later disable and
// close it. Grounded directly on original_source/source/watchpoint.cpp's
// install_watchpoint/enable_watchpoint/disable_watchpoint, which use
// Linux's perf_event_open rather than ptrace debug registers.
package hwbreak

import "fmt"

// Signal is the signal number the kernel delivers when the breakpoint
// fires. The original hardcodes SIGTRAP (WP_SIGNAL in xdefines.hh); kept
// as a parameter so a test harness can pick an unused real-time signal.
type Signal int

// Handle is an installed-but-not-yet-enabled breakpoint file descriptor.
type Handle struct {
	fd int
}

// Valid reports whether h refers to an open perf_event file descriptor.
func (h Handle) Valid() bool { return h.fd > 2 }

// ErrUnsupported is returned by Install on platforms with no hardware
// breakpoint backend (see hwbreak_other.go).
var ErrUnsupported = fmt.Errorf("hwbreak: hardware breakpoints unsupported on this platform")
