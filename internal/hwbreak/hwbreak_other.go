//go:build !linux

package hwbreak

// Install, Enable, DisableAndClose and PeekByte have no backend outside
// Linux: perf_event_open is a Linux-only syscall, and spec.md never asks
// for a portable breakpoint mechanism — only that the core degrade to
// counting-only mode when the facility is unavailable (spec.md §4.F
// edge case "no slots configured").

func Install(address uintptr, tid int, sig Signal) (Handle, error) {
	return Handle{}, ErrUnsupported
}

func Enable(h Handle) error { return ErrUnsupported }

func DisableAndClose(h Handle) error { return nil }

func PeekByte(address uintptr) byte { return 0 }
