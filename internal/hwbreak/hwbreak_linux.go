//go:build linux

package hwbreak

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ptrAt(address uintptr) unsafe.Pointer {
	return unsafe.Pointer(address) //nolint:govet // intentional raw-address dereference for watched-byte peek
}

// Install opens a one-byte read/write hardware breakpoint on address for
// the thread identified by tid, disabled until Enable is called. sig is
// the signal the kernel will deliver to the owning thread when the event
// fires (spec.md §6: "length one byte; type read-or-write").
//
// Grounded on watchpoint.cpp's install_watchpoint: builds a
// perf_event_attr with PERF_TYPE_BREAKPOINT/HW_BREAKPOINT_RW/
// HW_BREAKPOINT_LEN_1, opens it scoped to tid across all CPUs, switches
// the resulting fd to async-signal delivery via fcntl, and pins delivery
// to the owning thread with F_SETOWN_EX/F_OWNER_TID.
func Install(address uintptr, tid int, sig Signal) (Handle, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_BREAKPOINT,
		Size:   uint32(unsafeSizeofPerfEventAttr),
		Bp_type: unix.HW_BREAKPOINT_RW,
		// Ext1/Ext2 alias the kernel's bp_addr/bp_len config1/config2
		// union members for PERF_TYPE_BREAKPOINT events.
		Ext1:         uint64(address),
		Ext2:         unix.HW_BREAKPOINT_LEN_1,
		Disabled:     1,
		Sample:       1, // sample_period = 1: notify on every occurrence
	}

	fd, err := unix.PerfEventOpen(&attr, tid, -1, -1, 0)
	if err != nil {
		return Handle{}, fmt.Errorf("hwbreak: perf_event_open addr=%#x tid=%d: %w", address, tid, err)
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		unix.Close(fd)
		return Handle{}, fmt.Errorf("hwbreak: fcntl F_GETFL: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
		unix.Close(fd)
		return Handle{}, fmt.Errorf("hwbreak: fcntl F_SETFL O_ASYNC: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETSIG, int(sig)); err != nil {
		unix.Close(fd)
		return Handle{}, fmt.Errorf("hwbreak: fcntl F_SETSIG: %w", err)
	}
	owner := unix.FOwnerEx{Type: unix.F_OWNER_TID, Pid: int32(tid)}
	if err := unix.FcntlFOwnerEx(uintptr(fd), unix.F_SETOWN_EX, &owner); err != nil {
		unix.Close(fd)
		return Handle{}, fmt.Errorf("hwbreak: fcntl F_SETOWN_EX: %w", err)
	}

	return Handle{fd: fd}, nil
}

// Enable arms a previously-installed breakpoint (watchpoint.cpp's
// enable_watchpoint: PERF_EVENT_IOC_ENABLE).
func Enable(h Handle) error {
	if !h.Valid() {
		return fmt.Errorf("hwbreak: enable of invalid handle")
	}
	return unix.IoctlSetInt(h.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// DisableAndClose disarms and releases a breakpoint's file descriptor
// (watchpoint.cpp's disable_watchpoint: PERF_EVENT_IOC_DISABLE then
// close). Safe to call on an already-invalid handle.
func DisableAndClose(h Handle) error {
	if !h.Valid() {
		return nil
	}
	ioctlErr := unix.IoctlSetInt(h.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	closeErr := unix.Close(h.fd)
	if ioctlErr != nil {
		return fmt.Errorf("hwbreak: disable: %w", ioctlErr)
	}
	if closeErr != nil {
		return fmt.Errorf("hwbreak: close: %w", closeErr)
	}
	return nil
}

// PeekByte reads the single byte currently at the watched address. The
// trap classification pipeline (component G) uses this, with the
// breakpoint momentarily disabled, to distinguish an over-read (the byte
// still equals the expected sentinel) from an over-write.
func PeekByte(address uintptr) byte {
	return *(*byte)(ptrAt(address))
}

const unsafeSizeofPerfEventAttr = 120 // matches unix.PerfEventAttr on amd64/arm64
