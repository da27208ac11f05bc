// Package spinlock implements a busy-wait mutual exclusion primitive for
// the short critical sections spec.md §3/§5 calls out explicitly: per-
// call-site counter updates and per-slot field mutation. These sections
// are a handful of instructions long and are taken from signal/trap
// context in original_source/source/watchpoint.cpp, where blocking on a
// scheduler-visible mutex is undesirable; a spin loop over an atomic flag
// mirrors the pthread_spinlock_t the original uses
// (original_source/source/spinlock.hh).
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// T is a non-reentrant spinlock. Zero value is unlocked.
type T struct {
	state atomic.Bool
}

// Lock spins until the lock is acquired, yielding the OS thread
// periodically so a contended lock doesn't starve the holder on a
// single-core runtime.
func (s *T) Lock() {
	spins := 0
	for !s.state.CompareAndSwap(false, true) {
		spins++
		if spins%64 == 0 {
			runtime.Gosched()
		}
	}
}

// TryLock attempts to acquire the lock without blocking.
func (s *T) TryLock() bool {
	return s.state.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an unlocked spinlock is a no-op.
func (s *T) Unlock() {
	s.state.Store(false)
}
