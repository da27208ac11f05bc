//go:build linux

package threadreg

import "golang.org/x/sys/unix"

// osThreadID returns the kernel thread id backing the calling goroutine,
// mirroring xthread::initializeCurrentThread's syscall(__NR_gettid). Note
// this is only meaningful immediately after the goroutine is locked to
// its OS thread (Spawn's wrapper does this via runtime.LockOSThread so
// the reported tid stays valid for the thread's lifetime).
func osThreadID() int {
	return unix.Gettid()
}
