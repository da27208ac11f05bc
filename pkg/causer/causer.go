// Package causer wires components A through H and the two §6
// collaborators (the hardware-breakpoint facility and the allocator)
// behind a single public API, mirroring original_source/source/causer.hh
// and causer.cpp's causer singleton: allocate/free hooks, save/load
// history, fork safety, and thread spawn.
package causer

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/watchcause/causer/internal/callstack"
	"github.com/watchcause/causer/internal/guard"
	"github.com/watchcause/causer/internal/history"
	"github.com/watchcause/causer/internal/scheduler"
	"github.com/watchcause/causer/internal/selfmap"
	"github.com/watchcause/causer/internal/threadreg"
	"github.com/watchcause/causer/internal/trapclassify"
	"github.com/watchcause/causer/internal/watchtable"
	"github.com/watchcause/causer/internal/xdefines"
)

// BootstrapArenaBytes sizes the object-guard shim's pre-init bump-pointer
// region (spec.md §4.C).
const BootstrapArenaBytes = 1 << 20

// Option configures a Core at construction.
type Option func(*options)

type options struct {
	toolFileHint string
	appFileHint  string
	logger       *logrus.Logger
	allocator    guard.Allocator
}

// WithToolFileHint tells the process-map oracle how to recognize this
// tool's own mapping, so its own frames are skipped while fingerprinting
// (spec.md §4.A/§4.B).
func WithToolFileHint(hint string) Option {
	return func(o *options) { o.toolFileHint = hint }
}

// WithAppFileHint tells the process-map oracle how to recognize the
// hosting application's mapping, instead of relying on the
// first-mapping-is-main-exe heuristic.
func WithAppFileHint(hint string) Option {
	return func(o *options) { o.appFileHint = hint }
}

// WithLogger overrides the default logrus logger.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAllocator supplies the underlying allocator collaborator
// immediately rather than leaving the core in bootstrap-arena mode.
func WithAllocator(a guard.Allocator) Option {
	return func(o *options) { o.allocator = a }
}

// Core is the wired tool: every allocation an embedding program routes
// through OnAlloc/OnFree/OnRealloc is fingerprinted, possibly guarded by
// a hardware watchpoint, and tracked against the thread registry.
type Core struct {
	cfg    *xdefines.Config
	log    *logrus.Logger
	oracle *selfmap.Oracle

	sites    *callstack.Map
	shim     *guard.Shim
	registry *threadreg.Registry
	table    *watchtable.Table
	sched    *scheduler.Scheduler

	stopCrashHandler func()
	stopTrapHandler  func()
}

// New builds a fully-wired Core using cfg (nil selects xdefines.Default(),
// the design defaults). It resolves the process map immediately
// (spec.md §4.A) and is therefore fallible: "cannot read process map" is
// one of the two listed unrecoverable bootstrap failures.
func New(cfg *xdefines.Config, opts ...Option) (*Core, error) {
	if cfg == nil {
		cfg = xdefines.Default()
	}
	o := &options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(o)
	}

	oracle, err := selfmap.New(o.toolFileHint, o.appFileHint)
	if err != nil {
		return nil, fmt.Errorf("causer: bootstrap failure resolving process map: %w", err)
	}

	registry := threadreg.New(cfg.MaxAliveThreads)
	table := watchtable.New(cfg, registry)
	sites := callstack.NewMap(cfg)
	sched := scheduler.New(cfg, sites, table)

	shim := guard.NewShim(BootstrapArenaBytes)
	if o.allocator != nil {
		shim.SetAllocator(o.allocator)
	}

	c := &Core{
		cfg:      cfg,
		log:      o.logger,
		oracle:   oracle,
		sites:    sites,
		shim:     shim,
		registry: registry,
		table:    table,
		sched:    sched,
	}

	c.log.WithFields(logrus.Fields{
		"max_watchpoints":   cfg.MaxWatchpoints,
		"max_alive_threads": cfg.MaxAliveThreads,
		"main_executable":   oracle.MainExecutable(),
	}).Info("causer core initialized")

	return c, nil
}

// SetAllocator resolves the underlying allocator collaborator after
// construction, transitioning the guard shim out of bootstrap-arena mode
// (spec.md §4.C).
func (c *Core) SetAllocator(a guard.Allocator) {
	c.shim.SetAllocator(a)
	c.log.Info("underlying allocator resolved, leaving bootstrap arena")
}

// OnAlloc implements the allocator shim's on_alloc entry point: install
// the object guard header, fingerprint the calling site, run the
// scheduler's startWatch policy, and return the user pointer (spec.md
// §2's data-flow line: "allocator shim → C → B → F → E → return
// pointer").
func (c *Core) OnAlloc(size, align uintptr) (uintptr, error) {
	frame0, offset := callstack.GetCallsiteKey(2)
	site := c.sites.FindOrInsert(frame0, offset)

	userPtr, err := c.shim.Alloc(size, align, site)
	if err != nil {
		return 0, fmt.Errorf("causer: alloc: %w", err)
	}

	tail := guard.TailAddress(userPtr)
	installed, err := c.sched.StartWatch(context.Background(), site, tail)
	if err != nil {
		c.log.WithError(err).Warn("startWatch failed, allocation served unwatched")
	}

	c.log.WithFields(logrus.Fields{
		"user_ptr": fmt.Sprintf("%#x", userPtr),
		"size":     size,
		"watched":  installed,
	}).Trace("on_alloc")

	return userPtr, nil
}

// OnFree implements the allocator shim's on_free entry point: disarm any
// watchpoint on the object's tail sentinel, validate both sentinels, and
// return the underlying pointer to the allocator (spec.md's free-path
// data flow: "allocator shim → E → C → allocator shim").
func (c *Core) OnFree(userPtr uintptr) error {
	tail := guard.TailAddress(userPtr)
	if _, err := c.table.DisableByAddress(context.Background(), tail); err != nil {
		c.log.WithError(err).Warn("disarm on free failed")
	}

	site, violations, err := c.shim.Free(userPtr)
	if err != nil {
		return fmt.Errorf("causer: free: %w", err)
	}

	for _, v := range violations {
		if site != nil {
			scheduler.PinOverflow(c.cfg, site)
		}
		fmt.Fprintf(os.Stderr, "A buffer overflow problem is detected at free:\n  address %#x (%s sentinel)\n", userPtr, v.Kind)
		c.log.WithFields(logrus.Fields{
			"user_ptr": fmt.Sprintf("%#x", userPtr),
			"kind":     v.Kind,
		}).Error("sentinel mismatch detected at free")
	}

	return nil
}

// OnRealloc implements the allocator shim's realloc path: reallocate,
// copy, free the old allocation, re-fingerprint under the caller's
// current call site, and re-run startWatch against the new tail address.
func (c *Core) OnRealloc(userPtr uintptr, newSize uintptr) (uintptr, error) {
	frame0, offset := callstack.GetCallsiteKey(2)
	site := c.sites.FindOrInsert(frame0, offset)

	oldTail := guard.TailAddress(userPtr)
	c.table.DisableByAddress(context.Background(), oldTail)

	newPtr, _, err := c.shim.Realloc(userPtr, newSize, site)
	if err != nil {
		return 0, fmt.Errorf("causer: realloc: %w", err)
	}

	tail := guard.TailAddress(newPtr)
	if _, err := c.sched.StartWatch(context.Background(), site, tail); err != nil {
		c.log.WithError(err).Warn("startWatch failed after realloc")
	}
	return newPtr, nil
}

// SaveHistory persists the current call-site map to path (spec.md §6).
func (c *Core) SaveHistory(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("causer: save history: %w", err)
	}
	defer f.Close()

	if err := history.Save(f, c.cfg, c.sites, c.oracle); err != nil {
		return fmt.Errorf("causer: save history: %w", err)
	}
	c.log.WithField("path", path).WithField("entries", c.sites.Count()).Info("history saved")
	return nil
}

// LoadHistory loads a persisted call-site profile into this core's map
// (spec.md §6, normally called once at startup before any allocation).
// A missing file is not an error — the original's loadHistoryInfo
// silently no-ops when the file can't be opened.
func (c *Core) LoadHistory(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("causer: load history: %w", err)
	}
	defer f.Close()

	n, err := history.Load(f, c.sites, c.oracle)
	if err != nil {
		return fmt.Errorf("causer: load history: %w", err)
	}
	c.log.WithField("path", path).WithField("entries", n).Info("history loaded")
	return nil
}

// HistoryPath returns the conventional persisted-history path for exePath
// (spec.md §6: executable path plus a fixed suffix).
func HistoryPath(exePath string) string {
	return exePath + xdefines.PersistedFileSuffix
}

// SpawnThread creates a new OS thread, arming every currently-installed
// watchpoint on it before body runs (spec.md §4.D/S6).
func (c *Core) SpawnThread(body func()) error {
	_, err := c.registry.Spawn(func(d *threadreg.Descriptor) {
		if err := c.table.InstallOnThread(d); err != nil {
			c.log.WithError(err).Error("failed installing watchpoints on new thread")
		}
	}, body)
	return err
}

// BeforeFork disarms every watchpoint across every alive thread in
// preparation for fork (spec.md §4.D's fork-safety requirement).
func (c *Core) BeforeFork() {
	c.table.DisableAllForFork(context.Background())
}

// AfterForkParent re-arms watchpoints in the parent after a fork; since
// fork doesn't change the parent's own thread set, this re-installs each
// slot BeforeFork left disarmed-but-assigned (spec.md §4.D/§5: "disarm
// all watchpoints before fork ... re-armed in the parent"). Go processes
// essentially never fork+continue in-process (syscall.ForkExec always
// execs), so this exists for completeness with spec.md §4.D rather than
// an expected call path.
func (c *Core) AfterForkParent() error {
	if err := c.table.RearmAfterFork(context.Background()); err != nil {
		return fmt.Errorf("causer: rearm after fork: %w", err)
	}
	return nil
}

// AfterForkChild resets the thread registry to the single surviving
// thread and re-initializes the process-map oracle (spec.md §4.D: "reset
// thread registry to the single surviving thread in the child").
func (c *Core) AfterForkChild(toolFileHint, appFileHint string) error {
	c.registry.ReinitAfterFork()
	return c.oracle.Reinit(toolFileHint, appFileHint)
}

// InstallTrapHandler wires the end-to-end trap-classification pipeline
// spec.md's PURPOSE names: kernel SIGTRAP delivery -> classification ->
// reporting the offending instruction pointer and the owning call
// site's stack. Go's os/signal strips siginfo_t, so unlike the
// original's SA_SIGINFO handler (trapHandler in
// original_source/source/watchpoint.cpp) this goroutine cannot recover
// the exact trapping instruction pointer or thread; instead, on every
// delivery it walks each currently-installed slot (component E),
// classifies the access as over-read or over-write by peeking the tail
// sentinel (component G step 2a), and — for a non-benign over-write —
// pins the owning call site and reports through onReport. Returns a stop
// function.
func (c *Core) InstallTrapHandler(onReport func(trapclassify.Report)) (stop func()) {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.Signal(watchtable.TrapSignal))

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				c.classifyTrap(onReport)
			case <-done:
				return
			}
		}
	}()

	c.stopTrapHandler = func() {
		signal.Stop(ch)
		close(done)
	}
	return c.stopTrapHandler
}

// classifyTrap runs component G's classification over every
// currently-installed slot; see InstallTrapHandler's doc comment for why
// this is slot-driven rather than IP-driven.
func (c *Core) classifyTrap(onReport func(trapclassify.Report)) {
	frames := callstack.GetCallsites(3, c.cfg.MaxCallstackDepth)
	var faultingIP uintptr
	var faultingClass selfmap.Classification
	if len(frames) > 0 {
		faultingIP = frames[0]
		faultingClass, _ = c.oracle.Classify(faultingIP)
	}

	for _, w := range c.table.WatchedSlots() {
		kind := trapclassify.PeekAccessKind(func() byte {
			return *(*byte)(unsafe.Pointer(w.Address))
		})

		verdict := trapclassify.Verdict{}
		if faultingIP != 0 {
			verdict = c.classifyFrame(faultingIP)
		}
		if verdict.Benign {
			c.log.WithField("reason", verdict.Reason).Trace("trap classified benign")
			continue
		}

		if w.Site != nil {
			scheduler.PinOverflow(c.cfg, w.Site)
		}

		report := trapclassify.Report{
			Kind:            kind,
			FaultingIP:      faultingIP,
			FaultingClass:   faultingClass,
			OffendingFrames: frames,
		}
		if w.Site != nil {
			w.Site.Lock()
			report.OwningFrames = append([]uintptr(nil), w.Site.FramesSlice()...)
			w.Site.Unlock()
		}

		fmt.Fprintf(os.Stderr, "A buffer over-write problem is detected at:\n  address %#x (%s)\n", w.Address, kind)
		c.log.WithFields(logrus.Fields{
			"address": fmt.Sprintf("%#x", w.Address),
			"kind":    kind.String(),
		}).Error("overflow detected")
		onReport(report)
	}
}

// classifyFrame applies component G's benign-whitelist checks (glibc
// offset table, glibc symbol substrings, dynamic-loader exemption) to a
// single frame's instruction pointer, using the process-map oracle to
// resolve which mapping it falls in.
func (c *Core) classifyFrame(ip uintptr) trapclassify.Verdict {
	class, offset := c.oracle.Classify(ip)
	if class == selfmap.Libc {
		if v := trapclassify.ClassifyAddress(uint64(offset), ""); v.Benign {
			return v
		}
	}
	if m, ok := c.oracle.MappingByAddress(ip); ok {
		if v := trapclassify.ClassifyFrame(m.File); v.Benign {
			return v
		}
	}
	return trapclassify.Verdict{}
}

// InstallCrashHandler wires the optional SEGV/ABRT diagnostic supplement
// (SPEC_FULL.md's "end-of-run memory-wide sentinel scan" sibling
// feature).
func (c *Core) InstallCrashHandler() {
	c.stopCrashHandler = trapclassify.InstallCrashHandler(func(r trapclassify.CrashReport) {
		c.log.WithField("signal", r.Signal).WithField("frames", len(r.Frames)).Error("fatal signal caught")
	})
}

// Close stops any background goroutines the core started (the crash
// handler and trap handler observers).
func (c *Core) Close() {
	if c.stopCrashHandler != nil {
		c.stopCrashHandler()
	}
	if c.stopTrapHandler != nil {
		c.stopTrapHandler()
	}
	runtime.KeepAlive(c)
}

// ScanRegion runs the end-of-run memory-wide sentinel scan supplement
// over an arbitrary byte region (SPEC_FULL.md's supplemented
// checkAllMemory feature).
func (c *Core) ScanRegion(data []byte) []guard.Violation {
	return guard.ScanRegion(data, uintptr(^uint(0)>>1))
}
