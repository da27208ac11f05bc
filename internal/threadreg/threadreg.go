// Package threadreg implements the thread registry (spec.md §3, §4.D,
// component D): a fixed-size table of thread descriptors, an index
// allocator, and the alive-thread membership list every watchpoint
// install/disarm and every trap-handling path must enumerate under a
// process-wide reader/writer lock (G_RW in spec.md §5).
//
// Grounded on original_source/source/xthread.hh's thread_t table,
// allocThreadIndex, thread_create/threadExit and the two-party barrier
// handoff. The barrier-and-list dance is replaced with the channel-based
// creation-request pattern IreliaTable-gvisor's subprocess.go uses to
// hand a new OS thread its state before letting it run user code —
// adapted here from ptrace-stub bring-up to watchpoint-registry bring-up.
package threadreg

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/watchcause/causer/internal/wallclock"
)

// Descriptor is one thread's registry entry (spec.md §3 "thread
// descriptor"). index is stable for the descriptor's lifetime in the
// table; OSTid is filled in once the real thread reports in.
type Descriptor struct {
	Index     int
	Available bool

	OSTid      int
	StartedAt  int64
	barrier    chan struct{}
}

// Registry is the alive-thread table plus its allocator cursor, guarded
// by a single RWMutex (spec.md §5's G_RW).
type Registry struct {
	mu sync.RWMutex

	threads []Descriptor
	alive   map[int]*Descriptor // index -> descriptor, present iff alive
	cursor  int
	aliveN  int
}

// New builds a registry sized for maxThreads indices and registers the
// calling goroutine as the initial thread at index 0, mirroring
// xthread::initialize's initializeInitialThread.
func New(maxThreads int) *Registry {
	r := &Registry{
		threads: make([]Descriptor, maxThreads),
		alive:   make(map[int]*Descriptor, maxThreads),
	}
	for i := range r.threads {
		r.threads[i].Index = i
		r.threads[i].Available = true
	}
	d := &r.threads[0]
	d.Available = false
	d.OSTid = osThreadID()
	d.StartedAt = wallclock.NowMillis()
	r.alive[0] = d
	r.aliveN = 1
	r.cursor = 1 % len(r.threads)
	return r
}

// allocIndex finds the next available descriptor, rotating the cursor
// (xthread::allocThreadIndex's linear search). Caller must hold mu.
func (r *Registry) allocIndex() (int, error) {
	if r.aliveN >= len(r.threads) {
		return -1, fmt.Errorf("threadreg: alive thread limit reached (%d)", len(r.threads))
	}
	for i := 0; i < len(r.threads); i++ {
		idx := r.cursor
		r.cursor = (r.cursor + 1) % len(r.threads)
		if r.threads[idx].Available {
			return idx, nil
		}
	}
	return -1, fmt.Errorf("threadreg: no available descriptor despite aliveN < max")
}

// spawnRequest is the handoff message sent to the new goroutine so it can
// finish initializing itself before running the caller-supplied body,
// mirroring thread_t being populated by the parent and handed to
// xthread::startThread via its arg pointer.
type spawnRequest struct {
	descriptor *Descriptor
	onArmed    func(*Descriptor)
}

// Spawn allocates a descriptor, launches body in a new goroutine wrapped
// so the caller's onArmed hook (installing active watchpoints on the new
// thread) runs before body starts, and blocks the caller until the new
// goroutine has acknowledged the handoff — the barrier_wait pair in
// thread_create/startThread collapsed to a single rendezvous channel.
func (r *Registry) Spawn(onArmed func(*Descriptor), body func()) (*Descriptor, error) {
	r.mu.Lock()
	idx, err := r.allocIndex()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	d := &r.threads[idx]
	d.Available = false
	d.barrier = make(chan struct{})
	r.aliveN++
	r.mu.Unlock()

	req := spawnRequest{descriptor: d, onArmed: onArmed}

	go func(req spawnRequest) {
		// gettid() only stays valid for the life of this goroutine if it
		// never migrates to another OS thread; LockOSThread pins it,
		// standing in for the original's 1:1 pthread.
		runtime.LockOSThread()
		req.descriptor.OSTid = osThreadID()
		req.descriptor.StartedAt = wallclock.NowMillis()
		if req.onArmed != nil {
			req.onArmed(req.descriptor)
		}
		close(req.descriptor.barrier)
		body()
	}(req)

	<-d.barrier

	r.mu.Lock()
	r.alive[idx] = d
	r.mu.Unlock()

	return d, nil
}

// Exit removes a thread from the alive set and returns its index to the
// free pool (xthread::threadExit, minus the watchpoint-disarm step, which
// the caller performs first while the descriptor is still reachable via
// ForEachAlive).
func (r *Registry) Exit(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.alive, index)
	r.aliveN--
	d := &r.threads[index]
	*d = Descriptor{Index: index, Available: true}
}

// ForEachAlive calls fn for every currently-alive descriptor while
// holding the registry read lock, matching spec.md §5: "every arm/disarm
// of a slot, and the trap handler" reads under G_RW as a reader.
func (r *Registry) ForEachAlive(fn func(*Descriptor)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.alive {
		fn(d)
	}
}

// AliveCount reports the number of alive threads.
func (r *Registry) AliveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aliveN
}

// ByIndex returns the descriptor at index, regardless of liveness.
func (r *Registry) ByIndex(index int) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &r.threads[index]
}

// Capacity returns the fixed descriptor table size (T_max).
func (r *Registry) Capacity() int { return len(r.threads) }

// ReinitAfterFork implements spec.md §4.D's fork-safety requirement:
// "reset thread registry to the single surviving thread in the child".
// Called in the child immediately after fork, before any watchpoint is
// re-armed.
func (r *Registry) ReinitAfterFork() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.threads {
		r.threads[i] = Descriptor{Index: i, Available: true}
	}
	r.alive = make(map[int]*Descriptor, len(r.threads))
	r.cursor = 1 % len(r.threads)
	d := &r.threads[0]
	d.Available = false
	d.OSTid = osThreadID()
	d.StartedAt = wallclock.NowMillis()
	r.alive[0] = d
	r.aliveN = 1
}

// RLock/RUnlock expose the read side of the registry's G_RW directly for
// callers (watchtable) that need to extend a single critical section
// across a read of ForEachAlive's equivalent state and additional
// per-slot bookkeeping, honoring spec.md §5's lock-order rule "slot lock
// first, then G_RW as reader".
func (r *Registry) RLock()   { r.mu.RLock() }
func (r *Registry) RUnlock() { r.mu.RUnlock() }
