// Package jittab implements the lock-light JIT table: an open-addressed
// hash from bytecode PC to native code address, with linear-probe chaining
// through an explicit per-slot next-index field.
//
// Reads (Lookup) take no lock. Allocate is serialized by a single
// table-wide mutex; InstallCode takes no lock and publishes with one atomic
// store. The publication ordering within a write is load-bearing: see the
// comments on Allocate and InstallCode.
package jittab

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"tracevm/bytecode"
)

// chainEnd is the chain-terminator sentinel. §9 suggests the table's own
// capacity (a value no valid slot index can take) but explicitly permits
// any "distinct optional index representation" so long as invariants 4-5
// hold; -1 reads unambiguously as "no next slot" without needing the
// table's capacity in scope at every chain-link site.
const chainEnd = -1

// entry is one slot of the table. dPC and codeAddress are each published at
// most once, and chain moves from the end sentinel to a successor index at
// most once, as documented on Allocate and InstallCode.
type entry struct {
	dPC         atomic.Pointer[bytecode.PC]
	codeAddress atomic.Uintptr
	chain       atomic.Int32
}

func (e *entry) key() *bytecode.PC {
	return e.dPC.Load()
}

// Table is the fixed-capacity PC -> native-address map. It never resizes
// after New.
type Table struct {
	entries []entry
	lock    sync.Mutex

	// suspended is "any thread has a non-zero suspend count" (§4.2, §5)
	// directly: a counter, not a flag, so that independent callers each
	// raising and lowering their own suspension never clobber one
	// another. While positive, Lookup always returns (0, false)
	// regardless of table state.
	suspended atomic.Int32

	hits   atomic.Int64
	misses atomic.Int64
	chains atomic.Int64
}

// New allocates a table of the given capacity with every slot's chain
// initialized to the end sentinel.
func New(capacity int) *Table {
	t := &Table{entries: make([]entry, capacity)}
	for i := range t.entries {
		t.entries[i].chain.Store(chainEnd)
	}
	return t
}

// Cap returns the table's fixed capacity.
func (t *Table) Cap() int { return len(t.entries) }

func hashIndex(pc bytecode.PC, n int) int {
	return int(xxhash.Sum64(pc.HashKey()) % uint64(n))
}

// Suspend raises the suspend count observed by Lookup; Resume lowers it.
// Each caller's Suspend/Resume pair is independent, matching §4.2's "if any
// thread has a non-zero suspend count."
func (t *Table) Suspend() { t.suspended.Inc() }
func (t *Table) Resume()  { t.suspended.Dec() }

// Lookup is the hot read path: no lock is taken. It returns the installed
// native address for pc, or ok=false if no slot exists yet, the slot's
// code has not been installed, or the table is currently suspended.
func (t *Table) Lookup(pc bytecode.PC) (addr uintptr, ok bool) {
	if t.suspended.Load() > 0 {
		return 0, false
	}
	e, found := t.findEntry(pc)
	if !found {
		t.misses.Add(1)
		return 0, false
	}
	a := e.codeAddress.Load()
	if a == 0 {
		t.misses.Add(1)
		return 0, false
	}
	t.hits.Add(1)
	return a, true
}

// findEntry walks the chain starting at hash(pc) mod N looking for a slot
// whose dPC equals pc. It takes no lock and relies solely on the
// publication ordering documented on Allocate: chain links are only
// followed to fully-initialized successors.
func (t *Table) findEntry(pc bytecode.PC) (*entry, bool) {
	idx := hashIndex(pc, len(t.entries))
	for {
		e := &t.entries[idx]
		key := e.key()
		if key != nil && *key == pc {
			return e, true
		}
		next := e.chain.Load()
		if next == chainEnd {
			return nil, false
		}
		idx = int(next)
	}
}

// AllocResult describes the outcome of Allocate.
type AllocResult int

const (
	// AllocOwnExisting means a slot for pc already existed; the caller
	// did not allocate a new one.
	AllocOwnExisting AllocResult = iota
	// AllocNew means a fresh slot was claimed for pc.
	AllocNew
	// AllocFull means the table has no room: a full linear-probe
	// revolution found no empty slot.
	AllocFull
)

// Allocate locates or claims a slot for pc, acquiring the table mutex for
// the duration of the chain walk and any mutation. It implements §4.4 step
// 3 (slot acquisition): re-walk the chain under lock (a concurrent writer
// may have appended since the lock-free pre-check), then either find pc
// already present, claim an empty primary bucket, or linearly probe with
// wraparound for an empty slot.
func (t *Table) Allocate(pc bytecode.PC) AllocResult {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, found := t.findEntryLocked(pc); found {
		return AllocOwnExisting
	}

	n := len(t.entries)
	idx := hashIndex(pc, n)
	primary := &t.entries[idx]

	if primary.key() == nil {
		t.claim(primary, pc)
		return AllocNew
	}

	// Walk to the chain tail from the primary bucket.
	tail := primary
	tailIdx := idx
	for {
		next := tail.chain.Load()
		if next == chainEnd {
			break
		}
		tailIdx = int(next)
		tail = &t.entries[tailIdx]
	}

	// Linearly probe, with wraparound, starting just past the primary
	// bucket, for an empty slot. A full revolution with no empty slot
	// means the table is full.
	for i := 1; i <= n; i++ {
		probe := (idx + i) % n
		slot := &t.entries[probe]
		if slot.key() == nil {
			// Publication order matters: the new slot is fully
			// initialized (dPC written, chain left at end) before
			// the predecessor's chain field links to it, so a
			// lock-free reader following the chain never observes
			// a partially-initialized successor.
			t.claim(slot, pc)
			tail.chain.Store(int32(probe))
			t.chains.Add(1)
			return AllocNew
		}
	}
	return AllocFull
}

func (t *Table) claim(e *entry, pc bytecode.PC) {
	key := pc
	e.chain.Store(chainEnd)
	e.dPC.Store(&key)
}

// findEntryLocked is findEntry's lock-held variant, used only from within
// Allocate where the caller already holds t.lock.
func (t *Table) findEntryLocked(pc bytecode.PC) (*entry, bool) {
	return t.findEntry(pc)
}

// InstallCode sets the native code address for a previously allocated slot.
// Its precondition, per §4.2, is that Allocate already returned AllocNew or
// AllocOwnExisting for pc; calling it for an unallocated pc is a programmer
// error and returns false.
//
// The store to codeAddress is the last write performed for the slot: once
// non-zero, readers may rely on the slot's dPC having already matched. A
// later call for the same pc leaves the first installed address in place.
func (t *Table) InstallCode(pc bytecode.PC, native uintptr) bool {
	e, found := t.findEntry(pc)
	if !found {
		return false
	}
	e.codeAddress.CompareAndSwap(0, native)
	return true
}

// Stats are the diagnostic counters §4.5 asks stats() to report for the
// table: occupied-slot count, chained-slot count, and lookup hit/miss
// totals.
type Stats struct {
	Capacity     int
	Occupied     int
	Chained      int64
	LookupHits   int64
	LookupMisses int64
}

// Snapshot reports the table's occupancy and lookup counters. It takes the
// table lock only to count occupied slots consistently with any concurrent
// Allocate; Lookup's counters are read with plain atomic loads outside that
// lock (advisory, per §5).
func (t *Table) Snapshot() Stats {
	t.lock.Lock()
	defer t.lock.Unlock()

	occupied := 0
	for i := range t.entries {
		if t.entries[i].key() != nil {
			occupied++
		}
	}
	return Stats{
		Capacity:     len(t.entries),
		Occupied:     occupied,
		Chained:      t.chains.Load(),
		LookupHits:   t.hits.Load(),
		LookupMisses: t.misses.Load(),
	}
}
