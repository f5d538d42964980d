// Package profile implements the fixed-size profile (hotness) table: an
// array of per-PC-hash counters that the interpreter decrements on every
// eligible branch-target instruction. Reaching zero signals a hot PC.
//
// All counter access is intentionally unsynchronized. Counters are hints:
// a lost update only delays or accelerates promotion, and adding atomics
// here would change observed throughput behavior for no correctness gain.
package profile

import (
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
)

// Table is a fixed-length array of per-PC counters, indexed by
// hash(pc) mod len(Counts).
//
// Counts is deliberately a plain slice, not an atomic type: writes race by
// design (see package doc).
type Table struct {
	Counts []byte

	// LastReset is a microsecond timestamp of the last full reset, held
	// in an atomic (unlike the counters) and only ever written by Reset.
	LastReset atomic.Int64
}

// New allocates a Table of the given size, already reset to threshold.
func New(size int, threshold byte) *Table {
	t := &Table{Counts: make([]byte, size)}
	t.Reset(threshold)
	return t
}

// Reset rewrites every counter to threshold and stamps LastReset to the
// current monotonic microsecond time.
func (t *Table) Reset(threshold byte) {
	for i := range t.Counts {
		t.Counts[i] = threshold
	}
	t.LastReset.Store(nowMicros())
}

// Index returns the slot a PC's stable byte encoding hashes to.
func Index(key []byte, size int) int {
	return int(xxhash.Sum64(key) % uint64(size))
}

// Hit decrements the counter at idx and reports whether it reached zero,
// i.e. whether the PC just became hot. The decrement and the zero test are
// not atomic with respect to concurrent callers on the same index; a lost
// decrement simply delays promotion by one encounter, which is the
// documented, acceptable behavior of this table.
func (t *Table) Hit(idx int) bool {
	if t.Counts[idx] == 0 {
		return true
	}
	t.Counts[idx]--
	return t.Counts[idx] == 0
}

// Stale reports whether the table has gone unreset for longer than
// threshold (microseconds), relative to the current time.
func (t *Table) Stale(threshold int64) bool {
	return nowMicros()-t.LastReset.Load() > threshold
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}

// Holder is the kill-switch-aware container C5 manages: a live pointer the
// interpreter reads through, and a copy pointer retained solely so that
// readers who already dereferenced Live before the kill-switch fired keep a
// valid table. Neither pointer is ever freed explicitly; Go's GC reclaims
// the backing array once the last reader drops it, but the *design* treats
// this as an intentional leak of the live reference during the window
// between the kill-switch store and the last outstanding reader — matching
// the source's leaked-on-purpose behavior under a collected runtime.
type Holder struct {
	live atomic.Pointer[Table]
	copy atomic.Pointer[Table]
}

// NewHolder wraps an already-allocated Table for interpreter use.
func NewHolder(t *Table) *Holder {
	h := &Holder{}
	h.live.Store(t)
	h.copy.Store(t)
	return h
}

// Live returns the current live table, or nil once the kill-switch has
// fired.
func (h *Holder) Live() *Table {
	return h.live.Load()
}

// Kill atomically nulls the live pointer. The copy pointer is left intact
// and is never cleared; Holder has no accessor for it.
func (h *Holder) Kill() {
	h.live.Store(nil)
}

// Killed reports whether the kill-switch has fired.
func (h *Holder) Killed() bool {
	return h.live.Load() == nil
}
