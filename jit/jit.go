// Package jit wires the profile table, JIT table, trace assembler, and
// compiler queue into the process-wide runtime context: the request gate
// (C4) and the lifecycle/diagnostic surface (C5).
package jit

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"tracevm/bytecode"
	"tracevm/compiler"
	"tracevm/jittab"
	"tracevm/profile"
	"tracevm/trace"
)

// ExecutionMode selects whether the interpreter runs with JIT support
// enabled at all.
type ExecutionMode int

const (
	Interpret ExecutionMode = iota
	JIT
)

// ProfileStalenessThreshold is the maximum age, in microseconds, a profile
// table may reach before the request gate forces a reset.
const ProfileStalenessThreshold = 250_000

// Config enumerates the external configuration surface (§6).
type Config struct {
	MaxTableEntries   int
	ProfileSize       int
	Threshold         byte
	BlockingMode      bool
	ExecutionMode     ExecutionMode
	CompilerHighWater int
}

// exitCounters are the advisory, racy exit-category counters §4.5 and the
// supplemented EXIT_STATS naming ask stats() to report.
type exitCounters struct {
	noChainExit atomic.Int64
	normalExit  atomic.Int64
	puntExit    atomic.Int64
}

// ExitStats is a point-in-time snapshot of the exit-category counters.
type ExitStats struct {
	NoChainExit int64
	NormalExit  int64
	PuntExit    int64
}

// Stats is the snapshot returned by Runtime.Stats.
type Stats struct {
	Table          jittab.Stats
	QueueLen       int
	QueueHighWater int64
	Threshold      byte
	BlockingMode   bool
	ExitStats      ExitStats
}

var (
	// ErrAlreadyShutdown is returned by every call to Shutdown after the
	// first; the runtime never re-initializes.
	ErrAlreadyShutdown = errors.New("jit: runtime already shut down")
)

// Runtime is the process-wide singleton context (§9 design note): callers
// are expected to construct exactly one and share it across interpreter
// threads.
type Runtime struct {
	cfg Config
	log *logrus.Entry

	table   *jittab.Table
	profile *profile.Holder
	queue   *compiler.Queue

	started  atomic.Bool
	shutdown atomic.Bool
	killed   atomic.Bool

	exit exitCounters
}

// New constructs a Runtime from its configuration. Startup must be called
// before it is used.
func New(cfg Config, log *logrus.Entry) *Runtime {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runtime{cfg: cfg, log: log}
}

// Startup allocates the JIT table, starts the compiler worker, and, when
// ExecutionMode is JIT, allocates the profile table. It is an error to call
// Startup more than once.
func (rt *Runtime) Startup(ctx context.Context) error {
	if rt.started.Swap(true) {
		return fmt.Errorf("jit: startup called twice")
	}
	if rt.cfg.MaxTableEntries <= 0 {
		return fmt.Errorf("jit: maxTableEntries must be positive")
	}

	rt.table = jittab.New(rt.cfg.MaxTableEntries)
	rt.queue = compiler.NewQueue(rt.cfg.CompilerHighWater, rt.table, rt.log)
	rt.queue.Start(ctx)

	if rt.cfg.ExecutionMode == JIT {
		tbl := profile.New(rt.cfg.ProfileSize, rt.cfg.Threshold)
		rt.profile = profile.NewHolder(tbl)
	}
	return nil
}

// NewAssembler builds a per-thread trace assembler wired to this runtime's
// compiler queue, ready for CheckRequest/Step use by one interpreter
// thread.
func (rt *Runtime) NewAssembler() *trace.Assembler {
	return &trace.Assembler{
		State:      trace.Off,
		Blocking:   rt.cfg.BlockingMode,
		Enqueuer:   rt.queue,
		KillSwitch: killSwitchFunc(rt.StopTranslationRequests),
	}
}

// killSwitchFunc adapts a method value to trace.KillSwitch.
type killSwitchFunc func()

func (f killSwitchFunc) Kill() { f() }

// CheckRequest is the request gate (§4.4): called before the interpreter
// decides whether to continue interpreting or poll the JIT table. It
// returns true iff the caller must bail to the safe, non-JIT path.
func (rt *Runtime) CheckRequest(asm *trace.Assembler, pc bytecode.PC, debuggerActive, suspended bool) bool {
	// 1. Abort gate.
	if rt.queue.AboveHighWater() || debuggerActive || suspended {
		asm.State = trace.Normal
		return false
	}

	// 2. Staleness check.
	if rt.profile != nil {
		if live := rt.profile.Live(); live != nil && live.Stale(ProfileStalenessThreshold) {
			live.Reset(rt.cfg.Threshold)
			asm.State = trace.Normal
			return false
		}
	}

	// 3. Slot acquisition.
	if asm.State == trace.SelectRequest {
		switch rt.table.Allocate(pc) {
		case jittab.AllocOwnExisting:
			asm.State = trace.TSelectAbort
		case jittab.AllocFull:
			asm.State = trace.TSelectAbort
			rt.StopTranslationRequests()
			rt.log.Warn("jit: JitTable full, disabling profiling")
		case jittab.AllocNew:
			// handled by state promotion below
		}
	}

	// 4. State promotion.
	if asm.State == trace.SelectRequest {
		asm.Begin(pc)
	}

	// 5. Return value.
	return asm.State == trace.TSelect || asm.State == trace.TSelectAbort
}

// Check is the trace-assembler step (§4.3), exposed directly since all of
// its state lives on the per-thread Assembler already.
func (rt *Runtime) Check(asm *trace.Assembler, pc bytecode.PC, debuggerActive, suspended bool) bool {
	return asm.Step(pc, debuggerActive, suspended)
}

// ProfileHit feeds pc to the profile table (C1) the way the interpreter
// does on a branch or switch instruction: it decrements the counter at
// hash(pc) mod P and reports whether it just reached zero. With JIT
// disabled, or after the kill-switch has fired, it always reports false.
func (rt *Runtime) ProfileHit(pc bytecode.PC) bool {
	if rt.profile == nil {
		return false
	}
	live := rt.profile.Live()
	if live == nil {
		return false
	}
	idx := profile.Index(pc.HashKey(), len(live.Counts))
	return live.Hit(idx)
}

// GetCodeAddr is the hot lookup (§4.2, §6): it returns false while any
// thread is suspended, even for an installed slot.
func (rt *Runtime) GetCodeAddr(pc bytecode.PC) (uintptr, bool) {
	return rt.table.Lookup(pc)
}

// Suspend raises the JIT table's shared suspend count; Resume lowers it.
// The interpreter calls these around a suspension window (GC safepoint,
// debugger stop) so that GetCodeAddr never hands back translated code
// while any thread is suspended (§4.2, §5).
func (rt *Runtime) Suspend() { rt.table.Suspend() }
func (rt *Runtime) Resume()  { rt.table.Resume() }

// SetCodeAddr installs a compiled translation; exposed for callers (such as
// a test double compiler) standing in for compiler.Queue's own worker.
func (rt *Runtime) SetCodeAddr(pc bytecode.PC, native uintptr) bool {
	return rt.table.InstallCode(pc, native)
}

// StopTranslationRequests is the one-shot kill-switch (§4.1, §4.5): it
// nulls the live profile pointer and is idempotent, since the runtime may
// reach it from several different abort paths.
func (rt *Runtime) StopTranslationRequests() {
	if rt.killed.Swap(true) {
		return
	}
	if rt.profile != nil {
		rt.profile.Kill()
	}
}

// Shutdown stops the compiler worker and tears the runtime down
// deterministically. The runtime must not be reused afterward.
func (rt *Runtime) Shutdown() error {
	if rt.shutdown.Swap(true) {
		return ErrAlreadyShutdown
	}
	stats := rt.Stats()
	rt.log.WithFields(logrus.Fields{
		"slots":    stats.Table.Occupied,
		"capacity": stats.Table.Capacity,
		"chained":  stats.Table.Chained,
	}).Info("jit: shutting down")
	return rt.queue.Stop()
}

// Stats reports the diagnostic surface §4.5 asks for.
func (rt *Runtime) Stats() Stats {
	s := Stats{
		Threshold:      rt.cfg.Threshold,
		BlockingMode:   rt.cfg.BlockingMode,
		QueueHighWater: int64(rt.cfg.CompilerHighWater),
		ExitStats: ExitStats{
			NoChainExit: rt.exit.noChainExit.Load(),
			NormalExit:  rt.exit.normalExit.Load(),
			PuntExit:    rt.exit.puntExit.Load(),
		},
	}
	if rt.table != nil {
		s.Table = rt.table.Snapshot()
		s.QueueLen = rt.queue.Len()
	}
	return s
}

// RecordExit bumps the advisory exit-category counters the interpreter
// reports after leaving translated code.
func (rt *Runtime) RecordExit(kind ExitKind) {
	switch kind {
	case ExitNoChain:
		rt.exit.noChainExit.Add(1)
	case ExitNormal:
		rt.exit.normalExit.Add(1)
	case ExitPunt:
		rt.exit.puntExit.Add(1)
	}
}

// ExitKind enumerates the exit categories the supplemented stats surface
// distinguishes.
type ExitKind int

const (
	ExitNoChain ExitKind = iota
	ExitNormal
	ExitPunt
)
