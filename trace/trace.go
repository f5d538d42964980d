// Package trace implements the per-thread trace assembler: the state
// machine that, instruction by instruction, builds a single-entry,
// multi-exit trace descriptor while the interpreter runs ahead of it.
package trace

import (
	"fmt"

	"tracevm/bytecode"
)

// MaxTraceLen bounds the total number of instructions a single trace may
// accumulate before it is forcibly closed.
const MaxTraceLen = 100

// Hint is advisory information the (out-of-scope) compiler may attach
// meaning to; the assembler never sets anything but HintNone.
type Hint int

// HintNone is the only value the assembler ever produces for Run.Hint;
// the compiler, not this package, is free to interpret other values.
const HintNone Hint = 0

// Run is a contiguous, straight-line fragment of a trace, wholly within one
// method.
type Run struct {
	StartOffset int
	NumInsts    int
	RunEnd      bool
	Hint        Hint
}

// Descriptor is a completed trace: the owning method plus its ordered
// runs. A Descriptor is handed off to the compiler on completion;
// ownership transfers to whatever accepted it via Enqueuer.
type Descriptor struct {
	Method *bytecode.Method
	Runs   []Run
}

// TotalInsts sums NumInsts across every run, the quantity Testable
// Property 5 bounds by MaxTraceLen.
func (d *Descriptor) TotalInsts() int {
	n := 0
	for _, r := range d.Runs {
		n += r.NumInsts
	}
	return n
}

// State is the per-thread trace-assembler state. It is modeled as a tagged
// enumeration, not a set of booleans, so that an unhandled value is a
// detectable programmer error rather than a silently-wrong combination of
// flags.
type State int

const (
	Off State = iota
	Normal
	SelectRequest
	TSelect
	TSelectEnd
	TSelectAbort
	SingleStep
	SingleStepEnd
)

func (s State) String() string {
	switch s {
	case Off:
		return "Off"
	case Normal:
		return "Normal"
	case SelectRequest:
		return "SelectRequest"
	case TSelect:
		return "TSelect"
	case TSelectEnd:
		return "TSelectEnd"
	case TSelectAbort:
		return "TSelectAbort"
	case SingleStep:
		return "SingleStep"
	case SingleStepEnd:
		return "SingleStepEnd"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Enqueuer is the compiler work-queue contract as seen from the
// perspective of a trace finishing assembly: hand off a descriptor, and
// optionally wait for the queue to drain in blocking mode.
type Enqueuer interface {
	Enqueue(desc *Descriptor) error
	DrainQueue()
}

// KillSwitch is invoked when descriptor hand-off fails (queue full,
// backing allocation failure) or when the table-full path elsewhere fires;
// the assembler itself never decides to fire it for any other reason.
type KillSwitch interface {
	Kill()
}

// Assembler holds one thread's trace-in-progress state. It is not
// goroutine-safe; each interpreter thread owns exactly one Assembler.
type Assembler struct {
	State State

	Method *bytecode.Method

	CurrTraceHead bytecode.PC
	CurrRunHead   bytecode.PC
	CurrRunLen    int
	CurrTraceRun  int
	TotalTraceLen int

	Runs []Run

	Blocking bool

	Enqueuer   Enqueuer
	KillSwitch KillSwitch
}

// Begin promotes the assembler into TSelect and initializes the trace
// accumulators, mirroring the request gate's state-promotion step (§4.4
// step 4).
func (a *Assembler) Begin(pc bytecode.PC) {
	a.State = TSelect
	a.Method = pc.Method
	a.CurrTraceHead = pc
	a.CurrRunHead = pc
	a.CurrRunLen = 0
	a.CurrTraceRun = 0
	a.TotalTraceLen = 0
	a.Runs = []Run{{StartOffset: pc.Offset, Hint: HintNone}}
}

// Step advances the assembler by one interpreted instruction at pc, for
// non-return instructions called before the instruction commits, and for
// return instructions called just before the return actually returns. It
// reports true iff the caller must bail to the safe, non-JIT interpreter
// path for this dispatch.
//
// debuggerActive and suspended reflect the two external conditions the
// assembler must abort for; the interpreter, not this package, tracks
// them.
func (a *Assembler) Step(pc bytecode.PC, debuggerActive, suspended bool) bool {
	switch a.State {
	case Off, Normal:
		return false

	case SingleStep:
		a.State = SingleStepEnd
		return true
	case SingleStepEnd:
		a.State = Normal
		return false

	case TSelect:
		return a.step(pc, debuggerActive, suspended)

	case TSelectEnd:
		a.finalize()
		return true

	case TSelectAbort:
		a.State = Normal
		return true

	default:
		panic(fmt.Sprintf("trace: unhandled assembler state %v", a.State))
	}
}

func (a *Assembler) step(pc bytecode.PC, debuggerActive, suspended bool) bool {
	if !pc.SameMethod(bytecode.PC{Method: a.Method}) {
		panic("trace: instruction crosses method boundary mid-trace")
	}

	op, ok := pc.Opcode()
	if !ok || op.NoJit() {
		a.State = TSelectEnd
		return a.Step(pc, debuggerActive, suspended)
	}

	if pc.Offset != a.CurrRunHead.Offset+a.CurrRunLen {
		a.closeRun(pc)
	}

	a.Runs[a.CurrTraceRun].NumInsts++
	a.CurrRunLen += op.Width
	a.TotalTraceLen++

	switch {
	case debuggerActive || suspended:
		// Checked ahead of every basic-block-end case below: a
		// debugger attaching or a suspend request always wins and
		// aborts the trace, even on an instruction that would
		// otherwise close it (branch, throw, return, max length).
		a.State = TSelectAbort
		return true
	case op.Conditional() && (op.CanBranch() || op.CanSwitch() || op.CanReturn() || op.Invoke()):
		a.State = TSelectEnd
	case op.CanThrow():
		a.State = TSelectEnd
	case a.TotalTraceLen >= MaxTraceLen:
		a.State = TSelectEnd
	case op.CanReturn():
		// Returns intentionally fall through to TSelectEnd within
		// this same dispatch: a return cannot itself throw in a way
		// that would invalidate the captured trace.
		a.State = TSelectEnd
		return a.Step(pc, debuggerActive, suspended)
	default:
		// Still accumulating: the caller still bails to the safe
		// interpreter path, since no translation exists yet to jump
		// to (§4.4 step 5 gives TSelect the same true return).
	}

	if a.State == TSelectEnd {
		return a.Step(pc, debuggerActive, suspended)
	}
	return true
}

// closeRun starts a new run because pc is not contiguous with the current
// run's head, preserving the single-entry multi-exit shape as a sequence
// of straight-line runs with implicit exits between them.
func (a *Assembler) closeRun(pc bytecode.PC) {
	a.CurrTraceRun++
	a.CurrRunHead = pc
	a.CurrRunLen = 0
	a.Runs = append(a.Runs, Run{StartOffset: pc.Offset, Hint: HintNone})
}

// finalize builds and enqueues the completed descriptor, or exits quietly
// to normal interpretation if nothing was ever accumulated.
func (a *Assembler) finalize() {
	if a.TotalTraceLen == 0 {
		a.State = Normal
		return
	}

	a.Runs[a.CurrTraceRun].RunEnd = true
	desc := &Descriptor{
		Method: a.Method,
		Runs:   append([]Run(nil), a.Runs...),
	}

	if err := a.Enqueuer.Enqueue(desc); err != nil {
		if a.KillSwitch != nil {
			a.KillSwitch.Kill()
		}
		a.State = TSelectAbort
		return
	}

	if a.Blocking {
		a.Enqueuer.DrainQueue()
	}

	a.State = Normal
}
