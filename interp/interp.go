// Package interp provides a minimal bytecode interpreter that exercises
// the JIT core's hooks: a profile check on each branch or switch
// instruction (branches are never taken here, so branch targets are not
// profiled), the request gate and trace-assembler step around it, and a code-address
// lookup on every dispatch.
//
// The interpreter's own instruction semantics are deliberately inert; only
// its control flow (fetch, maybe branch/return, advance) matters here.
package interp

import (
	"fmt"

	"tracevm/bytecode"
	"tracevm/jit"
	"tracevm/trace"
)

// Thread is the per-thread interpreter state the request gate and trace
// assembler read and mutate (§3's "per-thread interp state").
type Thread struct {
	Method *bytecode.Method
	PC     bytecode.PC
	Asm    *trace.Assembler

	DebuggerActive bool
	Suspended      bool

	// suspendRaised tracks whether this thread currently holds a raise
	// against the JIT table's shared suspend count, so Dispatch only
	// calls Suspend/Resume on a true transition of Suspended and never
	// leaves the shared count unbalanced.
	suspendRaised bool
}

// Interpreter drives one or more Threads against a shared jit.Runtime.
type Interpreter struct {
	RT *jit.Runtime
}

// New constructs an Interpreter bound to rt.
func New(rt *jit.Runtime) *Interpreter {
	return &Interpreter{RT: rt}
}

// NewThread starts a fresh thread at the beginning of m, with a trace
// assembler wired to the shared runtime.
func (ip *Interpreter) NewThread(m *bytecode.Method) *Thread {
	return &Thread{
		Method: m,
		PC:     bytecode.PC{Method: m, Offset: 0},
		Asm:    ip.RT.NewAssembler(),
	}
}

// Dispatch executes one instruction's worth of interpreter bookkeeping: it
// consults the hot lookup first, then the profile/request-gate/assembler
// hooks, then advances past the instruction. It reports done=true once a
// return instruction has been dispatched.
func (ip *Interpreter) Dispatch(th *Thread) (done bool, err error) {
	op, ok := th.PC.Opcode()
	if !ok {
		return true, fmt.Errorf("interp: illegal opcode at offset %d of %q", th.PC.Offset, th.Method.Name)
	}

	if th.Suspended && !th.suspendRaised {
		ip.RT.Suspend()
		th.suspendRaised = true
	} else if !th.Suspended && th.suspendRaised {
		ip.RT.Resume()
		th.suspendRaised = false
	}

	if addr, found := ip.RT.GetCodeAddr(th.PC); found {
		_ = addr // the native backend is out of scope; only the lookup matters here
		ip.RT.RecordExit(jit.ExitNormal)
		th.PC = th.PC.Advance(op.Width)
		return op.CanReturn(), nil
	}

	if th.Asm.State == trace.Off || th.Asm.State == trace.Normal {
		if (op.CanBranch() || op.CanSwitch()) && ip.RT.ProfileHit(th.PC) {
			th.Asm.State = trace.SelectRequest
		}
	}

	if th.Asm.State != trace.Off && th.Asm.State != trace.Normal {
		if ip.RT.CheckRequest(th.Asm, th.PC, th.DebuggerActive, th.Suspended) {
			ip.RT.Check(th.Asm, th.PC, th.DebuggerActive, th.Suspended)
		}
	}

	done = op.CanReturn()
	th.PC = th.PC.Advance(op.Width)
	return done, nil
}

// Run dispatches th until it returns, hits an error, or maxSteps is
// exhausted (a safety bound for runaway test programs; real interpreters
// have no such limit).
func (ip *Interpreter) Run(th *Thread, maxSteps int) error {
	for i := 0; i < maxSteps; i++ {
		done, err := ip.Dispatch(th)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return fmt.Errorf("interp: exceeded %d steps without returning", maxSteps)
}
