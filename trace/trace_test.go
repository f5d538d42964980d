package trace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"tracevm/bytecode"
)

type fakeQueue struct {
	enqueued []*Descriptor
	drained  int
	failNext bool
}

func (q *fakeQueue) Enqueue(d *Descriptor) error {
	if q.failNext {
		return errors.New("queue full")
	}
	q.enqueued = append(q.enqueued, d)
	return nil
}

func (q *fakeQueue) DrainQueue() { q.drained++ }

type fakeKillSwitch struct{ killed bool }

func (k *fakeKillSwitch) Kill() { k.killed = true }

// straightLineMethod builds a method of n single-width, non-exiting
// instructions (0x01 MOVE) so a run can accumulate without closing.
func straightLineMethod(n int) *bytecode.Method {
	insns := make([]byte, n)
	for i := range insns {
		insns[i] = 0x01
	}
	return &bytecode.Method{Name: "loop", Insns: insns}
}

func TestAssemblerAccumulatesSingleRun(t *testing.T) {
	m := straightLineMethod(10)
	q := &fakeQueue{}
	a := &Assembler{Enqueuer: q}

	head := bytecode.PC{Method: m, Offset: 0}
	a.Begin(head)
	assert.Equal(t, TSelect, a.State)

	for i := 0; i < 10; i++ {
		pc := bytecode.PC{Method: m, Offset: i}
		bail := a.Step(pc, false, false)
		assert.True(t, bail)
	}

	assert.Equal(t, TSelect, a.State)
	assert.Equal(t, 10, a.TotalTraceLen)
	assert.Len(t, a.Runs, 1)
}

func TestAssemblerClosesOnReturnFallthrough(t *testing.T) {
	insns := []byte{0x01, 0x0B} // MOVE, RETURN
	m := &bytecode.Method{Name: "m", Insns: insns}
	q := &fakeQueue{}
	a := &Assembler{Enqueuer: q}

	a.Begin(bytecode.PC{Method: m, Offset: 0})
	a.Step(bytecode.PC{Method: m, Offset: 0}, false, false)

	bail := a.Step(bytecode.PC{Method: m, Offset: 1}, false, false)
	assert.True(t, bail)
	assert.Equal(t, Normal, a.State)
	assert.Len(t, q.enqueued, 1)
	assert.True(t, q.enqueued[0].Runs[len(q.enqueued[0].Runs)-1].RunEnd)
}

func TestAssemblerNonContiguousPCStartsNewRun(t *testing.T) {
	m := straightLineMethod(20)
	q := &fakeQueue{}
	a := &Assembler{Enqueuer: q}

	a.Begin(bytecode.PC{Method: m, Offset: 0})
	a.Step(bytecode.PC{Method: m, Offset: 0}, false, false)

	// jump ahead, simulating a taken branch target observed mid-trace
	a.Step(bytecode.PC{Method: m, Offset: 5}, false, false)

	assert.Equal(t, 1, a.CurrTraceRun)
	assert.Len(t, a.Runs, 2)
}

func TestAssemblerAbortsOnDebugger(t *testing.T) {
	m := straightLineMethod(10)
	q := &fakeQueue{}
	a := &Assembler{Enqueuer: q}

	a.Begin(bytecode.PC{Method: m, Offset: 0})
	a.Step(bytecode.PC{Method: m, Offset: 0}, false, false)

	bail := a.Step(bytecode.PC{Method: m, Offset: 1}, true, false)
	assert.True(t, bail)
	assert.Equal(t, TSelectAbort, a.State)

	assert.True(t, a.Step(bytecode.PC{Method: m, Offset: 2}, false, false))
	assert.Equal(t, Normal, a.State)
	assert.Empty(t, q.enqueued)
}

func TestAssemblerThrowClosesTrace(t *testing.T) {
	insns := []byte{0x01, 0x0D} // MOVE, THROW
	m := &bytecode.Method{Name: "m", Insns: insns}
	q := &fakeQueue{}
	a := &Assembler{Enqueuer: q}

	a.Begin(bytecode.PC{Method: m, Offset: 0})
	a.Step(bytecode.PC{Method: m, Offset: 0}, false, false)
	a.Step(bytecode.PC{Method: m, Offset: 1}, false, false)

	assert.Equal(t, Normal, a.State)
	assert.Len(t, q.enqueued, 1)
}

func TestAssemblerEnqueueFailureFiresKillSwitch(t *testing.T) {
	insns := []byte{0x01, 0x0D}
	m := &bytecode.Method{Name: "m", Insns: insns}
	q := &fakeQueue{failNext: true}
	k := &fakeKillSwitch{}
	a := &Assembler{Enqueuer: q, KillSwitch: k}

	a.Begin(bytecode.PC{Method: m, Offset: 0})
	a.Step(bytecode.PC{Method: m, Offset: 0}, false, false)
	a.Step(bytecode.PC{Method: m, Offset: 1}, false, false)

	assert.True(t, k.killed)
	assert.Equal(t, TSelectAbort, a.State)
}

func TestAssemblerEmptyTraceExitsQuietly(t *testing.T) {
	m := straightLineMethod(1)
	q := &fakeQueue{}
	a := &Assembler{Enqueuer: q, State: TSelectEnd, Method: m}

	a.Step(bytecode.PC{Method: m, Offset: 0}, false, false)
	assert.Equal(t, Normal, a.State)
	assert.Empty(t, q.enqueued)
}

func TestAssemblerBlockingModeDrainsQueue(t *testing.T) {
	insns := []byte{0x01, 0x0D}
	m := &bytecode.Method{Name: "m", Insns: insns}
	q := &fakeQueue{}
	a := &Assembler{Enqueuer: q, Blocking: true}

	a.Begin(bytecode.PC{Method: m, Offset: 0})
	a.Step(bytecode.PC{Method: m, Offset: 0}, false, false)
	a.Step(bytecode.PC{Method: m, Offset: 1}, false, false)

	assert.Equal(t, 1, q.drained)
}

func TestAssemblerCrossMethodPanics(t *testing.T) {
	m1 := straightLineMethod(4)
	m2 := straightLineMethod(4)
	q := &fakeQueue{}
	a := &Assembler{Enqueuer: q}

	a.Begin(bytecode.PC{Method: m1, Offset: 0})
	assert.Panics(t, func() {
		a.Step(bytecode.PC{Method: m2, Offset: 0}, false, false)
	})
}

func TestAssemblerOffAndNormalAreNoops(t *testing.T) {
	a := &Assembler{State: Off}
	assert.False(t, a.Step(bytecode.PC{}, false, false))

	a.State = Normal
	assert.False(t, a.Step(bytecode.PC{}, false, false))
}

func TestAssemblerInvalidStatePanics(t *testing.T) {
	a := &Assembler{State: State(99)}
	assert.Panics(t, func() {
		a.Step(bytecode.PC{}, false, false)
	})
}
