package jit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracevm/bytecode"
	"tracevm/trace"
)

func testConfig() Config {
	return Config{
		MaxTableEntries:   64,
		ProfileSize:       256,
		Threshold:         4,
		ExecutionMode:     JIT,
		CompilerHighWater: 8,
	}
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := New(testConfig(), nil)
	require.NoError(t, rt.Startup(context.Background()))
	t.Cleanup(func() { _ = rt.Shutdown() })
	return rt
}

func TestCheckRequestPromotesOnSelectRequest(t *testing.T) {
	rt := newRuntime(t)
	asm := rt.NewAssembler()
	asm.State = trace.SelectRequest

	m := &bytecode.Method{Name: "loop", Insns: make([]byte, 4)}
	pc := bytecode.PC{Method: m, Offset: 0}

	bail := rt.CheckRequest(asm, pc, false, false)
	assert.True(t, bail)
	assert.Equal(t, trace.TSelect, asm.State)
	assert.Equal(t, pc, asm.CurrTraceHead)
}

func TestCheckRequestAbortsWhenQueueAboveHighWater(t *testing.T) {
	rt := New(Config{
		MaxTableEntries:   8,
		ProfileSize:       16,
		Threshold:         1,
		ExecutionMode:     JIT,
		CompilerHighWater: 0,
	}, nil)
	require.NoError(t, rt.Startup(context.Background()))
	defer rt.Shutdown()

	asm := rt.NewAssembler()
	asm.State = trace.SelectRequest
	m := &bytecode.Method{Name: "m", Insns: make([]byte, 4)}

	bail := rt.CheckRequest(asm, bytecode.PC{Method: m, Offset: 0}, false, false)
	assert.False(t, bail)
	assert.Equal(t, trace.Normal, asm.State)
}

func TestCheckRequestAbortsOnDebugger(t *testing.T) {
	rt := newRuntime(t)
	asm := rt.NewAssembler()
	asm.State = trace.SelectRequest
	m := &bytecode.Method{Name: "m", Insns: make([]byte, 4)}

	bail := rt.CheckRequest(asm, bytecode.PC{Method: m, Offset: 0}, true, false)
	assert.False(t, bail)
	assert.Equal(t, trace.Normal, asm.State)
}

func TestCheckRequestSecondRequesterAborts(t *testing.T) {
	rt := newRuntime(t)
	m := &bytecode.Method{Name: "m", Insns: make([]byte, 4)}
	pc := bytecode.PC{Method: m, Offset: 0}

	first := rt.NewAssembler()
	first.State = trace.SelectRequest
	rt.CheckRequest(first, pc, false, false)
	assert.Equal(t, trace.TSelect, first.State)

	second := rt.NewAssembler()
	second.State = trace.SelectRequest
	bail := rt.CheckRequest(second, pc, false, false)
	assert.True(t, bail)
	assert.Equal(t, trace.TSelectAbort, second.State)
}

func TestCheckRequestTableFullFiresKillSwitch(t *testing.T) {
	rt := New(Config{
		MaxTableEntries:   1,
		ProfileSize:       16,
		Threshold:         1,
		ExecutionMode:     JIT,
		CompilerHighWater: 8,
	}, nil)
	require.NoError(t, rt.Startup(context.Background()))
	defer rt.Shutdown()

	m := &bytecode.Method{Name: "m", Insns: make([]byte, 4)}

	first := rt.NewAssembler()
	first.State = trace.SelectRequest
	rt.CheckRequest(first, bytecode.PC{Method: m, Offset: 0}, false, false)

	second := rt.NewAssembler()
	second.State = trace.SelectRequest
	bail := rt.CheckRequest(second, bytecode.PC{Method: m, Offset: 1}, false, false)

	assert.True(t, bail)
	assert.Equal(t, trace.TSelectAbort, second.State)
	assert.True(t, rt.killed.Load())
}

func TestStopTranslationRequestsIsOneShot(t *testing.T) {
	rt := newRuntime(t)
	rt.StopTranslationRequests()
	assert.Nil(t, rt.profile.Live())
	rt.StopTranslationRequests() // idempotent, must not panic
}

func TestShutdownIsOneShot(t *testing.T) {
	rt := New(testConfig(), nil)
	require.NoError(t, rt.Startup(context.Background()))
	assert.NoError(t, rt.Shutdown())
	assert.ErrorIs(t, rt.Shutdown(), ErrAlreadyShutdown)
}

func TestStartupTwiceFails(t *testing.T) {
	rt := newRuntime(t)
	assert.Error(t, rt.Startup(context.Background()))
}

func TestGetSetCodeAddrRoundTrip(t *testing.T) {
	rt := newRuntime(t)
	m := &bytecode.Method{Name: "m", Insns: make([]byte, 4)}
	pc := bytecode.PC{Method: m, Offset: 0}

	asm := rt.NewAssembler()
	asm.State = trace.SelectRequest
	rt.CheckRequest(asm, pc, false, false)

	require.Eventually(t, func() bool {
		return rt.SetCodeAddr(pc, 0x1234)
	}, time.Second, time.Millisecond)

	addr, ok := rt.GetCodeAddr(pc)
	assert.True(t, ok)
	assert.EqualValues(t, 0x1234, addr)
}

func TestRecordExitAndStats(t *testing.T) {
	rt := newRuntime(t)
	rt.RecordExit(ExitNoChain)
	rt.RecordExit(ExitNormal)
	rt.RecordExit(ExitPunt)

	stats := rt.Stats()
	assert.EqualValues(t, 1, stats.ExitStats.NoChainExit)
	assert.EqualValues(t, 1, stats.ExitStats.NormalExit)
	assert.EqualValues(t, 1, stats.ExitStats.PuntExit)
	assert.Equal(t, 64, stats.Table.Capacity)
}
