// Package bytecode describes the bytecode stream the JIT core observes: an
// opaque program counter inside a method's instruction array, and a decode
// table of per-opcode width and flag bits.
//
// Decoding proper (mnemonics, operand layout) is out of scope here; this
// package exposes only what the trace assembler and request gate need to
// know about an instruction without understanding what it does.
package bytecode

import (
	"unsafe"

	"tracevm/bitfield"
)

// Flag bit positions within an Opcode's Flags byte, 1-indexed to match
// bitfield's convention.
const (
	FlagNoJit bitfield.Index = iota + 1
	FlagCanBranch
	FlagCanSwitch
	FlagCanReturn
	FlagCanThrow
	FlagInvoke
	FlagConditional
)

// An Opcode describes one of the fixed-width instructions the interpreter
// dispatches. Width is in PC offset units, one per byte of Method.Insns;
// Flags packs the boolean
// properties the trace assembler and request gate consult.
type Opcode struct {
	Name  string
	Width int
	Flags byte
}

func (o Opcode) has(bit bitfield.Index) bool {
	return bitfield.IsSet(o.Flags, bit)
}

// NoJit reports whether the instruction must never appear inside a trace.
func (o Opcode) NoJit() bool { return o.has(FlagNoJit) }

// CanBranch reports whether the instruction may transfer control within its
// method.
func (o Opcode) CanBranch() bool { return o.has(FlagCanBranch) }

// CanSwitch reports whether the instruction is a multi-way branch.
func (o Opcode) CanSwitch() bool { return o.has(FlagCanSwitch) }

// CanReturn reports whether the instruction returns from its method.
func (o Opcode) CanReturn() bool { return o.has(FlagCanReturn) }

// CanThrow reports whether the instruction may raise an exception.
func (o Opcode) CanThrow() bool { return o.has(FlagCanThrow) }

// Invoke reports whether the instruction calls another method.
func (o Opcode) Invoke() bool { return o.has(FlagInvoke) }

// Conditional reports whether the instruction's control transfer is
// conditional on runtime state.
func (o Opcode) Conditional() bool { return o.has(FlagConditional) }

// pack folds a set of flag bits into a single Flags byte.
func pack(bits ...bitfield.Index) byte {
	var b byte
	for _, bit := range bits {
		b = bitfield.Set(b, bit, 0b1)
	}
	return b
}

// Opcodes is the decode table: byte value -> instruction shape. It stands in
// for a real bytecode's instruction set; only the properties the JIT core
// consults (Width, Flags) are modeled, matching the real table's shape but
// not its contents.
var Opcodes = map[byte]Opcode{
	0x00: {Name: "NOP", Width: 1},
	0x01: {Name: "MOVE", Width: 1},
	0x02: {Name: "CONST", Width: 2},
	0x03: {Name: "ADD", Width: 1},
	0x04: {Name: "SUB", Width: 1},
	0x05: {Name: "CMP", Width: 1, Flags: pack(FlagConditional)},
	0x06: {Name: "GOTO", Width: 2, Flags: pack(FlagCanBranch)},
	0x07: {Name: "IF_EQ", Width: 2, Flags: pack(FlagCanBranch, FlagConditional)},
	0x08: {Name: "IF_NE", Width: 2, Flags: pack(FlagCanBranch, FlagConditional)},
	0x09: {Name: "SWITCH", Width: 3, Flags: pack(FlagCanSwitch, FlagConditional)},
	0x0A: {Name: "INVOKE", Width: 3, Flags: pack(FlagInvoke)},
	0x0B: {Name: "RETURN", Width: 1, Flags: pack(FlagCanReturn)},
	0x0C: {Name: "RETURN_VOID", Width: 1, Flags: pack(FlagCanReturn)},
	0x0D: {Name: "THROW", Width: 1, Flags: pack(FlagCanThrow)},
	0x0E: {Name: "NEW_INSTANCE", Width: 2},
	0x0F: {Name: "ARRAY_GET", Width: 1},
	0x10: {Name: "ARRAY_PUT", Width: 1},
	0x11: {Name: "MONITOR_ENTER", Width: 1, Flags: pack(FlagNoJit)},
	0x12: {Name: "MONITOR_EXIT", Width: 1, Flags: pack(FlagNoJit)},
	0x13: {Name: "BREAKPOINT", Width: 1, Flags: pack(FlagNoJit)},
}

// Decode returns the Opcode for a raw instruction byte, and ok=false for any
// value outside the 20-entry table above (mirroring an illegal-opcode trap).
func Decode(b byte) (op Opcode, ok bool) {
	op, ok = Opcodes[b]
	return op, ok
}

// Method is the enclosing unit of a bytecode instruction stream. PCs are
// only meaningful relative to the Method that owns them.
type Method struct {
	Name  string
	Insns []byte
}

// At returns the opcode at the given 0-based instruction-stream offset.
func (m *Method) At(offset int) (Opcode, bool) {
	if offset < 0 || offset >= len(m.Insns) {
		return Opcode{}, false
	}
	return Decode(m.Insns[offset])
}

// PC is a bytecode program counter: a stable handle to one instruction
// inside a method's instruction stream, standing in for the raw pointer
// arithmetic (pc - method->insns) the source performs.
type PC struct {
	Method *Method
	Offset int
}

// Valid reports whether p addresses an in-range instruction of its method.
func (p PC) Valid() bool {
	return p.Method != nil && p.Offset >= 0 && p.Offset < len(p.Method.Insns)
}

// Opcode looks up the instruction p addresses.
func (p PC) Opcode() (Opcode, bool) {
	if p.Method == nil {
		return Opcode{}, false
	}
	return p.Method.At(p.Offset)
}

// Advance returns the PC n offset units ahead of p, still inside the same
// method.
func (p PC) Advance(n int) PC {
	return PC{Method: p.Method, Offset: p.Offset + n}
}

// SameMethod reports whether p and q address the same method.
func (p PC) SameMethod(q PC) bool {
	return p.Method == q.Method
}

// HashKey returns a stable byte encoding of p suitable for feeding a
// general-purpose hash: the method's identity folded together with the
// instruction offset. Both the profile table and the JIT table key off of
// this same encoding so that "hash(pc) mod N" means the same thing
// everywhere in the core.
func (p PC) HashKey() []byte {
	b := make([]byte, 0, 16)
	ptr := uint64(uintptr(unsafe.Pointer(p.Method)))
	for i := 0; i < 8; i++ {
		b = append(b, byte(ptr>>(8*i)))
	}
	off := uint64(p.Offset)
	for i := 0; i < 8; i++ {
		b = append(b, byte(off>>(8*i)))
	}
	return b
}
