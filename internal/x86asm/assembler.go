// Package x86asm is a hand-written assembler for a regular subset of
// the x86-64 instruction set (spec.md §4.7): enough to express the
// moves, arithmetic, narrow loads/stores, and patchable control flow
// that the lowerer needs to emit for a compiled trace. Each exported
// method that assembles code emits exactly one instruction, except
// Debug, which emits a whole call sequence; all REX, ModR/M, and SIB
// byte construction is internal.
//
// We do not attempt to be exhaustive, and where we have freedom we
// choose the most regular encoding over the most compact one.
package x86asm

import (
	"fmt"

	"github.com/aclements/go-mijit/internal/buffer"
	"github.com/aclements/go-mijit/internal/code"
)

// Register names the sixteen general-purpose x86-64 registers, in
// their ModR/M and REX.B/R/X encoding order.
type Register = code.Register

const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// RC is a caller-saved scratch register, used by Debug to hold the
// address of the handler it calls indirectly. It is not one of the
// SysV argument registers.
const RC = R11

// CALLER_SAVES is the set of registers the SysV ABI does not
// guarantee survive a call; Debug pushes and pops exactly these
// around its own call to a handler, so that a traced value can be
// inspected without disturbing the surrounding trace's live registers.
var CALLER_SAVES = []Register{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11}

var allRegisters = []Register{RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15}

func regLow3(r Register) byte { return byte(r) & 7 }
func regExt(r Register) bool  { return byte(r) >= 8 }

// Precision selects 32- or 64-bit operand size.
type Precision = code.Precision

const (
	P32 = code.P32
	P64 = code.P64
)

// Condition is an x86-64 condition code, used by conditional jumps
// and conditional moves/loads. The numeric value is the `cc` field of
// the corresponding Jcc/CMOVcc opcode.
type Condition byte

const (
	O Condition = iota
	NO
	B
	AE
	E
	NE
	BE
	A
	S
	NS
	P
	NP
	L
	GE
	LE
	G
)

var ALL_CONDITIONS = []Condition{O, NO, B, AE, E, NE, BE, A, S, NS, P, NP, L, GE, LE, G}

func (c Condition) String() string {
	names := [...]string{"O", "NO", "B", "AE", "E", "NE", "BE", "A", "S", "NS", "P", "NP", "L", "GE", "LE", "G"}
	if int(c) < len(names) {
		return names[c]
	}
	return "Condition(?)"
}

// BinaryOp is a group-1 arithmetic operation (the opcode extension
// used by ADD/OR/ADC/SBB/AND/SUB/XOR/CMP).
type BinaryOp byte

const (
	Add BinaryOp = iota
	Or
	Adc
	Sbb
	And
	Sub
	Xor
	Cmp
)

var ALL_BINARY_OPS = []BinaryOp{Add, Or, Adc, Sbb, And, Sub, Xor, Cmp}

// ShiftOp is a group-2 shift/rotate operation.
type ShiftOp byte

const (
	Rol ShiftOp = iota
	Ror
	Rcl
	Rcr
	Shl
	Shr
	_ // opcode extension 6 is an unused alias of Shl; Mijit never emits it.
	Sar
)

var ALL_SHIFT_OPS = []ShiftOp{Rol, Ror, Rcl, Rcr, Shl, Shr, Sar}

// Width is a memory access size paired with a sign-extension choice.
type Width = code.Width

const (
	U8  = code.U8
	S8  = code.S8
	U16 = code.U16
	S16 = code.S16
	U32 = code.U32
	S32 = code.S32
	U64 = code.U64
	S64 = code.S64
)

var ALL_WIDTHS = []Width{U8, S8, U16, S16, U32, S32, U64, S64}

// disp computes the displacement from one buffer position to another.
func disp(from, to int) int64 { return int64(to) - int64(from) }

// disp32 computes the i32 displacement from from to to, panicking if
// it does not fit (spec.md §4.7: "displacement arithmetic rejects
// ranges outside i32").
func disp32(from, to int) int32 {
	d := disp(from, to)
	if d > 0x7FFFFFFF || d < -0x80000000 {
		panic("x86asm: displacement does not fit in 32 bits")
	}
	return int32(d)
}

// unknownDisp is written in place of a not-yet-known displacement; if
// ever executed, it jumps far outside any mapped code and faults
// immediately rather than silently doing the wrong thing.
const unknownDisp int32 = -0x80000000

// optionalDisp32 is disp32, but returns unknownDisp if target is < 0
// (our sentinel for "no target yet", mirroring Option<usize>::None).
func optionalDisp32(from, target int) int32 {
	if target < 0 {
		return unknownDisp
	}
	return disp32(from, target)
}

// Patch is the buffer position of a jump or call instruction whose
// displacement is still pending resolution.
type Patch struct {
	pos int
}

// Assembler assembles x86-64 machine code into a Buffer. Every public
// method that assembles code emits exactly one instruction, except
// Debug, which emits the pushes, call and pops of a whole call.
type Assembler struct {
	buf buffer.Buffer
	pos int
}

func New(buf buffer.Buffer) *Assembler {
	return &Assembler{buf: buf}
}

// Pos returns the current assembly address (an offset into buf).
func (a *Assembler) Pos() int { return a.pos }

func (a *Assembler) write(v uint64, length int) {
	a.buf.Write(a.pos, v, length)
	a.pos += length
}

func (a *Assembler) writeImm8(imm int8)   { a.write(uint64(uint8(imm)), 1) }
func (a *Assembler) writeImm32(imm int32) { a.write(uint64(uint32(imm)), 4) }
func (a *Assembler) writeImm64(imm int64) { a.write(uint64(imm), 8) }

// rex builds a REX prefix byte. w selects 64-bit operand size; r
// extends ModR/M.reg; x extends SIB.index (never used by this
// assembler, since it never emits a scaled index); b extends
// ModR/M.rm or an opcode-embedded register.
func rex(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

// emit writes raw bytes, lowest address first.
func (a *Assembler) emit(bytes ...byte) {
	var v uint64
	for i, b := range bytes {
		v |= uint64(b) << (8 * uint(i))
	}
	a.write(v, len(bytes))
}

// writeSibFix emits the SIB byte 0x24 (no index, base = rm) if rm's
// low 3 bits are 100 (RSP or R12), which would otherwise be
// misinterpreted as "SIB byte follows" or "no base, disp32" depending
// on mod. This must follow a ModR/M byte that uses rm as a memory
// operand.
func (a *Assembler) writeSibFix(rm Register) {
	if regLow3(rm) == 4 {
		a.emit(0x24)
	}
}

func prec64(prec Precision) bool { return prec == P64 }

// Move assembles a register-to-register move.
func (a *Assembler) Move(prec Precision, dest, src Register) {
	a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x8B, modrm(3, regLow3(dest), regLow3(src)))
}

// Load assembles dest = *(src + disp).
func (a *Assembler) Load(prec Precision, dest Register, src Register, disp int32) {
	a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x8B, modrm(2, regLow3(dest), regLow3(src)))
	a.writeSibFix(src)
	a.writeImm32(disp)
}

// Store assembles *(dest + disp) = src.
func (a *Assembler) Store(prec Precision, dest Register, disp int32, src Register) {
	a.emit(rex(prec64(prec), regExt(src), false, regExt(dest)), 0x89, modrm(2, regLow3(src), regLow3(dest)))
	a.writeSibFix(dest)
	a.writeImm32(disp)
}

// LoadPCRelative assembles dest = *(rip-relative address).
func (a *Assembler) LoadPCRelative(prec Precision, dest Register, address int) {
	a.emit(rex(prec64(prec), regExt(dest), false, false), 0x8B, modrm(0, regLow3(dest), regLow3(RBP)))
	a.writeImm32(disp32(a.pos+4, address))
}

// Const assembles a move of an immediate into dest. A zero immediate
// is assembled as the shorter "XOR dest, dest" idiom, which clobbers
// the status flags; use ConstPreservingFlags to avoid that.
func (a *Assembler) Const(prec Precision, dest Register, imm int64) {
	if prec == P32 {
		imm &= 0xFFFFFFFF
	}
	if imm == 0 {
		a.Op(Xor, prec, dest, dest)
		return
	}
	a.ConstPreservingFlags(prec, dest, imm)
}

// ConstPreservingFlags assembles a move of an immediate into dest
// without ever emitting the flag-clobbering XOR idiom, choosing the
// shortest of a 32-bit zero-extended move, a 32-bit sign-extended
// move, or a full 64-bit immediate move.
func (a *Assembler) ConstPreservingFlags(prec Precision, dest Register, imm int64) {
	if prec == P32 {
		imm &= 0xFFFFFFFF
	}
	switch {
	case int64(uint32(imm)) == imm:
		a.emit(rex(false, false, false, regExt(dest)), 0xB8+regLow3(dest))
		a.writeImm32(int32(uint32(imm)))
	case int64(int32(imm)) == imm:
		a.emit(rex(true, false, false, regExt(dest)), 0xC7, modrm(3, 0, regLow3(dest)))
		a.writeImm32(int32(imm))
	default:
		a.emit(rex(true, false, false, regExt(dest)), 0xB8+regLow3(dest))
		a.writeImm64(imm)
	}
}

// Op assembles "dest = dest <op> src".
func (a *Assembler) Op(op BinaryOp, prec Precision, dest, src Register) {
	a.emit(rex(prec64(prec), regExt(src), false, regExt(dest)), byte(op)*8+1, modrm(3, regLow3(src), regLow3(dest)))
}

// ConstOp assembles "dest = dest <op> imm".
func (a *Assembler) ConstOp(op BinaryOp, prec Precision, dest Register, imm int32) {
	a.emit(rex(prec64(prec), false, false, regExt(dest)), 0x81, modrm(3, byte(op), regLow3(dest)))
	a.writeImm32(imm)
}

// LoadOp assembles "dest = dest <op> *(src + disp)".
func (a *Assembler) LoadOp(op BinaryOp, prec Precision, dest Register, src Register, disp int32) {
	a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), byte(op)*8+3, modrm(2, regLow3(dest), regLow3(src)))
	a.writeSibFix(src)
	a.writeImm32(disp)
}

// Shift assembles "dest = dest <op> CL".
func (a *Assembler) Shift(op ShiftOp, prec Precision, dest Register) {
	a.emit(rex(prec64(prec), false, false, regExt(dest)), 0xD3, modrm(3, byte(op), regLow3(dest)))
}

// ConstShift assembles "dest = dest <op> imm".
func (a *Assembler) ConstShift(op ShiftOp, prec Precision, dest Register, imm uint8) {
	bits := uint8(32)
	if prec == P64 {
		bits = 64
	}
	if imm >= bits {
		panic("x86asm: shift amount out of range")
	}
	a.emit(rex(prec64(prec), false, false, regExt(dest)), 0xC1, modrm(3, byte(op), regLow3(dest)))
	a.writeImm8(int8(imm))
}

// Mul assembles "dest = dest * src" (signed multiply).
func (a *Assembler) Mul(prec Precision, dest, src Register) {
	a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x0F, 0xAF, modrm(3, regLow3(dest), regLow3(src)))
}

// ConstMul assembles "dest = src * imm".
func (a *Assembler) ConstMul(prec Precision, dest, src Register, imm int32) {
	a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x69, modrm(3, regLow3(dest), regLow3(src)))
	a.writeImm32(imm)
}

// LoadMul assembles "dest = dest * *(src + disp)".
func (a *Assembler) LoadMul(prec Precision, dest Register, src Register, disp int32) {
	a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x0F, 0xAF, modrm(2, regLow3(dest), regLow3(src)))
	a.writeSibFix(src)
	a.writeImm32(disp)
}

// UDiv divides (RDX:RAX) by src (unsigned); quotient in RAX, remainder in RDX.
func (a *Assembler) UDiv(prec Precision, src Register) {
	a.emit(rex(prec64(prec), false, false, regExt(src)), 0xF7, modrm(3, 6, regLow3(src)))
}

// LoadUDiv divides (RDX:RAX) by *(src + disp) (unsigned).
func (a *Assembler) LoadUDiv(prec Precision, src Register, disp int32) {
	a.emit(rex(prec64(prec), false, false, regExt(src)), 0xF7, modrm(2, 6, regLow3(src)))
	a.writeSibFix(src)
	a.writeImm32(disp)
}

// SDiv divides (RDX:RAX) by src (signed); quotient in RAX, remainder in RDX.
func (a *Assembler) SDiv(prec Precision, src Register) {
	a.emit(rex(prec64(prec), false, false, regExt(src)), 0xF7, modrm(3, 7, regLow3(src)))
}

// LoadSDiv divides (RDX:RAX) by *(src + disp) (signed).
func (a *Assembler) LoadSDiv(prec Precision, src Register, disp int32) {
	a.emit(rex(prec64(prec), false, false, regExt(src)), 0xF7, modrm(2, 7, regLow3(src)))
	a.writeSibFix(src)
	a.writeImm32(disp)
}

// Not assembles a bitwise complement of dest in place.
func (a *Assembler) Not(prec Precision, dest Register) {
	a.emit(rex(prec64(prec), false, false, regExt(dest)), 0xF7, modrm(3, 2, regLow3(dest)))
}

// Neg assembles a two's-complement negation of dest in place.
func (a *Assembler) Neg(prec Precision, dest Register) {
	a.emit(rex(prec64(prec), false, false, regExt(dest)), 0xF7, modrm(3, 3, regLow3(dest)))
}

// TestImm assembles "TEST dest, imm": ANDs dest with imm, setting
// flags (ZF in particular) without writing the result anywhere.
func (a *Assembler) TestImm(prec Precision, dest Register, imm int32) {
	a.emit(rex(prec64(prec), false, false, regExt(dest)), 0xF7, modrm(3, 0, regLow3(dest)))
	a.writeImm32(imm)
}

// MoveIf assembles a conditional move.
func (a *Assembler) MoveIf(cc Condition, prec Precision, dest, src Register) {
	a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x0F, 0x40+byte(cc), modrm(3, regLow3(dest), regLow3(src)))
}

// LoadIf assembles a conditional load.
func (a *Assembler) LoadIf(cc Condition, prec Precision, dest Register, src Register, disp int32) {
	a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x0F, 0x40+byte(cc), modrm(2, regLow3(dest), regLow3(src)))
	a.writeSibFix(src)
	a.writeImm32(disp)
}

// LoadPCRelativeIf assembles a conditional rip-relative load.
func (a *Assembler) LoadPCRelativeIf(cc Condition, prec Precision, dest Register, address int) {
	a.emit(rex(prec64(prec), regExt(dest), false, false), 0x0F, 0x40+byte(cc), modrm(0, regLow3(dest), regLow3(RBP)))
	a.writeImm32(disp32(a.pos+4, address))
}

// JumpIf assembles a conditional branch to target (or a
// self-invalidating placeholder if target < 0), returning a Patch
// that can later be retargeted.
func (a *Assembler) JumpIf(cc Condition, target int) Patch {
	p := Patch{pos: a.pos}
	a.emit(0x0F, 0x80+byte(cc))
	a.writeImm32(optionalDisp32(a.pos+4, target))
	return p
}

// Jump assembles an unconditional jump through a register.
func (a *Assembler) Jump(target Register) {
	a.emit(rex(false, false, false, regExt(target)), 0xFF, modrm(3, 4, regLow3(target)))
}

// ConstJump assembles an unconditional jump to target (or a
// self-invalidating placeholder if target < 0), returning a Patch.
func (a *Assembler) ConstJump(target int) Patch {
	p := Patch{pos: a.pos}
	a.emit(0x40, 0xE9)
	a.writeImm32(optionalDisp32(a.pos+4, target))
	return p
}

// Call assembles a call through a register.
func (a *Assembler) Call(target Register) {
	a.emit(rex(false, false, false, regExt(target)), 0xFF, modrm(3, 2, regLow3(target)))
}

// ConstCall assembles a call to target (or a self-invalidating
// placeholder if target < 0), returning a Patch.
func (a *Assembler) ConstCall(target int) Patch {
	p := Patch{pos: a.pos}
	a.emit(0x40, 0xE8)
	a.writeImm32(optionalDisp32(a.pos+4, target))
	return p
}

// Patch changes the target of the jump or call instruction at p from
// oldTarget to newTarget (either may be < 0, meaning "unknown"),
// asserting that the bytes currently there encode oldTarget. Patching
// the same instruction repeatedly is permitted.
func (a *Assembler) Patch(p Patch, oldTarget, newTarget int) {
	pos := p.pos
	var at int
	switch {
	case a.buf.ReadByte(pos) == 0x0F && a.buf.ReadByte(pos+1)&0xF0 == 0x80:
		at = pos + 2 // JumpIf
	case a.buf.ReadByte(pos) == 0x40 && a.buf.ReadByte(pos+1) == 0xE9:
		at = pos + 2 // ConstJump
	case a.buf.ReadByte(pos) == 0x40 && a.buf.ReadByte(pos+1) == 0xE8:
		at = pos + 2 // ConstCall
	default:
		panic("x86asm: Patch target is not a jump or call instruction")
	}
	want := uint32(optionalDisp32(at+4, oldTarget))
	got := uint32(a.buf.Read(at, 4))
	if got != want {
		panic(fmt.Sprintf("x86asm: Patch old-target mismatch: buffer holds %#x, expected %#x", got, want))
	}
	a.buf.Write(at, uint64(uint32(optionalDisp32(at+4, newTarget))), 4)
}

// Ret assembles a return instruction.
func (a *Assembler) Ret() {
	a.emit(0x40, 0xC3)
}

// Push assembles a push of a 64-bit register.
func (a *Assembler) Push(rd Register) {
	a.emit(rex(true, false, false, regExt(rd)), 0x50+regLow3(rd))
}

// Pop assembles a pop of a 64-bit register.
func (a *Assembler) Pop(rd Register) {
	a.emit(rex(true, false, false, regExt(rd)), 0x58+regLow3(rd))
}

// LoadNarrow loads a value of the given width from *(src + disp),
// sign- or zero-extending it to prec.
//
// U32 is deliberately encoded as a plain 32-bit MOV rather than via
// MOVZX: a 32-bit destination write already zero-extends the upper 32
// bits of the 64-bit register, so no separate zero-extension opcode
// is needed, and prec is forced to P32 regardless of the caller's
// prec (the upper bits are zero either way). S32 genuinely needs
// MOVSXD and so respects the caller's prec.
func (a *Assembler) LoadNarrow(prec Precision, width Width, dest Register, src Register, disp int32) {
	switch width {
	case U8:
		a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x0F, 0xB6, modrm(2, regLow3(dest), regLow3(src)))
		a.writeSibFix(src)
	case S8:
		a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x0F, 0xBE, modrm(2, regLow3(dest), regLow3(src)))
		a.writeSibFix(src)
	case U16:
		a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x0F, 0xB7, modrm(2, regLow3(dest), regLow3(src)))
		a.writeSibFix(src)
	case S16:
		a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x0F, 0xBF, modrm(2, regLow3(dest), regLow3(src)))
		a.writeSibFix(src)
	case U32:
		a.emit(rex(false, regExt(dest), false, regExt(src)), 0x8B, modrm(2, regLow3(dest), regLow3(src)))
		a.writeSibFix(src)
	case S32:
		a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x63, modrm(2, regLow3(dest), regLow3(src)))
		a.writeSibFix(src)
	default: // U64, S64
		a.emit(rex(prec64(prec), regExt(dest), false, regExt(src)), 0x8B, modrm(2, regLow3(dest), regLow3(src)))
		a.writeSibFix(src)
	}
	a.writeImm32(disp)
}

// StoreNarrow stores the low bits of src, at the given width, to
// *(dest + disp).
func (a *Assembler) StoreNarrow(width Width, dest Register, disp int32, src Register) {
	switch width {
	case U8, S8:
		a.emit(rex(false, regExt(src), false, regExt(dest)), 0x88, modrm(2, regLow3(src), regLow3(dest)))
		a.writeSibFix(dest)
	case U16, S16:
		a.emit(0x66)
		a.emit(rex(false, regExt(src), false, regExt(dest)), 0x89, modrm(2, regLow3(src), regLow3(dest)))
		a.writeSibFix(dest)
	case U32, S32:
		a.emit(rex(false, regExt(src), false, regExt(dest)), 0x89, modrm(2, regLow3(src), regLow3(dest)))
		a.writeSibFix(dest)
	default: // U64, S64
		a.emit(rex(true, regExt(src), false, regExt(dest)), 0x89, modrm(2, regLow3(src), regLow3(dest)))
		a.writeSibFix(dest)
	}
	a.writeImm32(disp)
}

// Debug assembles a call to handler (an absolute code address) with x
// as its sole argument, preserving every register in CALLER_SAVES
// across the call. It is used to implement the Debug action: a
// breakpoint-like hook that lets an embedder observe a traced value
// without disturbing the rest of the trace's register state.
//
// If len(CALLER_SAVES) is odd, an extra push/pop of CALLER_SAVES[0]
// compensates so RSP is 16-byte aligned at the call, per the SysV
// ABI's requirement on a call instruction boundary.
func (a *Assembler) Debug(argReg Register, x Register, handler int64) {
	if len(CALLER_SAVES)&1 != 0 {
		a.Push(CALLER_SAVES[0])
	}
	for _, r := range CALLER_SAVES {
		a.Push(r)
	}
	a.Move(P64, argReg, x)
	a.Const(P64, RC, handler)
	a.Call(RC)
	for i := len(CALLER_SAVES) - 1; i >= 0; i-- {
		a.Pop(CALLER_SAVES[i])
	}
	if len(CALLER_SAVES)&1 != 0 {
		a.Pop(CALLER_SAVES[0])
	}
}
