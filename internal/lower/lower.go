package lower

import (
	"fmt"

	"github.com/aclements/go-mijit/internal/code"
	"github.com/aclements/go-mijit/internal/x86asm"
)

// Lowerer assembles a sequence of EBBs into machine code, translating
// abstract code.Action/code.Switch/code.TestOp values into concrete
// x86asm instructions and tracking the Labels used to wire one EBB's
// exits to another's entry.
type Lowerer struct {
	Asm *x86asm.Assembler
}

// New returns a Lowerer writing through asm.
func New(asm *x86asm.Assembler) *Lowerer {
	return &Lowerer{Asm: asm}
}

// Here returns the current assembly address.
func (lo *Lowerer) Here() int { return lo.Asm.Pos() }

// Steal repoints every patch currently pending on loser so it targets
// winner instead, leaving loser with no pending patches. Each patched
// instruction is rewritten from loser's target to winner's target
// (either of which may be undefined), and the patch moves onto winner.
func (lo *Lowerer) Steal(winner, loser *Label) {
	for _, p := range loser.drain() {
		lo.Asm.Patch(p, loser.target, winner.target)
		winner.push(p)
	}
}

// Patch sets label's target to the current assembly address and
// rewrites every instruction currently pointing at it, returning a
// fresh Label holding label's previous target (with no patches of its
// own). Patching an already-defined Label is permitted — the returned
// Label lets the caller still reach the code that used to be there.
func (lo *Lowerer) Patch(label *Label) *Label {
	old := &Label{target: label.target, patches: label.patches}
	label.target = lo.Here()
	label.patches = nil
	lo.Steal(label, old)
	return old
}

// Define sets label's target to the current assembly address. label
// must not already be defined; use Patch to redefine one.
func (lo *Lowerer) Define(label *Label) {
	if label.IsDefined() {
		panic("lower: Define of an already-defined Label")
	}
	lo.Patch(label)
}

// Jump assembles an unconditional jump to label, which may still be
// undefined (Patch or Define will later fill in the target).
func (lo *Lowerer) Jump(label *Label) {
	p := lo.Asm.ConstJump(label.target)
	label.push(p)
}

// slotOffset returns the displacement of spill slot s from RSP, valid
// between Prologue and the matching Epilogue.
func slotOffset(s code.Slot) int32 { return int32(8 * uint32(s)) }

// Prologue assembles Mijit's function entry sequence: the pool
// pointer (first SysV argument, RDI) moves to code.PoolReg, the state
// index (second argument, RSI) moves to code.StateIndex, and RSP is
// lowered by 8*maxSlots bytes to reserve the spill area this function
// body will address relative to RSP (maxSlots is always even — the
// allocator hands out spill slots two at a time — so the reservation
// keeps RSP 16-byte aligned).
func (lo *Lowerer) Prologue(maxSlots int) {
	lo.Asm.Move(x86asm.P64, x86asm.Register(code.PoolReg), x86asm.RDI)
	lo.Asm.Move(x86asm.P64, x86asm.Register(code.StateIndex), x86asm.RSI)
	if maxSlots > 0 {
		lo.Asm.ConstOp(x86asm.Sub, x86asm.P64, x86asm.RSP, int32(8*maxSlots))
	}
}

// Epilogue assembles Mijit's function exit sequence: release the
// spill area Prologue reserved and return. The state index is already
// in RAX, since code.StateIndex and the SysV return register are the
// same physical register (register 0).
func (lo *Lowerer) Epilogue(maxSlots int) {
	if maxSlots > 0 {
		lo.Asm.ConstOp(x86asm.Add, x86asm.P64, x86asm.RSP, int32(8*maxSlots))
	}
	lo.Asm.Ret()
}

// reg resolves v to a register, loading it from the spill area into
// scratch first if v is a Slot.
func (lo *Lowerer) reg(v code.Variable, scratch x86asm.Register) x86asm.Register {
	if !v.IsSlot() {
		return x86asm.Register(v.Register())
	}
	lo.Asm.Load(x86asm.P64, scratch, x86asm.RSP, slotOffset(v.Slot()))
	return scratch
}

// failCondition returns the condition under which test(value, imm)
// has failed, i.e. the condition that branches away from the hot
// case. test must not be code.Always.
func failCondition(test code.TestOp) x86asm.Condition {
	switch test {
	case code.Bits:
		return x86asm.E // (value & imm) == 0
	case code.Lt:
		return x86asm.GE
	case code.Ge:
		return x86asm.L
	case code.Ult:
		return x86asm.AE
	case code.Uge:
		return x86asm.B
	case code.Eq:
		return x86asm.NE
	case code.Ne:
		return x86asm.E
	default:
		panic(fmt.Sprintf("lower: unknown TestOp %v", test))
	}
}

// LowerTestOp assembles code that jumps to falseLabel unless
// test(discriminant, imm), compared at width prec, holds. Always
// assembles no test at all and never branches, matching code.Switch's
// contract that its Cases[0] is reached unconditionally in that case.
func (lo *Lowerer) LowerTestOp(test code.TestOp, prec code.Precision, discriminant code.Variable, imm int32, falseLabel *Label) {
	if test == code.Always {
		return
	}
	reg := lo.reg(discriminant, x86asm.Register(code.ScratchReg))
	if test == code.Bits {
		lo.Asm.TestImm(prec, reg, imm)
	} else {
		lo.Asm.ConstOp(x86asm.Cmp, prec, reg, imm)
	}
	p := lo.Asm.JumpIf(failCondition(test), falseLabel.target)
	falseLabel.push(p)
}

// LowerAction assembles the single instruction (or short instruction
// sequence, for Abs and Division) that a.Kind names. Every Action's
// Dest is either a fresh register (the common case) or, for the one
// synthesized by the allocator's spill eviction, a Slot being written
// from a register Src1 — LowerAction handles both.
func (lo *Lowerer) LowerAction(a code.Action) {
	const scratch = x86asm.Register(code.ScratchReg)

	if a.Kind == code.ActionMove && a.Dest.IsSlot() {
		// The allocator's own spill-eviction Move: Dest is always a
		// Slot only in this one case, Src1 always a register.
		lo.Asm.Store(a.Prec, x86asm.RSP, slotOffset(a.Dest.Slot()), x86asm.Register(a.Src1.Register()))
		return
	}

	switch a.Kind {
	case code.ActionConstant:
		lo.Asm.Const(a.Prec, x86asm.Register(a.Dest.Register()), a.Imm)

	case code.ActionMove:
		dest := x86asm.Register(a.Dest.Register())
		if a.Src1.IsSlot() {
			lo.Asm.Load(a.Prec, dest, x86asm.RSP, slotOffset(a.Src1.Slot()))
		} else {
			lo.Asm.Move(a.Prec, dest, x86asm.Register(a.Src1.Register()))
		}

	case code.ActionUnary:
		dest := x86asm.Register(a.Dest.Register())
		lo.lowerUnary(a.Unary, a.Prec, dest, a.Src1)

	case code.ActionBinary:
		dest := x86asm.Register(a.Dest.Register())
		lo.lowerBinary(a.Binary, a.Prec, dest, a.Src1, a.Src2)

	case code.ActionDivision:
		lo.lowerDivision(a)

	case code.ActionLoadGlobal:
		dest := x86asm.Register(a.Dest.Register())
		lo.Asm.Load(a.Prec, dest, x86asm.Register(code.PoolReg), int32(a.Global)*8)

	case code.ActionStoreGlobal:
		src := lo.reg(a.Src1, scratch)
		lo.Asm.Store(a.Prec, x86asm.Register(code.PoolReg), int32(a.Global)*8, src)

	case code.ActionLoad:
		dest := x86asm.Register(a.Dest.Register())
		addr := lo.reg(a.Src1, scratch)
		lo.Asm.LoadNarrow(a.Prec, a.Width, dest, addr, int32(a.Imm))

	case code.ActionStore:
		addr := lo.reg(a.Src1, scratch)
		src := lo.reg(a.Src2, x86asm.Register(code.ScratchReg2))
		lo.Asm.StoreNarrow(a.Width, addr, int32(a.Imm), src)

	case code.ActionPush:
		src := lo.reg(a.Src1, scratch)
		lo.Asm.Push(src)

	case code.ActionPop:
		dest := x86asm.Register(a.Dest.Register())
		lo.Asm.Pop(dest)

	case code.ActionDebug:
		src := lo.reg(a.Src1, scratch)
		lo.Asm.Debug(x86asm.RDI, src, debugHandler)

	default:
		panic(fmt.Sprintf("lower: unhandled ActionKind %v", a.Kind))
	}
}

// debugHandler is the address a Debug action calls. It is read when
// the action is lowered, so each lowered Debug calls whatever
// SetDebugHandler last installed at that time (zero until then).
var debugHandler int64

// SetDebugHandler installs the code address Debug actions call.
func SetDebugHandler(addr int64) { debugHandler = addr }

func (lo *Lowerer) lowerUnary(op code.UnaryOp, prec code.Precision, dest x86asm.Register, src code.Variable) {
	switch op {
	case code.Negate:
		lo.loadOrMove(prec, dest, src)
		lo.Asm.Neg(prec, dest)
	case code.Not:
		lo.loadOrMove(prec, dest, src)
		lo.Asm.Not(prec, dest)
	case code.Abs:
		const scratch = x86asm.Register(code.ScratchReg)
		lo.loadOrMove(prec, scratch, src)
		lo.Asm.Neg(prec, scratch) // scratch = -src
		lo.loadOrMove(prec, dest, src)
		lo.Asm.ConstOp(x86asm.Cmp, prec, dest, 0) // flags = sign(src); Cmp never writes dest
		lo.Asm.MoveIf(x86asm.L, prec, dest, scratch)
	default:
		panic(fmt.Sprintf("lower: unknown UnaryOp %v", op))
	}
}

// loadOrMove moves src into dest, whether src is a register or a
// spill slot.
func (lo *Lowerer) loadOrMove(prec code.Precision, dest x86asm.Register, src code.Variable) {
	if src.IsSlot() {
		lo.Asm.Load(prec, dest, x86asm.RSP, slotOffset(src.Slot()))
	} else {
		lo.Asm.Move(prec, dest, x86asm.Register(src.Register()))
	}
}

func (lo *Lowerer) lowerBinary(op code.BinaryOp, prec code.Precision, dest x86asm.Register, src1, src2 code.Variable) {
	lo.loadOrMove(prec, dest, src1)

	switch op {
	case code.Add:
		lo.binOp(x86asm.Add, prec, dest, src2)
	case code.Sub:
		lo.binOp(x86asm.Sub, prec, dest, src2)
	case code.And:
		lo.binOp(x86asm.And, prec, dest, src2)
	case code.Or:
		lo.binOp(x86asm.Or, prec, dest, src2)
	case code.Xor:
		lo.binOp(x86asm.Xor, prec, dest, src2)
	case code.Mul:
		if src2.IsSlot() {
			lo.Asm.LoadMul(prec, dest, x86asm.RSP, slotOffset(src2.Slot()))
		} else {
			lo.Asm.Mul(prec, dest, x86asm.Register(src2.Register()))
		}
	case code.Lsl:
		lo.shiftOp(x86asm.Shl, prec, dest, src2)
	case code.Lsr:
		lo.shiftOp(x86asm.Shr, prec, dest, src2)
	case code.Asr:
		lo.shiftOp(x86asm.Sar, prec, dest, src2)
	case code.LtOp, code.UltOp, code.EqOp:
		lo.compareOp(op, prec, dest, src2)
	default:
		panic(fmt.Sprintf("lower: unknown BinaryOp %v", op))
	}
}

// binOp assembles "dest = dest <op> src2", reading src2 directly from
// the spill area (a load-form opcode) rather than materializing it
// into a register first.
func (lo *Lowerer) binOp(op x86asm.BinaryOp, prec code.Precision, dest x86asm.Register, src2 code.Variable) {
	if src2.IsSlot() {
		lo.Asm.LoadOp(op, prec, dest, x86asm.RSP, slotOffset(src2.Slot()))
	} else {
		lo.Asm.Op(op, prec, dest, x86asm.Register(src2.Register()))
	}
}

// shiftOp assembles "dest = dest <op> src2", where src2 is the shift
// amount; x86 shifts always read their count from CL, so a
// register-operand src2 must first move through RCX. RCX is
// code.PoolReg, so its value is held in code.ScratchReg2 across the
// shift and put back afterwards.
func (lo *Lowerer) shiftOp(op x86asm.ShiftOp, prec code.Precision, dest x86asm.Register, src2 code.Variable) {
	if dest == x86asm.RCX {
		panic("lower: shift destination must not be RCX, the shift-count register")
	}
	const saved = x86asm.Register(code.ScratchReg2)
	lo.Asm.Move(x86asm.P64, saved, x86asm.RCX)
	lo.loadOrMove(code.P64, x86asm.RCX, src2)
	lo.Asm.Shift(op, prec, dest)
	lo.Asm.Move(x86asm.P64, x86asm.RCX, saved)
}

// compareOp assembles a BinaryOp comparison (Lt/Ult/Eq), materializing
// as all-ones (true) or all-zeros (false) in dest.
func (lo *Lowerer) compareOp(op code.BinaryOp, prec code.Precision, dest x86asm.Register, src2 code.Variable) {
	const scratch = x86asm.Register(code.ScratchReg)
	lo.binOp(x86asm.Cmp, prec, dest, src2) // flags only; Cmp never writes dest

	var cc x86asm.Condition
	switch op {
	case code.LtOp:
		cc = x86asm.L
	case code.UltOp:
		cc = x86asm.B
	case code.EqOp:
		cc = x86asm.E
	}
	// Const's own zero-immediate idiom assembles a flag-clobbering XOR;
	// ConstPreservingFlags avoids it so the Cmp above still holds by the
	// time MoveIf reads it.
	lo.Asm.ConstPreservingFlags(prec, dest, 0)
	lo.Asm.ConstPreservingFlags(prec, scratch, -1)
	lo.Asm.MoveIf(cc, prec, dest, scratch)
}

// lowerDivision assembles a combined divide/modulo. Div/Idiv take
// their dividend from RDX:RAX and leave quotient/remainder there, so
// this always routes through those two registers regardless of where
// the allocator placed the operands and destinations, at the cost of
// a few redundant same-register moves when they already line up.
func (lo *Lowerer) lowerDivision(a code.Action) {
	lo.loadOrMove(a.Prec, x86asm.RAX, a.Src1)
	if a.Div == code.SignedDivMod {
		// Idiv divides the signed value in RDX:RAX, so RDX must hold
		// copies of RAX's sign bit.
		shift := uint8(31)
		if a.Prec == code.P64 {
			shift = 63
		}
		lo.Asm.Move(a.Prec, x86asm.RDX, x86asm.RAX)
		lo.Asm.ConstShift(x86asm.Sar, a.Prec, x86asm.RDX, shift)
	} else {
		lo.Asm.Const(a.Prec, x86asm.RDX, 0)
	}

	switch a.Div {
	case code.UnsignedDivMod:
		if a.Src2.IsSlot() {
			lo.Asm.LoadUDiv(a.Prec, x86asm.RSP, slotOffset(a.Src2.Slot()))
		} else {
			lo.Asm.UDiv(a.Prec, x86asm.Register(a.Src2.Register()))
		}
	case code.SignedDivMod:
		if a.Src2.IsSlot() {
			lo.Asm.LoadSDiv(a.Prec, x86asm.RSP, slotOffset(a.Src2.Slot()))
		} else {
			lo.Asm.SDiv(a.Prec, x86asm.Register(a.Src2.Register()))
		}
	}

	// The remainder must come out of RDX before the quotient move from
	// RAX, in case the allocator placed the quotient's destination in
	// RDX itself.
	lo.Asm.Move(a.Prec, x86asm.Register(a.Rem().Register()), x86asm.RDX)
	lo.Asm.Move(a.Prec, x86asm.Register(a.Dest.Register()), x86asm.RAX)
}
