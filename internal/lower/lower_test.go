package lower

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/aclements/go-mijit/internal/buffer"
	"github.com/aclements/go-mijit/internal/code"
	asm "github.com/aclements/go-mijit/internal/x86asm"
)

func newLowerer() (*buffer.Memory, *Lowerer) {
	mem := buffer.NewMemory()
	return mem, New(asm.New(mem))
}

// decodeAll decodes every instruction in code as a flat sequence,
// failing the test if any byte is left over or unrecognized.
func decodeAll(t *testing.T, mem *buffer.Memory, end int) []x86asm.Inst {
	t.Helper()
	buf := mem.Bytes()[:end]
	var insts []x86asm.Inst
	for pos := 0; pos < len(buf); {
		inst, err := x86asm.Decode(buf[pos:], 64)
		if err != nil {
			t.Fatalf("Decode at %d (% X) failed: %v", pos, buf[pos:], err)
		}
		insts = append(insts, inst)
		pos += inst.Len
	}
	return insts
}

func reg(r code.Register) code.Variable { return code.RegValue(r) }
func slot(s code.Slot) code.Variable    { return code.SlotValue(s) }

// TestLabelStealPatchDefine is testable property 5's Label-level
// analogue: two jumps to an undefined Label, one stolen onto another,
// then Define rewrites every instruction that ever pointed at it to
// the same final address.
func TestLabelStealPatchDefine(t *testing.T) {
	mem, lo := newLowerer()

	a := NewLabel()
	b := NewLabel()
	lo.Jump(a)
	lo.Jump(a)
	lo.Jump(b)

	lo.Steal(a, b) // a now owns all three pending jumps

	lo.Asm.Const(asm.P64, asm.RAX, 0) // filler so Define's target isn't 0
	lo.Define(a)

	insts := decodeAll(t, mem, lo.Here())
	for i := 0; i < 3; i++ {
		if insts[i].Op != x86asm.JMP {
			t.Fatalf("instruction %d = %v, want JMP", i, insts[i].Op)
		}
	}
	if !a.IsDefined() {
		t.Fatalf("label a not defined after Define")
	}
}

// TestPatchRedefinesAndReturnsOldLabel checks that re-Patching an
// already-defined Label produces a Label capturing its previous
// target, letting old jumps still reach the prior definition site.
func TestPatchRedefinesAndReturnsOldLabel(t *testing.T) {
	_, lo := newLowerer()

	l := NewLabel()
	lo.Define(l)
	firstTarget := l.target

	lo.Asm.Const(asm.P64, asm.RAX, 1)
	old := lo.Patch(l)

	if old.target != firstTarget {
		t.Fatalf("old.target = %d, want %d", old.target, firstTarget)
	}
	if l.target == firstTarget {
		t.Fatalf("l.target unchanged after Patch")
	}
}

func TestPrologueEpilogueRoundTrip(t *testing.T) {
	mem, lo := newLowerer()
	lo.Prologue(4)
	prologueEnd := lo.Here()
	lo.Epilogue(4)

	insts := decodeAll(t, mem, lo.Here())
	if len(insts) < 4 {
		t.Fatalf("got %d instructions, want at least 4", len(insts))
	}
	// Move(PoolReg, RDI), Move(StateIndex, RSI), Sub(RSP, 32), ..., Add(RSP, 32), Ret.
	if insts[0].Op != x86asm.MOV || insts[1].Op != x86asm.MOV {
		t.Errorf("prologue does not open with two MOVs: %v, %v", insts[0].Op, insts[1].Op)
	}
	if insts[2].Op != x86asm.SUB {
		t.Errorf("prologue third instruction = %v, want SUB", insts[2].Op)
	}
	last := insts[len(insts)-1]
	if last.Op != x86asm.RET {
		t.Errorf("epilogue does not end with RET, got %v", last.Op)
	}
	if insts[len(insts)-2].Op != x86asm.ADD {
		t.Errorf("epilogue does not precede RET with ADD, got %v", insts[len(insts)-2].Op)
	}
	if prologueEnd == 0 {
		t.Errorf("prologue emitted nothing")
	}
}

func TestPrologueEpilogueOmitSubAddWhenNoSlots(t *testing.T) {
	mem, lo := newLowerer()
	lo.Prologue(0)
	lo.Epilogue(0)

	insts := decodeAll(t, mem, lo.Here())
	for _, in := range insts {
		if in.Op == x86asm.SUB || in.Op == x86asm.ADD {
			t.Errorf("unexpected %v with maxSlots=0", in.Op)
		}
	}
}

// TestLowerTestOpFailConditions is testable property 6's lowerer-level
// analogue: every TestOp other than Always assembles exactly one
// comparison followed by one conditional jump, with the condition
// matching failCondition's table.
func TestLowerTestOpFailConditions(t *testing.T) {
	cases := []struct {
		test    code.TestOp
		wantCmp x86asm.Op
		wantCC  x86asm.Op
	}{
		{code.Bits, x86asm.TEST, x86asm.JE},
		{code.Lt, x86asm.CMP, x86asm.JGE},
		{code.Ge, x86asm.CMP, x86asm.JL},
		{code.Ult, x86asm.CMP, x86asm.JAE},
		{code.Uge, x86asm.CMP, x86asm.JB},
		{code.Eq, x86asm.CMP, x86asm.JNE},
		{code.Ne, x86asm.CMP, x86asm.JE},
	}
	for _, c := range cases {
		mem, lo := newLowerer()
		falseLabel := NewLabel()
		lo.LowerTestOp(c.test, code.P64, reg(4), 7, falseLabel)
		insts := decodeAll(t, mem, lo.Here())
		if len(insts) != 2 {
			t.Fatalf("%v: got %d instructions, want 2", c.test, len(insts))
		}
		if insts[0].Op != c.wantCmp {
			t.Errorf("%v: first instruction = %v, want %v", c.test, insts[0].Op, c.wantCmp)
		}
		if insts[1].Op != c.wantCC {
			t.Errorf("%v: second instruction = %v, want %v", c.test, insts[1].Op, c.wantCC)
		}
		if len(falseLabel.patches) != 1 {
			t.Errorf("%v: falseLabel has %d pending patches, want 1", c.test, len(falseLabel.patches))
		}
	}
}

func TestLowerTestOpAlwaysEmitsNothing(t *testing.T) {
	mem, lo := newLowerer()
	falseLabel := NewLabel()
	lo.LowerTestOp(code.Always, code.P64, reg(4), 0, falseLabel)
	if lo.Here() != 0 {
		t.Errorf("Always test emitted %d bytes, want 0", lo.Here())
	}
	if len(falseLabel.patches) != 0 {
		t.Errorf("Always test pushed a patch, want none")
	}
}

// TestLowerTestOpSpilledDiscriminant checks that a Slot discriminant
// is loaded into ScratchReg before the comparison, never touching a
// live register.
func TestLowerTestOpSpilledDiscriminant(t *testing.T) {
	mem, lo := newLowerer()
	falseLabel := NewLabel()
	lo.LowerTestOp(code.Eq, code.P64, slot(2), 3, falseLabel)

	insts := decodeAll(t, mem, lo.Here())
	if len(insts) != 3 {
		t.Fatalf("got %d instructions, want 3 (load, cmp, jump)", len(insts))
	}
	if insts[0].Op != x86asm.MOV {
		t.Errorf("first instruction = %v, want MOV (load from slot)", insts[0].Op)
	}
}

func TestLowerActionConstantAndMove(t *testing.T) {
	mem, lo := newLowerer()
	lo.LowerAction(code.ConstantAction(code.P64, reg(5), 42))
	lo.LowerAction(code.MoveAction(code.P64, reg(6), reg(5)))
	insts := decodeAll(t, mem, lo.Here())
	if insts[0].Op != x86asm.MOV {
		t.Errorf("Constant lowered to %v, want MOV", insts[0].Op)
	}
	if insts[1].Op != x86asm.MOV {
		t.Errorf("Move lowered to %v, want MOV", insts[1].Op)
	}
}

// TestLowerActionMoveToSlotIsSpillEviction exercises the allocator's
// own spill-eviction Move: Dest is a Slot, Src1 a register.
func TestLowerActionMoveToSlotIsSpillEviction(t *testing.T) {
	mem, lo := newLowerer()
	lo.LowerAction(code.MoveAction(code.P64, slot(1), reg(5)))
	insts := decodeAll(t, mem, lo.Here())
	if len(insts) != 1 || insts[0].Op != x86asm.MOV {
		t.Fatalf("spill-eviction move = %v, want a single MOV", insts)
	}
}

func TestLowerActionBinaryAdd(t *testing.T) {
	mem, lo := newLowerer()
	lo.LowerAction(code.BinaryAction(code.P64, code.Add, reg(5), reg(6), reg(7)))
	insts := decodeAll(t, mem, lo.Here())
	if len(insts) != 2 {
		t.Fatalf("got %d instructions, want 2 (move, add)", len(insts))
	}
	if insts[0].Op != x86asm.MOV || insts[1].Op != x86asm.ADD {
		t.Errorf("Add lowered to %v, %v; want MOV, ADD", insts[0].Op, insts[1].Op)
	}
}

// TestLowerActionBinarySpilledSecondOperand checks that a spilled
// src2 is read directly via a memory-operand opcode rather than first
// being loaded into a scratch register.
func TestLowerActionBinarySpilledSecondOperand(t *testing.T) {
	mem, lo := newLowerer()
	lo.LowerAction(code.BinaryAction(code.P64, code.Sub, reg(5), reg(6), slot(3)))
	insts := decodeAll(t, mem, lo.Here())
	if len(insts) != 2 {
		t.Fatalf("got %d instructions, want 2", len(insts))
	}
	if insts[1].Op != x86asm.SUB {
		t.Errorf("second instruction = %v, want SUB", insts[1].Op)
	}
	if _, ok := insts[1].Args[1].(x86asm.Mem); !ok {
		t.Errorf("SUB second operand is not a memory operand: %v", insts[1].Args[1])
	}
}

func TestLowerActionBinaryCompareMaterializesBoolean(t *testing.T) {
	mem, lo := newLowerer()
	lo.LowerAction(code.BinaryAction(code.P64, code.LtOp, reg(5), reg(6), reg(7)))
	insts := decodeAll(t, mem, lo.Here())
	// move, cmp, const(0), const(-1), cmovl
	if len(insts) != 5 {
		t.Fatalf("got %d instructions, want 5: %v", len(insts), insts)
	}
	if insts[1].Op != x86asm.CMP {
		t.Errorf("second instruction = %v, want CMP", insts[1].Op)
	}
	if insts[4].Op != x86asm.CMOVL {
		t.Errorf("last instruction = %v, want CMOVL", insts[4].Op)
	}
}

func TestLowerActionUnaryAbsIsBranchFree(t *testing.T) {
	mem, lo := newLowerer()
	lo.LowerAction(code.UnaryAction(code.P64, code.Abs, reg(5), reg(6)))
	insts := decodeAll(t, mem, lo.Here())
	for _, in := range insts {
		if in.Op == x86asm.JE || in.Op == x86asm.JNE || in.Op == x86asm.JL || in.Op == x86asm.JMP {
			t.Fatalf("Abs lowering contains a branch: %v", insts)
		}
	}
	var sawCmov bool
	for _, in := range insts {
		if in.Op == x86asm.CMOVL {
			sawCmov = true
		}
	}
	if !sawCmov {
		t.Errorf("Abs lowering has no CMOVL, want a branch-free conditional move: %v", insts)
	}
}

func TestLowerActionShiftRoutesThroughRCX(t *testing.T) {
	mem, lo := newLowerer()
	lo.LowerAction(code.BinaryAction(code.P64, code.Lsl, reg(5), reg(6), reg(7)))
	insts := decodeAll(t, mem, lo.Here())
	var sawShl bool
	for _, in := range insts {
		if in.Op == x86asm.SHL {
			sawShl = true
		}
	}
	if !sawShl {
		t.Errorf("Lsl lowering has no SHL: %v", insts)
	}
}

func TestLowerActionShiftPanicsOnRCXDest(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("shift into RCX did not panic")
		}
	}()
	_, lo := newLowerer()
	lo.LowerAction(code.BinaryAction(code.P64, code.Lsl, reg(code.Register(asm.RCX)), reg(6), reg(7)))
}

// TestLowerActionDivisionExtractsRemainderBeforeQuotient checks the
// ordering constraint directly: the remainder's destination move from
// RDX must precede the quotient's move from RAX.
func TestLowerActionDivisionExtractsRemainderBeforeQuotient(t *testing.T) {
	mem, lo := newLowerer()
	a := code.DivisionAction(code.P64, code.SignedDivMod, reg(5), reg(6), reg(7), reg(8))
	lo.LowerAction(a)
	insts := decodeAll(t, mem, lo.Here())

	var idivIdx = -1
	for i, in := range insts {
		if in.Op == x86asm.IDIV {
			idivIdx = i
		}
	}
	if idivIdx < 0 {
		t.Fatalf("no IDIV in division lowering: %v", insts)
	}
	if idivIdx+2 >= len(insts) {
		t.Fatalf("not enough instructions after IDIV to hold both moves: %v", insts)
	}
	if insts[idivIdx+1].Op != x86asm.MOV || insts[idivIdx+2].Op != x86asm.MOV {
		t.Fatalf("moves after IDIV = %v, %v; want MOV, MOV", insts[idivIdx+1].Op, insts[idivIdx+2].Op)
	}
}

func TestLowerActionStoreUsesDistinctScratchRegisters(t *testing.T) {
	mem, lo := newLowerer()
	a := code.StoreAction(code.P64, code.U64, 0, slot(1), slot(2), 0)
	lo.LowerAction(a)
	insts := decodeAll(t, mem, lo.Here())
	if len(insts) != 3 {
		t.Fatalf("got %d instructions, want 3 (load addr, load value, store)", len(insts))
	}
	if insts[0].Op != x86asm.MOV || insts[1].Op != x86asm.MOV {
		t.Fatalf("loads = %v, %v; want MOV, MOV", insts[0].Op, insts[1].Op)
	}
	addrReg, ok1 := insts[0].Args[0].(x86asm.Reg)
	valueReg, ok2 := insts[1].Args[0].(x86asm.Reg)
	if !ok1 || !ok2 {
		t.Fatalf("scratch loads do not decode to register destinations: %v, %v", insts[0].Args[0], insts[1].Args[0])
	}
	if addrReg == valueReg {
		t.Errorf("Store's address and value scratch loads target the same register %v, want distinct", addrReg)
	}
}

func TestLowerActionPushPopDebug(t *testing.T) {
	mem, lo := newLowerer()
	SetDebugHandler(0x1000)
	lo.LowerAction(code.PushAction(reg(5)))
	lo.LowerAction(code.PopAction(reg(6)))
	lo.LowerAction(code.DebugAction(reg(7)))
	insts := decodeAll(t, mem, lo.Here())
	if insts[0].Op != x86asm.PUSH {
		t.Errorf("Push lowered to %v, want PUSH", insts[0].Op)
	}
	if insts[1].Op != x86asm.POP {
		t.Errorf("Pop lowered to %v, want POP", insts[1].Op)
	}
	var sawCall bool
	for _, in := range insts[2:] {
		if in.Op == x86asm.CALL {
			sawCall = true
		}
	}
	if !sawCall {
		t.Errorf("Debug lowering has no CALL: %v", insts)
	}
}

func TestLowerActionLoadStoreGlobal(t *testing.T) {
	mem, lo := newLowerer()
	lo.LowerAction(code.LoadGlobalAction(code.P64, 3, reg(5)))
	lo.LowerAction(code.StoreGlobalAction(code.P64, 3, reg(5)))
	insts := decodeAll(t, mem, lo.Here())
	if insts[0].Op != x86asm.MOV || insts[1].Op != x86asm.MOV {
		t.Fatalf("LoadGlobal/StoreGlobal = %v, %v; want MOV, MOV", insts[0].Op, insts[1].Op)
	}
	if _, ok := insts[0].Args[1].(x86asm.Mem); !ok {
		t.Errorf("LoadGlobal source is not a memory operand: %v", insts[0].Args[1])
	}
	if _, ok := insts[1].Args[0].(x86asm.Mem); !ok {
		t.Errorf("StoreGlobal destination is not a memory operand: %v", insts[1].Args[0])
	}
}
