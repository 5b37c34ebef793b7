package builder

import (
	"github.com/aclements/go-mijit/internal/cft"
	"github.com/aclements/go-mijit/internal/code"
	"github.com/aclements/go-mijit/internal/dataflow"
)

// materializeAction fills in the operand Variables of n's Action
// template from alloc, using n's recorded data inputs. The order of
// df.Ins(n) must match the order the corresponding code.*Action
// constructor expects (e.g. BinaryAction's src1 before src2); that
// contract is the dataflow builder's responsibility, not this
// package's.
func materializeAction(df *dataflow.Dataflow, alloc map[dataflow.Out]code.Variable, n dataflow.Node) code.Action {
	a := df.Action(n)
	ins := df.Ins(n)
	out0 := dataflow.Out{Node: n, Index: 0}

	switch a.Kind {
	case code.ActionConstant:
		a.Dest = alloc[out0]
	case code.ActionMove, code.ActionUnary:
		a.Dest = alloc[out0]
		a.Src1 = alloc[ins[0]]
	case code.ActionBinary:
		a.Dest = alloc[out0]
		a.Src1 = alloc[ins[0]]
		a.Src2 = alloc[ins[1]]
	case code.ActionDivision:
		quot := alloc[out0]
		rem := alloc[dataflow.Out{Node: n, Index: 1}]
		a = code.DivisionAction(a.Prec, a.Div, quot, rem, alloc[ins[0]], alloc[ins[1]])
	case code.ActionLoadGlobal:
		a.Dest = alloc[out0]
	case code.ActionStoreGlobal:
		a.Src1 = alloc[ins[0]]
	case code.ActionLoad:
		a.Dest = alloc[out0]
		a.Src1 = alloc[ins[0]]
	case code.ActionStore:
		a.Src1 = alloc[ins[0]]
		a.Src2 = alloc[ins[1]]
	case code.ActionPush:
		a.Src1 = alloc[ins[0]]
	case code.ActionPop:
		a.Dest = alloc[out0]
	case code.ActionDebug:
		a.Src1 = alloc[ins[0]]
	}
	return a
}

// mapColdEBB is cft.MapCold specialized to propagate an error out of
// the per-branch builder callback, which cft.MapCold's signature
// (func(T) U, no error) cannot express.
func mapColdEBB[L any](c cft.Cold[*HotPathTree[L]], f func(*HotPathTree[L]) (code.EBB[L], error)) (cft.Cold[code.EBB[L]], error) {
	out := cft.Cold[code.EBB[L]]{Guard: c.Guard, HotIndex: c.HotIndex, NumCases: c.NumCases, Colds: make([]code.EBB[L], len(c.Colds))}
	for i, t := range c.Colds {
		v, err := f(t)
		if err != nil {
			return cft.Cold[code.EBB[L]]{}, err
		}
		out.Colds[i] = v
	}
	return out, nil
}

// codeGen converts a scheduled instruction list into an EBB by a
// reverse pass from exit toward entry (spec.md §4.4). buildCold
// builds the EBB for one cold continuation of a guard, recursing back
// into the builder; it is supplied by walk so this function does not
// need to know about keep-alive bookkeeping or marks.
func codeGen[L any](
	df *dataflow.Dataflow,
	instrs []Instruction,
	alloc map[dataflow.Out]code.Variable,
	tree *HotPathTree[L],
	slotsUsed int,
	buildCold func(child *HotPathTree[L], keepAlives map[dataflow.Out]struct{}, coldSlotsUsed int) (code.EBB[L], error),
) (code.EBB[L], error) {
	spillCountBefore := make([]int, len(instrs)+1)
	for i, in := range instrs {
		spillCountBefore[i+1] = spillCountBefore[i]
		if in.Kind == InstSpill {
			spillCountBefore[i+1]++
		}
	}
	slotsAtPos := func(i int) int { return slotsUsed + 2*spillCountBefore[i] }

	// Every leaf this segment might reach hands control back out through
	// the function's single return register (spec.md §4.6: "epilogue
	// writes [the state index] back to the convention-defined return
	// register"), so the segment's exit value is moved into StateIndex
	// before anything else, regardless of which guard (if any) later
	// overwrites ending with a Switch.
	ending := code.LeafEnding[L](tree.Leaf)
	actions := []code.Action{code.MoveAction(code.P64, code.RegValue(code.StateIndex), alloc[dataflow.Out{Node: tree.Exit}])}

	for i := len(instrs) - 1; i >= 0; i-- {
		in := instrs[i]

		if in.Kind == InstSpill {
			action := code.MoveAction(code.P64, alloc[in.Out], code.RegValue(in.Reg))
			actions = append([]code.Action{action}, actions...)
			continue
		}

		n := in.Node
		if df.IsGuard(n) {
			gf := tree.Children[n]
			hotEBB := code.EBB[L]{Actions: actions, Ending: ending}

			slotsHere := slotsAtPos(i)
			coldResult, err := mapColdEBB(gf.Cold, func(child *HotPathTree[L]) (code.EBB[L], error) {
				return buildCold(child, gf.KeepAlives, slotsHere)
			})
			if err != nil {
				return code.EBB[L]{}, err
			}

			cases, def := coldResult.InsertHot(hotEBB)
			discriminant := alloc[df.Ins(n)[0]]
			ending = code.SwitchEnding(code.Switch[L]{
				Discriminant: discriminant,
				Test:         df.Test(n),
				Prec:         df.TestPrec(n),
				Imm:          df.Imm(n),
				Cases:        cases,
				Default:      &def,
			})
			actions = nil
			continue
		}

		if df.IsNoOp(n) {
			continue
		}

		action := materializeAction(df, alloc, n)
		actions = append([]code.Action{action}, actions...)
	}

	return code.EBB[L]{Actions: actions, Ending: ending}, nil
}
