package builder

import (
	"fmt"

	"github.com/aclements/go-mijit/internal/code"
	"github.com/aclements/go-mijit/internal/dataflow"
)

// InstKind distinguishes the two kinds of scheduled Instruction.
type InstKind uint8

const (
	InstNode InstKind = iota
	InstSpill
)

// Instruction is one entry of the allocator's scheduled output: either
// a dataflow Node to emit, or a Spill evicting a live Out to a fresh
// Slot to free its Register.
type Instruction struct {
	Kind InstKind
	Node dataflow.Node
	Out  dataflow.Out
	// Reg is the Register evicted by a Spill Instruction; it is the
	// Variable codeGen uses as the spill's Move source.
	Reg code.Register
}

// AllocationError reports that the register allocator could not find
// a feasible assignment (spec.md §4.3's "pathological case"). The
// caller should fall back to interpreting the trace.
type AllocationError struct {
	LiveCount int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("builder: allocation infeasible: %d simultaneously live values exceed the register + spill budget", e.LiveCount)
}

// KeepAlivesFor looks up the keep-alive set for a guard node.
type KeepAlivesFor func(guard dataflow.Node) map[dataflow.Out]struct{}

// allocState is the live register/slot bookkeeping for one Allocate
// call, owned for the lifetime of a single builder.walk invocation
// (spec.md §5).
type allocState struct {
	lastUse   map[dataflow.Out]int
	regOwner  [code.NumRegisters]dataflow.Out
	occupied  [code.NumRegisters]bool
	alloc     map[dataflow.Out]code.Variable
	slotsUsed int
	spareSlot *code.Slot
	instrs    []Instruction
}

// Allocate schedules nodes (a topologically valid linearization from
// Flood, refined by scheduleReady's tie-break policy) and assigns
// each produced Out a Register or spill Slot, honoring inputVars for
// values already placed by an enclosing Convention. keepAlivesFor
// supplies, for each guard in nodes, the set of Outs that must not be
// evicted before the guard executes. It returns the scheduled
// instruction list (Node entries interleaved with the Spills the
// allocator had to insert) and the final Out->Variable assignment.
func Allocate(
	df *dataflow.Dataflow,
	nodes []dataflow.Node,
	inputVars map[dataflow.Out]code.Variable,
	slotsUsed int,
	keepAlivesFor KeepAlivesFor,
) ([]Instruction, map[dataflow.Out]code.Variable, error) {
	nodes = scheduleReady(df, nodes)

	st := &allocState{
		lastUse:   map[dataflow.Out]int{},
		alloc:     map[dataflow.Out]code.Variable{},
		slotsUsed: slotsUsed,
	}
	for out, v := range inputVars {
		st.alloc[out] = v
		if !v.IsSlot() {
			st.regOwner[v.Register()] = out
			st.occupied[v.Register()] = true
		}
	}

	record := func(o dataflow.Out, pos int) {
		if cur, ok := st.lastUse[o]; !ok || pos > cur {
			st.lastUse[o] = pos
		}
	}
	for i, n := range nodes {
		for _, in := range df.Ins(n) {
			record(in, i)
		}
		if df.IsGuard(n) && keepAlivesFor != nil {
			for o := range keepAlivesFor(n) {
				record(o, i)
			}
		}
	}

	for i, n := range nodes {
		if df.IsNoOp(n) {
			continue
		}

		if !df.IsGuard(n) {
			for idx := 0; idx < df.NumOuts(n); idx++ {
				out := dataflow.Out{Node: n, Index: idx}
				reg, err := st.acquireRegister(i)
				if err != nil {
					return nil, nil, err
				}
				st.regOwner[reg] = out
				st.occupied[reg] = true
				st.alloc[out] = code.RegValue(reg)
			}
		}

		st.instrs = append(st.instrs, Instruction{Kind: InstNode, Node: n})

		// Free registers whose occupant's last use was at or before
		// this point; a node's own freshly-assigned Out is never
		// live before it was just defined, so the equality case
		// above only ever applies to earlier nodes' outputs.
		for r := code.Register(4); int(r) < code.NumRegisters; r++ {
			if !st.occupied[r] {
				continue
			}
			owner := st.regOwner[r]
			if owner.Node == n {
				continue
			}
			if use, ok := st.lastUse[owner]; ok && use <= i {
				st.occupied[r] = false
			}
		}
	}

	return st.instrs, st.alloc, nil
}

// acquireRegister returns a free Register, spilling a victim if none
// is free, and appends the resulting Spill Instruction when it does.
// The victim is the occupant whose last recorded use (lastUse) is
// furthest away; the position of its next use is not considered.
func (st *allocState) acquireRegister(pos int) (code.Register, error) {
	for r := code.Register(4); int(r) < code.NumRegisters; r++ { // 0 StateIndex, 1 PoolReg, 2-3 ScratchReg/ScratchReg2, all reserved
		if !st.occupied[r] {
			return r, nil
		}
	}

	victim := code.Register(4)
	furthest := -1
	found := false
	for r := code.Register(4); int(r) < code.NumRegisters; r++ {
		owner := st.regOwner[r]
		use, ok := st.lastUse[owner]
		if !ok {
			use = pos // never read again recorded: still must outlive this point
		}
		if use > furthest {
			furthest = use
			victim = r
			found = true
		}
	}
	if !found {
		return 0, &AllocationError{LiveCount: code.NumRegisters}
	}

	owner := st.regOwner[victim]

	// Slots are allocated two at a time to preserve stack alignment;
	// the spare half of a pair is banked for the next spill rather
	// than handed out immediately.
	var slot code.Slot
	if st.spareSlot != nil {
		slot = *st.spareSlot
		st.spareSlot = nil
	} else {
		slot = code.Slot(st.slotsUsed)
		spare := code.Slot(st.slotsUsed + 1)
		st.slotsUsed += 2
		st.spareSlot = &spare
	}

	st.alloc[owner] = code.SlotValue(slot)
	st.occupied[victim] = false
	st.instrs = append(st.instrs, Instruction{Kind: InstSpill, Out: owner, Reg: victim})

	return victim, nil
}
