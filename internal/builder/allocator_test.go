package builder

import (
	"testing"

	"github.com/aclements/go-mijit/internal/code"
	"github.com/aclements/go-mijit/internal/dataflow"
)

// buildWideFanIn creates NumRegisters-3 independent producer nodes,
// all simultaneously live at a single sink that reads every one of
// them. Only NumRegisters-4 general-purpose registers are available
// (index 0 is StateIndex, 1 is PoolReg, 2-3 are ScratchReg/
// ScratchReg2), so this forces exactly one spill (E6).
func buildWideFanIn() (*dataflow.Dataflow, []dataflow.Node, dataflow.Node) {
	n := code.NumRegisters - 3
	df := dataflow.New(n)
	entry := df.EntryNode()

	producers := make([]dataflow.Node, n)
	sinkIns := make([]dataflow.Out, n)
	for i := 0; i < n; i++ {
		in := dataflow.Out{Node: entry, Index: i}
		p := df.AddNode(dataflow.OpUnary, []dataflow.Out{in}, nil, 1, dataflow.Resources{Slots: 1})
		producers[i] = p
		sinkIns[i] = dataflow.Out{Node: p}
	}
	sink := df.AddNode(dataflow.OpDebug, sinkIns, nil, 0, dataflow.Resources{Slots: 1})
	return df, producers, sink
}

// buildFreeBeforeAllocate builds a node order where a debug sink `a`
// (which reads and so frees `x`, the only node it depends on) becomes
// ready only after NumRegisters-4 independent producers are already
// ready, then places `a` last in program order anyway: exactly the
// order Flood's raw DFS would produce if it happened to visit the
// producers first. If the allocator schedules nodes in that literal
// order, x's register stays occupied through every producer, and the
// final producer has nowhere to go but a spill slot. If instead `a`
// is moved ahead of the producers once it is ready (spec.md §4.3's
// "prefer nodes that free registers ... over those that allocate"),
// x's register is freed before the producers pile up and all of them
// fit.
func buildFreeBeforeAllocate() (df *dataflow.Dataflow, order []dataflow.Node) {
	g := code.NumRegisters - 4
	df = dataflow.New(1 + g)
	entry := df.EntryNode()

	x := df.AddNode(dataflow.OpUnary, []dataflow.Out{{Node: entry, Index: 0}}, nil, 1, dataflow.Resources{Slots: 1})
	a := df.AddNode(dataflow.OpDebug, []dataflow.Out{{Node: x}}, nil, 0, dataflow.Resources{Slots: 1})

	producers := make([]dataflow.Node, g)
	sinkIns := make([]dataflow.Out, g)
	for i := 0; i < g; i++ {
		in := dataflow.Out{Node: entry, Index: i + 1}
		p := df.AddNode(dataflow.OpUnary, []dataflow.Out{in}, nil, 1, dataflow.Resources{Slots: 1})
		producers[i] = p
		sinkIns[i] = dataflow.Out{Node: p}
	}
	sink := df.AddNode(dataflow.OpDebug, sinkIns, nil, 0, dataflow.Resources{Slots: 1})

	order = append([]dataflow.Node{x}, producers...)
	order = append(order, a, sink)
	return df, order
}

// TestAllocateSchedulesFreeingNodeBeforeAllocating is spec.md §4.3's
// scheduling tie-break: given a choice between a node that frees a
// register and several that only add register pressure, the
// allocator packs the freeing node first rather than consuming
// Flood's raw order unmodified.
func TestAllocateSchedulesFreeingNodeBeforeAllocating(t *testing.T) {
	df, order := buildFreeBeforeAllocate()

	instrs, alloc, err := Allocate(df, order, nil, 0, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	spills := 0
	for _, in := range instrs {
		if in.Kind == InstSpill {
			spills++
		}
	}
	if spills != 0 {
		t.Fatalf("spills = %d, want 0: the allocator should schedule the freeing node immediately once ready, before any of the %d independent producers that only add register pressure", spills, code.NumRegisters-4)
	}

	verifyAllocationValidity(t, df, instrs, alloc)
	verifySchedulingRespectsEdges(t, df, instrs)
}

func TestAllocateForcesExactlyOneSpill(t *testing.T) {
	df, producers, sink := buildWideFanIn()

	marks := make([]int, df.NumNodes())
	marks[df.EntryNode()] = 1
	inputs := make(map[dataflow.Out]struct{})
	effects := make(map[dataflow.Node]struct{})
	order := Flood(df, marks, 2, sink, inputs, effects)

	instrs, alloc, err := Allocate(df, order, nil, 0, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	spills := 0
	for _, in := range instrs {
		if in.Kind == InstSpill {
			spills++
		}
	}
	if spills != 1 {
		t.Fatalf("spills = %d, want 1 (fan-in of %d values into %d usable registers)", spills, len(producers), code.NumRegisters-4)
	}

	verifyAllocationValidity(t, df, instrs, alloc)
	verifySchedulingRespectsEdges(t, df, instrs)
}

// verifyAllocationValidity is testable property 3: no two logically
// live Outs share the same Register at the same program point.
func verifyAllocationValidity(t *testing.T, df *dataflow.Dataflow, instrs []Instruction, alloc map[dataflow.Out]code.Variable) {
	t.Helper()

	definedAt := map[dataflow.Out]int{}
	lastUseAt := map[dataflow.Out]int{}
	for i, in := range instrs {
		if in.Kind != InstNode {
			continue
		}
		for idx := 0; idx < df.NumOuts(in.Node); idx++ {
			definedAt[dataflow.Out{Node: in.Node, Index: idx}] = i
		}
		for _, o := range df.Ins(in.Node) {
			lastUseAt[o] = i
		}
	}

	type interval struct {
		out        dataflow.Out
		start, end int
	}
	byReg := map[code.Register][]interval{}
	for out, v := range alloc {
		if v.IsSlot() {
			continue
		}
		start, ok := definedAt[out]
		if !ok {
			start = -1 // an input, live from before this segment
		}
		end, ok := lastUseAt[out]
		if !ok {
			end = start
		}
		byReg[v.Register()] = append(byReg[v.Register()], interval{out, start, end})
	}

	for reg, ivs := range byReg {
		for i := 0; i < len(ivs); i++ {
			for j := i + 1; j < len(ivs); j++ {
				a, b := ivs[i], ivs[j]
				if a.start <= b.end && b.start <= a.end {
					t.Errorf("register %v: Outs %v and %v overlap ([%d,%d] vs [%d,%d])", reg, a.out, b.out, a.start, a.end, b.start, b.end)
				}
			}
		}
	}
}

// verifySchedulingRespectsEdges is testable property 4: for every
// data or effect edge u -> v in the emitted order, u precedes v.
func verifySchedulingRespectsEdges(t *testing.T, df *dataflow.Dataflow, instrs []Instruction) {
	t.Helper()

	pos := map[dataflow.Node]int{}
	for i, in := range instrs {
		if in.Kind == InstNode {
			pos[in.Node] = i
		}
	}
	for i, in := range instrs {
		if in.Kind != InstNode {
			continue
		}
		for _, out := range df.Ins(in.Node) {
			if p, ok := pos[out.Node]; ok && p >= i {
				t.Errorf("node %v at %d scheduled before its input %v at %d", in.Node, i, out.Node, p)
			}
		}
		for _, eff := range df.Effects(in.Node) {
			if p, ok := pos[eff]; ok && p >= i {
				t.Errorf("node %v at %d scheduled before its effect dependency %v at %d", in.Node, i, eff, p)
			}
		}
	}
}
