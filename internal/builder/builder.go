package builder

import (
	"github.com/aclements/go-mijit/internal/cft"
	"github.com/aclements/go-mijit/internal/code"
	"github.com/aclements/go-mijit/internal/dataflow"
)

// buildState carries the marks array across one Build call's
// recursion. Every recursive call raises coldness and is required to
// restore every mark it sets to the hotter-path value before
// returning (spec.md §5); walk relies on Flood's own discipline for
// this, the same way keepAlive does.
type buildState struct {
	df    *dataflow.Dataflow
	marks []int
}

// Build is the top-level builder orchestration (spec.md §4.5): it
// computes keep-alive sets for tree, then recursively schedules,
// allocates, and code-generates each hot-path segment into one EBB.
func Build[L any](before code.Convention, df *dataflow.Dataflow, tree *cft.CFT[L]) (code.EBB[L], error) {
	inputVars := make(map[dataflow.Out]code.Variable, len(before.LiveValues))
	for i, v := range before.LiveValues {
		inputVars[dataflow.Out{Node: df.EntryNode(), Index: i}] = v
	}

	hpt := KeepAliveSets(df, tree)

	bs := &buildState{df: df, marks: make([]int, df.NumNodes())}
	bs.marks[df.EntryNode()] = 1

	return walkBuild(bs, hpt, 2, before.SlotsUsed, inputVars)
}

// walkBuild is the recursion point tying flood, allocation, and code
// generation together for one hot-path segment (spec.md §4.5). It is
// a free function, not a method on buildState, because it is generic
// in L while buildState is shared unchanged across every level of
// the recursion regardless of L.
func walkBuild[L any](bs *buildState, tree *HotPathTree[L], coldness int, slotsUsed int, inputVars map[dataflow.Out]code.Variable) (code.EBB[L], error) {
	effects := make(map[dataflow.Node]struct{})
	discard := make(map[dataflow.Out]struct{})
	nodes := Flood(bs.df, bs.marks, coldness, tree.Exit, discard, effects)

	keepAlivesFor := func(guard dataflow.Node) map[dataflow.Out]struct{} {
		if gf, ok := tree.Children[guard]; ok {
			return gf.KeepAlives
		}
		return nil
	}

	instrs, alloc, err := Allocate(bs.df, nodes, inputVars, slotsUsed, keepAlivesFor)
	if err != nil {
		return code.EBB[L]{}, err
	}

	ebb, err := codeGen(bs.df, instrs, alloc, tree, slotsUsed, func(child *HotPathTree[L], keepAlives map[dataflow.Out]struct{}, childSlotsUsed int) (code.EBB[L], error) {
		childInputs := make(map[dataflow.Out]code.Variable, len(keepAlives))
		for out := range keepAlives {
			childInputs[out] = alloc[out]
		}
		return walkBuild(bs, child, coldness+1, childSlotsUsed, childInputs)
	})

	for _, n := range nodes {
		if bs.marks[n] != coldness {
			panic("builder: mark discipline violated")
		}
		bs.marks[n] = 0
	}

	return ebb, err
}
