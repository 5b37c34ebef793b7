package builder

import "github.com/aclements/go-mijit/internal/dataflow"

// scheduleReady refines Flood's post-order into the allocator's actual
// emission order, implementing spec.md §4.3 policy 1: "when ties
// occur, prefer nodes that free registers ... over those that
// allocate; among equals, prefer lower-cost nodes." Flood's DFS order
// already respects every dependency edge (dependencies precede
// dependents), but among nodes that are mutually unordered by the
// dependency graph itself, it simply reflects df.Ins/df.Effects
// iteration order, not register pressure. scheduleReady instead runs
// a ready-list scheduler: at each step, among the nodes whose
// dependencies are already scheduled, it picks one that exhausts the
// last in-segment reference to one of its own inputs (freeing that
// input's register immediately) ahead of one that only introduces a
// new live value, and breaks remaining ties toward the cheaper
// candidate (dataflow.Resources.Slots), falling back to order's own
// relative positions to stay deterministic.
//
// Inputs produced outside order (an enclosing Convention's live
// values, or a hotter scope's keep-alives) are not tracked as
// register pressure here, since scheduleReady has no visibility into
// which of them actually hold a register versus a spill slot; this is
// a heuristic tie-break over an already-valid schedule, not a
// correctness requirement, so the approximation only affects how
// tightly register pressure is packed, never whether the resulting
// order is legal.
func scheduleReady(df *dataflow.Dataflow, order []dataflow.Node) []dataflow.Node {
	if len(order) <= 1 {
		return order
	}

	inSet := make(map[dataflow.Node]bool, len(order))
	for _, n := range order {
		inSet[n] = true
	}

	remaining := map[dataflow.Out]int{}
	successors := map[dataflow.Node][]dataflow.Node{}
	indeg := make(map[dataflow.Node]int, len(order))

	for _, n := range order {
		for _, in := range df.Ins(n) {
			remaining[in]++
			if inSet[in.Node] {
				successors[in.Node] = append(successors[in.Node], n)
				indeg[n]++
			}
		}
		for _, eff := range df.Effects(n) {
			if inSet[eff] {
				successors[eff] = append(successors[eff], n)
				indeg[n]++
			}
		}
	}

	frees := func(n dataflow.Node) bool {
		if df.NumOuts(n) == 0 || df.IsNoOp(n) {
			return true
		}
		for _, in := range df.Ins(n) {
			if !inSet[in.Node] {
				continue
			}
			if remaining[in] == 1 {
				return true
			}
		}
		return false
	}

	var ready []dataflow.Node
	for _, n := range order {
		if indeg[n] == 0 {
			ready = append(ready, n)
		}
	}

	scheduled := make(map[dataflow.Node]bool, len(order))
	out := make([]dataflow.Node, 0, len(order))

	for len(out) < len(order) {
		bestIdx := -1
		for i, n := range ready {
			if scheduled[n] {
				continue
			}
			if bestIdx == -1 {
				bestIdx = i
				continue
			}
			best := ready[bestIdx]
			bf, nf := frees(best), frees(n)
			if nf != bf {
				if nf {
					bestIdx = i
				}
				continue
			}
			if df.Cost(n).Slots < df.Cost(best).Slots {
				bestIdx = i
			}
		}

		n := ready[bestIdx]
		scheduled[n] = true
		out = append(out, n)

		for _, in := range df.Ins(n) {
			remaining[in]--
		}
		for _, succ := range successors[n] {
			indeg[succ]--
			if indeg[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}

	return out
}
