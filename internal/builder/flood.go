// Package builder implements the optimizer builder: flood (hot-path
// dependency marking), keep-alive analysis, the linear-scan allocator
// and scheduler, the reverse-pass code generator, and the top-level
// orchestration that ties them together into an EBB.
package builder

import "github.com/aclements/go-mijit/internal/dataflow"

// Flood performs a depth-first walk from exit following data and
// effect edges, marking every node it visits with coldness in marks.
// A node already marked with a value other than 0 or coldness
// belongs to a hotter path: it is recorded in inputs (for a data
// edge) or effects (for an effect edge) and not descended into. The
// return value is the set of newly-marked nodes in post-order
// (dependencies precede dependents): a topologically valid
// linearization that Allocate's own scheduleReady then refines,
// reordering nodes that are mutually unordered by the dependency
// graph to prefer freeing registers over allocating them (spec.md
// §4.3 policy 1).
func Flood(
	df *dataflow.Dataflow,
	marks []int,
	coldness int,
	exit dataflow.Node,
	inputs map[dataflow.Out]struct{},
	effects map[dataflow.Node]struct{},
) []dataflow.Node {
	var order []dataflow.Node

	var visit func(n dataflow.Node)
	visit = func(n dataflow.Node) {
		if marks[n] == coldness {
			return
		}
		marks[n] = coldness

		for _, in := range df.Ins(n) {
			if m := marks[in.Node]; m != 0 && m != coldness {
				inputs[in] = struct{}{}
			} else {
				visit(in.Node)
			}
		}
		for _, eff := range df.Effects(n) {
			if m := marks[eff]; m != 0 && m != coldness {
				effects[eff] = struct{}{}
			} else {
				visit(eff)
			}
		}
		order = append(order, n)
	}

	if m := marks[exit]; m != 0 && m != coldness {
		inputs[dataflow.Out{Node: exit}] = struct{}{}
		return nil
	}
	visit(exit)
	return order
}
