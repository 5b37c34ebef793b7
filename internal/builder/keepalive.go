package builder

import (
	"github.com/aclements/go-mijit/internal/cft"
	"github.com/aclements/go-mijit/internal/dataflow"
)

// GuardFailure records, for one guard on a hot path, its cold
// continuation (as a HotPathTree per cold branch) and the set of
// Outs defined on a hotter path that must remain live past the guard
// because some descendant cold path reads them.
type GuardFailure[L any] struct {
	Cold       cft.Cold[*HotPathTree[L]]
	KeepAlives map[dataflow.Out]struct{}
}

// HotPathTree is the result of keep-alive analysis for one hot-path
// segment: the node whose value exits the segment, its leaf
// metadata, and one GuardFailure per guard encountered along the way,
// keyed by the guard node.
type HotPathTree[L any] struct {
	Exit     dataflow.Node
	Leaf     L
	Children map[dataflow.Node]*GuardFailure[L]
}

func newHotPathTree[L any](exit dataflow.Node, leaf L, children []*GuardFailure[L]) *HotPathTree[L] {
	m := make(map[dataflow.Node]*GuardFailure[L], len(children))
	for _, gf := range children {
		m[gf.Cold.Guard] = gf
	}
	return &HotPathTree[L]{Exit: exit, Leaf: leaf, Children: m}
}

// keepAlive holds the mutable mark array shared across one top-level
// keep-alive analysis. marks[n] is 0 (unmarked), 1 (the entry node,
// pinned for the whole analysis), or the coldness level of whichever
// ancestor hot-path segment currently has n on its frontier.
type keepAlive struct {
	df    *dataflow.Dataflow
	marks []int
}

func newKeepAlive(df *dataflow.Dataflow) *keepAlive {
	marks := make([]int, df.NumNodes())
	marks[df.EntryNode()] = 1
	return &keepAlive{df: df, marks: marks}
}

// walk is the recursive heart of keep-alive analysis (spec.md §4.2).
// inputs accumulates the Outs this segment needs from a hotter
// ancestor; it belongs to the caller and is mutated in place.
func walk[L any](k *keepAlive, tree *cft.CFT[L], inputs map[dataflow.Out]struct{}, coldness int) *HotPathTree[L] {
	colds, exit, leaf := tree.HotPath()

	effects := make(map[dataflow.Node]struct{})
	order := Flood(k.df, k.marks, coldness, exit, inputs, effects)

	var children []*GuardFailure[L]
	for _, cold := range colds {
		keepAlives := make(map[dataflow.Out]struct{})
		childCold := cft.MapCold(cold, func(c *cft.CFT[L]) *HotPathTree[L] {
			return walk(k, c, keepAlives, coldness+1)
		})

		for out := range keepAlives {
			if k.marks[out.Node] != 0 && k.marks[out.Node] < coldness {
				inputs[out] = struct{}{}
			}
		}

		children = append(children, &GuardFailure[L]{Cold: childCold, KeepAlives: keepAlives})
	}

	for _, n := range order {
		if k.marks[n] != coldness {
			panic("builder: mark discipline violated")
		}
		k.marks[n] = 0
	}

	return newHotPathTree(exit, leaf, children)
}

// KeepAliveSets computes the root HotPathTree for cft, the top-level
// entry point of keep-alive analysis (spec.md §4.2).
func KeepAliveSets[L any](df *dataflow.Dataflow, tree *cft.CFT[L]) *HotPathTree[L] {
	k := newKeepAlive(df)
	inputs := make(map[dataflow.Out]struct{})
	return walk(k, tree, inputs, 2)
}
