// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package graph

// IDom returns the immediate dominator of each node of g. Nodes that
// don't have an immediate dominator (including root) are assigned -1.
func IDom(g BiGraph, root int) []int {
	// This implements the "engineered algorithm" of Cooper,
	// Harvey, and Kennedy, "A Simple, Fast Dominance Algorithm",
	// 2001.
	//
	// Unlike in Cooper, we mostly use the original node naming,
	// but "intersect" maps into the post-order node naming as
	// needed.

	po := PostOrder(g, root)

	// Compute the post-order node naming for the "intersect"
	// routine. poNum maps from node to post-order name.
	poNum := make([]int, g.NumNodes())
	for i, n := range po {
		poNum[n] = i
	}

	rpo, po := Reverse(po), nil

	// Initialize IDom.
	idom := make([]int, g.NumNodes())
	for i := range idom {
		idom[i] = -1
	}
	idom[root] = root

	// Iterate to convergence.
	changed := true
	for changed {
		changed = false
		for _, b := range rpo {
			if b == root {
				continue
			}

			newIdom := -1
			for _, p := range g.In(b) {
				if idom[p] == -1 {
					continue
				}
				if newIdom == -1 {
					newIdom = p
					continue
				}
				newIdom = intersect(idom, poNum, p, newIdom)
			}

			if idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}

	// Clear root's dominator, which is currently a self-loop.
	idom[root] = -1

	return idom
}

func intersect(idom, poNum []int, b1, b2 int) int {
	for b1 != b2 {
		for poNum[b1] < poNum[b2] {
			b1 = idom[b1]
		}
		for poNum[b2] < poNum[b1] {
			b2 = idom[b2]
		}
	}
	return b1
}

// BackEdge is an edge u -> v in a graph where v dominates u: walking
// forward from v eventually reaches u, so the edge points backward
// into a region the control flow has already passed through.
type BackEdge struct {
	From, To int
}

// BackEdges finds every back edge in g, using idom (as computed by
// IDom(g, root); idom may be nil, in which case this computes it).
//
// A compiled trace's reconstructed control-flow graph is expected to
// be acyclic: mijit only ever lowers a guard's two outcomes as a
// forward conditional jump to the cold continuation with the hot
// continuation falling straight through (internal/lower.LowerEBB), and
// the control-flow tree it lowers from (internal/cft.CFT) is built as
// an immutable tree with no back-references. A back edge found by
// disassembling a trace therefore means either the decoder
// mis-attributed a jump target (e.g. by walking into a misaligned
// instruction) or the emitted machine code is not what the builder
// intended; cmd/mijitinspect reports any it finds instead of silently
// drawing what would otherwise look like an ordinary CFG.
func BackEdges(g BiGraph, root int, idom []int) []BackEdge {
	if idom == nil {
		idom = IDom(g, root)
	}

	dominates := func(a, b int) bool {
		for b != -1 {
			if b == a {
				return true
			}
			b = idom[b]
		}
		return false
	}

	var edges []BackEdge
	for u := 0; u < g.NumNodes(); u++ {
		for _, v := range g.Out(u) {
			if dominates(v, u) {
				edges = append(edges, BackEdge{u, v})
			}
		}
	}
	return edges
}

// Dom computes the dominator tree from the immediate dominators (as
// computed by IDom).
func Dom(idom []int) *DomTree {
	children := make([][]int, len(idom))

	// Chop up a single slice used to store the children.
	cspace := make([]int, len(idom))
	for _, parent := range idom {
		if parent != -1 {
			cspace[parent]++
		}
	}
	used := 0
	for i, n := range cspace {
		children[i] = cspace[used:used : used+n]
		used += n
	}

	// Actually create the children tree now.
	for node, parent := range idom {
		if parent != -1 {
			children[parent] = append(children[parent], node)
		}
	}

	return &DomTree{idom, children}
}

// DomTree is a dominator tree.
//
// It also satisfies the BiGraph interface, which edges pointing
// toward children.
type DomTree struct {
	idom     []int
	children [][]int
}

func (t *DomTree) IDom(n int) int {
	return t.idom[n]
}

func (t *DomTree) NumNodes() int {
	return len(t.idom)
}

func (t *DomTree) In(n int) []int {
	return t.idom[n : n+1]
}

func (t *DomTree) Out(n int) []int {
	return t.children[n]
}
