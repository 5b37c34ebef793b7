// Package cft implements the control-flow tree: an immutable tree of
// guarded hot/cold paths built once upstream of this module and
// walked multiply by keep-alive analysis and the builder.
package cft

import "github.com/aclements/go-mijit/internal/dataflow"

// Cold is a record of a guard's cold side: the guard node, the
// position its hot outcome occupies among the original Switch's
// case slots, how many case slots the Switch had, and the cold
// branches themselves (the other case slots in order, followed by
// the Switch's default). InsertHot reconstructs the full ordered
// case list plus default, re-inserting a (possibly transformed) hot
// branch at HotIndex.
type Cold[T any] struct {
	Guard    dataflow.Node
	HotIndex int
	NumCases int
	Colds    []T
}

// InsertHot re-inserts hot at HotIndex among NumCases case slots,
// returning the full case list and the default branch.
func (c Cold[T]) InsertHot(hot T) (cases []T, def T) {
	cases = make([]T, c.NumCases)
	j := 0
	for i := 0; i < c.NumCases; i++ {
		if i == c.HotIndex {
			cases[i] = hot
			continue
		}
		cases[i] = c.Colds[j]
		j++
	}
	def = c.Colds[len(c.Colds)-1]
	return cases, def
}

// MapCold transforms the cold branches of c through f, preserving
// the guard/hot-index/case-count bookkeeping. Defined as a free
// function because Go methods cannot introduce a second type
// parameter.
func MapCold[T, U any](c Cold[T], f func(T) U) Cold[U] {
	out := Cold[U]{Guard: c.Guard, HotIndex: c.HotIndex, NumCases: c.NumCases, Colds: make([]U, len(c.Colds))}
	for i, t := range c.Colds {
		out.Colds[i] = f(t)
	}
	return out
}

type switchNode[L any] struct {
	guard    dataflow.Node
	cases    []*CFT[L]
	def      *CFT[L]
	hotIndex int
}

type leafNode[L any] struct {
	exit dataflow.Node
	leaf L
}

// CFT is a node in the control-flow tree: either a Switch (guard +
// hot case slots + cold default) or a Merge leaf (exit node + leaf
// metadata).
type CFT[L any] struct {
	isSwitch bool
	sw       switchNode[L]
	leaf     leafNode[L]
}

// Switch builds a Switch CFT node. cases are indexed by the guard's
// hot outcome; def is the cold default taken for any other outcome;
// hotIndex names the case slot that lies on the hot path from the
// root (spec.md's "Switch node names a guard node, a default
// successor (cold), and an array of hot children").
func Switch[L any](guard dataflow.Node, cases []*CFT[L], def *CFT[L], hotIndex int) *CFT[L] {
	return &CFT[L]{isSwitch: true, sw: switchNode[L]{guard: guard, cases: cases, def: def, hotIndex: hotIndex}}
}

// Merge builds a leaf CFT node.
func Merge[L any](exit dataflow.Node, leaf L) *CFT[L] {
	return &CFT[L]{leaf: leafNode[L]{exit: exit, leaf: leaf}}
}

func (t *CFT[L]) IsSwitch() bool { return t.isSwitch }

// HotPath walks from t along the hot outcome of every Switch it
// encounters until reaching a Merge, returning the ordered list of
// guards' cold records passed along the way, the Merge's exit node,
// and its leaf metadata.
func (t *CFT[L]) HotPath() (colds []Cold[*CFT[L]], exit dataflow.Node, leaf L) {
	cur := t
	for cur.isSwitch {
		sw := cur.sw
		hot := sw.cases[sw.hotIndex]

		rest := make([]*CFT[L], 0, len(sw.cases))
		for i, c := range sw.cases {
			if i != sw.hotIndex {
				rest = append(rest, c)
			}
		}
		if sw.def != nil {
			rest = append(rest, sw.def)
		}

		colds = append(colds, Cold[*CFT[L]]{
			Guard:    sw.guard,
			HotIndex: sw.hotIndex,
			NumCases: len(sw.cases),
			Colds:    rest,
		})
		cur = hot
	}
	return colds, cur.leaf.exit, cur.leaf.leaf
}
