// Package dataflow implements the dataflow graph: nodes, their data
// and effect dependencies, and per-node cost metadata. Node identity
// is an integer index into an owning arena (Dataflow); there are no
// back-pointers, matching the graph's int-arena idiom used throughout
// this module's supporting graph tooling.
package dataflow

import "github.com/aclements/go-mijit/internal/code"

// Node is an index into a Dataflow's arena.
type Node int32

// Out names one output value of a Node.
type Out struct {
	Node  Node
	Index int
}

// OpKind classifies what a Node computes. OpGuard is distinguished
// from the rest because the builder schedules guards specially (they
// terminate an EBB and introduce a Switch) rather than emitting them
// as a plain Action.
type OpKind uint8

const (
	OpEntry OpKind = iota
	OpConstant
	OpMove
	OpUnary
	OpBinary
	OpDivision
	OpLoadGlobal
	OpStoreGlobal
	OpLoad
	OpStore
	OpPush
	OpPop
	OpDebug
	OpGuard
)

func (k OpKind) String() string {
	names := [...]string{
		"Entry", "Constant", "Move", "Unary", "Binary", "Division",
		"LoadGlobal", "StoreGlobal", "Load", "Store", "Push", "Pop", "Debug", "Guard",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "OpKind(?)"
}

// Resources is a node's cost: latency for scheduling tie-breaks, and
// the number of machine resources (registers, memory ports) it
// consumes. A node with Slots == 0 is a true no-op and the code
// generator skips it entirely.
type Resources struct {
	Latency int
	Slots   int
}

type nodeDef struct {
	op      OpKind
	ins     []Out
	effects []Node
	numOuts int
	cost    Resources
	// action carries the operand-independent template (Prec, Width,
	// Alias, arithmetic sub-kind, immediate) for nodes whose OpKind
	// corresponds to a code.Action; Dest/Src* are left zero and are
	// filled in by the code generator once registers are allocated.
	action code.Action
	// test, prec, and imm are the guard predicate, operand width, and
	// immediate operand for an OpGuard node: the guard passes when
	// test(value, imm), compared at width prec, holds, where value is
	// ins[0].
	test code.TestOp
	prec code.Precision
	imm  int32
}

// Dataflow is the arena owning all Nodes in one compilation unit.
type Dataflow struct {
	nodes []nodeDef
}

// New returns a Dataflow whose entry node has already been created
// with numEntryOuts outputs (the live values a trace is entered
// with).
func New(numEntryOuts int) *Dataflow {
	d := &Dataflow{}
	d.nodes = append(d.nodes, nodeDef{op: OpEntry, numOuts: numEntryOuts})
	return d
}

// EntryNode returns the unique node that dominates all others.
func (d *Dataflow) EntryNode() Node { return 0 }

// AddNode appends a new node and returns its identity.
func (d *Dataflow) AddNode(op OpKind, ins []Out, effects []Node, numOuts int, cost Resources) Node {
	d.nodes = append(d.nodes, nodeDef{op: op, ins: ins, effects: effects, numOuts: numOuts, cost: cost})
	return Node(len(d.nodes) - 1)
}

// AddAction is a convenience wrapper around AddNode for nodes that
// correspond to a single code.Action; tmpl's Dest/Src1/Src2 are
// ignored (and should be left zero) since the allocator decides them.
func (d *Dataflow) AddAction(op OpKind, tmpl code.Action, ins []Out, effects []Node, numOuts int, cost Resources) Node {
	n := d.AddNode(op, ins, effects, numOuts, cost)
	d.nodes[n].action = tmpl
	return n
}

// AddGuard appends a guard node testing the single input in against
// test(imm) at width prec, with cold continuations resolved entirely
// by the CFT (the dataflow graph only records the predicate itself).
func (d *Dataflow) AddGuard(test code.TestOp, prec code.Precision, imm int32, in Out, effects []Node, cost Resources) Node {
	n := d.AddNode(OpGuard, []Out{in}, effects, 0, cost)
	d.nodes[n].test = test
	d.nodes[n].prec = prec
	d.nodes[n].imm = imm
	return n
}

func (d *Dataflow) Op(n Node) OpKind           { return d.nodes[n].op }
func (d *Dataflow) Ins(n Node) []Out           { return d.nodes[n].ins }
func (d *Dataflow) Effects(n Node) []Node      { return d.nodes[n].effects }
func (d *Dataflow) NumOuts(n Node) int         { return d.nodes[n].numOuts }
func (d *Dataflow) Cost(n Node) Resources      { return d.nodes[n].cost }
func (d *Dataflow) Action(n Node) code.Action  { return d.nodes[n].action }
func (d *Dataflow) Test(n Node) code.TestOp    { return d.nodes[n].test }
func (d *Dataflow) TestPrec(n Node) code.Precision { return d.nodes[n].prec }
func (d *Dataflow) Imm(n Node) int32           { return d.nodes[n].imm }
func (d *Dataflow) NumNodes() int              { return len(d.nodes) }

// IsGuard reports whether n is a guard node; the builder schedules
// guards specially rather than emitting a plain Action for them.
func (d *Dataflow) IsGuard(n Node) bool { return d.nodes[n].op == OpGuard }

// IsNoOp reports whether n has zero resource cost and should be
// dropped entirely by the code generator (spec.md §4.4).
func (d *Dataflow) IsNoOp(n Node) bool { return d.nodes[n].cost.Slots == 0 && d.nodes[n].op != OpGuard }
