package builder

import (
	"testing"

	"github.com/aclements/go-mijit/internal/cft"
	"github.com/aclements/go-mijit/internal/code"
	"github.com/aclements/go-mijit/internal/dataflow"
)

// buildBinaryTree reproduces the nested "if a { if b ... } else { if c
// ... }" fixture: seven entry values (a, b, c, p, q, r, s), three
// guards (on a, b, c), and four leaves reached by the four
// combinations of guard outcomes.
func buildBinaryTree() (*dataflow.Dataflow, *cft.CFT[string], map[string]dataflow.Node) {
	df := dataflow.New(7)
	entry := df.EntryNode()
	a := dataflow.Out{Node: entry, Index: 0}
	b := dataflow.Out{Node: entry, Index: 1}
	c := dataflow.Out{Node: entry, Index: 2}
	p := dataflow.Out{Node: entry, Index: 3}
	q := dataflow.Out{Node: entry, Index: 4}
	r := dataflow.Out{Node: entry, Index: 5}
	s := dataflow.Out{Node: entry, Index: 6}

	guard1 := df.AddGuard(code.Ne, code.P64, 0, a, nil, dataflow.Resources{Slots: 1})
	guard2 := df.AddGuard(code.Ne, code.P64, 0, b, nil, dataflow.Resources{Slots: 1})
	guard3 := df.AddGuard(code.Ne, code.P64, 0, c, nil, dataflow.Resources{Slots: 1})

	hotHot := df.AddNode(dataflow.OpDebug, []dataflow.Out{p}, []dataflow.Node{guard1, guard2}, 0, dataflow.Resources{Slots: 1})
	hotCold := df.AddNode(dataflow.OpDebug, []dataflow.Out{q}, []dataflow.Node{guard1, guard2}, 0, dataflow.Resources{Slots: 1})
	coldHot := df.AddNode(dataflow.OpDebug, []dataflow.Out{r}, []dataflow.Node{guard1, guard3}, 0, dataflow.Resources{Slots: 1})
	coldCold := df.AddNode(dataflow.OpDebug, []dataflow.Out{s}, []dataflow.Node{guard1, guard3}, 0, dataflow.Resources{Slots: 1})

	merge4 := cft.Merge(hotHot, "hot_hot")
	merge5 := cft.Merge(hotCold, "hot_cold")
	switch2 := cft.Switch(guard2, []*cft.CFT[string]{merge4}, merge5, 0)

	merge6 := cft.Merge(coldHot, "cold_hot")
	merge7 := cft.Merge(coldCold, "cold_cold")
	switch3 := cft.Switch(guard3, []*cft.CFT[string]{merge6}, merge7, 0)

	switch1 := cft.Switch(guard1, []*cft.CFT[string]{switch2}, switch3, 0)

	nodes := map[string]dataflow.Node{
		"guard1": guard1, "guard2": guard2, "guard3": guard3,
		"hot_hot": hotHot, "hot_cold": hotCold, "cold_hot": coldHot, "cold_cold": coldCold,
	}
	return df, switch1, nodes
}

func outSet(entry dataflow.Node, indices ...int) map[dataflow.Out]struct{} {
	s := make(map[dataflow.Out]struct{}, len(indices))
	for _, i := range indices {
		s[dataflow.Out{Node: entry, Index: i}] = struct{}{}
	}
	return s
}

func sameOutSet(a map[dataflow.Out]struct{}, b map[dataflow.Out]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func TestKeepAliveSetsBinaryTree(t *testing.T) {
	df, root, nodes := buildBinaryTree()
	entry := df.EntryNode()

	tree := KeepAliveSets(df, root)

	if tree.Exit != nodes["hot_hot"] || tree.Leaf != "hot_hot" {
		t.Fatalf("root exit/leaf = %v/%q, want hot_hot/hot_hot", tree.Exit, tree.Leaf)
	}
	if len(tree.Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(tree.Children))
	}

	gf1, ok := tree.Children[nodes["guard1"]]
	if !ok {
		t.Fatalf("missing guard1 GuardFailure")
	}
	want1 := outSet(entry, 2, 5, 6) // c, r, s
	if !sameOutSet(gf1.KeepAlives, want1) {
		t.Errorf("guard1 keep_alives = %v, want {c,r,s}", gf1.KeepAlives)
	}
	if len(gf1.Cold.Colds) != 1 || gf1.Cold.Colds[0].Exit != nodes["cold_hot"] {
		t.Fatalf("guard1 cold subtree exit = %v, want cold_hot", gf1.Cold.Colds[0].Exit)
	}

	gf3, ok := gf1.Cold.Colds[0].Children[nodes["guard3"]]
	if !ok {
		t.Fatalf("missing guard3 GuardFailure under guard1's cold branch")
	}
	want3 := outSet(entry, 6) // s
	if !sameOutSet(gf3.KeepAlives, want3) {
		t.Errorf("guard3 keep_alives = %v, want {s}", gf3.KeepAlives)
	}
	if len(gf3.Cold.Colds) != 1 || gf3.Cold.Colds[0].Exit != nodes["cold_cold"] || len(gf3.Cold.Colds[0].Children) != 0 {
		t.Fatalf("guard3 cold subtree malformed: %+v", gf3.Cold.Colds[0])
	}

	gf2, ok := tree.Children[nodes["guard2"]]
	if !ok {
		t.Fatalf("missing guard2 GuardFailure")
	}
	want2 := outSet(entry, 4) // q
	if !sameOutSet(gf2.KeepAlives, want2) {
		t.Errorf("guard2 keep_alives = %v, want {q}", gf2.KeepAlives)
	}
	if len(gf2.Cold.Colds) != 1 || gf2.Cold.Colds[0].Exit != nodes["hot_cold"] || len(gf2.Cold.Colds[0].Children) != 0 {
		t.Fatalf("guard2 cold subtree malformed: %+v", gf2.Cold.Colds[0])
	}
}

// TestKeepAliveSetsMarkDiscipline is testable property 1: after
// KeepAliveSets returns, every node's mark has been restored except
// the entry node, which stays pinned at 1.
func TestKeepAliveSetsMarkDiscipline(t *testing.T) {
	df, root, nodes := buildBinaryTree()
	k := newKeepAlive(df)
	inputs := make(map[dataflow.Out]struct{})
	walk(k, root, inputs, 2)

	for n := dataflow.Node(0); int(n) < df.NumNodes(); n++ {
		want := 0
		if n == df.EntryNode() {
			want = 1
		}
		if k.marks[n] != want {
			t.Errorf("marks[%v] = %d, want %d (node=%v)", n, k.marks[n], want, nodeName(nodes, n))
		}
	}
}

func nodeName(nodes map[string]dataflow.Node, n dataflow.Node) string {
	for name, node := range nodes {
		if node == n {
			return name
		}
	}
	return "?"
}
