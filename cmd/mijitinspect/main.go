// Command mijitinspect disassembles a compiled trace and prints
// either a flat instruction listing or its control-flow graph. Its
// flag/log.Fatal style and open/symtab-driven structure follow
// obj/objbrowse/main.go, with the HTTP serving layer dropped: this
// tool prints to stdout once and exits rather than running a server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/aclements/go-mijit/internal/disasm"
	"github.com/aclements/go-mijit/internal/graph"
	"github.com/aclements/go-mijit/internal/objfile"
	"github.com/aclements/go-mijit/internal/symtab"
)

var (
	objFlag = flag.String("obj", "", "ELF or PE object file to read the trace from")
	symFlag = flag.String("sym", "", "symbol naming the trace within -obj")
	rawFlag = flag.String("raw", "", "raw machine-code file to disassemble directly, as an alternative to -obj/-sym")
	dotFlag = flag.Bool("dot", false, "print a Graphviz Dot control-flow graph instead of an instruction listing")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s {-raw file | -obj file -sym name} [-dot]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	code, pc, symName, err := load()
	if err != nil {
		log.Fatal(err)
	}

	insts := disasm.X86_64(code, pc)

	bbs, err := disasm.BasicBlocks(insts)
	if err != nil {
		log.Fatalf("mijitinspect: computing basic blocks: %v", err)
	}
	backEdges := graph.BackEdges(disasm.BasicBlockGraph(bbs), 0, nil)
	for _, e := range backEdges {
		fmt.Fprintf(os.Stderr, "mijitinspect: warning: %s: block %#x jumps back into block %#x; a well-formed trace should never branch backward\n",
			symName, insts.Get(bbs[e.From].Start).PC(), insts.Get(bbs[e.To].Start).PC())
	}

	if *dotFlag {
		if err := printDot(bbs, insts, symName, backEdges); err != nil {
			log.Fatal(err)
		}
		return
	}
	printListing(insts)
}

// load reads the bytes to disassemble and the program counter they
// start at, either from a raw file (pc 0) or a named symbol's data
// within an ELF/PE object (pc = the symbol's address).
func load() (code []byte, pc uint64, symName string, err error) {
	switch {
	case *rawFlag != "":
		code, err = os.ReadFile(*rawFlag)
		return code, 0, *rawFlag, err

	case *objFlag != "" && *symFlag != "":
		f, err := os.Open(*objFlag)
		if err != nil {
			return nil, 0, "", err
		}
		defer f.Close()

		bin, err := objfile.Open(f)
		if err != nil {
			return nil, 0, "", err
		}
		syms, err := bin.Symbols()
		if err != nil {
			return nil, 0, "", err
		}
		table := symtab.NewTable(syms)
		sym, ok := table.Name(*symFlag)
		if !ok {
			var names []string
			for _, s := range table.TraceSymbols() {
				names = append(names, s.Name)
			}
			return nil, 0, "", fmt.Errorf("mijitinspect: no symbol %q in %s; candidate trace symbols: %v", *symFlag, *objFlag, names)
		}
		data, err := bin.SymbolData(sym)
		return data, sym.Value, sym.Name, err

	default:
		flag.Usage()
		os.Exit(2)
		return nil, 0, "", nil
	}
}

func printListing(insts disasm.Seq) {
	for i := 0; i < insts.Len(); i++ {
		inst := insts.Get(i)
		fmt.Printf("%#x: %s\n", inst.PC(), inst.GoSyntax(nil))
	}
}

// printDot prints the trace's basic-block control-flow graph, each
// node labeled with its starting address and the control-flow effect
// of its last instruction. Any block that is the target of a back
// edge (see graph.BackEdges) is filled in to flag the malformed trace.
func printDot(bbs []*disasm.BasicBlock, insts disasm.Seq, name string, backEdges []graph.BackEdge) error {
	label := func(node int) string {
		bb := bbs[node]
		startPC := insts.Get(bb.Start).PC()
		return fmt.Sprintf("%#x (%s)", startPC, bb.Control.Type)
	}

	targets := make(map[int]bool, len(backEdges))
	for _, e := range backEdges {
		targets[e.To] = true
	}
	highlight := func(node int) bool {
		return targets[node]
	}

	edgeLabel := func(src, dst int) string {
		if hot, ok := bbs[src].HotSucc(); ok {
			if hot.ID == dst {
				return "hot"
			}
			return "cold"
		}
		return ""
	}

	dot := graph.Dot{Name: name, Label: label, Highlight: highlight, EdgeLabel: edgeLabel}
	return dot.Fprint(disasm.BasicBlockGraph(bbs), os.Stdout)
}
