package lower

import (
	"fmt"

	"github.com/aclements/go-mijit/internal/code"
)

// LowerEBB assembles ebb and, recursively, every EBB reachable through
// its Switch endings, tying codeGen's abstract output to the concrete
// instruction stream (spec.md §4.6: "the lowerer owns the Assembler
// and the list of Labels for the EBB's internal control flow"). Each
// straight-line Action is lowered in order; a Switch ending lowers its
// test, assembles the Cases[0] branch taken when the test holds, then
// the Default branch under a Label the test's failure jumps to.
// lowerLeaf is called once per Leaf reached and is responsible for the
// function epilogue — LowerEBB itself never assembles a return.
//
// Every branch LowerEBB reaches must eventually call lowerLeaf, which
// in turn must leave no fallthrough into the next Label's code; this
// mirrors how an always-returning if/else compiles without a jump
// over the alternate branch.
func LowerEBB[L any](lo *Lowerer, ebb code.EBB[L], lowerLeaf func(*Lowerer, L)) {
	for _, a := range ebb.Actions {
		lo.LowerAction(a)
	}

	switch ebb.Ending.Kind {
	case code.EndingLeaf:
		lowerLeaf(lo, ebb.Ending.Leaf)

	case code.EndingSwitch:
		sw := ebb.Ending.Switch
		falseLabel := NewLabel()
		lo.LowerTestOp(sw.Test, sw.Prec, sw.Discriminant, sw.Imm, falseLabel)

		LowerEBB(lo, sw.Cases[0], lowerLeaf)

		lo.Define(falseLabel)
		LowerEBB(lo, *sw.Default, lowerLeaf)

	default:
		panic(fmt.Sprintf("lower: unknown EndingKind %v", ebb.Ending.Kind))
	}
}
