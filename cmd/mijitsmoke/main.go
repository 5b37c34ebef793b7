// Command mijitsmoke assembles a trivial trace, executes it for real,
// and prints the result — the E1 end-to-end scenario run from the
// command line. Its flag/log.Fatal style follows obj/objbrowse/main.go.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/aclements/go-mijit/internal/lower"
	"github.com/aclements/go-mijit/internal/native"
	"github.com/aclements/go-mijit/internal/x86asm"
)

var (
	stateFlag = flag.Int64("state", 42, "state index passed in; the trace returns state+5")
)

func main() {
	flag.Parse()

	target := lower.Native()
	buf, lo, err := target.NewLowerer(4096)
	if err != nil {
		log.Fatalf("mijitsmoke: allocating executable buffer: %v", err)
	}
	defer buf.Close()

	assemble(lo)

	result, err := lower.Execute(buf, func(code []byte) int64 {
		return native.Call(code, nil, *stateFlag)
	})
	if err != nil {
		log.Fatalf("mijitsmoke: executing trace: %v", err)
	}

	fmt.Printf("state %d -> %d\n", *stateFlag, result)
}

// assemble writes the smoke-test trace: add 5 to the state index and
// return it. It is the same body ffi.mijit_assemble writes, kept
// independent here so this CLI has no dependency on the cgo-exported
// package.
func assemble(lo *lower.Lowerer) {
	lo.Prologue(0)
	lo.Asm.ConstOp(x86asm.Add, x86asm.P64, x86asm.RAX, 5)
	lo.Epilogue(0)
}
