// Command mijit-ffi is mijit's C ABI, built with -buildmode=c-shared
// (or c-archive) rather than run directly. It exposes mijit_new,
// mijit_drop, mijit_assemble, and mijit_execute, carrying forward
// original_source/src/c_bindings.rs's function names and Box-backed
// opaque-handle shape, with the five() placeholder replaced by a real
// assemble/execute surface per the calling convention spec.md §6
// names: a pool pointer and a state index in, the new state index
// out.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"github.com/aclements/go-mijit/internal/buffer"
	"github.com/aclements/go-mijit/internal/lower"
	"github.com/aclements/go-mijit/internal/native"
	"github.com/aclements/go-mijit/internal/x86asm"
)

// session is the Go-side state a C-visible handle refers to: the
// executable buffer an assembled trace lives in, and the Lowerer that
// wrote it. A cgo.Handle, not a raw Go pointer, crosses the C
// boundary, so the garbage collector is never asked to reason about a
// pointer held by foreign code.
type session struct {
	target lower.Target
	buf    *buffer.Executable
	lo     *lower.Lowerer
}

// mijit_new allocates a fresh executable buffer of the requested byte
// capacity and returns an opaque handle to it, mirroring
// c_bindings.rs's mijit_new allocating a Box<Mmap>. Returns 0 on
// failure (mmap/mprotect setup failure), since a cgo.Handle value is
// otherwise never zero.
//
//export mijit_new
func mijit_new(capacity C.size_t) C.uintptr_t {
	target := lower.Native()
	buf, lo, err := target.NewLowerer(int(capacity))
	if err != nil {
		return 0
	}
	h := cgo.NewHandle(&session{target: target, buf: buf, lo: lo})
	return C.uintptr_t(h)
}

// mijit_drop releases the executable buffer and the handle itself,
// mirroring c_bindings.rs's mijit_drop consuming the Box.
//
//export mijit_drop
func mijit_drop(h C.uintptr_t) {
	handle := cgo.Handle(h)
	s := handle.Value().(*session)
	s.buf.Close()
	handle.Delete()
}

// mijit_assemble writes a trivial smoke-test trace into h's buffer:
// add 5 to the state index and return it, ignoring the pool pointer
// entirely. It exists to give mijit_execute something concrete to run
// end to end; a real embedder would instead drive internal/builder's
// build() and lower each resulting EBB through the same Lowerer.
//
//export mijit_assemble
func mijit_assemble(h C.uintptr_t) {
	s := cgo.Handle(h).Value().(*session)
	s.lo.Prologue(0)
	s.lo.Asm.ConstOp(x86asm.Add, x86asm.P64, x86asm.RAX, 5)
	s.lo.Epilogue(0)
}

// mijit_execute flips h's buffer executable, calls the assembled
// trace with pool and state_index as its two arguments, flips the
// buffer back to writable, and returns the trace's result. Returns -1
// if the permission flip failed (matching the original's
// std::io::Result<...> error path collapsed to a sentinel, since C has
// no Result type to hand back).
//
//export mijit_execute
func mijit_execute(h C.uintptr_t, pool *C.int64_t, stateIndex C.int64_t) C.int64_t {
	s := cgo.Handle(h).Value().(*session)
	result, err := lower.Execute(s.buf, func(code []byte) int64 {
		return native.Call(code, unsafe.Pointer(pool), int64(stateIndex))
	})
	if err != nil {
		return -1
	}
	return C.int64_t(result)
}

func main() {}
