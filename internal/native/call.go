// Package native runs assembled machine code directly. Go itself
// cannot cast a []byte's backing memory to a callable function value;
// this package crosses into C, via a tiny cgo shim, to perform the
// void*-to-function-pointer cast that original_source/src/
// c_bindings.rs leaves to its own FFI caller to do in C.
//
// Callers are responsible for making code executable first (see
// internal/buffer.Execute / internal/lower.Execute) — this package
// only calls into it.
package native

/*
#include <stdint.h>

typedef int64_t (*mijit_fn)(int64_t *pool, int64_t state_index);

static int64_t mijit_call(void *fn, int64_t *pool, int64_t state_index) {
	return ((mijit_fn)fn)(pool, state_index);
}
*/
import "C"

import "unsafe"

// Call runs code as a function of mijit's two-argument calling
// convention (a pool pointer and a state index in, the new state
// index returned), matching what internal/lower.Prologue/Epilogue
// assemble: the pool pointer arrives in the first SysV argument
// register, the state index in the second, and the result comes back
// in the state-index/return register. pool may be nil if the trace
// never touches it.
func Call(code []byte, pool unsafe.Pointer, stateIndex int64) int64 {
	if len(code) == 0 {
		panic("native: Call on empty code")
	}
	return int64(C.mijit_call(unsafe.Pointer(&code[0]), (*C.int64_t)(pool), C.int64_t(stateIndex)))
}
