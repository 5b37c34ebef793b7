package main

/*
#include <stdint.h>
*/
import "C"

import "testing"

// TestAssembleAndExecuteAddsFive is the FFI-level E1 end-to-end
// scenario: assemble the smoke-test trace, execute it with a state
// index of 42, and get 47 back, having actually run the emitted
// machine code rather than just inspecting its bytes.
func TestAssembleAndExecuteAddsFive(t *testing.T) {
	h := mijit_new(4096)
	if h == 0 {
		t.Fatal("mijit_new returned a nil handle")
	}
	defer mijit_drop(h)

	mijit_assemble(h)

	var pool [1]C.int64_t
	got := mijit_execute(h, &pool[0], 42)
	if got != 47 {
		t.Fatalf("mijit_execute(42) = %d, want 47", got)
	}
}

// TestExecuteIsRepeatable checks that the buffer's executable/writable
// flip leaves it runnable more than once, per spec.md §5's permission
// protocol not being single-shot.
func TestExecuteIsRepeatable(t *testing.T) {
	h := mijit_new(4096)
	defer mijit_drop(h)
	mijit_assemble(h)

	var pool [1]C.int64_t
	for i, want := range []C.int64_t{5, 10, 105} {
		got := mijit_execute(h, &pool[0], want-5)
		if got != want {
			t.Fatalf("run %d: mijit_execute(%d) = %d, want %d", i, want-5, got, want)
		}
	}
}
