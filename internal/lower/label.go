// Package lower translates the builder's abstract Actions and Endings
// (spec.md §4.6) into internal/x86asm instructions. It owns the
// per-function prologue/epilogue, the register/slot resolution that
// the assembler's register-only instruction shapes need, and the
// Label bookkeeping that lets a trace's control flow be rewired after
// it has already been assembled.
package lower

import "github.com/aclements/go-mijit/internal/x86asm"

// Label is a possibly-unknown control-flow target that accumulates
// the instructions which jump to it. Unlike an x86asm.Patch, which
// names one pending jump, a Label can be retargeted long after those
// jumps were assembled: Lowerer.Patch rewrites every instruction
// currently pointing at it in one call.
//
// There may be more than one Label targeting the same address; each
// is patched independently. Every control-flow instruction targets
// exactly one Label.
type Label struct {
	target  int // -1 until defined, mirroring x86asm's "no target yet" sentinel
	patches []x86asm.Patch
}

// NewLabel returns an unused Label with no known target.
func NewLabel() *Label { return &Label{target: -1} }

// IsDefined reports whether l has a known target address.
func (l *Label) IsDefined() bool { return l.target >= 0 }

func (l *Label) push(p x86asm.Patch) { l.patches = append(l.patches, p) }

// drain returns and forgets every patch currently pointing at l.
func (l *Label) drain() []x86asm.Patch {
	ps := l.patches
	l.patches = nil
	return ps
}
