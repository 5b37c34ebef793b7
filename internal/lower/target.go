package lower

import (
	"github.com/aclements/go-mijit/internal/buffer"
	"github.com/aclements/go-mijit/internal/code"
	"github.com/aclements/go-mijit/internal/x86asm"
)

// Target bundles the register budget the allocator must respect with
// the ability to construct a Lowerer over a fresh executable buffer
// and to flip that buffer between writable and executable. It exists
// so a caller only needs one value to go from "how many registers do
// I have" to "run this compiled trace", without naming internal/x86asm
// or internal/buffer directly.
type Target struct {
	// NumRegisters is the number of registers available for
	// allocation, code.NumRegisters minus the ones this package
	// reserves for its own use (code.StateIndex, code.PoolReg,
	// code.ScratchReg, code.ScratchReg2).
	NumRegisters int
}

// Native returns the Target for the host's own architecture. There is
// only one implementation, matching x86_64::Target being the sole
// instantiation of native() in the original.
func Native() Target {
	return Target{NumRegisters: code.NumRegisters - 4}
}

// NewLowerer allocates a fresh executable buffer of the given byte
// capacity and returns a Lowerer writing into it, along with the
// buffer itself so the caller can later Execute it.
func (t Target) NewLowerer(capacity int) (*buffer.Executable, *Lowerer, error) {
	buf, err := buffer.NewExecutable(capacity)
	if err != nil {
		return nil, nil, err
	}
	return buf, New(x86asm.New(buf)), nil
}

// Execute flips buf to executable, invokes callback with the
// assembled machine code, and flips it back before returning -
// exactly buffer.Execute, exposed here so a caller working purely in
// terms of Target/Lowerer never needs to import internal/buffer
// itself.
func Execute[T any](buf *buffer.Executable, callback func(code []byte) T) (T, error) {
	return buffer.Execute(buf, callback)
}
