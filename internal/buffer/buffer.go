// Package buffer manages the executable memory region into which the
// assembler writes machine code (spec.md §4.7, §5's buffer permission
// protocol). The buffer is always in exactly one of two states,
// writable or executable; Execute flips it to executable for the
// duration of a callback and flips it back before returning.
package buffer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Buffer is the interface the assembler writes into. Positions are
// measured in bytes from the start of the buffer.
type Buffer interface {
	// Write stores the low len bytes of v at pos, little-endian.
	Write(pos int, v uint64, len int)
	// Read loads len bytes starting at pos, little-endian.
	Read(pos int, len int) uint64
	// ReadByte loads the single byte at pos.
	ReadByte(pos int) byte
	// Len returns the number of bytes written so far.
	Len() int
}

// Memory is an in-memory Buffer backed by a plain slice. It never
// becomes executable; it exists for assembling code whose bytes will
// only be inspected (tests, disassembly, Const/SIB/Patch exercises)
// rather than run.
type Memory struct {
	bytes []byte
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) grow(end int) {
	if end > len(m.bytes) {
		grown := make([]byte, end)
		copy(grown, m.bytes)
		m.bytes = grown
	}
}

func (m *Memory) Write(pos int, v uint64, length int) {
	m.grow(pos + length)
	for i := 0; i < length; i++ {
		m.bytes[pos+i] = byte(v >> (8 * uint(i)))
	}
}

func (m *Memory) Read(pos int, length int) uint64 {
	var v uint64
	for i := length - 1; i >= 0; i-- {
		v = v<<8 | uint64(m.bytes[pos+i])
	}
	return v
}

func (m *Memory) ReadByte(pos int) byte { return m.bytes[pos] }

func (m *Memory) Len() int { return len(m.bytes) }

// Bytes returns the buffer's contents; used to hand the assembled
// instructions to a disassembler or to a test that inspects them.
func (m *Memory) Bytes() []byte { return m.bytes }

// state is the permission state of an Executable buffer.
type state int

const (
	writable state = iota
	executable
)

// Executable is a Buffer backed by anonymous mmap'd memory that can be
// flipped between writable and executable, per spec.md's buffer
// permission protocol: code assembly must not occur while the buffer
// is executable, and the memory must not be executable while the
// assembler can still write to it.
type Executable struct {
	mem   []byte // mmap'd region, capacity fixed at construction
	used  int    // bytes written so far
	state state
}

// NewExecutable allocates size bytes of anonymous memory, initially
// writable (and not executable).
func NewExecutable(size int) (*Executable, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("buffer: mmap failed: %w", err)
	}
	return &Executable{mem: mem, state: writable}, nil
}

func (e *Executable) checkWritable() {
	if e.state != writable {
		panic("buffer: write to an executable Buffer")
	}
}

func (e *Executable) Write(pos int, v uint64, length int) {
	e.checkWritable()
	if pos+length > len(e.mem) {
		panic("buffer: write past end of fixed-capacity executable buffer")
	}
	for i := 0; i < length; i++ {
		e.mem[pos+i] = byte(v >> (8 * uint(i)))
	}
	if pos+length > e.used {
		e.used = pos + length
	}
}

func (e *Executable) Read(pos int, length int) uint64 {
	var v uint64
	for i := length - 1; i >= 0; i-- {
		v = v<<8 | uint64(e.mem[pos+i])
	}
	return v
}

func (e *Executable) ReadByte(pos int) byte { return e.mem[pos] }

func (e *Executable) Len() int { return e.used }

// IsExecutable reports the buffer's current permission state, used by
// the permission-safety property test (spec.md §8 property 7).
func (e *Executable) IsExecutable() bool { return e.state == executable }

// Execute flips the buffer to executable, invokes callback with the
// assembled bytes, then flips it back to writable before returning.
// If the first mprotect (to executable) fails, callback is not run,
// the buffer stays writable and an error is returned. If the second
// (back to writable) fails, the buffer's state is left executable and
// an error is returned; the caller must not write to it.
func Execute[T any](e *Executable, callback func(code []byte) T) (T, error) {
	var zero T
	if err := unix.Mprotect(e.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return zero, fmt.Errorf("buffer: mprotect(PROT_EXEC) failed: %w", err)
	}
	e.state = executable
	result := callback(e.mem[:e.used])
	if err := unix.Mprotect(e.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return zero, fmt.Errorf("buffer: mprotect(PROT_WRITE) failed: %w", err)
	}
	e.state = writable
	return result, nil
}

// Close releases the underlying mapping.
func (e *Executable) Close() error {
	return unix.Munmap(e.mem)
}
