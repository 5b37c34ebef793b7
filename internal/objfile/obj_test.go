package objfile

import (
	"io"
	"os"
	"runtime"
	"testing"
)

// TestOpenSelf opens the running test binary itself, which on every
// platform this engine targets is a real ELF (or, cross-compiled, PE)
// object file, and checks that at least one non-empty text symbol is
// found with readable data. This exercises Open/Symbols/SymbolData
// against a real object file without needing a toolchain invocation
// to manufacture one.
func TestOpenSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("test binary is not ELF on %s", runtime.GOOS)
	}

	f, err := os.Open(os.Args[0])
	if err != nil {
		t.Fatalf("open %s: %v", os.Args[0], err)
	}
	defer f.Close()

	obj, err := Open(f)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	syms, err := obj.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if len(syms) == 0 {
		t.Fatal("Symbols returned none")
	}

	var textSym *Sym
	for i, s := range syms {
		if s.Kind == SymText && s.Size > 0 {
			textSym = &syms[i]
			break
		}
	}
	if textSym == nil {
		t.Fatal("no non-empty SymText symbol found")
	}

	data, err := obj.SymbolData(*textSym)
	if err != nil {
		t.Fatalf("SymbolData(%s): %v", textSym.Name, err)
	}
	if uint64(len(data)) != textSym.Size {
		t.Fatalf("SymbolData(%s) returned %d bytes, want %d", textSym.Name, len(data), textSym.Size)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	garbage := &readerAt{data: []byte("not an object file, just some bytes")}
	if _, err := Open(garbage); err == nil {
		t.Fatal("Open accepted non-object-file data")
	}
}

type readerAt struct{ data []byte }

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
