// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package objfile

import (
	"fmt"
	"io"
)

// Obj is an object file opened by Open. mijitinspect uses it to find
// the bytes of a compiled trace by symbol name, so every implementation
// is expected to reject anything that isn't an x86-64 object; mijit
// never compiles to any other architecture.
type Obj interface {
	Symbols() ([]Sym, error)
	SymbolData(s Sym) ([]byte, error)
}

// Sym is a symbol read from an object file.
type Sym struct {
	Name        string
	Value, Size uint64
	Kind        SymKind
	Local       bool
	section     int
}

type SymKind uint8

const (
	SymUnknown SymKind = '?'
	SymText            = 'T'
	SymData            = 'D'
	SymROData          = 'R'
	SymBSS             = 'B'
	SymUndef           = 'U'
)

// Open attempts to open r as a known x86-64 object file format (ELF or
// PE). It returns an error for any other architecture, since that's
// never what a mijit trace is compiled into.
func Open(r io.ReaderAt) (Obj, error) {
	if f, err := openElf(r); err == nil {
		return f, nil
	}
	if f, err := openPE(r); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("unrecognized or unsupported object file format")
}
