package buffer

import "testing"

func TestMemoryWriteReadRoundTrip(t *testing.T) {
	m := NewMemory()
	m.Write(0, 0x1122334455667788, 8)
	if got := m.Read(0, 8); got != 0x1122334455667788 {
		t.Fatalf("Read = %#x, want %#x", got, 0x1122334455667788)
	}
	if got := m.ReadByte(0); got != 0x88 {
		t.Fatalf("ReadByte(0) = %#x, want 0x88 (little-endian)", got)
	}
	if got := m.ReadByte(7); got != 0x11 {
		t.Fatalf("ReadByte(7) = %#x, want 0x11", got)
	}
}

func TestMemoryGrows(t *testing.T) {
	m := NewMemory()
	m.Write(4, 0xFF, 1)
	if m.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", m.Len())
	}
	if got := m.ReadByte(4); got != 0xFF {
		t.Fatalf("ReadByte(4) = %#x, want 0xFF", got)
	}
}

// TestExecutePermissionSafety is testable property 7: immediately
// before Execute's callback returns control, the buffer reports
// executable; after Execute returns, it reports writable.
func TestExecutePermissionSafety(t *testing.T) {
	e, err := NewExecutable(4096)
	if err != nil {
		t.Skipf("mmap unavailable in this environment: %v", err)
	}
	defer e.Close()

	// A single `ret` instruction (0xC3), so the callback can safely be
	// invoked by the OS if it chose to execute it (it doesn't here).
	e.Write(0, 0xC3, 1)

	if e.IsExecutable() {
		t.Fatalf("buffer reports executable before Execute")
	}

	var sawExecutable bool
	_, err = Execute(e, func(code []byte) struct{} {
		sawExecutable = e.IsExecutable()
		if len(code) != 1 || code[0] != 0xC3 {
			t.Errorf("callback saw code = %v, want [0xC3]", code)
		}
		return struct{}{}
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !sawExecutable {
		t.Errorf("buffer did not report executable during callback")
	}
	if e.IsExecutable() {
		t.Errorf("buffer still reports executable after Execute returned")
	}
}

func TestExecutableWriteAfterExecutePanics(t *testing.T) {
	e, err := NewExecutable(4096)
	if err != nil {
		t.Skipf("mmap unavailable in this environment: %v", err)
	}
	defer e.Close()

	_, err = Execute(e, func(code []byte) struct{} {
		defer func() {
			if recover() == nil {
				t.Errorf("Write during Execute callback did not panic")
			}
		}()
		e.Write(0, 0x90, 1)
		return struct{}{}
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
}
