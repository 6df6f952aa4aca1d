package vthook

import "testing"

func TestInsertRetAndRestore(t *testing.T) {
	mem := newFakeMemory()
	target := uint64(0x5000)
	mem.setBytes(target, []byte{0x55, 0x48, 0x89, 0xE5}) // push rbp; mov rbp, rsp

	h := &Hook{target: target}

	if err := h.InsertRet(mem, mem); err != nil {
		t.Fatalf("InsertRet: %v", err)
	}
	if !h.IsPatched() {
		t.Fatal("expected IsPatched true after InsertRet")
	}
	b, ok := mem.ReadBytes(target, 1)
	if !ok || b[0] != retOpcode {
		t.Fatalf("expected ret opcode at target, got %v ok=%v", b, ok)
	}

	// A second InsertRet must not clobber the saved original byte.
	if err := h.InsertRet(mem, mem); err != nil {
		t.Fatalf("second InsertRet: %v", err)
	}

	if err := h.Restore(mem, mem); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if h.IsPatched() {
		t.Fatal("expected IsPatched false after Restore")
	}
	b, ok = mem.ReadBytes(target, 1)
	if !ok || b[0] != 0x55 {
		t.Fatalf("expected original byte 0x55 restored, got %v ok=%v", b, ok)
	}
}

func TestRestoreWithoutInsertIsNoop(t *testing.T) {
	mem := newFakeMemory()
	target := uint64(0x6000)
	mem.setBytes(target, []byte{0x90})

	h := &Hook{target: target}
	if err := h.Restore(mem, mem); err != nil {
		t.Fatalf("Restore without prior InsertRet: %v", err)
	}
}
