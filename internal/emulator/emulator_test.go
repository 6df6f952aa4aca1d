package emulator

import (
	"testing"
)

// x86-64 test code: MOV EAX, 5; MOV EBX, 3; ADD EAX, EBX
var addTestCode = []byte{
	0xB8, 0x05, 0x00, 0x00, 0x00, // MOV EAX, 5
	0xBB, 0x03, 0x00, 0x00, 0x00, // MOV EBX, 3
	0x01, 0xD8, // ADD EAX, EBX
}

func TestEmulatorBasic(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	endAddr := CodeBase + uint64(len(addTestCode))
	if err := emu.Run(CodeBase, endAddr); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if emu.RAX() != 8 {
		t.Errorf("Expected RAX=8, got RAX=%d", emu.RAX())
	}
	if emu.RBX() != 3 {
		t.Errorf("Expected RBX=3, got RBX=%d", emu.RBX())
	}
}

func TestMemoryOperations(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	addr := uint64(HeapBase)
	val := uint64(0x123456789ABCDEF0)

	if err := emu.MemWriteU64(addr, val); err != nil {
		t.Fatalf("Failed to write U64: %v", err)
	}

	readVal, err := emu.MemReadU64(addr)
	if err != nil {
		t.Fatalf("Failed to read U64: %v", err)
	}

	if readVal != val {
		t.Errorf("U64 mismatch: wrote 0x%x, read 0x%x", val, readVal)
	}

	if err := emu.MemWriteU8(addr+8, 0xAB); err != nil {
		t.Fatalf("Failed to write U8: %v", err)
	}
	b, err := emu.MemReadU8(addr + 8)
	if err != nil {
		t.Fatalf("Failed to read U8: %v", err)
	}
	if b != 0xAB {
		t.Errorf("U8 mismatch: wrote 0xAB, read 0x%x", b)
	}
}

func TestMalloc(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	addr1 := emu.Malloc(100)
	addr2 := emu.Malloc(200)
	addr3 := emu.Malloc(50)

	if addr1%16 != 0 {
		t.Errorf("addr1 not 16-byte aligned: 0x%x", addr1)
	}
	if addr2%16 != 0 {
		t.Errorf("addr2 not 16-byte aligned: 0x%x", addr2)
	}
	if addr3%16 != 0 {
		t.Errorf("addr3 not 16-byte aligned: 0x%x", addr3)
	}

	size1 := uint64(112) // 100 rounded to 16
	size2 := uint64(208) // 200 rounded to 16

	if addr2 < addr1+size1 {
		t.Errorf("addr2 overlaps addr1")
	}
	if addr3 < addr2+size2 {
		t.Errorf("addr3 overlaps addr2")
	}
}

func TestAddressHook(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	hookCalled := false
	secondInstrAddr := uint64(CodeBase + 5) // start of MOV EBX, 3
	emu.HookAddress(secondInstrAddr, func(e *Emulator) bool {
		hookCalled = true
		return false // continue execution
	})

	endAddr := CodeBase + uint64(len(addTestCode))
	if err := emu.Run(CodeBase, endAddr); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !hookCalled {
		t.Error("Address hook was not called")
	}
}

func TestRemoveAddressHook(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	if err := emu.LoadCode(addTestCode); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}

	calls := 0
	addr := uint64(CodeBase)
	emu.HookAddress(addr, func(e *Emulator) bool {
		calls++
		return false
	})
	emu.RemoveAddressHook(addr)

	endAddr := CodeBase + uint64(len(addTestCode))
	_ = emu.Run(CodeBase, endAddr)

	if calls != 0 {
		t.Errorf("expected removed hook not to fire, got %d calls", calls)
	}
}
