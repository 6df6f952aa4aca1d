package vthook

import (
	"testing"

	"github.com/vtmon/vtmon/internal/memio"
)

func realCode() []byte {
	// mov eax, 5 then padding; not classified as a stub since the first
	// byte isn't ret/nop.
	return []byte{0xB8, 0x05, 0x00, 0x00, 0x00, 0xC3, 0, 0, 0, 0, 0, 0, 0, 0, 0}
}

func stubCode() []byte {
	buf := make([]byte, 15)
	buf[0] = 0xC3 // ret
	return buf
}

func neverVTable(memio.Memory, uint64) bool { return false }

func TestBoundaryScanSkipsStubsAndStopsAtZero(t *testing.T) {
	mem := newFakeMemory()

	vtableBase := uint64(0x1000)
	fn0 := uint64(0x2000)
	fn1 := uint64(0x2100) // stub, should be skipped
	fn2 := uint64(0x2200)

	slot := make([]byte, 8)
	putU64(slot, 0, fn0)
	mem.setBytes(vtableBase+0, slot)

	slot1 := make([]byte, 8)
	putU64(slot1, 0, fn1)
	mem.setBytes(vtableBase+8, slot1)

	slot2 := make([]byte, 8)
	putU64(slot2, 0, fn2)
	mem.setBytes(vtableBase+16, slot2)

	zero := make([]byte, 8)
	mem.setBytes(vtableBase+24, zero)

	mem.setBytes(fn0, realCode())
	mem.setExecutable(fn0, 15)
	mem.setBytes(fn1, stubCode())
	mem.setExecutable(fn1, 15)
	mem.setBytes(fn2, realCode())
	mem.setExecutable(fn2, 15)

	slots := boundaryScan(mem, vtableBase, neverVTable)

	if len(slots) != 2 {
		t.Fatalf("expected 2 countable slots, got %d", len(slots))
	}
	if slots[0].Index != 0 || slots[0].Target != fn0 {
		t.Errorf("slot 0 = %+v, want index 0 target 0x%x", slots[0], fn0)
	}
	if slots[1].Index != 2 || slots[1].Target != fn2 {
		t.Errorf("slot 1 = %+v, want index 2 target 0x%x", slots[1], fn2)
	}
}

func TestBoundaryScanStopsWhenNextIsVTable(t *testing.T) {
	mem := newFakeMemory()

	vtableBase := uint64(0x1000)
	fn0 := uint64(0x2000)

	slot := make([]byte, 8)
	putU64(slot, 0, fn0)
	mem.setBytes(vtableBase, slot)
	mem.setBytes(fn0, realCode())
	mem.setExecutable(fn0, 15)

	alwaysVTable := func(memio.Memory, uint64) bool { return true }

	slots := boundaryScan(mem, vtableBase, alwaysVTable)
	if len(slots) != 0 {
		t.Fatalf("expected scan to stop immediately, got %d slots", len(slots))
	}
}

func TestCount(t *testing.T) {
	mem := newFakeMemory()
	vtableBase := uint64(0x3000)
	fn0 := uint64(0x4000)

	slot := make([]byte, 8)
	putU64(slot, 0, fn0)
	mem.setBytes(vtableBase, slot)
	mem.setBytes(fn0, realCode())
	mem.setExecutable(fn0, 15)

	zero := make([]byte, 8)
	mem.setBytes(vtableBase+8, zero)

	if n := Count(mem, vtableBase, neverVTable); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}
