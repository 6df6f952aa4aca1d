package vthook

import (
	"encoding/binary"
	"testing"

	"github.com/vtmon/vtmon/internal/cpu"
	"github.com/vtmon/vtmon/internal/emulator"
	"github.com/vtmon/vtmon/internal/log"
)

// emulatorMemory adapts internal/emulator's Unicorn-backed harness to
// memio.Memory/Writer, so boundaryScan and dispatch can run against
// genuinely decoded and executed x86-64 bytes (spec.md §8's Scenarios A
// and B) instead of only the hand-built fakeMemory the rest of this
// package's tests use.
type emulatorMemory struct {
	emu *emulator.Emulator
}

func (m *emulatorMemory) ReadU64(addr uint64) (uint64, bool) {
	v, err := m.emu.MemReadU64(addr)
	return v, err == nil
}

func (m *emulatorMemory) ReadBytes(addr uint64, n int) ([]byte, bool) {
	b, err := m.emu.MemRead(addr, uint64(n))
	return b, err == nil
}

func (m *emulatorMemory) IsExecutable(addr uint64) bool {
	return addr >= emulator.CodeBase && addr < emulator.CodeBase+emulator.CodeSize
}

func (m *emulatorMemory) WriteU8(addr uint64, v uint8) error {
	return m.emu.MemWriteU8(addr, v)
}

// retFunc encodes "mov eax, tag; ret" (6 bytes): a countable slot's real
// function body, whose tag value the caller can observe after execution.
func retFunc(tag uint32) []byte {
	b := make([]byte, 6)
	b[0] = 0xB8 // mov eax, imm32
	binary.LittleEndian.PutUint32(b[1:5], tag)
	b[5] = 0xC3 // ret
	return b
}

// trivialStub encodes a lone "ret" — spec.md §4.1's trivial-stub slot,
// skipped by the scanner but still advancing the slot index.
func trivialStub() []byte {
	return []byte{0xC3}
}

func leU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// TestBoundaryScanOverEmulatedVTable is spec.md §8's Scenario A run over
// real emulated memory: ten distinct functions, each returning a
// different tag, wired into a ten-entry vtable. boundaryScan must find
// all ten slots in order, and one of the fabricated bodies must actually
// execute and produce its tag when run.
func TestBoundaryScanOverEmulatedVTable(t *testing.T) {
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("create emulator: %v", err)
	}
	defer emu.Close()
	mem := &emulatorMemory{emu: emu}

	const vtableBase = emulator.CodeBase + 0x1000
	const fnBase = emulator.CodeBase + 0x2000
	const fnStride = 0x20

	var fns [10]uint64
	for i := range fns {
		addr := uint64(fnBase + i*fnStride)
		fns[i] = addr
		if err := emu.MemWrite(addr, retFunc(uint32(i))); err != nil {
			t.Fatalf("write fn %d: %v", i, err)
		}
	}
	for i, addr := range fns {
		if err := emu.MemWrite(vtableBase+uint64(i)*8, leU64(addr)); err != nil {
			t.Fatalf("write slot %d: %v", i, err)
		}
	}
	if err := emu.MemWrite(vtableBase+uint64(len(fns))*8, make([]byte, 8)); err != nil {
		t.Fatalf("write terminator: %v", err)
	}

	slots := boundaryScan(mem, vtableBase, neverVTable)
	if len(slots) != len(fns) {
		t.Fatalf("expected %d countable slots, got %d: %+v", len(fns), len(slots), slots)
	}
	for i, s := range slots {
		if s.Index != i || s.Target != fns[i] {
			t.Errorf("slot %d = %+v, want index %d target 0x%x", i, s, i, fns[i])
		}
	}

	// Confirm these bytes are genuinely executable x86-64, not merely
	// classified as such: run one body and check its real result. The
	// run stops at the body's ret, since the harness stack holds no
	// return address for it to pop.
	const probe = 3
	end := fns[probe] + uint64(len(retFunc(0))) - 1
	if err := emu.Run(fns[probe], end); err != nil {
		t.Fatalf("run fn %d: %v", probe, err)
	}
	if emu.RAX() != probe {
		t.Fatalf("fn %d returned RAX=%d, want %d", probe, emu.RAX(), probe)
	}
}

// TestBoundaryScanSkipsEmulatedTrivialStub is spec.md §8's Scenario B:
// one vtable entry is a trivial stub (a lone ret) and must be skipped
// while its neighbors are counted, index intact.
func TestBoundaryScanSkipsEmulatedTrivialStub(t *testing.T) {
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("create emulator: %v", err)
	}
	defer emu.Close()
	mem := &emulatorMemory{emu: emu}

	const vtableBase = emulator.CodeBase + 0x3000
	const fnBase = emulator.CodeBase + 0x4000
	const fnStride = 0x20

	fns := []uint64{fnBase, fnBase + fnStride, fnBase + 2*fnStride, fnBase + 3*fnStride}
	bodies := [][]byte{retFunc(0), trivialStub(), retFunc(2), retFunc(3)}

	for i, addr := range fns {
		if err := emu.MemWrite(addr, bodies[i]); err != nil {
			t.Fatalf("write fn %d: %v", i, err)
		}
		if err := emu.MemWrite(vtableBase+uint64(i)*8, leU64(addr)); err != nil {
			t.Fatalf("write slot %d: %v", i, err)
		}
	}
	if err := emu.MemWrite(vtableBase+uint64(len(fns))*8, make([]byte, 8)); err != nil {
		t.Fatalf("write terminator: %v", err)
	}

	slots := boundaryScan(mem, vtableBase, neverVTable)
	wantIdx := []int{0, 2, 3}
	if len(slots) != len(wantIdx) {
		t.Fatalf("expected %d countable slots (entry 1 skipped), got %d: %+v", len(wantIdx), len(slots), slots)
	}
	for i, s := range slots {
		if s.Index != wantIdx[i] || s.Target != fns[wantIdx[i]] {
			t.Errorf("slot %d = %+v, want index %d target 0x%x", i, s, wantIdx[i], fns[wantIdx[i]])
		}
	}
}

// TestDispatchOverRealCallAndReturn drives dispatch() with a cpu.Snapshot
// captured mid-execution of genuinely emulated x86-64: a real `call`
// instruction pushes a real return address onto a real stack, and the
// object's vptr slot is read back from real memory rather than handed to
// dispatch as a literal, addressing the gap where every existing
// dispatcher test only ever exercised fakeMemory.
func TestDispatchOverRealCallAndReturn(t *testing.T) {
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("create emulator: %v", err)
	}
	defer emu.Close()
	mem := &emulatorMemory{emu: emu}

	const vtableBase = emulator.CodeBase + 0x5000
	const objAddr = emulator.CodeBase + 0x5100
	const targetAddr = emulator.CodeBase + 0x5200
	const callerAddr = emulator.CodeBase + 0x5300

	if err := emu.MemWrite(objAddr, leU64(vtableBase)); err != nil {
		t.Fatalf("write vptr slot: %v", err)
	}
	if err := emu.MemWrite(targetAddr, retFunc(42)); err != nil {
		t.Fatalf("write target fn: %v", err)
	}

	// mov rcx, objAddr (48 B9 <imm64>); call rel32 targetAddr.
	code := []byte{0x48, 0xB9}
	code = append(code, leU64(objAddr)...)
	callSiteEnd := callerAddr + uint64(len(code)) + 5
	rel32 := int32(int64(targetAddr) - int64(callSiteEnd))
	code = append(code, 0xE8, byte(rel32), byte(rel32>>8), byte(rel32>>16), byte(rel32>>24))
	if err := emu.MemWrite(callerAddr, code); err != nil {
		t.Fatalf("write caller: %v", err)
	}

	hk := &Hooker{
		vtableBase: vtableBase,
		mem:        mem,
		funcTable:  noFuncTable{},
		log:        log.NewNop(),
		byIndex:    make(map[int]*Hook),
	}
	h := &Hook{parent: hk, target: targetAddr, index: 0}

	var captured bool
	emu.HookAddress(targetAddr, func(e *emulator.Emulator) bool {
		captured = true
		snap := &cpu.Snapshot{Rcx: e.RCX(), Rsp: e.RSP()}
		dispatch(h, snap)
		return false // let the real ret carry execution back to the caller
	})

	if err := emu.Run(callerAddr, callSiteEnd); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !captured {
		t.Fatal("target address hook never fired")
	}
	if h.Calls() != 1 {
		t.Fatalf("Calls = %d, want 1", h.Calls())
	}
	if h.LastReturnAddress() != callSiteEnd {
		t.Fatalf("LastReturnAddress = 0x%x, want the real pushed return address 0x%x", h.LastReturnAddress(), callSiteEnd)
	}
}
