// Package emulator provides x86-64 emulation using Unicorn Engine.
//
// It exists to serve as the project's synthetic test harness (spec.md §8):
// tests fabricate a process image — vtables, function bodies, ret stubs —
// in emulated memory and drive internal/vthook against it, exercising real
// decoded and executed x86-64 bytes instead of hand-built mocks.
//
// Retargeted from the teacher's ARM64/Android emulator
// (zboralski/galago internal/emulator/emulator.go) to x86-64; the
// Android/libstdc++ mock-object memory layout and ELF/PLT loading have no
// equivalent here (our target format is PE, handled by internal/rtti and
// internal/unwind) and were dropped — see DESIGN.md.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants for the synthetic harness.
const (
	CodeBase  = 0x0000000140000000 // typical Windows x64 image base
	CodeSize  = 0x01000000         // 16MB for code + vtables
	StackBase = 0x0000000020000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x0000000030000000
	HeapSize  = 0x00100000 // 1MB heap (bump allocator)
)

// AddressHookFunc is called when execution reaches a specific address.
// Returning true stops emulation. This stands in for the production
// mid-hook primitive inside the synthetic harness: tests register one at
// a stub's entry point the way the real engine would redirect via
// internal/midhook.
type AddressHookFunc func(emu *Emulator) bool

// Emulator wraps Unicorn for x86-64 emulation.
type Emulator struct {
	mu uc.Unicorn

	heapPtr uint64

	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	stopped bool
}

// New creates a new x86-64 emulator with code/stack/heap mapped and RSP
// initialized to the top of the stack region.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.X86_REG_RSP, sp); err != nil {
		return fmt.Errorf("set RSP: %w", err)
	}
	if err := e.mu.RegWrite(uc.X86_REG_RBP, sp); err != nil {
		return fmt.Errorf("set RBP: %w", err)
	}

	return nil
}

// setupHooks installs the single Unicorn code hook that dispatches to
// address hooks registered via HookAddress.
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok && hook(e) {
			e.Stop()
		}
	}, 1, 0)

	return err
}

// Close releases resources.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes code at the code base.
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory.
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory.
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory.
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian).
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian).
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU8 reads a single byte from memory.
func (e *Emulator) MemReadU8(addr uint64) (uint8, error) {
	data, err := e.mu.MemRead(addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// MemWriteU8 writes a single byte to memory.
func (e *Emulator) MemWriteU8(addr uint64, val uint8) error {
	return e.mu.MemWrite(addr, []byte{val})
}

// RegRead reads a register value by Unicorn register constant.
func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.mu.RegRead(reg)
}

// RegWrite writes a register value by Unicorn register constant.
func (e *Emulator) RegWrite(reg int, val uint64) error {
	return e.mu.RegWrite(reg, val)
}

// Named general-purpose register accessors, mirroring the x86-64 Windows
// calling convention fields spec.md's Context needs (rax, rcx, rdx, rsp,
// rbp, rsi, rdi, r8-r15).
func (e *Emulator) RAX() uint64 { return e.reg(uc.X86_REG_RAX) }
func (e *Emulator) RBX() uint64 { return e.reg(uc.X86_REG_RBX) }
func (e *Emulator) RCX() uint64 { return e.reg(uc.X86_REG_RCX) }
func (e *Emulator) RDX() uint64 { return e.reg(uc.X86_REG_RDX) }
func (e *Emulator) RSI() uint64 { return e.reg(uc.X86_REG_RSI) }
func (e *Emulator) RDI() uint64 { return e.reg(uc.X86_REG_RDI) }
func (e *Emulator) RBP() uint64 { return e.reg(uc.X86_REG_RBP) }
func (e *Emulator) RSP() uint64 { return e.reg(uc.X86_REG_RSP) }
func (e *Emulator) RIP() uint64 { return e.reg(uc.X86_REG_RIP) }
func (e *Emulator) R8() uint64  { return e.reg(uc.X86_REG_R8) }
func (e *Emulator) R9() uint64  { return e.reg(uc.X86_REG_R9) }

func (e *Emulator) reg(r int) uint64 {
	v, _ := e.mu.RegRead(r)
	return v
}

// SetRAX sets the RAX register (used by harness stubs to fake return
// values, mirroring how a real stub's callee would set it).
func (e *Emulator) SetRAX(val uint64) error { return e.mu.RegWrite(uc.X86_REG_RAX, val) }

// SetRIP sets the instruction pointer.
func (e *Emulator) SetRIP(val uint64) error { return e.mu.RegWrite(uc.X86_REG_RIP, val) }

// SetRSP sets the stack pointer.
func (e *Emulator) SetRSP(val uint64) error { return e.mu.RegWrite(uc.X86_REG_RSP, val) }

// Malloc allocates memory from the heap (bump allocator). Panics if the
// heap is exhausted, which indicates a bug in a test fixture, not a
// recoverable runtime condition.
func (e *Emulator) Malloc(size uint64) uint64 {
	size = (size + 15) &^ 15

	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("emulator heap exhausted")
	}

	return addr
}

// HookAddress adds a hook for a specific address.
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook.
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Run starts emulation from addr through end (exclusive).
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// Stop stops emulation.
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}
