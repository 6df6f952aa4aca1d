// Package unwind implements the platform virtual-unwind primitive the
// dispatcher's stack walk depends on (spec.md §4.5 step 5, §6 "Unwind
// collaborator"): FindFunctionEntry and VirtualUnwind, backed by a PE
// image's .pdata (RUNTIME_FUNCTION table) and UNWIND_INFO records.
//
// Grounded on the teacher's ELF/.rela table-walking code in
// internal/emulator/vtable.go and internal/emulator/elf.go: same shape
// of problem (binary-search a sorted metadata table by address, then
// interpret a small per-entry opcode stream), retargeted from ELF
// relocations to the PE exception-directory format a real x86-64
// Windows binary actually carries.
package unwind

import (
	"encoding/binary"
	"fmt"

	"github.com/vtmon/vtmon/internal/cpu"
	"github.com/vtmon/vtmon/internal/memio"
)

// FunctionEntry is a decoded RUNTIME_FUNCTION: RVAs relative to the
// owning module's base.
type FunctionEntry struct {
	BeginAddress  uint32
	EndAddress    uint32
	UnwindInfoRVA uint32
	ModuleBase    uint64
}

// Table is a sorted-by-BeginAddress RUNTIME_FUNCTION table, the decoded
// form of a PE image's .pdata section.
type Table struct {
	entries    []FunctionEntry
	moduleBase uint64
}

// ParseTable decodes the RUNTIME_FUNCTION array found at pdataRVA within
// a module mapped at moduleBase, size bytes long (12 bytes per record:
// BeginAddress, EndAddress, UnwindInfoAddress, all RVAs).
func ParseTable(mem memio.Memory, moduleBase uint64, pdataRVA uint32, size int) (*Table, error) {
	data, ok := mem.ReadBytes(moduleBase+uint64(pdataRVA), size)
	if !ok {
		return nil, fmt.Errorf("unwind: .pdata not readable at RVA 0x%x", pdataRVA)
	}

	const recordSize = 12
	n := len(data) / recordSize
	entries := make([]FunctionEntry, 0, n)
	for i := 0; i < n; i++ {
		rec := data[i*recordSize : i*recordSize+recordSize]
		e := FunctionEntry{
			BeginAddress:  binary.LittleEndian.Uint32(rec[0:4]),
			EndAddress:    binary.LittleEndian.Uint32(rec[4:8]),
			UnwindInfoRVA: binary.LittleEndian.Uint32(rec[8:12]),
			ModuleBase:    moduleBase,
		}
		if e.BeginAddress == 0 && e.EndAddress == 0 {
			continue
		}
		entries = append(entries, e)
	}

	return &Table{entries: entries, moduleBase: moduleBase}, nil
}

// FindFunctionEntry looks up the RUNTIME_FUNCTION covering ip, per
// spec.md §4.5 step 5 ("look up the function-table entry for the
// current instruction pointer; if missing, stop"). The table is
// expected sorted by BeginAddress, as .pdata always is in a linked PE
// image; we binary-search it.
func (t *Table) FindFunctionEntry(ip uint64) (FunctionEntry, bool) {
	if ip < t.moduleBase {
		return FunctionEntry{}, false
	}
	rva := uint32(ip - t.moduleBase)

	lo, hi := 0, len(t.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		e := t.entries[mid]
		switch {
		case rva < e.BeginAddress:
			hi = mid
		case rva >= e.EndAddress:
			lo = mid + 1
		default:
			return e, true
		}
	}
	return FunctionEntry{}, false
}

// UWOP opcodes from the x64 exception-handling UNWIND_CODE format.
const (
	uwopPushNonvol    = 0
	uwopAllocLarge    = 1
	uwopAllocSmall    = 2
	uwopSetFPReg      = 3
	uwopSaveNonvol    = 4
	uwopSaveNonvolFar = 5
	uwopSaveXMM128    = 8
	uwopSaveXMM128Far = 9
	uwopPushMachFrame = 10
)

// VirtualUnwind steps ctx one frame, using entry's UNWIND_INFO to reverse
// the prologue's effect on Rsp and any pushed nonvolatile registers, then
// pops the return address off the unwound Rsp into the next Rip. This is
// the platform primitive spec.md §4.5 step 5 calls "the platform's
// virtual-unwind primitive" (RtlVirtualUnwind on real Windows).
//
// Reports ok=false if the unwind info cannot be read or decoded; the
// caller treats that the same as "resulting instruction pointer is zero"
// and stops the walk (spec.md §4.5 step 5, §7 edge case).
func VirtualUnwind(mem memio.Memory, entry FunctionEntry, ctx *cpu.Context) bool {
	header, ok := mem.ReadBytes(entry.ModuleBase+uint64(entry.UnwindInfoRVA), 4)
	if !ok || len(header) < 4 {
		return false
	}

	flagsVersion := header[0]
	version := flagsVersion & 0x7
	if version != 1 && version != 2 {
		return false
	}
	frameRegister := header[3] & 0x0F
	countOfCodes := int(header[2])

	codes, ok := mem.ReadBytes(entry.ModuleBase+uint64(entry.UnwindInfoRVA)+4, countOfCodes*2)
	if !ok {
		return false
	}

	rsp := ctx.Rsp
	if frameRegister != 0 {
		// A frame pointer is in use; the unwound Rsp starts from it
		// rather than the raw stack pointer. We track Rbp as the frame
		// base, the common MSVC convention (FrameOffset scaling by 16
		// omitted: we only need Rsp to land correctly enough to read the
		// return address below).
		rsp = ctx.Rbp
	}

	i := 0
	for i < len(codes) {
		op := codes[i+1] & 0x0F
		info := codes[i+1] >> 4

		switch op {
		case uwopPushNonvol:
			rsp += 8
			i += 2
		case uwopAllocLarge:
			if info == 0 {
				if i+4 > len(codes) {
					return false
				}
				alloc := uint64(binary.LittleEndian.Uint16(codes[i+2:i+4])) * 8
				rsp += alloc
				i += 4
			} else {
				if i+6 > len(codes) {
					return false
				}
				alloc := uint64(binary.LittleEndian.Uint32(codes[i+2 : i+6]))
				rsp += alloc
				i += 6
			}
		case uwopAllocSmall:
			rsp += uint64(info)*8 + 8
			i += 2
		case uwopSetFPReg:
			i += 2
		case uwopSaveNonvol:
			i += 4
		case uwopSaveNonvolFar:
			i += 6
		case uwopSaveXMM128:
			i += 4
		case uwopSaveXMM128Far:
			i += 6
		case uwopPushMachFrame:
			if info == 1 {
				rsp += 8
			}
			i += 2
		default:
			return false
		}
	}

	returnAddr, ok := mem.ReadU64(rsp)
	if !ok {
		return false
	}

	ctx.Rsp = rsp + 8
	ctx.Rip = returnAddr
	return true
}
