package vthook

import (
	"github.com/vtmon/vtmon/internal/codeclass"
	"github.com/vtmon/vtmon/internal/memio"
)

// VTableChecker reports whether addr is itself the start of another
// vtable's RTTI header — the scanner's "next pointer is a vtable"
// terminator (spec.md §4.1), satisfied in production by
// internal/rtti.IsVTable and by a fake in tests.
type VTableChecker func(mem memio.Memory, addr uint64) bool

// SlotEntry is one countable vtable slot found by boundaryScan: its
// logical index (0 = first virtual function after the RTTI header) and
// the function address currently stored there.
type SlotEntry struct {
	Index  int
	Target uint64
}

// boundaryScan walks vtable[0], vtable[1], ... (each slot 8 bytes),
// yielding every countable slot's index and target address, per
// spec.md §4.1's boundary scanner:
//
//  1. entry == 0 or not safely readable -> stop (not an error).
//  2. entry does not point to executable memory -> stop.
//  3. the next slot is itself a vtable header -> stop.
//  4. entry's code is a trivial stub (lone ret, optionally preceded by
//     nops) -> skip this slot (index still advances), continue scanning.
//  5. otherwise -> countable slot.
func boundaryScan(mem memio.Memory, vtableBase uint64, isVTable VTableChecker) []SlotEntry {
	var slots []SlotEntry

	for i := 0; ; i++ {
		slotAddr := vtableBase + uint64(i)*8

		entry, ok := mem.ReadU64(slotAddr)
		if !ok || entry == 0 {
			break
		}

		if !codeclass.IsGoodCodePtr(mem, entry, codeclass.MinCodeSize) {
			break
		}

		if isVTable(mem, slotAddr+8) {
			break
		}

		code, ok := mem.ReadBytes(entry, codeclass.MinCodeSize)
		if !ok {
			break
		}
		if codeclass.IsStubCode(code) {
			continue
		}

		slots = append(slots, SlotEntry{Index: i, Target: entry})
	}

	return slots
}

// Count returns the number of countable slots in the vtable at
// vtableBase — spec.md §4.1's Hooker::count, usable by callers that
// just want a slot count without installing anything.
func Count(mem memio.Memory, vtableBase uint64, isVTable VTableChecker) int {
	return len(boundaryScan(mem, vtableBase, isVTable))
}
