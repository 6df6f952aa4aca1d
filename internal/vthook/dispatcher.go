package vthook

import (
	"time"

	"github.com/vtmon/vtmon/internal/cpu"
	"github.com/vtmon/vtmon/internal/event"
	"github.com/vtmon/vtmon/internal/unwind"
)

// FunctionTableResolver looks up the function-table entry covering ip —
// spec.md §6's "Unwind collaborator": find_function_entry(ip) -> optional
// function-table entry. Production wiring is internal/unwind's per-module
// Table behind a small Windows adapter (resolver_windows.go); tests
// supply a fake.
type FunctionTableResolver interface {
	FindFunctionEntry(ip uint64) (unwind.FunctionEntry, bool)
}

// ModuleResolver resolves which loaded module (if any) an address falls
// within, the step the dispatcher performs before consulting the
// function-table resolver (spec.md §4.5 step 5).
type ModuleResolver interface {
	GetModuleWithin(addr uint64) (base uint64, ok bool)
}

// dispatch is the shared dispatcher (spec.md §4.5), grounded on
// Hooker.cpp's generic_hook. It runs every time any installed stub's
// mid-hook primitive fires.
func dispatch(h *Hook, snap *cpu.Snapshot) {
	hk := h.parent

	// Step 1: mismatch guard. This call may belong to a different
	// vtable that happens to alias the same function address (spec.md
	// §4.5 step 1 / §9's flagged Open Question about non-method vtable
	// entries) — guarded by the same "safely readable" check the
	// scanner uses.
	if !hk.IgnoreVtableMismatch {
		vptr, ok := hk.mem.ReadU64(snap.Rcx)
		if !ok || vptr != hk.vtableBase {
			return
		}
	}

	// Step 2: call accounting.
	calls := h.calls.Add(1)
	if calls == 1 && !h.firstCallLogged.Swap(true) {
		hk.logger().FirstCall(h.index, h.target)
	}

	if retAddr, ok := hk.mem.ReadU64(snap.Rsp); ok {
		h.lastReturnAddress.Store(retAddr)
	}

	now := time.Now()
	lastNanos := h.lastCallNanos.Swap(now.UnixNano())
	if lastNanos != 0 {
		h.deltaNanos.Store(now.UnixNano() - lastNanos)
	}

	// Step 5: stack unwind, seeded with the original target address
	// rather than the stub's own address (spec.md §4.5 step 5).
	frames := walkStack(hk, h, snap)

	// Step 6: publish the captured stack under the writer lock.
	h.publishCallstack(frames)

	hk.logger().Event(h.target, string(event.Hook), "dispatch", "")
}

// walkStack implements spec.md §4.5 step 5's iterative unwind: record
// Rip, resolve the containing module, look up its function-table entry,
// step one frame with the platform virtual-unwind primitive, stop on a
// missing entry or a zero resulting Rip. The scratch buffer's capacity
// (maxCallstackDepth) is an intentional cap, not an error.
func walkStack(hk *Hooker, h *Hook, snap *cpu.Snapshot) []uint64 {
	ctx := cpu.Seed(*snap, h.target)

	frames := make([]uint64, 0, maxCallstackDepth)

	for len(frames) < maxCallstackDepth {
		frames = append(frames, ctx.Rip)

		entry, ok := hk.funcTable.FindFunctionEntry(ctx.Rip)
		if !ok {
			if !h.unwindWarned.Swap(true) {
				hk.logger().UnwindTruncated(h.index, ctx.Rip)
			}
			break
		}

		if !unwind.VirtualUnwind(hk.mem, entry, &ctx) {
			break
		}
		if ctx.Rip == 0 {
			break
		}
	}

	return frames
}
