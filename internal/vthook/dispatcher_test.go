package vthook

import (
	"testing"

	"github.com/vtmon/vtmon/internal/cpu"
	"github.com/vtmon/vtmon/internal/log"
	"github.com/vtmon/vtmon/internal/unwind"
)

// noFuncTable always reports no function-table entry, exercising
// spec.md §4.5's "unwind may fail on the first frame" edge case: the
// stack is left containing just the entry frame.
type noFuncTable struct{}

func (noFuncTable) FindFunctionEntry(uint64) (unwind.FunctionEntry, bool) {
	return unwind.FunctionEntry{}, false
}

func newTestHooker(mem *fakeMemory, vtableBase uint64, ignoreMismatch bool) *Hooker {
	return &Hooker{
		vtableBase:           vtableBase,
		IgnoreVtableMismatch: ignoreMismatch,
		mem:                  mem,
		prot:                 mem,
		funcTable:            noFuncTable{},
		log:                  log.NewNop(),
		byIndex:              make(map[int]*Hook),
	}
}

func TestDispatchMismatchGuardSkipsForeignVtable(t *testing.T) {
	mem := newFakeMemory()
	vtableBase := uint64(0x1000)
	foreignVtable := uint64(0x9000)

	hk := newTestHooker(mem, vtableBase, false)
	h := &Hook{parent: hk, target: 0x2000, index: 0}

	// The receiver object's first word is its vptr: a different vtable.
	obj := make([]byte, 8)
	putU64(obj, 0, foreignVtable)
	mem.setBytes(0x8000, obj)

	snap := &cpu.Snapshot{Rcx: 0x8000, Rsp: 0x7000}
	mem.setBytes(0x7000, []byte{0, 0, 0, 0, 0, 0, 0, 0})

	dispatch(h, snap)

	if h.Calls() != 0 {
		t.Fatalf("expected mismatch guard to skip accounting, got %d calls", h.Calls())
	}
}

func TestDispatchAccountsCallAndCapturesEntryFrame(t *testing.T) {
	mem := newFakeMemory()
	vtableBase := uint64(0x1000)

	hk := newTestHooker(mem, vtableBase, false)
	h := &Hook{parent: hk, target: 0x2000, index: 0}

	retAddr := make([]byte, 8)
	putU64(retAddr, 0, 0xDEADBEEF)
	mem.setBytes(0x7000, retAddr)

	// The receiver object's first word is its vptr: the hooked vtable.
	obj := make([]byte, 8)
	putU64(obj, 0, vtableBase)
	mem.setBytes(0x8000, obj)

	snap := &cpu.Snapshot{Rcx: 0x8000, Rsp: 0x7000}

	dispatch(h, snap)

	if h.Calls() != 1 {
		t.Fatalf("Calls = %d, want 1", h.Calls())
	}
	if h.LastReturnAddress() != 0xDEADBEEF {
		t.Fatalf("LastReturnAddress = 0x%x, want 0xDEADBEEF", h.LastReturnAddress())
	}

	stack := h.Callstack()
	if len(stack) != 1 || stack[0] != h.target {
		t.Fatalf("Callstack = %v, want single entry-frame [0x%x]", stack, h.target)
	}
}

func TestDispatchIgnoreMismatchAccountsForeignCall(t *testing.T) {
	mem := newFakeMemory()
	vtableBase := uint64(0x1000)

	hk := newTestHooker(mem, vtableBase, true)
	h := &Hook{parent: hk, target: 0x2000, index: 0}

	mem.setBytes(0x7000, make([]byte, 8))
	snap := &cpu.Snapshot{Rcx: 0x9999, Rsp: 0x7000}

	dispatch(h, snap)

	if h.Calls() != 1 {
		t.Fatalf("expected IgnoreVtableMismatch to allow accounting, got %d calls", h.Calls())
	}
}
