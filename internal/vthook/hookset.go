package vthook

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/vtmon/vtmon/internal/arena"
	"github.com/vtmon/vtmon/internal/log"
	"github.com/vtmon/vtmon/internal/memio"
	"github.com/vtmon/vtmon/internal/midhook"
)

// Options configures a new Hooker. Mem/Prot/Arena/FuncTable are the
// collaborator dependencies spec.md §6 treats as external services;
// Logger defaults to a no-op logger and ModuleResolver/IgnoreVtableMismatch
// default to their zero values if left unset.
type Options struct {
	Mem                  memio.Writer
	Prot                 memio.ProtectionChanger
	Arena                *arena.Arena
	FuncTable            FunctionTableResolver
	ModuleResolver       ModuleResolver
	Logger               *log.Logger
	IsVTable             VTableChecker
	IgnoreVtableMismatch bool
}

// NewHooker installs a hook-set over the vtable at vtableBase, per
// spec.md §4.4's install sequence: iterate slots as in §4.1, for each
// countable slot create a hook record, generate a stub bound to it,
// install the mid-hook primitive start-disabled, then enable every hook
// once all records exist ("is more thread safe", per Hooker.cpp).
//
// A mid-hook enable failure for one slot is logged and that record is
// retained disabled rather than aborting the whole install — spec.md
// §7's error taxonomy: "record remains in disabled state but is
// retained — other slots remain functional."
func NewHooker(opts Options, vtableBase uint64) (*Hooker, error) {
	if opts.Mem == nil || opts.Prot == nil || opts.Arena == nil || opts.FuncTable == nil {
		return nil, fmt.Errorf("vthook: NewHooker requires Mem, Prot, Arena, and FuncTable")
	}
	isVTable := opts.IsVTable
	if isVTable == nil {
		isVTable = func(memio.Memory, uint64) bool { return false }
	}

	hk := &Hooker{
		sessionID:            uuid.New(),
		vtableBase:           vtableBase,
		IgnoreVtableMismatch: opts.IgnoreVtableMismatch,
		mem:                  opts.Mem,
		prot:                 opts.Prot,
		arena:                opts.Arena,
		funcTable:            opts.FuncTable,
		moduleResolver:       opts.ModuleResolver,
		log:                  opts.Logger,
		byIndex:              make(map[int]*Hook),
	}

	hk.logger().Event(vtableBase, "hookset", "scan", "")

	slots := boundaryScan(opts.Mem, vtableBase, isVTable)

	for _, slot := range slots {
		h := &Hook{
			parent: hk,
			target: slot.Target,
			index:  slot.Index,
		}

		stub, err := newStub(h, opts.Arena)
		if err != nil {
			hk.logger().HookEnableFailed(slot.Index, -1)
			continue
		}

		mid, err := midhook.Install(opts.Mem, opts.Prot, opts.Arena, slot.Target, stub.Addr())
		if err != nil {
			stub.Release()
			hk.logger().HookEnableFailed(slot.Index, -1)
			continue
		}
		h.mid = mid
		h.stub = stub

		hk.hooks = append(hk.hooks, h)
		hk.byIndex[slot.Index] = h
	}

	for _, h := range hk.hooks {
		if err := h.mid.Enable(); err != nil {
			hk.logger().HookEnableFailed(h.index, -1)
			continue
		}
		hk.logger().HookInstalled(h.index, h.target)
	}

	return hk, nil
}

// Close tears down every hook in the set: disables each trampoline
// before releasing resources (so no thread can begin entering a stub
// after disable returns), reverts any outstanding prologue patch, then
// drops the stub buffer — the ordering spec.md §4.4/§5 mandates
// ("disable -> observe no in-flight calls -> drop stub").
func (hk *Hooker) Close() error {
	hk.logger().Event(hk.vtableBase, "hookset", "teardown", "")

	var firstErr error
	for _, h := range hk.Hooks() {
		if h.mid != nil {
			if err := h.mid.Disable(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := h.Restore(hk.mem, hk.prot); err != nil && firstErr == nil {
			firstErr = err
		}
		if h.stub != nil {
			h.stub.Release()
		}
	}

	hk.hooksMu.Lock()
	hk.hooks = nil
	hk.byIndex = make(map[int]*Hook)
	hk.hooksMu.Unlock()

	return firstErr
}
