//go:build windows

package vthook

import (
	"debug/pe"
	"fmt"
	"sync"

	"github.com/vtmon/vtmon/internal/memio"
	"github.com/vtmon/vtmon/internal/modules"
	"github.com/vtmon/vtmon/internal/unwind"
)

// WindowsResolver implements FunctionTableResolver and ModuleResolver
// over the real loaded-module list and each module's on-disk .pdata
// section, the production wiring for spec.md §6's Unwind and Module
// collaborators. It caches one unwind.Table per module, built lazily on
// first use since most hook-sets only ever unwind through a handful of
// modules.
type WindowsResolver struct {
	mem      memio.Memory
	modTbl   *modules.Table
	tablesMu sync.Mutex
	tables   map[uint64]*unwind.Table
}

// NewWindowsResolver builds a resolver backed by a fresh module
// snapshot. Callers should call Refresh after a DLL load/unload so
// later lookups see the new module.
func NewWindowsResolver(mem memio.Memory) (*WindowsResolver, error) {
	modTbl, err := modules.New()
	if err != nil {
		return nil, fmt.Errorf("vthook: resolver: %w", err)
	}
	return &WindowsResolver{
		mem:    mem,
		modTbl: modTbl,
		tables: make(map[uint64]*unwind.Table),
	}, nil
}

// Refresh re-enumerates loaded modules and drops any cached unwind
// tables, so the next lookup rebuilds them against the new module list.
func (r *WindowsResolver) Refresh() error {
	r.tablesMu.Lock()
	r.tables = make(map[uint64]*unwind.Table)
	r.tablesMu.Unlock()
	return r.modTbl.Refresh()
}

// GetModuleWithin implements ModuleResolver.
func (r *WindowsResolver) GetModuleWithin(addr uint64) (uint64, bool) {
	m, ok := r.modTbl.GetModuleWithin(addr)
	if !ok {
		return 0, false
	}
	return m.Base, true
}

// FindFunctionEntry implements FunctionTableResolver: resolve addr's
// owning module, lazily parse that module's .pdata into an unwind.Table,
// then look up the entry covering addr — spec.md §4.5 step 5's two-step
// "resolve the containing module; look up the function-table entry."
func (r *WindowsResolver) FindFunctionEntry(addr uint64) (unwind.FunctionEntry, bool) {
	m, ok := r.modTbl.GetModuleWithin(addr)
	if !ok {
		return unwind.FunctionEntry{}, false
	}

	tbl, err := r.tableFor(m.Base, m.Path)
	if err != nil {
		return unwind.FunctionEntry{}, false
	}

	return tbl.FindFunctionEntry(addr)
}

func (r *WindowsResolver) tableFor(base uint64, path string) (*unwind.Table, error) {
	r.tablesMu.Lock()
	if tbl, ok := r.tables[base]; ok {
		r.tablesMu.Unlock()
		return tbl, nil
	}
	r.tablesMu.Unlock()

	tbl, err := parsePdata(r.mem, base, path)
	if err != nil {
		return nil, err
	}

	r.tablesMu.Lock()
	r.tables[base] = tbl
	r.tablesMu.Unlock()
	return tbl, nil
}

// parsePdata opens the module's on-disk image to find .pdata's RVA and
// size, then decodes the live, loaded copy through mem rather than the
// file — the in-memory RUNTIME_FUNCTION table reflects any IAT/loader
// fixups, the on-disk one may not.
func parsePdata(mem memio.Memory, base uint64, path string) (*unwind.Table, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vthook: open %s: %w", path, err)
	}
	defer f.Close()

	sec := f.Section(".pdata")
	if sec == nil {
		return nil, fmt.Errorf("vthook: %s has no .pdata section", path)
	}

	return unwind.ParseTable(mem, base, sec.VirtualAddress, int(sec.VirtualSize))
}
