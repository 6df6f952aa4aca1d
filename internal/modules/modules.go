//go:build windows

// Package modules implements the "Module collaborator" spec.md §6 names:
// GetModuleWithin and GetModulePath, used by the dispatcher's stack
// unwind (spec.md §4.5 step 5) to resolve which loaded module a captured
// instruction pointer falls within before looking up its function table.
//
// Uses golang.org/x/sys/windows' process-snapshot API (CreateToolhelp32
// Snapshot/Module32First/Next) rather than a hand-rolled PEB walk — the
// library already exposes exactly this enumeration, so there is no
// stdlib-fallback justification needed here.
package modules

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Module describes one loaded module's address range.
type Module struct {
	Name string
	Base uint64
	Size uint64
	Path string
}

// end returns the module's exclusive upper address bound.
func (m Module) end() uint64 { return m.Base + m.Size }

// Table is a cached, sorted snapshot of the loaded module list.
type Table struct {
	mu      sync.RWMutex
	modules []Module
}

// New takes a fresh snapshot of the current process's loaded modules.
func New() (*Table, error) {
	t := &Table{}
	if err := t.Refresh(); err != nil {
		return nil, err
	}
	return t, nil
}

// Refresh re-enumerates the process's module list, e.g. after a DLL
// load/unload, so subsequent lookups see current state.
func (t *Table) Refresh() error {
	pid := uint32(windows.GetCurrentProcessId())
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, pid)
	if err != nil {
		return fmt.Errorf("modules: CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	var out []Module
	err = windows.Module32First(snap, &entry)
	for err == nil {
		out = append(out, Module{
			Name: windows.UTF16ToString(entry.Module[:]),
			Base: uint64(entry.ModBaseAddr),
			Size: uint64(entry.ModBaseSize),
			Path: windows.UTF16ToString(entry.ExePath[:]),
		})
		err = windows.Module32Next(snap, &entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })

	t.mu.Lock()
	t.modules = out
	t.mu.Unlock()
	return nil
}

// GetModuleWithin returns the module containing addr, if any — the
// lookup the dispatcher performs before resolving a captured frame's
// function-table entry (spec.md §4.5 step 5).
func (t *Table) GetModuleWithin(addr uint64) (Module, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := sort.Search(len(t.modules), func(i int) bool { return t.modules[i].Base > addr })
	if i == 0 {
		return Module{}, false
	}
	m := t.modules[i-1]
	if addr >= m.Base && addr < m.end() {
		return m, true
	}
	return Module{}, false
}

// GetModulePath returns the on-disk path of the module mapped at base,
// if base matches a known module's base address exactly.
func (t *Table) GetModulePath(base uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.modules {
		if m.Base == base {
			return m.Path, true
		}
	}
	return "", false
}
