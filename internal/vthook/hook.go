// Package vthook is the vtable hooker engine (spec.md §§1-9): vtable
// boundary detection (scanner.go), per-slot trampoline generation
// (stub.go), the shared dispatcher's call accounting and stack unwind
// (dispatcher.go), and the byte-patch lifecycle (patch.go), owned by a
// Hooker hook-set (hookset.go).
//
// Grounded on original_source/src/Hooker.hpp and Hooker.cpp: the Go
// types below are a direct translation of Hook/Hooker's fields and
// methods into idiomatic Go (atomics and an RWMutex instead of C++
// std::atomic/std::shared_mutex, explicit error returns instead of
// logged-and-swallowed failures bubbling only to spdlog).
package vthook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vtmon/vtmon/internal/arena"
	"github.com/vtmon/vtmon/internal/log"
	"github.com/vtmon/vtmon/internal/memio"
	"github.com/vtmon/vtmon/internal/midhook"
)

// maxCallstackDepth mirrors Hooker.cpp's `std::array<void*, 128>` —
// spec.md §3 calls this "the scratch buffer's capacity... an intentional
// cap, not an error condition."
const maxCallstackDepth = 128

// Hook is one per-slot hook record (spec.md §3's "Hook"). Its parent
// back-pointer is a raw pointer per spec.md's Design Notes: valid for
// as long as the owning Hooker hasn't begun teardown, which is
// guaranteed by the mandatory disable-before-drop ordering in
// Hooker.Close.
type Hook struct {
	parent *Hooker
	target uint64
	index  int

	mid  *midhook.Handle
	stub *Stub

	calls             atomic.Uint64
	lastReturnAddress atomic.Uint64
	lastCallNanos     atomic.Int64
	deltaNanos        atomic.Int64

	firstCallLogged atomic.Bool
	unwindWarned    atomic.Bool

	stackMu   sync.RWMutex
	callstack []uint64

	originalByte    byte
	originalByteSet bool
	patchMu         sync.Mutex
}

// Index returns the hook's vtable slot index.
func (h *Hook) Index() int { return h.index }

// Target returns the original function address this hook intercepts.
func (h *Hook) Target() uint64 { return h.target }

// Calls returns the number of times this slot has been invoked.
func (h *Hook) Calls() uint64 { return h.calls.Load() }

// LastReturnAddress returns the caller's return address observed on the
// most recent call.
func (h *Hook) LastReturnAddress() uint64 { return h.lastReturnAddress.Load() }

// LastCall returns the timestamp of the most recent call.
func (h *Hook) LastCall() time.Time {
	n := h.lastCallNanos.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Delta returns the interval between the two most recent calls.
func (h *Hook) Delta() time.Duration { return time.Duration(h.deltaNanos.Load()) }

// Callstack returns a copy of the most recently captured call stack
// (spec.md §3's Hook.get_callstack, "returns a copy... under the reader
// lock").
func (h *Hook) Callstack() []uint64 {
	h.stackMu.RLock()
	defer h.stackMu.RUnlock()
	out := make([]uint64, len(h.callstack))
	copy(out, h.callstack)
	return out
}

// publishCallstack replaces the captured stack, called only by the
// dispatcher under the writer lock (spec.md §4.5 step 6).
func (h *Hook) publishCallstack(frames []uint64) {
	h.stackMu.Lock()
	defer h.stackMu.Unlock()
	h.callstack = append(h.callstack[:0], frames...)
}

// Hooker owns a collection of per-slot Hook records for one vtable
// (spec.md §3's "Hook-set"). Non-copyable by convention: callers hold a
// *Hooker, never a value.
type Hooker struct {
	sessionID uuid.UUID

	vtableBase uint64

	// IgnoreVtableMismatch is per-hook-set rather than the original's
	// process-wide static, per spec.md's own Design Notes — see
	// SPEC_FULL.md's REDESIGN FLAGS.
	IgnoreVtableMismatch bool

	mem            memio.Writer
	prot           memio.ProtectionChanger
	arena          *arena.Arena
	funcTable      FunctionTableResolver
	moduleResolver ModuleResolver
	log            *log.Logger

	hooksMu sync.RWMutex
	hooks   []*Hook
	byIndex map[int]*Hook
}

// logger returns the hook-set's logger, falling back to a no-op logger
// if none was configured (e.g. constructed directly by a unit test).
func (hk *Hooker) logger() *log.Logger {
	if hk.log != nil {
		return hk.log
	}
	return log.NewNop()
}

// SessionID returns this hook-set's correlation id, for operators
// running multiple hook-sets concurrently. The CLI prints it when the
// hook-set is installed and the TUI shows it in its header; it is not
// attached to log lines.
func (hk *Hooker) SessionID() uuid.UUID { return hk.sessionID }

// Target returns the hooked vtable's base address.
func (hk *Hooker) Target() uint64 { return hk.vtableBase }

// Hooks returns the hook-set's records in slot order.
func (hk *Hooker) Hooks() []*Hook {
	hk.hooksMu.RLock()
	defer hk.hooksMu.RUnlock()
	out := make([]*Hook, len(hk.hooks))
	copy(out, hk.hooks)
	return out
}

// FindHook returns the hook installed at vtable slot index, if any
// (spec.md §3's Hooker.find_hook).
func (hk *Hooker) FindHook(index int) (*Hook, bool) {
	hk.hooksMu.RLock()
	defer hk.hooksMu.RUnlock()
	h, ok := hk.byIndex[index]
	return h, ok
}
