//go:build windows

// Package arena allocates executable memory for generated stub
// trampolines (spec.md §4.2) — each call bump-allocates its bytes out of
// shared RWX pages, for internal/vthook's stub generator and
// internal/midhook's trampolines.
//
// Grounded on the teacher's Windows build-tag style
// (joeycumines-go-utilpkg eventloop/poller_windows.go); pages are kept
// RWX for their whole lifetime rather than transitioned RW->RX after
// writing, the simplification spec.md's Design Notes call "preferable
// but not mandated" (see SPEC_FULL.md's REDESIGN FLAGS).
package arena

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

const pageSize = 0x1000

// Arena bump-allocates fixed-size regions out of committed RWX pages,
// growing by one page at a time as stubs are generated.
type Arena struct {
	mu     sync.Mutex
	pages  []uintptr
	cur    uintptr
	curOff int
}

// New returns an empty Arena. No memory is committed until the first
// Allocate call.
func New() *Arena { return &Arena{} }

// Allocate reserves size bytes of RWX memory and returns its address.
// size must fit within a single page; stub trampolines are 29 bytes
// (spec.md §4.2), far under that limit.
func (a *Arena) Allocate(size int) (uint64, error) {
	if size <= 0 || size > pageSize {
		return 0, fmt.Errorf("arena: invalid allocation size %d", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cur == 0 || a.curOff+size > pageSize {
		page, err := windows.VirtualAlloc(0, pageSize, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
		if err != nil {
			return 0, fmt.Errorf("arena: VirtualAlloc: %w", err)
		}
		a.pages = append(a.pages, page)
		a.cur = page
		a.curOff = 0
	}

	addr := a.cur + uintptr(a.curOff)
	a.curOff += size
	return uint64(addr), nil
}

// Write copies data into previously-allocated arena memory at addr.
func (a *Arena) Write(addr uint64, data []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(data))
	copy(dst, data)
}

// Close releases every page the arena has committed. Callers must
// ensure no installed hook still references arena memory before calling
// this — normally invoked only at process exit or full teardown.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, page := range a.pages {
		if err := windows.VirtualFree(page, 0, windows.MEM_RELEASE); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("arena: VirtualFree 0x%x: %w", page, err)
		}
	}
	a.pages = nil
	a.cur = 0
	a.curOff = 0
	return firstErr
}
