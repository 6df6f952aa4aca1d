//go:build windows

// Package target implements memio.Memory/Writer/ProtectionChanger against
// the engine's own address space — the production backing for
// internal/vthook when running injected into a target process, as
// opposed to internal/emulator's Unicorn-backed synthetic harness used
// in tests.
//
// Grounded on the teacher's Windows-specific files (joeycumines-go-utilpkg
// eventloop/poller_windows.go) for the golang.org/x/sys/windows calling
// convention and //go:build windows placement.
package target

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/vtmon/vtmon/internal/memio"
)

// Process reads and writes the calling process's own memory directly
// through unsafe.Pointer, since the hooker engine runs injected into its
// target rather than across a process boundary.
type Process struct{}

var _ memio.Writer = Process{}
var _ memio.ProtectionChanger = Process{}

// New returns a Process backed memory accessor.
func New() Process { return Process{} }

// ReadU64 reads a little-endian pointer-sized value, guarding against an
// unmapped or unreadable address the way the scanner's "safely readable"
// terminator requires (spec.md §4.1).
func (Process) ReadU64(addr uint64) (uint64, bool) {
	if !readableRange(addr, 8) {
		return 0, false
	}
	return *(*uint64)(unsafe.Pointer(uintptr(addr))), true
}

// ReadBytes reads n bytes starting at addr.
func (Process) ReadBytes(addr uint64, n int) ([]byte, bool) {
	if n <= 0 || !readableRange(addr, n) {
		return nil, false
	}
	out := make([]byte, n)
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
	copy(out, src)
	return out, true
}

// IsExecutable reports whether addr falls within a region whose
// protection includes execute.
func (Process) IsExecutable(addr uint64) bool {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return false
	}
	if mbi.State != windows.MEM_COMMIT {
		return false
	}
	switch mbi.Protect {
	case windows.PAGE_EXECUTE, windows.PAGE_EXECUTE_READ,
		windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return true
	default:
		return false
	}
}

// WriteU8 writes a single byte at addr, used by the byte-patch manager
// (spec.md §4.3) to insert or restore a function prologue's first byte.
// Callers are expected to have already made addr writable via Unprotect.
func (Process) WriteU8(addr uint64, v uint8) error {
	if !readableRange(addr, 1) {
		return fmt.Errorf("target: address 0x%x not mapped", addr)
	}
	*(*byte)(unsafe.Pointer(uintptr(addr))) = v
	return nil
}

// Unprotect makes [addr, addr+size) writable (and keeps it executable),
// returning the prior protection constant as the restore token.
func (Process) Unprotect(addr uint64, size int) (uint32, error) {
	var old uint32
	err := windows.VirtualProtect(uintptr(addr), uintptr(size), windows.PAGE_EXECUTE_READWRITE, &old)
	if err != nil {
		return 0, fmt.Errorf("VirtualProtect unprotect 0x%x: %w", addr, err)
	}
	return old, nil
}

// Restore reverses Unprotect using the token it returned, then flushes
// the instruction cache so a self-modifying write (e.g. the byte-patch
// manager) is visible to the CPU's instruction fetch path.
func (Process) Restore(addr uint64, size int, token uint32) error {
	var old uint32
	if err := windows.VirtualProtect(uintptr(addr), uintptr(size), token, &old); err != nil {
		return fmt.Errorf("VirtualProtect restore 0x%x: %w", addr, err)
	}
	proc := windows.CurrentProcess()
	return windows.FlushInstructionCache(proc, unsafe.Pointer(uintptr(addr)), uintptr(size))
}

func readableRange(addr uint64, n int) bool {
	if addr == 0 {
		return false
	}
	var mbi windows.MemoryBasicInformation
	checked := uint64(0)
	for checked < uint64(n) {
		cur := addr + checked
		if err := windows.VirtualQuery(uintptr(cur), &mbi, unsafe.Sizeof(mbi)); err != nil {
			return false
		}
		if mbi.State != windows.MEM_COMMIT {
			return false
		}
		switch mbi.Protect {
		case windows.PAGE_NOACCESS, 0:
			return false
		}
		regionEnd := uint64(mbi.BaseAddress) + uint64(mbi.RegionSize)
		advance := regionEnd - uint64(cur)
		if advance == 0 {
			return false
		}
		checked += advance
	}
	return true
}
