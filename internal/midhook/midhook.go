//go:build windows

// Package midhook implements the "single-function binary hook primitive"
// spec.md §1 explicitly scopes out of the hard core: "the core consumes
// its contract (install a redirect at an instruction address that
// transfers control to a chosen address while preserving the guest CPU
// state in a readable structure) but does not specify its internals."
// internal/vthook's stub generator (stub.go) is written against this
// package's Handle/Install contract.
//
// Grounded on original_source/src/Hooker.cpp's create_stub: the same
// "load a data pointer into a register, then transfer to a fixed
// address" shape, generalized here into a full save-call-restore
// trampoline since this package, unlike the original's dependency on
// the safetyhook C++ library, has no external detour engine to lean on.
// The bridge from generated machine code back into Go is
// syscall.NewCallback, the standard-library mechanism for handing a Go
// function a calling-convention-correct address that native code can
// call — there is no ecosystem package in the retrieved pack for this
// (it is inherently a runtime/ABI concern the standard library owns).
package midhook

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/vtmon/vtmon/internal/arena"
	"github.com/vtmon/vtmon/internal/codeclass"
	"github.com/vtmon/vtmon/internal/cpu"
	"github.com/vtmon/vtmon/internal/memio"
)

// minStolenBytes is the size of the absolute jmp we overwrite a
// function's entry with: mov rax, imm64; jmp rax (48 B8 <8> FF E0).
const minStolenBytes = 12

// Callback receives the guest register snapshot captured at the
// intercepted address, exactly the "guest register snapshot" spec.md §1
// describes the primitive as providing.
type Callback func(snap *cpu.Snapshot)

// Handle is the "opaque resource from the mid-hook primitive" spec.md
// §3 describes: acquired on install, released on teardown, guaranteeing
// that while held, arriving control flow is redirected to the stub.
type Handle struct {
	mem   memio.Writer
	prot  memio.ProtectionChanger
	arena *arena.Arena

	target uint64
	stolen []byte

	entryAddr uint64 // address of the generated entry stub in the arena
	original  [minStolenBytes]byte
	patched   [minStolenBytes]byte

	mu      sync.Mutex
	enabled bool
}

// registered keeps Go-side callback state reachable from the
// syscall.NewCallback trampoline, which only receives raw uintptrs and
// can't carry a Go closure across the native/Go boundary itself. This
// is the "shared dispatcher" vthook's per-hook stub (spec.md §4.2)
// tail-jumps into: a calling-convention bridge, not domain logic, so it
// lives here rather than in internal/vthook.
var (
	registryMu sync.Mutex
	registry   = map[uintptr]Callback{}
	nextToken  uintptr
)

// RegisterCallback assigns a stable token to cb and returns it, for a
// caller (internal/vthook's stub generator) to embed as the per-hook
// data pointer in a generated thunk. A raw Go pointer can't be embedded
// directly in generated machine code — the garbage collector could move
// it — so the token indirects through this registry instead.
func RegisterCallback(cb Callback) uintptr {
	registryMu.Lock()
	defer registryMu.Unlock()
	nextToken++
	token := nextToken
	registry[token] = cb
	return token
}

// ReleaseCallback drops token's registration once its owning stub is no
// longer reachable from any enabled trampoline.
func ReleaseCallback(token uintptr) {
	registryMu.Lock()
	delete(registry, token)
	registryMu.Unlock()
}

// DispatchTrampolineAddr returns the address of the native-callable
// bridge a generated per-hook stub tail-jumps into (spec.md §4.2's
// "shared dispatcher"). It expects rcx to hold the guest register
// snapshot pointer and rdx to hold a token from RegisterCallback, the
// same two-argument shape the mid-hook primitive's own entry trampoline
// establishes before handing off to the stub.
func DispatchTrampolineAddr() uint64 { return uint64(dispatchTrampoline) }

// Install steals whole instructions at addr to make room for an
// absolute jmp, builds an entry stub in arena that saves every
// general-purpose register, calls into calloutAddr (the "chosen
// address" spec.md §1 describes the primitive redirecting to) with a
// pointer to the saved register block in rcx, restores registers, and
// resumes the stolen instructions — then starts disabled, per spec.md
// §4.4 step 1 ("install the mid-hook primitive in start-disabled
// state"). calloutAddr is ordinarily internal/vthook's per-hook stub
// (spec.md §4.2), but the primitive itself only knows it as a code
// address — everything domain-specific is that stub's concern.
func Install(mem memio.Writer, prot memio.ProtectionChanger, ar *arena.Arena, addr uint64, calloutAddr uint64) (*Handle, error) {
	stolenLen, err := stealLength(mem, addr)
	if err != nil {
		return nil, err
	}

	original, ok := mem.ReadBytes(addr, stolenLen)
	if !ok {
		return nil, fmt.Errorf("midhook: cannot read %d bytes at 0x%x", stolenLen, addr)
	}

	h := &Handle{
		mem:    mem,
		prot:   prot,
		arena:  ar,
		target: addr,
		stolen: original,
	}
	copy(h.original[:], original)

	continuation, err := buildContinuation(ar, original, addr+uint64(stolenLen))
	if err != nil {
		return nil, err
	}

	entryAddr, err := buildEntryStub(ar, calloutAddr, continuation)
	if err != nil {
		return nil, err
	}
	h.entryAddr = entryAddr

	h.patched = absoluteJmp(entryAddr)

	return h, nil
}

// stealLength accumulates whole instructions at addr until at least
// minStolenBytes have been covered, using internal/codeclass's decoder —
// partially overwriting an instruction would corrupt it when the
// trampoline later re-executes the stolen bytes.
func stealLength(mem memio.Memory, addr uint64) (int, error) {
	total := 0
	for total < minStolenBytes {
		buf, ok := mem.ReadBytes(addr+uint64(total), 15)
		if !ok {
			return 0, fmt.Errorf("midhook: cannot read instruction bytes at 0x%x", addr+uint64(total))
		}
		n, err := codeclass.InstructionLength(buf)
		if err != nil {
			return 0, fmt.Errorf("midhook: decode at 0x%x: %w", addr+uint64(total), err)
		}
		total += n
	}
	return total, nil
}

// absoluteJmp encodes `mov rax, imm64; jmp rax` targeting dest.
func absoluteJmp(dest uint64) [minStolenBytes]byte {
	var buf [minStolenBytes]byte
	buf[0], buf[1] = 0x48, 0xB8
	for i := 0; i < 8; i++ {
		buf[2+i] = byte(dest >> (8 * i))
	}
	buf[10], buf[11] = 0xFF, 0xE0
	return buf
}

// buildContinuation writes the stolen original bytes followed by a jmp
// back to resumeAt into the arena, giving the entry stub somewhere to
// hand control once it has restored registers.
func buildContinuation(ar *arena.Arena, stolen []byte, resumeAt uint64) (uint64, error) {
	jmpBack := absoluteJmp(resumeAt)
	size := len(stolen) + len(jmpBack)
	addr, err := ar.Allocate(size)
	if err != nil {
		return 0, fmt.Errorf("midhook: allocate continuation: %w", err)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, stolen...)
	buf = append(buf, jmpBack[:]...)
	ar.Write(addr, buf)
	return addr, nil
}

// Registers saved by buildEntryStub, in push order. The first pushed
// ends up at the highest address in the saved block; the last pushed —
// r15 — sits at [rsp] when the dispatch call executes, so ctxPtr points
// at r15 and walks upward in reverse push order.
var pushOrder = []string{"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

var regPushOpcode = map[string]byte{
	"rax": 0x50, "rcx": 0x51, "rdx": 0x52, "rbx": 0x53,
	"rsp": 0x54, "rbp": 0x55, "rsi": 0x56, "rdi": 0x57,
	"r8": 0x50, "r9": 0x51, "r10": 0x52, "r11": 0x53,
	"r12": 0x54, "r13": 0x55, "r14": 0x56, "r15": 0x57,
}

func isExtended(reg string) bool {
	switch reg {
	case "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15":
		return true
	default:
		return false
	}
}

func encodePush(reg string) []byte {
	if isExtended(reg) {
		return []byte{0x41, regPushOpcode[reg]}
	}
	return []byte{regPushOpcode[reg]}
}

func encodePop(reg string) []byte {
	op := regPushOpcode[reg] + 0x08
	if isExtended(reg) {
		return []byte{0x41, op}
	}
	return []byte{op}
}

// buildEntryStub generates the machine code installed at a hooked
// function's entry point: save all GP registers, call into calloutAddr
// with rcx pointing at the saved block (the "guest CPU state in a
// readable structure" spec.md §1 requires the primitive hand its
// callback), restore registers, then jump to continuation (the stolen
// bytes' new home). calloutAddr is whatever code address Install was
// given — this primitive has no notion of hooks, tokens, or a shared
// dispatcher; that indirection lives in the stub at calloutAddr.
func buildEntryStub(ar *arena.Arena, calloutAddr uint64, continuation uint64) (uint64, error) {
	var code []byte

	for _, r := range pushOrder {
		code = append(code, encodePush(r)...)
	}

	// lea rcx, [rsp]  (ctxPtr, first argument to calloutAddr)
	code = append(code, 0x48, 0x8D, 0x0C, 0x24)

	// mov rax, calloutAddr; call rax
	code = append(code, 0x48, 0xB8)
	code = appendImm64(code, calloutAddr)
	code = append(code, 0xFF, 0xD0)

	for i := len(pushOrder) - 1; i >= 0; i-- {
		code = append(code, encodePop(pushOrder[i])...)
	}

	jmp := absoluteJmp(continuation)
	code = append(code, jmp[:]...)

	addr, err := ar.Allocate(len(code))
	if err != nil {
		return 0, fmt.Errorf("midhook: allocate entry stub: %w", err)
	}
	ar.Write(addr, code)
	return addr, nil
}

func appendImm64(code []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		code = append(code, byte(v>>(8*i)))
	}
	return code
}

// dispatchTrampoline is the calling-convention bridge: a real Windows
// x64 call from generated code lands here with ctxPtr in rcx and token
// in rdx, exactly what syscall.NewCallback arranges for a two-argument
// Go function. Every per-hook stub's jmp (spec.md §4.2) lands here.
var dispatchTrampoline = syscall.NewCallback(dispatchFromNative)

func dispatchFromNative(ctxPtr, token uintptr) uintptr {
	registryMu.Lock()
	cb, ok := registry[token]
	registryMu.Unlock()
	if !ok || cb == nil {
		return 0
	}

	words := unsafe.Slice((*uint64)(unsafe.Pointer(ctxPtr)), len(pushOrder))
	// words[i] holds pushOrder[len-1-i] because r15 (last pushed) sits
	// at the lowest address, i.e. words[0].
	get := func(reg string) uint64 {
		for i, r := range pushOrder {
			if r == reg {
				return words[len(pushOrder)-1-i]
			}
		}
		return 0
	}

	originalRsp := ctxPtr + uintptr(len(pushOrder)*8)

	// Rip is left zero: the dispatcher always seeds its unwind cursor
	// from the hook's own target address (cpu.Seed), never from this
	// snapshot's Rip, since this snapshot is captured at the stub's
	// entry rather than the hooked function's.
	snap := cpu.Snapshot{
		Rax: get("rax"), Rbx: get("rbx"), Rcx: get("rcx"), Rdx: get("rdx"),
		Rsi: get("rsi"), Rdi: get("rdi"), Rbp: get("rbp"),
		R8: get("r8"), R9: get("r9"), R10: get("r10"), R11: get("r11"),
		R12: get("r12"), R13: get("r13"), R14: get("r14"), R15: get("r15"),
		Rsp: uint64(originalRsp),
	}

	cb(&snap)
	return 0
}

// Enable patches the function entry to jump into the generated stub,
// the "install" half of spec.md §4.4's "install the mid-hook primitive
// ... redirecting entry at the original function to the stub." Returns
// the primitive-defined error spec.md §7 wants logged with the slot
// index by the caller.
func (h *Handle) Enable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enabled {
		return nil
	}

	token, err := h.prot.Unprotect(h.target, len(h.patched))
	if err != nil {
		return fmt.Errorf("midhook: unprotect 0x%x: %w", h.target, err)
	}
	for i, b := range h.patched {
		if err := h.mem.WriteU8(h.target+uint64(i), b); err != nil {
			_ = h.prot.Restore(h.target, len(h.patched), token)
			return fmt.Errorf("midhook: write jmp at 0x%x: %w", h.target, err)
		}
	}
	if err := h.prot.Restore(h.target, len(h.patched), token); err != nil {
		return fmt.Errorf("midhook: restore protection 0x%x: %w", h.target, err)
	}

	h.enabled = true
	return nil
}

// Disable reverses the redirect synchronously: once it returns, no
// thread can begin entering the stub, satisfying spec.md §5's teardown
// ordering requirement ("disable is synchronous in the primitive").
func (h *Handle) Disable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled {
		return nil
	}

	token, err := h.prot.Unprotect(h.target, len(h.original))
	if err != nil {
		return fmt.Errorf("midhook: unprotect 0x%x: %w", h.target, err)
	}
	for i, b := range h.original {
		if err := h.mem.WriteU8(h.target+uint64(i), b); err != nil {
			_ = h.prot.Restore(h.target, len(h.original), token)
			return fmt.Errorf("midhook: restore original bytes at 0x%x: %w", h.target, err)
		}
	}
	if err := h.prot.Restore(h.target, len(h.original), token); err != nil {
		return fmt.Errorf("midhook: restore protection 0x%x: %w", h.target, err)
	}

	h.enabled = false
	return nil
}

