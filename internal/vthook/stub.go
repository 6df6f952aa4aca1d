package vthook

import (
	"fmt"

	"github.com/vtmon/vtmon/internal/arena"
	"github.com/vtmon/vtmon/internal/cpu"
	"github.com/vtmon/vtmon/internal/midhook"
)

// stubSize is the literal template's fixed size (spec.md §4.2): a 7-byte
// rip-relative mov, a 6-byte rip-relative indirect jmp, and the two
// 8-byte immediates they dereference.
const stubSize = 29

// stubDispatcherOffset/stubTokenOffset are the fixed offsets of the two
// patched qwords within the template.
const (
	stubDispatcherOffset = 13
	stubTokenOffset      = 21
)

// Stub is the "exclusively owned executable buffer" spec.md §4.2
// describes: a tiny thunk bridging the mid-hook primitive to the shared
// dispatcher, carrying this hook's per-slot data pointer. Hook owns one
// for as long as it is installed (spec.md §3's "stub buffer is never
// deallocated while its trampoline handle is live").
type Stub struct {
	addr  uint64
	token uintptr
}

// Addr returns the stub's entry address — what the mid-hook primitive's
// generated trampoline calls into.
func (s *Stub) Addr() uint64 { return s.addr }

// Release unregisters the stub's callback token once the owning Hook's
// mid-hook handle has already been disabled, so no in-flight call can
// observe a dangling registration.
func (s *Stub) Release() {
	midhook.ReleaseCallback(s.token)
}

// newStub builds the literal 29-byte thunk described in spec.md §4.2:
//
//	mov  rdx, [rip + A]   ; load per-hook data pointer
//	jmp  [rip + B]        ; tail-jump through dispatcher pointer
//	<qword: absolute address of shared dispatcher>
//	<qword: absolute address of this hook's record>
//
// Grounded on original_source/src/Hooker.cpp::create_stub, which hard-
// codes the same two-immediate shape into a few bytes of machine code.
// The "per-hook data pointer" is a registry token rather than a raw Go
// pointer (internal/midhook.RegisterCallback), since embedding a Go
// pointer directly in generated machine code would leave it invisible
// to the garbage collector. The "shared dispatcher" is
// internal/midhook's native-to-Go bridge (the mid-hook primitive's own
// calling-convention trampoline), reached with the per-hook token ready
// in rdx exactly as spec.md's Rationale describes ("the stub uses that
// slot to hand the dispatcher a pointer to the specific hook record").
func newStub(h *Hook, ar *arena.Arena) (*Stub, error) {
	token := midhook.RegisterCallback(func(snap *cpu.Snapshot) {
		dispatch(h, snap)
	})

	addr, err := ar.Allocate(stubSize)
	if err != nil {
		midhook.ReleaseCallback(token)
		return nil, fmt.Errorf("vthook: allocate stub: %w", err)
	}

	buf := make([]byte, 0, stubSize)

	// mov rdx, [rip + A] — 48 8B 15 <disp32>; A targets the token qword
	// (stubTokenOffset), measured from the end of this instruction.
	buf = append(buf, 0x48, 0x8B, 0x15)
	buf = appendDisp32(buf, int32(stubTokenOffset-7))

	// jmp [rip + B] — FF 25 <disp32>; B targets the dispatcher qword
	// (stubDispatcherOffset), measured from the end of this instruction
	// (offset 13), which is exactly where that qword begins.
	buf = append(buf, 0xFF, 0x25)
	buf = appendDisp32(buf, int32(stubDispatcherOffset-13))

	buf = appendImm64(buf, midhook.DispatchTrampolineAddr())
	buf = appendImm64(buf, uint64(token))

	if len(buf) != stubSize {
		midhook.ReleaseCallback(token)
		return nil, fmt.Errorf("vthook: stub template built to %d bytes, want %d", len(buf), stubSize)
	}

	ar.Write(addr, buf)

	return &Stub{addr: addr, token: token}, nil
}

func appendDisp32(buf []byte, v int32) []byte {
	uv := uint32(v)
	return append(buf, byte(uv), byte(uv>>8), byte(uv>>16), byte(uv>>24))
}

func appendImm64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}
