// Package codeclass implements the "Code-classification collaborator" from
// spec.md §6: IsGoodCodePtr and IsStubCode. Grounded on the teacher's use of
// golang.org/x/arch's disassembler for instruction-level work
// (zboralski/galago cmd/galago/main.go decodes ARM64 with arm64asm); the
// x86-64 counterpart in the same module, x86asm, plays the same role here.
//
// This package is pure byte/address classification — it never touches the
// OS, so it needs no build tag.
package codeclass

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/vtmon/vtmon/internal/memio"
)

// MinCodeSize is the smallest span of bytes IsGoodCodePtr insists on being
// able to read before calling a pointer "code": enough for one worst-case
// x86-64 instruction.
const MinCodeSize = 15

// IsGoodCodePtr reports whether addr points at memory that is both safely
// readable and executable — the scanner's "is this actually code" check
// (spec.md §4.1's "V[i] does not point to executable memory" terminator).
func IsGoodCodePtr(mem memio.Memory, addr uint64, size int) bool {
	if addr == 0 {
		return false
	}
	if !mem.IsExecutable(addr) {
		return false
	}
	_, ok := mem.ReadBytes(addr, size)
	return ok
}

// IsStubCode reports whether the instructions starting at addr are a
// "trivial stub": a lone `ret` (`C3`/`C2 imm16`), optionally preceded by a
// run of single-byte `nop`s (`90`) or the canonical multi-byte NOP forms
// emitted by MSVC/LLVM padding, per spec.md §4.1's "candidate is skipped
// when the bytes ... are a trivial stub".
func IsStubCode(code []byte) bool {
	i := 0
	for i < len(code) {
		op := code[i]
		switch {
		case op == 0xC3: // ret
			return true
		case op == 0xC2 && i+2 < len(code): // ret imm16
			return true
		case op == 0x90: // 1-byte nop
			i++
			continue
		case op == 0x0F && i+1 < len(code) && code[i+1] == 0x1F:
			// multi-byte NOP (0F 1F /0, 0F 1F 00/40/80 variants); decode to
			// skip the whole instruction rather than guessing its length.
			inst, err := x86asm.Decode(code[i:], 64)
			if err != nil || inst.Op != x86asm.NOP {
				return false
			}
			i += inst.Len
			continue
		default:
			return false
		}
	}
	return false
}

// InstructionLength decodes the instruction at the start of code and
// returns its length in bytes. Used by internal/midhook to determine how
// many whole instructions must be stolen to make room for a detour jump.
func InstructionLength(code []byte) (int, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, err
	}
	return inst.Len, nil
}

// Disassemble decodes a single instruction and returns its Intel-syntax
// text, for the CLI's colorized trace output.
func Disassemble(code []byte, pc uint64) (text string, length int, err error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return "", 0, err
	}
	return x86asm.IntelSyntax(inst, pc, nil), inst.Len, nil
}
