// Package memio defines the memory-access contracts shared by the vtable
// hooker core and its collaborators (spec.md §6). Production code backs
// these with the engine's own address space (internal/target); tests back
// them with the Unicorn-emulated synthetic harness (internal/emulator).
// Keeping the interfaces in their own package (rather than on internal/vthook)
// avoids an import cycle between the core and the collaborator packages that
// both consume and get consumed by it.
package memio

// Memory is a read-only view of a process's address space, exactly the
// surface the boundary scanner (spec.md §4.1), the RTTI walker, and the
// stack unwinder need.
type Memory interface {
	// ReadU64 reads a little-endian pointer-sized value. ok is false if the
	// address is not safely readable — this is the "safely readable"
	// predicate spec.md §4.1 requires as a scan terminator.
	ReadU64(addr uint64) (val uint64, ok bool)

	// ReadBytes reads n bytes starting at addr. ok is false if any byte in
	// the range is not safely readable.
	ReadBytes(addr uint64, n int) (data []byte, ok bool)

	// IsExecutable reports whether addr falls within a mapped region whose
	// protection includes execute.
	IsExecutable(addr uint64) bool
}

// Writer extends Memory with the single-byte write the byte-patch manager
// needs (spec.md §4.3).
type Writer interface {
	Memory
	WriteU8(addr uint64, v uint8) error
}

// ProtectionChanger exposes the temporary protection change the byte-patch
// manager and the stub generator need around a write (spec.md §4.2, §4.3).
// Implementations return an opaque token from Unprotect that Restore uses to
// put the original protection back.
type ProtectionChanger interface {
	// Unprotect makes [addr, addr+size) writable and executable, returning
	// a token describing the prior protection.
	Unprotect(addr uint64, size int) (token uint32, err error)
	// Restore reverses Unprotect using the token it returned.
	Restore(addr uint64, size int, token uint32) error
}
