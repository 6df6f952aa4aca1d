// Package cpu defines the x86-64 register snapshot shared by the stub
// trampoline, the dispatcher, and the unwinder (spec.md §4.2, §4.5). A
// single shared type avoids every collaborator inventing its own copy of
// the same field list, mirroring how the original safetyhook::Context
// is threaded through Hooker.cpp unchanged from stub entry to unwind exit.
package cpu

// Snapshot is the general-purpose register state captured by a stub
// trampoline at the moment it intercepts a call, before the dispatcher
// does anything with it.
type Snapshot struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64
}

// Context is the synthesized unwind cursor (spec.md §4.5 step 5): seeded
// from a Snapshot but with Rip overridden to the original target address
// rather than the stub's address, then mutated frame-by-frame by
// internal/unwind.VirtualUnwind.
type Context struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64
}

// Seed builds the initial unwind Context from a stub Snapshot, overriding
// Rip with target per spec.md §4.5 step 5 ("the original target address,
// not the address stored in the snapshot, which points into the stub").
func Seed(snap Snapshot, target uint64) Context {
	return Context{
		Rax: snap.Rax, Rbx: snap.Rbx, Rcx: snap.Rcx, Rdx: snap.Rdx,
		Rsi: snap.Rsi, Rdi: snap.Rdi, Rbp: snap.Rbp, Rsp: snap.Rsp,
		R8: snap.R8, R9: snap.R9, R10: snap.R10, R11: snap.R11,
		R12: snap.R12, R13: snap.R13, R14: snap.R14, R15: snap.R15,
		Rip: target,
	}
}
