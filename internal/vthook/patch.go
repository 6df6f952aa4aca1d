package vthook

import (
	"fmt"

	"github.com/vtmon/vtmon/internal/memio"
)

// retOpcode is x86-64 `ret` (0xC3), the single byte spec.md §4.3's
// byte-patch manager writes over a function's first instruction to
// short-circuit it — grounded on Hook::insert_ret in Hooker.hpp.
const retOpcode = 0xC3

// InsertRet overwrites the first byte of h's target with `ret` (0xC3),
// neutralizing the function in place. The original byte is captured on
// first use so Restore can reverse it; a second InsertRet call without
// an intervening Restore is a no-op, per spec.md §4.3's "idempotent
// while already patched."
func (h *Hook) InsertRet(mem memio.Writer, prot memio.ProtectionChanger) error {
	h.patchMu.Lock()
	defer h.patchMu.Unlock()

	if !h.originalByteSet {
		orig, ok := mem.ReadBytes(h.target, 1)
		if !ok {
			return fmt.Errorf("vthook: cannot read original byte at 0x%x", h.target)
		}
		h.originalByte = orig[0]
		h.originalByteSet = true
	}

	token, err := prot.Unprotect(h.target, 1)
	if err != nil {
		return fmt.Errorf("vthook: unprotect 0x%x: %w", h.target, err)
	}
	if err := mem.WriteU8(h.target, retOpcode); err != nil {
		_ = prot.Restore(h.target, 1, token)
		return fmt.Errorf("vthook: write ret at 0x%x: %w", h.target, err)
	}
	if err := prot.Restore(h.target, 1, token); err != nil {
		return fmt.Errorf("vthook: restore protection at 0x%x: %w", h.target, err)
	}

	return nil
}

// Restore reverses a prior InsertRet, writing back the original byte.
// A no-op if InsertRet was never called, per spec.md §4.4's teardown
// rule ("Destructor invokes restore on every hook record") — hooks that
// were never patched simply have nothing to undo.
func (h *Hook) Restore(mem memio.Writer, prot memio.ProtectionChanger) error {
	h.patchMu.Lock()
	defer h.patchMu.Unlock()

	if !h.originalByteSet {
		return nil
	}

	token, err := prot.Unprotect(h.target, 1)
	if err != nil {
		return fmt.Errorf("vthook: unprotect 0x%x: %w", h.target, err)
	}
	if err := mem.WriteU8(h.target, h.originalByte); err != nil {
		_ = prot.Restore(h.target, 1, token)
		return fmt.Errorf("vthook: restore original byte at 0x%x: %w", h.target, err)
	}
	if err := prot.Restore(h.target, 1, token); err != nil {
		return fmt.Errorf("vthook: restore protection at 0x%x: %w", h.target, err)
	}

	h.originalByteSet = false
	return nil
}

// IsPatched reports whether the target currently has an outstanding
// ret-insertion patch applied.
func (h *Hook) IsPatched() bool {
	h.patchMu.Lock()
	defer h.patchMu.Unlock()
	return h.originalByteSet
}

// InsertRetAt applies the same single-byte neutralization InsertRet
// does, but for an ad-hoc address with no owning Hook record — the
// operation cmd/vtmon's `neutralize` subcommand drives directly against
// an address an operator names on the command line, independent of any
// installed hook-set. The caller is responsible for remembering the
// returned original byte to reverse the patch later via RestoreByteAt.
func InsertRetAt(mem memio.Writer, prot memio.ProtectionChanger, addr uint64) (original byte, err error) {
	orig, ok := mem.ReadBytes(addr, 1)
	if !ok {
		return 0, fmt.Errorf("vthook: cannot read original byte at 0x%x", addr)
	}

	token, err := prot.Unprotect(addr, 1)
	if err != nil {
		return 0, fmt.Errorf("vthook: unprotect 0x%x: %w", addr, err)
	}
	if err := mem.WriteU8(addr, retOpcode); err != nil {
		_ = prot.Restore(addr, 1, token)
		return 0, fmt.Errorf("vthook: write ret at 0x%x: %w", addr, err)
	}
	if err := prot.Restore(addr, 1, token); err != nil {
		return 0, fmt.Errorf("vthook: restore protection at 0x%x: %w", addr, err)
	}

	return orig[0], nil
}

// RestoreByteAt reverses a prior InsertRetAt, writing original back to
// addr — cmd/vtmon's `restore` subcommand, given the byte `neutralize`
// printed when it ran.
func RestoreByteAt(mem memio.Writer, prot memio.ProtectionChanger, addr uint64, original byte) error {
	token, err := prot.Unprotect(addr, 1)
	if err != nil {
		return fmt.Errorf("vthook: unprotect 0x%x: %w", addr, err)
	}
	if err := mem.WriteU8(addr, original); err != nil {
		_ = prot.Restore(addr, 1, token)
		return fmt.Errorf("vthook: restore original byte at 0x%x: %w", addr, err)
	}
	if err := prot.Restore(addr, 1, token); err != nil {
		return fmt.Errorf("vthook: restore protection at 0x%x: %w", addr, err)
	}
	return nil
}
