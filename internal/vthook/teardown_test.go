package vthook

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/vtmon/vtmon/internal/cpu"
)

// TestConcurrentTeardownUnderLoad is spec.md §8's Scenario E: a
// background caller hammering a hooked slot while the hook-set tears
// down. dispatch()'s call accounting and Hook.Restore's byte-patch
// revert (hookset.go's Close loop, stripped of the Windows-only
// mid-hook/stub plumbing neither this invariant touches) must both be
// safe to run concurrently, and after Restore returns the target's
// first byte must read back as its pre-install value regardless of how
// many in-flight calls raced it.
func TestConcurrentTeardownUnderLoad(t *testing.T) {
	mem := newFakeMemory()
	vtableBase := uint64(0x1000)
	target := uint64(0x2000)
	preInstallByte := byte(0x90)

	hk := newTestHooker(mem, vtableBase, true) // no object/vptr fixture here; mismatch guard is out of scope for this invariant
	h := &Hook{parent: hk, target: target, index: 0}

	mem.setBytes(target, []byte{preInstallByte, 0x90, 0x90, 0x90})
	mem.setBytes(0x7000, make([]byte, 8))

	if err := h.InsertRet(mem, mem); err != nil {
		t.Fatalf("InsertRet: %v", err)
	}

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			dispatch(h, &cpu.Snapshot{Rcx: vtableBase, Rsp: 0x7000})
		}
	}()

	if err := h.Restore(mem, mem); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	stop.Store(true)
	wg.Wait()

	if h.Calls() == 0 {
		t.Fatal("expected the background caller to have completed at least one call before teardown finished")
	}
	if h.IsPatched() {
		t.Fatal("expected Restore to have cleared the outstanding patch")
	}
	b, ok := mem.readByteAt(target)
	if !ok || b != preInstallByte {
		t.Fatalf("byte at target after teardown = %v (ok=%v), want the pre-install 0x%02x", b, ok, preInstallByte)
	}
}
