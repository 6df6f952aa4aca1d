package vthook

import (
	"sync"

	"github.com/vtmon/vtmon/internal/memio"
)

// fakeMemory is a minimal in-process memio.Writer/ProtectionChanger
// backed by a plain byte map, standing in for internal/target in tests
// that don't need a real process or the Unicorn-backed harness. Guarded
// by a mutex so a background caller (dispatch) and a concurrent teardown
// (InsertRet/Restore) can safely share one instance, the way they share
// the real internal/target.Process during Scenario E.
type fakeMemory struct {
	mu   sync.Mutex
	data map[uint64][]byte
	exec map[uint64]bool
}

var _ memio.Writer = (*fakeMemory)(nil)
var _ memio.ProtectionChanger = (*fakeMemory)(nil)

func newFakeMemory() *fakeMemory {
	return &fakeMemory{data: make(map[uint64][]byte), exec: make(map[uint64]bool)}
}

func (f *fakeMemory) setBytes(addr uint64, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(b))
	copy(buf, b)
	f.data[addr] = buf
}

func (f *fakeMemory) setExecutable(addr uint64, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.exec[addr+uint64(i)] = true
	}
}

// byteAt must be called with f.mu held.
func (f *fakeMemory) byteAt(addr uint64) (byte, bool) {
	for base, buf := range f.data {
		if addr >= base && addr < base+uint64(len(buf)) {
			return buf[addr-base], true
		}
	}
	return 0, false
}

func (f *fakeMemory) readByteAt(addr uint64) (byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byteAt(addr)
}

func (f *fakeMemory) ReadU64(addr uint64) (uint64, bool) {
	b, ok := f.ReadBytes(addr, 8)
	if !ok {
		return 0, false
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, true
}

func (f *fakeMemory) ReadBytes(addr uint64, n int) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, ok := f.byteAt(addr + uint64(i))
		if !ok {
			return nil, false
		}
		out[i] = b
	}
	return out, true
}

func (f *fakeMemory) IsExecutable(addr uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exec[addr]
}

func (f *fakeMemory) WriteU8(addr uint64, v uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for base, buf := range f.data {
		if addr >= base && addr < base+uint64(len(buf)) {
			buf[addr-base] = v
			return nil
		}
	}
	f.data[addr] = []byte{v}
	return nil
}

func (f *fakeMemory) Unprotect(addr uint64, size int) (uint32, error) {
	return 0, nil
}

func (f *fakeMemory) Restore(addr uint64, size int, token uint32) error {
	return nil
}

func putU64(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}
