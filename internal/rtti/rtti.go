// Package rtti implements the "RTTI collaborator" spec.md §6 treats as an
// external service: FindAllVTables, FindVTables, GetTypeInfo, IsVTable.
//
// Grounded on the teacher's internal/emulator/vtable.go, which builds a
// VTableMap by walking ELF relocations and hand-parsing Itanium mangled
// names. Retargeted to the PE export table (stdlib debug/pe, the only
// PE-parsing code in the retrieved pack or the wider ecosystem this
// module can reach for) and real Itanium demangling via
// github.com/ianlancetaylor/demangle, replacing the teacher's hand-rolled
// extractClassName/parseNestedName/parseLengthPrefixedName with the
// library the pack carries for exactly this job. The target binary is
// assumed Itanium-mangled (e.g. MinGW-compiled C++), the same scoping
// assumption spec.md makes by specifying the x86-64 Windows ABI without
// committing to a toolchain's name-mangling scheme.
package rtti

import (
	"debug/pe"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/vtmon/vtmon/internal/memio"
)

// vtableSymbolPrefix is the Itanium mangling prefix for a vtable symbol
// (e.g. "_ZTV7MyClass"), mirroring the teacher's "_ZTV" check in
// extractClassName.
const vtableSymbolPrefix = "_ZTV"

// VTable describes one resolved C++ vtable: its symbol, demangled class
// name, and the slots found within it.
type VTable struct {
	Name      string // mangled symbol, e.g. "_ZTV7MyClass"
	ClassName string // demangled, e.g. "MyClass"
	Start     uint64 // address of the RTTI header (offset_to_top)
	VtablePtr uint64 // address stored in an object's vptr field (Start+16)
	Size      uint64
}

// VTableMap indexes the vtables discovered in a module.
type VTableMap struct {
	byStart map[uint64]*VTable
	byClass map[string]*VTable
	ordered []*VTable
}

// FindAllVTables scans a PE image's export table for Itanium vtable
// symbols and resolves their extent, the static-analysis counterpart of
// the teacher's BuildVTableMap (which instead walked ELF relocations
// because Android binaries carry PIE relocations for vtable slots; a PE
// image built at its preferred base does not need that step — the
// slots already hold absolute addresses once mapped).
func FindAllVTables(f *pe.File, imageBase uint64) (*VTableMap, error) {
	vtm := &VTableMap{
		byStart: make(map[uint64]*VTable),
		byClass: make(map[string]*VTable),
	}

	type candidate struct {
		name string
		rva  uint32
	}
	var candidates []candidate

	// debug/pe does not expose COFF export-by-name RVAs directly on
	// every build, so we walk the export directory through the data
	// directory when present.
	exports, err := exportedVTableSymbols(f)
	if err != nil {
		return vtm, err
	}
	for name, rva := range exports {
		if strings.HasPrefix(name, vtableSymbolPrefix) {
			candidates = append(candidates, candidate{name: name, rva: rva})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rva < candidates[j].rva })

	for i, c := range candidates {
		start := imageBase + uint64(c.rva)
		var size uint64 = 0x400 // fallback: 128 slots max, same cap the teacher uses
		if i+1 < len(candidates) {
			size = uint64(candidates[i+1].rva) - uint64(c.rva)
		}

		className := demangleVTableName(c.name)
		vt := &VTable{
			Name:      c.name,
			ClassName: className,
			Start:     start,
			VtablePtr: start + 16, // past offset_to_top (8) + typeinfo ptr (8)
			Size:      size,
		}
		vtm.byStart[start] = vt
		if className != "" {
			vtm.byClass[className] = vt
		}
		vtm.ordered = append(vtm.ordered, vt)
	}

	return vtm, nil
}

// imageDirectoryEntryExport is the export table's index into the
// OptionalHeader's DataDirectory array (IMAGE_DIRECTORY_ENTRY_EXPORT).
const imageDirectoryEntryExport = 0

// exportDirectorySize is sizeof(IMAGE_EXPORT_DIRECTORY): two DWORDs, two
// WORDs, a DWORD Name RVA, a DWORD Base, two DWORD counts, and three
// DWORD RVAs — 40 bytes total.
const exportDirectorySize = 40

// exportedVTableSymbols walks a PE image's IMAGE_EXPORT_DIRECTORY (the
// name-RVA table, then each name's matching function RVA via its
// ordinal), the same structure the teacher's ELF-relocation walk in
// vtable.go resolves exported symbols from, just PE's format instead of
// ELF's. A PE without a usable export directory (most non-DLL
// executables) degrades to an empty map rather than an error — vtable
// discovery then falls back to the runtime IsVTable/GetTypeInfo scan.
func exportedVTableSymbols(f *pe.File) (map[string]uint32, error) {
	result := make(map[string]uint32)

	dirRVA, dirSize := exportDataDirectory(f)
	if dirSize == 0 {
		return result, nil
	}

	readRVA := rvaReader(f)

	dirBytes, ok := readRVA(dirRVA, exportDirectorySize)
	if !ok {
		return result, nil
	}

	numberOfNames := le32(dirBytes, 24)
	addressOfFunctions := le32(dirBytes, 28)
	addressOfNames := le32(dirBytes, 32)
	addressOfNameOrdinals := le32(dirBytes, 36)

	for i := uint32(0); i < numberOfNames; i++ {
		nameRVABytes, ok := readRVA(addressOfNames+4*i, 4)
		if !ok {
			continue
		}
		nameRVA := le32(nameRVABytes, 0)

		name, ok := readRVAString(readRVA, nameRVA)
		if !ok || name == "" {
			continue
		}

		ordBytes, ok := readRVA(addressOfNameOrdinals+2*i, 2)
		if !ok {
			continue
		}
		ordinal := uint32(ordBytes[0]) | uint32(ordBytes[1])<<8

		funcRVABytes, ok := readRVA(addressOfFunctions+4*ordinal, 4)
		if !ok {
			continue
		}
		result[name] = le32(funcRVABytes, 0)
	}

	return result, nil
}

// exportDataDirectory returns the export table's RVA and size from
// whichever OptionalHeader variant (PE32 or PE32+) this image carries.
func exportDataDirectory(f *pe.File) (rva, size uint32) {
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if imageDirectoryEntryExport >= len(oh.DataDirectory) {
			return 0, 0
		}
		d := oh.DataDirectory[imageDirectoryEntryExport]
		return d.VirtualAddress, d.Size
	case *pe.OptionalHeader64:
		if imageDirectoryEntryExport >= len(oh.DataDirectory) {
			return 0, 0
		}
		d := oh.DataDirectory[imageDirectoryEntryExport]
		return d.VirtualAddress, d.Size
	default:
		return 0, 0
	}
}

// rvaReader returns a closure reading n bytes starting at a file RVA by
// locating the section whose virtual range contains it — the export
// directory's tables are not guaranteed to live in any specific section
// (MinGW commonly places them in .edata; MSVC folds them into .rdata).
func rvaReader(f *pe.File) func(rva, n uint32) ([]byte, bool) {
	return func(rva, n uint32) ([]byte, bool) {
		for _, sec := range f.Sections {
			start := sec.VirtualAddress
			end := start + sec.VirtualSize
			if rva < start || rva+n > end {
				continue
			}
			data, err := sec.Data()
			if err != nil {
				return nil, false
			}
			off := rva - start
			if uint32(len(data)) < off+n {
				return nil, false
			}
			return data[off : off+n], true
		}
		return nil, false
	}
}

// readRVAString reads a NUL-terminated ASCII string at rva one byte at a
// time, since export names carry no stored length and may sit close to
// the end of their containing section.
func readRVAString(readRVA func(rva, n uint32) ([]byte, bool), rva uint32) (string, bool) {
	const maxNameLen = 512
	var out []byte
	for i := uint32(0); i < maxNameLen; i++ {
		b, ok := readRVA(rva+i, 1)
		if !ok {
			return "", false
		}
		if b[0] == 0 {
			return string(out), true
		}
		out = append(out, b[0])
	}
	return "", false
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

// demangleVTableName extracts the class name from a mangled vtable
// symbol using the real Itanium demangler, replacing the teacher's
// hand-rolled extractClassName/parseNestedName/parseLengthPrefixedName.
// The Itanium grammar demangles "_ZTV7MyClass" to "vtable for MyClass";
// we strip the "vtable for " prefix the demangler itself adds.
func demangleVTableName(mangled string) string {
	demangled := demangle.Filter(mangled, demangle.NoClones)
	if demangled == mangled {
		return ""
	}
	return strings.TrimPrefix(demangled, "vtable for ")
}

// All returns every vtable this map discovered, in ascending RVA order.
func (vtm *VTableMap) All() []*VTable {
	out := make([]*VTable, len(vtm.ordered))
	copy(out, vtm.ordered)
	return out
}

// FindVTables returns every vtable whose demangled class name matches
// name exactly, spec.md §6's "FindVTables(name)".
func (vtm *VTableMap) FindVTables(name string) []*VTable {
	var out []*VTable
	for _, vt := range vtm.ordered {
		if vt.ClassName == name {
			out = append(out, vt)
		}
	}
	return out
}

// GetVTable returns the first vtable whose demangled class name matches
// name exactly, a cheap single-result counterpart to FindVTables.
func (vtm *VTableMap) GetVTable(name string) (*VTable, bool) {
	vt, ok := vtm.byClass[name]
	return vt, ok
}

// ByStart returns the vtable whose RTTI header begins at addr, if any.
func (vtm *VTableMap) ByStart(addr uint64) (*VTable, bool) {
	vt, ok := vtm.byStart[addr]
	return vt, ok
}

// GetTypeInfo reads the type_info pointer stored just after a vtable's
// offset_to_top field (Itanium layout: [offset_to_top][type_info ptr]
// [slot0]...), follows it to the type_info's name string and demangles
// that name. The type_info object's own vtable is not checked.
// Returns the demangled class name and true on success.
func GetTypeInfo(mem memio.Memory, vtablePtr uint64) (className string, ok bool) {
	rttiAddr := vtablePtr - 16
	offsetToTop, okRead := mem.ReadU64(rttiAddr)
	if !okRead || int64(offsetToTop) > 0 {
		// offset_to_top is a signed, typically non-positive adjustment;
		// a large positive value here means this isn't a vtable header.
		return "", false
	}

	typeInfoPtr, okRead := mem.ReadU64(rttiAddr + 8)
	if !okRead || typeInfoPtr == 0 {
		return "", false
	}

	// The type_info object's own vtable pointer sits at typeInfoPtr, and
	// its name pointer immediately follows (Itanium __class_type_info
	// layout: vptr, name ptr). We read the name pointer and then the
	// raw mangled bytes it refers to.
	namePtr, okRead := mem.ReadU64(typeInfoPtr + 8)
	if !okRead || namePtr == 0 {
		return "", false
	}

	raw, okRead := mem.ReadBytes(namePtr, 256)
	if !okRead {
		return "", false
	}
	end := indexByte(raw, 0)
	if end < 0 {
		end = len(raw)
	}
	mangled := string(raw[:end])
	if mangled == "" {
		return "", false
	}

	demangled := demangle.Filter(mangled, demangle.NoClones)
	return demangled, demangled != mangled || !looksMangled(mangled)
}

// IsVTable reports whether addr looks like the vptr value stored in an
// object (i.e. points 16 bytes into a vtable's RTTI header) by checking
// the Itanium "offset_to_top is non-positive, followed by a readable
// type_info pointer" signature spec.md's vtable-boundary rules rely on.
func IsVTable(mem memio.Memory, addr uint64) bool {
	_, ok := GetTypeInfo(mem, addr)
	return ok
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func looksMangled(s string) bool {
	return strings.HasPrefix(s, "_Z")
}
