package pereloc

import (
	"encoding/binary"
	"testing"

	qt "github.com/go-quicktest/qt"

	"github.com/Meulengracht/processd-pe/internal/pe/peformat"
	"github.com/Meulengracht/processd-pe/internal/pe/pemap"
)

// newRelocationTestModule builds a Module/ModuleMapping pair where the base
// relocation directory's bytes live in the module's own (read-only)
// section data, as ProcessBaseRelocations reads the directory through
// Module.DataPointerAtRVA, while the fixup target lives in a distinct
// mapped (writable) section reached through mapping.FromRVA — mirroring
// how the mapper keeps the original file bytes and the mapped copy
// separate.
func newRelocationTestModule(dirRVA uint32, dirData []byte, targetRVA uint32, targetLocal []byte) *pemap.ModuleMapping {
	module := &peformat.Module{
		Sections: []peformat.Section{
			{RVA: dirRVA, FileData: dirData, FileLength: uint32(len(dirData)), MappedLength: uint32(len(dirData))},
		},
	}
	module.Directories[peformat.DirectoryBaseRelocation] = peformat.DataDirectory{AddressRVA: dirRVA, Size: uint32(len(dirData))}
	return &pemap.ModuleMapping{
		Module: module,
		Sections: []pemap.SectionMapping{
			{RVA: targetRVA, Length: uint32(len(targetLocal)), Local: targetLocal},
		},
	}
}

func TestProcessBaseRelocationsAppliesHighLowFixup(t *testing.T) {
	target := make([]byte, 0x20)
	binary.LittleEndian.PutUint32(target[0x10:0x14], 0x40001000)

	block := make([]byte, 8+2)
	binary.LittleEndian.PutUint32(block[0:4], 0x2000) // block RVA, the fixup target's section
	binary.LittleEndian.PutUint32(block[4:8], 10)      // block length (header + 1 entry)
	entry := uint16(peformat.RelocationHighLow<<12) | 0x10
	binary.LittleEndian.PutUint16(block[8:10], entry)

	mapping := newRelocationTestModule(0x1000, block, 0x2000, target)

	err := ProcessBaseRelocations(mapping, 0x1000)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(binary.LittleEndian.Uint32(target[0x10:0x14]), uint32(0x40002000)))
}

func TestProcessBaseRelocationsSkipsAbsolutePadding(t *testing.T) {
	target := make([]byte, 0x10)
	block := make([]byte, 8+2)
	binary.LittleEndian.PutUint32(block[0:4], 0x2000)
	binary.LittleEndian.PutUint32(block[4:8], 10)
	entry := uint16(peformat.RelocationAbsolute << 12)
	binary.LittleEndian.PutUint16(block[8:10], entry)

	mapping := newRelocationTestModule(0x1000, block, 0x2000, target)

	err := ProcessBaseRelocations(mapping, 0x500)
	qt.Assert(t, qt.IsNil(err))
	for _, b := range target {
		qt.Assert(t, qt.Equals(b, byte(0)))
	}
}

func TestProcessBaseRelocationsAbsentDirectoryIsNoop(t *testing.T) {
	mapping := &pemap.ModuleMapping{Module: &peformat.Module{}}
	err := ProcessBaseRelocations(mapping, 0x100)
	qt.Assert(t, qt.IsNil(err))
}

func TestProcessRuntimeRelocationsV1AddsValue(t *testing.T) {
	target := make([]byte, 16)
	binary.LittleEndian.PutUint64(target[:8], 0x140001000)

	entries := make([]byte, 8)
	binary.LittleEndian.PutUint32(entries[0:4], 0x10) // Value
	binary.LittleEndian.PutUint32(entries[4:8], 0x2000)

	header := make([]byte, runtimeRelocHeaderLen)
	binary.LittleEndian.PutUint32(header[8:12], runtimeRelocVersion1)
	dir := append(header, entries...)

	mapping := &pemap.ModuleMapping{
		Module: &peformat.Module{},
		Sections: []pemap.SectionMapping{
			{RVA: 0x1000, Length: uint32(len(dir)), Local: dir},
			{RVA: 0x2000, Length: uint32(len(target)), Local: target},
		},
	}
	mapping.Module.Directories[peformat.DirectoryGlobalPtr] = peformat.DataDirectory{AddressRVA: 0x1000, Size: uint32(len(dir))}

	err := ProcessRuntimeRelocations(mapping)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(binary.LittleEndian.Uint64(target[:8]), uint64(0x140001010)))
}

func TestProcessRuntimeRelocationsAbsentDirectoryIsNoop(t *testing.T) {
	mapping := &pemap.ModuleMapping{Module: &peformat.Module{}}
	err := ProcessRuntimeRelocations(mapping)
	qt.Assert(t, qt.IsNil(err))
}
