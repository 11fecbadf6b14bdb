package peformat

import (
	"encoding/binary"
	"testing"

	qt "github.com/go-quicktest/qt"
)

// buildMinimalImage assembles a byte-accurate but minimal PE32+ image with
// one executable section and no exports, enough to exercise ParseModule's
// header/section path without needing a real linked binary fixture.
func buildMinimalImage(t *testing.T) []byte {
	t.Helper()

	const (
		peOffset     = 64
		coffOffset   = peOffset + 4
		optOffset    = coffOffset + 20
		optHeaderLen = 112
		dirsOffset   = optOffset + optHeaderLen
		sectOffset   = dirsOffset + NumDataDirectories*8
		sectionData  = sectOffset + 40
	)
	sectionFileLen := uint32(16)
	buf := make([]byte, sectionData+int(sectionFileLen))

	binary.LittleEndian.PutUint32(buf[60:64], peOffset)
	binary.LittleEndian.PutUint32(buf[peOffset:peOffset+4], peSignature)

	binary.LittleEndian.PutUint16(buf[coffOffset:coffOffset+2], MachineAMD64)
	binary.LittleEndian.PutUint16(buf[coffOffset+2:coffOffset+4], 1) // NumberOfSections
	binary.LittleEndian.PutUint16(buf[coffOffset+16:coffOffset+18], uint16(optHeaderLen+NumDataDirectories*8))

	binary.LittleEndian.PutUint16(buf[optOffset:optOffset+2], OptionalHeaderMagic64)
	binary.LittleEndian.PutUint32(buf[optOffset+16:optOffset+20], 0x1000) // EntryPointRVA
	binary.LittleEndian.PutUint32(buf[optOffset+20:optOffset+24], 0x1000) // BaseOfCode
	binary.LittleEndian.PutUint32(buf[optOffset+4:optOffset+8], sectionFileLen)
	binary.LittleEndian.PutUint64(buf[optOffset+24:optOffset+32], 0x140000000) // ImageBase
	binary.LittleEndian.PutUint32(buf[optOffset+32:optOffset+36], 0x1000)      // SectionAlignment
	binary.LittleEndian.PutUint32(buf[optOffset+60:optOffset+64], uint32(sectOffset))

	sectionName := []byte(".text\x00\x00\x00")
	copy(buf[sectOffset:sectOffset+8], sectionName)
	binary.LittleEndian.PutUint32(buf[sectOffset+8:sectOffset+12], sectionFileLen) // VirtualSize
	binary.LittleEndian.PutUint32(buf[sectOffset+12:sectOffset+16], 0x1000)        // VirtualAddress
	binary.LittleEndian.PutUint32(buf[sectOffset+16:sectOffset+20], sectionFileLen)
	binary.LittleEndian.PutUint32(buf[sectOffset+20:sectOffset+24], uint32(sectionData))
	binary.LittleEndian.PutUint32(buf[sectOffset+36:sectOffset+40], SectionCharMemExecute|SectionCharMemRead)

	return buf
}

func TestParseModuleHeaders(t *testing.T) {
	raw := buildMinimalImage(t)
	m, err := ParseModule(raw)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(m.Architecture, uint16(MachineAMD64)))
	qt.Assert(t, qt.IsTrue(m.Is64))
	qt.Assert(t, qt.Equals(m.ImageBase, uint64(0x140000000)))
	qt.Assert(t, qt.Equals(m.EntryPointRVA, uint32(0x1000)))
	qt.Assert(t, qt.Equals(len(m.Sections), 1))
	qt.Assert(t, qt.Equals(m.Sections[0].Name, ".text"))
	qt.Assert(t, qt.Equals(m.Sections[0].RVA, uint32(0x1000)))
	qt.Assert(t, qt.IsFalse(m.Sections[0].Zero))
	qt.Assert(t, qt.HasLen(m.Sections[0].FileData, int(0x10)))
}

func TestParseModuleRejectsWrongMachine(t *testing.T) {
	raw := buildMinimalImage(t)
	binary.LittleEndian.PutUint16(raw[64+4:64+6], MachineI386)
	_, err := ParseModule(raw)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestParseModuleRejectsTruncated(t *testing.T) {
	_, err := ParseModule([]byte{0, 1, 2})
	qt.Assert(t, qt.IsNotNil(err))
}

func TestDigestIsStableForIdenticalContent(t *testing.T) {
	a := buildMinimalImage(t)
	b := buildMinimalImage(t)
	qt.Assert(t, qt.Equals(Digest(a), Digest(b)))
}

// buildOrdinalOnlyExportImage builds a minimal image whose export
// directory is present but exports nothing by name: AddressOfNames and
// NumberOfNames are both zero, the tolerated "exports by ordinal only"
// shape spec.md §4.2 calls out. The directory content itself still needs
// to resolve to a valid data pointer; only the name/ordinal/address
// tables it would otherwise reference are absent.
func buildOrdinalOnlyExportImage(t *testing.T) []byte {
	t.Helper()

	const (
		peOffset     = 64
		coffOffset   = peOffset + 4
		optOffset    = coffOffset + 20
		optHeaderLen = 112
		dirsOffset   = optOffset + optHeaderLen
		sectOffset   = dirsOffset + NumDataDirectories*8
		sectionRVA   = 0x1000
		sectionData  = sectOffset + 40
	)
	sectionFileLen := uint32(40) // just the export directory, 40 bytes
	buf := make([]byte, sectionData+int(sectionFileLen))

	binary.LittleEndian.PutUint32(buf[60:64], peOffset)
	binary.LittleEndian.PutUint32(buf[peOffset:peOffset+4], peSignature)

	binary.LittleEndian.PutUint16(buf[coffOffset:coffOffset+2], MachineAMD64)
	binary.LittleEndian.PutUint16(buf[coffOffset+2:coffOffset+4], 1)
	binary.LittleEndian.PutUint16(buf[coffOffset+16:coffOffset+18], uint16(optHeaderLen+NumDataDirectories*8))

	binary.LittleEndian.PutUint16(buf[optOffset:optOffset+2], OptionalHeaderMagic64)
	binary.LittleEndian.PutUint32(buf[optOffset+16:optOffset+20], sectionRVA)
	binary.LittleEndian.PutUint32(buf[optOffset+20:optOffset+24], sectionRVA)
	binary.LittleEndian.PutUint32(buf[optOffset+4:optOffset+8], sectionFileLen)
	binary.LittleEndian.PutUint64(buf[optOffset+24:optOffset+32], 0x140000000)
	binary.LittleEndian.PutUint32(buf[optOffset+32:optOffset+36], 0x1000)
	binary.LittleEndian.PutUint32(buf[optOffset+60:optOffset+64], uint32(sectOffset))

	exportDirBase := dirsOffset + DirectoryExport*8
	binary.LittleEndian.PutUint32(buf[exportDirBase:exportDirBase+4], sectionRVA)
	binary.LittleEndian.PutUint32(buf[exportDirBase+4:exportDirBase+8], sectionFileLen)

	sectionName := []byte(".text\x00\x00\x00")
	copy(buf[sectOffset:sectOffset+8], sectionName)
	binary.LittleEndian.PutUint32(buf[sectOffset+8:sectOffset+12], sectionFileLen)
	binary.LittleEndian.PutUint32(buf[sectOffset+12:sectOffset+16], sectionRVA)
	binary.LittleEndian.PutUint32(buf[sectOffset+16:sectOffset+20], sectionFileLen)
	binary.LittleEndian.PutUint32(buf[sectOffset+20:sectOffset+24], uint32(sectionData))
	binary.LittleEndian.PutUint32(buf[sectOffset+36:sectOffset+40], SectionCharMemExecute|SectionCharMemRead)

	// Export directory content at sectionData: OrdinalBase=1, everything
	// else (NumberOfNames and the three table RVAs) left zero.
	binary.LittleEndian.PutUint32(buf[sectionData+16:sectionData+20], 1)

	return buf
}

func TestParseModuleToleratesOrdinalOnlyExports(t *testing.T) {
	raw := buildOrdinalOnlyExportImage(t)
	m, err := ParseModule(raw)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.HasLen(m.ExportedByName, 0))
	qt.Assert(t, qt.HasLen(m.ExportedByOrdinal, 0))
}
