package pelink

import (
	"encoding/binary"

	"github.com/Meulengracht/processd-pe/internal/pe/peformat"
)

// Byte layout shared by every synthetic image this package's tests build:
// a single PE32+ header (no COFF string/symbol table, one section) followed
// by one `.text` section whose content each test fills in differently to
// exercise exports or imports. Mirrors peformat's own test fixture
// (internal/pe/peformat/parse_test.go's buildMinimalImage) extended with a
// data-directory parameter, since exercising the linker needs working
// export/import directories that the parser's own minimal fixture omits.
const (
	testPEOffset     = 64
	testCoffOffset   = testPEOffset + 4
	testOptOffset    = testCoffOffset + 20
	testOptHeaderLen = 112
	testDirsOffset   = testOptOffset + testOptHeaderLen
	testSectOffset   = testDirsOffset + peformat.NumDataDirectories*8
	testSectionData  = testSectOffset + 40
)

type testDirectory struct {
	index int
	rva   uint32
	size  uint32
}

// buildTestImage assembles a one-section PE32+ image with entryPointRVA,
// imageBase, the given data directories, and sectionContent as the single
// `.text` section's raw bytes (mapped starting at RVA 0x1000).
func buildTestImage(entryPointRVA uint32, imageBase uint64, dirs []testDirectory, sectionContent []byte) []byte {
	const sectionRVA = 0x1000
	sectionFileLen := uint32(len(sectionContent))
	buf := make([]byte, testSectionData+int(sectionFileLen))

	binary.LittleEndian.PutUint32(buf[60:64], testPEOffset)
	binary.LittleEndian.PutUint32(buf[testPEOffset:testPEOffset+4], 0x00004550)

	binary.LittleEndian.PutUint16(buf[testCoffOffset:testCoffOffset+2], peformat.MachineAMD64)
	binary.LittleEndian.PutUint16(buf[testCoffOffset+2:testCoffOffset+4], 1)
	binary.LittleEndian.PutUint16(buf[testCoffOffset+16:testCoffOffset+18], uint16(testOptHeaderLen+peformat.NumDataDirectories*8))

	binary.LittleEndian.PutUint16(buf[testOptOffset:testOptOffset+2], peformat.OptionalHeaderMagic64)
	binary.LittleEndian.PutUint32(buf[testOptOffset+16:testOptOffset+20], entryPointRVA)
	binary.LittleEndian.PutUint32(buf[testOptOffset+20:testOptOffset+24], sectionRVA)
	binary.LittleEndian.PutUint32(buf[testOptOffset+4:testOptOffset+8], sectionFileLen)
	binary.LittleEndian.PutUint64(buf[testOptOffset+24:testOptOffset+32], imageBase)
	binary.LittleEndian.PutUint32(buf[testOptOffset+32:testOptOffset+36], 0x1000) // SectionAlignment
	binary.LittleEndian.PutUint32(buf[testOptOffset+60:testOptOffset+64], uint32(testSectOffset))

	for _, d := range dirs {
		base := testDirsOffset + uint32(d.index)*8
		binary.LittleEndian.PutUint32(buf[base:base+4], d.rva)
		binary.LittleEndian.PutUint32(buf[base+4:base+8], d.size)
	}

	sectionName := []byte(".text\x00\x00\x00")
	copy(buf[testSectOffset:testSectOffset+8], sectionName)
	binary.LittleEndian.PutUint32(buf[testSectOffset+8:testSectOffset+12], sectionFileLen)
	binary.LittleEndian.PutUint32(buf[testSectOffset+12:testSectOffset+16], sectionRVA)
	binary.LittleEndian.PutUint32(buf[testSectOffset+16:testSectOffset+20], sectionFileLen)
	binary.LittleEndian.PutUint32(buf[testSectOffset+20:testSectOffset+24], uint32(testSectionData))
	binary.LittleEndian.PutUint32(buf[testSectOffset+36:testSectOffset+40], peformat.SectionCharMemExecute|peformat.SectionCharMemRead)

	copy(buf[testSectionData:], sectionContent)
	return buf
}

// buildLibraryImage builds an image exporting one function, "Add", by
// name and by ordinal 0, at RVA 0x1040.
func buildLibraryImage() []byte {
	content := make([]byte, 80)
	// Export directory at section-relative offset 0 (RVA 0x1000).
	binary.LittleEndian.PutUint32(content[16:20], 0) // ordinal base
	binary.LittleEndian.PutUint32(content[24:28], 1) // number of names
	binary.LittleEndian.PutUint32(content[28:32], 0x1028)
	binary.LittleEndian.PutUint32(content[32:36], 0x102c)
	binary.LittleEndian.PutUint32(content[36:40], 0x1030)

	binary.LittleEndian.PutUint32(content[40:44], 0x1040) // address table[0] = fn RVA
	binary.LittleEndian.PutUint32(content[44:48], 0x1034) // name table[0] = name RVA
	binary.LittleEndian.PutUint16(content[48:50], 0)      // ordinal table[0]

	copy(content[52:56], []byte("Add\x00"))

	return buildTestImage(0x1000, 0x150000000, []testDirectory{
		{index: peformat.DirectoryExport, rva: 0x1000, size: 56},
	}, content)
}

// buildAppImage builds an image with one import descriptor pulling "Add"
// in by name from a module named libName, terminated by a null descriptor.
func buildAppImage(libName string) []byte {
	content := make([]byte, 96)

	// Import descriptor[0] at offset 0.
	binary.LittleEndian.PutUint32(content[12:16], 0x1028) // Name RVA
	binary.LittleEndian.PutUint32(content[16:20], 0x102c) // FirstThunk (IAT) RVA
	// Import descriptor[1] (offset 20..40) left zeroed: null terminator.

	nameBytes := append([]byte(libName), 0)
	copy(content[40:40+len(nameBytes)], nameBytes)

	// IAT entry 0 (8 bytes) at offset 44: RVA of the import-by-name thunk.
	binary.LittleEndian.PutUint64(content[44:52], 0x103c)
	// IAT terminator (8 bytes) at offset 52, left zeroed.

	// IMAGE_IMPORT_BY_NAME at offset 60: 2-byte hint + "Add\0".
	copy(content[62:66], []byte("Add\x00"))

	return buildTestImage(0x1000, 0x140000000, []testDirectory{
		{index: peformat.DirectoryImport, rva: 0x1000, size: 40},
	}, content)
}
