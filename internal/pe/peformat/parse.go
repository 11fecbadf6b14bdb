package peformat

import (
	"bytes"
	"encoding/binary"
	"fmt"

	digest "github.com/opencontainers/go-digest"

	"github.com/Meulengracht/processd-pe/internal/peerrors"
)

// CurrentMachine is the machine type this build accepts. In the original
// service this is fixed at compile time to the host architecture; here it
// is a variable so tests can exercise cross-architecture rejection without
// rebuilding for a second architecture.
var CurrentMachine uint16 = MachineAMD64

// Digest returns a content hash of the raw image, used by pecache as the
// module's cache key. A cryptographic digest is used in place of the
// original PE checksum field, which is not strong enough to be a reliable
// de-duplication key (DESIGN.md's Open Question decisions record why this
// is a deliberate deviation from the source format).
func Digest(raw []byte) digest.Digest {
	return digest.FromBytes(raw)
}

// ParseModule parses raw into a Module. raw is retained by the returned
// Module (Section.FileData slices reference it directly) and must not be
// mutated afterwards.
func ParseModule(raw []byte) (*Module, error) {
	if len(raw) < 64 {
		return nil, &peerrors.PathError{Path: "<buffer>", Err: fmt.Errorf("%w: image too small", peerrors.ErrFormat)}
	}

	peOffset := binary.LittleEndian.Uint32(raw[60:64])
	if uint64(peOffset)+24 > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: pe header offset out of range", peerrors.ErrFormat)
	}
	if binary.LittleEndian.Uint32(raw[peOffset:peOffset+4]) != peSignature {
		return nil, fmt.Errorf("%w: missing PE signature", peerrors.ErrFormat)
	}

	coffOffset := peOffset + 4
	machine := binary.LittleEndian.Uint16(raw[coffOffset : coffOffset+2])
	if machine != CurrentMachine {
		return nil, fmt.Errorf("%w: machine type 0x%x is not supported by this build", peerrors.ErrUnsupported, machine)
	}
	numSections := int(binary.LittleEndian.Uint16(raw[coffOffset+2 : coffOffset+4]))
	sizeOfOptionalHeader := binary.LittleEndian.Uint16(raw[coffOffset+16 : coffOffset+18])

	optOffset := coffOffset + 20
	if uint64(optOffset)+2 > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: optional header out of range", peerrors.ErrFormat)
	}
	magic := binary.LittleEndian.Uint16(raw[optOffset : optOffset+2])

	m := &Module{ImageBuffer: raw}
	var sectionHeadersOffset uint32

	switch magic {
	case OptionalHeaderMagic32:
		m.Is64 = false
		if err := parseOptional32(m, raw, optOffset); err != nil {
			return nil, err
		}
		sectionHeadersOffset = optOffset + uint32(sizeOfOptionalHeader)
	case OptionalHeaderMagic64:
		m.Is64 = true
		if err := parseOptional64(m, raw, optOffset); err != nil {
			return nil, err
		}
		sectionHeadersOffset = optOffset + uint32(sizeOfOptionalHeader)
	default:
		return nil, fmt.Errorf("%w: unrecognized optional header magic 0x%x", peerrors.ErrFormat, magic)
	}
	m.Architecture = machine

	if err := parseSections(m, raw, sectionHeadersOffset, numSections); err != nil {
		return nil, err
	}
	if err := parseExports(m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseOptional32(m *Module, raw []byte, off uint32) error {
	const headerLen = 96 // fixed fields only; the 16 data directories follow at off+96
	if uint64(off)+headerLen > uint64(len(raw)) {
		return fmt.Errorf("%w: PE32 optional header truncated", peerrors.ErrFormat)
	}
	m.ImageBase = uint64(binary.LittleEndian.Uint32(raw[off+28 : off+32]))
	m.SectionAlignment = binary.LittleEndian.Uint32(raw[off+32 : off+36])
	m.MetaDataSize = binary.LittleEndian.Uint32(raw[off+60 : off+64])
	m.EntryPointRVA = binary.LittleEndian.Uint32(raw[off+16 : off+20])
	m.CodeBaseRVA = binary.LittleEndian.Uint32(raw[off+20 : off+24])
	m.CodeSize = binary.LittleEndian.Uint32(raw[off+4 : off+8])
	return copyDirectories(m, raw, off+96)
}

func parseOptional64(m *Module, raw []byte, off uint32) error {
	const headerLen = 112
	if uint64(off)+headerLen > uint64(len(raw)) {
		return fmt.Errorf("%w: PE32+ optional header truncated", peerrors.ErrFormat)
	}
	m.ImageBase = binary.LittleEndian.Uint64(raw[off+24 : off+32])
	m.SectionAlignment = binary.LittleEndian.Uint32(raw[off+32 : off+36])
	m.MetaDataSize = binary.LittleEndian.Uint32(raw[off+60 : off+64])
	m.EntryPointRVA = binary.LittleEndian.Uint32(raw[off+16 : off+20])
	m.CodeBaseRVA = binary.LittleEndian.Uint32(raw[off+20 : off+24])
	m.CodeSize = binary.LittleEndian.Uint32(raw[off+4 : off+8])
	return copyDirectories(m, raw, off+112)
}

func copyDirectories(m *Module, raw []byte, off uint32) error {
	if uint64(off)+uint64(NumDataDirectories)*8 > uint64(len(raw)) {
		return fmt.Errorf("%w: data directory array truncated", peerrors.ErrFormat)
	}
	for i := 0; i < NumDataDirectories; i++ {
		base := off + uint32(i)*8
		m.Directories[i] = DataDirectory{
			AddressRVA: binary.LittleEndian.Uint32(raw[base : base+4]),
			Size:       binary.LittleEndian.Uint32(raw[base+4 : base+8]),
		}
	}
	return nil
}

func sectionPageProtection(characteristics uint32) MemProtection {
	prot := MemRead
	if characteristics&SectionCharMemExecute != 0 {
		prot |= MemExecute
	}
	if characteristics&SectionCharMemWrite != 0 {
		prot |= MemWrite
	}
	return prot
}

func parseSections(m *Module, raw []byte, off uint32, count int) error {
	const headerLen = 40
	m.Sections = make([]Section, count)
	for i := 0; i < count; i++ {
		base := off + uint32(i)*headerLen
		if uint64(base)+headerLen > uint64(len(raw)) {
			return fmt.Errorf("%w: section header table truncated", peerrors.ErrFormat)
		}
		name := bytes.TrimRight(raw[base:base+SectionNameLength], "\x00")
		virtualSize := binary.LittleEndian.Uint32(raw[base+8 : base+12])
		virtualAddress := binary.LittleEndian.Uint32(raw[base+12 : base+16])
		rawSize := binary.LittleEndian.Uint32(raw[base+16 : base+20])
		rawAddress := binary.LittleEndian.Uint32(raw[base+20 : base+24])
		characteristics := binary.LittleEndian.Uint32(raw[base+36 : base+40])

		s := Section{
			Name:         string(name),
			RVA:          virtualAddress,
			FileLength:   rawSize,
			MappedLength: virtualSize,
			Protection:   sectionPageProtection(characteristics),
		}
		if rawSize == 0 || characteristics&SectionCharUninitializedData != 0 {
			s.Zero = true
		} else {
			end := uint64(rawAddress) + uint64(rawSize)
			if end > uint64(len(raw)) {
				return fmt.Errorf("%w: section %q file data out of range", peerrors.ErrFormat, s.Name)
			}
			s.FileData = raw[rawAddress : rawAddress+rawSize]
		}
		m.Sections[i] = s
	}
	return nil
}

// parseExports populates ExportedByOrdinal/ExportedByName from the export
// data directory, if present. A module with no exports is valid and simply
// leaves both maps empty.
func parseExports(m *Module) error {
	dir := m.Directories[DirectoryExport]
	if dir.AddressRVA == 0 || dir.Size == 0 {
		return nil
	}

	expData := m.DataPointerAtRVA(dir.AddressRVA)
	if expData == nil || len(expData) < 40 {
		return fmt.Errorf("%w: export directory is invalid", peerrors.ErrUnknown)
	}

	ordinalBase := binary.LittleEndian.Uint32(expData[16:20])
	numberOfNames := binary.LittleEndian.Uint32(expData[24:28])
	addressOfFunctionsRVA := binary.LittleEndian.Uint32(expData[28:32])
	addressOfNamesRVA := binary.LittleEndian.Uint32(expData[32:36])
	addressOfOrdinalsRVA := binary.LittleEndian.Uint32(expData[36:40])

	nameTable := m.DataPointerAtRVA(addressOfNamesRVA)
	ordinalTable := m.DataPointerAtRVA(addressOfOrdinalsRVA)
	addressTable := m.DataPointerAtRVA(addressOfFunctionsRVA)
	if numberOfNames > 0 && (nameTable == nil || ordinalTable == nil || addressTable == nil) {
		return fmt.Errorf("%w: export name/ordinal/address table is invalid", peerrors.ErrUnknown)
	}

	m.ExportedByOrdinal = make(map[uint32]ExportedFunction, numberOfNames)
	m.ExportedByName = make(map[string]ExportedFunction, numberOfNames)

	for i := uint32(0); i < numberOfNames; i++ {
		nameRVA := binary.LittleEndian.Uint32(nameTable[i*4 : i*4+4])
		rawOrdinal := uint32(binary.LittleEndian.Uint16(ordinalTable[i*2 : i*2+2]))
		addressIndex := rawOrdinal - ordinalBase
		fnRVA := binary.LittleEndian.Uint32(addressTable[addressIndex*4 : addressIndex*4+4])

		name := cString(m.DataPointerAtRVA(nameRVA))

		var forward string
		if fnRVA >= dir.AddressRVA && fnRVA < dir.AddressRVA+dir.Size {
			forward = cString(m.DataPointerAtRVA(fnRVA))
			fnRVA = 0
		}

		fn := ExportedFunction{
			Name:        name,
			Ordinal:     rawOrdinal,
			RVA:         fnRVA,
			ForwardName: forward,
		}
		m.ExportedByOrdinal[fn.Ordinal] = fn
		m.ExportedByName[name] = fn
	}
	return nil
}

func cString(b []byte) string {
	if b == nil {
		return ""
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
