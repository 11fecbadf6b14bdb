// Package peformat defines the on-disk PE/COFF structures this loader
// understands and parses a raw image buffer into an in-memory Module.
package peformat

const (
	dosSignature = 0x5A4D // "MZ"
	peSignature  = 0x00004550
)

// Machine and architecture identifiers. Only the current build's machine
// type is accepted; cross-architecture images are rejected as Unsupported.
const (
	MachineI386  = 0x014c
	MachineAMD64 = 0x8664
	MachineARM64 = 0xaa64
)

// Optional header magic values distinguishing PE32 from PE32+.
const (
	OptionalHeaderMagic32 = 0x10b
	OptionalHeaderMagic64 = 0x20b
)

// NumDataDirectories is the fixed size of the data directory array carried
// in every optional header, PE32 or PE32+.
const NumDataDirectories = 16

// Data directory indices, in the order the format defines them.
const (
	DirectoryExport = iota
	DirectoryImport
	DirectoryResource
	DirectoryException
	DirectorySecurity
	DirectoryBaseRelocation
	DirectoryDebug
	DirectoryArchitecture
	DirectoryGlobalPtr
	DirectoryTLS
	DirectoryLoadConfig
	DirectoryBoundImport
	DirectoryIAT
	DirectoryDelayImport
	DirectoryCLRRuntime
	DirectoryReserved
)

// Section characteristics bits relevant to page protection and content
// classification.
const (
	SectionCharCode               = 0x00000020
	SectionCharUninitializedData  = 0x00000080
	SectionCharMemExecute         = 0x20000000
	SectionCharMemRead            = 0x40000000
	SectionCharMemWrite           = 0x80000000
)

// SectionNameLength is the fixed, NUL-padded width of a section's short
// name in the section header table.
const SectionNameLength = 8

// Base relocation entry types (high 4 bits of each relocation entry).
const (
	RelocationAbsolute = 0
	RelocationHighLow  = 3
	RelocationDir64    = 10
)

// Import thunk ordinal flags, one per pointer width.
const (
	ImportOrdinal32 = 0x80000000
	ImportOrdinal64 = 0x8000000000000000
	ImportNameMask  = 0x7fffffff
)

// MemProtection mirrors the flags the kernel's CreateMemoryMapping
// primitive expects; pemap derives these from section characteristics.
type MemProtection uint32

const (
	MemRead MemProtection = 1 << iota
	MemWrite
	MemExecute
)

// Section describes one mapped region of an image: its location in the
// file (possibly absent, for BSS-style sections) and its placement once
// mapped into a memory space.
type Section struct {
	Name         string
	RVA          uint32
	FileData     []byte // nil for zero-initialized sections
	FileLength   uint32
	MappedLength uint32
	Protection   MemProtection
	Zero         bool
}

// ExportedFunction is one entry of a module's export table, keyed by both
// ordinal and name. A non-empty ForwardName means the RVA field is not
// meaningful: the real implementation lives in another module.
type ExportedFunction struct {
	Name        string
	Ordinal     uint32
	RVA         uint32
	ForwardName string
}

// DataDirectory is a (address, size) pair as found in the optional
// header's directory array.
type DataDirectory struct {
	AddressRVA uint32
	Size       uint32
}

// Module is the parsed, immutable representation of one PE image. It
// holds no mapping or relocation state; pemap and pereloc build on top of
// it without mutating it, so a single Module can be safely shared (and
// reference counted) across every load context that maps it.
type Module struct {
	Architecture  uint16
	Is64          bool
	ImageBase     uint64
	EntryPointRVA uint32
	CodeBaseRVA   uint32
	CodeSize      uint32

	SectionAlignment uint32
	MetaDataSize     uint32

	Directories [NumDataDirectories]DataDirectory
	Sections    []Section

	// ExportedByOrdinal and ExportedByName both reference the same set of
	// ExportedFunction values; kept as two maps because ordinal and name
	// lookups both need to be O(1) and a module's export count can exceed
	// its own function count (re-exports of other modules' symbols).
	ExportedByOrdinal map[uint32]ExportedFunction
	ExportedByName    map[string]ExportedFunction

	// ImageBuffer is the raw file content the parse was performed against.
	// Sections reference slices into it directly; it must outlive every
	// Section.FileData read from it.
	ImageBuffer []byte
}

// DataPointerAtRVA returns the slice of the raw image buffer backing the
// section containing rva, offset to rva itself, or nil if rva does not
// fall within any parsed section.
func (m *Module) DataPointerAtRVA(rva uint32) []byte {
	for i := range m.Sections {
		s := &m.Sections[i]
		if rva >= s.RVA && rva < s.RVA+s.MappedLength {
			off := rva - s.RVA
			if s.FileData == nil || int(off) >= len(s.FileData) {
				return nil
			}
			return s.FileData[off:]
		}
	}
	return nil
}
