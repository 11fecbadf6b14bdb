// Package pemap places a parsed module's sections into a target memory
// space: it allocates a load-address range, creates a mapping per
// section, and copies or zero-fills the section's content into it.
package pemap

import (
	"fmt"

	"github.com/Meulengracht/processd-pe/internal/peerrors"
	"github.com/Meulengracht/processd-pe/internal/pe/peformat"
	"github.com/Meulengracht/processd-pe/internal/pe/pekernel"
)

// SectionMapping records where one section of a module ended up: its RVA
// within the module, the virtual address it was mapped to, and the local
// (always-writable) view the relocator writes fixups through.
type SectionMapping struct {
	RVA            uint32
	Length         uint32
	VirtualAddress uintptr
	Local          []byte
}

// ModuleMapping is the result of mapping one module's metadata and
// sections into a memory space: the base address it landed at, and one
// SectionMapping per parsed section, in the same order as Module.Sections.
type ModuleMapping struct {
	Module   *peformat.Module
	Base     uintptr
	Sections []SectionMapping
}

// FromRVA returns the local (writable) byte slice backing rva, or nil if
// rva does not fall within any mapped section. Used by the relocator and
// import resolver to reach directories (import table, relocation table,
// IAT) that live inside a mapped section rather than the metadata region.
func (m *ModuleMapping) FromRVA(rva uint32) []byte {
	for i := range m.Sections {
		s := &m.Sections[i]
		if rva >= s.RVA && rva < s.RVA+s.Length {
			off := rva - s.RVA
			if int(off) >= len(s.Local) {
				return nil
			}
			return s.Local[off:]
		}
	}
	return nil
}

// allocate carves size bytes, rounded up to the module's section
// alignment, out of the monotonically increasing load-address watermark.
func allocate(alignment uint32, loadAddress *uintptr, size uint32) uintptr {
	if alignment == 0 {
		alignment = 1
	}
	count := (size + alignment - 1) / alignment
	addr := *loadAddress
	*loadAddress += uintptr(count) * uintptr(alignment)
	return addr
}

// LoadModule maps module's metadata and every section into space,
// advancing loadAddress as it goes. On failure it tears down every
// mapping it already created before returning, restoring loadAddress to
// its value on entry, so a caller can retry at a clean address.
func LoadModule(module *peformat.Module, space pekernel.MemorySpace, loadAddress *uintptr) (*ModuleMapping, error) {
	if uint64(module.MetaDataSize) > uint64(len(module.ImageBuffer)) {
		return nil, ErrInvalidMetadataSize
	}

	baseAddress := *loadAddress

	metaAddr := allocate(module.SectionAlignment, loadAddress, module.MetaDataSize)
	metaMapping, err := space.CreateMapping(pekernel.MappingParameters{
		VirtualAddress: metaAddr,
		Length:         module.MetaDataSize,
		Protection:     peformat.MemRead | peformat.MemWrite,
	})
	if err != nil {
		*loadAddress = baseAddress
		return nil, fmt.Errorf("mapping metadata: %w", err)
	}
	n := copy(metaMapping.Local, module.ImageBuffer)
	if uint32(n) < module.MetaDataSize {
		for i := n; i < len(metaMapping.Local); i++ {
			metaMapping.Local[i] = 0
		}
	}

	sections := make([]SectionMapping, len(module.Sections))
	for i, section := range module.Sections {
		length := section.FileLength
		if section.MappedLength > length {
			length = section.MappedLength
		}

		addr := allocate(module.SectionAlignment, loadAddress, length)
		mapping, err := space.CreateMapping(pekernel.MappingParameters{
			VirtualAddress: addr,
			Length:         length,
			Protection:     section.Protection,
		})
		if err != nil {
			unwindMappings(space, metaAddr, sections[:i])
			*loadAddress = baseAddress
			return nil, fmt.Errorf("mapping section %q: %w", section.Name, err)
		}

		if section.Zero {
			zero(mapping.Local)
		} else {
			n := 0
			if section.FileData != nil {
				n = copy(mapping.Local, section.FileData)
			}
			if uint32(n) < length {
				zero(mapping.Local[n:])
			}
		}

		sections[i] = SectionMapping{
			RVA:            section.RVA,
			Length:         length,
			VirtualAddress: addr,
			Local:          mapping.Local,
		}
	}

	return &ModuleMapping{Module: module, Base: baseAddress, Sections: sections}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// unwindMappings frees the metadata mapping and every section mapping
// created so far, used when a later section in the same LoadModule call
// fails to map and the partial result must not leak into the space.
func unwindMappings(space pekernel.MemorySpace, metaAddr uintptr, sections []SectionMapping) {
	_ = space.FreeMapping(&pekernel.Mapping{VirtualAddress: metaAddr})
	for _, s := range sections {
		_ = space.FreeMapping(&pekernel.Mapping{VirtualAddress: s.VirtualAddress, Local: s.Local})
	}
}

// ErrInvalidMetadataSize is returned when a module reports a metadata
// region larger than its own image buffer, which would mean copying past
// the end of a borrowed slice.
var ErrInvalidMetadataSize = fmt.Errorf("%w: metadata size exceeds image buffer", peerrors.ErrFormat)
