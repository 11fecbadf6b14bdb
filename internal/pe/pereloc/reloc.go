// Package pereloc applies the two relocation mechanisms a mapped PE image
// may need once it lands somewhere other than its preferred image base:
// standard base relocations, and the Cygwin/MinGW "runtime pseudo-reloc"
// extension used by code built against those toolchains.
package pereloc

import (
	"encoding/binary"
	"fmt"

	"github.com/Meulengracht/processd-pe/internal/peerrors"
	"github.com/Meulengracht/processd-pe/internal/pe/peformat"
	"github.com/Meulengracht/processd-pe/internal/pe/pemap"
)

// ProcessBaseRelocations walks the base relocation directory and applies
// every HIGHLOW/DIR64 fixup, adding delta to the pointer-sized value found
// at each entry's target address. ABSOLUTE padding entries are skipped;
// anything else is ErrUnsupported, matching the original loader's refusal
// to handle relocation kinds that never occur in this toolchain's output.
func ProcessBaseRelocations(mapping *pemap.ModuleMapping, delta int64) error {
	dir := mapping.Module.Directories[peformat.DirectoryBaseRelocation]
	if dir.AddressRVA == 0 || dir.Size == 0 {
		return nil
	}

	data := mapping.Module.DataPointerAtRVA(dir.AddressRVA)
	if data == nil {
		return fmt.Errorf("%w: base relocation directory is invalid", peerrors.ErrFormat)
	}

	remaining := dir.Size
	for remaining > 0 {
		if len(data) < 8 {
			return fmt.Errorf("%w: base relocation block truncated", peerrors.ErrFormat)
		}
		blockRVA := binary.LittleEndian.Uint32(data[0:4])
		blockLength := binary.LittleEndian.Uint32(data[4:8])
		if blockRVA == 0 || blockLength == 0 {
			return fmt.Errorf("%w: base relocation block with zero rva/length", peerrors.ErrFormat)
		}
		if blockLength < 8 || uint64(blockLength) > uint64(len(data)) {
			return fmt.Errorf("%w: base relocation block length out of range", peerrors.ErrFormat)
		}

		sectionData := mapping.FromRVA(blockRVA)
		if sectionData == nil {
			return &peerrors.RelocationError{Kind: "base", RVA: blockRVA, Err: peerrors.ErrNotFound}
		}

		entries := blockLength - 8
		count := entries / 2
		entryData := data[8:blockLength]
		for i := uint32(0); i < count; i++ {
			entry := binary.LittleEndian.Uint16(entryData[i*2 : i*2+2])
			if err := applyBaseRelocationEntry(sectionData, entry, delta); err != nil {
				return &peerrors.RelocationError{Kind: "base", RVA: blockRVA, Err: err}
			}
		}

		data = data[blockLength:]
		remaining -= blockLength
	}
	return nil
}

func applyBaseRelocationEntry(sectionData []byte, entry uint16, delta int64) error {
	relocType := entry >> 12
	offset := entry & 0x0fff

	switch relocType {
	case peformat.RelocationHighLow:
		if int(offset)+4 > len(sectionData) {
			return peerrors.ErrFormat
		}
		value := int32(binary.LittleEndian.Uint32(sectionData[offset : offset+4]))
		binary.LittleEndian.PutUint32(sectionData[offset:offset+4], uint32(int64(value)+delta))
	case peformat.RelocationDir64:
		if int(offset)+8 > len(sectionData) {
			return peerrors.ErrFormat
		}
		value := int64(binary.LittleEndian.Uint64(sectionData[offset : offset+8]))
		binary.LittleEndian.PutUint64(sectionData[offset:offset+8], uint64(value+delta))
	case peformat.RelocationAbsolute:
		// Padding entry, no fixup required.
	default:
		return fmt.Errorf("%w: relocation type %d", peerrors.ErrUnsupported, relocType)
	}
	return nil
}
