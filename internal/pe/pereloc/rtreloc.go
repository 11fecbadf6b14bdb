package pereloc

import (
	"encoding/binary"
	"fmt"

	"github.com/Meulengracht/processd-pe/internal/peerrors"
	"github.com/Meulengracht/processd-pe/internal/pe/peformat"
	"github.com/Meulengracht/processd-pe/internal/pe/pemap"
)

// Runtime relocation directory versions. Cygwin/MinGW-built binaries
// carry a "global pointer" directory (reusing the data-directory slot
// that the original PE spec never assigned, hence the GlobalPtr name)
// describing fixups the static linker could not resolve at link time.
const (
	runtimeRelocVersion1 = 0
	runtimeRelocVersion2 = 1
)

const runtimeRelocHeaderLen = 12 // Magic0, Magic1, Version: three uint32s

// ProcessRuntimeRelocations applies the Cygwin/MinGW runtime
// pseudo-relocation directory, if present. Absence of the directory is
// not an error: most PE images, including every image produced by a
// non-GNU toolchain, simply don't have one.
func ProcessRuntimeRelocations(mapping *pemap.ModuleMapping) error {
	dir := mapping.Module.Directories[peformat.DirectoryGlobalPtr]
	if dir.AddressRVA == 0 || dir.Size == 0 {
		return nil
	}
	if dir.Size < 8 {
		return fmt.Errorf("%w: runtime relocation directory too small", peerrors.ErrFormat)
	}

	data := mapping.FromRVA(dir.AddressRVA)
	if data == nil {
		return fmt.Errorf("%w: runtime relocation directory is invalid", peerrors.ErrFormat)
	}

	size := dir.Size
	if size >= runtimeRelocHeaderLen && len(data) >= runtimeRelocHeaderLen {
		magic0 := binary.LittleEndian.Uint32(data[0:4])
		magic1 := binary.LittleEndian.Uint32(data[4:8])
		if magic0 == 0 && magic1 == 0 {
			version := binary.LittleEndian.Uint32(data[8:12])
			entries := data[runtimeRelocHeaderLen:]
			entrySize := size - runtimeRelocHeaderLen

			switch version {
			case runtimeRelocVersion1:
				return handleRuntimeRelocationsV1(mapping, entries, entrySize)
			case runtimeRelocVersion2:
				return handleRuntimeRelocationsV2(mapping, entries, entrySize)
			default:
				return fmt.Errorf("%w: runtime relocation version %d", peerrors.ErrUnsupported, version)
			}
		}
	}
	// No header magic: the whole directory is a V1 entry array.
	return handleRuntimeRelocationsV1(mapping, data, size)
}

// runtimeRelocEntryV1 is {Value, RVA}, each a uint32.
const runtimeRelocEntryV1Len = 8

func handleRuntimeRelocationsV1(mapping *pemap.ModuleMapping, data []byte, size uint32) error {
	count := size / runtimeRelocEntryV1Len
	for i := uint32(0); i < count; i++ {
		entry := data[i*runtimeRelocEntryV1Len : i*runtimeRelocEntryV1Len+runtimeRelocEntryV1Len]
		value := binary.LittleEndian.Uint32(entry[0:4])
		rva := binary.LittleEndian.Uint32(entry[4:8])

		target := mapping.FromRVA(rva)
		if target == nil || len(target) < 8 {
			return &peerrors.RelocationError{Kind: "runtime", RVA: rva, Err: peerrors.ErrNotFound}
		}
		current := binary.LittleEndian.Uint64(target[:8])
		binary.LittleEndian.PutUint64(target[:8], current+uint64(value))
	}
	return nil
}

// runtimeRelocEntryV2 is {SymbolRVA, OffsetRVA, Flags}, each a uint32.
const runtimeRelocEntryV2Len = 12

func handleRuntimeRelocationsV2(mapping *pemap.ModuleMapping, data []byte, size uint32) error {
	count := size / runtimeRelocEntryV2Len
	for i := uint32(0); i < count; i++ {
		entry := data[i*runtimeRelocEntryV2Len : i*runtimeRelocEntryV2Len+runtimeRelocEntryV2Len]
		symbolRVA := binary.LittleEndian.Uint32(entry[0:4])
		offsetRVA := binary.LittleEndian.Uint32(entry[4:8])
		flags := binary.LittleEndian.Uint32(entry[8:12])

		symbolTarget := mapping.FromRVA(symbolRVA)
		if symbolTarget == nil || len(symbolTarget) < 8 {
			return &peerrors.RelocationError{Kind: "runtime", RVA: symbolRVA, Err: peerrors.ErrNotFound}
		}
		offsetTarget := mapping.FromRVA(offsetRVA)
		if offsetTarget == nil {
			return &peerrors.RelocationError{Kind: "runtime", RVA: offsetRVA, Err: peerrors.ErrNotFound}
		}

		symbolValue := int64(binary.LittleEndian.Uint64(symbolTarget[:8]))
		relocSize := flags & 0xff

		relocData, err := readSignExtended(offsetTarget, relocSize)
		if err != nil {
			return &peerrors.RelocationError{Kind: "runtime", RVA: offsetRVA, Err: err}
		}

		relocData -= int64(mapping.Base) + int64(symbolRVA)
		relocData += symbolValue

		if err := writeTruncated(offsetTarget, relocSize, relocData); err != nil {
			return &peerrors.RelocationError{Kind: "runtime", RVA: offsetRVA, Err: err}
		}
	}
	return nil
}

// readSignExtended reads a relocSize-bit value from target and sign
// extends it to 64 bits. Every width, 32 included, is sign extended
// whatever the image's architecture; writeTruncated keeps only the low
// relocSize bits of the result, so the extension never changes the bits
// written back.
func readSignExtended(target []byte, relocSize uint32) (int64, error) {
	switch relocSize {
	case 8:
		if len(target) < 1 {
			return 0, peerrors.ErrFormat
		}
		v := int64(target[0])
		if v&0x80 != 0 {
			v |= ^int64(0xff)
		}
		return v, nil
	case 16:
		if len(target) < 2 {
			return 0, peerrors.ErrFormat
		}
		v := int64(binary.LittleEndian.Uint16(target[:2]))
		if v&0x8000 != 0 {
			v |= ^int64(0xffff)
		}
		return v, nil
	case 32:
		if len(target) < 4 {
			return 0, peerrors.ErrFormat
		}
		v := int64(binary.LittleEndian.Uint32(target[:4]))
		if v&0x80000000 != 0 {
			v |= ^int64(0xffffffff)
		}
		return v, nil
	case 64:
		if len(target) < 8 {
			return 0, peerrors.ErrFormat
		}
		return int64(binary.LittleEndian.Uint64(target[:8])), nil
	default:
		return 0, fmt.Errorf("%w: runtime relocation size %d", peerrors.ErrUnsupported, relocSize)
	}
}

func writeTruncated(target []byte, relocSize uint32, value int64) error {
	switch relocSize {
	case 8:
		target[0] = byte(value)
	case 16:
		binary.LittleEndian.PutUint16(target[:2], uint16(value))
	case 32:
		binary.LittleEndian.PutUint32(target[:4], uint32(value))
	case 64:
		binary.LittleEndian.PutUint64(target[:8], uint64(value))
	default:
		return fmt.Errorf("%w: runtime relocation size %d", peerrors.ErrUnsupported, relocSize)
	}
	return nil
}
