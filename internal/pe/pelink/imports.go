package pelink

import (
	"encoding/binary"
	"fmt"

	"github.com/Meulengracht/processd-pe/internal/peerrors"
	"github.com/Meulengracht/processd-pe/internal/pe/peformat"
	"github.com/Meulengracht/processd-pe/internal/pe/pemap"
)

const importDescriptorLen = 20 // OriginalFirstThunk, TimeDateStamp, ForwarderChain, Name, FirstThunk

// processImports walks mapping's import descriptor table, recursively
// loading every imported module (memoized: a module already present in
// the context's module map is reused, never reloaded) and binding each
// unbound IAT thunk to the resolved export's mapped address. The edges
// discovered are appended to imports for the caller to store on the
// owning entry.
func (lc *LoadContext) processImports(mapping *pemap.ModuleMapping, imports *[]ImportEdge) error {
	dir := mapping.Module.Directories[peformat.DirectoryImport]
	if dir.AddressRVA == 0 || dir.Size == 0 {
		return nil
	}

	data := mapping.FromRVA(dir.AddressRVA)
	if data == nil {
		return fmt.Errorf("%w: import directory is invalid", peerrors.ErrFormat)
	}

	for off := 0; ; off += importDescriptorLen {
		if off+importDescriptorLen > len(data) {
			return fmt.Errorf("%w: import descriptor table runs past mapped section", peerrors.ErrFormat)
		}
		desc := data[off : off+importDescriptorLen]
		timeStamp := binary.LittleEndian.Uint32(desc[4:8])
		nameRVA := binary.LittleEndian.Uint32(desc[12:16])
		iatRVA := binary.LittleEndian.Uint32(desc[16:20])
		if iatRVA == 0 {
			break
		}
		if timeStamp != 0 {
			return fmt.Errorf("%w: bound import tables are not supported", peerrors.ErrUnsupported)
		}

		nameData := mapping.FromRVA(nameRVA)
		if nameData == nil {
			return fmt.Errorf("%w: import module name rva is invalid", peerrors.ErrFormat)
		}
		moduleName := cString(nameData)

		iat := mapping.FromRVA(iatRVA)
		if iat == nil {
			return fmt.Errorf("%w: import address table rva is invalid", peerrors.ErrFormat)
		}

		imported, id, err := lc.resolveImport(moduleName)
		if err != nil {
			return &peerrors.ImportError{Module: moduleName, Err: err}
		}
		*imports = append(*imports, ImportEdge{ID: id, Name: imported.Name})

		if err := bindImportTable(imported, mapping, iat); err != nil {
			return err
		}
	}
	return nil
}

// resolveImport returns the entry for moduleName, loading it as a
// dependency if this is the first time this context has seen it. The ID
// returned is always the entry's final, stable ID.
func (lc *LoadContext) resolveImport(moduleName string) (*ModuleMapEntry, int, error) {
	if e, ok := lc.entry(moduleName); ok {
		return e, e.ID, nil
	}

	if err := lc.load(moduleName, true); err != nil {
		return nil, 0, err
	}

	e, ok := lc.entry(moduleName)
	if !ok {
		return nil, 0, fmt.Errorf("%w: module %q vanished immediately after loading", peerrors.ErrUnknown, moduleName)
	}
	return e, e.ID, nil
}

func bindImportTable(imported *ModuleMapEntry, mapping *pemap.ModuleMapping, iat []byte) error {
	if mapping.Module.Is64 {
		return bindImportTable64(imported, mapping, iat)
	}
	return bindImportTable32(imported, mapping, iat)
}

func bindImportTable32(imported *ModuleMapEntry, mapping *pemap.ModuleMapping, iat []byte) error {
	for off := 0; off+4 <= len(iat); off += 4 {
		thunk := binary.LittleEndian.Uint32(iat[off : off+4])
		if thunk == 0 {
			return nil
		}

		rva, err := resolveThunk(imported, mapping, uint64(thunk), peformat.ImportOrdinal32)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(iat[off:off+4], uint32(imported.BaseMapping)+rva)
	}
	return fmt.Errorf("%w: import address table is not null-terminated", peerrors.ErrFormat)
}

func bindImportTable64(imported *ModuleMapEntry, mapping *pemap.ModuleMapping, iat []byte) error {
	for off := 0; off+8 <= len(iat); off += 8 {
		thunk := binary.LittleEndian.Uint64(iat[off : off+8])
		if thunk == 0 {
			return nil
		}

		rva, err := resolveThunk(imported, mapping, thunk, peformat.ImportOrdinal64)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(iat[off:off+8], uint64(imported.BaseMapping)+uint64(rva))
	}
	return fmt.Errorf("%w: import address table is not null-terminated", peerrors.ErrFormat)
}

func resolveThunk(imported *ModuleMapEntry, mapping *pemap.ModuleMapping, thunk uint64, ordinalFlag uint64) (uint32, error) {
	if thunk&ordinalFlag != 0 {
		ordinal := uint32(thunk & 0xffff)
		fn, ok := imported.Module.ExportedByOrdinal[ordinal]
		if !ok {
			return 0, &peerrors.ImportError{Module: imported.Name, Ordinal: ordinal, ByOrdinal: true, Err: peerrors.ErrNotFound}
		}
		if fn.ForwardName != "" {
			return 0, &peerrors.ImportError{Module: imported.Name, Ordinal: ordinal, ByOrdinal: true, Err: fmt.Errorf("%w: forwarded export", peerrors.ErrUnsupported)}
		}
		return fn.RVA, nil
	}

	nameData := mapping.FromRVA(uint32(thunk & peformat.ImportNameMask))
	if nameData == nil || len(nameData) < 2 {
		return 0, fmt.Errorf("%w: import name descriptor rva is invalid", peerrors.ErrFormat)
	}
	name := cString(nameData[2:]) // skip the 2-byte ordinal hint
	fn, ok := imported.Module.ExportedByName[name]
	if !ok {
		return 0, &peerrors.ImportError{Module: imported.Name, Symbol: name, Err: peerrors.ErrNotFound}
	}
	if fn.ForwardName != "" {
		return 0, &peerrors.ImportError{Module: imported.Name, Symbol: name, Err: fmt.Errorf("%w: forwarded export", peerrors.ErrUnsupported)}
	}
	return fn.RVA, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
