package pelink

import (
	"fmt"
	"path"

	digest "github.com/opencontainers/go-digest"

	"github.com/Meulengracht/processd-pe/internal/peerrors"
	"github.com/Meulengracht/processd-pe/internal/pe/pekernel"
	"github.com/Meulengracht/processd-pe/internal/pe/pemap"
	"github.com/Meulengracht/processd-pe/internal/pe/pereloc"
)

// Load maps modulePath (a root executable or any module a host wants to
// bring in explicitly) into this context. It is equivalent to LoadLibrary
// except it never checks for an existing entry first and never attaches
// the result as a dependency of the root module; it is meant for the
// very first module a fresh context loads.
func (lc *LoadContext) Load(modulePath string) error {
	return lc.load(modulePath, false)
}

// load resolves, maps, relocates, and registers one module, recursing
// into its imports. dependency marks whether this module was pulled in
// as someone else's import (true) or requested directly (false); it
// governs whether a later Unload of it is permitted without force.
func (lc *LoadContext) load(name string, dependency bool) error {
	resolved, err := lc.resolvePath(name)
	if err != nil {
		return err
	}

	reader := lc.readerFor(resolved)
	if reader == nil {
		return &peerrors.PathError{Path: resolved, Err: fmt.Errorf("%w: no reader configured for this path", peerrors.ErrUnsupported)}
	}

	module, contentDigest, err := lc.cache.Get(resolved, reader)
	if err != nil {
		return err
	}

	baseAddress := lc.loadAddress
	mapping, err := pemap.LoadModule(module, lc.space, &lc.loadAddress)
	if err != nil {
		lc.cache.Release(contentDigest)
		return fmt.Errorf("mapping %s: %w", resolved, err)
	}

	delta := int64(baseAddress) - int64(module.ImageBase)
	if err := pereloc.ProcessBaseRelocations(mapping, delta); err != nil {
		lc.unmap(mapping)
		lc.cache.Release(contentDigest)
		lc.loadAddress = baseAddress
		return err
	}

	id := lc.allocateID()
	entry := &ModuleMapEntry{
		ID:          id,
		Name:        basename(resolved),
		Path:        resolved,
		BaseMapping: baseAddress,
		Module:      module,
		Digest:      string(contentDigest),
		Dependency:  dependency,
		state:       statePlacing,
	}
	lc.setEntry(entry)

	if err := lc.processImports(mapping, &entry.Imports); err != nil {
		lc.removeEntry(entry.Name)
		lc.releaseID(id)
		lc.unmap(mapping)
		lc.cache.Release(contentDigest)
		lc.loadAddress = baseAddress
		return err
	}

	if err := pereloc.ProcessRuntimeRelocations(mapping); err != nil {
		lc.removeEntry(entry.Name)
		lc.releaseID(id)
		lc.unmap(mapping)
		lc.cache.Release(contentDigest)
		lc.loadAddress = baseAddress
		return err
	}

	entry.state = stateReady
	lc.setEntry(entry)
	return nil
}

func (lc *LoadContext) unmap(mapping *pemap.ModuleMapping) {
	// The fake and real memory-space backends reclaim mapped regions
	// through FreeMapping; failures here are logged, not propagated,
	// since the caller is already unwinding from a prior error.
	for _, s := range mapping.Sections {
		if err := lc.space.FreeMapping(&pekernel.Mapping{VirtualAddress: s.VirtualAddress, Local: s.Local}); err != nil {
			lc.log.Warn("failed to free section mapping during unwind", "error", err)
		}
	}
}

func digestOf(entry *ModuleMapEntry) digest.Digest {
	return digest.Digest(entry.Digest)
}

func basename(p string) string {
	return path.Base(p)
}

// LoadLibrary implements the dynamic, host-facing load entry point: if
// the module (by base name) is already present in this context, its
// existing handle is returned and nothing is loaded again. Otherwise the
// module is loaded fresh and attached as a dependency of the root module,
// so context teardown unloads it even though it was requested directly
// rather than pulled in transitively.
func (lc *LoadContext) LoadLibrary(libraryPath string) (key string, entryPoint uintptr, err error) {
	baseName := basename(libraryPath)

	if existing, ok := lc.entry(baseName); ok {
		return existing.Name, existing.BaseMapping + uintptr(existing.Module.EntryPointRVA), nil
	}

	if err := lc.load(libraryPath, false); err != nil {
		return "", 0, err
	}

	newEntry, ok := lc.entry(baseName)
	if !ok {
		return "", 0, fmt.Errorf("%w: module %q vanished immediately after loading", peerrors.ErrUnknown, baseName)
	}

	root, ok := lc.entry(lc.rootModule)
	if ok && root.Name != newEntry.Name {
		root.Imports = append(root.Imports, ImportEdge{ID: newEntry.ID, Name: newEntry.Name})
		lc.setEntry(root)
	}

	return newEntry.Name, newEntry.BaseMapping + uintptr(newEntry.Module.EntryPointRVA), nil
}

// FindExport resolves name against the named module's export table,
// returning its mapped virtual address.
func (lc *LoadContext) FindExport(key, name string) (uintptr, error) {
	entry, ok := lc.entry(key)
	if !ok {
		return 0, &peerrors.ModuleError{Module: key, Err: peerrors.ErrInvalidParams}
	}
	fn, ok := entry.Module.ExportedByName[name]
	if !ok {
		return 0, &peerrors.ImportError{Module: key, Symbol: name, Err: peerrors.ErrNotFound}
	}
	if fn.ForwardName != "" {
		return 0, &peerrors.ImportError{Module: key, Symbol: name, Err: fmt.Errorf("%w: forwarded export", peerrors.ErrUnsupported)}
	}
	return entry.BaseMapping + uintptr(fn.RVA), nil
}

// Unload removes key from the context's module map, refusing unless the
// module was explicitly requested (Dependency == false) or force is set.
// On success it recurses into every module key imported, passing force
// through, the same cascading teardown the original context teardown
// relies on.
func (lc *LoadContext) Unload(key string, force bool) error {
	entry, ok := lc.entry(key)
	if !ok {
		return &peerrors.ModuleError{Module: key, Err: peerrors.ErrInvalidParams}
	}
	if entry.Dependency && !force {
		return &peerrors.ModuleError{Module: key, Err: peerrors.ErrPermission}
	}

	imports := entry.Imports
	lc.removeEntry(key)
	lc.releaseID(entry.ID)
	lc.cache.Release(digestOf(entry))

	for _, imp := range imports {
		// A nested unload failing (already gone, e.g. shared by two
		// parents and already torn down) is not propagated: cascading
		// teardown is best-effort once the parent itself is gone.
		_ = lc.Unload(imp.Name, force)
	}
	return nil
}

// ModuleDetailsByAddress returns the key and base address of whichever
// loaded module's code segment contains va, used by a fault handler or
// stack unwinder that only has a bare address to work from. Only the code
// segment (CodeBaseRVA..CodeBaseRVA+CodeSize) is searched, matching the
// original's enumerator; an address in the header or a non-code section
// reports ErrNotFound.
func (lc *LoadContext) ModuleDetailsByAddress(va uintptr) (key string, base uintptr, err error) {
	for _, e := range lc.snapshot() {
		codeStart := e.BaseMapping + uintptr(e.Module.CodeBaseRVA)
		codeEnd := codeStart + uintptr(e.Module.CodeSize)
		if va >= codeStart && va < codeEnd {
			return e.Name, e.BaseMapping, nil
		}
	}
	return "", 0, &peerrors.ModuleError{Module: fmt.Sprintf("0x%x", va), Err: peerrors.ErrNotFound}
}

// ModulePath returns the fully resolved path key was loaded from.
func (lc *LoadContext) ModulePath(key string) (string, error) {
	entry, ok := lc.entry(key)
	if !ok {
		return "", &peerrors.ModuleError{Module: key, Err: peerrors.ErrInvalidParams}
	}
	return entry.Path, nil
}

// ModuleEntryPoint returns key's mapped entry point address.
func (lc *LoadContext) ModuleEntryPoint(key string) (uintptr, error) {
	entry, ok := lc.entry(key)
	if !ok {
		return 0, &peerrors.ModuleError{Module: key, Err: peerrors.ErrInvalidParams}
	}
	return entry.BaseMapping + uintptr(entry.Module.EntryPointRVA), nil
}
