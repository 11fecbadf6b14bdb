// Package pelink ties the cache, mapper, and relocator together into the
// per-process load context: path resolution, recursive import loading,
// dynamic LoadLibrary/FindExport/Unload, and dependency-ordered module
// enumeration.
package pelink

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Meulengracht/processd-pe/internal/pe/peformat"
	"github.com/Meulengracht/processd-pe/internal/pe/pecache"
	"github.com/Meulengracht/processd-pe/internal/pe/pefs"
	"github.com/Meulengracht/processd-pe/internal/pe/pekernel"
)

// Scope opaquely identifies the security/process scope a LoadContext is
// loading on behalf of. Its value has no meaning to this package; it is
// threaded through purely as a token the IPC surface and kernel care
// about.
type Scope uuid.UUID

func NewScope() Scope { return Scope(uuid.New()) }

// placementState tracks where an entry is in the load pipeline: an entry
// is statePlacing from the moment it is registered (before its imports
// are processed) until its relocations are applied, then stateReady. The
// state is recorded only; import resolution does not consult it, so an
// import naming a module that is still being placed binds to that
// existing entry rather than loading it again or reporting an error.
type placementState int

const (
	statePlacing placementState = iota
	stateReady
)

// ImportEdge records one outgoing dependency edge: the imported module's
// ID and key, used by both unload (cascading unload of non-shared
// dependencies) and topological ordering.
type ImportEdge struct {
	ID   int
	Name string
}

// ModuleMapEntry is one loaded module's bookkeeping record within a
// LoadContext: identity, placement, and the dependency edges discovered
// while processing its import table.
type ModuleMapEntry struct {
	ID          int
	Name        string // basename, the context-scoped lookup key
	Path        string // fully resolved path it was loaded from
	BaseMapping uintptr
	Module      *peformat.Module
	Digest      string // cache digest, for Release on unload
	Dependency  bool   // true when pulled in as an import; false for Load and LoadLibrary requests
	Imports     []ImportEdge
	state       placementState
}

// LoadContext is the loader's per-process (or per-test) unit of state: a
// memory space to map into, a search path, and the map of every module
// loaded so far.
type LoadContext struct {
	Scope       Scope
	MemorySpace pekernel.MemorySpaceHandle

	log   *slog.Logger
	cache *pecache.Cache
	space pekernel.MemorySpace

	fileReader    pefs.FileReader
	ramdiskReader pefs.RamdiskReader
	searchPaths   []string

	loadAddress uintptr

	mu         sync.Mutex
	modules    map[string]*ModuleMapEntry
	rootModule string
	nextID     int
	freeIDs    []int
}

// Config bundles the collaborators a LoadContext needs, all of which are
// out-of-scope primitives in the source specification (kernel, cache,
// filesystem, ramdisk).
type Config struct {
	Cache         *pecache.Cache
	Factory       pekernel.Factory
	FileReader    pefs.FileReader
	RamdiskReader pefs.RamdiskReader
	SearchPaths   []string
	LoadAddress   uintptr
	Log           *slog.Logger
}

// New creates a LoadContext with its own freshly created memory space.
func New(cfg Config) (*LoadContext, error) {
	handle, space, err := cfg.Factory.CreateMemorySpace()
	if err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &LoadContext{
		Scope:         NewScope(),
		MemorySpace:   handle,
		log:           log,
		cache:         cfg.Cache,
		space:         space,
		fileReader:    cfg.FileReader,
		ramdiskReader: cfg.RamdiskReader,
		searchPaths:   cfg.SearchPaths,
		loadAddress:   cfg.LoadAddress,
		modules:       make(map[string]*ModuleMapEntry),
	}, nil
}

// allocateID hands out the next module ID, reusing a released one if any
// are free (root module is always ID 0, the first ever allocated).
func (lc *LoadContext) allocateID() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if n := len(lc.freeIDs); n > 0 {
		id := lc.freeIDs[n-1]
		lc.freeIDs = lc.freeIDs[:n-1]
		return id
	}
	id := lc.nextID
	lc.nextID++
	return id
}

func (lc *LoadContext) releaseID(id int) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.freeIDs = append(lc.freeIDs, id)
}

func (lc *LoadContext) entry(name string) (*ModuleMapEntry, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	e, ok := lc.modules[name]
	return e, ok
}

func (lc *LoadContext) setEntry(e *ModuleMapEntry) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.modules[e.Name] = e
	if e.ID == 0 {
		lc.rootModule = e.Name
	}
}

func (lc *LoadContext) removeEntry(name string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	delete(lc.modules, name)
}

func (lc *LoadContext) snapshot() []*ModuleMapEntry {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	out := make([]*ModuleMapEntry, 0, len(lc.modules))
	for _, e := range lc.modules {
		out = append(out, e)
	}
	return out
}

// Close unloads the root module and every dependency it pulled in,
// releasing their cache references. Call once the process owning this
// context has exited.
func (lc *LoadContext) Close() error {
	lc.mu.Lock()
	root := lc.rootModule
	lc.mu.Unlock()
	if root == "" {
		return nil
	}
	return lc.Unload(root, true)
}
