// Package pecache is the process-wide parsed-module cache shared across
// every load context: a module's bytes are read and parsed once, keyed by
// the content digest of its raw image, and every later load of the same
// bytes (whether by the same path or a different one) reuses the parsed
// Module and bumps a reference count instead of re-parsing.
package pecache

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	digest "github.com/opencontainers/go-digest"

	"github.com/Meulengracht/processd-pe/internal/peerrors"
	"github.com/Meulengracht/processd-pe/internal/pe/peformat"
	"github.com/Meulengracht/processd-pe/internal/pe/pefs"
)

type moduleEntry struct {
	module     *peformat.Module
	references int
}

// Cache maps file paths to parsed modules, content-addressed so that two
// paths resolving to byte-identical images share one Module. It holds two
// independently locked maps, mirroring the original loader's split
// between a path→hash table and a hash→module table: path lookups and
// module lookups contend on different locks, so a cache hit on an
// already-resolved path never blocks a concurrent first-load of an
// unrelated module.
type Cache struct {
	log *slog.Logger

	pathsMu sync.Mutex
	paths   map[string]digest.Digest

	modulesMu sync.Mutex
	modules   map[digest.Digest]*moduleEntry
}

// New creates an empty Cache. log may be nil, in which case a disabled
// logger is used.
func New(log *slog.Logger) *Cache {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{
		log:     log,
		paths:   make(map[string]digest.Digest),
		modules: make(map[digest.Digest]*moduleEntry),
	}
}

func (c *Cache) getPathDigest(path string) (digest.Digest, bool) {
	c.pathsMu.Lock()
	defer c.pathsMu.Unlock()
	d, ok := c.paths[path]
	return d, ok
}

func (c *Cache) setPathDigest(path string, d digest.Digest) {
	c.pathsMu.Lock()
	defer c.pathsMu.Unlock()
	c.paths[path] = d
}

func (c *Cache) getModule(d digest.Digest) (*peformat.Module, bool) {
	c.modulesMu.Lock()
	defer c.modulesMu.Unlock()
	entry, ok := c.modules[d]
	if !ok {
		return nil, false
	}
	entry.references++
	return entry.module, true
}

// insertIfAbsent inserts module under d unless another goroutine already
// won the race to insert it first, in which case the existing module is
// returned instead and the caller's parse work is discarded.
func (c *Cache) insertIfAbsent(d digest.Digest, module *peformat.Module) *peformat.Module {
	c.modulesMu.Lock()
	defer c.modulesMu.Unlock()
	if existing, ok := c.modules[d]; ok {
		existing.references++
		return existing.module
	}
	c.modules[d] = &moduleEntry{module: module, references: 1}
	return module
}

// Release decrements the reference count for the module identified by d.
// It never frees the module itself (Go's GC reclaims it once every
// reference from load contexts is gone); it exists so refcount-based
// diagnostics and the spec's "refcounting shared dependencies" contract
// have somewhere to account unload events.
func (c *Cache) Release(d digest.Digest) {
	c.modulesMu.Lock()
	defer c.modulesMu.Unlock()
	if entry, ok := c.modules[d]; ok {
		entry.references--
		if entry.references <= 0 {
			delete(c.modules, d)
		}
	}
}

// Get resolves path to a parsed Module, loading and parsing it through
// reader on first use and reusing the cached parse on every subsequent
// call for any path whose content digest matches. Returns the module's
// content digest alongside it, since the caller (the linker) needs the
// digest to later call Release.
func (c *Cache) Get(path string, reader pefs.FileReader) (*peformat.Module, digest.Digest, error) {
	if d, ok := c.getPathDigest(path); ok {
		if module, ok := c.getModule(d); ok {
			c.log.Debug("pecache hit", "path", path, "digest", d)
			return module, d, nil
		}
		// Path was resolved before but the module entry is gone (fully
		// released); fall through and reload.
	}

	raw, err := reader.ReadFile(path)
	if err != nil {
		return nil, "", &peerrors.PathError{Path: path, Err: err}
	}

	d := peformat.Digest(raw)
	c.setPathDigest(path, d)

	if module, ok := c.getModule(d); ok {
		c.log.Debug("pecache hit after load race", "path", path, "digest", d)
		return module, d, nil
	}

	module, err := peformat.ParseModule(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parsing %s: %w", path, err)
	}

	winner := c.insertIfAbsent(d, module)
	c.log.Debug("pecache inserted", "path", path, "digest", d, "won_race", winner == module)
	return winner, d, nil
}
