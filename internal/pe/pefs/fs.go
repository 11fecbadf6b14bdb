// Package pefs narrows the filesystem and ramdisk collaborators the PE
// loader depends on to read image bytes, so the loader itself never
// touches os.Open or an archive format directly.
package pefs

import (
	"fmt"
	"os"
	"strings"
	"sync"

	digest "github.com/opencontainers/go-digest"

	"github.com/Meulengracht/processd-pe/internal/peerrors"
)

// RamdiskPrefix is the path prefix that routes a load through the
// bootstrap ramdisk archive instead of the regular file client. The
// original service matched this as a substring anywhere in the path;
// this implementation matches it as a prefix only, since a component path
// segment containing "/initfs/" deeper in a legitimate filesystem path
// should not be redirected to the ramdisk.
const RamdiskPrefix = "/initfs/"

// IsRamdiskPath reports whether path should be served from the ramdisk
// archive rather than the file client.
func IsRamdiskPath(path string) bool {
	return strings.HasPrefix(path, RamdiskPrefix)
}

// FileReader reads whole files by absolute path, the shape the loader
// needs to obtain an image's raw bytes before parsing.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
	// Stat reports only whether path exists; used by path resolution to
	// probe candidates without reading their content.
	Stat(path string) (bool, error)
}

// OSFileReader implements FileReader against the host filesystem. It is
// used by the diagnostic CLI; a real deployment's file client is an IPC
// call to the filesystem service, out of scope here.
type OSFileReader struct{}

func (OSFileReader) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &peerrors.PathError{Path: path, Err: peerrors.ErrNotFound}
		}
		return nil, &peerrors.PathError{Path: path, Err: fmt.Errorf("%w: %v", peerrors.ErrIncomplete, err)}
	}
	return data, nil
}

func (OSFileReader) Stat(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RamdiskReader serves files baked into an in-memory bootstrap archive,
// the ramdisk the original process manager mounts at /initfs before any
// real filesystem service is available.
type RamdiskReader interface {
	FileReader
}

// MemRamdisk is an in-memory RamdiskReader keyed by path. Its Digest
// method reports an entry's content digest computed the same way pecache
// keys modules, so a bootstrap module and a filesystem-loaded copy of the
// same bytes share one digest.
type MemRamdisk struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemRamdisk() *MemRamdisk {
	return &MemRamdisk{files: make(map[string][]byte)}
}

// Add registers a file's content under a ramdisk path (e.g.
// "/initfs/bin/root.app").
func (r *MemRamdisk) Add(path string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = content
}

func (r *MemRamdisk) ReadFile(path string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.files[path]
	if !ok {
		return nil, &peerrors.PathError{Path: path, Err: peerrors.ErrNotFound}
	}
	return data, nil
}

func (r *MemRamdisk) Stat(path string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.files[path]
	return ok, nil
}

// Digest returns the content digest of the ramdisk entry at path, or the
// zero digest if it isn't present.
func (r *MemRamdisk) Digest(path string) digest.Digest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.files[path]
	if !ok {
		return ""
	}
	return digest.FromBytes(data)
}
