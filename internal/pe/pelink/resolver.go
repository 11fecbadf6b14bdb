package pelink

import (
	"fmt"
	"path"
	"strings"

	"github.com/Meulengracht/processd-pe/internal/peerrors"
	"github.com/Meulengracht/processd-pe/internal/pe/pefs"
)

// resolvePath turns an import name or a user-supplied LoadLibrary path
// into a fully qualified path this context can hand to the cache. An
// already-absolute path (starting with "/") is trusted as-is; anything
// else is tried against each entry of the context's search path in turn,
// first as a ramdisk candidate if the joined path would land under
// pefs.RamdiskPrefix, otherwise as a regular file.
//
// This fixes two bugs present in the original resolver: the search-path
// loop there never advanced past its first candidate (an off-by-one in
// the loop that re-tokenized from the same cursor), and the ramdisk
// branch matched "/initfs/" anywhere in the candidate path rather than as
// a prefix of it.
func (lc *LoadContext) resolvePath(name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return name, nil
	}

	for _, base := range lc.searchPaths {
		candidate := path.Join(base, name)
		if pefs.IsRamdiskPath(candidate) {
			if lc.ramdiskReader == nil {
				continue
			}
			if ok, _ := lc.ramdiskReader.Stat(candidate); ok {
				return candidate, nil
			}
			continue
		}
		if lc.fileReader == nil {
			continue
		}
		if ok, _ := lc.fileReader.Stat(candidate); ok {
			return candidate, nil
		}
	}
	return "", &peerrors.PathError{Path: name, Err: fmt.Errorf("%w: not found on search path", peerrors.ErrNotFound)}
}

// readerFor returns the FileReader responsible for path: the ramdisk
// reader for anything under pefs.RamdiskPrefix, the regular file reader
// otherwise.
func (lc *LoadContext) readerFor(resolvedPath string) pefs.FileReader {
	if pefs.IsRamdiskPath(resolvedPath) && lc.ramdiskReader != nil {
		return lc.ramdiskReader
	}
	return lc.fileReader
}
