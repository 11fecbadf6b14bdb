// Package pekernel narrows the kernel primitives the loader depends on
// (memory-space creation, section mapping, protection) to the small
// interface surface this module actually needs, and ships an in-process
// fake implementation so the loader is testable and runnable without a
// real kernel underneath it.
package pekernel

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Meulengracht/processd-pe/internal/peerrors"
	"github.com/Meulengracht/processd-pe/internal/pe/peformat"
)

// MemorySpaceHandle opaquely identifies a kernel memory space. Its value
// is meaningful only to whichever MemorySpace implementation issued it.
type MemorySpaceHandle uuid.UUID

func (h MemorySpaceHandle) String() string { return uuid.UUID(h).String() }

// MappingParameters describes one requested mapping, mirroring the
// kernel's CreateMemoryMapping input.
type MappingParameters struct {
	VirtualAddress uintptr
	Length         uint32
	Protection     peformat.MemProtection
}

// Mapping is the result of a successful CreateMapping call: a local,
// always-writable view the loader uses to place and relocate section
// content, and the virtual address the mapping was placed at in the
// target memory space.
type Mapping struct {
	VirtualAddress uintptr
	Local          []byte
}

// MemorySpace is the narrow collaborator interface the mapper and
// relocator consume. A real implementation forwards to the kernel's
// syscalls; FakeMemorySpace below backs tests and the CLI.
type MemorySpace interface {
	CreateMapping(params MappingParameters) (*Mapping, error)
	FreeMapping(m *Mapping) error
}

// Factory creates memory spaces, one per load context. It has no
// operation for destroying one.
type Factory interface {
	CreateMemorySpace() (MemorySpaceHandle, MemorySpace, error)
}

// FakeFactory is an in-process Factory: each memory space is backed by a
// single contiguous byte slice sized generously enough for tests and the
// diagnostic CLI. It does not enforce page protection (there is no real
// MMU underneath it); the Protection field of a mapping request is
// ignored, which is sufficient for functional testing of the load
// pipeline.
type FakeFactory struct {
	// SpaceSize is the size in bytes reserved for each created space.
	// Defaults to 64 MiB if zero.
	SpaceSize uint64
	// BaseAddress is the first virtual address the space considers
	// mappable. Must match the load context's starting load address.
	// Defaults to 0x10000 if zero.
	BaseAddress uintptr
}

// DefaultBaseAddress is the load-address watermark a LoadContext should
// start from when paired with a FakeFactory left at its zero value.
const DefaultBaseAddress = uintptr(0x10000)

func (f *FakeFactory) CreateMemorySpace() (MemorySpaceHandle, MemorySpace, error) {
	size := f.SpaceSize
	if size == 0 {
		size = 64 << 20
	}
	base := f.BaseAddress
	if base == 0 {
		base = DefaultBaseAddress
	}
	return MemorySpaceHandle(uuid.New()), &fakeMemorySpace{base: base, buf: make([]byte, size)}, nil
}

type fakeMemorySpace struct {
	mu   sync.Mutex
	base uintptr
	buf  []byte
}

func (s *fakeMemorySpace) CreateMapping(params MappingParameters) (*Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := params.VirtualAddress - s.base
	end := off + uintptr(params.Length)
	if end > uintptr(len(s.buf)) {
		return nil, fmt.Errorf("%w: mapping of %d bytes at 0x%x exceeds fake memory space capacity", peerrors.ErrOutOfMemory, params.Length, params.VirtualAddress)
	}
	return &Mapping{
		VirtualAddress: params.VirtualAddress,
		Local:          s.buf[off:end],
	}, nil
}

func (s *fakeMemorySpace) FreeMapping(m *Mapping) error {
	// The fake backing store is a single persistent buffer; there is
	// nothing to unmap, only the logical region is released by the
	// caller forgetting the *Mapping.
	return nil
}
