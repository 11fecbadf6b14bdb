package pemap

import (
	"testing"

	qt "github.com/go-quicktest/qt"

	"github.com/Meulengracht/processd-pe/internal/pe/peformat"
	"github.com/Meulengracht/processd-pe/internal/pe/pekernel"
)

func testModule(sectionData []byte, metaDataSize uint32) *peformat.Module {
	buf := append([]byte{}, sectionData...)
	return &peformat.Module{
		Is64:             true,
		ImageBase:        0x140000000,
		SectionAlignment: 0x1000,
		MetaDataSize:     metaDataSize,
		EntryPointRVA:    0x1000,
		ImageBuffer:      buf,
		Sections: []peformat.Section{
			{
				Name:       ".text",
				RVA:        0x1000,
				FileData:   sectionData,
				FileLength: uint32(len(sectionData)),
				Protection: peformat.MemRead | peformat.MemExecute,
			},
		},
	}
}

func TestLoadModuleMapsMetadataAndSections(t *testing.T) {
	factory := &pekernel.FakeFactory{}
	_, space, err := factory.CreateMemorySpace()
	qt.Assert(t, qt.IsNil(err))

	loadAddress := pekernel.DefaultBaseAddress
	module := testModule([]byte("hello, pe loader"), 16)

	mapping, err := LoadModule(module, space, &loadAddress)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(mapping.Base, pekernel.DefaultBaseAddress))
	qt.Assert(t, qt.HasLen(mapping.Sections, 1))
	qt.Assert(t, qt.DeepEquals(mapping.Sections[0].Local[:16], []byte("hello, pe loader")))
	qt.Assert(t, qt.Equals(mapping.FromRVA(0x1000+5)[0], byte(',')))
	qt.Assert(t, qt.IsTrue(loadAddress > pekernel.DefaultBaseAddress))
}

func TestLoadModuleZeroFillsBSSSection(t *testing.T) {
	factory := &pekernel.FakeFactory{}
	_, space, err := factory.CreateMemorySpace()
	qt.Assert(t, qt.IsNil(err))

	loadAddress := pekernel.DefaultBaseAddress
	module := testModule(nil, 0)
	module.Sections[0].FileData = nil
	module.Sections[0].FileLength = 0
	module.Sections[0].MappedLength = 32
	module.Sections[0].Zero = true

	mapping, err := LoadModule(module, space, &loadAddress)
	qt.Assert(t, qt.IsNil(err))
	for _, b := range mapping.Sections[0].Local {
		qt.Assert(t, qt.Equals(b, byte(0)))
	}
}

func TestLoadModuleRejectsOversizedMetadata(t *testing.T) {
	factory := &pekernel.FakeFactory{}
	_, space, err := factory.CreateMemorySpace()
	qt.Assert(t, qt.IsNil(err))

	loadAddress := pekernel.DefaultBaseAddress
	module := testModule([]byte("x"), 1000)

	_, err = LoadModule(module, space, &loadAddress)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestFromRVAReturnsNilOutsideSections(t *testing.T) {
	factory := &pekernel.FakeFactory{}
	_, space, err := factory.CreateMemorySpace()
	qt.Assert(t, qt.IsNil(err))

	loadAddress := pekernel.DefaultBaseAddress
	module := testModule([]byte("short"), 0)

	mapping, err := LoadModule(module, space, &loadAddress)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(mapping.FromRVA(0xffff)))
}
