package reloc

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyR_X86_64_64(t *testing.T) {
	buf := make([]byte, 8)
	e := Engine{Resolve: func(string) (uint64, bool) { return 0x1000, true }}
	err := e.Apply(&Target{Bytes: buf, MemAddr: 0xffff0000}, []Entry{
		{Offset: 0, Addend: 4, Type: elf.R_X86_64_64, Sym: elf.Symbol{Section: elf.SHN_UNDEF, Name: "foo"}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1004), binary.LittleEndian.Uint64(buf))
}

func TestApplyR_X86_64_32Overflow(t *testing.T) {
	buf := make([]byte, 4)
	e := Engine{}
	err := e.Apply(&Target{Bytes: buf, MemAddr: 0}, []Entry{
		{Offset: 0, Addend: 0, Type: elf.R_X86_64_32, Sym: elf.Symbol{Section: elf.SHN_ABS, Value: 0x100000000}},
	})
	assert.Error(t, err)
}

func TestApplyR_X86_64_32SRange(t *testing.T) {
	buf := make([]byte, 4)
	e := Engine{}
	err := e.Apply(&Target{Bytes: buf, MemAddr: 0}, []Entry{
		{Offset: 0, Addend: -10, Type: elf.R_X86_64_32S, Sym: elf.Symbol{Section: elf.SHN_ABS, Value: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(-5), int32(binary.LittleEndian.Uint32(buf)))
}

func TestApplyR_X86_64_PC32(t *testing.T) {
	buf := make([]byte, 4)
	e := Engine{}
	// sym at 0x2000, addend 0, target at memAddr 0x1000 + offset 0 -> base 0x1000
	err := e.Apply(&Target{Bytes: buf, MemAddr: 0x1000}, []Entry{
		{Offset: 0, Addend: 0, Type: elf.R_X86_64_PC32, Sym: elf.Symbol{Section: elf.SHN_ABS, Value: 0x2000}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0x1000), int32(binary.LittleEndian.Uint32(buf)))
}

func TestApplyR_X86_64_PC32AtNonzeroOffset(t *testing.T) {
	buf := make([]byte, 0x14)
	e := Engine{}
	// sym at 0x5020, target at memAddr 0x5000 + offset 0x10 -> base 0x5010
	err := e.Apply(&Target{Bytes: buf, MemAddr: 0x5000}, []Entry{
		{Offset: 0x10, Addend: 0, Type: elf.R_X86_64_PC32, Sym: elf.Symbol{Section: elf.SHN_ABS, Value: 0x5020}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0x10), int32(binary.LittleEndian.Uint32(buf[0x10:])))
}

func TestResolveSymbolValueSectionRelative(t *testing.T) {
	e := Engine{
		SectionAddr: func(shndx int) (uint64, bool) {
			if shndx == 3 {
				return 0xffff000000, true
			}
			return 0, false
		},
		PercpuIndex: -1,
	}
	v, err := e.resolveSymbolValue(elf.Symbol{Section: elf.SectionIndex(3), Value: 0x40})
	require.NoError(t, err)
	assert.Equal(t, uint64(0xffff000040), v)
}

func TestResolveSymbolValuePercpuSubstitution(t *testing.T) {
	e := Engine{PercpuIndex: 7, PercpuBase: 0xaaaa0000}
	v, err := e.resolveSymbolValue(elf.Symbol{Section: elf.SectionIndex(7), Value: 0x8})
	require.NoError(t, err)
	assert.Equal(t, uint64(0xaaaa0008), v)
}

func TestResolveSymbolValueSHNCommonFatal(t *testing.T) {
	e := Engine{}
	_, err := e.resolveSymbolValue(elf.Symbol{Section: elf.SHN_COMMON})
	assert.Error(t, err)
}

func TestResolveSymbolValueUnresolvedUndefFatal(t *testing.T) {
	e := Engine{Resolve: func(string) (uint64, bool) { return 0, false }}
	_, err := e.resolveSymbolValue(elf.Symbol{Section: elf.SHN_UNDEF, Name: "missing"})
	assert.Error(t, err)
}

func TestUnsupportedRelocationType(t *testing.T) {
	buf := make([]byte, 8)
	e := Engine{}
	err := e.Apply(&Target{Bytes: buf, MemAddr: 0}, []Entry{
		{Offset: 0, Type: elf.R_X86_64_COPY, Sym: elf.Symbol{Section: elf.SHN_ABS}},
	})
	assert.Error(t, err)
}

func TestNoneRelocationIsNoop(t *testing.T) {
	buf := []byte{0xff, 0xff, 0xff, 0xff}
	e := Engine{}
	err := e.Apply(&Target{Bytes: buf, MemAddr: 0}, []Entry{
		{Offset: 0, Type: elf.R_X86_64_NONE},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, buf)
}
