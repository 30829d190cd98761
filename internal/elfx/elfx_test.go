package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMinimalELF64 hand-assembles a minimal, valid ET_REL x86-64 ELF64
// object: a .text section, a symbol table with one global function
// symbol, and the string tables both require. There is no program
// header table (ET_REL objects, like kernel modules, are never
// PT_LOAD-mapped directly).
func buildMinimalELF64(t *testing.T) string {
	t.Helper()

	text := []byte{0x90, 0x90, 0x90, 0x90, 0xc3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0} // nop*4; ret; pad

	shstrtab := []byte{0x00}
	shstrtab = append(shstrtab, ".text\x00"...)
	nameText := 1
	nameShstrtab := len(shstrtab)
	shstrtab = append(shstrtab, ".shstrtab\x00"...)
	nameSymtab := len(shstrtab)
	shstrtab = append(shstrtab, ".symtab\x00"...)
	nameStrtab := len(shstrtab)
	shstrtab = append(shstrtab, ".strtab\x00"...)

	strtab := []byte{0x00}
	nameMySymbol := len(strtab)
	strtab = append(strtab, "my_symbol\x00"...)

	const ehdrSize = 64
	const shdrSize = 64
	const symSize = 24

	offText := uint64(ehdrSize)
	offShstrtab := offText + uint64(len(text))
	offSymtab := offShstrtab + uint64(len(shstrtab))
	offStrtab := offSymtab + uint64(2*symSize)
	offShdrs := offStrtab + uint64(len(strtab))

	buf := &bytes.Buffer{}

	// e_ident
	ident := make([]byte, 16)
	copy(ident, []byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1, 0})
	buf.Write(ident)

	write := func(v interface{}) { require.NoError(t, binary.Write(buf, binary.LittleEndian, v)) }

	write(uint16(elf.ET_REL))
	write(uint16(elf.EM_X86_64))
	write(uint32(elf.EV_CURRENT))
	write(uint64(0))        // e_entry
	write(uint64(0))        // e_phoff
	write(offShdrs)         // e_shoff
	write(uint32(0))        // e_flags
	write(uint16(ehdrSize)) // e_ehsize
	write(uint16(0))        // e_phentsize
	write(uint16(0))        // e_phnum
	write(uint16(shdrSize)) // e_shentsize
	write(uint16(5))        // e_shnum
	write(uint16(2))        // e_shstrndx

	buf.Write(text)
	buf.Write(shstrtab)

	// .symtab: null symbol + one global STT_FUNC symbol
	write(uint32(0))
	write(uint8(0))
	write(uint8(0))
	write(uint16(0))
	write(uint64(0))
	write(uint64(0))

	write(uint32(nameMySymbol))
	write(uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC))
	write(uint8(0))
	write(uint16(1)) // st_shndx = .text section index
	write(uint64(0x1234))
	write(uint64(0x10))

	buf.Write(strtab)

	type shdr struct {
		Name, Type   uint32
		Flags, Addr  uint64
		Offset, Size uint64
		Link, Info   uint32
		Align, Entsz uint64
	}
	writeShdr := func(s shdr) {
		write(s.Name)
		write(s.Type)
		write(s.Flags)
		write(s.Addr)
		write(s.Offset)
		write(s.Size)
		write(s.Link)
		write(s.Info)
		write(s.Align)
		write(s.Entsz)
	}

	writeShdr(shdr{}) // SHT_NULL
	writeShdr(shdr{
		Name: uint32(nameText), Type: uint32(elf.SHT_PROGBITS),
		Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		Offset: offText, Size: uint64(len(text)), Align: 16,
	})
	writeShdr(shdr{
		Name: uint32(nameShstrtab), Type: uint32(elf.SHT_STRTAB),
		Offset: offShstrtab, Size: uint64(len(shstrtab)), Align: 1,
	})
	writeShdr(shdr{
		Name: uint32(nameSymtab), Type: uint32(elf.SHT_SYMTAB),
		Offset: offSymtab, Size: uint64(2 * symSize),
		Link: 4, Info: 1, Align: 8, Entsz: symSize,
	})
	writeShdr(shdr{
		Name: uint32(nameStrtab), Type: uint32(elf.SHT_STRTAB),
		Offset: offStrtab, Size: uint64(len(strtab)), Align: 1,
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "mini.o")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestOpenParsesMinimalELF(t *testing.T) {
	ef, err := Open(buildMinimalELF64(t))
	require.NoError(t, err)
	defer ef.Close()

	assert.Equal(t, elf.EM_X86_64, ef.Machine())
	assert.True(t, ef.IsRelocatable())
	assert.False(t, ef.IsExecutable())

	text, ok := ef.FindSectionWithName(".text")
	require.True(t, ok)
	assert.Equal(t, uint64(16), text.Size)
	assert.Len(t, text.Bytes(), 16)
	assert.Equal(t, byte(0xc3), text.Bytes()[4])
}

func TestOpenRefusesELFCLASS32(t *testing.T) {
	path := buildMinimalELF64(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[4] = 1 // ELFCLASS32
	badPath := path + ".bad"
	require.NoError(t, os.WriteFile(badPath, data, 0o644))

	_, err = Open(badPath)
	assert.Error(t, err)
}

func TestSymbolsAndFindAddressOfVariable(t *testing.T) {
	ef, err := Open(buildMinimalELF64(t))
	require.NoError(t, err)
	defer ef.Close()

	addr, ok := ef.FindAddressOfVariable("my_symbol")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1234), addr)

	syms := ef.Symbols()
	require.Len(t, syms, 1)
	assert.Equal(t, "my_symbol", syms[0].Name)
}

func TestFindSectionByOffsetAndByID(t *testing.T) {
	ef, err := Open(buildMinimalELF64(t))
	require.NoError(t, err)
	defer ef.Close()

	sec, ok := ef.FindSectionByOffset(64)
	require.True(t, ok)
	assert.Equal(t, ".text", sec.Name)

	sec, ok = ef.FindSectionByID(1)
	require.True(t, ok)
	assert.Equal(t, ".text", sec.Name)
}
