// Package elfx parses ELF64 objects for the loader pipeline: kernel
// image, loadable modules, and userspace executables/libraries.
//
// Grounded on zboralski-galago/internal/emulator/elf.go (ELF parsing via
// debug/elf, segment/section extraction, symbol-table indexing) and on
// the pattyshack-bad elf-file.go example's explicit ELFCLASS64 gate.
// Unlike the teacher, which loads everything eagerly into a []byte read
// via os.ReadFile, ElfFile here memory-maps the file with
// github.com/edsrzf/mmap-go (the same library the saferwall/pe example
// uses to map PE files read-only) per spec.md §3's lifecycle note that
// "ELF files are memory-mapped at startup and live until program exit".
package elfx

import (
	"debug/elf"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// SectionInfo is spec.md §3's SectionInfo: name, section-header index,
// file offset, a byte view into the mapped file, the target memory
// address filled in during loading, and size.
type SectionInfo struct {
	Name      string
	Index     int
	Offset    uint64
	Size      uint64
	Flags     elf.SectionFlag
	Type      elf.SectionType
	raw       []byte // slice into the mapped file; valid only while ElfFile is open
	Addr      uint64 // sh_addr as recorded in the ELF itself (0 for .ko relocatables)
	MemIndex  uint64 // target virtual address after loading; 0 until loading completes
}

// ContainsFileAddress reports whether off falls inside this section's
// file range.
func (s *SectionInfo) ContainsFileAddress(off uint64) bool {
	return off >= s.Offset && off < s.Offset+s.Size
}

// ContainsMemoryAddress reports whether vaddr falls inside this
// section's loaded memory range. Invalid (returns false) until
// MemIndex has been assigned by a loader.
func (s *SectionInfo) ContainsMemoryAddress(vaddr uint64) bool {
	if s.MemIndex == 0 {
		return false
	}
	return vaddr >= s.MemIndex && vaddr < s.MemIndex+s.Size
}

// Bytes returns the section's raw file-backed bytes. Callers must not
// retain the slice beyond the ElfFile's lifetime (spec.md §4.1's
// invariant), and must only mutate it through the loading passes that
// own it (PatchEngine, RelocationEngine).
func (s *SectionInfo) Bytes() []byte { return s.raw }

// SegmentInfo is spec.md §3's SegmentInfo: the program-header fields.
type SegmentInfo struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// RelSym is spec.md §3's relocation symbol: a name, resolved value, the
// symbol-type/binding byte, and the defining section index — exported
// from a loader for dependents to consume.
type RelSym struct {
	Name    string
	Value   uint64
	Info    elf.SymType
	Bind    elf.SymBind
	Section elf.SectionIndex
	Size    uint64
}

// ElfFile wraps a memory-mapped ELF64 object and the section/segment/
// symbol indices the loader pipeline needs. It never copies section
// bytes out of the mapping.
type ElfFile struct {
	Path string

	file   *os.File
	region mmap.MMap
	inner  *elf.File

	Sections []*SectionInfo
	Segments []*SegmentInfo

	byName   map[string]*SectionInfo
	byOffset []*SectionInfo // sorted by Offset, for findSectionByOffset

	symtab   []elf.Symbol
	dynsym   []elf.Symbol
}

// Open memory-maps path and parses it as an ELF64 object. ELFCLASS32 is
// refused per spec.md §4.1 and §9's Open Question #1 (32-bit is out of
// scope, fail closed).
func Open(path string) (*ElfFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	region, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	if len(region) < 5 || region[4] != byte(elf.ELFCLASS64) {
		region.Unmap()
		f.Close()
		return nil, fmt.Errorf("%s: unsupported ELF class (only ELFCLASS64 is supported)", path)
	}

	inner, err := elf.NewFile(&mmapReader{data: region})
	if err != nil {
		region.Unmap()
		f.Close()
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	ef := &ElfFile{
		Path:   path,
		file:   f,
		region: region,
		inner:  inner,
		byName: make(map[string]*SectionInfo),
	}

	if err := ef.index(); err != nil {
		ef.Close()
		return nil, err
	}
	return ef, nil
}

// Close unmaps the file. Safe to call multiple times.
func (ef *ElfFile) Close() error {
	var err error
	if ef.region != nil {
		err = ef.region.Unmap()
		ef.region = nil
	}
	if ef.file != nil {
		ef.file.Close()
		ef.file = nil
	}
	return err
}

func (ef *ElfFile) index() error {
	for i, s := range ef.inner.Sections {
		data, _ := sectionRaw(ef.region, s)
		info := &SectionInfo{
			Name:   s.Name,
			Index:  i,
			Offset: s.Offset,
			Size:   s.Size,
			Flags:  s.Flags,
			Type:   s.Type,
			raw:    data,
			Addr:   s.Addr,
		}
		ef.Sections = append(ef.Sections, info)
		ef.byName[s.Name] = info
	}
	ef.byOffset = append(ef.byOffset, ef.Sections...)
	sortByOffset(ef.byOffset)

	for _, p := range ef.inner.Progs {
		ef.Segments = append(ef.Segments, &SegmentInfo{
			Type: p.Type, Flags: p.Flags, Offset: p.Off,
			VAddr: p.Vaddr, PAddr: p.Paddr,
			FileSz: p.Filesz, MemSz: p.Memsz, Align: p.Align,
		})
	}

	if syms, err := ef.inner.Symbols(); err == nil {
		ef.symtab = syms
	}
	if syms, err := ef.inner.DynamicSymbols(); err == nil {
		ef.dynsym = syms
	}
	return nil
}

func sectionRaw(region []byte, s *elf.Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS || s.Size == 0 {
		return nil, nil
	}
	end := s.Offset + s.Size
	if end > uint64(len(region)) || s.Offset > end {
		return nil, fmt.Errorf("section %s out of file bounds", s.Name)
	}
	return region[s.Offset:end], nil
}

func sortByOffset(s []*SectionInfo) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Offset > s[j].Offset; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// FindSectionWithName returns the section named name, if present.
func (ef *ElfFile) FindSectionWithName(name string) (*SectionInfo, bool) {
	s, ok := ef.byName[name]
	return s, ok
}

// FindSectionByID returns the section at section-header index id.
func (ef *ElfFile) FindSectionByID(id int) (*SectionInfo, bool) {
	if id < 0 || id >= len(ef.Sections) {
		return nil, false
	}
	return ef.Sections[id], true
}

// FindSectionByOffset returns the section containing file offset off.
func (ef *ElfFile) FindSectionByOffset(off uint64) (*SectionInfo, bool) {
	for _, s := range ef.byOffset {
		if s.ContainsFileAddress(off) {
			return s, true
		}
	}
	return nil, false
}

// SymbolName returns the name of the stIndex'th entry of the static
// symbol table, or of the dynamic symbol table when dynamic is true.
// Both tables omit ELF's null symbol 0.
func (ef *ElfFile) SymbolName(stIndex int, dynamic bool) (string, bool) {
	table := ef.symtab
	if dynamic {
		table = ef.dynsym
	}
	if stIndex < 0 || stIndex >= len(table) {
		return "", false
	}
	return table[stIndex].Name, true
}

// Symbols returns the static symbol table.
func (ef *ElfFile) Symbols() []elf.Symbol { return ef.symtab }

// DynamicSymbols returns the dynamic symbol table.
func (ef *ElfFile) DynamicSymbols() []elf.Symbol { return ef.dynsym }

// FindAddressOfVariable looks up name in the ELF's own symbol table,
// preferring .symtab over .dynsym.
func (ef *ElfFile) FindAddressOfVariable(name string) (uint64, bool) {
	for _, s := range ef.symtab {
		if s.Name == name {
			return s.Value, true
		}
	}
	for _, s := range ef.dynsym {
		if s.Name == name {
			return s.Value, true
		}
	}
	return 0, false
}

// RelaEntries iterates the entries of a .rela section by name.
func (ef *ElfFile) RelaEntries(sectionName string) ([]elf.Rela64, error) {
	sec := ef.inner.Section(sectionName)
	if sec == nil {
		return nil, fmt.Errorf("no such section %s", sectionName)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	const entSize = 24
	var out []elf.Rela64
	for off := 0; off+entSize <= len(data); off += entSize {
		var r elf.Rela64
		r.Off = ef.inner.ByteOrder.Uint64(data[off:])
		r.Info = ef.inner.ByteOrder.Uint64(data[off+8:])
		r.Addend = int64(ef.inner.ByteOrder.Uint64(data[off+16:]))
		out = append(out, r)
	}
	return out, nil
}

// RelaSections returns the names of every .rela* section in the file.
func (ef *ElfFile) RelaSections() []string {
	var out []string
	for _, s := range ef.Sections {
		if s.Type == elf.SHT_RELA {
			out = append(out, s.Name)
		}
	}
	return out
}

// NeededLibraries returns the DT_NEEDED entries of a dynamic object.
func (ef *ElfFile) NeededLibraries() ([]string, error) {
	return ef.inner.DynString(elf.DT_NEEDED)
}

// ExportedSymbols returns every globally visible (non-local) symbol as a
// RelSym, for loaders to hand to dependents.
func (ef *ElfFile) ExportedSymbols() []RelSym {
	var out []RelSym
	for _, s := range ef.symtab {
		if s.Name == "" {
			continue
		}
		bind := elf.SymBind(s.Info >> 4)
		if bind == elf.STB_LOCAL {
			continue
		}
		out = append(out, RelSym{
			Name: s.Name, Value: s.Value,
			Info: elf.SymType(s.Info & 0xf), Bind: bind,
			Section: s.Section, Size: s.Size,
		})
	}
	return out
}

// Type returns the ELF object's e_type.
func (ef *ElfFile) Type() elf.Type { return ef.inner.Type }

// Machine returns the ELF object's e_machine.
func (ef *ElfFile) Machine() elf.Machine { return ef.inner.Machine }

// Entry returns the ELF object's entry point.
func (ef *ElfFile) Entry() uint64 { return ef.inner.Entry }

// IsRelocatable reports e_type == ET_REL.
func (ef *ElfFile) IsRelocatable() bool { return ef.inner.Type == elf.ET_REL }

// IsDynamic reports whether the object carries a PT_DYNAMIC segment.
func (ef *ElfFile) IsDynamic() bool {
	for _, p := range ef.inner.Progs {
		if p.Type == elf.PT_DYNAMIC {
			return true
		}
	}
	return false
}

// IsDynamicLibrary reports e_type == ET_DYN with no interpreter (a
// shared object rather than a PIE executable).
func (ef *ElfFile) IsDynamicLibrary() bool {
	if ef.inner.Type != elf.ET_DYN {
		return false
	}
	_, hasInterp := ef.FindSectionWithName(".interp")
	return !hasInterp
}

// IsExecutable reports e_type == ET_EXEC, or ET_DYN with an interpreter
// (a PIE executable).
func (ef *ElfFile) IsExecutable() bool {
	if ef.inner.Type == elf.ET_EXEC {
		return true
	}
	if ef.inner.Type == elf.ET_DYN {
		_, hasInterp := ef.FindSectionWithName(".interp")
		return hasInterp
	}
	return false
}

// mmapReader adapts a mapped byte slice to io.ReaderAt, which
// debug/elf.NewFile requires.
type mmapReader struct{ data []byte }

func (r *mmapReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, fmt.Errorf("elfx: read past end of mapping")
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("elfx: short read")
	}
	return n, nil
}
