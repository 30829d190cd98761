// Package reloc implements the x86-64 RelocationEngine from spec.md
// §4.2: it walks a .rela section's entries and patches the target
// section's bytes in place against resolved symbol values.
//
// Grounded on zboralski-galago/internal/emulator/elf.go's applyRelocations
// (ARM64 GOT-entry fixups walking .rela.dyn/.rela.plt by hand with
// encoding/binary) — the x86-64 relocation type switch and symbol
// resolution tiers below follow the same walk-entries-patch-in-place
// shape, generalized to the ABI formulas spec.md §4.2 and §8 invariant 2
// require.
package reloc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// SymbolResolver resolves an undefined (SHN_UNDEF) symbol name to a
// virtual address, implementing spec.md §4.2's tiered lookup: oracle's
// System.map, then module symbols, then function symbols, then DWARF
// Function/Variable — in that order, first hit wins. The reloc package
// is deliberately ignorant of where the tiers live; its callers supply
// them: cmd/kvalidate passes tieredResolver (oracle, then DWARF) when
// loading vmlinux, and the module and userspace loaders pass the
// oracle's Resolve alone.
type SymbolResolver func(name string) (uint64, bool)

// SectionAddr resolves a section index to its loaded virtual memory
// address (SectionInfo.MemIndex once loading has assigned it).
type SectionAddr func(shndx int) (addr uint64, ok bool)

// Engine applies x86-64 relocations to section bytes in place.
type Engine struct {
	Resolve      SymbolResolver
	SectionAddr  SectionAddr
	PercpuIndex  int    // section index of this object's percpu section, or -1
	PercpuBase   uint64 // module's allocated percpu base (module.percpu)
}

// Target describes the section being patched: its bytes (mutated in
// place, per spec.md §4.2) and the virtual address target[0] will be
// loaded at.
type Target struct {
	Bytes   []byte
	MemAddr uint64
}

// Entry is one parsed .rela entry plus the symbol it names.
type Entry struct {
	Offset uint64 // r_offset: byte offset into the target section
	Addend int64
	Type   elf.R_X86_64
	Sym    elf.Symbol
}

// Apply walks entries and patches target.Bytes in place.
//
// .altinstr_replacement is never relocated through this engine: its
// raw bytes are read straight from the ELF (sections_parse.go) and
// copied into text verbatim by ApplyAlternatives, which reconstructs
// the call-5 displacement itself from replacementMemAddr/
// replacementElfAddr (alternatives.go). So every caller (kernel.go,
// module.go, userspace.go) only ever relocates .rela.text, and
// R_X86_64_PC32 here always uses the loaded memory address, per the
// normal PC-relative formula.
func (e *Engine) Apply(target *Target, entries []Entry) error {
	for _, ent := range entries {
		if err := e.applyOne(target, ent); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyOne(target *Target, ent Entry) error {
	if ent.Type == elf.R_X86_64_NONE {
		return nil
	}

	width := 4 // R_X86_64_32, R_X86_64_32S, R_X86_64_PC32 all write 4 bytes
	if ent.Type == elf.R_X86_64_64 {
		width = 8
	}
	if int(ent.Offset) < 0 || int(ent.Offset)+width > len(target.Bytes) {
		return fmt.Errorf("reloc: offset 0x%x out of bounds (section size %d)", ent.Offset, len(target.Bytes))
	}

	symVal, err := e.resolveSymbolValue(ent.Sym)
	if err != nil {
		return err
	}

	targetMemAddr := target.MemAddr + ent.Offset

	switch ent.Type {
	case elf.R_X86_64_64:
		val := uint64(int64(symVal) + ent.Addend)
		binary.LittleEndian.PutUint64(target.Bytes[ent.Offset:], val)

	case elf.R_X86_64_32:
		val := int64(symVal) + ent.Addend
		if val < 0 || val > 0xFFFFFFFF {
			return fmt.Errorf("reloc: R_X86_64_32 overflow: sym=0x%x addend=%d result=0x%x", symVal, ent.Addend, val)
		}
		binary.LittleEndian.PutUint32(target.Bytes[ent.Offset:], uint32(val))

	case elf.R_X86_64_32S:
		val := int64(symVal) + ent.Addend
		if val < -0x80000000 || val > 0x7FFFFFFF {
			return fmt.Errorf("reloc: R_X86_64_32S overflow: sym=0x%x addend=%d result=0x%x", symVal, ent.Addend, val)
		}
		binary.LittleEndian.PutUint32(target.Bytes[ent.Offset:], uint32(int32(val)))

	case elf.R_X86_64_PC32:
		val := int64(symVal) + ent.Addend - int64(targetMemAddr)
		binary.LittleEndian.PutUint32(target.Bytes[ent.Offset:], uint32(int32(val)))

	default:
		return fmt.Errorf("reloc: unsupported relocation type %v", ent.Type)
	}
	return nil
}

// resolveSymbolValue implements spec.md §4.2's st_shndx dispatch.
func (e *Engine) resolveSymbolValue(sym elf.Symbol) (uint64, error) {
	switch sym.Section {
	case elf.SHN_COMMON:
		return 0, fmt.Errorf("reloc: SHN_COMMON symbol %q is unsupported (kernel modules are never linked as common)", sym.Name)

	case elf.SHN_ABS:
		return sym.Value, nil

	case elf.SHN_UNDEF:
		if e.Resolve == nil {
			return 0, fmt.Errorf("reloc: unresolved undefined symbol %q", sym.Name)
		}
		if v, ok := e.Resolve(sym.Name); ok {
			return v, nil
		}
		return 0, fmt.Errorf("reloc: unresolved undefined symbol %q", sym.Name)

	default:
		shndx := int(sym.Section)
		if shndx == e.PercpuIndex && e.PercpuIndex >= 0 {
			return e.PercpuBase + sym.Value, nil
		}
		if e.SectionAddr == nil {
			return 0, fmt.Errorf("reloc: no section address resolver configured")
		}
		base, ok := e.SectionAddr(shndx)
		if !ok {
			return 0, fmt.Errorf("reloc: section index %d has no loaded address", shndx)
		}
		if sym.Value >= base {
			// Already an absolute address (observed on some object forms).
			return sym.Value, nil
		}
		return base + sym.Value, nil
	}
}
