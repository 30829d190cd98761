package loader

import (
	"debug/elf"
	"fmt"

	"github.com/liveimage/kvalidate/internal/elfx"
	"github.com/liveimage/kvalidate/internal/oracle"
	"github.com/liveimage/kvalidate/internal/patch"
	"github.com/liveimage/kvalidate/internal/reloc"
	"github.com/liveimage/kvalidate/internal/taskmgr"
)

// UserspaceLoader loads one user-space executable or shared library.
// memindex comes from the process's VMA list rather than the object's
// own sh_addr, since PIE objects carry vaddr 0 (spec.md §4.4).
type UserspaceLoader struct {
	name string
	elf  *elfx.ElfFile
	text []byte
	textMemAddr uint64
	st   *patch.SideTables
	exports []elfx.RelSym
	needed  []string
}

// LoadUserspace parses and relocates one ELF object against a live
// process's mapping. Userspace objects carry no kernel self-modifying
// surgery, so the patch engine is not invoked (spec.md §4.4 lists only
// dependency parsing and memindex-from-VMA for this variant).
func LoadUserspace(path, name string, vma taskmgr.VMA, o *oracle.SymbolOracle) (*UserspaceLoader, error) {
	ef, err := elfx.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: userspace %s: %w", name, err)
	}

	ul := &UserspaceLoader{name: name, elf: ef, textMemAddr: vma.Start}

	text, ok := ef.FindSectionWithName(".text")
	if !ok {
		return nil, fmt.Errorf("loader: userspace %s: no .text section", name)
	}

	// PIE objects have vaddr 0 for every section; the load bias is the
	// VMA's start minus the object's own .text vaddr.
	bias := vma.Start - text.Addr
	textMemAddr := text.Addr + bias
	ul.textMemAddr = textMemAddr

	textBytes := append([]byte(nil), text.Bytes()...)
	engine := reloc.Engine{
		Resolve: func(symName string) (uint64, bool) { return o.Resolve(symName) },
		SectionAddr: func(shndx int) (uint64, bool) {
			if shndx < 0 || shndx >= len(ef.Sections) {
				return 0, false
			}
			return ef.Sections[shndx].Addr + bias, true
		},
		PercpuIndex: -1,
	}
	if rela, err := ef.RelaEntries(".rela.text"); err == nil {
		entries, err := buildRelocEntries(ef, rela)
		if err != nil {
			return nil, fmt.Errorf("loader: userspace %s: %w", name, err)
		}
		if err := engine.Apply(&reloc.Target{Bytes: textBytes, MemAddr: textMemAddr}, entries); err != nil {
			return nil, fmt.Errorf("loader: userspace %s: relocate .text: %w", name, err)
		}
	}
	ul.text = textBytes
	ul.st = patch.NewSideTables()

	needed, err := ef.NeededLibraries()
	if err == nil {
		ul.needed = needed
	}

	for _, sym := range ef.DynamicSymbols() {
		if sym.Value == 0 || sym.Name == "" {
			continue
		}
		addr := sym.Value + bias
		stype := elf.SymType(sym.Info & 0xf)
		switch stype {
		case elf.STT_FUNC:
			o.AddFunctionSymbol(sym.Name, name, addr, sym.Size)
		case elf.STT_OBJECT:
			o.AddObjectRange(sym.Name, name, addr, sym.Size)
		default:
			continue
		}
		ul.exports = append(ul.exports, elfx.RelSym{
			Name: sym.Name, Value: addr, Info: stype, Bind: elf.SymBind(sym.Info >> 4),
			Section: sym.Section, Size: sym.Size,
		})
	}

	return ul, nil
}

// NeededLibraries lists this object's DT_NEEDED entries.
func (u *UserspaceLoader) NeededLibraries() []string { return u.needed }

func (u *UserspaceLoader) Name() string { return u.name }
func (u *UserspaceLoader) Kind() Kind   { return KindUserspace }

func (u *UserspaceLoader) MemindexOfSection(name string) (uint64, bool) {
	sec, ok := u.elf.FindSectionWithName(name)
	if !ok {
		return 0, false
	}
	return sec.MemIndex, true
}

func (u *UserspaceLoader) GetText() []byte                  { return u.text }
func (u *UserspaceLoader) TextMemAddr() uint64               { return u.textMemAddr }
func (u *UserspaceLoader) GetExportedSymbols() []elfx.RelSym { return u.exports }
func (u *UserspaceLoader) SideTables() *patch.SideTables     { return u.st }

func (u *UserspaceLoader) IsCodeAddress(addr uint64) bool {
	return addr >= u.textMemAddr && addr < u.textMemAddr+uint64(len(u.text))
}

func (u *UserspaceLoader) IsDataAddress(addr uint64) bool {
	return false
}
