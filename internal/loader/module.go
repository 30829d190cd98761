package loader

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/liveimage/kvalidate/internal/elfx"
	"github.com/liveimage/kvalidate/internal/oracle"
	"github.com/liveimage/kvalidate/internal/patch"
	"github.com/liveimage/kvalidate/internal/reloc"
)

// SectionAddrSource answers "where did the live kernel place this
// module's section" — backed by the guest's module.sect_attrs array,
// an external collaborator reached through the DWARF oracle (spec.md
// §4.4). memindex for a module's sections cannot be computed from the
// ELF alone, unlike the kernel's sh_addr.
type SectionAddrSource interface {
	ModuleSectionAddr(moduleName, sectionName string) (uint64, bool)
	// ModuleGPLSyms returns module.gpl_syms, the special-cased memindex
	// for __ksymtab_gpl.
	ModuleGPLSyms(moduleName string) (uint64, bool)
	// ModuleAddr returns the module's base allocation address, used for
	// the .bss special case (module_addr + sizeof(module)).
	ModuleAddr(moduleName string) (uint64, bool)
	// ModuleStructSize returns sizeof(struct module) for the running
	// kernel, read via DWARF.
	ModuleStructSize() uint64
	// ModulePercpuBase returns module.percpu for the named module.
	ModulePercpuBase(moduleName string) (uint64, bool)
}

// ModuleLoader loads one .ko object against a running kernel's section
// placement (spec.md §4.4).
type ModuleLoader struct {
	name string
	elf  *elfx.ElfFile
	text []byte
	textMemAddr uint64
	sectionAddrs map[string]uint64
	st   *patch.SideTables
	exports []elfx.RelSym
	deps []string
}

// LoadModule parses, relocates, and patches (passes A/B/C only — mcount
// and jump-labels are kernel-only per spec.md §4.4's ModuleLoader
// description) one module object.
func LoadModule(path, name string, addrs SectionAddrSource, o *oracle.SymbolOracle, cpu patch.FeatureSet, upMode bool, ops patch.ParavirtOps) (*ModuleLoader, error) {
	ef, err := elfx.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: module %s: %w", name, err)
	}

	ml := &ModuleLoader{name: name, elf: ef, sectionAddrs: map[string]uint64{}}

	for _, sec := range ef.Sections {
		addr, ok := resolveModuleSectionAddr(addrs, name, sec.Name)
		if ok {
			ml.sectionAddrs[sec.Name] = addr
			// buildKernelPatchPlan's side-table parsers read sec.MemIndex
			// to compute VAs, same as the kernel loader; modules only
			// learn their memindex from the live module.sect_attrs array,
			// so it is back-filled here instead of at ELF-open time.
			sec.MemIndex = addr
		}
	}

	text, ok := ef.FindSectionWithName(".text")
	if !ok {
		return nil, fmt.Errorf("loader: module %s: no .text section", name)
	}
	textMemAddr, ok := ml.sectionAddrs[".text"]
	if !ok {
		return nil, fmt.Errorf("loader: module %s: .text has no live memindex", name)
	}
	ml.textMemAddr = textMemAddr

	percpuBase, _ := addrs.ModulePercpuBase(name)
	engine := reloc.Engine{
		Resolve: func(symName string) (uint64, bool) { return o.Resolve(symName) },
		SectionAddr: func(shndx int) (uint64, bool) {
			if shndx < 0 || shndx >= len(ef.Sections) {
				return 0, false
			}
			addr, ok := ml.sectionAddrs[ef.Sections[shndx].Name]
			return addr, ok
		},
		PercpuIndex: percpuSectionIndex(ef),
		PercpuBase:  percpuBase,
	}

	textBytes := append([]byte(nil), text.Bytes()...)
	if rela, err := ef.RelaEntries(".rela.text"); err == nil {
		entries, err := buildRelocEntries(ef, rela)
		if err != nil {
			return nil, fmt.Errorf("loader: module %s: %w", name, err)
		}
		if err := engine.Apply(&reloc.Target{Bytes: textBytes, MemAddr: textMemAddr}, entries); err != nil {
			return nil, fmt.Errorf("loader: module %s: relocate .text: %w", name, err)
		}
	}

	plan, err := buildKernelPatchPlan(ef, textMemAddr, cpu, upMode, ops, nil)
	if err != nil {
		return nil, fmt.Errorf("loader: module %s: %w", name, err)
	}
	// Modules never carry mcount/jump-label sites of their own kernel
	// surgery kind in this design; the spec restricts module patching to
	// passes A/B/C.
	plan.McountSites = nil
	plan.JumpEntries = nil
	patched, st, err := patch.Run(textBytes, plan)
	if err != nil {
		return nil, fmt.Errorf("loader: module %s: patch: %w", name, err)
	}
	ml.text = patched
	ml.st = st

	ml.deps = parseModuleDepends(ef)

	for _, sym := range ef.Symbols() {
		if sym.Value == 0 || sym.Name == "" {
			continue
		}
		bind := elf.SymBind(sym.Info >> 4)
		stype := elf.SymType(sym.Info & 0xf)
		exportName := sym.Name
		if bind == elf.STB_LOCAL {
			exportName = sym.Name + "_" + name
		}
		if stype == elf.STT_FUNC {
			o.AddFunctionSymbol(exportName, name, sym.Value, sym.Size)
		} else if stype == elf.STT_OBJECT {
			o.AddObjectRange(exportName, name, sym.Value, sym.Size)
		} else {
			continue
		}
		ml.exports = append(ml.exports, elfx.RelSym{
			Name: exportName, Value: sym.Value, Info: stype, Bind: bind,
			Section: sym.Section, Size: sym.Size,
		})
	}

	return ml, nil
}

func resolveModuleSectionAddr(addrs SectionAddrSource, moduleName, sectionName string) (uint64, bool) {
	switch sectionName {
	case ".bss":
		base, ok := addrs.ModuleAddr(moduleName)
		if !ok {
			return 0, false
		}
		return base + addrs.ModuleStructSize(), true
	case "__ksymtab_gpl":
		return addrs.ModuleGPLSyms(moduleName)
	default:
		return addrs.ModuleSectionAddr(moduleName, sectionName)
	}
}

func percpuSectionIndex(ef *elfx.ElfFile) int {
	for _, sec := range ef.Sections {
		if sec.Name == ".data..percpu" || sec.Name == ".data.percpu" {
			return sec.Index
		}
	}
	return -1
}

// parseModuleDepends extracts module names from the .modinfo
// "depends=a,b,c" string (spec.md §4.4: "Loads module dependencies
// transitively by parsing .modinfo depends= strings").
func parseModuleDepends(ef *elfx.ElfFile) []string {
	sec, ok := ef.FindSectionWithName(".modinfo")
	if !ok {
		return nil
	}
	raw := sec.Bytes()
	var deps []string
	for _, field := range strings.Split(string(raw), "\x00") {
		if strings.HasPrefix(field, "depends=") {
			list := strings.TrimPrefix(field, "depends=")
			if list == "" {
				continue
			}
			deps = append(deps, strings.Split(list, ",")...)
		}
	}
	return deps
}

// Depends lists this module's declared dependencies.
func (m *ModuleLoader) Depends() []string { return m.deps }

func (m *ModuleLoader) Name() string { return m.name }
func (m *ModuleLoader) Kind() Kind   { return KindModule }

func (m *ModuleLoader) MemindexOfSection(name string) (uint64, bool) {
	addr, ok := m.sectionAddrs[name]
	return addr, ok
}

func (m *ModuleLoader) GetText() []byte                  { return m.text }
func (m *ModuleLoader) TextMemAddr() uint64               { return m.textMemAddr }
func (m *ModuleLoader) GetExportedSymbols() []elfx.RelSym { return m.exports }
func (m *ModuleLoader) SideTables() *patch.SideTables     { return m.st }

func (m *ModuleLoader) IsCodeAddress(addr uint64) bool {
	return addr >= m.textMemAddr && addr < m.textMemAddr+uint64(len(m.text))
}

func (m *ModuleLoader) IsDataAddress(addr uint64) bool {
	for name, base := range m.sectionAddrs {
		if name == ".text" {
			continue
		}
		sec, ok := m.elf.FindSectionWithName(name)
		if !ok {
			continue
		}
		if addr >= base && addr < base+sec.Size {
			return true
		}
	}
	return false
}
