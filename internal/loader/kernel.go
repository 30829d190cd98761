package loader

import (
	"debug/elf"
	"fmt"

	"github.com/liveimage/kvalidate/internal/elfx"
	"github.com/liveimage/kvalidate/internal/oracle"
	"github.com/liveimage/kvalidate/internal/patch"
	"github.com/liveimage/kvalidate/internal/reloc"
)

// KernelLoader loads vmlinux. memindex is sh_addr directly; every
// allocatable section keeps the address the kernel build already
// assigned it (spec.md §4.4).
type KernelLoader struct {
	elf  *elfx.ElfFile
	text []byte
	textMemAddr uint64
	rodata      []byte
	rodataMemAddr uint64
	st   *patch.SideTables
	exports []elfx.RelSym
}

// aliasing so this file doesn't need to repeat the import path
type elfxRelSym = elfx.RelSym

// LoadKernel parses, relocates, and patches vmlinux, registering every
// exported global in oracle (spec.md §5 ordering rule 1: the kernel
// loader must finish before any module loader starts symbol
// resolution).
func LoadKernel(path string, o *oracle.SymbolOracle, engine reloc.Engine, cpu patch.FeatureSet, upMode bool, ops patch.ParavirtOps, keys patch.KeyReader) (*KernelLoader, error) {
	ef, err := elfx.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: kernel: %w", err)
	}

	// memindex = sh_addr directly for the kernel (spec.md §4.4); every
	// allocatable section must carry a nonzero memindex once loading
	// completes (spec.md §3 invariant).
	for _, sec := range ef.Sections {
		if sec.Flags&elf.SHF_ALLOC != 0 {
			sec.MemIndex = sec.Addr
		}
	}

	text, ok := ef.FindSectionWithName(".text")
	if !ok {
		return nil, fmt.Errorf("loader: kernel: no .text section")
	}

	kl := &KernelLoader{elf: ef, textMemAddr: text.Addr}

	textBytes := append([]byte(nil), text.Bytes()...)

	if rela, err := ef.RelaEntries(".rela.text"); err == nil {
		entries, err := buildRelocEntries(ef, rela)
		if err != nil {
			return nil, fmt.Errorf("loader: kernel: %w", err)
		}
		if err := engine.Apply(&reloc.Target{Bytes: textBytes, MemAddr: text.Addr}, entries); err != nil {
			return nil, fmt.Errorf("loader: kernel: relocate .text: %w", err)
		}
	}

	plan, err := buildKernelPatchPlan(ef, text.Addr, cpu, upMode, ops, keys)
	if err != nil {
		return nil, fmt.Errorf("loader: kernel: %w", err)
	}
	patched, st, err := patch.Run(textBytes, plan)
	if err != nil {
		return nil, fmt.Errorf("loader: kernel: patch: %w", err)
	}
	kl.text = appendNotesAndExTable(ef, patched, text.Addr)
	kl.st = st

	if ro, ok := ef.FindSectionWithName(".rodata"); ok {
		kl.rodata = append([]byte(nil), ro.Bytes()...)
		kl.rodataMemAddr = ro.Addr
	}

	for _, sym := range ef.Symbols() {
		if sym.Value == 0 || sym.Name == "" {
			continue
		}
		stype := elf.SymType(sym.Info & 0xf)
		switch stype {
		case elf.STT_FUNC:
			o.AddFunctionSymbol(sym.Name, "", sym.Value, sym.Size)
		case elf.STT_OBJECT:
			o.AddObjectRange(sym.Name, "", sym.Value, sym.Size)
		default:
			continue
		}
		kl.exports = append(kl.exports, elfxRelSym{
			Name: sym.Name, Value: sym.Value,
			Info: elf.SymType(sym.Info & 0xf), Bind: elf.SymBind(sym.Info >> 4),
			Section: sym.Section, Size: sym.Size,
		})
	}
	if exT, ok := ef.FindSectionWithName("__ex_table"); ok {
		o.SetExceptionTable("kernel", exT.MemIndex, exT.MemIndex+exT.Size)
	}

	return kl, nil
}

// appendNotesAndExTable concatenates .notes and __ex_table into the
// text image at their original byte-relative offsets from .text,
// zero-padding any gap — the kernel loader's extra surgery, since the
// hypervisor view fetches these as executable pages too (spec.md
// §4.4).
func appendNotesAndExTable(ef *elfx.ElfFile, text []byte, textMemAddr uint64) []byte {
	out := text
	for _, name := range []string{".notes", "__ex_table"} {
		sec, ok := ef.FindSectionWithName(name)
		if !ok {
			continue
		}
		relOff := sec.MemIndex - textMemAddr
		end := relOff + sec.Size
		if end > uint64(len(out)) {
			grown := make([]byte, end)
			copy(grown, out)
			out = grown
		}
		copy(out[relOff:end], sec.Bytes())
	}
	return out
}

func (k *KernelLoader) Name() string { return "kernel" }
func (k *KernelLoader) Kind() Kind   { return KindKernel }

func (k *KernelLoader) MemindexOfSection(name string) (uint64, bool) {
	sec, ok := k.elf.FindSectionWithName(name)
	if !ok {
		return 0, false
	}
	return sec.MemIndex, true
}

func (k *KernelLoader) GetText() []byte             { return k.text }
func (k *KernelLoader) TextMemAddr() uint64          { return k.textMemAddr }
func (k *KernelLoader) GetExportedSymbols() []elfx.RelSym { return k.exports }
func (k *KernelLoader) SideTables() *patch.SideTables { return k.st }

func (k *KernelLoader) IsCodeAddress(addr uint64) bool {
	return addr >= k.textMemAddr && addr < k.textMemAddr+uint64(len(k.text))
}

func (k *KernelLoader) IsDataAddress(addr uint64) bool {
	return addr >= k.rodataMemAddr && addr < k.rodataMemAddr+uint64(len(k.rodata))
}

// RoDataImage exposes the read-only data image for the data-page
// validator (spec.md §4.6.2).
func (k *KernelLoader) RoDataImage() ([]byte, uint64) { return k.rodata, k.rodataMemAddr }
