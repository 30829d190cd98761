package main

import (
	"context"
	"encoding/binary"

	"github.com/liveimage/kvalidate/internal/dwarfx"
	"github.com/liveimage/kvalidate/internal/hv"
	"github.com/liveimage/kvalidate/internal/loader"
	"github.com/liveimage/kvalidate/internal/patch"
)

// noopDWARFOracle answers every lookup with dwarfx.ErrNotFound. Used
// when the CLI is run without a --dwarf snapshot, so the kernel load
// still completes (feature bits fail closed, paravirt falls back to
// zeroParavirtOps) rather than requiring a live DWARF walk spec.md §1
// places out of scope.
type noopDWARFOracle struct{}

func (noopDWARFOracle) FindVariable(ctx context.Context, name string) (dwarfx.Variable, error) {
	return nil, dwarfx.ErrNotFound
}

func (noopDWARFOracle) FindFunction(ctx context.Context, name string) (dwarfx.Function, error) {
	return nil, dwarfx.ErrNotFound
}

func (noopDWARFOracle) FindBaseType(ctx context.Context, name string) (dwarfx.BaseType, error) {
	return nil, dwarfx.ErrNotFound
}

func (noopDWARFOracle) Global(ctx context.Context, name string) (dwarfx.Instance, error) {
	return nil, dwarfx.ErrNotFound
}

// noopSectionAddrSource answers every module-layout lookup with "not
// found", used when the CLI is run without a --layout snapshot. Every
// module then loads with an unresolved percpu/GPL-syms/section base,
// which the loader package treats as a load-time inconsistency on the
// owning module only (spec.md §7), not a fatal error.
type noopSectionAddrSource struct{}

func (noopSectionAddrSource) ModuleSectionAddr(moduleName, sectionName string) (uint64, bool) {
	return 0, false
}
func (noopSectionAddrSource) ModuleGPLSyms(moduleName string) (uint64, bool)   { return 0, false }
func (noopSectionAddrSource) ModuleAddr(moduleName string) (uint64, bool)     { return 0, false }
func (noopSectionAddrSource) ModuleStructSize() uint64                        { return 0 }
func (noopSectionAddrSource) ModulePercpuBase(moduleName string) (uint64, bool) { return 0, false }

var _ loader.SectionAddrSource = noopSectionAddrSource{}

// zeroParavirtOps is the patch.ParavirtOps fallback used when no
// --dwarf snapshot is available (or paravirt.Snapshot fails): every
// paravirt site resolves to the nop path, per paravirtDefault's
// opfunc==0 branch.
type zeroParavirtOps struct{}

func (zeroParavirtOps) OpFuncAt(byteOffset uint16) (uint64, bool) { return 0, false }
func (zeroParavirtOps) NopFunc() uint64                           { return 0 }
func (zeroParavirtOps) Ident32Func() uint64                       { return 0 }
func (zeroParavirtOps) Ident64Func() uint64                       { return 0 }
func (zeroParavirtOps) CanonicalBlob(siteType string) ([]byte, bool) { return nil, false }

var _ patch.ParavirtOps = zeroParavirtOps{}

// cpuFeatureSet implements patch.FeatureSet over a flattened
// boot_cpu_data.x86_capability word array.
type cpuFeatureSet struct {
	words []uint32
}

func (c cpuFeatureSet) HasFeature(bit uint16) bool {
	word := int(bit) / 32
	if word < 0 || word >= len(c.words) {
		return false
	}
	return c.words[word]&(1<<(uint(bit)%32)) != 0
}

// resolveFeatureSet reads boot_cpu_data.x86_capability through the
// DWARF oracle and the hypervisor backend. Any miss along the way
// (no DWARF snapshot, member not found, read failure) falls back to
// an all-features-off set: Pass A then applies no alternatives, which
// is the fail-closed choice for the 32-bit/feature-detection open
// question spec.md §9 flags.
func resolveFeatureSet(ctx context.Context, backend hv.Backend, dwarfOracle dwarfx.Oracle) patch.FeatureSet {
	global, err := dwarfOracle.Global(ctx, "boot_cpu_data")
	if err != nil {
		return cpuFeatureSet{}
	}
	member, err := global.MemberByName("x86_capability", false)
	if err != nil {
		return cpuFeatureSet{}
	}
	n := int(member.Size() / 4)
	if n <= 0 {
		return cpuFeatureSet{}
	}
	words := make([]uint32, n)
	for i := 0; i < n; i++ {
		raw, err := backend.ReadVector(ctx, member.Address()+uint64(i*4), 4, hv.ReadOpts{Safe: true})
		if err != nil || len(raw) < 4 {
			return cpuFeatureSet{}
		}
		words[i] = binary.LittleEndian.Uint32(raw)
	}
	return cpuFeatureSet{words: words}
}

// hvKeyReader implements patch.KeyReader directly off the hypervisor
// backend: a jump-label key's enabled.counter is the first 4 bytes of
// struct static_key, no DWARF lookup needed.
type hvKeyReader struct {
	ctx     context.Context
	backend hv.Backend
}

func (r hvKeyReader) EnabledCounter(keyVA uint64) (int32, error) {
	raw, err := r.backend.ReadVector(r.ctx, keyVA, 4, hv.ReadOpts{Safe: true})
	if err != nil {
		return 0, err
	}
	if len(raw) < 4 {
		return 0, nil
	}
	return int32(binary.LittleEndian.Uint32(raw)), nil
}

var _ patch.KeyReader = hvKeyReader{}

// tieredResolver implements spec.md §4.2's SHN_UNDEF fallback chain:
// the symbol oracle (System.map plus every loaded module/function
// symbol) first, then the DWARF oracle's function and variable tables,
// first hit wins.
func tieredResolver(ctx context.Context, sym symbolResolverOracle, dwarfOracle dwarfx.Oracle) func(name string) (uint64, bool) {
	return func(name string) (uint64, bool) {
		if addr, ok := sym.Resolve(name); ok {
			return addr, ok
		}
		if fn, err := dwarfOracle.FindFunction(ctx, name); err == nil {
			return fn.Address(), true
		}
		if v, err := dwarfOracle.FindVariable(ctx, name); err == nil {
			return v.Address(), true
		}
		return 0, false
	}
}

// symbolResolverOracle is the narrow slice of *oracle.SymbolOracle
// tieredResolver needs, kept as an interface so its unit tests can
// supply a table-driven fake instead of a full oracle.SymbolOracle.
type symbolResolverOracle interface {
	Resolve(name string) (uint64, bool)
}
