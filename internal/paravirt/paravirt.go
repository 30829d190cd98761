// Package paravirt snapshots the guest's paravirt-ops function pointers
// (spec.md §3 ParavirtState) and adapts them to the patch.ParavirtOps
// interface the patch engine's Pass B consumes.
package paravirt

import (
	"context"
	"fmt"

	"github.com/liveimage/kvalidate/internal/dwarfx"
)

// opsTable names the three instance handles ParavirtState snapshots,
// in concatenation order, so that instrtype*8 indexes across all of
// them as a single virtual paravirt_patch_template (spec.md §3/§4.3).
var opsTable = []string{"pv_irq_ops", "pv_cpu_ops", "pv_mmu_ops"}

// canonicalBlobs holds the native-instruction bytes for well-known
// paravirt site types (spec.md §4.3 Pass B). These are fixed x86-64
// encodings, not read from the guest.
var canonicalBlobs = map[string][]byte{
	"pv_irq_ops.save_fl":           {0x9c, 0x58},             // pushf; pop rax
	"pv_irq_ops.restore_fl":        {0x50, 0x9d},             // push rax; popf
	"pv_irq_ops.irq_enable":        {0xfb},                   // sti
	"pv_irq_ops.irq_disable":       {0xfa},                   // cli
	"pv_cpu_ops.iret":              {0x48, 0xcf},             // iretq
	"pv_cpu_ops.irq_enable_sysexit": {0x0f, 0x35},            // sysexit
	"pv_cpu_ops.usergs_sysret32":   {0x0f, 0x07},             // sysret
	"pv_cpu_ops.usergs_sysret64":   {0x48, 0x0f, 0x07},       // sysretq
	"pv_cpu_ops.swapgs":            {0x0f, 0x01, 0xf8},       // swapgs
	"pv_cpu_ops.clts":              {0x0f, 0x06},             // clts
	"pv_cpu_ops.wbinvd":            {0x0f, 0x09},             // wbinvd
	"pv_mmu_ops.read_cr2":          {0x0f, 0x20, 0xd0},       // mov rax, cr2
	"pv_mmu_ops.read_cr3":          {0x0f, 0x20, 0xd8},       // mov rax, cr3
	"pv_mmu_ops.write_cr3":         {0x0f, 0x22, 0xdf},       // mov cr3, rdi
	"pv_mmu_ops.flush_tlb_single":  {0x0f, 0x01, 0x39},       // invlpg [rcx]
}

// State is a live snapshot of the guest's paravirt-ops tables,
// implementing patch.ParavirtOps.
type State struct {
	opFuncs  []uint64 // flattened, 8 bytes per entry across all three ops structs
	nopFunc  uint64
	ident32  uint64
	ident64  uint64
}

// Snapshot reads the three pv_*_ops structs that make up the virtual
// paravirt_patch_template (pv_irq_ops, pv_cpu_ops, pv_mmu_ops) and the
// three well-known identity/nop function addresses via the DWARF oracle
// (spec.md §3); the other pv_*_ops structs are not read.
func Snapshot(ctx context.Context, oracle dwarfx.Oracle) (*State, error) {
	s := &State{}

	var flat []uint64
	for _, name := range opsTable {
		inst, err := oracle.Global(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("paravirt: global %s: %w", name, err)
		}
		n := inst.Size() / 8
		for i := int64(0); i < n; i++ {
			member, err := inst.MemberByOffset(i * 8)
			if err != nil {
				return nil, fmt.Errorf("paravirt: %s[%d]: %w", name, i, err)
			}
			flat = append(flat, member.Address())
		}
	}
	s.opFuncs = flat

	nopFn, err := oracle.FindFunction(ctx, "_paravirt_nop")
	if err != nil {
		return nil, fmt.Errorf("paravirt: _paravirt_nop: %w", err)
	}
	s.nopFunc = nopFn.Address()

	id32, err := oracle.FindFunction(ctx, "_paravirt_ident_32")
	if err != nil {
		return nil, fmt.Errorf("paravirt: _paravirt_ident_32: %w", err)
	}
	s.ident32 = id32.Address()

	id64, err := oracle.FindFunction(ctx, "_paravirt_ident_64")
	if err != nil {
		return nil, fmt.Errorf("paravirt: _paravirt_ident_64: %w", err)
	}
	s.ident64 = id64.Address()

	return s, nil
}

// OpFuncAt indexes the flattened ops tables by byte offset, as
// instrtype*8 into the virtual paravirt_patch_template (spec.md §4.3).
func (s *State) OpFuncAt(byteOffset uint16) (uint64, bool) {
	idx := int(byteOffset) / 8
	if idx < 0 || idx >= len(s.opFuncs) {
		return 0, false
	}
	return s.opFuncs[idx], true
}

func (s *State) NopFunc() uint64    { return s.nopFunc }
func (s *State) Ident32Func() uint64 { return s.ident32 }
func (s *State) Ident64Func() uint64 { return s.ident64 }

// CanonicalBlob returns the fixed native-instruction bytes for a
// well-known paravirt site type, e.g. "pv_cpu_ops.iret".
func (s *State) CanonicalBlob(siteType string) ([]byte, bool) {
	b, ok := canonicalBlobs[siteType]
	return b, ok
}
