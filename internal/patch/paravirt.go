package patch

// ParaSite is one .parainstructions entry: spec.md §4.3 Pass B.
type ParaSite struct {
	InstrVA   uint64
	InstrType uint16 // byte offset into the virtual paravirt_patch_template
	Clobbers  uint8
	Len       int
	// WellKnown, when non-empty, names one of the canonical site types
	// spec.md §4.3 enumerates (e.g. "pv_irq_ops.save_fl"); when empty the
	// generic paravirt_patch_default path resolves InstrType instead.
	WellKnown string
}

// ParavirtOps is the capability PatchEngine needs from internal/paravirt's
// snapshot of the guest's paravirt-ops function pointers (spec.md §3's
// ParavirtState). Kept as an interface here so the patch package never
// depends on the DWARF oracle directly.
type ParavirtOps interface {
	// OpFuncAt resolves a paravirt_patch_template byte offset to the
	// currently-installed function pointer.
	OpFuncAt(byteOffset uint16) (addr uint64, ok bool)
	NopFunc() uint64
	Ident32Func() uint64
	Ident64Func() uint64
	// CanonicalBlob returns the canonical native-instruction bytes for one
	// of the well-known site types spec.md §4.3 lists, if any.
	CanonicalBlob(siteType string) ([]byte, bool)
}

// iretFamily lists the well-known site types Pass B treats as
// jmp-not-call targets, per spec.md §4.3.
var iretFamily = map[string]bool{
	"pv_cpu_ops.iret":                true,
	"pv_cpu_ops.irq_enable_sysexit":  true,
	"pv_cpu_ops.usergs_sysret32":     true,
	"pv_cpu_ops.usergs_sysret64":     true,
}

// ApplyParavirt runs Pass B over text in place, recording every patched
// address into st.ParavirtPatchSites.
func ApplyParavirt(text []byte, textMemAddr uint64, sites []ParaSite, ops ParavirtOps, st *SideTables) error {
	for _, s := range sites {
		if s.InstrVA < textMemAddr || int(s.InstrVA-textMemAddr)+s.Len > len(text) {
			continue
		}
		off := s.InstrVA - textMemAddr

		if s.WellKnown != "" {
			if blob, ok := ops.CanonicalBlob(s.WellKnown); ok {
				n := copy(text[off:off+uint64(s.Len)], blob)
				if n < s.Len {
					AddNops(text[off+uint64(n):off+uint64(s.Len)], s.Len-n)
				}
				st.ParavirtPatchSites[s.InstrVA] = true
				continue
			}
		}

		if err := paravirtDefault(text, off, s, ops, st); err != nil {
			return err
		}
	}
	return nil
}

// paravirtDefault implements paravirt_patch_default from spec.md §4.3:
// resolve the ops-struct function pointer at InstrType, then emit nops,
// an identity-mov blob, a 5-byte jmp (iret family), or a 5-byte call.
func paravirtDefault(text []byte, off uint64, s ParaSite, ops ParavirtOps, st *SideTables) error {
	opfunc, ok := ops.OpFuncAt(s.InstrType)
	if !ok || opfunc == 0 || opfunc == ops.NopFunc() {
		AddNops(text[off:off+uint64(s.Len)], s.Len)
		st.ParavirtPatchSites[s.InstrVA] = true
		return nil
	}

	if opfunc == ops.Ident32Func() {
		if blob, ok := ops.CanonicalBlob("_paravirt_ident_32"); ok {
			n := copy(text[off:off+uint64(s.Len)], blob)
			if n < s.Len {
				AddNops(text[off+uint64(n):off+uint64(s.Len)], s.Len-n)
			}
			st.ParavirtPatchSites[s.InstrVA] = true
			return nil
		}
	}
	if opfunc == ops.Ident64Func() {
		if blob, ok := ops.CanonicalBlob("_paravirt_ident_64"); ok {
			n := copy(text[off:off+uint64(s.Len)], blob)
			if n < s.Len {
				AddNops(text[off+uint64(n):off+uint64(s.Len)], s.Len-n)
			}
			st.ParavirtPatchSites[s.InstrVA] = true
			return nil
		}
	}

	if iretFamily[wellKnownNameFor(s)] {
		writeRelJump(text, off, s.InstrVA, opfunc, 0xe9)
		if s.Len > 5 {
			AddNops(text[off+5:off+uint64(s.Len)], s.Len-5)
		}
		st.ParavirtPatchSites[s.InstrVA] = true
		return nil
	}

	// Generic call, unless the caller's clobber mask doesn't cover the
	// target's expected clobbers (spec.md §4.3: "skip if caller's clobber
	// mask doesn't cover target's"). We don't have the target's clobber
	// requirement without deeper ABI metadata, so we conservatively patch
	// whenever any clobber bits are declared; callers with a zero mask are
	// skipped (left as nops) since no register is known safe to clobber.
	if s.Clobbers == 0 {
		AddNops(text[off:off+uint64(s.Len)], s.Len)
		st.ParavirtPatchSites[s.InstrVA] = true
		return nil
	}

	writeRelJump(text, off, s.InstrVA, opfunc, 0xe8)
	if s.Len > 5 {
		AddNops(text[off+5:off+uint64(s.Len)], s.Len-5)
	}
	st.ParavirtPatchSites[s.InstrVA] = true
	return nil
}

func wellKnownNameFor(s ParaSite) string { return s.WellKnown }

// writeRelJump writes opcode (0xe9 jmp or 0xe8 call) followed by the
// rel32 displacement from siteVA+5 to target.
func writeRelJump(text []byte, off, siteVA, target uint64, opcode byte) {
	text[off] = opcode
	disp := int32(int64(target) - int64(siteVA) - 5)
	text[off+1] = byte(disp)
	text[off+2] = byte(disp >> 8)
	text[off+3] = byte(disp >> 16)
	text[off+4] = byte(disp >> 24)
}
