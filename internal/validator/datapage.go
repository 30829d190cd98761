package validator

import (
	"encoding/binary"
	"fmt"

	"github.com/liveimage/kvalidate/internal/config"
	"github.com/liveimage/kvalidate/internal/loader"
	"github.com/liveimage/kvalidate/internal/oracle"
	"github.com/liveimage/kvalidate/internal/report"
)

// idtSlotSize is the byte size of one x86-64 IDT gate descriptor.
const idtSlotSize = 16

// DataPageValidator implements spec.md §4.6.2: IDT-slot reconstruction,
// read-only data byte compare, and the fallback pointer walk.
type DataPageValidator struct {
	Oracle    *oracle.SymbolOracle
	Guards    *config.Guards
	Collector *report.Collector

	// IDTAddr and NMIIDTAddr are the live addresses of idt_table and
	// the NMI IDT, resolved from the symbol oracle once at startup;
	// zero disables the corresponding check.
	IDTAddr    uint64
	NMIIDTAddr uint64

	// IRQEntriesStart anchors the irq-entry slot formula (spec.md
	// §4.6.2): irq_entries_start + 4*((slot-0x20)%7) + 0x20*((slot-0x20)/7).
	IRQEntriesStart uint64

	// ApicMemWriteAddr/ApicEOIWriteAddr are native_apic_mem_write and
	// its documented KVM override kvm_guest_apic_eoi_write; a rodata
	// mismatch redirecting the former to the latter is tolerated.
	ApicMemWriteAddr uint64
	ApicEOIWriteAddr uint64

	// initTextBase anchors the init-text slot stride (slots
	// 0x140..0x210, stepped by 9); set via WithInitTextBase.
	initTextBase uint64
}

// ValidateIDTPage reconstructs each 16-byte gate descriptor on an IDT
// page and verifies its handler resolves to a known symbol or one of
// the two documented slot formulas.
func (v *DataPageValidator) ValidateIDTPage(pageVA uint64, actual []byte, isNMI bool) {
	base := pageVA
	for off := 0; off+idtSlotSize <= len(actual); off += idtSlotSize {
		slot := off / idtSlotSize
		desc := actual[off : off+idtSlotSize]

		lo := binary.LittleEndian.Uint16(desc[0:2])
		mid := binary.LittleEndian.Uint16(desc[6:8])
		hi := binary.LittleEndian.Uint32(desc[8:12])
		pad := binary.LittleEndian.Uint32(desc[12:16])
		handler := uint64(hi)<<32 | uint64(mid)<<16 | uint64(lo)

		if pad != 0 {
			v.Collector.Add(report.NewFinding(report.IDTSlotUnknown, "kernel", base+uint64(off),
				fmt.Sprintf("idt slot %d padding word nonzero", slot)))
			continue
		}

		if handler == 0 {
			continue
		}
		if v.Oracle.IsFunction(handler) || v.Oracle.IsSymbol(handler) {
			continue
		}
		if slot >= 0x140/16 && slot <= 0x210/16 && (handler-v.initTextSlotBase())%9 == 0 {
			continue
		}
		if v.IRQEntriesStart != 0 && slot >= 0x20 {
			n := uint64(slot - 0x20)
			expected := v.IRQEntriesStart + 4*(n%7) + 0x20*(n/7)
			if handler == expected {
				continue
			}
		}

		kind := "idt"
		if isNMI {
			kind = "nmi-idt"
		}
		v.Collector.Add(report.NewFinding(report.IDTSlotUnknown, "kernel", base+uint64(off),
			fmt.Sprintf("%s slot %d handler 0x%x does not classify", kind, slot, handler)))
	}
}

// initTextSlotBase is a placeholder for the init-text slot stride's
// base address; callers that rely on the 0x140..0x210 stepped-by-9
// pattern must set it via WithInitTextBase before validating.
func (v *DataPageValidator) initTextSlotBase() uint64 { return v.initTextBase }

// WithInitTextBase records the base address the init-text slot
// formula (stepped by 9, slots 0x140..0x210) is relative to.
func (v *DataPageValidator) WithInitTextBase(base uint64) *DataPageValidator {
	v.initTextBase = base
	return v
}

// ValidateRoDataPage byte-compares a page inside a loader's read-only
// data image, tolerating the documented KVM apic-write override and
// known-zero pages, falling back to a pointer walk on any other
// mismatch.
func (v *DataPageValidator) ValidateRoDataPage(l *loader.Loader, pageVA uint64, expected, actual []byte, walker *PointerWalker) {
	if v.Guards != nil && v.Guards.IsZeroPage(pageVA) {
		return
	}

	i := 0
	for i < len(actual) && i < len(expected) {
		if expected[i] == actual[i] {
			i++
			continue
		}
		if v.matchApicOverride(expected, actual, i) {
			i += 8
			continue
		}
		if walker != nil {
			walker.WalkPage(l, pageVA, actual)
		}
		return
	}
}

// matchApicOverride recognizes the live KVM substitution of
// native_apic_mem_write for kvm_guest_apic_eoi_write at offset i,
// skipping the 8-byte pointer slot that differs (spec.md §4.6.2).
func (v *DataPageValidator) matchApicOverride(expected, actual []byte, i int) bool {
	if v.ApicMemWriteAddr == 0 || v.ApicEOIWriteAddr == 0 {
		return false
	}
	if i+8 > len(expected) || i+8 > len(actual) {
		return false
	}
	e := binary.LittleEndian.Uint64(expected[i : i+8])
	a := binary.LittleEndian.Uint64(actual[i : i+8])
	return e == v.ApicMemWriteAddr && a == v.ApicEOIWriteAddr
}
