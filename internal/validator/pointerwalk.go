package validator

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/liveimage/kvalidate/internal/loader"
	"github.com/liveimage/kvalidate/internal/oracle"
	"github.com/liveimage/kvalidate/internal/report"
)

// canonicalHigh is the upper-32-bits pattern every canonical
// kernel-space pointer carries (spec.md §4.6.4: "upper 32 bits equal
// 0xFFFFFFFF").
const canonicalHigh = 0xffffffff

// PointerWalker implements spec.md §4.6.4's data-page pointer walk:
// every aligned canonical-looking 8-byte word is either explained
// (all-ones, a function start, a data symbol, a whitelisted side-table
// entry, or a return address) or reported as suspicious.
type PointerWalker struct {
	Oracle    *oracle.SymbolOracle
	Registry  *loader.Registry
	Collector *report.Collector
}

// WalkPage scans one data page for unexplained pointers.
func (w *PointerWalker) WalkPage(owner *loader.Loader, pageVA uint64, actual []byte) {
	for off := 0; off+8 <= len(actual); off += 8 {
		word := binary.LittleEndian.Uint64(actual[off : off+8])
		if word>>32 != canonicalHigh {
			continue
		}
		if word == 0xffffffffffffffff {
			continue
		}
		if w.Oracle.IsFunction(word) || w.Oracle.IsSymbol(word) {
			continue
		}
		if w.isWhitelisted(owner, word) {
			continue
		}
		if w.isReturnAddressInto(word) {
			continue
		}

		destLoader := "unknown"
		if l, ok := w.Registry.FindLoaderForAddress(word); ok {
			destLoader = l.Name()
		}
		f := report.NewFinding(report.UnknownPointer, owner.Name(), pageVA+uint64(off),
			fmt.Sprintf("unexplained pointer 0x%x at offset 0x%x -> %s", word, off, destLoader))
		w.Collector.Add(f)
	}
}

// isWhitelisted reports whether value falls inside a recorded
// SMP-lock offset, jump-entry source, jump destination, or above the
// destination loader's __ex_table -- the side-table whitelist spec.md
// §4.6.4 calls out.
func (w *PointerWalker) isWhitelisted(owner *loader.Loader, value uint64) bool {
	st := owner.SideTables()
	if st == nil {
		return false
	}
	// SMPLockOffsets is keyed text-relative (see ApplySMPLock), so an
	// absolute pointer value must be rebased against the owner's text
	// segment base before lookup.
	base := owner.TextMemAddr() & addrMask
	if v := value & addrMask; v >= base && st.SMPLockOffsets[v-base] {
		return true
	}
	if _, ok := st.JumpEntries[value]; ok {
		return true
	}
	if st.JumpDestinations[value] {
		return true
	}
	if w.Oracle.InExceptionTable(owner.Name(), value) {
		return true
	}
	return false
}

// isReturnAddressInto decodes the bytes preceding value inside its
// owning loader's text image and reports whether value looks like a
// plausible call-return site.
func (w *PointerWalker) isReturnAddressInto(value uint64) bool {
	l, ok := w.Registry.FindLoaderForAddress(value)
	if !ok {
		return false
	}
	text := l.GetText()
	off := int(value - l.TextMemAddr())
	if off <= 0 || off > len(text) {
		return false
	}
	class, _ := IsReturnAddress(context.Background(), text, off, l.TextMemAddr(), nil)
	return class != NotAReturn
}
