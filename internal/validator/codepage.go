package validator

import (
	"fmt"

	"github.com/liveimage/kvalidate/internal/loader"
	"github.com/liveimage/kvalidate/internal/report"
)

// PageSize is the guest's (and host's) page granularity assumed
// throughout the validator (spec.md §4.6).
const PageSize = 4096

// addrMask strips the sign-extended canonical-address bits so a
// hypervisor-reported VA compares directly against a loader's
// memindex (spec.md §4.6.1: "vaddr & 0xffffffffffff").
const addrMask = 0xffffffffffff

// CodePageValidator implements spec.md §4.6.1: diff one executable
// page's live bytes against the owning loader's expected text image,
// whitelisting known runtime variations.
type CodePageValidator struct {
	Collector *report.Collector
}

// NewCodePageValidator returns a validator reporting into c.
func NewCodePageValidator(c *report.Collector) *CodePageValidator {
	return &CodePageValidator{Collector: c}
}

// ValidatePage compares one page of live bytes (actual) at pageVA
// against l's expected text image, emitting findings for every
// unexplained mismatch. actual must be exactly PageSize bytes (a short
// read past the end of the loader's image is handled by the
// uninitialized-tail rule below).
func (v *CodePageValidator) ValidatePage(l *loader.Loader, pageVA uint64, actual []byte) {
	base := l.TextMemAddr() & addrMask
	if pageVA&addrMask < base {
		v.Collector.Add(report.NewFinding(report.LoadInconsist, l.Name(), pageVA,
			"code page precedes loader's text segment"))
		return
	}
	offset := pageVA&addrMask - base
	expected := l.GetText()
	st := l.SideTables()

	n := len(actual)
	if len(expected)-int(offset) < n {
		n = len(expected) - int(offset)
	}
	if n < 0 {
		v.Collector.Add(report.NewFinding(report.LoadInconsist, l.Name(), pageVA,
			"expected image shorter than page offset"))
		return
	}

	i := 0
	prevMismatch := false
	for i < n {
		e, a := expected[int(offset)+i], actual[i]
		if e == a {
			i++
			prevMismatch = false
			continue
		}
		if prevMismatch {
			i++
			continue
		}

		ctx := MismatchContext{
			Expected:   expected[int(offset):],
			Actual:     actual,
			Offset:     i,
			PageVA:     pageVA,
			TextBase:   pageVA - offset,
			SideTables: st,
		}
		if skip, rule, ok := DefaultWhitelist.TryMatch(ctx); ok {
			i += skip
			_ = rule
			prevMismatch = false
			continue
		}

		f := report.NewFinding(report.CodeMismatch, l.Name(), pageVA+uint64(i),
			fmt.Sprintf("code mismatch at %s+0x%x", l.Name(), offset+uint64(i)))
		f.Expected = surrounding(expected[int(offset):], i, 15)
		f.Actual = surrounding(actual, i, 15)
		if expText, actText := annotateInstructions(expected[int(offset):], actual, i, pageVA+uint64(i)); expText != "" || actText != "" {
			f.Annotations.Set("expected_insn", expText)
			f.Annotations.Set("actual_insn", actText)
		}
		v.Collector.Add(f)
		prevMismatch = true
		i++
	}

	if n < len(actual) {
		f := report.NewFinding(report.UninitTail, l.Name(), pageVA+uint64(n),
			"page extends past loader's initialized text length")
		v.Collector.Add(f)
	}
}

// surrounding returns up to radius bytes on either side of off within
// buf, for display alongside a code-mismatch finding (spec.md §4.6.1).
func surrounding(buf []byte, off, radius int) []byte {
	lo := off - radius
	if lo < 0 {
		lo = 0
	}
	hi := off + radius + 1
	if hi > len(buf) {
		hi = len(buf)
	}
	return append([]byte(nil), buf[lo:hi]...)
}
