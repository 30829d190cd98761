// Package colorize provides ANSI highlighting for kvalidate's terminal
// output: addresses, hex bytes, and byte-level mismatch dumps.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

// IsDisabled returns true if colors are disabled via environment.
func IsDisabled() bool {
	return os.Getenv("KVALIDATE_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func paint(c *color.Color, s string) string {
	if IsDisabled() {
		return s
	}
	return c.Sprint(s)
}

var (
	addrColor    = color.New(color.FgYellow)
	tagColor     = color.New(color.FgMagenta)
	funcColor    = color.New(color.FgYellow, color.Bold)
	detailColor  = color.New(color.FgHiBlack)
	mismatchColor = color.New(color.FgRed, color.Bold)
	borderColor  = color.New(color.FgHiBlack)
	commentColor = color.New(color.FgWhite)
	headerColor  = color.New(color.FgCyan, color.Bold)
	hexColor     = color.New(color.FgHiBlack)
	errorColor   = color.New(color.FgMagenta, color.Bold)
	stringColor  = color.New(color.FgMagenta)
)

// Address formats a virtual address.
func Address(addr uint64) string {
	return paint(addrColor, fmt.Sprintf("%016x", addr))
}

// Tag formats a short classification label (e.g. a report.Kind name).
func Tag(tag string) string {
	return paint(tagColor, tag)
}

// FuncName formats a resolved symbol name.
func FuncName(name string) string {
	return paint(funcColor, name)
}

// Detail formats secondary descriptive text.
func Detail(detail string) string {
	return paint(detailColor, detail)
}

// Mismatch formats a byte or value that differs from what was expected.
func Mismatch(s string) string {
	return paint(mismatchColor, s)
}

// Border formats table/box drawing characters.
func Border(s string) string {
	return paint(borderColor, s)
}

// Comment formats an inline annotation.
func Comment(s string) string {
	return paint(commentColor, s)
}

// Header formats a section header.
func Header(s string) string {
	return paint(headerColor, s)
}

// HexBytes formats a raw hex byte string.
func HexBytes(s string) string {
	return paint(hexColor, s)
}

// Error formats an error message.
func Error(s string) string {
	return paint(errorColor, s)
}

// String formats a string literal value.
func String(s string) string {
	return paint(stringColor, s)
}

// DumpMismatch renders expected and actual byte slices of equal length as
// two hex lines, with bytes that differ highlighted via Mismatch. Used to
// present the surrounding context captured for a page mismatch finding.
func DumpMismatch(expected, actual []byte) string {
	n := len(expected)
	if len(actual) < n {
		n = len(actual)
	}
	var want, got strings.Builder
	want.WriteString(Header("expected: "))
	got.WriteString(Header("actual:   "))
	for i := 0; i < n; i++ {
		e := fmt.Sprintf("%02x ", expected[i])
		a := fmt.Sprintf("%02x ", actual[i])
		if expected[i] != actual[i] {
			want.WriteString(Mismatch(e))
			got.WriteString(Mismatch(a))
		} else {
			want.WriteString(HexBytes(e))
			got.WriteString(HexBytes(a))
		}
	}
	return want.String() + "\n" + got.String()
}
