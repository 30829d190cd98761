package validator

import (
	"bytes"
	"encoding/binary"

	"github.com/liveimage/kvalidate/internal/patch"
)

// GenericUnrolledAddr is the kernel's copy_user_generic_unrolled
// address (spec.md §4.6.1's "function redirect" rule target). Set
// once at startup from the symbol oracle before validation begins;
// zero disables the rule (no match possible).
var GenericUnrolledAddr uint64

func init() {
	DefaultWhitelist.Register(WhitelistRule{Name: "nop-swap-5-9", Match: matchNopSwap})
	DefaultWhitelist.Register(WhitelistRule{Name: "byte-swap-66-90", Match: matchByteSwap6690})
	DefaultWhitelist.Register(WhitelistRule{Name: "disabled-jump-label", Match: matchDisabledJumpLabel})
	DefaultWhitelist.Register(WhitelistRule{Name: "generic-unrolled-redirect", Match: matchGenericUnrolledRedirect})
	DefaultWhitelist.Register(WhitelistRule{Name: "smp-lock-offset", Match: matchSMPLockOffset})
	DefaultWhitelist.Register(WhitelistRule{Name: "rel-jmp-zero-vs-nop9", Match: matchRelJmpZeroVsNop9})
}

func hasBytesAt(buf []byte, off int, want []byte) bool {
	if off < 0 || off+len(want) > len(buf) {
		return false
	}
	return bytes.Equal(buf[off:off+len(want)], want)
}

// matchNopSwap recognizes an atomic nop5<->nop9 class swap: the
// expected image has one ideal-nop encoding and the guest has another,
// equivalent one, over the same instruction span.
func matchNopSwap(ctx MismatchContext) (int, bool) {
	if hasBytesAt(ctx.Expected, ctx.Offset, patch.IdealNop5) && hasBytesAt(ctx.Actual, ctx.Offset, patch.IdealNop9[:5]) {
		return 5, true
	}
	if hasBytesAt(ctx.Expected, ctx.Offset, patch.IdealNop9[:5]) && hasBytesAt(ctx.Actual, ctx.Offset, patch.IdealNop5) {
		return 5, true
	}
	return 0, false
}

// matchByteSwap6690 recognizes the single-byte 0x66 (operand-size
// prefix) <-> 0x90 (nop) swap some nop encodings tolerate at a
// boundary.
func matchByteSwap6690(ctx MismatchContext) (int, bool) {
	o := ctx.Offset
	if o >= len(ctx.Expected) || o >= len(ctx.Actual) {
		return 0, false
	}
	e, a := ctx.Expected[o], ctx.Actual[o]
	if (e == 0x66 && a == 0x90) || (e == 0x90 && a == 0x66) {
		return 1, true
	}
	return 0, false
}

// matchDisabledJumpLabel recognizes a jump-label site whose expected
// image carries E9+rel32 (enabled) but the guest shows ideal-nops
// (disabled), or vice versa, provided the site and destination are
// both recorded in the side-table whitelist built at patch time
// (spec.md §4.6.1 and §8 invariant 4).
func matchDisabledJumpLabel(ctx MismatchContext) (int, bool) {
	if ctx.SideTables == nil {
		return 0, false
	}
	dest, isJumpSite := ctx.SideTables.JumpEntries[ctx.PageVA+uint64(ctx.Offset)]
	if !isJumpSite {
		return 0, false
	}
	if !ctx.SideTables.JumpDestinations[dest] {
		return 0, false
	}
	expectedIsJmp := hasBytesAt(ctx.Expected, ctx.Offset, []byte{0xe9})
	actualIsNop := hasBytesAt(ctx.Actual, ctx.Offset, patch.IdealNop5) || hasBytesAt(ctx.Actual, ctx.Offset, patch.IdealNop9[:5])
	expectedIsNop := hasBytesAt(ctx.Expected, ctx.Offset, patch.IdealNop5) || hasBytesAt(ctx.Expected, ctx.Offset, patch.IdealNop9[:5])
	actualIsJmp := hasBytesAt(ctx.Actual, ctx.Offset, []byte{0xe9})
	if (expectedIsJmp && actualIsNop) || (expectedIsNop && actualIsJmp) {
		return 5, true
	}
	return 0, false
}

// matchGenericUnrolledRedirect recognizes a 5-byte 0xE8 call whose
// target (computed from the guest's own rel32) is the kernel's
// copy_user_generic_unrolled, a documented live substitution (spec.md
// §4.6.1).
func matchGenericUnrolledRedirect(ctx MismatchContext) (int, bool) {
	if GenericUnrolledAddr == 0 {
		return 0, false
	}
	o := ctx.Offset
	if o+5 > len(ctx.Actual) || ctx.Actual[o] != 0xe8 {
		return 0, false
	}
	rel := int32(binary.LittleEndian.Uint32(ctx.Actual[o+1 : o+5]))
	target := ctx.PageVA + uint64(o) + 5 + uint64(int64(rel))
	if target == GenericUnrolledAddr {
		return 5, true
	}
	return 0, false
}

// matchSMPLockOffset recognizes a lock-prefix byte whose text-relative
// offset is in the SMP-lock whitelist built during patching (spec.md
// §4.6.1, §8 invariant 5). SMPLockOffsets is keyed text-relative (see
// ApplySMPLock/parseSMPLockOffsets), so the absolute mismatch address
// must be rebased against the owning loader's TextBase before lookup.
func matchSMPLockOffset(ctx MismatchContext) (int, bool) {
	if ctx.SideTables == nil {
		return 0, false
	}
	abs := ctx.PageVA + uint64(ctx.Offset)
	if abs < ctx.TextBase {
		return 0, false
	}
	if ctx.SideTables.SMPLockOffsets[abs-ctx.TextBase] {
		return 1, true
	}
	return 0, false
}

// matchRelJmpZeroVsNop9 recognizes a relative jmp with a zero
// displacement (0xE9 00 00 00 00) swapped for the 9-byte ideal nop —
// both are semantically no-ops at this site.
func matchRelJmpZeroVsNop9(ctx MismatchContext) (int, bool) {
	zeroJmp := []byte{0xe9, 0, 0, 0, 0}
	if hasBytesAt(ctx.Expected, ctx.Offset, zeroJmp) && hasBytesAt(ctx.Actual, ctx.Offset, patch.IdealNop9) {
		return 9, true
	}
	if hasBytesAt(ctx.Expected, ctx.Offset, patch.IdealNop9) && hasBytesAt(ctx.Actual, ctx.Offset, zeroJmp) {
		return 9, true
	}
	return 0, false
}
