package validator

import (
	"context"
	"encoding/binary"

	"github.com/liveimage/kvalidate/internal/hv"
)

// ReturnClass is isReturnAddress's verdict (spec.md §4.6.3).
type ReturnClass int

const (
	// NotAReturn means the preceding bytes decode as a jmp or another
	// non-call shape.
	NotAReturn ReturnClass = iota
	// ReturnKnown means the call target was computed directly (a direct
	// E8 call or a successfully followed FF 15 indirect call).
	ReturnKnown
	// ReturnUnknown means a return address was recognized but its call
	// target could not be determined (an indirect call through a
	// register or unresolved table).
	ReturnUnknown
)

// IsReturnAddress implements spec.md §4.6.3's isReturnAddress: it
// pattern-matches the bytes preceding off against x86-64 call
// encodings and, for E8/FF 15, computes the call's target address.
//
// text is the buffer containing the candidate return address at
// position off; base is the virtual address of text[0]. reader (may
// be nil) is used to follow an FF 15 RIP-relative indirect call's
// pointer through the live guest.
func IsReturnAddress(ctx context.Context, text []byte, off int, base uint64, reader hv.Backend) (ReturnClass, uint64) {
	if off < 1 {
		return NotAReturn, 0
	}

	// E8 rel32 — direct call, 5 bytes.
	if off >= 5 && text[off-5] == 0xe8 {
		rel := int32(binary.LittleEndian.Uint32(text[off-4 : off]))
		return ReturnKnown, base + uint64(off) + uint64(int64(rel))
	}

	// E9 rel32 — jmp, never a return address.
	if off >= 5 && text[off-5] == 0xe9 {
		return NotAReturn, 0
	}

	// FF 90 imm32 — call [rax+imm32], indirect through a register: the
	// target cannot be known statically.
	if off >= 6 && text[off-6] == 0xff && text[off-5] == 0x90 {
		return ReturnUnknown, 0
	}

	// FF 15 rel32 — call [rip+rel32], an indirect call through a memory
	// pointer; follow it via a live read if a backend is available.
	if off >= 6 && text[off-6] == 0xff && text[off-5] == 0x15 {
		rel := int32(binary.LittleEndian.Uint32(text[off-4 : off]))
		ptrVA := base + uint64(off) + uint64(int64(rel))
		if reader == nil {
			return ReturnUnknown, 0
		}
		target, err := reader.ReadU64(ctx, ptrVA)
		if err != nil {
			return ReturnUnknown, 0
		}
		return ReturnKnown, target
	}

	// FF 14 25 imm32 or FF 14 C5 imm32 — call [table + idx*8]-style
	// indirect via a fixed table base; target depends on a register, so
	// treat as unknown.
	if off >= 7 && text[off-7] == 0xff && text[off-6] == 0x14 && (text[off-5] == 0x25 || text[off-5] == 0xc5) {
		return ReturnUnknown, 0
	}

	// Any other preceding "FF ??" short-form call encoding: unknown but
	// plausible.
	if off >= 2 && text[off-2] == 0xff {
		return ReturnUnknown, 0
	}

	return NotAReturn, 0
}
