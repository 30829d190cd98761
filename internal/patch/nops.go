// Package patch implements the five kernel self-modifying-code passes
// from spec.md §4.3: alternatives, paravirt, SMP-lock, mcount, and
// jump-labels. Each pass is a pure transform (spec.md §9's re-design
// note): it consumes a byte slice copy of a text image and returns a
// new ExpectedImage fragment plus whitelist side-table entries, rather
// than mutating a shared mapped buffer.
//
// Grounded on zboralski-galago/internal/emulator/elf.go's in-place
// section patching shape (copy replacement bytes into a target buffer,
// track patched ranges) and its use of encoding/binary for fixed-width
// field access.
package patch

// IdealNop5 and IdealNop9 are the Intel P6-family ideal-nop encodings
// spec.md's glossary names as the architecture default. add_nops fills
// maximal-length nops first, residual last, matching the kernel's
// add_nops() helper described in spec.md §4.3.
var p6Nops = map[int][]byte{
	1: {0x90},
	2: {0x66, 0x90},
	3: {0x0f, 0x1f, 0x00},
	4: {0x0f, 0x1f, 0x40, 0x00},
	5: {0x0f, 0x1f, 0x44, 0x00, 0x00},
	6: {0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	7: {0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
	8: {0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// IdealNop5 is the 5-byte nop-5 sequence mcount sites and disabled jump
// labels are padded with.
var IdealNop5 = p6Nops[5]

// IdealNop9 is the 9-byte nop sequence the code validator's "atomic nop
// swap" whitelist rule accepts as an alternative rendering of
// IdealNop5 (spec.md §4.6.1).
var IdealNop9 = append(append([]byte{}, p6Nops[5]...), p6Nops[4]...)

// AddNops fills buf[:length] with P6 ideal nops, maximal-length chunks
// first and the residual last, per spec.md §4.3's add_nops() helper.
func AddNops(buf []byte, length int) {
	off := 0
	for length > 0 {
		n := length
		if n > 8 {
			n = 8
		}
		seq := p6Nops[n]
		for len(seq) == 0 && n > 1 {
			n--
			seq = p6Nops[n]
		}
		copy(buf[off:off+len(seq)], seq)
		off += len(seq)
		length -= len(seq)
	}
}

// Nops returns a freshly allocated buffer of length n filled with ideal
// nops.
func Nops(n int) []byte {
	buf := make([]byte, n)
	AddNops(buf, n)
	return buf
}
