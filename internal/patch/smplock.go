package patch

// ApplySMPLock runs Pass C over text in place, per spec.md §4.3: entries
// is an array of self-relative 32-bit pointers (already resolved to
// absolute text-relative offsets by the caller) to `lock` prefix bytes.
// Under X86_FEATURE_UP each targeted byte becomes 0x3e (the up-mode
// no-op DS-segment override); otherwise 0xf0 (`lock`). Every rewritten
// offset is recorded into st.SMPLockOffsets, the whitelist consulted by
// the code-page validator (spec.md §4.6.1) and invariant 5 (spec.md
// §8): "under X86_FEATURE_UP, every recorded offset holds 0x3e;
// otherwise 0xf0".
func ApplySMPLock(text []byte, offsets []uint64, upMode bool, st *SideTables) {
	b := byte(0xf0)
	if upMode {
		b = 0x3e
	}
	for _, off := range offsets {
		if off >= uint64(len(text)) {
			continue
		}
		text[off] = b
		st.SMPLockOffsets[off] = true
	}
}
