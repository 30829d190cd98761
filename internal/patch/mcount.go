package patch

// ApplyMcount runs Pass D over text in place, per spec.md §4.3: each
// address between __start_mcount_loc and __stop_mcount_loc is nop-5'ed
// using ideal_nops[5] — the ftrace inactive state.
func ApplyMcount(text []byte, textMemAddr uint64, sites []uint64) {
	for _, va := range sites {
		if va < textMemAddr {
			continue
		}
		off := va - textMemAddr
		if off+5 > uint64(len(text)) {
			continue
		}
		copy(text[off:off+5], IdealNop5)
	}
}
