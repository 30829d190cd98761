package patch

// JumpEntry is one __jump_table triple, per spec.md §4.3 Pass E.
type JumpEntry struct {
	CodeVA   uint64
	TargetVA uint64
	KeyVA    uint64
}

// KeyReader reads a jump-label key's enabled.counter from live memory.
type KeyReader interface {
	EnabledCounter(keyVA uint64) (int32, error)
}

// ApplyJumpLabels runs Pass E over text in place, per spec.md §4.3 and
// §8 invariant 4: when the key's enabled.counter is nonzero, write
// 0xe9 + rel32(target-code-5) at code; otherwise write ideal_nops[5].
// Every (code, destination) pair is recorded for the whitelist.
func ApplyJumpLabels(text []byte, textMemAddr uint64, entries []JumpEntry, keys KeyReader, st *SideTables) error {
	for _, e := range entries {
		if e.CodeVA < textMemAddr {
			continue
		}
		off := e.CodeVA - textMemAddr
		if off+5 > uint64(len(text)) {
			continue
		}

		counter, err := keys.EnabledCounter(e.KeyVA)
		if err != nil {
			return err
		}

		if counter != 0 {
			writeRelJump(text, off, e.CodeVA, e.TargetVA, 0xe9)
		} else {
			copy(text[off:off+5], IdealNop5)
		}

		st.JumpEntries[e.CodeVA] = e.TargetVA
		st.JumpDestinations[e.TargetVA] = true
	}
	return nil
}
