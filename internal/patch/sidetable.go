package patch

// SideTables accumulates the "runtime-variation whitelist" spec.md §3
// describes as part of ExpectedImage: every location the five patch
// passes legitimately touched, consulted by the code-page validator
// when byte mismatches need to be judged benign vs. suspicious.
type SideTables struct {
	// SMPLockOffsets holds text-relative byte offsets rewritten by the
	// SMP-lock pass (spec.md §4.3 Pass C).
	SMPLockOffsets map[uint64]bool

	// JumpEntries maps a jump-label's code site (absolute VA) to its
	// recorded destination VA (spec.md §4.3 Pass E).
	JumpEntries map[uint64]uint64

	// JumpDestinations is the set of every recorded jump-label
	// destination VA, used by the data/stack pointer walk to treat
	// jump targets as benign.
	JumpDestinations map[uint64]bool

	// ParavirtPatchSites is the set of instruction VAs the paravirt
	// pass rewrote (spec.md §4.3 Pass B).
	ParavirtPatchSites map[uint64]bool
}

// NewSideTables returns an empty, ready-to-use SideTables.
func NewSideTables() *SideTables {
	return &SideTables{
		SMPLockOffsets:     make(map[uint64]bool),
		JumpEntries:        make(map[uint64]uint64),
		JumpDestinations:   make(map[uint64]bool),
		ParavirtPatchSites: make(map[uint64]bool),
	}
}

// Merge folds other's entries into st (used when concatenating the
// side tables of kernel + __ex_table/.notes surgery, spec.md §4.4).
func (st *SideTables) Merge(other *SideTables) {
	if other == nil {
		return
	}
	for k, v := range other.SMPLockOffsets {
		st.SMPLockOffsets[k] = v
	}
	for k, v := range other.JumpEntries {
		st.JumpEntries[k] = v
	}
	for k, v := range other.JumpDestinations {
		st.JumpDestinations[k] = v
	}
	for k, v := range other.ParavirtPatchSites {
		st.ParavirtPatchSites[k] = v
	}
}
