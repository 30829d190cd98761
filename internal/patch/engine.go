package patch

// Plan bundles every input the five passes need for one text image.
// Fields are left zero-valued when a pass doesn't apply (e.g. a
// userspace loader never has kernel alternatives/paravirt/jump-label
// sites).
type Plan struct {
	TextMemAddr uint64

	Alternatives           []AltEntry
	AltReplacement         []byte
	AltReplacementMemAddr  uint64
	AltReplacementElfAddr  uint64
	CPU                    FeatureSet

	Paravirt []ParaSite
	Ops      ParavirtOps

	SMPLockOffsets []uint64
	UPMode         bool

	McountSites []uint64

	JumpEntries []JumpEntry
	Keys        KeyReader
}

// Run executes the five passes in spec.md §4.3's required order
// (Alternatives and Paravirt before SMP-lock; Mcount and Jump-labels
// last) against a private copy of text, implementing the pure-transform
// re-design in spec.md §9: the input slice is never mutated, so callers
// can re-run Run against the same source bytes and get the same result
// (spec.md §8 invariant 1, patch idempotence).
func Run(text []byte, plan Plan) ([]byte, *SideTables, error) {
	out := make([]byte, len(text))
	copy(out, text)
	st := NewSideTables()

	if len(plan.Alternatives) > 0 {
		if plan.CPU == nil {
			plan.CPU = alwaysOffFeatures{}
		}
		if err := ApplyAlternatives(out, plan.TextMemAddr, plan.Alternatives, plan.AltReplacement, plan.AltReplacementMemAddr, plan.AltReplacementElfAddr, plan.CPU); err != nil {
			return nil, nil, err
		}
	}

	if len(plan.Paravirt) > 0 && plan.Ops != nil {
		if err := ApplyParavirt(out, plan.TextMemAddr, plan.Paravirt, plan.Ops, st); err != nil {
			return nil, nil, err
		}
	}

	if len(plan.SMPLockOffsets) > 0 {
		ApplySMPLock(out, plan.SMPLockOffsets, plan.UPMode, st)
	}

	if len(plan.McountSites) > 0 {
		ApplyMcount(out, plan.TextMemAddr, plan.McountSites)
	}

	if len(plan.JumpEntries) > 0 && plan.Keys != nil {
		if err := ApplyJumpLabels(out, plan.TextMemAddr, plan.JumpEntries, plan.Keys, st); err != nil {
			return nil, nil, err
		}
	}

	return out, st, nil
}

// alwaysOffFeatures is the default FeatureSet used when a loader carries
// alternatives but the caller supplied no CPU feature source (e.g. in
// unit tests exercising only the copy/pad mechanics).
type alwaysOffFeatures struct{}

func (alwaysOffFeatures) HasFeature(uint16) bool { return false }
