package validator

import "golang.org/x/arch/x86/x86asm"

// annotateInstructions best-effort decodes the x86-64 instruction starting
// at off in both the expected and actual byte streams and attaches their
// GNU-syntax text to a finding's annotations, so a CodeMismatch report
// shows what instruction actually changed rather than a bare byte diff.
func annotateInstructions(expected, actual []byte, off int, pc uint64) (expText, actText string) {
	if off < len(expected) {
		if inst, err := x86asm.Decode(expected[off:], 64); err == nil {
			expText = x86asm.GNUSyntax(inst, pc, nil)
		}
	}
	if off < len(actual) {
		if inst, err := x86asm.Decode(actual[off:], 64); err == nil {
			actText = x86asm.GNUSyntax(inst, pc, nil)
		}
	}
	return expText, actText
}
