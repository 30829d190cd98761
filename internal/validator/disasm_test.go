package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnnotateInstructionsDecodesNopVsInt3(t *testing.T) {
	expected := []byte{0x90, 0x90, 0x90, 0x90, 0x90} // nop
	actual := []byte{0xcc, 0x90, 0x90, 0x90, 0x90}    // int3

	expText, actText := annotateInstructions(expected, actual, 0, 0xffffffff81000000)
	assert.Contains(t, expText, "nop")
	assert.Contains(t, actText, "int3")
}

func TestAnnotateInstructionsOutOfRange(t *testing.T) {
	expected := []byte{0x90}
	actual := []byte{0x90}
	expText, actText := annotateInstructions(expected, actual, 5, 0)
	assert.Empty(t, expText)
	assert.Empty(t, actText)
}
