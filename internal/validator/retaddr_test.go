package validator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsReturnAddressDirectCall(t *testing.T) {
	text := make([]byte, 32)
	text[10] = 0xe8
	// rel32 = 5, target = base+15+5 = base+20
	text[11], text[12], text[13], text[14] = 5, 0, 0, 0

	class, target := IsReturnAddress(context.Background(), text, 15, 0x1000, nil)
	assert.Equal(t, ReturnKnown, class)
	assert.Equal(t, uint64(0x1000+20), target)
}

func TestIsReturnAddressJmpIsNotReturn(t *testing.T) {
	text := make([]byte, 32)
	text[10] = 0xe9
	text[11], text[12], text[13], text[14] = 5, 0, 0, 0

	class, _ := IsReturnAddress(context.Background(), text, 15, 0x1000, nil)
	assert.Equal(t, NotAReturn, class)
}

func TestIsReturnAddressIndirectRegisterUnknown(t *testing.T) {
	text := make([]byte, 32)
	text[9], text[10] = 0xff, 0x90
	text[11], text[12], text[13], text[14] = 0, 0, 0, 0

	class, _ := IsReturnAddress(context.Background(), text, 15, 0x1000, nil)
	assert.Equal(t, ReturnUnknown, class)
}

func TestIsReturnAddressNoPatternMatches(t *testing.T) {
	text := make([]byte, 32)
	class, _ := IsReturnAddress(context.Background(), text, 15, 0x1000, nil)
	assert.Equal(t, NotAReturn, class)
}

func TestIsReturnAddressShortFormFF(t *testing.T) {
	text := make([]byte, 32)
	text[13] = 0xff
	text[14] = 0xd0 // call rax

	class, _ := IsReturnAddress(context.Background(), text, 15, 0x1000, nil)
	assert.Equal(t, ReturnUnknown, class)
}
