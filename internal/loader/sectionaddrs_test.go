package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLayout = `
struct_size: 1024
modules:
  mymod:
    module_addr: 0xffffffffa0000000
    percpu_base: 0xffffffffa0010000
    gpl_syms: 0xffffffffa0020000
    sections:
      .text: 0xffffffffa0001000
      .data: 0xffffffffa0002000
`

func writeLayout(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "layout.yaml")
	require.NoError(t, os.WriteFile(p, []byte(sampleLayout), 0o644))
	return p
}

func TestFileSectionAddrSourceLookups(t *testing.T) {
	s, err := LoadFileSectionAddrSource(writeLayout(t))
	require.NoError(t, err)

	addr, ok := s.ModuleSectionAddr("mymod", ".text")
	require.True(t, ok)
	assert.EqualValues(t, 0xffffffffa0001000, addr)

	_, ok = s.ModuleSectionAddr("mymod", ".bss")
	assert.False(t, ok)

	_, ok = s.ModuleSectionAddr("othermod", ".text")
	assert.False(t, ok)

	gpl, ok := s.ModuleGPLSyms("mymod")
	require.True(t, ok)
	assert.EqualValues(t, 0xffffffffa0020000, gpl)

	assert.EqualValues(t, 1024, s.ModuleStructSize())

	base, ok := s.ModulePercpuBase("mymod")
	require.True(t, ok)
	assert.EqualValues(t, 0xffffffffa0010000, base)
}
