package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGuards = `
stack_guards:
  - kernel_version: "2.6.18"
    offset: 0x1F50
    value: 0xffffffff80512340
    note: "per-cpu idle thread pointer, 2.6.18 only"
  - kernel_version: "2.6.18"
    offset: 0x1ED0
    value: 0xffffffff8050abc0
zero_pages:
  - kernel_version: "2.6.18"
    address: 0xffff81aef000
    note: "unused guard page"
  - address: 0xffff817c6000
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "guards.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleGuards), 0o644))
	return path
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	g, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, g.StackGuards)
	assert.Empty(t, g.ZeroPages)
}

func TestLoadEmptyPathIsEmpty(t *testing.T) {
	g, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, g.StackGuards)
}

func TestLoadAndFilterByKernel(t *testing.T) {
	g, err := Load(writeSample(t))
	require.NoError(t, err)
	require.Len(t, g.StackGuards, 2)
	require.Len(t, g.ZeroPages, 2)

	filtered := g.ForKernel("2.6.18")
	assert.Len(t, filtered.StackGuards, 2)
	assert.Len(t, filtered.ZeroPages, 2) // one matches version, one is version-agnostic

	filtered = g.ForKernel("5.10.0")
	assert.Empty(t, filtered.StackGuards)
	assert.Len(t, filtered.ZeroPages, 1) // only the version-agnostic entry
}

func TestIsZeroPageAndStackGuardAt(t *testing.T) {
	g, err := Load(writeSample(t))
	require.NoError(t, err)

	assert.True(t, g.IsZeroPage(0xffff81aef000))
	assert.False(t, g.IsZeroPage(0xdeadbeef))

	sg, ok := g.StackGuardAt(0x1F50)
	require.True(t, ok)
	assert.Equal(t, uint64(0xffffffff80512340), sg.Value)

	_, ok = g.StackGuardAt(0x9999)
	assert.False(t, ok)
}
