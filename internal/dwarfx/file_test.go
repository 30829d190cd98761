package dwarfx

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSnapshot = `
variables:
  init_uts_ns: {address: 0xffffffff820a0000, size: 16}
functions:
  _paravirt_nop: {address: 0xffffffff81001000}
base_types:
  u64: {size: 8}
globals:
  pv_irq_ops:
    size: 16
    members:
      - {name: save_fl, offset: 0, address: 0xffffffff81002000}
      - {name: restore_fl, offset: 8, address: 0xffffffff81002010}
`

func writeSnapshot(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dwarf.yaml")
	require.NoError(t, os.WriteFile(p, []byte(sampleSnapshot), 0o644))
	return p
}

func TestFileOracleFindVariable(t *testing.T) {
	fo, err := LoadFileOracle(writeSnapshot(t))
	require.NoError(t, err)

	v, err := fo.FindVariable(context.Background(), "init_uts_ns")
	require.NoError(t, err)
	assert.EqualValues(t, 0xffffffff820a0000, v.Address())
	assert.EqualValues(t, 16, v.Size())

	_, err = fo.FindVariable(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileOracleFindFunction(t *testing.T) {
	fo, err := LoadFileOracle(writeSnapshot(t))
	require.NoError(t, err)

	fn, err := fo.FindFunction(context.Background(), "_paravirt_nop")
	require.NoError(t, err)
	assert.EqualValues(t, 0xffffffff81001000, fn.Address())
	assert.Equal(t, "_paravirt_nop", fn.Name())
}

func TestFileOracleGlobalMemberByOffset(t *testing.T) {
	fo, err := LoadFileOracle(writeSnapshot(t))
	require.NoError(t, err)

	g, err := fo.Global(context.Background(), "pv_irq_ops")
	require.NoError(t, err)
	assert.EqualValues(t, 16, g.Size())

	m, err := g.MemberByOffset(8)
	require.NoError(t, err)
	assert.EqualValues(t, 0xffffffff81002010, m.Address())

	_, err = g.MemberByOffset(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileOracleGlobalArrayElem(t *testing.T) {
	fo, err := LoadFileOracle(writeSnapshot(t))
	require.NoError(t, err)

	g, err := fo.Global(context.Background(), "pv_irq_ops")
	require.NoError(t, err)

	e, err := g.ArrayElem(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0xffffffff81002010, e.Address())
}
