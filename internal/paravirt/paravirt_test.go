package paravirt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveimage/kvalidate/internal/dwarfx"
)

type fakeFunction struct {
	addr uint64
	name string
}

func (f fakeFunction) Address() uint64 { return f.addr }
func (f fakeFunction) Name() string    { return f.name }

type fakeInstance struct {
	addr    uint64
	size    int64
	members map[int64]fakeInstance
}

func (i fakeInstance) Address() uint64 { return i.addr }
func (i fakeInstance) Size() int64     { return i.size }
func (i fakeInstance) MemberByName(string, bool) (dwarfx.Instance, error) {
	return nil, dwarfx.ErrNotFound
}
func (i fakeInstance) MemberByOffset(off int64) (dwarfx.Instance, error) {
	m, ok := i.members[off]
	if !ok {
		return nil, dwarfx.ErrNotFound
	}
	return m, nil
}
func (i fakeInstance) ArrayElem(int) (dwarfx.Instance, error) { return nil, dwarfx.ErrNotFound }
func (i fakeInstance) ChangeBaseType(string, string) (dwarfx.Instance, error) {
	return nil, dwarfx.ErrNotFound
}

type fakeOracle struct {
	globals   map[string]fakeInstance
	functions map[string]fakeFunction
}

func (o fakeOracle) FindVariable(context.Context, string) (dwarfx.Variable, error) {
	return nil, dwarfx.ErrNotFound
}
func (o fakeOracle) FindFunction(_ context.Context, name string) (dwarfx.Function, error) {
	f, ok := o.functions[name]
	if !ok {
		return nil, dwarfx.ErrNotFound
	}
	return f, nil
}
func (o fakeOracle) FindBaseType(context.Context, string) (dwarfx.BaseType, error) {
	return nil, dwarfx.ErrNotFound
}
func (o fakeOracle) Global(_ context.Context, name string) (dwarfx.Instance, error) {
	g, ok := o.globals[name]
	if !ok {
		return nil, dwarfx.ErrNotFound
	}
	return g, nil
}

func buildOracle() fakeOracle {
	irqOps := fakeInstance{addr: 0x1000, size: 16, members: map[int64]fakeInstance{
		0: {addr: 0xaaaa0000},
		8: {addr: 0xaaaa0008},
	}}
	cpuOps := fakeInstance{addr: 0x2000, size: 8, members: map[int64]fakeInstance{
		0: {addr: 0xbbbb0000},
	}}
	mmuOps := fakeInstance{addr: 0x3000, size: 8, members: map[int64]fakeInstance{
		0: {addr: 0xcccc0000},
	}}
	return fakeOracle{
		globals: map[string]fakeInstance{
			"pv_irq_ops": irqOps,
			"pv_cpu_ops": cpuOps,
			"pv_mmu_ops": mmuOps,
		},
		functions: map[string]fakeFunction{
			"_paravirt_nop":       {addr: 0xdead0000, name: "_paravirt_nop"},
			"_paravirt_ident_32":  {addr: 0xdead0020, name: "_paravirt_ident_32"},
			"_paravirt_ident_64":  {addr: 0xdead0040, name: "_paravirt_ident_64"},
		},
	}
}

func TestSnapshotFlattensOpsTables(t *testing.T) {
	s, err := Snapshot(context.Background(), buildOracle())
	require.NoError(t, err)

	v, ok := s.OpFuncAt(0)
	require.True(t, ok)
	assert.Equal(t, uint64(0xaaaa0000), v)

	v, ok = s.OpFuncAt(8)
	require.True(t, ok)
	assert.Equal(t, uint64(0xaaaa0008), v)

	// pv_cpu_ops starts after pv_irq_ops's two 8-byte entries: index 2.
	v, ok = s.OpFuncAt(16)
	require.True(t, ok)
	assert.Equal(t, uint64(0xbbbb0000), v)

	assert.Equal(t, uint64(0xdead0000), s.NopFunc())
	assert.Equal(t, uint64(0xdead0020), s.Ident32Func())
	assert.Equal(t, uint64(0xdead0040), s.Ident64Func())
}

func TestCanonicalBlobKnownAndUnknown(t *testing.T) {
	s, err := Snapshot(context.Background(), buildOracle())
	require.NoError(t, err)

	blob, ok := s.CanonicalBlob("pv_cpu_ops.iret")
	require.True(t, ok)
	assert.Equal(t, []byte{0x48, 0xcf}, blob)

	_, ok = s.CanonicalBlob("pv_cpu_ops.not_a_real_site")
	assert.False(t, ok)
}

func TestOpFuncAtOutOfRange(t *testing.T) {
	s, err := Snapshot(context.Background(), buildOracle())
	require.NoError(t, err)

	_, ok := s.OpFuncAt(9999)
	assert.False(t, ok)
}
