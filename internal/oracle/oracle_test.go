package oracle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSystemMapFirstWinsOnDuplicate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "System.map")
	content := "ffffffff81000000 T do_syscall_64\nffffffff81000999 T do_syscall_64\nffffffff81200000 D jiffies\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	o := New()
	require.NoError(t, o.LoadSystemMap(path))

	v, ok := o.Resolve("do_syscall_64")
	require.True(t, ok)
	assert.Equal(t, uint64(0xffffffff81000000), v)
}

func TestResolveTieringOrder(t *testing.T) {
	o := New()
	o.moduleSymbols["dup"] = 0x2000
	o.AddFunctionSymbol("dup", "", 0x3000, 4)
	o.systemMap["dup"] = 0x1000

	v, ok := o.Resolve("dup")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), v, "System.map must win over module and function symbols")
}

func TestAddFunctionSymbolCollisionSuffixesByModule(t *testing.T) {
	o := New()
	o.AddFunctionSymbol("helper", "moda", 0x1000, 8)
	o.AddFunctionSymbol("helper", "modb", 0x2000, 8)

	v, ok := o.Resolve("helper")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), v)

	v, ok = o.Resolve("helper_modb")
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000), v)
}

func TestIsFunctionAndIsSymbol(t *testing.T) {
	o := New()
	o.AddFunctionSymbol("foo", "", 0x1000, 16)
	o.AddModuleSymbol("bar", 0x2000)

	assert.True(t, o.IsFunction(0x1000))
	assert.False(t, o.IsFunction(0x2000))
	assert.True(t, o.IsSymbol(0x2000))
	assert.False(t, o.IsSymbol(0x9999))
}

func TestGetContainingSymbol(t *testing.T) {
	o := New()
	o.AddFunctionSymbol("foo", "", 0x1000, 0x100)
	o.AddFunctionSymbol("bar", "", 0x2000, 0x50)

	name, off, ok := o.GetContainingSymbol(0x1050)
	require.True(t, ok)
	assert.Equal(t, "foo", name)
	assert.Equal(t, uint64(0x50), off)

	_, _, ok = o.GetContainingSymbol(0x9000)
	assert.False(t, ok)
}

func TestGetModuleForAddress(t *testing.T) {
	o := New()
	o.AddFunctionSymbol("modfunc", "ext4", 0x5000, 16)

	mod, ok := o.GetModuleForAddress(0x5000)
	require.True(t, ok)
	assert.Equal(t, "ext4", mod)

	_, ok = o.GetModuleForAddress(0xdead)
	assert.False(t, ok)
}

func TestInExceptionTable(t *testing.T) {
	o := New()
	o.SetExceptionTable("kernel", 0x1000, 0x2000)

	assert.True(t, o.InExceptionTable("kernel", 0x1500))
	assert.False(t, o.InExceptionTable("kernel", 0x3000))
	assert.False(t, o.InExceptionTable("ext4", 0x1500))
}

func TestClassifyOrdering(t *testing.T) {
	o := New()
	o.AddFunctionSymbol("exact_fn", "", 0x1000, 0x10)
	o.AddFunctionSymbol("container_fn", "mod", 0x2000, 0x100)
	o.SetExceptionTable("mod", 0x5000, 0x5100)

	c := o.Classify(0x1000)
	assert.Equal(t, KindFunction, c.Kind)
	assert.Equal(t, "exact_fn", c.Symbol)

	c = o.Classify(0x2050)
	assert.Equal(t, KindFunction, c.Kind)
	assert.Equal(t, "container_fn", c.Symbol)
	assert.Equal(t, uint64(0x50), c.Offset)

	c = o.Classify(0x5050)
	assert.Equal(t, KindExceptionTableEntry, c.Kind)
	assert.Equal(t, "mod", c.Loader)

	c = o.Classify(0xffffffff)
	assert.Equal(t, KindUnknown, c.Kind)
	assert.False(t, c.Found)
}
