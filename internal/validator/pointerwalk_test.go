package validator

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveimage/kvalidate/internal/loader"
	"github.com/liveimage/kvalidate/internal/oracle"
	"github.com/liveimage/kvalidate/internal/patch"
	"github.com/liveimage/kvalidate/internal/report"
)

func TestWalkPageSkipsAllOnesAndKnownFunction(t *testing.T) {
	o := oracle.New()
	o.AddFunctionSymbol("fn", "", 0xffffffff81000100, 16)
	reg := loader.NewRegistry()
	c := report.NewCollector()
	w := &PointerWalker{Oracle: o, Registry: reg, Collector: c}

	kl := loader.NewKernelLoaderForTest(make([]byte, 64), nil, 0xffffffff81000000, 0, nil, nil)
	owner := loader.WrapKernel(kl)

	page := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(page[0:8], 0xffffffffffffffff)
	binary.LittleEndian.PutUint64(page[8:16], 0xffffffff81000100)

	w.WalkPage(owner, 0x9000, page)
	assert.Empty(t, c.All())
}

func TestWalkPageReportsUnexplainedPointer(t *testing.T) {
	o := oracle.New()
	reg := loader.NewRegistry()
	c := report.NewCollector()
	w := &PointerWalker{Oracle: o, Registry: reg, Collector: c}

	kl := loader.NewKernelLoaderForTest(make([]byte, 64), nil, 0xffffffff81000000, 0, nil, nil)
	owner := loader.WrapKernel(kl)

	page := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(page[0:8], 0xffffffffdeadbeef)

	w.WalkPage(owner, 0x9000, page)
	require.Len(t, c.All(), 1)
	assert.Equal(t, report.UnknownPointer, c.All()[0].Kind)
}

func TestWalkPageWhitelistsSMPLockOffset(t *testing.T) {
	o := oracle.New()
	reg := loader.NewRegistry()
	c := report.NewCollector()
	w := &PointerWalker{Oracle: o, Registry: reg, Collector: c}

	st := patch.NewSideTables()
	const textBase = 0xffffffff81000000
	const absPointer = 0xffffffffdeadbeef
	st.SMPLockOffsets[absPointer-textBase] = true // keyed text-relative, per ApplySMPLock

	kl := loader.NewKernelLoaderForTest(make([]byte, 64), nil, textBase, 0, st, nil)
	owner := loader.WrapKernel(kl)

	page := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(page[0:8], absPointer)

	w.WalkPage(owner, 0x9000, page)
	assert.Empty(t, c.All())
}
