package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveimage/kvalidate/internal/loader"
	"github.com/liveimage/kvalidate/internal/patch"
	"github.com/liveimage/kvalidate/internal/report"
)

func TestValidatePageCleanMatch(t *testing.T) {
	text := make([]byte, PageSize)
	for i := range text {
		text[i] = byte(i)
	}
	kl := loader.NewKernelLoaderForTest(text, nil, 0xffffffff81000000, 0, nil, nil)
	l := loader.WrapKernel(kl)

	c := report.NewCollector()
	v := NewCodePageValidator(c)
	v.ValidatePage(l, 0xffffffff81000000, append([]byte(nil), text...))

	assert.Empty(t, c.All())
}

func TestValidatePageReportsUnexplainedMismatch(t *testing.T) {
	text := make([]byte, PageSize)
	kl := loader.NewKernelLoaderForTest(text, nil, 0xffffffff81000000, 0, nil, nil)
	l := loader.WrapKernel(kl)

	actual := make([]byte, PageSize)
	actual[100] = 0xcc

	c := report.NewCollector()
	v := NewCodePageValidator(c)
	v.ValidatePage(l, 0xffffffff81000000, actual)

	require.Len(t, c.All(), 1)
	assert.Equal(t, report.CodeMismatch, c.All()[0].Kind)
	assert.Equal(t, uint64(0xffffffff81000000+100), c.All()[0].Address)
}

func TestValidatePageOnlyReportsFirstByteOfRun(t *testing.T) {
	text := make([]byte, PageSize)
	kl := loader.NewKernelLoaderForTest(text, nil, 0xffffffff81000000, 0, nil, nil)
	l := loader.WrapKernel(kl)

	actual := make([]byte, PageSize)
	actual[50], actual[51], actual[52] = 1, 2, 3

	c := report.NewCollector()
	v := NewCodePageValidator(c)
	v.ValidatePage(l, 0xffffffff81000000, actual)

	require.Len(t, c.All(), 1)
	assert.Equal(t, uint64(0xffffffff81000000+50), c.All()[0].Address)
}

func TestValidatePageWhitelistsNopSwap(t *testing.T) {
	text := make([]byte, PageSize)
	copy(text[10:], patch.IdealNop5)

	kl := loader.NewKernelLoaderForTest(text, nil, 0xffffffff81000000, 0, nil, nil)
	l := loader.WrapKernel(kl)

	actual := make([]byte, PageSize)
	copy(actual[10:], patch.IdealNop9[:5])

	c := report.NewCollector()
	v := NewCodePageValidator(c)
	v.ValidatePage(l, 0xffffffff81000000, actual)

	assert.Empty(t, c.All())
}

func TestValidatePageUninitializedTail(t *testing.T) {
	text := make([]byte, 100) // shorter than one page
	kl := loader.NewKernelLoaderForTest(text, nil, 0xffffffff81000000, 0, nil, nil)
	l := loader.WrapKernel(kl)

	actual := make([]byte, PageSize)
	c := report.NewCollector()
	v := NewCodePageValidator(c)
	v.ValidatePage(l, 0xffffffff81000000, actual)

	require.Len(t, c.All(), 1)
	assert.Equal(t, report.UninitTail, c.All()[0].Kind)
}
