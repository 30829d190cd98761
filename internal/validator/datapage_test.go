package validator

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveimage/kvalidate/internal/config"
	"github.com/liveimage/kvalidate/internal/oracle"
	"github.com/liveimage/kvalidate/internal/report"
)

func buildIDTSlot(handler uint64) []byte {
	slot := make([]byte, idtSlotSize)
	binary.LittleEndian.PutUint16(slot[0:2], uint16(handler))
	binary.LittleEndian.PutUint16(slot[6:8], uint16(handler>>16))
	binary.LittleEndian.PutUint32(slot[8:12], uint32(handler>>32))
	return slot
}

func TestValidateIDTPageKnownFunction(t *testing.T) {
	o := oracle.New()
	o.AddFunctionSymbol("divide_error", "", 0x1000, 16)

	c := report.NewCollector()
	v := &DataPageValidator{Oracle: o, Collector: c}
	v.ValidateIDTPage(0xffffffffff5c0000, buildIDTSlot(0x1000), false)

	assert.Empty(t, c.All())
}

func TestValidateIDTPageUnknownHandler(t *testing.T) {
	o := oracle.New()
	c := report.NewCollector()
	v := &DataPageValidator{Oracle: o, Collector: c}
	v.ValidateIDTPage(0xffffffffff5c0000, buildIDTSlot(0xdeadbeef), false)

	require.Len(t, c.All(), 1)
	assert.Equal(t, report.IDTSlotUnknown, c.All()[0].Kind)
}

func TestValidateIDTPageNonzeroPaddingReported(t *testing.T) {
	o := oracle.New()
	c := report.NewCollector()
	v := &DataPageValidator{Oracle: o, Collector: c}

	slot := buildIDTSlot(0x1000)
	binary.LittleEndian.PutUint32(slot[12:16], 1)
	v.ValidateIDTPage(0xffffffffff5c0000, slot, false)

	require.Len(t, c.All(), 1)
	assert.Equal(t, report.IDTSlotUnknown, c.All()[0].Kind)
}

func TestValidateRoDataPageZeroPageTolerated(t *testing.T) {
	g := &config.Guards{ZeroPages: []config.ZeroPage{{Address: 0x9000}}}
	c := report.NewCollector()
	v := &DataPageValidator{Guards: g, Collector: c}

	expected := make([]byte, PageSize)
	actual := make([]byte, PageSize)
	actual[5] = 0xff // would mismatch if not tolerated

	v.ValidateRoDataPage(nil, 0x9000, expected, actual, nil)
	assert.Empty(t, c.All())
}

func TestValidateRoDataPageApicOverrideTolerated(t *testing.T) {
	v := &DataPageValidator{ApicMemWriteAddr: 0x1111, ApicEOIWriteAddr: 0x2222}

	expected := make([]byte, 16)
	actual := make([]byte, 16)
	binary.LittleEndian.PutUint64(expected[4:12], 0x1111)
	binary.LittleEndian.PutUint64(actual[4:12], 0x2222)

	assert.True(t, v.matchApicOverride(expected, actual, 4))
	assert.False(t, v.matchApicOverride(expected, actual, 0))
}
