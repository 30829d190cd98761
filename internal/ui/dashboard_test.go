package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveimage/kvalidate/internal/report"
)

func TestApplyIterationTracksPagesAndFindings(t *testing.T) {
	m := newModel()

	m.applyIteration(IterationStats{
		Iteration:      1,
		PagesValidated: 10,
		Findings: []*report.Finding{
			report.NewFinding(report.CodeMismatch, "vmlinux", 0x1000, "mismatch"),
			report.NewFinding(report.UnknownPointer, "vmlinux", 0x2000, "stray pointer"),
			report.NewFinding(report.CodeMismatch, "ext4.ko", 0x3000, "mismatch"),
		},
	})

	assert.Equal(t, 1, m.iterations)
	assert.Equal(t, 10, m.totalPages)

	vmlinux, ok := m.perLoader["vmlinux"]
	require.True(t, ok)
	assert.Equal(t, 2, vmlinux.findings)
	assert.Equal(t, 10, vmlinux.pages, "pages credited once per loader per iteration, not once per finding")

	ext4, ok := m.perLoader["ext4.ko"]
	require.True(t, ok)
	assert.Equal(t, 1, ext4.findings)

	assert.Equal(t, 2, m.perKind[report.CodeMismatch])
	assert.Equal(t, 1, m.perKind[report.UnknownPointer])
}

func TestApplyIterationCleanPassTracked(t *testing.T) {
	m := newModel()
	m.applyIteration(IterationStats{Iteration: 1, PagesValidated: 42})

	assert.Equal(t, 42, m.totalPages)
	clean, ok := m.perLoader["(all clean)"]
	require.True(t, ok)
	assert.Equal(t, 42, clean.pages)
	assert.Empty(t, m.perKind)
}

func TestApplyIterationAccumulatesAcrossIterations(t *testing.T) {
	m := newModel()
	m.applyIteration(IterationStats{Iteration: 1, PagesValidated: 5, Findings: []*report.Finding{
		report.NewFinding(report.OrphanPage, "", 0x1, "orphan"),
	}})
	m.applyIteration(IterationStats{Iteration: 2, PagesValidated: 5, Findings: []*report.Finding{
		report.NewFinding(report.OrphanPage, "", 0x1, "orphan"),
	}})

	assert.Equal(t, 2, m.iterations)
	assert.Equal(t, 10, m.totalPages)
	unassigned, ok := m.perLoader["(unassigned)"]
	require.True(t, ok)
	assert.Equal(t, 2, unassigned.findings)
	assert.Equal(t, 2, m.perKind[report.OrphanPage])
}

func TestSortedLoaderRowsDeterministicOrder(t *testing.T) {
	rows := map[string]*loaderRow{
		"zlib.ko":  {name: "zlib.ko", pages: 1},
		"ext4.ko":  {name: "ext4.ko", pages: 2},
		"vmlinux":  {name: "vmlinux", pages: 3},
	}
	sorted := sortedLoaderRows(rows)
	require.Len(t, sorted, 3)
	assert.Equal(t, "ext4.ko", sorted[0].name)
	assert.Equal(t, "vmlinux", sorted[1].name)
	assert.Equal(t, "zlib.ko", sorted[2].name)
}

func TestSortedKindRowsDeterministicOrder(t *testing.T) {
	counts := map[report.Kind]int{
		report.UnknownPointer: 1,
		report.CodeMismatch:   2,
	}
	sorted := sortedKindRows(counts)
	require.Len(t, sorted, 2)
	assert.Equal(t, report.CodeMismatch, sorted[0].kind)
	assert.Equal(t, report.UnknownPointer, sorted[1].kind)
}
