package validator

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/liveimage/kvalidate/internal/hv"
	"github.com/liveimage/kvalidate/internal/loader"
	"github.com/liveimage/kvalidate/internal/oracle"
	"github.com/liveimage/kvalidate/internal/report"
	"github.com/liveimage/kvalidate/internal/taskmgr"
)

// phdrOffset is the load bias at which a PIE image's own program
// header table is typically mapped (dest.start+0x40), excluded from
// the cross-VMA pointer walk as a known-benign self-reference (spec.md
// §4.7.2).
const phdrOffset = 0x40

// ProcessValidator implements spec.md §4.7: one process's live pages
// are checked against its VMA list, each VMA dispatched to the code or
// data path, and its environment is diffed against an expectation.
type ProcessValidator struct {
	Tasks     taskmgr.Manager
	HV        hv.Backend
	Registry  *loader.Registry
	Oracle    *oracle.SymbolOracle
	Collector *report.Collector
}

// ValidateProcess runs the page checks of spec.md §4.7 for one pid:
// orphan pages, writable and stack/heap VMAs, and executable VMAs. It
// does not run the environment diff (CheckEnvironment).
func (v *ProcessValidator) ValidateProcess(ctx context.Context, pid int) error {
	procName, err := v.Tasks.ProcessName(ctx, pid)
	if err != nil {
		return fmt.Errorf("validator: process name for pid %d: %w", pid, err)
	}
	vmas, err := v.Tasks.MappedVMAs(ctx, pid)
	if err != nil {
		return fmt.Errorf("validator: VMAs for pid %d: %w", pid, err)
	}

	v.checkOrphanPages(ctx, pid, vmas)

	for _, vma := range vmas {
		switch {
		case vma.Pseudo() && (vma.Name == "[stack]" || vma.Name == "[heap]"):
			v.walkDataVMA(ctx, pid, vma, vmas)
		case vma.Pseudo():
			continue
		case vma.Write:
			v.walkDataVMA(ctx, pid, vma, vmas)
		case vma.Exec:
			v.validateCodeVMA(ctx, pid, procName, vma)
		default:
			// read-only, non-exec: trusted file-backed mapping, skipped.
			continue
		}
	}

	return nil
}

// checkOrphanPages implements spec.md §4.7 step 1: every live page
// reported by the hypervisor for pid must fall inside some VMA.
func (v *ProcessValidator) checkOrphanPages(ctx context.Context, pid int, vmas []taskmgr.VMA) {
	pages, err := v.HV.Pages(ctx, pid)
	if err != nil {
		return
	}
	for p := range pages {
		covered := false
		for _, vma := range vmas {
			if vma.Contains(p.VAddr) {
				covered = true
				break
			}
		}
		if !covered {
			v.Collector.Add(report.NewFinding(report.OrphanPage, "", p.VAddr,
				fmt.Sprintf("page 0x%x of pid %d has no covering VMA", p.VAddr, pid)))
		}
	}
}

// validateCodeVMA implements spec.md §4.7.1.
func (v *ProcessValidator) validateCodeVMA(ctx context.Context, pid int, procName string, vma taskmgr.VMA) {
	l := v.resolveCodeLoader(procName, vma)
	if l == nil {
		v.Collector.Add(report.NewFinding(report.MissingLoader, "", vma.Start,
			fmt.Sprintf("library %q mapped by pid %d but not recorded as a dependency", vma.Name, pid)))
		return
	}

	text := l.GetText()
	checked := uint64(0)
	for checked < vma.End-vma.Start {
		remaining := (vma.End - vma.Start) - checked
		chunk := uint64(PageSize)
		if chunk > remaining {
			chunk = remaining
		}
		live, err := v.HV.ReadVector(ctx, vma.Start+checked, int(chunk), hv.ReadOpts{PID: pid, Safe: true})
		if err != nil || len(live) == 0 {
			checked += uint64(PageSize)
			continue
		}
		off := int(checked)
		if off >= len(text) {
			checked += uint64(PageSize)
			continue
		}
		end := off + len(live)
		if end > len(text) {
			end = len(text)
		}
		expected := text[off:end]

		for i := range expected {
			if i >= len(live) {
				break
			}
			if expected[i] != live[i] {
				f := report.NewFinding(report.CodeMismatch, l.Name(), vma.Start+checked+uint64(i),
					fmt.Sprintf("code mismatch in %s at VMA offset 0x%x", vma.Name, checked+uint64(i)))
				f.Expected = surrounding(expected, i, 15)
				f.Actual = surrounding(live, i, 15)
				v.Collector.Add(f)
				return
			}
		}
		checked += uint64(len(live))
	}
}

// resolveCodeLoader picks the executable or library loader owning
// vma, per spec.md §4.7.1.
func (v *ProcessValidator) resolveCodeLoader(procName string, vma taskmgr.VMA) *loader.Loader {
	base := filepath.Base(vma.Name)
	if strings.HasSuffix(procName, base) || strings.HasSuffix(base, procName) {
		if l, ok := v.Registry.Get(procName); ok {
			return l
		}
	}
	if l, ok := v.Registry.Get(base); ok {
		return l
	}
	return nil
}

// walkDataVMA implements spec.md §4.7.2: every aligned pointer in vma
// that lands inside another mapped executable VMA is classified and,
// unless benign, reported.
func (v *ProcessValidator) walkDataVMA(ctx context.Context, pid int, vma taskmgr.VMA, all []taskmgr.VMA) {
	size := vma.End - vma.Start
	data, err := v.HV.ReadVector(ctx, vma.Start, int(size), hv.ReadOpts{PID: pid, Safe: true})
	if err != nil {
		return
	}

	for off := 0; off+8 <= len(data); off += 8 {
		word := binary.LittleEndian.Uint64(data[off : off+8])
		if word == 0 {
			continue
		}
		for _, dest := range all {
			if !dest.Exec || dest.Start == vma.Start {
				continue
			}
			if !dest.Contains(word) {
				continue
			}
			if word == dest.Start+phdrOffset {
				continue
			}
			if v.classifyDataPointer(vma, dest, uint64(off), word) {
				continue
			}
		}
	}
}

// classifyDataPointer implements a reduced form of the 8-step order in
// spec.md §4.7.2: steps 1, 2 and 7, else a report; the other steps are
// not implemented.
// It returns true once the pointer has been explained or reported
// (every branch terminates classification).
func (v *ProcessValidator) classifyDataPointer(src, dest taskmgr.VMA, srcOff, value uint64) bool {
	destLoader, haveLoader := v.Registry.Get(filepath.Base(dest.Name))

	if haveLoader {
		if name, ok := v.Oracle.GetSymbolName(value); ok {
			_ = name
			return true // step 1: matches a symbol of the destination loader
		}
	} else if dest.Name != "" {
		return true // step 2: unknown loader but a named file-backed mapping
	}

	if haveLoader {
		if destLoader.IsCodeAddress(value) {
			class, _ := IsReturnAddress(context.Background(), destLoader.GetText(), int(value-destLoader.TextMemAddr()), destLoader.TextMemAddr(), nil)
			if value == destLoader.TextMemAddr() || class != NotAReturn {
				return true // step 7: entry point or return address
			}
		}
	}

	f := report.NewFinding(report.UnknownPointer, src.Name, src.Start+srcOff,
		fmt.Sprintf("unexplained cross-VMA pointer 0x%x at %s+0x%x -> %s", value, src.Name, srcOff, dest.Name))
	v.Collector.Add(f)
	return true
}

// CheckEnvironment implements spec.md §4.7.3: diff the process's live
// environment against an expected {name:value} map.
func (v *ProcessValidator) CheckEnvironment(ctx context.Context, pid int, expected map[string]string) error {
	actual, err := v.Tasks.EnvForTask(ctx, pid)
	if err != nil {
		return fmt.Errorf("validator: env for pid %d: %w", pid, err)
	}
	for k, want := range expected {
		got, ok := actual[k]
		if !ok || got != want {
			v.Collector.Add(report.NewFinding(report.EnvMismatch, "", 0,
				fmt.Sprintf("pid %d env %s: want %q, got %q (present=%v)", pid, k, want, got, ok)))
		}
	}
	return nil
}
