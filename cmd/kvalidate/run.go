package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/liveimage/kvalidate/internal/config"
	"github.com/liveimage/kvalidate/internal/dwarfx"
	"github.com/liveimage/kvalidate/internal/hv"
	"github.com/liveimage/kvalidate/internal/kvctx"
	klog "github.com/liveimage/kvalidate/internal/log"
	"github.com/liveimage/kvalidate/internal/loader"
	"github.com/liveimage/kvalidate/internal/paravirt"
	"github.com/liveimage/kvalidate/internal/patch"
	"github.com/liveimage/kvalidate/internal/reloc"
	"github.com/liveimage/kvalidate/internal/report"
	"github.com/liveimage/kvalidate/internal/taskmgr"
	"github.com/liveimage/kvalidate/internal/ui"
	"github.com/liveimage/kvalidate/internal/ui/colorize"
	"github.com/liveimage/kvalidate/internal/validator"
)

// runtime bundles everything one validation iteration needs: the
// loaded kernel/module registry, the hv backend, and the five
// validators wired against a single report.Collector. Loop mode keeps
// one runtime and resetCollector swaps in a fresh collector after each
// pass, so no findings carry over between iterations.
type runtime struct {
	kctx      *kvctx.Context
	backend   hv.Backend
	registry  *loader.Registry
	tasks     taskmgr.Manager // nil when --tasks was not given
	collector *report.Collector

	codeV    *validator.CodePageValidator
	dataV    *validator.DataPageValidator
	pointerW *validator.PointerWalker
	stackV   *validator.StackPageValidator
	processV *validator.ProcessValidator

	pagesValidated  int
	stacksValidated int
}

// loadCollaborators resolves the optional --dwarf/--tasks/--layout
// file-backed snapshots into the interfaces the loader and patch
// packages consume, falling back to the noop/zero-value
// implementations documented in collaborators.go when a flag is
// absent (spec.md §1/§6: DWARF, task manager and live module metadata
// are external collaborators, out of scope to reach for real).
func loadCollaborators(opts cliOptions) (dwarfx.Oracle, taskmgr.Manager, loader.SectionAddrSource, error) {
	var dwarfOracle dwarfx.Oracle = noopDWARFOracle{}
	if opts.dwarfPath != "" {
		fo, err := dwarfx.LoadFileOracle(opts.dwarfPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load dwarf snapshot: %w", err)
		}
		dwarfOracle = fo
	}

	var tasks taskmgr.Manager
	if opts.tasksPath != "" {
		tm, err := taskmgr.LoadFileManager(opts.tasksPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load task snapshot: %w", err)
		}
		tasks = tm
	}

	var addrs loader.SectionAddrSource = noopSectionAddrSource{}
	if opts.layoutPath != "" {
		fs, err := loader.LoadFileSectionAddrSource(opts.layoutPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load module layout: %w", err)
		}
		addrs = fs
	}

	return dwarfOracle, tasks, addrs, nil
}

// discoverModules walks kerneldir for .ko files, per spec.md §6's
// "<kerneldir>/**/*.ko" file input.
func discoverModules(kerneldir string) ([]string, error) {
	var kos []string
	err := filepath.Walk(kerneldir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".ko") {
			kos = append(kos, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", kerneldir, err)
	}
	return kos, nil
}

// buildRuntime loads the kernel, loads every discovered module
// concurrently, and constructs the five validators, all wired against
// one fresh report.Collector. This is the sequencing spec.md §5
// requires: kernel fully loaded and its oracle populated before module
// loading starts, and all modules complete before page validation.
func buildRuntime(ctx context.Context, opts cliOptions, kc *kvctx.Context, backend hv.Backend, guards *config.Guards) (*runtime, error) {
	dwarfOracle, tasks, addrs, err := loadCollaborators(opts)
	if err != nil {
		return nil, err
	}

	cpu := resolveFeatureSet(ctx, backend, dwarfOracle)

	paravirtOps, err := paravirt.Snapshot(ctx, dwarfOracle)
	var ops patch.ParavirtOps
	if err != nil {
		ops = zeroParavirtOps{}
	} else {
		ops = paravirtOps
	}

	keys := hvKeyReader{ctx: ctx, backend: backend}

	resolve := tieredResolver(ctx, kc.Oracle, dwarfOracle)
	engine := reloc.Engine{
		Resolve:     resolve,
		SectionAddr: func(shndx int) (uint64, bool) { return 0, false },
		PercpuIndex: -1,
	}

	vmlinuxPath := filepath.Join(opts.kerneldir, "vmlinux")
	kl, err := loader.LoadKernel(vmlinuxPath, kc.Oracle, engine, cpu, opts.upMode, ops, keys)
	if err != nil {
		return nil, fmt.Errorf("load kernel %s: %w", vmlinuxPath, err)
	}

	reg := loader.NewRegistry()
	reg.SetKernel(kl)
	kc.Registry = reg

	koFiles, err := discoverModules(opts.kerneldir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(koFiles))
	for i, p := range koFiles {
		names[i] = strings.TrimSuffix(filepath.Base(p), ".ko")
	}
	resolver := loader.NewDirModuleResolver(koFiles)

	if len(names) > 0 {
		if err := loader.LoadModulesConcurrently(ctx, names, resolver, addrs, reg, kc.Oracle, cpu, opts.upMode, ops, opts.jobs); err != nil {
			return nil, fmt.Errorf("load modules: %w", err)
		}
	}

	idtAddr, _ := kc.Oracle.Resolve("idt_table")
	nmiIdtAddr, _ := kc.Oracle.Resolve("debug_idt_table")
	irqEntries, _ := kc.Oracle.Resolve("irq_entries_start")
	apicMemWrite, _ := kc.Oracle.Resolve("native_apic_mem_write")
	apicEOIWrite, _ := kc.Oracle.Resolve("kvm_guest_apic_eoi_write")
	sinittext, _ := kc.Oracle.Resolve("_sinittext")
	validator.GenericUnrolledAddr, _ = kc.Oracle.Resolve("copy_user_generic_unrolled")

	collector := report.NewCollector()

	dataV := (&validator.DataPageValidator{
		Oracle:           kc.Oracle,
		Guards:           guards,
		Collector:        collector,
		IDTAddr:          idtAddr,
		NMIIDTAddr:       nmiIdtAddr,
		IRQEntriesStart:  irqEntries,
		ApicMemWriteAddr: apicMemWrite,
		ApicEOIWriteAddr: apicEOIWrite,
	}).WithInitTextBase(sinittext)

	callTargets, err := validator.LoadCallTargets(opts.targetsPath)
	if err != nil {
		return nil, fmt.Errorf("load call targets: %w", err)
	}

	rt := &runtime{
		kctx:      kc,
		backend:   backend,
		registry:  reg,
		tasks:     tasks,
		collector: collector,
		codeV:     validator.NewCodePageValidator(collector),
		dataV:     dataV,
		pointerW:  &validator.PointerWalker{Oracle: kc.Oracle, Registry: reg, Collector: collector},
		stackV:    validator.NewStackPageValidator(kc.Oracle, reg, guards, collector, callTargets),
		processV: &validator.ProcessValidator{
			Tasks: tasks, HV: backend, Registry: reg, Oracle: kc.Oracle, Collector: collector,
		},
	}
	return rt, nil
}

// runOnce executes one full validation pass: per-task stack and
// process checks first, then code pages, then data/IDT pages.
func (rt *runtime) runOnce(ctx context.Context, opts cliOptions) error {
	rt.pagesValidated = 0
	rt.stacksValidated = 0

	if rt.tasks != nil {
		tasks, err := rt.tasks.Tasks(ctx)
		if err != nil {
			return fmt.Errorf("enumerate tasks: %w", err)
		}
		for _, t := range tasks {
			if err := rt.stackV.ValidateTask(ctx, rt.backend, strconv.Itoa(t.PID), t.SP0, t.SP); err != nil {
				klog.L.Warn("stack validation failed", klog.Fn(strconv.Itoa(t.PID)))
			} else {
				rt.stacksValidated++
			}
			if err := rt.processV.ValidateProcess(ctx, t.PID); err != nil {
				klog.L.Warn("process validation failed", klog.Fn(strconv.Itoa(t.PID)))
			}
		}
	}

	if opts.codeValidation {
		if err := rt.walkKernelAndModuleText(ctx); err != nil {
			return err
		}
	}

	if opts.dataValidation {
		rt.walkKernelRoData()
		rt.walkIDT()
	}

	rt.drainFindings()
	return nil
}

// walkKernelAndModuleText walks every executable page the hypervisor
// reports and diffs it against the owning loader's expected image
// (spec.md §4.6.1), for the kernel and every loaded module.
func (rt *runtime) walkKernelAndModuleText(ctx context.Context) error {
	pages, err := rt.backend.KernelPages(ctx)
	if err != nil {
		return fmt.Errorf("enumerate kernel pages: %w", err)
	}
	for p := range pages {
		if !p.Exec {
			continue
		}
		l, ok := rt.registry.FindLoaderForAddress(p.VAddr)
		if !ok {
			continue
		}
		actual, err := rt.backend.ReadVector(ctx, p.VAddr, validator.PageSize, hv.ReadOpts{Safe: true})
		if err != nil {
			continue // hypervisor transient failure, spec.md §7: advance silently
		}
		rt.codeV.ValidatePage(l, p.VAddr, actual)
		rt.pointerW.WalkPage(l, p.VAddr, actual)
		rt.pagesValidated++
	}
	return nil
}

// walkKernelRoData diffs the kernel's .rodata image against live
// memory, per spec.md §4.6.2.
func (rt *runtime) walkKernelRoData() {
	kl := rt.registry.Kernel()
	if kl == nil || kl.Kernel == nil {
		return
	}
	rodata, rodataAddr := kl.Kernel.RoDataImage()
	for off := 0; off+validator.PageSize <= len(rodata); off += validator.PageSize {
		pageVA := rodataAddr + uint64(off)
		actual, err := rt.backend.ReadVector(context.Background(), pageVA, validator.PageSize, hv.ReadOpts{Safe: true})
		if err != nil {
			continue
		}
		rt.dataV.ValidateRoDataPage(kl, pageVA, rodata[off:off+validator.PageSize], actual, rt.pointerW)
		rt.pagesValidated++
	}
}

// walkIDT reconstructs the 256-entry IDT and NMI-IDT pages (256 *
// 16 bytes = one page each) via ValidateIDTPage, per spec.md §4.6.2.
func (rt *runtime) walkIDT() {
	if rt.dataV.IDTAddr != 0 {
		if actual, err := rt.backend.ReadVector(context.Background(), rt.dataV.IDTAddr, validator.PageSize, hv.ReadOpts{Safe: true}); err == nil {
			rt.dataV.ValidateIDTPage(rt.dataV.IDTAddr, actual, false)
			rt.pagesValidated++
		}
	}
	if rt.dataV.NMIIDTAddr != 0 {
		if actual, err := rt.backend.ReadVector(context.Background(), rt.dataV.NMIIDTAddr, validator.PageSize, hv.ReadOpts{Safe: true}); err == nil {
			rt.dataV.ValidateIDTPage(rt.dataV.NMIIDTAddr, actual, true)
			rt.pagesValidated++
		}
	}
}

// stats summarizes the iteration just completed for the --ui dashboard
// (SPEC_FULL.md §4.5). Must be called before resetCollector, since it
// reads rt.collector's findings.
func (rt *runtime) stats(iteration int, started time.Time) ui.IterationStats {
	return ui.IterationStats{
		Iteration:       iteration,
		Started:         started,
		Duration:        time.Since(started),
		PagesValidated:  rt.pagesValidated,
		StacksValidated: rt.stacksValidated,
		Findings:        rt.collector.All(),
	}
}

// resetCollector swaps in a fresh report.Collector for every validator
// between loop-mode iterations, per spec.md §7: loop mode remembers
// nothing about prior findings.
func (rt *runtime) resetCollector() {
	rt.collector = report.NewCollector()
	rt.codeV.Collector = rt.collector
	rt.dataV.Collector = rt.collector
	rt.pointerW.Collector = rt.collector
	rt.stackV.Collector = rt.collector
	rt.processV.Collector = rt.collector
}

// runWithDashboard drives validation on a background goroutine while
// the dashboard owns the terminal in the foreground, per SPEC_FULL.md
// §4.5: the dashboard is inert plumbing around runOnce/runLoop, never
// a condition either one depends on. Quitting the dashboard (q) stops
// the loop the same way a SIGINT would.
func runWithDashboard(ctx context.Context, rt *runtime, opts cliOptions, kc *kvctx.Context) error {
	dash := ui.NewDashboard()

	done := make(chan error, 1)
	go func() {
		done <- driveDashboard(ctx, rt, opts, kc, dash)
	}()

	runErr := dash.Run()
	kc.Stop()

	if err := <-done; err != nil {
		return err
	}
	return runErr
}

func driveDashboard(ctx context.Context, rt *runtime, opts cliOptions, kc *kvctx.Context, dash *ui.Dashboard) error {
	iteration := 0
	for {
		iteration++
		started := time.Now()
		if err := rt.runOnce(ctx, opts); err != nil {
			klog.L.Warn("validation iteration failed", klog.Fn(err.Error()))
		}
		dash.Send(rt.stats(iteration, started))

		if !opts.loop || kc.Stopped() {
			break
		}
		rt.resetCollector()
	}
	dash.Quit()
	return nil
}

// drainFindings logs every finding collected this iteration.
func (rt *runtime) drainFindings() {
	for _, f := range rt.collector.All() {
		klog.L.Finding(string(f.Kind), f.Loader, f.Message, f.Address, uint64(len(f.Actual)))
		if f.Expected != nil || f.Actual != nil {
			fmt.Fprintln(os.Stderr, colorize.DumpMismatch(f.Expected, f.Actual))
		}
	}
}
