// Command kvalidate diffs a running kernel and its modules against the
// expected image reconstructed from their on-disk ELF plus the five
// patch passes (spec.md §1-§4), and walks live process memory for
// stray pointers and environment drift (spec.md §4.7).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
	"golang.org/x/sys/unix"

	"github.com/liveimage/kvalidate/internal/config"
	"github.com/liveimage/kvalidate/internal/hv"
	"github.com/liveimage/kvalidate/internal/kvctx"
	klog "github.com/liveimage/kvalidate/internal/log"
)

// cliOptions holds every flag and positional argument kvalidate
// accepts, per spec.md §6.
type cliOptions struct {
	useKVM bool
	useXen bool
	filePath string

	loop           bool
	codeValidation bool
	dataValidation bool
	targetsPath    string

	verbose bool
	ui      bool

	dwarfPath     string
	tasksPath     string
	layoutPath    string
	guardsPath    string
	kernelVersion string
	upMode        bool
	jobs          int

	kerneldir string
	vmName    string
}

func main() {
	opts := cliOptions{}

	root := &cobra.Command{
		Use:   "kvalidate <kerneldir> [vm-name]",
		Short: "Validate a running kernel's memory against its expected patched image",
		Long: `kvalidate reconstructs the expected in-memory image of a running Linux
kernel and its loaded modules from their on-disk ELF files plus the
five boot-time patch passes (alternatives, paravirt, SMP locks, jump
labels, mcount), then diffs that image against live guest memory
reached through a hypervisor introspection backend.

Byte mismatches on code pages, unclassified IDT slots, unexplained
pointers on data and stack pages, orphan process pages, and
environment-variable drift are all reported as findings; none of them
abort the run.`,
		Args:                  cobra.MaximumNArgs(2),
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args, &opts)
		},
	}

	root.Flags().BoolVarP(&opts.useKVM, "kvm", "k", false, "use the KVM introspection backend")
	root.Flags().BoolVarP(&opts.useXen, "xen", "x", false, "use the Xen introspection backend")
	root.Flags().StringVarP(&opts.filePath, "file", "f", "", "use the file-backed introspection backend at <path>")

	root.Flags().BoolVarP(&opts.loop, "loop", "l", false, "repeat validation until interrupted")
	root.Flags().BoolVarP(&opts.codeValidation, "code", "c", true, "validate code pages")
	root.Flags().BoolVarP(&opts.dataValidation, "data", "d", true, "validate data/pointer pages")
	root.Flags().StringVarP(&opts.targetsPath, "targets", "t", "", "call-targets file for the stack validator")

	root.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose debug output")
	root.Flags().BoolVar(&opts.ui, "ui", false, "launch the interactive loop-mode dashboard")

	root.Flags().StringVar(&opts.dwarfPath, "dwarf", "", "DWARF snapshot (YAML) to consult for paravirt/feature-bit lookups")
	root.Flags().StringVar(&opts.tasksPath, "tasks", "", "task/VMA snapshot (YAML) to validate processes against")
	root.Flags().StringVar(&opts.layoutPath, "layout", "", "module section-placement snapshot (YAML)")
	root.Flags().StringVar(&opts.guardsPath, "guards", "", "version-guard/zero-page data file (YAML)")
	root.Flags().StringVar(&opts.kernelVersion, "kernel-version", "", "kernel version string used to select version guards")
	root.Flags().BoolVar(&opts.upMode, "up", false, "patch as a uniprocessor kernel (X86_FEATURE_UP)")
	root.Flags().IntVar(&opts.jobs, "jobs", 4, "module-load worker pool size")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runValidate resolves flags and positional arguments, builds the
// runtime once, and either runs a single pass or drives loop mode
// until a signal arrives.
func runValidate(cmd *cobra.Command, args []string, opts *cliOptions) error {
	if err := resolveOptions(opts, args); err != nil {
		return err
	}

	klog.Init(opts.verbose)

	backend, err := dialBackend(opts)
	if err != nil {
		return fmt.Errorf("dial introspection backend: %w", err)
	}

	guards, err := config.Load(opts.guardsPath)
	if err != nil {
		return fmt.Errorf("load guards: %w", err)
	}
	if opts.kernelVersion != "" {
		guards = guards.ForKernel(opts.kernelVersion)
	}

	kc := kvctx.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandler(kc, cancel)

	rt, err := buildRuntime(ctx, *opts, kc, backend, guards)
	if err != nil {
		return fmt.Errorf("build validation runtime: %w", err)
	}

	if opts.ui {
		return runWithDashboard(ctx, rt, *opts, kc)
	}
	if opts.loop {
		return runLoop(ctx, rt, *opts, kc)
	}
	return rt.runOnce(ctx, *opts)
}

// resolveOptions validates the mutually-exclusive backend flags and
// fills in the positional kerneldir/vm-name from args or their
// KVALIDATE_KERNELDIR/KVALIDATE_VM environment fallbacks, per spec.md
// §6. Split out from runValidate so the argument-error exit path
// (spec.md §6: "exit code ... 1 on argument error") is testable
// without a real kernel directory.
func resolveOptions(opts *cliOptions, args []string) error {
	if opts.useKVM && opts.useXen || opts.useKVM && opts.filePath != "" || opts.useXen && opts.filePath != "" {
		return fmt.Errorf("only one of -k, -x, -f may be given")
	}

	if len(args) > 0 {
		opts.kerneldir = args[0]
	} else {
		opts.kerneldir = env.Str("KVALIDATE_KERNELDIR", "")
	}
	if opts.kerneldir == "" {
		return fmt.Errorf("kerneldir is required (positional argument or KVALIDATE_KERNELDIR)")
	}
	if len(args) > 1 {
		opts.vmName = args[1]
	} else {
		opts.vmName = env.Str("KVALIDATE_VM", "")
	}
	return nil
}

// dialBackend selects a hv.Backend per the -k/-x/-f flags, defaulting
// to hv.Auto, which here always returns hv.ErrBackendUnavailable: no
// path is passed and the KVM/Xen backends are not implemented, so
// nothing is probed.
func dialBackend(opts *cliOptions) (hv.Backend, error) {
	switch {
	case opts.useKVM:
		return hv.Dial(hv.KVM, "")
	case opts.useXen:
		return hv.Dial(hv.Xen, "")
	case opts.filePath != "":
		return hv.Dial(hv.File, opts.filePath)
	default:
		return hv.Dial(hv.Auto, "")
	}
}

// installSignalHandler implements spec.md §5's single-flag
// cancellation: SIGINT/SIGTERM sets kvctx's cooperative stop flag and
// cancels ctx so any in-flight blocking backend read unblocks; the
// current iteration still runs to completion per spec.md §7.
func installSignalHandler(kc *kvctx.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	go func() {
		<-sigs
		kc.Stop()
		cancel()
	}()
}

// runLoop re-runs validation until Stop is requested. The runtime that
// buildRuntime made once is reused; resetCollector gives each pass a
// fresh report.Collector, so no findings carry over between passes.
func runLoop(ctx context.Context, rt *runtime, opts cliOptions, kc *kvctx.Context) error {
	for !kc.Stopped() {
		if err := rt.runOnce(ctx, opts); err != nil {
			klog.L.Warn("validation iteration failed", klog.Fn(err.Error()))
		}
		rt.resetCollector()
	}
	return nil
}
