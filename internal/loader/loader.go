// Package loader orchestrates loading one ELF object end to end:
// parse, relocate, patch, and export its expected in-memory image
// (spec.md §4.4). Three variants share one capability surface
// (LoaderOps) instead of a class hierarchy (spec.md §9 redesign note):
// a tagged Kind plus type-specific fields, dispatched on Kind for the
// cases that differ.
package loader

import (
	"sync"

	"github.com/liveimage/kvalidate/internal/elfx"
	"github.com/liveimage/kvalidate/internal/patch"
)

// Kind tags which concrete loader a Loader wraps.
type Kind int

const (
	KindKernel Kind = iota
	KindModule
	KindUserspace
)

func (k Kind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindModule:
		return "module"
	case KindUserspace:
		return "userspace"
	default:
		return "unknown"
	}
}

// LoaderOps is the capability surface every loader variant offers,
// replacing the deep inheritance of the original design (spec.md §9).
type LoaderOps interface {
	Name() string
	Kind() Kind
	MemindexOfSection(name string) (uint64, bool)
	GetText() []byte
	TextMemAddr() uint64
	GetExportedSymbols() []elfx.RelSym
	IsCodeAddress(addr uint64) bool
	IsDataAddress(addr uint64) bool
	SideTables() *patch.SideTables
}

// Loader is the tagged variant. Exactly one of Kernel/Module/Userspace
// is non-nil, matching Kind.
type Loader struct {
	kind      Kind
	Kernel    *KernelLoader
	Module    *ModuleLoader
	Userspace *UserspaceLoader
}

func fromKernel(k *KernelLoader) *Loader    { return &Loader{kind: KindKernel, Kernel: k} }
func fromModule(m *ModuleLoader) *Loader    { return &Loader{kind: KindModule, Module: m} }
func fromUserspace(u *UserspaceLoader) *Loader { return &Loader{kind: KindUserspace, Userspace: u} }

func (l *Loader) ops() LoaderOps {
	switch l.kind {
	case KindKernel:
		return l.Kernel
	case KindModule:
		return l.Module
	case KindUserspace:
		return l.Userspace
	default:
		panic("loader: Loader with no variant set")
	}
}

func (l *Loader) Name() string                            { return l.ops().Name() }
func (l *Loader) Kind() Kind                               { return l.kind }
func (l *Loader) MemindexOfSection(name string) (uint64, bool) { return l.ops().MemindexOfSection(name) }
func (l *Loader) GetText() []byte                          { return l.ops().GetText() }
func (l *Loader) TextMemAddr() uint64                       { return l.ops().TextMemAddr() }
func (l *Loader) GetExportedSymbols() []elfx.RelSym         { return l.ops().GetExportedSymbols() }
func (l *Loader) IsCodeAddress(addr uint64) bool            { return l.ops().IsCodeAddress(addr) }
func (l *Loader) IsDataAddress(addr uint64) bool            { return l.ops().IsDataAddress(addr) }
func (l *Loader) SideTables() *patch.SideTables             { return l.ops().SideTables() }

// Registry is the module-mutex-guarded module map from spec.md §5: "the
// ModuleMap and ModuleInstanceMap are guarded by the module-mutex
// during parallel loading."
type Registry struct {
	mu      sync.Mutex
	byName  map[string]*Loader
	kernel  *Loader
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]*Loader{}}
}

// SetKernel records the (unique) kernel loader. Must be called before
// any module loader starts (spec.md §5 ordering rule 1).
func (r *Registry) SetKernel(k *KernelLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernel = fromKernel(k)
}

// Kernel returns the kernel loader, or nil if SetKernel was never
// called.
func (r *Registry) Kernel() *Loader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kernel
}

// Put registers a module or userspace loader under its name.
func (r *Registry) Put(name string, l *Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = l
}

// Get looks up a loader by name (module basename, or library filename
// for userspace loaders).
func (r *Registry) Get(name string) (*Loader, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byName[name]
	return l, ok
}

// Has reports whether name is already registered, used by the
// module-dependency worker pool to avoid double-loading a dependency
// two workers discovered concurrently.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byName[name]
	return ok
}

// Names lists every registered module/userspace loader name, in no
// particular order. Satisfies kvctx.ModuleRegistry.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

// FindLoaderForAddress returns the loader whose text segment contains
// addr, used by the page-owner dispatch in cmd/kvalidate (spec.md §4.6
// step 2) and by the pointer-walk and stack validators.
func (r *Registry) FindLoaderForAddress(addr uint64) (*Loader, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kernel != nil && r.kernel.IsCodeAddress(addr) {
		return r.kernel, true
	}
	for _, l := range r.byName {
		if l.IsCodeAddress(addr) {
			return l, true
		}
	}
	return nil, false
}
