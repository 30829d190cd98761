package loader

import (
	"github.com/liveimage/kvalidate/internal/elfx"
	"github.com/liveimage/kvalidate/internal/patch"
)

// NewKernelLoaderForTest builds a KernelLoader directly from in-memory
// images, bypassing ELF parsing and patching, for tests that only need
// LoaderOps behavior against known bytes.
func NewKernelLoaderForTest(text, rodata []byte, textMemAddr, rodataMemAddr uint64, st *patch.SideTables, exports []elfx.RelSym) *KernelLoader {
	if st == nil {
		st = patch.NewSideTables()
	}
	return &KernelLoader{
		text: text, textMemAddr: textMemAddr,
		rodata: rodata, rodataMemAddr: rodataMemAddr,
		st: st, exports: exports,
	}
}

// NewModuleLoaderForTest builds a ModuleLoader directly from in-memory
// data, for tests exercising LoaderOps against a known image without a
// live module loader.
func NewModuleLoaderForTest(name string, text []byte, textMemAddr uint64, sectionAddrs map[string]uint64, st *patch.SideTables, exports []elfx.RelSym, deps []string) *ModuleLoader {
	if st == nil {
		st = patch.NewSideTables()
	}
	if sectionAddrs == nil {
		sectionAddrs = map[string]uint64{}
	}
	return &ModuleLoader{
		name: name, text: text, textMemAddr: textMemAddr,
		sectionAddrs: sectionAddrs, st: st, exports: exports, deps: deps,
	}
}

// WrapKernel tags k as the kernel variant of Loader, for tests that
// need a *Loader rather than a concrete *KernelLoader.
func WrapKernel(k *KernelLoader) *Loader { return fromKernel(k) }

// WrapModule tags m as the module variant of Loader.
func WrapModule(m *ModuleLoader) *Loader { return fromModule(m) }
