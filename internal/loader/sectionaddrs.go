package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileModuleLayout is one module's entry in a captured section-placement
// snapshot (spec.md §4.4: memindex for a module's sections comes from
// the guest's live module.sect_attrs array, an external collaborator
// reached through the DWARF oracle). This file-backed form mirrors
// internal/hv and internal/dwarfx's own file-replay backends so module
// loading is runnable and testable against a captured guest without a
// live DWARF walk of struct module.
type fileModuleLayout struct {
	ModuleAddr  uint64            `yaml:"module_addr"`
	GPLSyms     uint64            `yaml:"gpl_syms"`
	PercpuBase  uint64            `yaml:"percpu_base"`
	Sections    map[string]uint64 `yaml:"sections"`
}

type fileSectionAddrDoc struct {
	StructSize uint64                      `yaml:"struct_size"`
	Modules    map[string]fileModuleLayout `yaml:"modules"`
}

// FileSectionAddrSource implements SectionAddrSource from a YAML
// snapshot file.
type FileSectionAddrSource struct {
	structSize uint64
	modules    map[string]fileModuleLayout
}

// LoadFileSectionAddrSource parses a YAML module-layout snapshot.
func LoadFileSectionAddrSource(path string) (*FileSectionAddrSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w", path, err)
	}
	var doc fileSectionAddrDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("loader: parse %s: %w", path, err)
	}
	return &FileSectionAddrSource{structSize: doc.StructSize, modules: doc.Modules}, nil
}

func (s *FileSectionAddrSource) ModuleSectionAddr(moduleName, sectionName string) (uint64, bool) {
	m, ok := s.modules[moduleName]
	if !ok {
		return 0, false
	}
	addr, ok := m.Sections[sectionName]
	return addr, ok
}

func (s *FileSectionAddrSource) ModuleGPLSyms(moduleName string) (uint64, bool) {
	m, ok := s.modules[moduleName]
	if !ok || m.GPLSyms == 0 {
		return 0, false
	}
	return m.GPLSyms, true
}

func (s *FileSectionAddrSource) ModuleAddr(moduleName string) (uint64, bool) {
	m, ok := s.modules[moduleName]
	if !ok || m.ModuleAddr == 0 {
		return 0, false
	}
	return m.ModuleAddr, true
}

func (s *FileSectionAddrSource) ModuleStructSize() uint64 { return s.structSize }

func (s *FileSectionAddrSource) ModulePercpuBase(moduleName string) (uint64, bool) {
	m, ok := s.modules[moduleName]
	if !ok || m.PercpuBase == 0 {
		return 0, false
	}
	return m.PercpuBase, true
}
