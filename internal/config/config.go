// Package config loads the kernel-version-dependent facts the
// validator needs but must not hardcode: documented zero pages and
// stack-offset version guards (spec.md §9 open questions 2 and 3).
// Shipping these as a data file instead of constants means a new
// kernel build only needs a new guards file, not a rebuild.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StackGuard names a documented stack-offset exception: at byte offset
// i-4 from the top of a validated stack page, a specific pointer value
// is expected and must not be flagged, for guests built against the
// given kernel version range. Spec.md §9 calls these out explicitly
// rather than letting them be silently ported as unconditional
// constants.
type StackGuard struct {
	KernelVersion string `yaml:"kernel_version"`
	Offset        uint64 `yaml:"offset"`
	Value         uint64 `yaml:"value"`
	Note          string `yaml:"note"`
}

// ZeroPage is a documented kernel-version-dependent address whose page
// is expected to read as all zero bytes.
type ZeroPage struct {
	KernelVersion string `yaml:"kernel_version"`
	Address       uint64 `yaml:"address"`
	Note          string `yaml:"note"`
}

// Guards is the full version-guard document.
type Guards struct {
	StackGuards []StackGuard `yaml:"stack_guards"`
	ZeroPages   []ZeroPage   `yaml:"zero_pages"`
}

// Load parses a guards YAML file. A missing file is not an error: an
// empty Guards disables all version-specific whitelisting, which is
// the safe default for an unrecognized kernel build.
func Load(path string) (*Guards, error) {
	if path == "" {
		return &Guards{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Guards{}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var g Guards
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &g, nil
}

// ForKernel filters the guards applicable to one kernel version
// string, plus the version-agnostic entries (empty KernelVersion).
func (g *Guards) ForKernel(version string) *Guards {
	out := &Guards{}
	for _, sg := range g.StackGuards {
		if sg.KernelVersion == "" || sg.KernelVersion == version {
			out.StackGuards = append(out.StackGuards, sg)
		}
	}
	for _, zp := range g.ZeroPages {
		if zp.KernelVersion == "" || zp.KernelVersion == version {
			out.ZeroPages = append(out.ZeroPages, zp)
		}
	}
	return out
}

// IsZeroPage reports whether addr is a documented known-zero page.
func (g *Guards) IsZeroPage(addr uint64) bool {
	for _, zp := range g.ZeroPages {
		if zp.Address == addr {
			return true
		}
	}
	return false
}

// StackGuardAt returns the stack guard matching a given offset, if
// any.
func (g *Guards) StackGuardAt(offset uint64) (StackGuard, bool) {
	for _, sg := range g.StackGuards {
		if sg.Offset == offset {
			return sg, true
		}
	}
	return StackGuard{}, false
}
