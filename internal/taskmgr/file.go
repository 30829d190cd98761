package taskmgr

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileSnapshot is the YAML shape a captured task/VMA/environment dump
// takes. Mirrors internal/hv's flat snapshot file: kvalidate is
// runnable end to end against a recorded guest without a live task
// manager attached, per spec.md §6 framing taskmgr as
// consumed-but-replayable.
type fileSnapshot struct {
	Tasks []TaskInfo                  `yaml:"tasks"`
	Env   map[int]map[string]string   `yaml:"env"`
	VMAs  map[int][]VMA               `yaml:"vmas"`
	Names map[int]string              `yaml:"names"`
}

// LoadFileManager parses a YAML task snapshot from path and returns a
// Manager backed by it.
func LoadFileManager(path string) (*Fake, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taskmgr: read %s: %w", path, err)
	}
	var snap fileSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("taskmgr: parse %s: %w", path, err)
	}

	m := NewFake()
	m.TasksList = snap.Tasks
	if snap.Env != nil {
		m.Env = snap.Env
	}
	if snap.VMAs != nil {
		m.VMAs = snap.VMAs
	}
	if snap.Names != nil {
		m.Names = snap.Names
	}
	return m, nil
}
