package taskmgr

import (
	"context"
	"fmt"
	"sort"
)

// Fake is an in-memory Manager used by package tests that exercise
// ProcessValidator without a live guest.
type Fake struct {
	TasksList []TaskInfo
	Env       map[int]map[string]string
	VMAs      map[int][]VMA
	Names     map[int]string
}

// NewFake returns an empty Fake ready for population.
func NewFake() *Fake {
	return &Fake{
		Env:   map[int]map[string]string{},
		VMAs:  map[int][]VMA{},
		Names: map[int]string{},
	}
}

func (f *Fake) Tasks(context.Context) ([]TaskInfo, error) { return f.TasksList, nil }

func (f *Fake) EnvForTask(_ context.Context, pid int) (map[string]string, error) {
	e, ok := f.Env[pid]
	if !ok {
		return nil, fmt.Errorf("taskmgr: no env recorded for pid %d", pid)
	}
	return e, nil
}

func (f *Fake) MappedVMAs(_ context.Context, pid int) ([]VMA, error) {
	vmas := append([]VMA(nil), f.VMAs[pid]...)
	sort.Slice(vmas, func(i, j int) bool { return vmas[i].Start < vmas[j].Start })
	return vmas, nil
}

func (f *Fake) FindVMAByAddress(ctx context.Context, pid int, vaddr uint64) (VMA, bool, error) {
	vmas, err := f.MappedVMAs(ctx, pid)
	if err != nil {
		return VMA{}, false, err
	}
	for _, v := range vmas {
		if v.Contains(vaddr) {
			return v, true, nil
		}
	}
	return VMA{}, false, nil
}

func (f *Fake) FindVMAByName(_ context.Context, pid int, name string) (VMA, bool, error) {
	for _, v := range f.VMAs[pid] {
		if v.Name == name {
			return v, true, nil
		}
	}
	return VMA{}, false, nil
}

func (f *Fake) ProcessName(_ context.Context, pid int) (string, error) {
	name, ok := f.Names[pid]
	if !ok {
		return "", fmt.Errorf("taskmgr: no process name recorded for pid %d", pid)
	}
	return name, nil
}
