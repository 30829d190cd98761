// Package taskmgr declares the task-manager interface consumed by
// kvalidate (spec.md §6): the live component that walks the guest's
// process list and memory-manager structures is an external
// collaborator, out of scope per spec.md §1. This package fixes the
// contract ProcessValidator relies on and a table-driven fake for
// tests.
package taskmgr

import "context"

// VMA is one contiguous user-space mapping (spec.md §3 ProcessVMA).
type VMA struct {
	Start, End uint64
	Read       bool
	Write      bool
	Exec       bool
	Inode      uint64
	FileOffset uint64
	Name       string // backing filename, or a pseudo-name like "[stack]", "[heap]"
}

// Contains reports whether vaddr falls in [Start, End).
func (v VMA) Contains(vaddr uint64) bool { return vaddr >= v.Start && vaddr < v.End }

// Pseudo reports whether this is a synthetic VMA such as [stack] or
// [heap] rather than a file-backed mapping.
func (v VMA) Pseudo() bool { return len(v.Name) > 0 && v.Name[0] == '[' }

// TaskInfo identifies one live task for stack-refresh purposes
// (spec.md §4.6 step 1).
type TaskInfo struct {
	PID     int
	Comm    string
	SP0     uint64 // thread.sp0, stack top
	SP      uint64 // thread.sp, current stack pointer
}

// Manager is the task-manager interface consumed by kvalidate.
type Manager interface {
	// Tasks enumerates every live task, used to walk init_task.tasks.
	Tasks(ctx context.Context) ([]TaskInfo, error)
	// EnvForTask reads a process's environment block (spec.md §4.7.3).
	EnvForTask(ctx context.Context, pid int) (map[string]string, error)
	// MappedVMAs lists a process's VMAs in address order.
	MappedVMAs(ctx context.Context, pid int) ([]VMA, error)
	// FindVMAByAddress returns the VMA containing vaddr, if any.
	FindVMAByAddress(ctx context.Context, pid int, vaddr uint64) (VMA, bool, error)
	// FindVMAByName returns a VMA matching a backing filename or
	// pseudo-name, if any.
	FindVMAByName(ctx context.Context, pid int, name string) (VMA, bool, error)
	// ProcessName returns the comm string used to match a VMA's
	// basename against the executable loader (spec.md §4.7.1).
	ProcessName(ctx context.Context, pid int) (string, error)
}
