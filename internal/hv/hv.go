// Package hv declares the hypervisor introspection interface consumed
// by kvalidate (spec.md §6) and provides the one in-scope backend: a
// flat physical-memory snapshot file, selected by the CLI's -f flag.
// The live KVM (-k) and Xen (-x) backends are external collaborators
// per spec.md §1 and are stubbed here to fail with ErrBackendUnavailable
// — the point documented at their interface boundary, not implemented.
package hv

import (
	"context"
	"errors"
	"iter"
)

// ReadOpts modifies a ReadVector call. PID=0 means kernel space; Safe
// instructs the backend to return a short read on unmapped pages
// instead of erroring (spec.md §7's "hypervisor transient failures").
type ReadOpts struct {
	PID  int
	Safe bool
}

// PageInfo describes one page reported by the hypervisor's page
// enumeration calls.
type PageInfo struct {
	VAddr uint64
	Size  uint64
	Exec  bool
}

// Backend is the hypervisor introspection interface from spec.md §6.
type Backend interface {
	ReadVector(ctx context.Context, vaddr uint64, length int, opts ReadOpts) ([]byte, error)
	ReadU64(ctx context.Context, vaddr uint64) (uint64, error)
	KernelPages(ctx context.Context) (iter.Seq[PageInfo], error)
	Pages(ctx context.Context, pid int) (iter.Seq[PageInfo], error)
}

// ErrBackendUnavailable is returned by Dial for backends whose
// introspection mechanism this repo does not implement (spec.md §1:
// "the hypervisor memory-read interface" is an external collaborator
// specified only at its interface).
var ErrBackendUnavailable = errors.New("hv: backend not available in this build")

// Kind selects which backend Dial constructs, mirroring the CLI's
// -k/-x/-f flags (spec.md §6).
type Kind int

const (
	Auto Kind = iota
	KVM
	Xen
	File
)

// Dial constructs a Backend. path is only consulted for Kind==File.
func Dial(kind Kind, path string) (Backend, error) {
	switch kind {
	case File:
		return OpenFile(path)
	case KVM, Xen:
		return nil, ErrBackendUnavailable
	case Auto:
		if path != "" {
			if b, err := OpenFile(path); err == nil {
				return b, nil
			}
		}
		return nil, ErrBackendUnavailable
	default:
		return nil, ErrBackendUnavailable
	}
}
