package hv

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"sort"
)

// Fake is an in-memory Backend used by package tests that exercise the
// validator without a live guest or flat-file snapshot, mirroring
// taskmgr.Fake's table-driven approach.
type Fake struct {
	Mem        map[uint64][]byte // page-aligned vaddr -> page bytes
	KernelPageList []PageInfo
	PidPages   map[int][]PageInfo
}

// NewFake returns an empty Fake ready for population.
func NewFake() *Fake {
	return &Fake{Mem: map[uint64][]byte{}, PidPages: map[int][]PageInfo{}}
}

// SetPage installs length-4096 page contents at a page-aligned vaddr.
func (f *Fake) SetPage(vaddr uint64, data []byte) {
	page := make([]byte, 4096)
	copy(page, data)
	f.Mem[vaddr&^0xfff] = page
}

func (f *Fake) ReadVector(_ context.Context, vaddr uint64, length int, opts ReadOpts) ([]byte, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		pageBase := vaddr &^ 0xfff
		page, ok := f.Mem[pageBase]
		if !ok {
			if opts.Safe {
				return out, nil
			}
			return nil, fmt.Errorf("hv: fake: no page mapped at 0x%x", pageBase)
		}
		off := int(vaddr - pageBase)
		n := len(page) - off
		if n > length-len(out) {
			n = length - len(out)
		}
		out = append(out, page[off:off+n]...)
		vaddr += uint64(n)
	}
	return out, nil
}

func (f *Fake) ReadU64(ctx context.Context, vaddr uint64) (uint64, error) {
	b, err := f.ReadVector(ctx, vaddr, 8, ReadOpts{})
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (f *Fake) KernelPages(context.Context) (iter.Seq[PageInfo], error) {
	pages := append([]PageInfo(nil), f.KernelPageList...)
	sort.Slice(pages, func(i, j int) bool { return pages[i].VAddr < pages[j].VAddr })
	return func(yield func(PageInfo) bool) {
		for _, p := range pages {
			if !yield(p) {
				return
			}
		}
	}, nil
}

func (f *Fake) Pages(_ context.Context, pid int) (iter.Seq[PageInfo], error) {
	pages := append([]PageInfo(nil), f.PidPages[pid]...)
	return func(yield func(PageInfo) bool) {
		for _, p := range pages {
			if !yield(p) {
				return
			}
		}
	}, nil
}
