package hv

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"os"
	"sort"

	mmap "github.com/edsrzf/mmap-go"
)

// fileSnapshot is the flat memory-dump format the -f backend reads: a
// small header followed by fixed-size page records. This is kvalidate's
// own format (there is no standard wire format for a paused-VM memory
// snapshot in scope here); it exists so the validator is runnable and
// testable without a live hypervisor, per spec.md §6's "file" backend
// option.
//
// Layout:
//   magic   [8]byte  "KVSNAP1\x00"
//   npages  uint64 LE
//   pages   [npages]pageRecord
//
// pageRecord:
//   vaddr   uint64 LE
//   size    uint64 LE  (always 4096 in practice, but not assumed)
//   flags   uint64 LE  (bit 0: executable)
//   data    [size]byte

const fileMagic = "KVSNAP1\x00"
const headerSize = 16
const pageRecordHeaderSize = 24

type pageRecord struct {
	vaddr uint64
	size  uint64
	exec  bool
	data  []byte // slice into the mapped file
}

// FileBackend implements Backend over a memory-mapped snapshot file.
type FileBackend struct {
	f      *os.File
	region mmap.MMap
	pages  []pageRecord // sorted by vaddr
}

// OpenFile memory-maps a snapshot file and indexes its pages.
func OpenFile(path string) (*FileBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hv: open %s: %w", path, err)
	}
	region, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hv: mmap %s: %w", path, err)
	}

	fb := &FileBackend{f: f, region: region}
	if err := fb.index(); err != nil {
		fb.Close()
		return nil, err
	}
	return fb, nil
}

func (fb *FileBackend) index() error {
	r := fb.region
	if len(r) < headerSize || string(r[0:8]) != fileMagic {
		return fmt.Errorf("hv: not a kvalidate snapshot file")
	}
	n := binary.LittleEndian.Uint64(r[8:16])
	off := uint64(headerSize)
	for i := uint64(0); i < n; i++ {
		if off+pageRecordHeaderSize > uint64(len(r)) {
			return fmt.Errorf("hv: truncated snapshot header at page %d", i)
		}
		vaddr := binary.LittleEndian.Uint64(r[off:])
		size := binary.LittleEndian.Uint64(r[off+8:])
		flags := binary.LittleEndian.Uint64(r[off+16:])
		off += pageRecordHeaderSize
		if off+size > uint64(len(r)) {
			return fmt.Errorf("hv: truncated snapshot data at page %d", i)
		}
		fb.pages = append(fb.pages, pageRecord{
			vaddr: vaddr, size: size, exec: flags&1 != 0,
			data: r[off : off+size],
		})
		off += size
	}
	sort.Slice(fb.pages, func(i, j int) bool { return fb.pages[i].vaddr < fb.pages[j].vaddr })
	return nil
}

// Close unmaps the file.
func (fb *FileBackend) Close() error {
	var err error
	if fb.region != nil {
		err = fb.region.Unmap()
		fb.region = nil
	}
	if fb.f != nil {
		fb.f.Close()
		fb.f = nil
	}
	return err
}

func (fb *FileBackend) findPage(vaddr uint64) (pageRecord, bool) {
	i := sort.Search(len(fb.pages), func(i int) bool { return fb.pages[i].vaddr+fb.pages[i].size > vaddr })
	if i < len(fb.pages) && vaddr >= fb.pages[i].vaddr {
		return fb.pages[i], true
	}
	return pageRecord{}, false
}

// ReadVector reads length bytes starting at vaddr, possibly spanning
// several page records. With Safe set, a gap (unmapped range) truncates
// the result instead of erroring, per spec.md §7.
func (fb *FileBackend) ReadVector(_ context.Context, vaddr uint64, length int, opts ReadOpts) ([]byte, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		cur := vaddr + uint64(len(out))
		p, ok := fb.findPage(cur)
		if !ok {
			if opts.Safe {
				return out, nil
			}
			return nil, fmt.Errorf("hv: unmapped address 0x%x", cur)
		}
		pageOff := cur - p.vaddr
		avail := p.size - pageOff
		need := uint64(length - len(out))
		if avail > need {
			avail = need
		}
		out = append(out, p.data[pageOff:pageOff+avail]...)
	}
	return out, nil
}

// ReadU64 reads one little-endian uint64 at vaddr.
func (fb *FileBackend) ReadU64(ctx context.Context, vaddr uint64) (uint64, error) {
	b, err := fb.ReadVector(ctx, vaddr, 8, ReadOpts{})
	if err != nil {
		return 0, err
	}
	if len(b) < 8 {
		return 0, fmt.Errorf("hv: short read at 0x%x", vaddr)
	}
	return binary.LittleEndian.Uint64(b), nil
}

// KernelPages enumerates every page recorded in the snapshot (the file
// backend has no separate userspace/kernel address-space split; pid=0
// reads use the same flat map).
func (fb *FileBackend) KernelPages(_ context.Context) (iter.Seq[PageInfo], error) {
	pages := fb.pages
	return func(yield func(PageInfo) bool) {
		for _, p := range pages {
			if !yield((PageInfo{VAddr: p.vaddr, Size: p.size, Exec: p.exec})) {
				return
			}
		}
	}, nil
}

// Pages enumerates the same flat page set; per-pid filtering is out of
// scope for the file backend since it carries no VMA metadata of its
// own (the task manager, a separate external collaborator, supplies
// that for a live guest).
func (fb *FileBackend) Pages(ctx context.Context, _ int) (iter.Seq[PageInfo], error) {
	return fb.KernelPages(ctx)
}
