package validator

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/liveimage/kvalidate/internal/config"
	"github.com/liveimage/kvalidate/internal/hv"
	"github.com/liveimage/kvalidate/internal/loader"
	"github.com/liveimage/kvalidate/internal/oracle"
	"github.com/liveimage/kvalidate/internal/report"
)

// stackSize is the fixed per-task kernel stack size assumed throughout
// (spec.md §4.6: "the stack page is [sp0 − 8192, sp0)").
const stackSize = 8192

// LoadCallTargets parses the optional -t call-targets file: packed
// little-endian 8-byte (callsite_va, destination_va) pairs (spec.md
// §6).
func LoadCallTargets(path string) (map[uint64]uint64, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("validator: call-targets: %w", err)
	}
	out := make(map[uint64]uint64, len(data)/16)
	for i := 0; i+16 <= len(data); i += 16 {
		callsite := binary.LittleEndian.Uint64(data[i : i+8])
		dest := binary.LittleEndian.Uint64(data[i+8 : i+16])
		out[callsite] = dest
	}
	return out, nil
}

// StackPageValidator implements spec.md §4.6.3.
type StackPageValidator struct {
	Oracle      *oracle.SymbolOracle
	Registry    *loader.Registry
	Guards      *config.Guards
	Collector   *report.Collector
	CallTargets map[uint64]uint64

	// UnknownReturns accumulates unresolved return addresses across a
	// validation pass, keyed by the return address itself, valued by
	// the containing function name -- the "live unknown returns set"
	// spec.md §4.6.3 describes.
	UnknownReturns map[uint64]string
}

// NewStackPageValidator returns a validator with its unknown-returns
// set initialized.
func NewStackPageValidator(o *oracle.SymbolOracle, reg *loader.Registry, g *config.Guards, c *report.Collector, targets map[uint64]uint64) *StackPageValidator {
	return &StackPageValidator{
		Oracle: o, Registry: reg, Guards: g, Collector: c, CallTargets: targets,
		UnknownReturns: make(map[uint64]string),
	}
}

// ValidateTask reads one task's kernel stack page via reader and walks
// it from sp to the top of the page, per spec.md §4.6.3.
func (v *StackPageValidator) ValidateTask(ctx context.Context, reader hv.Backend, pid string, sp0, sp uint64) error {
	pageBase := sp0 - stackSize
	page, err := reader.ReadVector(ctx, pageBase, stackSize, hv.ReadOpts{Safe: true})
	if err != nil {
		return fmt.Errorf("validator: stack read for %s: %w", pid, err)
	}
	if len(page) < stackSize {
		return nil
	}

	spEnd := int(sp - pageBase)
	if spEnd < 0 {
		spEnd = 0
	}

	for off := spEnd; off < stackSize-4; off += 8 {
		if off+8 > len(page) {
			break
		}
		hi := binary.LittleEndian.Uint32(page[off+4 : off+8])
		if hi != canonicalHigh {
			continue
		}
		val := binary.LittleEndian.Uint64(page[off : off+8])
		offsetFromTop := sp0 - (pageBase + uint64(off))
		v.classify(ctx, reader, pid, pageBase+uint64(off), offsetFromTop, val)
	}
	return nil
}

func (v *StackPageValidator) classify(ctx context.Context, reader hv.Backend, pid string, stackVA, offsetFromTop, val uint64) {
	if val == 0xffffffffffffffff {
		return
	}
	if v.Guards != nil {
		if g, ok := v.Guards.StackGuardAt(offsetFromTop); ok && g.Value == val {
			return
		}
	}
	if v.Oracle.IsFunction(val) || v.Oracle.IsSymbol(val) {
		return
	}

	l, ok := v.Registry.FindLoaderForAddress(val)
	if !ok {
		return
	}
	text := l.GetText()
	off := int(val - l.TextMemAddr())
	if off <= 0 || off > len(text) {
		return
	}

	class, target := IsReturnAddress(ctx, text, off, l.TextMemAddr(), reader)
	if class == NotAReturn {
		return
	}

	name, _, containingOK := v.Oracle.GetContainingSymbol(val)
	if class == ReturnKnown && v.CallTargets != nil {
		if expected, found := v.CallTargets[val]; found && expected != target {
			f := report.NewFinding(report.UnresolvedRet, l.Name(), val,
				fmt.Sprintf("return address 0x%x: call target mismatch (expected 0x%x, decoded 0x%x)", val, expected, target))
			if containingOK {
				f.Annotate("containing_function", name)
			}
			v.Collector.Add(f)
			return
		}
	}
	if class == ReturnUnknown {
		if containingOK {
			v.UnknownReturns[val] = name
		} else {
			v.UnknownReturns[val] = ""
		}
		f := report.NewFinding(report.UnresolvedRet, l.Name(), val,
			fmt.Sprintf("unresolved return address 0x%x on stack of %s", val, pid))
		if containingOK {
			f.Annotate("containing_function", name)
		}
		v.Collector.Add(f)
	}
}
