package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/liveimage/kvalidate/internal/elfx"
	"github.com/liveimage/kvalidate/internal/patch"
	"github.com/liveimage/kvalidate/internal/reloc"
)

// buildRelocEntries turns raw Rela64 records plus the object's own
// symbol table into reloc.Entry values the RelocationEngine consumes.
// ELF symbol table index 0 is always the null symbol, so elf.Symbols()
// (which the stdlib returns starting at index 1) is indexed by
// symIdx-1.
func buildRelocEntries(ef *elfx.ElfFile, relas []elf.Rela64) ([]reloc.Entry, error) {
	syms := ef.Symbols()
	entries := make([]reloc.Entry, 0, len(relas))
	for _, r := range relas {
		symIdx := r.Info >> 32
		typ := elf.R_X86_64(r.Info & 0xffffffff)
		var sym elf.Symbol
		if symIdx > 0 {
			if int(symIdx-1) >= len(syms) {
				return nil, fmt.Errorf("loader: rela symbol index %d out of range", symIdx)
			}
			sym = syms[symIdx-1]
		}
		entries = append(entries, reloc.Entry{Offset: r.Off, Addend: r.Addend, Type: typ, Sym: sym})
	}
	return entries, nil
}

// altInstrRecordSize is the assumed on-disk size of one .altinstructions
// entry: instr_offset u32, repl_offset u32, cpuid u16, instrlen u8,
// replacementlen u8, padded to 16 bytes for natural alignment. Exact
// layout is kernel-version dependent (spec.md §9 flags this whole area
// as needing version guards, not blind porting); this is the documented
// best-effort record shape.
const altInstrRecordSize = 16

func parseAltInstructions(ef *elfx.ElfFile, textMemAddr uint64) []patch.AltEntry {
	sec, ok := ef.FindSectionWithName(".altinstructions")
	if !ok {
		return nil
	}
	raw := sec.Bytes()
	var out []patch.AltEntry
	for off := 0; off+altInstrRecordSize <= len(raw); off += altInstrRecordSize {
		rec := raw[off:]
		instrOff := binary.LittleEndian.Uint32(rec[0:4])
		replOff := binary.LittleEndian.Uint32(rec[4:8])
		cpuid := binary.LittleEndian.Uint16(rec[8:10])
		instrLen := rec[10]
		replLen := rec[11]
		out = append(out, patch.AltEntry{
			OrigOffset: uint64(instrOff),
			ReplOffset: uint64(replOff),
			CPUIDBit:   cpuid,
			OrigLen:    int(instrLen),
			ReplLen:    int(replLen),
		})
	}
	return out
}

// paraInstrRecordSize: instr VA u64, instrtype u16, clobbers u8, len u8,
// padded to 16 bytes.
const paraInstrRecordSize = 16

func parseParaInstructions(ef *elfx.ElfFile) []patch.ParaSite {
	sec, ok := ef.FindSectionWithName(".parainstructions")
	if !ok {
		return nil
	}
	raw := sec.Bytes()
	var out []patch.ParaSite
	for off := 0; off+paraInstrRecordSize <= len(raw); off += paraInstrRecordSize {
		rec := raw[off:]
		va := binary.LittleEndian.Uint64(rec[0:8])
		instrType := binary.LittleEndian.Uint16(rec[8:10])
		clobbers := rec[10]
		length := rec[11]
		out = append(out, patch.ParaSite{
			InstrVA: va, InstrType: instrType, Clobbers: clobbers, Len: int(length),
		})
	}
	return out
}

func parseSMPLockOffsets(ef *elfx.ElfFile, textMemAddr uint64) []uint64 {
	sec, ok := ef.FindSectionWithName(".smp_locks")
	if !ok {
		return nil
	}
	raw := sec.Bytes()
	var out []uint64
	for off := 0; off+4 <= len(raw); off += 4 {
		rel := int32(binary.LittleEndian.Uint32(raw[off:]))
		targetVA := sec.MemIndex + uint64(off) + uint64(int64(rel))
		out = append(out, targetVA-textMemAddr)
	}
	return out
}

func parseMcountSites(ef *elfx.ElfFile) []uint64 {
	sec, ok := ef.FindSectionWithName("__mcount_loc")
	if !ok {
		sec, ok = ef.FindSectionWithName("__start_mcount_loc")
		if !ok {
			return nil
		}
	}
	raw := sec.Bytes()
	var out []uint64
	for off := 0; off+8 <= len(raw); off += 8 {
		out = append(out, binary.LittleEndian.Uint64(raw[off:]))
	}
	return out
}

// jumpEntryRecordSize: code VA u64, target VA u64, key VA u64.
const jumpEntryRecordSize = 24

func parseJumpTable(ef *elfx.ElfFile) []patch.JumpEntry {
	sec, ok := ef.FindSectionWithName("__jump_table")
	if !ok {
		return nil
	}
	raw := sec.Bytes()
	var out []patch.JumpEntry
	for off := 0; off+jumpEntryRecordSize <= len(raw); off += jumpEntryRecordSize {
		rec := raw[off:]
		out = append(out, patch.JumpEntry{
			CodeVA:   binary.LittleEndian.Uint64(rec[0:8]),
			TargetVA: binary.LittleEndian.Uint64(rec[8:16]),
			KeyVA:    binary.LittleEndian.Uint64(rec[16:24]),
		})
	}
	return out
}

// buildKernelPatchPlan assembles a patch.Plan from a kernel (or
// module) ELF's side-table sections. keys/ops may be nil; the
// jump-label and paravirt passes are then skipped by patch.Run, same
// as a loader variant that carries no such sites.
func buildKernelPatchPlan(ef *elfx.ElfFile, textMemAddr uint64, cpu patch.FeatureSet, upMode bool, ops patch.ParavirtOps, keys patch.KeyReader) (patch.Plan, error) {
	plan := patch.Plan{
		TextMemAddr:    textMemAddr,
		Alternatives:   parseAltInstructions(ef, textMemAddr),
		Paravirt:       parseParaInstructions(ef),
		Ops:            ops,
		SMPLockOffsets: parseSMPLockOffsets(ef, textMemAddr),
		UPMode:         upMode,
		McountSites:    parseMcountSites(ef),
		JumpEntries:    parseJumpTable(ef),
		Keys:           keys,
		CPU:            cpu,
	}
	if repl, ok := ef.FindSectionWithName(".altinstr_replacement"); ok {
		plan.AltReplacement = append([]byte(nil), repl.Bytes()...)
		plan.AltReplacementMemAddr = repl.MemIndex
		plan.AltReplacementElfAddr = repl.Offset
	}
	return plan, nil
}
