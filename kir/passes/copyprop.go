// Package passes implements the three KIR optimization passes of
// spec.md §4.5: copy propagation, dead-code elimination, and linear
// scan register allocation with spill/fill.
//
// All three are translated from original_source/kir.c's
// kir_program_copy_propagation / kir_program_dce /
// kir_program_allocate_registers, replacing the original's intrusive
// linked lists (struct list, container_of) with plain Go slices and
// maps — the algorithms themselves (bucket-by-offset resident-region
// tracking, reverse liveness walk, first-fit register/spill-slot
// selection) are kept exactly as the original expresses them.
package passes

import (
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/region"
)

type residentRegion struct {
	region region.Region
	reg    kir.Reg
}

// CopyPropagation eliminates redundant region loads: if a load_region
// reads exactly the same region an earlier load or store left resident
// in some register, every use of the new load's destination is
// rewritten to use that earlier register instead. A later store that
// overlaps a resident region invalidates it, per the original's
// regions_overlap approximation.
func CopyPropagation(p *kir.Program) {
	remap := make([]kir.Reg, p.NumRegs())
	for i := range remap {
		remap[i] = kir.Reg(i)
	}

	// region_to_reg buckets by offset/32 (one EU GRF register's worth
	// of byte range), mirroring the original's fixed max_eu_regs-sized
	// array of lists.
	buckets := make(map[int32][]residentRegion)

	bucketOf := func(offset int32) int32 { return offset / 32 }

	invalidateOverlapping := func(r region.Region) {
		key := bucketOf(r.Offset)
		kept := buckets[key][:0]
		for _, rr := range buckets[key] {
			if !region.Overlap(rr.region, r) {
				kept = append(kept, rr)
			}
		}
		buckets[key] = kept
	}

	for i := range p.Insns {
		insn := &p.Insns[i]
		switch insn.Opcode {
		case kir.OpLoadRegion:
			key := bucketOf(insn.Region.Offset)
			found := false
			for _, rr := range buckets[key] {
				if region.Equal(rr.region, insn.Region) {
					remap[insn.Dst] = rr.reg
					found = true
					break
				}
			}
			if !found {
				buckets[key] = append(buckets[key], residentRegion{region: insn.Region, reg: insn.Dst})
			}

		case kir.OpStoreRegion, kir.OpStoreRegionMask:
			insn.Src = remap[insn.Src]
			invalidateOverlapping(insn.Region)
			key := bucketOf(insn.Region.Offset)
			buckets[key] = append(buckets[key], residentRegion{region: insn.Region, reg: insn.Src})

		case kir.OpCall, kir.OpConstCall:
			if insn.Call.Args >= 1 {
				insn.Call.Src0 = remap[insn.Call.Src0]
			}
			if insn.Call.Args >= 2 {
				insn.Call.Src1 = remap[insn.Call.Src1]
			}

		case kir.OpZxwd, kir.OpSxwd, kir.OpPS2D, kir.OpD2PS, kir.OpAbsD, kir.OpAbsF,
			kir.OpRcp, kir.OpSqrt, kir.OpRsqrt, kir.OpRndu, kir.OpRndd,
			kir.OpRnde, kir.OpRndz, kir.OpShrI, kir.OpShlI:
			insn.Src0 = remap[insn.Src0]

		case kir.OpAnd, kir.OpAndn, kir.OpOr, kir.OpXor, kir.OpShr, kir.OpShl,
			kir.OpAsr, kir.OpMaxD, kir.OpMaxW, kir.OpMaxF, kir.OpMinD,
			kir.OpMinW, kir.OpMinF, kir.OpDivF, kir.OpAddD, kir.OpAddW,
			kir.OpAddF, kir.OpSubD, kir.OpSubW, kir.OpSubF, kir.OpMulD,
			kir.OpMulW, kir.OpMulF, kir.OpCmp:
			insn.Src0 = remap[insn.Src0]
			insn.Src1 = remap[insn.Src1]

		case kir.OpMaddF, kir.OpNMaddF, kir.OpBlend:
			insn.Src0 = remap[insn.Src0]
			insn.Src1 = remap[insn.Src1]
			insn.Src2 = remap[insn.Src2]

		case kir.OpGather:
			// The mask is never propagated: a gather consumes and
			// overwrites its mask operand in place, so each use
			// needs its own fresh copy (the original's comment on
			// this case applies unchanged).
			insn.Gather.Offset = remap[insn.Gather.Offset]
		}
	}
}
