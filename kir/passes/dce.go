package passes

import (
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/region"
)

// regionToMask computes the pair of 32-bit per-byte masks r touches
// within its containing 64-byte pair of EU GRF registers, translated
// byte-for-byte from kir.c's region_to_mask.
func regionToMask(r region.Region) [2]uint32 {
	typeMask := uint32(1<<uint(r.TypeSize)) - 1
	var mask [2]uint32
	x, y := int32(0), int32(0)
	for i := int32(0); i < r.ExecSize; i++ {
		offset := (r.Offset & 31) + (x*r.HStride+y*r.VStride)*r.TypeSize
		mask[offset/32] |= typeMask << uint(offset&31)
		x++
		if x == r.Width {
			x = 0
			y++
		}
	}
	return mask
}

// liveMap tracks, per 32-byte EU GRF register slot, which bytes are
// live, translated from kir.c's fixed 512-entry region_map array.
type liveMap struct {
	words [512]uint32
}

func newLiveMap() *liveMap {
	m := &liveMap{}
	// Everything at or past the EU register file (slots 128..511 —
	// CURBE, URB and other persistent memory) starts out live: DCE
	// never removes a store to memory it can't prove is dead.
	for i := 128; i < 512; i++ {
		m.words[i] = ^uint32(0)
	}
	return m
}

func (m *liveMap) isLive(r region.Region) bool {
	reg := r.Offset / 32
	mask := regionToMask(r)
	return m.words[reg]&mask[0] != 0 || m.words[reg+1]&mask[1] != 0
}

func (m *liveMap) setLive(r region.Region, live bool) {
	reg := r.Offset / 32
	mask := regionToMask(r)
	if live {
		m.words[reg] |= mask[0]
		m.words[reg+1] |= mask[1]
	} else {
		m.words[reg] &^= mask[0]
		m.words[reg+1] &^= mask[1]
	}
}

// regionForReg builds the fixed SIMD8 32-bit region a physical EU GRF
// register holds, per kir.c's region_for_reg.
func regionForReg(reg uint32) region.Region {
	return region.Region{Offset: int32(reg) * 32, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
}

// ComputeLiveRanges walks the program in reverse and, for every virtual
// register, records the index of the last instruction that consumes
// it (or 0, if nothing ever does). DCE then
// drops any instruction whose own destination index is not less than
// its recorded range: since registers are allocated in strict program
// order, a register's own index doubles as "this instruction's
// position", so the comparison also catches stores and sends whose
// destination carries no real value.
//
// Translated from kir.c's kir_program_compute_live_ranges.
func ComputeLiveRanges(p *kir.Program) []uint32 {
	n := p.NumRegs()
	liveRegs := make([]bool, n)
	rng := make([]uint32, n)
	regionMap := newLiveMap()

	setLiveReg := func(r kir.Reg, live bool, dst kir.Reg) {
		if !live {
			return
		}
		if !liveRegs[r] {
			rng[r] = uint32(dst)
		}
		liveRegs[r] = true
	}

	for i := len(p.Insns) - 1; i >= 0; i-- {
		insn := &p.Insns[i]
		live := false
		switch insn.Opcode {
		case kir.OpComment:
			rng[insn.Dst] = uint32(insn.Dst) + 1

		case kir.OpLoadRegion:
			live = liveRegs[insn.Dst]
			regionMap.setLive(insn.Region, live)

		case kir.OpStoreRegion, kir.OpStoreRegionMask:
			live = regionMap.isLive(insn.Region)
			setLiveReg(insn.Src, live, insn.Dst)
			if live {
				rng[insn.Dst] = uint32(insn.Dst) + 1
			}
			regionMap.setLive(insn.Region, false)

		case kir.OpImmD, kir.OpImmW, kir.OpImmV, kir.OpImmVF:

		case kir.OpSend, kir.OpConstSend:
			live = insn.Opcode == kir.OpSend
			for i := uint32(0); i < insn.Send.RLen; i++ {
				live = live || regionMap.isLive(regionForReg(insn.Send.Dst+i))
				regionMap.setLive(insn.Region, false)
			}
			if live {
				rng[insn.Dst] = uint32(insn.Dst) + 1
			}
			for i := uint32(0); i < insn.Send.MLen; i++ {
				regionMap.setLive(regionForReg(insn.Send.Src+i), live)
			}

		case kir.OpCall:
			rng[insn.Dst] = uint32(insn.Dst) + 1
			if insn.Call.Args > 0 {
				setLiveReg(insn.Call.Src0, live, insn.Dst)
			}
			if insn.Call.Args > 1 {
				setLiveReg(insn.Call.Src1, live, insn.Dst)
			}

		case kir.OpConstCall:
			live = liveRegs[insn.Dst]
			if insn.Call.Args > 0 {
				setLiveReg(insn.Call.Src0, live, insn.Dst)
			}
			if insn.Call.Args > 1 {
				setLiveReg(insn.Call.Src1, live, insn.Dst)
			}

		case kir.OpZxwd, kir.OpSxwd, kir.OpPS2D, kir.OpD2PS, kir.OpAbsD, kir.OpAbsF,
			kir.OpRcp, kir.OpSqrt, kir.OpRsqrt, kir.OpRndu, kir.OpRndd,
			kir.OpRnde, kir.OpRndz, kir.OpShrI, kir.OpShlI:
			live = liveRegs[insn.Dst]
			setLiveReg(insn.Src0, live, insn.Dst)

		case kir.OpAnd, kir.OpAndn, kir.OpOr, kir.OpXor, kir.OpShr, kir.OpShl,
			kir.OpAsr, kir.OpMaxD, kir.OpMaxW, kir.OpMaxF, kir.OpMinD,
			kir.OpMinW, kir.OpMinF, kir.OpDivF, kir.OpAddD, kir.OpAddW,
			kir.OpAddF, kir.OpSubD, kir.OpSubW, kir.OpSubF, kir.OpMulD,
			kir.OpMulW, kir.OpMulF, kir.OpCmp:
			live = liveRegs[insn.Dst]
			setLiveReg(insn.Src0, live, insn.Dst)
			setLiveReg(insn.Src1, live, insn.Dst)

		case kir.OpIntDivQAndR, kir.OpIntDivQ, kir.OpIntDivR, kir.OpIntInvM, kir.OpIntRsqrtM:

		case kir.OpMaddF, kir.OpNMaddF, kir.OpBlend:
			live = liveRegs[insn.Dst]
			setLiveReg(insn.Src0, live, insn.Dst)
			setLiveReg(insn.Src1, live, insn.Dst)
			setLiveReg(insn.Src2, live, insn.Dst)

		case kir.OpGather:
			live = liveRegs[insn.Dst]
			setLiveReg(insn.Gather.Mask, live, insn.Dst)
			setLiveReg(insn.Gather.Offset, live, insn.Dst)

		case kir.OpEOT:
			rng[insn.Dst] = uint32(insn.Dst) + 1
		}
	}

	return rng
}

// DCE removes every instruction whose destination register is never
// recorded as live by ComputeLiveRanges, translated from kir.c's
// kir_program_dce.
func DCE(p *kir.Program) {
	rng := ComputeLiveRanges(p)
	kept := p.Insns[:0]
	for _, insn := range p.Insns {
		if uint32(insn.Dst) >= rng[insn.Dst] {
			continue
		}
		kept = append(kept, insn)
	}
	p.Insns = kept
}
