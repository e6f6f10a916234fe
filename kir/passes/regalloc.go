package passes

import (
	"math/bits"

	"github.com/ksim/ksim/kerr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/region"
	"github.com/ksim/ksim/thread"
)

const avxRegs = 16

// raState is the linear-scan allocator's working set, translated from
// kir.c's struct ra_state. regToAvx holds, per virtual register,
// either the ymm register it is bound to (0..15), a spill slot plus
// avxRegs (spilled), or -1 (never assigned).
type raState struct {
	rng        []uint32
	regs       uint32 // bitmask of free ymm registers
	spillSlots uint32 // bitmask of free spill slots
	regToAvx   []int
	avxToReg   [avxRegs]kir.Reg
	out        []kir.Insn
}

func spillRegionFor(slot int) region.Region {
	return region.Region{Offset: int32(thread.SpillOffset(slot)), TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
}

// spillReg stores the value currently bound to avxReg into the lowest
// free spill slot, emitting the store just ahead of the instruction
// under construction. Translated from kir.c's spill_reg.
func (s *raState) spillReg(avxReg int) {
	if s.spillSlots == 0 {
		kerr.InvariantFault("passes.spillReg", "spill pool exhausted")
	}
	slot := bits.TrailingZeros32(s.spillSlots)
	s.spillSlots &^= 1 << uint(slot)

	def := s.avxToReg[avxReg]
	s.out = append(s.out, kir.Insn{
		Opcode: kir.OpStoreRegion,
		Src:    kir.Reg(avxReg),
		Region: spillRegionFor(slot),
	})

	s.regs |= 1 << uint(avxReg)
	s.regToAvx[def] = avxRegs + slot
}

// assignReg binds insn's (still-virtual) destination to avxReg,
// rewriting insn.Dst in place to the physical register number.
// Translated from kir.c's assign_reg.
func (s *raState) assignReg(insn *kir.Insn, avxReg int) {
	s.avxToReg[avxReg] = insn.Dst
	s.regToAvx[insn.Dst] = avxReg
	insn.Dst = kir.Reg(avxReg)
	s.regs &^= 1 << uint(avxReg)
}

// allocPhysReg picks a free ymm register not in exclude, spilling the
// occupied one holding the oldest value (the lowest virtual register
// number, since registers are numbered in program order) first if none
// is free. This
// is the general case kir.c's own allocator never handles outside a
// call's spill_all (its default branch just asserts regs != 0); without
// it, any kernel with more than 16 simultaneously live values overflows
// bits.TrailingZeros32(0) into an out-of-range avxToReg index.
func (s *raState) allocPhysReg(exclude uint32) int {
	regs := s.regs &^ exclude
	if regs == 0 {
		victim := -1
		for r := 0; r < avxRegs; r++ {
			if (s.regs|exclude)&(1<<uint(r)) == 0 && (victim < 0 || s.avxToReg[r] < s.avxToReg[victim]) {
				victim = r
			}
		}
		s.spillReg(victim)
		regs = s.regs &^ exclude
	}
	return bits.TrailingZeros32(regs)
}

// unspillReg reloads virtual register r from its spill slot into a
// fresh ymm register, ahead of the instruction under construction.
// Translated from kir.c's unspill_reg, extended with allocPhysReg's
// spill-to-make-room fallback per kir.c's own unspill_reg FIXME
// ("need to spill something else if no regs").
func (s *raState) unspillReg(r kir.Reg) {
	avxReg := s.allocPhysReg(0)
	slot := s.regToAvx[r] - avxRegs
	s.spillSlots |= 1 << uint(slot)

	s.out = append(s.out, kir.Insn{Opcode: kir.OpLoadRegion, Dst: r, Region: spillRegionFor(slot)})
	s.assignReg(&s.out[len(s.out)-1], avxReg)
}

func (s *raState) unspill1(a kir.Reg) {
	if s.regToAvx[a] >= avxRegs {
		s.unspillReg(a)
	}
}

func (s *raState) unspill2(a, b kir.Reg) {
	s.unspill1(a)
	s.unspill1(b)
}

func (s *raState) unspill3(a, b, c kir.Reg) {
	s.unspill1(a)
	s.unspill1(b)
	s.unspill1(c)
}

// useReg returns the ymm register currently bound to the (still
// virtual) register reg, freeing it once insn (reg's last consumer)
// has used it. Translated from kir.c's use_reg.
func (s *raState) useReg(insn *kir.Insn, reg kir.Reg) kir.Reg {
	avxReg := s.regToAvx[reg]
	if uint32(insn.Dst) >= s.rng[reg] {
		s.regs |= 1 << uint(avxReg)
	}
	return kir.Reg(avxReg)
}

// spillAll spills every currently-live ymm register, used ahead of a
// call instruction that clobbers the full register file under the
// platform calling convention. Translated from kir.c's spill_all.
func (s *raState) spillAll() {
	live := uint32(0xffff) &^ s.regs
	for live != 0 {
		avxReg := bits.TrailingZeros32(live)
		live &^= 1 << uint(avxReg)
		s.spillReg(avxReg)
	}
}

// Allocate assigns a physical ymm register (or a spill slot) to every
// KIR virtual register, inserting spill/fill instructions as needed.
// Must run after CopyPropagation and DCE. Translated from kir.c's
// kir_program_allocate_registers.
func Allocate(p *kir.Program) {
	rng := ComputeLiveRanges(p)
	regToAvx := make([]int, p.NumRegs())
	for i := range regToAvx {
		regToAvx[i] = -1
	}

	s := &raState{
		rng:        rng,
		regs:       0xffff,
		spillSlots: (uint32(1) << thread.SpillSlots) - 1,
		regToAvx:   regToAvx,
		out:        make([]kir.Insn, 0, len(p.Insns)),
	}

	for i := range p.Insns {
		insn := p.Insns[i]
		var exclude uint32

		switch insn.Opcode {
		case kir.OpComment, kir.OpLoadRegion:

		case kir.OpStoreRegion, kir.OpStoreRegionMask:
			s.unspill1(insn.Src)
			insn.Src = s.useReg(&insn, insn.Src)

		case kir.OpImmD, kir.OpImmW, kir.OpImmV, kir.OpImmVF:

		case kir.OpSend, kir.OpConstSend:

		case kir.OpCall, kir.OpConstCall:
			s.spillAll()
			if insn.Call.Args == 1 {
				s.unspill1(insn.Call.Src0)
				insn.Call.Src0 = s.useReg(&insn, insn.Call.Src0)
			} else if insn.Call.Args == 2 {
				s.unspill2(insn.Call.Src0, insn.Call.Src1)
				insn.Call.Src0 = s.useReg(&insn, insn.Call.Src0)
				insn.Call.Src1 = s.useReg(&insn, insn.Call.Src1)
			}

		case kir.OpZxwd, kir.OpSxwd, kir.OpPS2D, kir.OpD2PS, kir.OpAbsD, kir.OpAbsF,
			kir.OpRcp, kir.OpSqrt, kir.OpRsqrt, kir.OpRndu, kir.OpRndd,
			kir.OpRnde, kir.OpRndz, kir.OpShrI, kir.OpShlI:
			s.unspill1(insn.Src0)
			insn.Src0 = s.useReg(&insn, insn.Src0)

		case kir.OpAnd, kir.OpAndn, kir.OpOr, kir.OpXor, kir.OpShr, kir.OpShl,
			kir.OpAsr, kir.OpMaxD, kir.OpMaxW, kir.OpMaxF, kir.OpMinD,
			kir.OpMinW, kir.OpMinF, kir.OpDivF, kir.OpAddD, kir.OpAddW,
			kir.OpAddF, kir.OpSubD, kir.OpSubW, kir.OpSubF, kir.OpMulD,
			kir.OpMulW, kir.OpMulF, kir.OpCmp:
			s.unspill2(insn.Src0, insn.Src1)
			insn.Src0 = s.useReg(&insn, insn.Src0)
			insn.Src1 = s.useReg(&insn, insn.Src1)

		case kir.OpIntDivQAndR, kir.OpIntDivQ, kir.OpIntDivR, kir.OpIntInvM, kir.OpIntRsqrtM:

		case kir.OpMaddF, kir.OpNMaddF, kir.OpBlend:
			s.unspill3(insn.Src0, insn.Src1, insn.Src2)
			insn.Src0 = s.useReg(&insn, insn.Src0)
			insn.Src1 = s.useReg(&insn, insn.Src1)
			insn.Src2 = s.useReg(&insn, insn.Src2)
			// These three reuse src0's register as their destination.
			s.assignReg(&insn, int(insn.Src0))

		case kir.OpGather:
			// dst must differ from mask and offset for vpgatherdd.
			s.unspill2(insn.Gather.Mask, insn.Gather.Offset)
			exclude = ^s.regs
			insn.Gather.Mask = s.useReg(&insn, insn.Gather.Mask)
			insn.Gather.Offset = s.useReg(&insn, insn.Gather.Offset)

		case kir.OpEOT:
		}

		switch insn.Opcode {
		case kir.OpComment, kir.OpStoreRegionMask, kir.OpStoreRegion,
			kir.OpSend, kir.OpConstSend, kir.OpEOT,
			kir.OpMaddF, kir.OpNMaddF, kir.OpBlend:
			// No fresh destination: either no result, or already
			// assigned above by reusing a source register.

		default:
			avxReg := s.allocPhysReg(exclude)
			s.assignReg(&insn, avxReg)
		}

		s.out = append(s.out, insn)
	}

	p.Insns = s.out
}
