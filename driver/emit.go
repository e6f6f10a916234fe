// emit.go lowers a post-passes.Allocate kir.Program (every Reg
// field now a physical ymm number 0-15, or a comment/no-dst op) into
// AVX2 machine code via codegen.Assembler, translated instruction-form
// by instruction-form from original_source/avx-builder.c's
// builder_emit_insn switch.
package driver

import (
	"encoding/binary"

	"github.com/ksim/ksim/arena"
	"github.com/ksim/ksim/codegen"
	"github.com/ksim/ksim/kerr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/region"
)

func reg(r kir.Reg) codegen.Reg { return codegen.Reg(r) }

// assemble walks p's instructions in order, emitting one or more
// machine instructions per Insn. i+1 lookahead drives the EOT
// tail-call fusion: a send whose very next instruction is the
// program's terminating eot skips its push/pop-rdi and becomes a
// plain jmp rather than a call+ret, per spec.md §4.8/§4.9's
// description of the original's tail-call pattern.
func assemble(as *codegen.Assembler, ar *arena.Arena, p *kir.Program) {
	for i := range p.Insns {
		insn := &p.Insns[i]

		switch insn.Opcode {
		case kir.OpComment:
			// documentation only, never lowered.

		case kir.OpLoadRegion:
			region.Load(as, insn.Region, reg(insn.Dst))

		case kir.OpStoreRegion:
			region.Store(as, insn.Region, reg(insn.Src))

		case kir.OpStoreRegionMask:
			region.StoreMasked(as, insn.Region, reg(insn.Src), reg(insn.Mask))

		case kir.OpImmD:
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(insn.ImmD))
			off := ar.WriteConst(buf[:], 4)
			as.EmitVPBroadcastDRIP(reg(insn.Dst), off)

		case kir.OpGather:
			emitGather(as, ar, insn)

		case kir.OpZxwd:
			as.EmitVPMovZXWD(reg(insn.Dst), reg(insn.Src0))
		case kir.OpSxwd:
			as.EmitVPMovSXWD(reg(insn.Dst), reg(insn.Src0))
		case kir.OpPS2D:
			as.EmitVCvtPS2DQ(reg(insn.Dst), reg(insn.Src0))
		case kir.OpD2PS:
			as.EmitVCvtDQ2PS(reg(insn.Dst), reg(insn.Src0))
		case kir.OpAbsD:
			as.EmitVPAbsD(reg(insn.Dst), reg(insn.Src0))
		case kir.OpAbsF:
			// eu.c's abs modifier for a float source ANDs off the sign
			// bit rather than using an integer abs instruction.
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], 0x7fffffff)
			off := ar.WriteConst(buf[:], 4)
			mask := reg(insn.Dst)
			as.EmitVPBroadcastDRIP(mask, off)
			as.EmitVPAnd(reg(insn.Dst), reg(insn.Src0), mask)
		case kir.OpRcp:
			as.EmitVRcpPS(reg(insn.Dst), reg(insn.Src0))
		case kir.OpSqrt:
			as.EmitVSqrtPS(reg(insn.Dst), reg(insn.Src0))
		case kir.OpRsqrt:
			as.EmitVRsqrtPS(reg(insn.Dst), reg(insn.Src0))
		case kir.OpRndu:
			as.EmitVRoundPS(reg(insn.Dst), reg(insn.Src0), codegen.RoundUp)
		case kir.OpRndd:
			as.EmitVRoundPS(reg(insn.Dst), reg(insn.Src0), codegen.RoundDown)
		case kir.OpRnde:
			as.EmitVRoundPS(reg(insn.Dst), reg(insn.Src0), codegen.RoundNearest)
		case kir.OpRndz:
			as.EmitVRoundPS(reg(insn.Dst), reg(insn.Src0), codegen.RoundZero)
		case kir.OpShrI:
			as.EmitVPSrlD(reg(insn.Dst), reg(insn.Src0), uint8(insn.Imm1))
		case kir.OpShlI:
			as.EmitVPSllD(reg(insn.Dst), reg(insn.Src0), uint8(insn.Imm1))

		case kir.OpAnd:
			as.EmitVPAnd(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpAndn:
			as.EmitVPAndn(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpOr:
			as.EmitVPOr(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpXor:
			as.EmitVPXor(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpShr:
			as.EmitVPSrlvD(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpShl:
			as.EmitVPSllvD(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpAsr:
			as.EmitVPSravD(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))

		case kir.OpDivF:
			as.EmitVDivPS(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))

		case kir.OpAddD:
			as.EmitVPAddD(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpAddW:
			as.EmitVPAddW(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpAddF:
			as.EmitVAddPS(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpSubD:
			as.EmitVPSubD(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpSubW:
			as.EmitVPSubW(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpSubF:
			as.EmitVSubPS(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpMulD:
			as.EmitVPMullD(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpMulW:
			as.EmitVPMullW(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpMulF:
			as.EmitVMulPS(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpMaxF:
			as.EmitVMaxPS(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))
		case kir.OpMinF:
			as.EmitVMinPS(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1))

		case kir.OpCmp:
			as.EmitVCmpPS(reg(insn.Dst), reg(insn.Src0), reg(insn.Src1), codegen.CmpPredicate(insn.Imm2))

		// dst was assigned in place of src0 by passes.Allocate for
		// these three; the operand swap below undoes the mismatch
		// between kir's (src0, src1, src2) argument order and each
		// FMA form's (dst, vvvv, rm) "dst op= src2" encoding.
		case kir.OpMaddF:
			as.EmitVFmadd132PS(reg(insn.Dst), reg(insn.Src2), reg(insn.Src1))
		case kir.OpNMaddF:
			as.EmitVFnmadd132PS(reg(insn.Dst), reg(insn.Src2), reg(insn.Src1))
		case kir.OpBlend:
			as.EmitVPBlendVB(reg(insn.Dst), reg(insn.Dst), reg(insn.Src1), reg(insn.Src2))

		case kir.OpSend, kir.OpConstSend:
			tail := insn.Opcode != kir.OpConstSend && i+1 < len(p.Insns) && p.Insns[i+1].Opcode == kir.OpEOT
			emitSend(as, ar, insn.Send, tail)

		case kir.OpEOT:
			if i == 0 || (p.Insns[i-1].Opcode != kir.OpSend) {
				as.EmitRet()
			}
			// else: already folded into the preceding send's jmp rax.

		case kir.OpMov, kir.OpImmW, kir.OpImmV, kir.OpImmVF,
			kir.OpMaxD, kir.OpMaxW, kir.OpMinD, kir.OpMinW,
			kir.OpIntDivQAndR, kir.OpIntDivQ, kir.OpIntDivR,
			kir.OpIntInvM, kir.OpIntRsqrtM, kir.OpCall, kir.OpConstCall:
			// Matches original_source/kir.c's own stub() cases: these
			// opcodes are defined in the IR but never lowered by the
			// reference codegen (avx-builder.c has no case for any of
			// them either). kir_mov is likewise vestigial end to end
			// (see package kir's doc comment) — nothing ever emits it.
			kerr.UnimplementedFault("driver.assemble: opcode has no AVX2 lowering")

		default:
			kerr.UnimplementedFault("driver.assemble: unrecognized KIR opcode")
		}
	}
}

// emitGather loads Gather.Base (a host pointer baked in at compile
// time, since it always resolves through gpuaddr.Mapper ahead of KIR
// construction — see stage.EmitVertexFetch) into rax from the constant
// pool, then issues the VSIB gather against it.
func emitGather(as *codegen.Assembler, ar *arena.Arena, insn *kir.Insn) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(insn.Gather.Base)+uint64(insn.Gather.BaseOffset))
	off := ar.WriteConst(buf[:], 8)
	as.EmitMovRIPToRAX(off)
	as.EmitVPGatherDD(reg(insn.Dst), codegen.RAX, reg(insn.Gather.Offset), codegen.Scale(insn.Gather.Scale), 0, reg(insn.Gather.Mask))
}

// emitSend packs send's register-window fields into a small constant
// pool args record and issues the push-rdi/lea-rsi/mov-rax/call-or-jmp
// sequence original_source/eu.c's builder_emit_inst uses to hand off
// to a C helper, per package sfid's handle-table adaptation: the
// value baked into the function-pointer slot is the handle
// sfid.Register returned, not a resolved code address (see DESIGN.md).
func emitSend(as *codegen.Assembler, ar *arena.Arena, send kir.Send, tail bool) {
	var args [16]byte
	binary.LittleEndian.PutUint32(args[0:], send.Src)
	binary.LittleEndian.PutUint32(args[4:], send.MLen)
	binary.LittleEndian.PutUint32(args[8:], send.Dst)
	binary.LittleEndian.PutUint32(args[12:], send.RLen)
	argsOff := ar.WriteConst(args[:], 8)

	var fn [8]byte
	binary.LittleEndian.PutUint64(fn[:], uint64(send.Func))
	fnOff := ar.WriteConst(fn[:], 8)

	if !tail {
		as.EmitPushRDI()
	}
	as.EmitLeaRIPToRSI(argsOff)
	as.EmitMovRIPToRAX(fnOff)
	if tail {
		as.EmitJmpRAX()
	} else {
		as.EmitCallRAX()
		as.EmitPopRDI()
	}
}
