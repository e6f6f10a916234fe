// Package driver implements spec.md §4.9/§6: the top-level
// compile entry points (CompileShader, CompileProgram) that walk a raw EU instruction
// stream, translate each instruction into KIR, run the three
// optimization passes, assemble the result into the arena, and expose
// the panic-recover boundary that turns a kerr fault into a returned
// error.
//
// Grounded on original_source/eu.c's builder_emit_inst (the decode
// loop and per-opcode translation this file's translateInst mirrors)
// and compute.c/pipe.c's compile_shader orchestration.
package driver

import (
	"github.com/ksim/ksim/codegen"
	"github.com/ksim/ksim/decoder"
	"github.com/ksim/ksim/kerr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/region"
	"github.com/ksim/ksim/sfid"
	"github.com/ksim/ksim/thread"
)

// regionFromSrc builds the region a source operand addresses, per
// eu.c's region-descriptor handling: the register file's byte offset
// plus the sub-register byte, with the already-resolved stride/width
// fields decoder.Decode produced.
func regionFromSrc(src decoder.Src, execSize uint32) region.Region {
	return region.Region{
		Offset:   int32(thread.GRFOffset(int(src.Num))) + int32(src.DA1Subnum),
		TypeSize: int32(decoder.TypeSize(src.Type)),
		ExecSize: int32(execSize),
		VStride:  int32(src.VStride),
		Width:    int32(src.Width),
		HStride:  int32(src.HStride),
	}
}

// regionFromDst builds the region a destination operand addresses. A
// destination always writes one element per lane (eu.h's dst region
// has no vstride/width of its own, only a horizontal stride), so its
// effective vstride is hstride*execSize as if width == exec_size.
func regionFromDst(dst decoder.Dst, execSize uint32) region.Region {
	return region.Region{
		Offset:   int32(thread.GRFOffset(int(dst.Num))) + int32(dst.DA1Subnum),
		TypeSize: int32(decoder.TypeSize(dst.Type)),
		ExecSize: int32(execSize),
		VStride:  int32(dst.HStride) * int32(execSize),
		Width:    int32(execSize),
		HStride:  int32(dst.HStride),
	}
}

// loadSrc reads a source operand's region and applies its abs/negate
// modifiers, per eu.c's builder_emit_src_modifiers: abs (when present)
// is applied before negate. op carries the consuming instruction's
// opcode, since the negate lowering depends on whether that opcode is
// one of the "logic" family (is_logic_instruction): those XOR against
// a broadcast *zero* rather than subtracting from it — faithfully
// reproduced here exactly as eu.c does it, even though the XOR-with-
// zero is a no-op; it is the original's own behavior, not a bug
// introduced by this port.
func loadSrc(p *kir.Program, op decoder.Opcode, src decoder.Src, execSize uint32) kir.Reg {
	v := p.LoadRegion(regionFromSrc(src, execSize))

	if src.Abs {
		if decoder.IsFloat(src.Type) {
			v = p.Unop(kir.OpAbsF, v)
		} else {
			v = p.Unop(kir.OpAbsD, v)
		}
	}

	if src.Negate {
		switch {
		case decoder.IsLogic(op):
			v = p.Binop(kir.OpXor, v, p.ImmD(0))
		case decoder.IsFloat(src.Type):
			v = p.Binop(kir.OpSubF, p.ImmF(0), v)
		default:
			v = p.Binop(kir.OpSubD, p.ImmD(0), v)
		}
	}

	return v
}

// storeResult writes v into dst's region, clamping to [0, 1] first if
// saturate is set, per eu.c's builder_emit_dst_store: the clamp is
// implemented only for float destinations there (an
// ksim_assert(is_float(...))), so a saturate modifier on an integer
// destination faults here rather than silently doing nothing.
func storeResult(p *kir.Program, dst decoder.Dst, saturate bool, execSize uint32, v kir.Reg) {
	if saturate {
		if !decoder.IsFloat(dst.Type) {
			kerr.InvariantFault("driver.storeResult", "saturate modifier on a non-float destination")
		}
		v = p.Binop(kir.OpMaxF, v, p.ImmF(0))
		v = p.Binop(kir.OpMinF, v, p.ImmF(1))
	}
	p.StoreRegion(regionFromDst(dst, execSize), v)
}

// aluOp picks the typed KIR opcode variant for a generic ALU family,
// per kir.h's per-type opcode grouping (AddD/AddW/AddF, and so on):
// the EU ISA has one `add`/`mul`/`max`/`min` opcode whose behavior
// depends on its destination's operand type, while KIR, like the
// AVX2 ISA underneath it, has a distinct opcode per type.
func aluOp(dstType decoder.RegType, d, w, f kir.Opcode) kir.Opcode {
	switch {
	case decoder.IsFloat(dstType):
		return f
	case decoder.TypeSize(dstType) == 2:
		return w
	default:
		return d
	}
}

// translateInst appends inst's KIR translation to p. raw is the
// 16-byte instruction window inst was decoded from, needed again for
// decoder.DecodeThreeSrc on MAD/LRP. deps carries the address-
// translation context SFID lowering needs for sampler/dataport sends.
func translateInst(p *kir.Program, inst decoder.Inst, raw []byte, deps sfid.Deps) {
	execSize := uint32(1) << inst.Common.ExecSize
	op := inst.Common.Opcode

	switch op {
	case decoder.OpNop:
		p.Comment("nop")

	case decoder.OpMov:
		// kir_mov is vestigial (see kir package docs): a mov is
		// translated as a load of the source region immediately
		// stored to the destination region, rather than emitted as
		// an OpMov instruction nothing downstream ever handles.
		src := loadSrc(p, op, inst.Src0, execSize)
		storeResult(p, inst.Dst, inst.Common.Saturate, execSize, src)

	case decoder.OpAnd, decoder.OpOr, decoder.OpXor, decoder.OpShr, decoder.OpShl, decoder.OpAsr:
		src0 := loadSrc(p, op, inst.Src0, execSize)
		src1 := loadSrc(p, op, inst.Src1, execSize)
		kop := bitwiseOp(op)
		dst := p.Binop(kop, src0, src1)
		storeResult(p, inst.Dst, inst.Common.Saturate, execSize, dst)

	case decoder.OpAdd:
		src0 := loadSrc(p, op, inst.Src0, execSize)
		src1 := loadSrc(p, op, inst.Src1, execSize)
		kop := aluOp(inst.Dst.Type, kir.OpAddD, kir.OpAddW, kir.OpAddF)
		dst := p.Binop(kop, src0, src1)
		storeResult(p, inst.Dst, inst.Common.Saturate, execSize, dst)

	case decoder.OpMul:
		src0 := loadSrc(p, op, inst.Src0, execSize)
		src1 := loadSrc(p, op, inst.Src1, execSize)
		kop := aluOp(inst.Dst.Type, kir.OpMulD, kir.OpMulW, kir.OpMulF)
		dst := p.Binop(kop, src0, src1)
		storeResult(p, inst.Dst, inst.Common.Saturate, execSize, dst)

	case decoder.OpMad:
		ts := decoder.DecodeThreeSrc(raw)
		src0 := loadSrc(p, op, ts.Src0, execSize)
		src1 := loadSrc(p, op, ts.Src1, execSize)
		src2 := loadSrc(p, op, ts.Src2, execSize)

		var dst kir.Reg
		if decoder.IsFloat(ts.Dst.Type) {
			// eu.c's float MAD lowers to a single FMA: vfmadd231ps
			// computes src1*src2 + dst where dst is preloaded with
			// src0 — kir.Triop's (A, B, C) = A*B + C convention gets
			// the same result from Triop(src1, src2, src0).
			dst = p.Triop(kir.OpMaddF, src1, src2, src0)
		} else {
			// eu.c's integer MAD: vpmulld then vpaddd, dst = src0 +
			// src1*src2.
			mul := p.Binop(kir.OpMulD, src1, src2)
			dst = p.Binop(kir.OpAddD, src0, mul)
		}
		storeResult(p, ts.Dst, inst.Common.Saturate, execSize, dst)

	case decoder.OpLrp:
		// eu.c's own BRW_OPCODE_LRP case is itself an unconditional
		// stub() — LRP was never lowered in the reference this is
		// ported from, so it stays an explicit named fault here too.
		kerr.UnimplementedFault("driver.translateInst: BRW_OPCODE_LRP is unimplemented in the reference this was ported from")

	case decoder.OpMath:
		translateMath(p, inst, execSize)

	case decoder.OpRndu, decoder.OpRndd, decoder.OpRnde, decoder.OpRndz:
		src0 := loadSrc(p, op, inst.Src0, execSize)
		dst := p.Unop(roundOp(op), src0)
		storeResult(p, inst.Dst, inst.Common.Saturate, execSize, dst)

	case decoder.OpCmp, decoder.OpCmpn:
		src0 := loadSrc(p, op, inst.Src0, execSize)
		src1 := loadSrc(p, op, inst.Src1, execSize)
		// CondModifier uses the EU numbering (1=Z, 2=NZ, 3=G, 4=GE,
		// 5=L, 6=LE); kir.Cmp takes the matching VCMPPS predicate.
		preds := [...]codegen.CmpPredicate{1: codegen.CmpEQ, 2: codegen.CmpNEQ, 3: codegen.CmpNLE,
			4: codegen.CmpNLT, 5: codegen.CmpLT, 6: codegen.CmpLE}
		cm := inst.Common.CondModifier
		if cm == 0 || int(cm) >= len(preds) {
			kerr.UnimplementedFault("driver.translateInst: cmp conditional modifier")
		}
		pred := kir.CmpPredicate(preds[cm])
		dst := p.Cmp(src0, src1, pred)
		p.StoreRegion(regionFromDst(inst.Dst, execSize), dst)

	case decoder.OpSend, decoder.OpSendc:
		sfid.EmitSend(p, inst, deps)
		// Thread-spawner sends already append their own eot inside
		// EmitSend; every other SFID's eot bit is handled uniformly
		// here so codegen's tail-call fusion only ever sees one.
		if inst.Send.EOT && inst.Send.SFID != sfid.ThreadSpawner {
			p.EOT()
		}

	default:
		kerr.UnimplementedFault("driver.translateInst: unsupported EU opcode")
	}
}

// translateMath lowers an OpMath instruction by dispatching on its
// MathFunction sub-opcode, per eu.c's BRW_OPCODE_MATH case: INV, SQRT,
// RSQ and FDIV each have a single corresponding AVX2 instruction and
// are lowered for real; the rest (LOG/EXP/SIN/COS/SINCOS/POW call out
// to libm-style helpers in the original, and the INT_DIV variants are
// stub()bed there too) are named fatal stubs, not a blanket default.
func translateMath(p *kir.Program, inst decoder.Inst, execSize uint32) {
	fn := decoder.MathFunction(inst.Common.MathFunction)
	op := inst.Common.Opcode
	src0 := loadSrc(p, op, inst.Src0, execSize)

	switch fn {
	case decoder.MathInv:
		dst := p.Unop(kir.OpRcp, src0)
		storeResult(p, inst.Dst, inst.Common.Saturate, execSize, dst)
	case decoder.MathSqrt:
		dst := p.Unop(kir.OpSqrt, src0)
		storeResult(p, inst.Dst, inst.Common.Saturate, execSize, dst)
	case decoder.MathRsq:
		dst := p.Unop(kir.OpRsqrt, src0)
		storeResult(p, inst.Dst, inst.Common.Saturate, execSize, dst)
	case decoder.MathFdiv:
		src1 := loadSrc(p, op, inst.Src1, execSize)
		dst := p.Binop(kir.OpDivF, src0, src1)
		storeResult(p, inst.Dst, inst.Common.Saturate, execSize, dst)
	case decoder.MathLog:
		kerr.UnimplementedFault("driver.translateMath: math.LOG")
	case decoder.MathExp:
		kerr.UnimplementedFault("driver.translateMath: math.EXP")
	case decoder.MathSin:
		kerr.UnimplementedFault("driver.translateMath: math.SIN")
	case decoder.MathCos:
		kerr.UnimplementedFault("driver.translateMath: math.COS")
	case decoder.MathSincos:
		kerr.UnimplementedFault("driver.translateMath: math.SINCOS")
	case decoder.MathPow:
		kerr.UnimplementedFault("driver.translateMath: math.POW")
	case decoder.MathIntDivQuotAndRem, decoder.MathIntDivQuot, decoder.MathIntDivRem:
		kerr.UnimplementedFault("driver.translateMath: math.INT_DIV")
	default:
		kerr.UnimplementedFault("driver.translateMath: unrecognized math function")
	}
}

func bitwiseOp(op decoder.Opcode) kir.Opcode {
	switch op {
	case decoder.OpAnd:
		return kir.OpAnd
	case decoder.OpOr:
		return kir.OpOr
	case decoder.OpXor:
		return kir.OpXor
	case decoder.OpShr:
		return kir.OpShr
	case decoder.OpShl:
		return kir.OpShl
	case decoder.OpAsr:
		return kir.OpAsr
	default:
		kerr.InvariantFault("driver.bitwiseOp", "opcode is not a bitwise binop")
		return 0
	}
}

func roundOp(op decoder.Opcode) kir.Opcode {
	switch op {
	case decoder.OpRndu:
		return kir.OpRndu
	case decoder.OpRndd:
		return kir.OpRndd
	case decoder.OpRnde:
		return kir.OpRnde
	case decoder.OpRndz:
		return kir.OpRndz
	default:
		kerr.InvariantFault("driver.roundOp", "opcode is not a rounding unop")
		return 0
	}
}

// TranslateProgram decodes code (a raw EU instruction stream) and
// appends every instruction's KIR translation to p, in program order,
// stopping once an EOT-marked send has been translated.
func TranslateProgram(p *kir.Program, code []byte, deps sfid.Deps) {
	offset := 0
	for offset < len(code) {
		inst := decoder.Decode(code[offset:])
		translateInst(p, inst, code[offset:], deps)
		if inst.Send.EOT && decoder.IsSend(inst.Common.Opcode) {
			return
		}
		offset += inst.Len
	}
}
