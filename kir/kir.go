// Package kir implements the KIR intermediate representation of
// spec.md §4.4: a flat, register-based IR over 256-bit vectors that
// sits between the EU decoder and the AVX2 assembler.
//
// Grounded on original_source/kir.h's enum kir_opcode and struct
// kir_insn, translated from the C union-of-structs encoding (xfer/alu/
// gather/imm/send/call share one field in the original) into a single
// flat Go struct: Go has no tagged unions, and KIR instructions are
// small enough that paying for every field on every Insn costs far
// less than the original's manual memory layout buys back. Program
// itself replaces the original's intrusive list.insns with a plain
// []Insn, in keeping with the teacher's preference for slices over
// linked structures (coprocessor_manager.go's worker list, for one).
package kir

import (
	"math"

	"github.com/ksim/ksim/region"
)

// Reg identifies a KIR virtual register. Every appended instruction,
// including those with no result (store, send with rlen=0, eot), gets a
// fresh register numbered from 1, so register 0 never names a value; it
// is only the zero value of an unused Reg field.
type Reg int

// Opcode enumerates every KIR instruction kind, in the same grouping
// and order as original_source/kir.h's enum kir_opcode.
type Opcode int

const (
	OpComment Opcode = iota

	OpLoadRegion
	OpStoreRegionMask
	OpStoreRegion
	OpGather

	OpImmD
	OpImmW
	OpImmV
	OpImmVF

	OpSend
	OpConstSend
	OpCall
	OpConstCall

	// unops
	OpMov
	OpZxwd
	OpSxwd
	OpPS2D
	OpD2PS
	OpAbsD
	OpAbsF
	OpRcp
	OpSqrt
	OpRsqrt
	OpRndu
	OpRndd
	OpRnde
	OpRndz
	OpShrI // src1 immediate
	OpShlI // src1 immediate

	// binops
	OpAnd
	OpAndn
	OpOr
	OpXor
	OpShr
	OpShl
	OpAsr

	OpMaxD
	OpMaxW
	OpMaxF
	OpMinD
	OpMinW
	OpMinF

	OpDivF
	OpIntDivQAndR
	OpIntDivQ
	OpIntDivR
	OpIntInvM
	OpIntRsqrtM

	OpAddD
	OpAddW
	OpAddF

	OpSubD
	OpSubW
	OpSubF

	OpMulD
	OpMulW
	OpMulF

	OpCmp // src2 is a compare-predicate immediate, not a register

	// triops
	OpNMaddF
	OpMaddF
	OpBlend

	OpEOT
)

// CmpPredicate mirrors the predicate immediate kir_cmp packs into
// Insn.Imm2, reusing codegen's VCMPPS encoding directly so the AVX2
// lowering pass needs no translation table.
type CmpPredicate uint8

// Send describes a message-send instruction's register window and C
// helper pointer, per kir_insn.send.
type Send struct {
	Src  uint32 // first GRF register of the message payload
	MLen uint32 // payload length, in GRF registers
	Dst  uint32 // first GRF register of the result
	RLen uint32 // result length, in GRF registers
	Func uintptr
	Args uintptr
}

// Call describes a direct call to a C helper following the platform
// calling convention, per kir_insn.call.
type Call struct {
	Func uintptr
	Src0 Reg
	Src1 Reg
	Args uint32 // 0, 1, or 2: how many of Src0/Src1 are populated
}

// Gather describes a VSIB-indexed load, per kir_insn.gather.
type Gather struct {
	Base       uintptr
	Offset     Reg // per-lane byte offset
	Mask       Reg
	Scale      uint32
	BaseOffset uint32
}

// Insn is one KIR instruction. Only the fields relevant to Opcode are
// meaningful; this mirrors the original's tagged union without
// requiring Go's lack of one to turn into an interface{} per
// instruction, which would cost an allocation and a type switch on
// every access instead of a field read.
type Insn struct {
	Opcode Opcode
	Dst    Reg

	Comment string

	Region region.Region
	Src    Reg // xfer.src: the region store's source register
	Mask   Reg // xfer.mask: the masked store's predicate register

	Src0, Src1, Src2 Reg
	Imm1, Imm2       uint32 // alu.src1/src2 read as immediates instead of Reg
	UseImm1, UseImm2 bool

	ImmD  int32
	ImmV  [8]int16
	ImmVF [4]float32

	Send   Send
	Call   Call
	Gather Gather
}

// Program accumulates one compiled shader's instruction stream plus the
// bookkeeping the passes in kir/passes need, per struct kir_program.
type Program struct {
	Insns []Insn

	nextReg        Reg
	ExecSize       uint32
	ExecOffset     uint32
	Dst            Reg
	Scope          int
	LiveRanges     []uint32 // not set by any pass; passes.ComputeLiveRanges returns its ranges instead

	BindingTableAddress uint64
	SamplerStateAddress uint64

	// URBOffset is the byte offset inside thread.Thread.URB at which
	// this stage's output is materialized, set once by the stage
	// front-end before any SFID URB lowering runs.
	URBOffset int32
}

// New starts a fresh program. Register numbering starts at 1; reg 0 is
// never allocated.
func New(bindingTable, samplerState uint64) *Program {
	return &Program{
		nextReg:             1,
		BindingTableAddress: bindingTable,
		SamplerStateAddress: samplerState,
	}
}

// NumRegs returns one past the highest register number ever allocated;
// passes size their per-register bookkeeping arrays to this.
func (p *Program) NumRegs() int { return int(p.nextReg) }

func (p *Program) allocReg() Reg {
	r := p.nextReg
	p.nextReg++
	return r
}

func (p *Program) add(insn Insn) *Insn {
	insn.Dst = p.allocReg()
	p.Insns = append(p.Insns, insn)
	return &p.Insns[len(p.Insns)-1]
}

// Comment appends a documentation-only instruction carried through to
// the printed IR dump but never lowered to machine code. Comments are
// never dead-code eliminated, matching the original's kir_comment case.
func (p *Program) Comment(text string) {
	p.add(Insn{Opcode: OpComment, Comment: text})
}

// LoadRegion reads a region of Thread memory into a fresh register.
func (p *Program) LoadRegion(r region.Region) Reg {
	insn := p.add(Insn{Opcode: OpLoadRegion, Region: r})
	return insn.Dst
}

// StoreRegion writes src unconditionally into a region of Thread
// memory. Its destination register carries no value; dead-code
// elimination uses it only as the instruction's position in program
// order, matching the original's every-insn-gets-a-dst allocation.
func (p *Program) StoreRegion(r region.Region, src Reg) {
	p.add(Insn{Opcode: OpStoreRegion, Region: r, Src: src})
}

// StoreRegionMask writes src into a region of Thread memory, predicated
// per-lane by mask.
func (p *Program) StoreRegionMask(r region.Region, src, mask Reg) {
	p.add(Insn{Opcode: OpStoreRegionMask, Region: r, Src: src, Mask: mask})
}

// ImmD materializes a 32-bit integer immediate into a fresh register.
func (p *Program) ImmD(d int32) Reg {
	return p.add(Insn{Opcode: OpImmD, ImmD: d}).Dst
}

// ImmF materializes a float32 immediate, bit-cast to the same
// representation ImmD uses (kir_program_immf reuses kir_immd).
func (p *Program) ImmF(f float32) Reg {
	return p.add(Insn{Opcode: OpImmD, ImmD: int32(math.Float32bits(f))}).Dst
}

// LoadUniform reads a single 4-byte scalar from offset and broadcasts
// it to every lane, matching kir_program_load_uniform's fixed region
// shape (width=1, vstride=0, hstride=0, exec_size=1).
func (p *Program) LoadUniform(offset int32) Reg {
	return p.LoadRegion(region.Region{Offset: offset, TypeSize: 4, ExecSize: 1, VStride: 0, Width: 1, HStride: 0})
}

// LoadV8 reads 8 packed 32-bit lanes starting at offset, matching
// kir_program_load_v8's fixed contiguous-SIMD8 region shape.
func (p *Program) LoadV8(offset int32) Reg {
	return p.LoadRegion(region.Region{Offset: offset, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1})
}

// StoreV8 writes 8 packed 32-bit lanes of src starting at offset,
// matching kir_program_store_v8.
func (p *Program) StoreV8(offset int32, src Reg) {
	p.StoreRegion(region.Region{Offset: offset, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}, src)
}

// Unop appends a single-source ALU instruction.
func (p *Program) Unop(op Opcode, src0 Reg) Reg {
	return p.add(Insn{Opcode: op, Src0: src0}).Dst
}

// UnopImm appends a single-source ALU instruction whose second operand
// is an immediate shift count (OpShrI/OpShlI).
func (p *Program) UnopImm(op Opcode, src0 Reg, imm uint32) Reg {
	return p.add(Insn{Opcode: op, Src0: src0, Imm1: imm, UseImm1: true}).Dst
}

// Binop appends a two-source ALU instruction.
func (p *Program) Binop(op Opcode, src0, src1 Reg) Reg {
	return p.add(Insn{Opcode: op, Src0: src0, Src1: src1}).Dst
}

// Cmp appends a compare instruction: src2 carries the predicate
// immediate rather than a register, per kir_cmp's documented layout.
func (p *Program) Cmp(src0, src1 Reg, pred CmpPredicate) Reg {
	return p.add(Insn{Opcode: OpCmp, Src0: src0, Src1: src1, Imm2: uint32(pred), UseImm2: true}).Dst
}

// Triop appends a three-source ALU instruction (madd/nmadd/blend).
func (p *Program) Triop(op Opcode, src0, src1, src2 Reg) Reg {
	return p.add(Insn{Opcode: op, Src0: src0, Src1: src1, Src2: src2}).Dst
}

// GatherOp appends a VSIB gather instruction.
func (p *Program) GatherOp(base uintptr, offset, mask Reg, scale, baseOffset uint32) Reg {
	return p.add(Insn{Opcode: OpGather, Gather: Gather{Base: base, Offset: offset, Mask: mask, Scale: scale, BaseOffset: baseOffset}}).Dst
}

// SendOp appends a message-send instruction invoking an out-of-line C
// helper with side effects (sampler writes, dataport writes).
func (p *Program) SendOp(send Send) Reg {
	return p.add(Insn{Opcode: OpSend, Send: send}).Dst
}

// ConstSend appends a side-effect-free message-send (sampler or
// constant-cache reads): dead-code elimination may remove it if its
// result is unused, unlike SendOp.
func (p *Program) ConstSend(send Send) Reg {
	return p.add(Insn{Opcode: OpConstSend, Send: send}).Dst
}

// CallOp appends a C calling-convention call with side effects.
func (p *Program) CallOp(call Call) Reg {
	return p.add(Insn{Opcode: OpCall, Call: call}).Dst
}

// ConstCall appends a side-effect-free call (typically a math-box
// helper): eligible for dead-code elimination like ConstSend.
func (p *Program) ConstCall(call Call) Reg {
	return p.add(Insn{Opcode: OpConstCall, Call: call}).Dst
}

// EOT appends the end-of-thread instruction terminating the program.
func (p *Program) EOT() {
	p.add(Insn{Opcode: OpEOT})
}
