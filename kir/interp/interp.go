// Package interp directly executes a kir.Program against an in-memory
// byte buffer, evaluating each instruction's architectural effect with
// native Go arithmetic instead of generated AVX2 machine code.
//
// Nothing in original_source/ ships a reference interpreter — the
// original is a pure JIT — so this package is grounded instead on
// kir.c's opcode semantics directly: every case below computes the same
// per-lane result the corresponding AVX2 instruction in codegen would
// produce, just without emitting bytes. Its only purpose is to make
// spec.md §8's "semantic preservation" properties for copy propagation,
// DCE, and register allocation checkable in a plain `go test` run,
// without driving real machine code through the host CPU: running the
// same program before and after a pass and comparing the resulting
// memory state is the test oracle.
package interp

import (
	"math"

	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/region"
	"github.com/ksim/ksim/thread"
)

// State is the interpreter's working memory: a flat byte buffer
// addressed the same way thread.Thread is (region offsets are byte
// offsets from its base), plus a virtual register file.
type State struct {
	Mem  []byte
	regs map[kir.Reg]thread.Vec256
}

// NewState allocates an interpreter with a zeroed memory buffer of size
// bytes, typically thread.OffsetURB+len(thread.Thread{}.URB) or larger.
func NewState(size int) *State {
	return &State{Mem: make([]byte, size), regs: make(map[kir.Reg]thread.Vec256)}
}

func (s *State) reg(r kir.Reg) thread.Vec256 { return s.regs[r] }

func (s *State) setReg(r kir.Reg, v thread.Vec256) { s.regs[r] = v }

// loadRegion reads r's strided view out of mem into a fresh Vec256,
// lane by lane, mirroring the addressing region.Region describes
// (offset + (x*hstride + y*vstride)*type_size for x in [0,width),
// y repeating every width lanes).
func loadRegion(mem []byte, r region.Region) thread.Vec256 {
	var out thread.Vec256
	x, y := int32(0), int32(0)
	for i := int32(0); i < r.ExecSize; i++ {
		src := r.Offset + (x*r.HStride+y*r.VStride)*r.TypeSize
		copy(out[i*r.TypeSize:], mem[src:src+r.TypeSize])
		x++
		if x == r.Width {
			x = 0
			y++
		}
	}
	return out
}

func storeRegionLanes(mem []byte, r region.Region, v thread.Vec256, laneEnabled func(int32) bool) {
	x, y := int32(0), int32(0)
	for i := int32(0); i < r.ExecSize; i++ {
		if laneEnabled(i) {
			dst := r.Offset + (x*r.HStride+y*r.VStride)*r.TypeSize
			copy(mem[dst:dst+r.TypeSize], v[i*r.TypeSize:(i+1)*r.TypeSize])
		}
		x++
		if x == r.Width {
			x = 0
			y++
		}
	}
}

func storeRegion(mem []byte, r region.Region, v thread.Vec256) {
	storeRegionLanes(mem, r, v, func(int32) bool { return true })
}

func storeRegionMasked(mem []byte, r region.Region, v, mask thread.Vec256) {
	m := mask.AsI32()
	storeRegionLanes(mem, r, v, func(i int32) bool { return m[i] != 0 })
}

// Run executes every instruction in p, in order, against s. Opcodes with
// real host side effects (gather, send, call) are out of scope for a
// pure semantic-preservation check and panic with a plain string naming
// the opcode; no test exercising Run should reach them.
func (s *State) Run(p *kir.Program) {
	for _, insn := range p.Insns {
		s.step(insn)
	}
}

func (s *State) step(insn kir.Insn) {
	switch insn.Opcode {
	case kir.OpComment:

	case kir.OpLoadRegion:
		v := loadRegion(s.Mem, insn.Region)
		if insn.Region.IsUniform() {
			ts := insn.Region.TypeSize
			for off := ts; off+ts <= 32; off += ts {
				copy(v[off:off+ts], v[:ts])
			}
		}
		s.setReg(insn.Dst, v)

	case kir.OpStoreRegion:
		storeRegion(s.Mem, insn.Region, s.reg(insn.Src))

	case kir.OpStoreRegionMask:
		storeRegionMasked(s.Mem, insn.Region, s.reg(insn.Src), s.reg(insn.Mask))

	case kir.OpImmD:
		var v thread.Vec256
		lanes := v.AsI32()
		for i := range lanes {
			lanes[i] = insn.ImmD
		}
		s.setReg(insn.Dst, v)

	case kir.OpImmW:
		var v thread.Vec256
		lanes := v.AsI16()
		for i := range lanes {
			lanes[i] = int16(insn.ImmD)
		}
		s.setReg(insn.Dst, v)

	case kir.OpImmV:
		var v thread.Vec256
		copy(v.AsI16()[:8], insn.ImmV[:])
		s.setReg(insn.Dst, v)

	case kir.OpImmVF:
		var v thread.Vec256
		lanes := v.AsF32()
		for i := 0; i < 8; i++ {
			lanes[i] = insn.ImmVF[i%4]
		}
		s.setReg(insn.Dst, v)

	case kir.OpZxwd, kir.OpSxwd, kir.OpPS2D, kir.OpD2PS, kir.OpAbsD, kir.OpAbsF,
		kir.OpRcp, kir.OpSqrt, kir.OpRsqrt,
		kir.OpRndu, kir.OpRndd, kir.OpRnde, kir.OpRndz, kir.OpShrI, kir.OpShlI:
		s.setReg(insn.Dst, s.unop(insn))

	case kir.OpAnd, kir.OpAndn, kir.OpOr, kir.OpXor,
		kir.OpShr, kir.OpShl, kir.OpAsr,
		kir.OpMaxD, kir.OpMaxW, kir.OpMaxF, kir.OpMinD, kir.OpMinW, kir.OpMinF,
		kir.OpDivF, kir.OpAddD, kir.OpAddW, kir.OpAddF,
		kir.OpSubD, kir.OpSubW, kir.OpSubF, kir.OpMulD, kir.OpMulW, kir.OpMulF:
		s.setReg(insn.Dst, s.binop(insn))

	case kir.OpCmp:
		s.setReg(insn.Dst, s.cmp(insn))

	case kir.OpMaddF, kir.OpNMaddF, kir.OpBlend:
		s.setReg(insn.Dst, s.triop(insn))

	case kir.OpEOT:

	default:
		panic("interp: opcode has no side-effect-free interpretation: " + opcodeName(insn.Opcode))
	}
}

func (s *State) unop(insn kir.Insn) thread.Vec256 {
	src := s.reg(insn.Src0)
	var out thread.Vec256
	switch insn.Opcode {
	case kir.OpZxwd:
		in, o := src.AsI16(), out.AsI32()
		for i := 0; i < 8; i++ {
			o[i] = int32(uint16(in[i]))
		}
	case kir.OpSxwd:
		in, o := src.AsI16(), out.AsI32()
		for i := 0; i < 8; i++ {
			o[i] = int32(in[i])
		}
	case kir.OpPS2D:
		in, o := src.AsF32(), out.AsI32()
		for i := 0; i < 8; i++ {
			o[i] = int32(in[i])
		}
	case kir.OpD2PS:
		in, o := src.AsI32(), out.AsF32()
		for i := 0; i < 8; i++ {
			o[i] = float32(in[i])
		}
	case kir.OpAbsD:
		in, o := src.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			if in[i] < 0 {
				o[i] = -in[i]
			} else {
				o[i] = in[i]
			}
		}
	case kir.OpAbsF:
		in, o := src.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			o[i] = float32(math.Abs(float64(in[i])))
		}
	case kir.OpRcp:
		in, o := src.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			o[i] = 1 / in[i]
		}
	case kir.OpSqrt:
		in, o := src.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			o[i] = float32(math.Sqrt(float64(in[i])))
		}
	case kir.OpRsqrt:
		in, o := src.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			o[i] = float32(1 / math.Sqrt(float64(in[i])))
		}
	case kir.OpRndu:
		in, o := src.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			o[i] = float32(math.Ceil(float64(in[i])))
		}
	case kir.OpRndd:
		in, o := src.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			o[i] = float32(math.Floor(float64(in[i])))
		}
	case kir.OpRnde:
		in, o := src.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			o[i] = float32(math.RoundToEven(float64(in[i])))
		}
	case kir.OpRndz:
		in, o := src.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			o[i] = float32(math.Trunc(float64(in[i])))
		}
	case kir.OpShrI:
		in, o := src.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			o[i] = int32(uint32(in[i]) >> insn.Imm1)
		}
	case kir.OpShlI:
		in, o := src.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			o[i] = in[i] << insn.Imm1
		}
	}
	return out
}

func (s *State) binop(insn kir.Insn) thread.Vec256 {
	a, b := s.reg(insn.Src0), s.reg(insn.Src1)
	var out thread.Vec256
	switch insn.Opcode {
	case kir.OpAnd:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] & bi[i]
		}
	case kir.OpAndn:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = ^ai[i] & bi[i]
		}
	case kir.OpOr:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] | bi[i]
		}
	case kir.OpXor:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] ^ bi[i]
		}
	case kir.OpShr:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = int32(uint32(ai[i]) >> uint(bi[i]&31))
		}
	case kir.OpShl:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] << uint(bi[i]&31)
		}
	case kir.OpAsr:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] >> uint(bi[i]&31)
		}
	case kir.OpMaxD:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = maxI32(ai[i], bi[i])
		}
	case kir.OpMaxW:
		ai, bi, oi := a.AsI16(), b.AsI16(), out.AsI16()
		for i := range oi {
			oi[i] = maxI16(ai[i], bi[i])
		}
	case kir.OpMaxF:
		ai, bi, oi := a.AsF32(), b.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			oi[i] = maxF32(ai[i], bi[i])
		}
	case kir.OpMinD:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = minI32(ai[i], bi[i])
		}
	case kir.OpMinW:
		ai, bi, oi := a.AsI16(), b.AsI16(), out.AsI16()
		for i := range oi {
			oi[i] = minI16(ai[i], bi[i])
		}
	case kir.OpMinF:
		ai, bi, oi := a.AsF32(), b.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			oi[i] = minF32(ai[i], bi[i])
		}
	case kir.OpDivF:
		ai, bi, oi := a.AsF32(), b.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] / bi[i]
		}
	case kir.OpAddD:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] + bi[i]
		}
	case kir.OpAddW:
		ai, bi, oi := a.AsI16(), b.AsI16(), out.AsI16()
		for i := range oi {
			oi[i] = ai[i] + bi[i]
		}
	case kir.OpAddF:
		ai, bi, oi := a.AsF32(), b.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] + bi[i]
		}
	case kir.OpSubD:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] - bi[i]
		}
	case kir.OpSubW:
		ai, bi, oi := a.AsI16(), b.AsI16(), out.AsI16()
		for i := range oi {
			oi[i] = ai[i] - bi[i]
		}
	case kir.OpSubF:
		ai, bi, oi := a.AsF32(), b.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] - bi[i]
		}
	case kir.OpMulD:
		ai, bi, oi := a.AsI32(), b.AsI32(), out.AsI32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] * bi[i]
		}
	case kir.OpMulW:
		ai, bi, oi := a.AsI16(), b.AsI16(), out.AsI16()
		for i := range oi {
			oi[i] = ai[i] * bi[i]
		}
	case kir.OpMulF:
		ai, bi, oi := a.AsF32(), b.AsF32(), out.AsF32()
		for i := 0; i < 8; i++ {
			oi[i] = ai[i] * bi[i]
		}
	}
	return out
}

// cmp evaluates a lane-wise float compare against insn.Imm2's predicate
// (codegen.CmpPredicate's values), producing an all-ones/all-zeros mask
// per lane matching VCMPPS's result convention.
func (s *State) cmp(insn kir.Insn) thread.Vec256 {
	a, b := s.reg(insn.Src0).AsF32(), s.reg(insn.Src1).AsF32()
	var out thread.Vec256
	oi := out.AsI32()
	for i := 0; i < 8; i++ {
		var t bool
		switch insn.Imm2 {
		case 0x00:
			t = a[i] == b[i]
		case 0x01:
			t = a[i] < b[i]
		case 0x02:
			t = a[i] <= b[i]
		case 0x04:
			t = a[i] != b[i]
		case 0x05:
			t = a[i] >= b[i]
		case 0x06:
			t = a[i] > b[i]
		}
		if t {
			oi[i] = -1
		}
	}
	return out
}

func (s *State) triop(insn kir.Insn) thread.Vec256 {
	a, b, c := s.reg(insn.Src0).AsF32(), s.reg(insn.Src1).AsF32(), s.reg(insn.Src2).AsF32()
	var out thread.Vec256
	oi := out.AsF32()
	switch insn.Opcode {
	case kir.OpMaddF:
		for i := 0; i < 8; i++ {
			oi[i] = a[i]*b[i] + c[i]
		}
	case kir.OpNMaddF:
		for i := 0; i < 8; i++ {
			oi[i] = -(a[i] * b[i]) + c[i]
		}
	case kir.OpBlend:
		cond := s.reg(insn.Src2).AsI32()
		for i := 0; i < 8; i++ {
			if cond[i] != 0 {
				oi[i] = b[i]
			} else {
				oi[i] = a[i]
			}
		}
	}
	return out
}

func maxI32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
func minI32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
func maxI16(a, b int16) int16 {
	if a > b {
		return a
	}
	return b
}
func minI16(a, b int16) int16 {
	if a < b {
		return a
	}
	return b
}
func maxF32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
func minF32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func opcodeName(op kir.Opcode) string {
	return [...]string{
		"comment", "load_region", "store_region_mask", "store_region", "gather",
		"immd", "immw", "immv", "immvf", "send", "const_send", "call", "const_call",
		"mov", "zxwd", "sxwd", "ps2d", "d2ps", "absd", "rcp", "sqrt", "rsqrt",
		"rndu", "rndd", "rnde", "rndz", "shri", "shli",
	}[op]
}
