// Package decoder unpacks Gen9 EU shader instructions, component C of
// spec.md §4.3. Bit-field layout is grounded directly on the original
// driver's inst_common/inst_dst/inst_src/inst_send/inst_imm structs
// (original_source/eu.h), carried over field-for-field rather than
// reinvented, since the layout is fixed by the hardware and not a place
// to improvise.
//
// The teacher's closest analogue is assembler/ie64dis.go, which reads a
// fixed-width instruction word and extracts opcode/operand fields by
// hand; ksim's instructions are 128 bits instead of 64 and the fields
// are not byte-aligned, so get_inst_bits below generalizes the
// teacher's plain byte-slicing to an arbitrary bit-range extractor.
package decoder

import (
	"encoding/binary"
	"math"

	"github.com/ksim/ksim/kerr"
)

// Opcode mirrors enum brw_opcode. Only the values the Non-goals of
// spec.md leave in scope are given names; unhandled opcodes decode to
// their raw numeric value and fail later at IR-build time via
// kerr.UnimplementedFault, not here.
type Opcode uint32

const (
	OpMov  Opcode = 1
	OpSel  Opcode = 2
	OpNot  Opcode = 4
	OpAnd  Opcode = 5
	OpOr   Opcode = 6
	OpXor  Opcode = 7
	OpShr  Opcode = 8
	OpShl  Opcode = 9
	OpAsr  Opcode = 12
	OpCmp  Opcode = 16
	OpCmpn Opcode = 17
	OpCsel Opcode = 18
	OpJmpi Opcode = 32
	OpIf   Opcode = 34
	OpElse Opcode = 36
	OpEndif Opcode = 37
	OpDo   Opcode = 38
	OpWhile Opcode = 39
	OpBreak Opcode = 40
	OpContinue Opcode = 41
	OpHalt Opcode = 42
	OpWait Opcode = 48
	OpSend Opcode = 49
	OpSendc Opcode = 50
	OpMath Opcode = 56
	OpAdd  Opcode = 64
	OpMul  Opcode = 65
	OpAvg  Opcode = 66
	OpFrc  Opcode = 67
	OpRndu Opcode = 68
	OpRndd Opcode = 69
	OpRnde Opcode = 70
	OpRndz Opcode = 71
	OpMac  Opcode = 72
	OpMach Opcode = 73
	OpLzd  Opcode = 74
	OpSad2 Opcode = 80
	OpSada2 Opcode = 81
	OpDp4  Opcode = 84
	OpDph  Opcode = 85
	OpDp3  Opcode = 86
	OpDp2  Opcode = 87
	OpLine Opcode = 89
	OpPln  Opcode = 90
	OpMad  Opcode = 91
	OpLrp  Opcode = 92
	OpNop  Opcode = 126
)

// RegType mirrors enum brw_eu_type's operand-type encoding.
type RegType uint32

const (
	TypeUD RegType = 0
	TypeD  RegType = 1
	TypeUW RegType = 2
	TypeW  RegType = 3
	TypeUB RegType = 4
	TypeB  RegType = 5
	TypeDF RegType = 6
	TypeF  RegType = 7
	TypeUQ RegType = 8
	TypeQ  RegType = 9
	TypeHF RegType = 10
)

// TypeSize returns the byte size of an operand type, mirroring
// eu.h's type_size().
func TypeSize(t RegType) int {
	switch t {
	case TypeUD, TypeD, TypeF:
		return 4
	case TypeUW, TypeW, TypeHF:
		return 2
	case TypeUB, TypeB:
		return 1
	case TypeDF, TypeUQ, TypeQ:
		return 8
	default:
		kerr.InvariantFault("decoder.TypeSize", "unknown register type")
		return 0
	}
}

// IsFloat reports whether t is a floating-point operand type.
func IsFloat(t RegType) bool {
	switch t {
	case TypeF, TypeDF, TypeHF:
		return true
	default:
		return false
	}
}

// RegFile mirrors BRW_*_REGISTER_FILE / BRW_IMMEDIATE_VALUE.
type RegFile uint32

const (
	FileARF RegFile = 0
	FileGRF RegFile = 1
	FileMRF RegFile = 2
	FileIMM RegFile = 3
)

// Common holds the fields shared by every EU instruction, unpacked from
// bits [0:34] exactly as unpack_inst_common does.
type Common struct {
	Opcode        Opcode
	AccessMode    uint32 // 0 = Align1, 1 = Align16
	NoDDClear     bool
	NoDDCheck     bool
	NibControl    uint32
	QtrControl    uint32
	ThreadControl uint32
	PredControl   uint32
	PredInv       bool
	ExecSize      uint32 // log2 lane count: 0=SIMD1 ... 4=SIMD16
	MathFunction  uint32 // aliases CondModifier's bit range
	CondModifier  uint32
	AccWrControl  bool
	BranchControl bool
	CmptControl   bool // compaction bit
	DebugControl  bool
	Saturate      bool
	FlagSubregNr  uint32
	FlagNr        uint32
	MaskControl   uint32
}

// Dst is a two-source-form destination operand, unpacked from bits
// [35:63] (unpack_inst_2src_dst).
type Dst struct {
	File         RegFile
	Type         RegType
	Num          uint32
	DA1Subnum    uint32
	Writemask    uint32
	HStride      uint32
	AddressMode  uint32
}

// Src is a two-source-form source operand (unpack_inst_2src_src0/1).
type Src struct {
	File        RegFile
	Type        RegType
	Num         uint32
	DA1Subnum   uint32
	VStride     uint32
	Width       uint32
	HStride     uint32
	SwizX       uint32
	SwizY       uint32
	SwizZ       uint32
	SwizW       uint32
	Negate      bool
	Abs         bool
	AddressMode uint32
}

// Send carries the message-send fields (unpack_inst_send), valid only
// when Common.Opcode is OpSend/OpSendc.
type Send struct {
	SFID            uint32
	FunctionControl uint32
	HeaderPresent   bool
	RLen            uint32
	MLen            uint32
	EOT             bool
}

// Imm is the 32-bit immediate operand bit-cast to every representation
// a source instruction might use it as (unpack_inst_imm).
type Imm struct {
	D  int32
	UD uint32
	F  float32
}

// Inst is one fully decoded EU instruction: 128 bits (two little-endian
// uint64 words, matching struct inst's qw[2]) plus its derived fields.
type Inst struct {
	Common Common
	Dst    Dst
	Src0   Src
	Src1   Src
	Send   Send
	Imm    Imm

	// Len is the byte length consumed from the instruction stream: 16
	// for an uncompacted instruction. Compacted (8-byte) instructions
	// are rejected, see Decode.
	Len int
}

// raw is the 128-bit instruction word as two 64-bit quadwords, mirroring
// struct inst { uint64_t qw[2]; }.
type raw struct {
	qw [2]uint64
}

// bits extracts inclusive bit range [start, end] (at most 32 bits,
// never crossing a qw boundary asymmetrically — eu.h's get_inst_bits
// has the same restriction), LSB-first, matching get_inst_bits.
func (r raw) bits(start, end int) uint32 {
	width := end - start + 1
	var mask uint64 = (uint64(1) << uint(width)) - 1
	if start >= 64 {
		return uint32((r.qw[1] >> uint(start-64)) & mask)
	}
	return uint32((r.qw[0] >> uint(start)) & mask)
}

// Decode unpacks the 16-byte instruction at b[0:16] (b must have at
// least 16 bytes available). It panics with a kerr.UnimplementedFault
// if the compaction bit is set: ksim does not ship Gen9's compaction
// tables, mirroring the real driver's admitted dependency on an
// external vendor library for that expansion (spec.md §9 open
// question).
func Decode(b []byte) Inst {
	if len(b) < 16 {
		kerr.InvalidCallerFault("decoder.Decode", "instruction stream truncated below 16 bytes")
	}
	r := raw{qw: [2]uint64{
		binary.LittleEndian.Uint64(b[0:8]),
		binary.LittleEndian.Uint64(b[8:16]),
	}}

	common := unpackCommon(r)
	if common.CmptControl {
		kerr.UnimplementedFault("decoder.Decode: compacted (64-bit) EU instruction encoding")
	}

	inst := Inst{Common: common, Len: 16}

	switch common.Opcode {
	case OpSend, OpSendc:
		inst.Send = unpackSend(r)
		inst.Dst = unpack2srcDst(r)
		inst.Src0 = unpack2srcSrc0(r)
	case OpMov, OpNot, OpFrc, OpRndu, OpRndd, OpRnde, OpRndz, OpLzd:
		inst.Dst = unpack2srcDst(r)
		inst.Src0 = unpack2srcSrc0(r)
		if common.Opcode == OpMov && inst.Src0.File == FileIMM {
			inst.Imm = unpackImm(r)
		}
	default:
		inst.Dst = unpack2srcDst(r)
		inst.Src0 = unpack2srcSrc0(r)
		inst.Src1 = unpack2srcSrc1(r)
		if inst.Src1.File == FileIMM {
			inst.Imm = unpackImm(r)
		}
	}

	return inst
}

func unpackCommon(r raw) Common {
	return Common{
		Opcode:        Opcode(r.bits(0, 6)),
		AccessMode:    r.bits(8, 8),
		NoDDClear:     r.bits(9, 9) != 0,
		NoDDCheck:     r.bits(10, 10) != 0,
		NibControl:    r.bits(11, 11),
		QtrControl:    r.bits(12, 13),
		ThreadControl: r.bits(14, 15),
		PredControl:   r.bits(16, 19),
		PredInv:       r.bits(20, 20) != 0,
		ExecSize:      r.bits(21, 23),
		MathFunction:  r.bits(24, 27),
		CondModifier:  r.bits(24, 27),
		AccWrControl:  r.bits(28, 28) != 0,
		BranchControl: r.bits(28, 28) != 0,
		CmptControl:   r.bits(29, 29) != 0,
		DebugControl:  r.bits(30, 30) != 0,
		Saturate:      r.bits(31, 31) != 0,
		FlagSubregNr:  r.bits(32, 32),
		FlagNr:        r.bits(32, 32),
		MaskControl:   r.bits(34, 34),
	}
}

func unpackSend(r raw) Send {
	return Send{
		SFID:            r.bits(24, 27),
		FunctionControl: r.bits(96, 127),
		HeaderPresent:   r.bits(115, 115) != 0,
		RLen:            r.bits(116, 120),
		MLen:            r.bits(121, 124),
		EOT:             r.bits(127, 127) != 0,
	}
}

func unpack2srcDst(r raw) Dst {
	return Dst{
		File:        RegFile(r.bits(35, 36)),
		Type:        RegType(r.bits(37, 40)),
		DA1Subnum:   r.bits(48, 52),
		Writemask:   r.bits(48, 51),
		Num:         r.bits(53, 60),
		HStride:     r.bits(61, 63),
		AddressMode: r.bits(63, 63),
	}
}

func unpack2srcSrc0(r raw) Src {
	return Src{
		VStride:     (1 << r.bits(85, 88)) >> 1,
		Width:       1 << r.bits(82, 84),
		SwizW:       r.bits(82, 83),
		SwizZ:       r.bits(80, 81),
		HStride:     (1 << r.bits(80, 81)) >> 1,
		AddressMode: r.bits(79, 79),
		Negate:      r.bits(78, 78) != 0,
		Abs:         r.bits(77, 77) != 0,
		Num:         r.bits(69, 76),
		DA1Subnum:   r.bits(64, 68),
		SwizX:       r.bits(66, 67),
		SwizY:       r.bits(64, 65),
		Type:        RegType(r.bits(43, 46)),
		File:        RegFile(r.bits(41, 42)),
	}
}

func unpack2srcSrc1(r raw) Src {
	return Src{
		File:        RegFile(r.bits(89, 90)),
		Type:        RegType(r.bits(91, 94)),
		DA1Subnum:   r.bits(96, 100),
		Num:         r.bits(101, 108),
		Abs:         r.bits(109, 109) != 0,
		Negate:      r.bits(110, 110) != 0,
		AddressMode: r.bits(111, 111),
		HStride:     (1 << r.bits(112, 113)) >> 1,
		SwizZ:       r.bits(112, 113),
		SwizW:       r.bits(114, 115),
		Width:       1 << r.bits(114, 116),
		VStride:     (1 << r.bits(117, 120)) >> 1,
	}
}

func unpackImm(r raw) Imm {
	ud := r.bits(96, 127)
	return Imm{
		D:  int32(ud),
		UD: ud,
		F:  math.Float32frombits(ud),
	}
}

// ThreeSrcType mirrors BRW_3SRC_TYPE_*, the compressed 2-bit type
// encoding used by the 3-source (MAD/LRP) instruction forms.
type ThreeSrcType uint32

const (
	ThreeSrcF  ThreeSrcType = 0
	ThreeSrcD  ThreeSrcType = 1
	ThreeSrcUD ThreeSrcType = 2
	ThreeSrcDF ThreeSrcType = 3
)

// ExpandThreeSrcType maps the 3-source instruction's packed type field
// back to the full RegType space (original_source/eu.h's
// _3src_type_to_type).
func ExpandThreeSrcType(t ThreeSrcType) RegType {
	switch t {
	case ThreeSrcF:
		return TypeF
	case ThreeSrcD:
		return TypeD
	case ThreeSrcUD:
		return TypeUD
	case ThreeSrcDF:
		return TypeDF
	default:
		kerr.InvariantFault("decoder.ExpandThreeSrcType", "unknown 3-source type encoding")
		return TypeUD
	}
}

// ThreeSrc decodes MAD/LRP's three source operands, unpacked per
// unpack_inst_3src_src0/1/2. Only called once Common.Opcode is known to
// be one of the 3-source forms (OpMad, OpLrp).
type ThreeSrc struct {
	Dst  Dst
	Src0 Src
	Src1 Src
	Src2 Src
}

func unpack3srcDst(r raw) Dst {
	typ := ExpandThreeSrcType(ThreeSrcType(r.bits(46, 48)))
	return Dst{
		File:        FileGRF,
		Type:        typ,
		Writemask:   r.bits(49, 52),
		Num:         r.bits(56, 63),
		HStride:     1,
		AddressMode: 0,
	}
}

func unpack3srcSrc0(r raw) Src {
	typ := ExpandThreeSrcType(ThreeSrcType(r.bits(43, 45)))
	single := r.bits(64, 64) != 0
	hstride, width, vstride := uint32(1), uint32(4), uint32(4)
	if single {
		hstride, width, vstride = 0, 1, 0
	}
	return Src{
		File:    FileGRF,
		Type:    typ,
		Abs:     r.bits(37, 37) != 0,
		Negate:  r.bits(38, 38) != 0,
		HStride: hstride,
		Width:   width,
		VStride: vstride,
		SwizX:   r.bits(65, 66),
		SwizY:   r.bits(67, 68),
		SwizZ:   r.bits(69, 70),
		SwizW:   r.bits(71, 72),
		Num:     r.bits(76, 83),
	}
}

func unpack3srcSrc1(r raw) Src {
	typ := ExpandThreeSrcType(ThreeSrcType(r.bits(43, 45)))
	single := r.bits(85, 85) != 0
	hstride, width, vstride := uint32(1), uint32(4), uint32(4)
	if single {
		hstride, width, vstride = 0, 1, 0
	}
	return Src{
		File:    FileGRF,
		Type:    typ,
		Abs:     r.bits(39, 39) != 0,
		Negate:  r.bits(40, 40) != 0,
		HStride: hstride,
		Width:   width,
		VStride: vstride,
		SwizX:   r.bits(86, 87),
		SwizY:   r.bits(88, 89),
		SwizZ:   r.bits(90, 91),
		SwizW:   r.bits(92, 93),
		Num:     r.bits(97, 104),
	}
}

func unpack3srcSrc2(r raw) Src {
	typ := ExpandThreeSrcType(ThreeSrcType(r.bits(43, 45)))
	single := r.bits(106, 106) != 0
	hstride, width, vstride := uint32(1), uint32(4), uint32(4)
	if single {
		hstride, width, vstride = 0, 1, 0
	}
	return Src{
		File:    FileGRF,
		Type:    typ,
		Abs:     r.bits(41, 41) != 0,
		Negate:  r.bits(42, 42) != 0,
		HStride: hstride,
		Width:   width,
		VStride: vstride,
		SwizX:   r.bits(107, 108),
		SwizY:   r.bits(109, 110),
		SwizZ:   r.bits(111, 112),
		SwizW:   r.bits(113, 114),
		Num:     r.bits(118, 125),
	}
}

// DecodeThreeSrc decodes the 3-source operand layout of a MAD/LRP
// instruction already identified via Decode's Common fields. Callers
// pass the same 16-byte window handed to Decode.
func DecodeThreeSrc(b []byte) ThreeSrc {
	r := raw{qw: [2]uint64{
		binary.LittleEndian.Uint64(b[0:8]),
		binary.LittleEndian.Uint64(b[8:16]),
	}}
	return ThreeSrc{
		Dst:  unpack3srcDst(r),
		Src0: unpack3srcSrc0(r),
		Src1: unpack3srcSrc1(r),
		Src2: unpack3srcSrc2(r),
	}
}

// IsSend reports whether op is a message-send opcode.
func IsSend(op Opcode) bool { return op == OpSend || op == OpSendc }

// IsThreeSrc reports whether op uses the 3-source operand layout.
func IsThreeSrc(op Opcode) bool { return op == OpMad || op == OpLrp }

// MathFunction mirrors enum brw_math_function, the sub-opcode
// eu.h's BRW_MATH_FUNCTION_* constants select out of Common.MathFunction
// for an OpMath instruction.
type MathFunction uint32

const (
	MathInv              MathFunction = 1
	MathLog              MathFunction = 2
	MathExp              MathFunction = 3
	MathSqrt             MathFunction = 4
	MathRsq              MathFunction = 5
	MathSin              MathFunction = 6
	MathCos              MathFunction = 7
	MathSincos           MathFunction = 8
	MathFdiv             MathFunction = 9
	MathPow              MathFunction = 10
	MathIntDivQuotAndRem MathFunction = 11
	MathIntDivQuot       MathFunction = 12
	MathIntDivRem        MathFunction = 13
)

// OpcodeInfo is the per-opcode shape eu.c's opcode_info table records:
// how many source operands an instruction of this opcode carries, and
// whether it writes a destination at all (a handful of opcodes, like
// CMPN or the control-flow family, never store one).
type OpcodeInfo struct {
	NumSrcs  int
	StoreDst bool
}

// ClassifyOpcode is a total function over the named Opcode range,
// mirroring original_source/eu.c's opcode_info table field for field.
// Opcodes this package has no name for (everything Non-goals exclude)
// report the table's {0, false} default, same as the original's
// fallthrough entry.
func ClassifyOpcode(op Opcode) OpcodeInfo {
	switch op {
	case OpMov, OpNot:
		return OpcodeInfo{NumSrcs: 1, StoreDst: true}
	case OpSel, OpAnd, OpOr, OpXor, OpShr, OpShl, OpAsr, OpCmp, OpCsel, OpMath, OpAdd, OpMul, OpDp4, OpDph, OpDp3, OpDp2:
		return OpcodeInfo{NumSrcs: 2, StoreDst: true}
	case OpCmpn:
		return OpcodeInfo{NumSrcs: 0, StoreDst: false}
	case OpJmpi, OpIf, OpElse, OpEndif, OpDo, OpWhile, OpBreak, OpContinue, OpHalt, OpWait, OpSend, OpSendc:
		return OpcodeInfo{NumSrcs: 0, StoreDst: false}
	case OpAvg, OpMac, OpMach, OpLzd, OpSad2, OpSada2, OpNop:
		return OpcodeInfo{NumSrcs: 0, StoreDst: false}
	case OpFrc, OpRndu, OpRndd, OpRnde, OpRndz:
		return OpcodeInfo{NumSrcs: 1, StoreDst: true}
	case OpLine, OpPln:
		return OpcodeInfo{NumSrcs: 0, StoreDst: true}
	case OpMad, OpLrp:
		return OpcodeInfo{NumSrcs: 3, StoreDst: true}
	default:
		return OpcodeInfo{}
	}
}

// NumSrcs reports op's source-operand count, per ClassifyOpcode.
func NumSrcs(op Opcode) int { return ClassifyOpcode(op).NumSrcs }

// IsLogic mirrors original_source/eu.c's is_logic_instruction: only
// AND/NOT/OR/XOR take the XOR-based (rather than subtract-based)
// negate-modifier lowering.
func IsLogic(op Opcode) bool {
	switch op {
	case OpAnd, OpNot, OpOr, OpXor:
		return true
	default:
		return false
	}
}
