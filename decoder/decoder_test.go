package decoder

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// setBits writes value into the inclusive bit range [start, end] of a
// 128-bit little-endian instruction word, mirroring the teacher's
// encodeInstr helper (assembler/ie64dis_test.go) generalized from
// byte-granular fields to arbitrary bit ranges.
func setBits(b []byte, start, end int, value uint32) {
	for i := start; i <= end; i++ {
		bit := (value >> uint(i-start)) & 1
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if bit != 0 {
			b[byteIdx] |= 1 << bitIdx
		} else {
			b[byteIdx] &^= 1 << bitIdx
		}
	}
}

func encodeInst(fields map[[2]int]uint32) []byte {
	b := make([]byte, 16)
	for rng, v := range fields {
		setBits(b, rng[0], rng[1], v)
	}
	return b
}

func TestDecode_CommonFields(t *testing.T) {
	b := encodeInst(map[[2]int]uint32{
		{0, 6}:   uint32(OpAdd),
		{21, 23}: 2, // SIMD4
		{31, 31}: 1, // saturate
		{16, 19}: 5,
	})

	inst := Decode(b)
	require.Equal(t, OpAdd, inst.Common.Opcode)
	require.EqualValues(t, 2, inst.Common.ExecSize)
	require.True(t, inst.Common.Saturate)
	require.EqualValues(t, 5, inst.Common.PredControl)
	require.Equal(t, 16, inst.Len)
}

func TestDecode_CompactionBitPanics(t *testing.T) {
	b := encodeInst(map[[2]int]uint32{
		{0, 6}:   uint32(OpMov),
		{29, 29}: 1,
	})

	require.Panics(t, func() { Decode(b) })
}

func TestDecode_TwoSrcOperands(t *testing.T) {
	b := encodeInst(map[[2]int]uint32{
		{0, 6}:   uint32(OpAdd),
		{35, 36}: uint32(FileGRF),
		{37, 40}: uint32(TypeD),
		{53, 60}: 12, // dst.num
		{41, 42}: uint32(FileGRF),
		{43, 46}: uint32(TypeD),
		{69, 76}: 7, // src0.num
		{89, 90}: uint32(FileGRF),
		{91, 94}: uint32(TypeD),
		{101, 108}: 9, // src1.num
	})

	inst := Decode(b)
	require.Equal(t, FileGRF, inst.Dst.File)
	require.Equal(t, TypeD, inst.Dst.Type)
	require.EqualValues(t, 12, inst.Dst.Num)
	require.EqualValues(t, 7, inst.Src0.Num)
	require.EqualValues(t, 9, inst.Src1.Num)
}

func TestDecode_Immediate(t *testing.T) {
	f := float32(3.5)
	bits := math.Float32bits(f)

	b := encodeInst(map[[2]int]uint32{
		{0, 6}:     uint32(OpAdd),
		{35, 36}:   uint32(FileGRF),
		{37, 40}:   uint32(TypeF),
		{89, 90}:   uint32(FileIMM),
		{96, 127}:  bits,
	})

	inst := Decode(b)
	require.Equal(t, FileIMM, inst.Src1.File)
	require.InDelta(t, f, inst.Imm.F, 0.0001)
	require.Equal(t, int32(bits), inst.Imm.D)
}

func TestDecode_Send(t *testing.T) {
	b := encodeInst(map[[2]int]uint32{
		{0, 6}:    uint32(OpSend),
		{24, 27}:  2, // SFID sampler
		{96, 111}: 0xABCD,
		{115, 115}: 1,
		{116, 120}: 1,
		{121, 124}: 3,
		{127, 127}: 1,
	})

	inst := Decode(b)
	require.EqualValues(t, 2, inst.Send.SFID)
	require.EqualValues(t, 0x8618ABCD, inst.Send.FunctionControl)
	require.True(t, inst.Send.HeaderPresent)
	require.EqualValues(t, 1, inst.Send.RLen)
	require.EqualValues(t, 3, inst.Send.MLen)
	require.True(t, inst.Send.EOT)
}

func TestDecode_ThreeSrcMad(t *testing.T) {
	b := encodeInst(map[[2]int]uint32{
		{0, 6}:   uint32(OpMad),
		{46, 48}: uint32(ThreeSrcF),
		{43, 45}: uint32(ThreeSrcF),
		{56, 63}: 4,
		{76, 83}: 1,
		{97, 104}: 2,
		{118, 125}: 3,
	})

	three := DecodeThreeSrc(b)
	require.Equal(t, TypeF, three.Dst.Type)
	require.EqualValues(t, 4, three.Dst.Num)
	require.EqualValues(t, 1, three.Src0.Num)
	require.EqualValues(t, 2, three.Src1.Num)
	require.EqualValues(t, 3, three.Src2.Num)
}

func TestTypeSize(t *testing.T) {
	require.Equal(t, 4, TypeSize(TypeUD))
	require.Equal(t, 2, TypeSize(TypeW))
	require.Equal(t, 1, TypeSize(TypeB))
	require.Equal(t, 8, TypeSize(TypeQ))
}

func TestIsFloat(t *testing.T) {
	require.True(t, IsFloat(TypeF))
	require.True(t, IsFloat(TypeDF))
	require.False(t, IsFloat(TypeD))
}
