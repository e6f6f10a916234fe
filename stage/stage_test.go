package stage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksim/ksim/gpuaddr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/kir/interp"
	"github.com/ksim/ksim/thread"
)

func writeF32Lane0(mem []byte, offset int32, v float32) {
	var vec thread.Vec256
	lanes := vec.AsF32()
	for i := range lanes {
		lanes[i] = v
	}
	copy(mem[offset:offset+32], vec[:])
}

func readF32Lane0(mem []byte, offset int32) float32 {
	var vec thread.Vec256
	copy(vec[:], mem[offset:offset+32])
	return vec.AsF32()[0]
}

func TestWritePayloadHeader(t *testing.T) {
	var th thread.Thread
	WritePayloadHeader(&th, VSPayloadHeader{
		SamplerStateAddress: 0x1000,
		BindingTableAddress: 0x2000,
		ScratchPointer:      0x3000,
		ThreadID:            7,
		VUEHandles:          [8]uint32{1, 2, 3, 4, 5, 6, 7, 8},
	})

	grf0 := th.GRF[0].AsI32()
	require.Equal(t, int32(0x1000), grf0[3])
	require.Equal(t, int32(0x2000), grf0[4])
	require.Equal(t, int32(0x3000), grf0[5])
	require.Equal(t, int32(7), grf0[6])

	grf1 := th.GRF[1].AsI32()
	require.Equal(t, int32(1), grf1[0])
	require.Equal(t, int32(8), grf1[7])
	require.Equal(t, [8]uint32{1, 2, 3, 4, 5, 6, 7, 8}, th.VUEHandles)
}

func TestLoadConstants(t *testing.T) {
	gtt := gpuaddr.NewFakeGTT(0x10000, 4096)
	var reg thread.Vec256
	reg.AsF32()[0] = 42
	gtt.WriteAt(0x10000, reg[:])

	var th thread.Thread
	next := LoadConstants(&th, gtt, []CURBEBuffer{{GPUAddr: 0x10000, Length: 1}}, 2)

	require.Equal(t, 3, next)
	require.Equal(t, float32(42), th.GRF[2].AsF32()[0])
}

// TestEmitPerspectiveDivide sweeps w across its full legal dynamic
// range, 2^-10 .. 2^10, checking x/y/z/w each divide to within
// 2^-22 relative error: vrcpps/vdivps-class hardware is only
// guaranteed to that precision, not bit-exact, across this range.
func TestEmitPerspectiveDivide(t *testing.T) {
	const memSize = int(thread.OffsetBuffer) + 32*16
	const relTol = 1.0 / (1 << 22)

	x, y, z := float32(10), float32(20), float32(30)
	for exp := -10; exp <= 10; exp++ {
		w := float32(math.Pow(2, float64(exp)))

		mem := make([]byte, memSize)
		writeF32Lane0(mem, bufOffset(bufX), x)
		writeF32Lane0(mem, bufOffset(bufY), y)
		writeF32Lane0(mem, bufOffset(bufZ), z)
		writeF32Lane0(mem, bufOffset(bufW), w)

		p := kir.New(0, 0)
		EmitPerspectiveDivide(p)

		s := interp.NewState(0)
		s.Mem = mem
		s.Run(p)

		requireRelClose(t, x/w, readF32Lane0(mem, bufOffset(bufX)), relTol, "x at w=2^%d", exp)
		requireRelClose(t, y/w, readF32Lane0(mem, bufOffset(bufY)), relTol, "y at w=2^%d", exp)
		requireRelClose(t, z/w, readF32Lane0(mem, bufOffset(bufZ)), relTol, "z at w=2^%d", exp)
		requireRelClose(t, 1/w, readF32Lane0(mem, bufOffset(bufW)), relTol, "w at w=2^%d", exp)
	}
}

func requireRelClose(t *testing.T, want, got float32, relTol float64, format string, args ...any) {
	t.Helper()
	diff := math.Abs(float64(want) - float64(got))
	rel := diff / math.Abs(float64(want))
	require.Lessf(t, rel, relTol, format, args...)
}

func TestEmitClipTest(t *testing.T) {
	const memSize = int(thread.OffsetBuffer) + 32*16
	mem := make([]byte, memSize)
	writeF32Lane0(mem, bufOffset(bufClipX0), -1)
	writeF32Lane0(mem, bufOffset(bufClipX1), 1)
	writeF32Lane0(mem, bufOffset(bufClipY0), -1)
	writeF32Lane0(mem, bufOffset(bufClipY1), 1)
	writeF32Lane0(mem, bufOffset(bufX), 5) // outside [-1, 1]
	writeF32Lane0(mem, bufOffset(bufY), 0) // inside

	p := kir.New(0, 0)
	EmitClipTest(p)

	s := interp.NewState(0)
	s.Mem = mem
	s.Run(p)

	var flags thread.Vec256
	copy(flags[:], mem[bufOffset(bufClipFlags):bufOffset(bufClipFlags)+32])
	require.NotEqual(t, int32(0), flags.AsI32()[0], "x outside the clip bounds must set a clip flag")
}

func TestEmitViewportTransform(t *testing.T) {
	const memSize = int(thread.OffsetBuffer) + 32*16
	mem := make([]byte, memSize)
	writeF32Lane0(mem, bufOffset(bufX), 1)
	writeF32Lane0(mem, bufOffset(bufY), 1)
	writeF32Lane0(mem, bufOffset(bufZ), 1)
	writeF32Lane0(mem, bufOffset(bufVPM00), 100)
	writeF32Lane0(mem, bufOffset(bufVPM11), 200)
	writeF32Lane0(mem, bufOffset(bufVPM22), 0.5)
	writeF32Lane0(mem, bufOffset(bufVPM30), 10)
	writeF32Lane0(mem, bufOffset(bufVPM31), 20)
	writeF32Lane0(mem, bufOffset(bufVPM32), 0.5)

	p := kir.New(0, 0)
	EmitViewportTransform(p)

	s := interp.NewState(0)
	s.Mem = mem
	s.Run(p)

	require.InDelta(t, 110, readF32Lane0(mem, bufOffset(bufX)), 0.0001)
	require.InDelta(t, 220, readF32Lane0(mem, bufOffset(bufY)), 0.0001)
	require.InDelta(t, 1, readF32Lane0(mem, bufOffset(bufZ)), 0.0001)
}

func TestEmitPitchOffset_PowerOfTwo(t *testing.T) {
	p := kir.New(0, 0)
	index := p.LoadUniform(0)
	emitPitchOffset(p, index, 16)

	last := p.Insns[len(p.Insns)-1]
	require.Equal(t, kir.OpShlI, last.Opcode)
	require.Equal(t, uint32(4), last.Imm1)
}

func TestEmitPitchOffset_ThreeTimesPowerOfTwo(t *testing.T) {
	p := kir.New(0, 0)
	index := p.LoadUniform(0)
	emitPitchOffset(p, index, 24) // 3 * 8

	last := p.Insns[len(p.Insns)-1]
	require.Equal(t, kir.OpShlI, last.Opcode)
	require.Equal(t, uint32(3), last.Imm1)
}

func TestEmitPitchOffset_GenericPitch(t *testing.T) {
	p := kir.New(0, 0)
	index := p.LoadUniform(0)
	emitPitchOffset(p, index, 13)

	last := p.Insns[len(p.Insns)-1]
	require.Equal(t, kir.OpMulD, last.Opcode)
}

func TestEmitVertexFetch_ComponentControl(t *testing.T) {
	gtt := gpuaddr.NewFakeGTT(0x20000, 4096)
	p := kir.New(0, 0)
	EmitVertexFetch(p, gtt, VertexFetchState{
		AccessType: AccessSequential,
		Buffers:    []VertexBuffer{{GPUAddr: 0x20000, Pitch: 16}},
		Elements: []VertexElement{{
			BufferIndex: 0,
			Format:      FormatR32G32B32A32Float,
			Components:  [4]ComponentControl{CompStoreSrc, CompStoreSrc, CompStore0, CompStore1Float},
		}},
		DstGRF: 10,
	})

	var stores []kir.Insn
	for _, insn := range p.Insns {
		if insn.Opcode == kir.OpStoreRegion {
			stores = append(stores, insn)
		}
	}
	// x, y are src; z is an immediate 0; w, also an immediate, still
	// stores - all but a NOSTORE component land a value, so here all
	// four store.
	require.Len(t, stores, 4)
	require.Equal(t, int32(thread.GRFOffset(10)), stores[0].Region.Offset)
	require.Equal(t, int32(thread.GRFOffset(13)), stores[3].Region.Offset)
}

func TestEmitVertexFetch_VertexIDInjection(t *testing.T) {
	gtt := gpuaddr.NewFakeGTT(0x20000, 4096)
	p := kir.New(0, 0)
	EmitVertexFetch(p, gtt, VertexFetchState{
		AccessType:       AccessSequential,
		Buffers:          []VertexBuffer{{GPUAddr: 0x20000, Pitch: 16}},
		DstGRF:           0,
		GenerateVertexID: true,
		VertexIDGRF:      5,
	})

	found := false
	for _, insn := range p.Insns {
		if insn.Opcode == kir.OpStoreRegion && insn.Region.Offset == int32(thread.GRFOffset(5)) {
			found = true
		}
	}
	require.True(t, found, "vertex id must be stored into the requested GRF")
}
