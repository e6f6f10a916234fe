package sfid

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksim/ksim/decoder"
	"github.com/ksim/ksim/gpuaddr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/thread"
)

func sendInst(sfid, fc, mlen, rlen uint32) decoder.Inst {
	var inst decoder.Inst
	inst.Send.SFID = sfid
	inst.Send.FunctionControl = fc
	inst.Send.MLen = mlen
	inst.Send.RLen = rlen
	inst.Src0.Num = 4
	inst.Dst.Num = 8
	return inst
}

func testDeps(gtt *gpuaddr.FakeGTT, surfaces map[uint32]Surface) Deps {
	return Deps{Mapper: gtt, Surfaces: surfaces}
}

func allLanesActive() thread.Vec256 {
	var v thread.Vec256
	lanes := v.AsI32()
	for i := range lanes {
		lanes[i] = -1
	}
	return v
}

func TestEmitSend_URBSimd8Write(t *testing.T) {
	p := kir.New(0, 0)
	p.URBOffset = 0
	gtt := gpuaddr.NewFakeGTT(0x1000, 4096)
	inst := sendInst(URB, urbOpSimd8Write, 3, 0)

	EmitSend(p, inst, testDeps(gtt, nil))

	var stores int
	for _, insn := range p.Insns {
		if insn.Opcode == kir.OpStoreRegion {
			stores++
		}
	}
	require.Equal(t, 2, stores, "mlen=3 means a 1-GRF header plus 2 data registers")
}

func TestEmitSend_Dataport1UntypedWrite(t *testing.T) {
	gtt := gpuaddr.NewFakeGTT(0x1000, 4096)
	surf := Surface{Base: gtt.Base() + 256}
	deps := testDeps(gtt, map[uint32]Surface{0: surf})

	fc := uint32(msd1wUS) << 14
	p := kir.New(0, 0)
	inst := sendInst(Dataport1, fc, 3, 0)
	EmitSend(p, inst, deps)

	last := p.Insns[len(p.Insns)-1]
	require.Equal(t, kir.OpSend, last.Opcode)
	require.NotZero(t, last.Send.Func)

	fn := Lookup(last.Send.Func)
	require.NotNil(t, fn)

	var th thread.Thread
	th.MaskQ1 = allLanesActive()
	th.GRF[4].AsI32()[7] = 0x1 // channel mask: lane 0 only
	th.GRF[5].AsI32()[0] = 16  // lane 0's scatter offset, relative to the surface base
	th.GRF[6].AsI32()[0] = 0x11111111
	th.GRF[7].AsI32()[0] = 0x22222222
	th.GRF[8].AsI32()[0] = 0x33333333
	th.GRF[9].AsI32()[0] = 0x44444444

	fn(&th, SendArgs{Src: 4})

	written := gtt.Bytes()[256+16 : 256+32]
	require.Equal(t, uint32(0x11111111), binary.LittleEndian.Uint32(written[0:4]))
	require.Equal(t, uint32(0x22222222), binary.LittleEndian.Uint32(written[4:8]))
	require.Equal(t, uint32(0x33333333), binary.LittleEndian.Uint32(written[8:12]))
	require.Equal(t, uint32(0x44444444), binary.LittleEndian.Uint32(written[12:16]))
}

func TestEmitSend_Dataport1AtomicIncrement(t *testing.T) {
	gtt := gpuaddr.NewFakeGTT(0x1000, 4096)
	surf := Surface{Base: gtt.Base()}
	deps := testDeps(gtt, map[uint32]Surface{0: surf})
	gtt.WriteAt(gtt.Base()+64, []byte{41, 0, 0, 0})

	fc := uint32(msd1rDWAI2)<<14 | uint32(mdcAopInc)<<8 | uint32(mdcSM2RSimd8)<<12
	p := kir.New(0, 0)
	inst := sendInst(Dataport1, fc, 2, 0)
	EmitSend(p, inst, deps)

	fn := Lookup(p.Insns[len(p.Insns)-1].Send.Func)
	require.NotNil(t, fn)

	var th thread.Thread
	th.MaskQ1 = allLanesActive()
	th.GRF[4].AsI32()[7] = 0x1
	th.GRF[5].AsI32()[0] = 64

	fn(&th, SendArgs{Src: 4})

	ptr, _ := gtt.MapGPUAddr(gtt.Base() + 64)
	require.Equal(t, uint32(42), *(*uint32)(ptr))
}

func TestEmitSend_DataportRO(t *testing.T) {
	gtt := gpuaddr.NewFakeGTT(0x1000, 4096)
	p := kir.New(0, 0)
	inst := sendInst(DataportRO0, 2, 1, 1)

	EmitSend(p, inst, testDeps(gtt, nil))

	var stores int
	for _, insn := range p.Insns {
		if insn.Opcode == kir.OpStoreRegion {
			stores++
		}
	}
	require.Equal(t, 2, stores, "dataport-ro emits two back-to-back loads into consecutive GRFs")
}

func TestEmitSend_ThreadSpawnerEOT(t *testing.T) {
	gtt := gpuaddr.NewFakeGTT(0x1000, 4096)
	p := kir.New(0, 0)
	inst := sendInst(ThreadSpawner, 0, 0, 0)

	EmitSend(p, inst, testDeps(gtt, nil))

	last := p.Insns[len(p.Insns)-1]
	require.Equal(t, kir.OpEOT, last.Opcode)
}

func TestEmitSend_SamplerLD(t *testing.T) {
	gtt := gpuaddr.NewFakeGTT(0x1000, 4096)
	surf := Surface{Format: FormatR32G32B32A32Float, CPP: 16, Pitch: 16 * 4, Base: gtt.Base() + 512}
	deps := testDeps(gtt, map[uint32]Surface{3: surf})

	var texel [16]byte
	binary.LittleEndian.PutUint32(texel[0:4], mustFloat32Bits(1))
	binary.LittleEndian.PutUint32(texel[4:8], mustFloat32Bits(2))
	binary.LittleEndian.PutUint32(texel[8:12], mustFloat32Bits(3))
	binary.LittleEndian.PutUint32(texel[12:16], mustFloat32Bits(4))
	gtt.WriteAt(surf.Base, texel[:])

	fc := uint32(samplerMsgLD)<<12 | uint32(simdModeSimd8)<<17 | 3
	p := kir.New(0, 0)
	inst := sendInst(Sampler, fc, 2, 4)
	EmitSend(p, inst, deps)

	last := p.Insns[len(p.Insns)-1]
	require.Equal(t, kir.OpConstSend, last.Opcode)

	fn := Lookup(last.Send.Func)
	require.NotNil(t, fn)

	var th thread.Thread
	fn(&th, SendArgs{Src: 4, Dst: 8})

	require.Equal(t, float32(1), th.GRF[8].AsF32()[0])
	require.Equal(t, float32(2), th.GRF[9].AsF32()[0])
	require.Equal(t, float32(3), th.GRF[10].AsF32()[0])
	require.Equal(t, float32(4), th.GRF[11].AsF32()[0])
}

func TestEmitSend_RenderCacheWrite(t *testing.T) {
	gtt := gpuaddr.NewFakeGTT(0x1000, 4096)
	surf := Surface{Format: FormatR8G8B8A8Unorm, CPP: 4, Pitch: 4 * 16, Base: gtt.Base() + 1024}
	deps := testDeps(gtt, map[uint32]Surface{0: surf})

	p := kir.New(0, 0)
	inst := sendInst(RenderCache, rtSubtypeSimd8, 5, 0)
	EmitSend(p, inst, deps)

	last := p.Insns[len(p.Insns)-1]
	require.Equal(t, kir.OpSend, last.Opcode)

	fn := Lookup(last.Send.Func)
	require.NotNil(t, fn)

	var th thread.Thread
	th.MaskQ1 = allLanesActive()
	th.GRF[4].AsF32()[0] = 1
	th.GRF[5].AsF32()[0] = 0.5
	th.GRF[6].AsF32()[0] = 0
	th.GRF[7].AsF32()[0] = 1

	fn(&th, SendArgs{Src: 4})

	addr := surf.Base
	ptr, _ := gtt.MapGPUAddr(addr)
	raw := (*[4]byte)(ptr)
	require.Equal(t, byte(255), raw[0])
	require.InDelta(t, 128, int(raw[1]), 1)
	require.Equal(t, byte(0), raw[2])
	require.Equal(t, byte(255), raw[3])
}

func TestRegisterAndLookup(t *testing.T) {
	called := false
	handle := Register(func(t *thread.Thread, args SendArgs) { called = true })
	require.NotZero(t, handle)

	fn := Lookup(handle)
	require.NotNil(t, fn)
	fn(&thread.Thread{}, SendArgs{})
	require.True(t, called)

	require.Nil(t, Lookup(0))
}

func mustFloat32Bits(v float32) uint32 {
	return math.Float32bits(v)
}
