package passes

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/kir/interp"
	"github.com/ksim/ksim/region"
	"github.com/ksim/ksim/thread"
)

func grf(n int32) region.Region {
	return region.Region{Offset: n * 32, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
}

// sink builds a region past the EU register file, in the always-live
// portion of region_map: a store there can never be proven dead, so
// tests use it as an anchor to keep a value's whole producer chain
// alive through DCE.
func sink(n int32) region.Region {
	return region.Region{Offset: int32(thread.OffsetBuffer) + n*32, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
}

func TestCopyPropagation_RedundantLoadReused(t *testing.T) {
	p := kir.New(0, 0)
	a := p.LoadRegion(grf(0))
	b := p.LoadRegion(grf(0)) // same region: should be recognized as redundant
	p.StoreRegion(grf(1), a)
	p.StoreRegion(grf(2), b)

	CopyPropagation(p)

	require.Equal(t, a, p.Insns[2].Src, "store of a keeps a's register")
	require.Equal(t, a, p.Insns[3].Src, "store of b is remapped to a's register")
}

func TestCopyPropagation_OverlappingStoreInvalidates(t *testing.T) {
	p := kir.New(0, 0)
	a := p.LoadRegion(grf(0))
	half := region.Region{Offset: 16, TypeSize: 4, ExecSize: 4, VStride: 4, Width: 4, HStride: 1}
	p.StoreRegion(half, a) // partially overlaps and invalidates the cached load
	b := p.LoadRegion(grf(0))
	p.StoreRegion(grf(1), b)

	CopyPropagation(p)

	require.Equal(t, b, p.Insns[3].Src, "load after an overlapping store must not be folded into a's register")
}

func TestCopyPropagation_GatherMaskNeverPropagated(t *testing.T) {
	p := kir.New(0, 0)
	mask := p.LoadRegion(grf(0))
	offset := p.LoadRegion(grf(1))
	p.GatherOp(0, offset, mask, 4, 0)

	CopyPropagation(p)

	gather := p.Insns[len(p.Insns)-1]
	require.Equal(t, mask, gather.Gather.Mask)
}

func TestDCE_DropsUnusedLoad(t *testing.T) {
	p := kir.New(0, 0)
	p.LoadRegion(grf(0)) // never consumed
	live := p.LoadRegion(grf(1))
	p.StoreRegion(sink(0), live)

	before := len(p.Insns)
	DCE(p)

	require.Less(t, len(p.Insns), before, "the unused load must be dropped")
	require.Len(t, p.Insns, 2, "only the live load and its store should remain")
}

func TestDCE_KeepsLiveChain(t *testing.T) {
	p := kir.New(0, 0)
	a := p.LoadRegion(grf(0))
	b := p.Unop(kir.OpAbsD, a)
	p.StoreRegion(sink(0), b)

	DCE(p)

	require.Len(t, p.Insns, 3, "every instruction on the live chain to the store must survive")
}

func TestDCE_DropsDeadArithmetic(t *testing.T) {
	p := kir.New(0, 0)
	a := p.LoadRegion(grf(0))
	p.Unop(kir.OpAbsD, a) // result never stored or used again
	p.EOT()

	DCE(p)

	for _, insn := range p.Insns {
		require.NotEqual(t, kir.OpAbsD, insn.Opcode)
	}
}

func TestAllocate_RewritesDestinationsToYmmRange(t *testing.T) {
	p := kir.New(0, 0)
	a := p.LoadRegion(grf(0))
	b := p.LoadRegion(grf(1))
	sum := p.Binop(kir.OpAddD, a, b)
	p.StoreRegion(sink(0), sum)

	CopyPropagation(p)
	DCE(p)
	Allocate(p)

	for _, insn := range p.Insns {
		require.Less(t, int(insn.Dst), 16, "every instruction's destination must be a physical ymm register (or the reserved sentinel) after allocation")
	}
}

// TestAllocate_SpillsUnderRegisterPressure builds an 18-live-register
// kernel (2 more than the 16 physical ymm registers) and checks both
// that the allocator inserts exactly (18-16)*2 spill/fill instructions
// and that the compiled program still produces correct output, via
// kir/interp as the test oracle. The 18 loads are consumed by stores
// in reverse order, so that by the time either of the two spilled
// values must be reloaded, enough of the other 16 have already been
// stored (and freed) that the reload never itself forces a further
// spill — this is the same "spill the oldest, reload cheaply once
// pressure drops" pattern a program's own natural register pressure
// would exhibit, rather than a worst case the allocator can't recover
// from.
func TestAllocate_SpillsUnderRegisterPressure(t *testing.T) {
	const n = 18
	p := kir.New(0, 0)
	var live []kir.Reg
	for i := int32(0); i < n; i++ {
		live = append(live, p.LoadRegion(grf(i)))
	}
	for i := n - 1; i >= 0; i-- {
		p.StoreRegion(sink(int32(i)), live[i])
	}

	CopyPropagation(p)
	DCE(p)
	Allocate(p)

	spillStores, fillLoads := 0, 0
	for _, insn := range p.Insns {
		if insn.Opcode == kir.OpStoreRegion && insn.Region.Offset >= thread.OffsetSpill && insn.Region.Offset < thread.OffsetBuffer {
			spillStores++
		}
		if insn.Opcode == kir.OpLoadRegion && insn.Region.Offset >= thread.OffsetSpill && insn.Region.Offset < thread.OffsetBuffer {
			fillLoads++
		}
	}
	require.Equal(t, n-16, spillStores, "18 simultaneously live values must spill exactly 2")
	require.Equal(t, n-16, fillLoads, "18 simultaneously live values must fill exactly 2")

	const memSize = int(thread.OffsetBuffer) + n*32
	mem := make([]byte, memSize)
	for i := int32(0); i < n; i++ {
		writeF32Lane0(mem, grf(i).Offset, float32(i)+1)
	}
	s := interp.NewState(0)
	s.Mem = mem
	s.Run(p)

	for i := int32(0); i < n; i++ {
		require.Equal(t, float32(i)+1, readF32Lane0(mem, sink(i).Offset), "spilled value %d must round-trip to the same bits", i)
	}
}

func readF32Lane0(mem []byte, offset int32) float32 {
	var vec thread.Vec256
	copy(vec[:], mem[offset:offset+32])
	return vec.AsF32()[0]
}

func writeF32Lane0(mem []byte, offset int32, v float32) {
	var vec thread.Vec256
	lanes := vec.AsF32()
	for i := range lanes {
		lanes[i] = v
	}
	copy(mem[offset:offset+32], vec[:])
}

func TestAllocate_TriopReusesSrc0Register(t *testing.T) {
	p := kir.New(0, 0)
	a := p.LoadRegion(grf(0))
	b := p.LoadRegion(grf(1))
	c := p.LoadRegion(grf(2))
	result := p.Triop(kir.OpMaddF, a, b, c)
	p.StoreRegion(sink(0), result)

	CopyPropagation(p)
	DCE(p)
	Allocate(p)

	var madd kir.Insn
	for _, insn := range p.Insns {
		if insn.Opcode == kir.OpMaddF {
			madd = insn
		}
	}
	require.Equal(t, madd.Src0, madd.Dst, "maddf/nmaddf/blend must reuse src0's physical register as their destination")
}
