package stage

import (
	"math/bits"

	"github.com/ksim/ksim/gpuaddr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/thread"
)

// SurfaceFormat enumerates the vertex-element surface formats
// emit_load_format_simd8 dispatches on.
type SurfaceFormat int

const (
	FormatR32Float SurfaceFormat = iota
	FormatR32G32Float
	FormatR32G32B32Float
	FormatR32G32B32A32Float
)

// IndexFormat enumerates the index-buffer element widths
// emit_vertex_fetch's random-access path gathers with.
type IndexFormat int

const (
	IndexByte IndexFormat = iota
	IndexWord
	IndexDWord
)

// AccessType distinguishes sequential (auto-incrementing vertex id)
// draws from indexed (index-buffer gather) draws.
type AccessType int

const (
	AccessSequential AccessType = iota
	AccessRandom
)

// ComponentControl mirrors the VFCOMP_* controls emit_vertex_fetch
// applies per destination channel. VFCOMP_STORE_PID never occurs in a
// vertex shader's element layout in the retrieved source and has no
// case here.
type ComponentControl int

const (
	CompNoStore ComponentControl = iota
	CompStoreSrc
	CompStore0
	CompStore1Float
	CompStore1Int
)

// VertexElement describes one fetched vertex attribute, per
// original_source/pipe.c's per-element loop in emit_vertex_fetch.
type VertexElement struct {
	BufferIndex      int
	Format           SurfaceFormat
	Offset           uint32 // ve->offset: byte offset within the vertex
	Components       [4]ComponentControl
	InstancingEnable bool
}

// VertexBuffer describes one bound vertex buffer.
type VertexBuffer struct {
	GPUAddr uint64
	Pitch   uint32
}

// IndexBuffer describes the bound index buffer for an indexed draw.
type IndexBuffer struct {
	GPUAddr uint64
	Format  IndexFormat
}

// VertexFetchState bundles everything EmitVertexFetch needs: which
// buffers are bound, whether this is an indexed draw, which elements
// to fetch, and where system-generated values land.
type VertexFetchState struct {
	AccessType  AccessType
	IndexBuffer *IndexBuffer
	BaseVertex  int32
	Buffers     []VertexBuffer
	Elements    []VertexElement

	// DstGRF is the first GRF the fetched elements land in; each
	// stored or skipped component advances it by one, per the
	// original's grf++ inside the per-element, per-component loop.
	DstGRF int

	GenerateVertexID   bool
	VertexIDGRF        int
	GenerateInstanceID bool
	InstanceIDGRF      int
}

func isPowerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// emitPitchOffset computes a vertex's byte offset into its buffer from
// its index, following emit_vertex_fetch's pitch-shape dispatch: a
// zero pitch needs no per-vertex computation, a power-of-two pitch
// becomes a shift, three times a power of two becomes a shift-add-
// shift, and anything else falls back to a multiply.
func emitPitchOffset(p *kir.Program, index kir.Reg, pitch uint32) kir.Reg {
	switch {
	case pitch == 0:
		return p.ImmD(0)
	case isPowerOfTwo(pitch):
		return p.UnopImm(kir.OpShlI, index, uint32(bits.TrailingZeros32(pitch)))
	case pitch%3 == 0 && isPowerOfTwo(pitch/3):
		tripled := p.Binop(kir.OpAddD, p.UnopImm(kir.OpShlI, index, 1), index)
		return p.UnopImm(kir.OpShlI, tripled, uint32(bits.TrailingZeros32(pitch/3)))
	default:
		return p.Binop(kir.OpMulD, index, p.ImmD(int32(pitch)))
	}
}

// emitIndexGather gathers one index per lane from the bound index
// buffer and zero-extends it to 32 bits, per emit_vertex_fetch's
// INDEX_BYTE/INDEX_WORD/INDEX_DWORD cases. KIR's shri is a logical
// shift, so shli N followed by shri N clears the upper bits the dword
// gather picked up for the sub-dword formats; INDEX_DWORD needs no
// shift at all.
func emitIndexGather(p *kir.Program, mapper gpuaddr.Mapper, ib IndexBuffer, vid kir.Reg) kir.Reg {
	ptr, _ := mapper.MapGPUAddr(ib.GPUAddr)
	base := uintptr(ptr)
	mask := p.ImmD(-1)
	switch ib.Format {
	case IndexByte:
		g := p.GatherOp(base, vid, mask, 1, 0)
		g = p.UnopImm(kir.OpShlI, g, 24)
		return p.UnopImm(kir.OpShrI, g, 24)
	case IndexWord:
		g := p.GatherOp(base, vid, mask, 2, 0)
		g = p.UnopImm(kir.OpShlI, g, 16)
		return p.UnopImm(kir.OpShrI, g, 16)
	default: // IndexDWord
		return p.GatherOp(base, vid, mask, 4, 0)
	}
}

// emitLoadFormat gathers a vertex element's components, filling any
// channel narrower formats don't provide with the fixed (0, 0, 1)
// defaults emit_load_format_simd8 uses.
func emitLoadFormat(p *kir.Program, base uintptr, offset, mask kir.Reg, format SurfaceFormat) [4]kir.Reg {
	var out [4]kir.Reg
	one := p.ImmF(1)
	out[0] = p.GatherOp(base, offset, mask, 1, 0)
	if format == FormatR32Float {
		out[1] = p.ImmD(0)
		out[2] = p.ImmD(0)
		out[3] = one
		return out
	}
	out[1] = p.GatherOp(base, offset, mask, 1, 4)
	if format == FormatR32G32Float {
		out[2] = p.ImmD(0)
		out[3] = one
		return out
	}
	out[2] = p.GatherOp(base, offset, mask, 1, 8)
	if format == FormatR32G32B32Float {
		out[3] = one
		return out
	}
	out[3] = p.GatherOp(base, offset, mask, 1, 12)
	return out
}

// applyComponentControl overrides fetched channels with VFCOMP_STORE_0/
// 1_FP/1_INT constants, or leaves them to be skipped entirely on
// VFCOMP_NOSTORE, per the original's per-channel component-control
// switch.
func applyComponentControl(p *kir.Program, fetched [4]kir.Reg, controls [4]ComponentControl) [4]kir.Reg {
	out := fetched
	for i, c := range controls {
		switch c {
		case CompStore0:
			out[i] = p.ImmF(0)
		case CompStore1Float:
			out[i] = p.ImmF(1)
		case CompStore1Int:
			out[i] = p.ImmD(1)
		}
	}
	return out
}

// EmitVertexFetch appends the KIR implementing one vertex shader
// dispatch's vertex-fetch stage: the per-lane vertex index
// computation (sequential or indexed), each bound element's gather
// sequence, and any system-generated vertex/instance id injection,
// translated from emit_vertex_fetch.
func EmitVertexFetch(p *kir.Program, mapper gpuaddr.Mapper, vf VertexFetchState) {
	index := p.LoadV8(int32(thread.OffsetVertexID))

	if vf.AccessType == AccessSequential {
		start := p.LoadUniform(int32(thread.OffsetStartVertex))
		index = p.Binop(kir.OpAddD, index, start)
	}

	if vf.AccessType == AccessRandom && vf.IndexBuffer != nil {
		index = emitIndexGather(p, mapper, *vf.IndexBuffer, index)
		if vf.BaseVertex != 0 {
			index = p.Binop(kir.OpAddD, index, p.ImmD(vf.BaseVertex))
		}
	}

	allLanes := p.ImmD(-1)
	grf := vf.DstGRF

	for _, elem := range vf.Elements {
		vertexIndex := index
		if elem.InstancingEnable {
			// Per-instance step rate (dividing the instance id by a
			// divisor > 1) isn't lowered: codegen has no AVX2 integer
			// divide, and the original's own emit_vertex_fetch only
			// reaches that path for DirectX-style instanced step rates
			// this port doesn't target.
			vertexIndex = p.LoadUniform(int32(thread.OffsetInstanceID))
		}

		buf := vf.Buffers[elem.BufferIndex]
		offset := emitPitchOffset(p, vertexIndex, buf.Pitch)
		if elem.Offset != 0 {
			offset = p.Binop(kir.OpAddD, offset, p.ImmD(int32(elem.Offset)))
		}

		ptr, _ := mapper.MapGPUAddr(buf.GPUAddr)
		fetched := emitLoadFormat(p, uintptr(ptr), offset, allLanes, elem.Format)
		stored := applyComponentControl(p, fetched, elem.Components)

		for i, c := range elem.Components {
			if c != CompNoStore {
				p.StoreV8(int32(thread.GRFOffset(grf)), stored[i])
			}
			grf++
		}
	}

	if vf.GenerateVertexID {
		p.StoreV8(int32(thread.GRFOffset(vf.VertexIDGRF)), index)
	}
	if vf.GenerateInstanceID {
		iid := p.LoadUniform(int32(thread.OffsetInstanceID))
		p.StoreV8(int32(thread.GRFOffset(vf.InstanceIDGRF)), iid)
	}
}
