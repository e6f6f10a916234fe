// Package thread defines the fixed memory layout that compiled shader
// code reads and writes exclusively, per spec.md §3. The layout is
// consumed by the AVX2 code the codegen package emits: every [rdi+disp]
// load/store in the assembler addresses a field below, so field order
// and alignment are part of the ABI, not an implementation detail.
package thread

import "unsafe"

// GRFCount is the number of 256-bit general register file entries per
// thread (Gen9 EU has 128 architectural GRFs).
const GRFCount = 128

// SpillSlots is the minimum number of 32-byte spill slots the linear
// scan allocator may use (spec.md §3: "N >= 32 slots of 32 bytes each").
const SpillSlots = 32

// BufferEntries sizes the vertex-fetch staging buffer used by the VS
// front-end's index-buffer gather (spec.md §4.7).
const BufferEntries = 16

// Vec256 is a 256-bit vector register, addressable as 8 float32, 8
// int32, 16 int16, or 4 int64 lanes depending on the consuming
// instruction's type.
type Vec256 [32]byte

// AsF32 views the vector as 8 packed float32 lanes.
func (v *Vec256) AsF32() *[8]float32 { return (*[8]float32)(unsafe.Pointer(v)) }

// AsI32 views the vector as 8 packed int32 lanes.
func (v *Vec256) AsI32() *[8]int32 { return (*[8]int32)(unsafe.Pointer(v)) }

// AsI16 views the vector as 16 packed int16 lanes.
func (v *Vec256) AsI16() *[16]int16 { return (*[16]int16)(unsafe.Pointer(v)) }

// AsI64 views the vector as 4 packed int64 lanes.
func (v *Vec256) AsI64() *[4]int64 { return (*[4]int64)(unsafe.Pointer(v)) }

// Thread is the layout compiled code receives as its sole (rdi)
// argument. Field order matches the offsets computed by codegen and
// region lowering; do not reorder without re-deriving every disp32
// constant that addresses these fields.
type Thread struct {
	GRF    [GRFCount]Vec256
	MaskQ1 Vec256 // lanes 0-7 execution mask, all-ones (live) or all-zeros (dead)
	MaskQ2 Vec256 // lanes 8-15 execution mask, for SIMD16 dispatch
	Spill  [SpillSlots]Vec256

	// Stage-specific scratch: vertex-fetch staging buffer and per-lane
	// VUE (Vertex URB Entry) handles, reused across stages (spec.md §3).
	Buffer     [BufferEntries]Vec256
	VUEHandles [8]uint32

	// URB is the per-thread slice of the Unified Return Buffer that
	// stage front-ends and SFID URB lowering write/read through
	// region loads/stores at a computed offset (kir.Program.URBOffset).
	URB [4096]byte

	// VertexID holds the per-lane vertex index the vertex-fetch front
	// end seeds before running the index-buffer gather (vs_thread.vid
	// in the original). InstanceID/StartVertex/BaseVertex are the
	// per-dispatch scalars emit_vertex_fetch reads via LoadUniform.
	VertexID    [8]int32
	InstanceID  uint32
	StartVertex uint32
	BaseVertex  uint32
}

// Reset zeroes every field so a Thread can be reused across dispatches
// without leaking a prior shader invocation's state.
func (t *Thread) Reset() {
	*t = Thread{}
}

// OffsetOf field helpers used by region lowering and stage front-ends to
// compute the disp32 operand of a [rdi+disp] access. These mirror the
// C implementation's offsetof(struct thread, ...) usage (kir.c's
// spill_reg/unspill_reg).
const (
	OffsetGRF    = 0
	grfSize      = GRFCount * 32
	OffsetMaskQ1 = OffsetGRF + grfSize
	OffsetMaskQ2 = OffsetMaskQ1 + 32
	OffsetSpill  = OffsetMaskQ2 + 32
	spillSize    = SpillSlots * 32
	OffsetBuffer = OffsetSpill + spillSize
	bufferSize   = BufferEntries * 32
	OffsetVUE    = OffsetBuffer + bufferSize
	vueSize      = 8 * 4
	OffsetURB    = OffsetVUE + vueSize
	urbSize      = 4096

	OffsetVertexID    = OffsetURB + urbSize
	vertexIDSize      = 8 * 4
	OffsetInstanceID  = OffsetVertexID + vertexIDSize
	OffsetStartVertex = OffsetInstanceID + 4
	OffsetBaseVertex  = OffsetStartVertex + 4
)

// GRFOffset returns the byte offset of GRF register n within Thread.
func GRFOffset(n int) uint32 { return uint32(OffsetGRF + n*32) }

// SpillOffset returns the byte offset of spill slot n within Thread.
func SpillOffset(n int) uint32 { return uint32(OffsetSpill + n*32) }
