// Package stage implements the Gen9 3D pipeline front ends that
// surround a compiled EU vertex shader with the KIR it never emits
// itself: the fixed-function dispatch header, the push-constant copy,
// vertex fetch, and vertex post-processing (spec.md §4.7).
//
// Grounded on original_source/pipe.c's dispatch_vs, emit_vertex_fetch,
// emit_load_vue, emit_perspective_divide, emit_clip_test,
// emit_viewport_transform, emit_vertex_post_processing and compile_vs,
// plus thread.c's load_constants.
package stage

import (
	"github.com/ksim/ksim/thread"
)

// VSPayloadHeader is the fixed-function state every VS dispatch carries
// in GRF0/GRF1 ahead of the CURBE and per-vertex-element payload,
// mirroring dispatch_vs's grf[0].ud/grf[1] initialization.
type VSPayloadHeader struct {
	SamplerStateAddress uint32
	ScratchSize         uint32
	BindingTableAddress uint32
	ScratchPointer      uint32
	FFTID               uint32
	ThreadID            uint32
	VUEHandles          [8]uint32
}

// WritePayloadHeader seeds GRF0/GRF1 of t with the fixed-function
// dispatch header. This is host-side bookkeeping done once per
// dispatch before any KIR runs, exactly as dispatch_vs populates
// grf[0]/grf[1] before calling into the compiled shader; it is never
// itself expressed as KIR instructions.
func WritePayloadHeader(t *thread.Thread, h VSPayloadHeader) {
	grf0 := t.GRF[0].AsI32()
	grf0[0] = 0
	grf0[1] = 0
	grf0[2] = 0
	grf0[3] = int32(h.SamplerStateAddress | h.ScratchSize)
	grf0[4] = int32(h.BindingTableAddress)
	grf0[5] = int32(h.ScratchPointer | h.FFTID)
	grf0[6] = int32(h.ThreadID & 0xffffff)
	grf0[7] = 0

	t.VUEHandles = h.VUEHandles
	grf1 := t.GRF[1].AsI32()
	for i, handle := range h.VUEHandles {
		grf1[i] = int32(handle)
	}
}
