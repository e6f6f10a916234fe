package stage

import (
	"github.com/ksim/ksim/codegen"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/thread"
)

// The VS post-processing stages stage their working values (clip-space
// x/y/z/w, the clip-test bounds, the clip flags, and the viewport
// matrix) in thread.Buffer the same way the vertex-fetch stage uses it
// for index staging: the scratch area is reused across stages, never
// live across both at once, per spec.md §3. These offsets are this
// package's own bookkeeping, not part of the Thread ABI.
const (
	bufX         = 0 * 32
	bufY         = 1 * 32
	bufZ         = 2 * 32
	bufW         = 3 * 32
	bufClipX0    = 4 * 32
	bufClipX1    = 5 * 32
	bufClipY0    = 6 * 32
	bufClipY1    = 7 * 32
	bufClipFlags = 8 * 32
	bufVPM00     = 9 * 32
	bufVPM11     = 10 * 32
	bufVPM22     = 11 * 32
	bufVPM30     = 12 * 32
	bufVPM31     = 13 * 32
	bufVPM32     = 14 * 32
)

func bufOffset(local int32) int32 { return int32(thread.OffsetBuffer) + local }

// EmitLoadVUE copies a thread's fetched VUE attributes into consecutive
// GRFs starting at grf ahead of running the EU shader's own
// instructions, per emit_load_vue's vue_read_length*2*4 load/store
// pairs.
func EmitLoadVUE(p *kir.Program, vueReadOffset, vueReadLength uint32, grf int) {
	n := vueReadLength * 2 * 4
	base := int32(vueReadOffset) * 2 * 4
	for i := uint32(0); i < n; i++ {
		v := p.LoadV8(bufOffset(base + int32(i)*32))
		p.StoreV8(int32(thread.GRFOffset(grf)), v)
		grf++
	}
}

// EmitPerspectiveDivide implements emit_perspective_divide: a
// reciprocal plus one Newton-Raphson refinement step rather than a
// direct divide (rcp, then 2 - w*rcp via nmaddf, then one more
// multiply), matching the original's rcp+nmaddf+mulf sequence exactly.
func EmitPerspectiveDivide(p *kir.Program) {
	w := p.LoadV8(bufOffset(bufW))
	invW0 := p.Unop(kir.OpRcp, w)
	two := p.ImmF(2)
	refined := p.Triop(kir.OpNMaddF, w, invW0, two)
	invW := p.Binop(kir.OpMulF, invW0, refined)

	for _, off := range [3]int32{bufX, bufY, bufZ} {
		v := p.LoadV8(bufOffset(off))
		v = p.Binop(kir.OpMulF, v, invW)
		p.StoreV8(bufOffset(off), v)
	}
	p.StoreV8(bufOffset(bufW), invW)
}

// emitGT synthesizes an a > b compare as b < a: codegen's VCMPPS table
// (kir.CmpPredicate mirrors it directly) has no dedicated
// greater-than predicate, only the operand-order-independent forms
// emit_clip_test needs reversed.
func emitGT(p *kir.Program, a, b kir.Reg) kir.Reg {
	return p.Cmp(b, a, kir.CmpPredicate(codegen.CmpLT))
}

// EmitClipTest implements emit_clip_test: four directional bounds
// compares ORed into one clip_flags mask.
func EmitClipTest(p *kir.Program) {
	x0 := p.LoadUniform(bufOffset(bufClipX0))
	x1 := p.LoadUniform(bufOffset(bufClipX1))
	y0 := p.LoadUniform(bufOffset(bufClipY0))
	y1 := p.LoadUniform(bufOffset(bufClipY1))
	x := p.LoadV8(bufOffset(bufX))
	y := p.LoadV8(bufOffset(bufY))

	flags := p.Cmp(x0, x, kir.CmpPredicate(codegen.CmpLT))
	flags = p.Binop(kir.OpOr, flags, emitGT(p, x1, x))
	flags = p.Binop(kir.OpOr, flags, p.Cmp(y0, y, kir.CmpPredicate(codegen.CmpLT)))
	flags = p.Binop(kir.OpOr, flags, emitGT(p, y1, y))

	p.StoreV8(bufOffset(bufClipFlags), flags)
}

// EmitViewportTransform implements emit_viewport_transform: three
// scale-and-bias multiply-adds applying the viewport matrix's
// diagonal and translation terms to clip-space x/y/z.
func EmitViewportTransform(p *kir.Program) {
	m00 := p.LoadUniform(bufOffset(bufVPM00))
	m11 := p.LoadUniform(bufOffset(bufVPM11))
	m22 := p.LoadUniform(bufOffset(bufVPM22))
	m30 := p.LoadUniform(bufOffset(bufVPM30))
	m31 := p.LoadUniform(bufOffset(bufVPM31))
	m32 := p.LoadUniform(bufOffset(bufVPM32))

	x := p.LoadV8(bufOffset(bufX))
	y := p.LoadV8(bufOffset(bufY))
	z := p.LoadV8(bufOffset(bufZ))

	p.StoreV8(bufOffset(bufX), p.Triop(kir.OpMaddF, x, m00, m30))
	p.StoreV8(bufOffset(bufY), p.Triop(kir.OpMaddF, y, m11, m31))
	p.StoreV8(bufOffset(bufZ), p.Triop(kir.OpMaddF, z, m22, m32))
}

// VertexPostProcessing selects which of the three post-processing
// stages run, per pipeline state: emit_vertex_post_processing only
// runs at all when neither the geometry nor hull shader stage is
// enabled (compile_vs's condition), and each of the three sub-stages
// is independently toggled by fixed-function state.
type VertexPostProcessing struct {
	PerspectiveDivide bool
	ClipTest          bool
	ViewportTransform bool
}

// EmitVertexPostProcessing runs the enabled post-processing sub-stages
// in the original's fixed order: divide, then clip test, then
// viewport transform.
func EmitVertexPostProcessing(p *kir.Program, vpp VertexPostProcessing) {
	if vpp.PerspectiveDivide {
		EmitPerspectiveDivide(p)
	}
	if vpp.ClipTest {
		EmitClipTest(p)
	}
	if vpp.ViewportTransform {
		EmitViewportTransform(p)
	}
}
