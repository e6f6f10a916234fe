package sfid

import (
	"unsafe"

	"github.com/ksim/ksim/decoder"
	"github.com/ksim/ksim/kerr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/thread"
)

// Render-cache write subtypes, per spec.md §4.8's render-cache row
// ("SIMD8-lo, SIMD16, REP16, ..."). As with the sampler message word,
// the exact bit placement wasn't in the retrieved eu.c excerpts
// (builder_emit_sfid_render_cache_helper works from an already-decoded
// args struct), so the low bits are taken as the subtype and the next
// byte as the binding table index, mirroring sampler.go's layout.
const (
	rtSubtypeSimd8  = 0
	rtSubtypeSimd16 = 1
	rtSubtypeRep16  = 2
)

// emitRenderCache lowers a render-cache send: picks one of the
// rt_write_* helpers render-cache.c implements for the bound render
// target's format/tiling combination and emits a send to it (writes
// have a side effect, so unlike the sampler's const_send this is a
// plain send DCE must never remove).
func emitRenderCache(p *kir.Program, inst decoder.Inst, deps Deps) {
	fc := inst.Send.FunctionControl
	subtype := fc & 0x3
	bindingTableIndex := (fc >> 2) & 0xff

	var fn HelperFunc
	switch subtype {
	case rtSubtypeSimd8:
		fn = makeRtWriteSimd8Linear(deps, bindingTableIndex)
	case rtSubtypeRep16:
		// Every rep16 variant render-cache.c implements
		// (rt_write_rep16_bgra_unorm8_xmajor/ymajor) writes to a
		// tiled surface; there's no linear rep16 helper to adapt,
		// and tiling's swizzle formula is the same omission
		// sampler.go documents, so this stays an honest fault.
		fn = func(t *thread.Thread, args SendArgs) {
			kerr.UnimplementedFault("sfid.emitRenderCache: REP16 render targets are tiled-only in the reference this was ported from")
		}
	case rtSubtypeSimd16:
		// render-cache.c's own sfid_render_cache_rt_write_simd16
		// is itself a named stub() — carried through as one here
		// rather than guessed at.
		fn = func(t *thread.Thread, args SendArgs) {
			kerr.UnimplementedFault("sfid.emitRenderCache: SIMD16 render-cache writes are unimplemented in the reference this was ported from")
		}
	default:
		kerr.UnimplementedFault("sfid.emitRenderCache: unsupported render-cache subtype")
	}

	send := kir.Send{
		Src:  inst.Src0.Num,
		MLen: inst.Send.MLen,
		Dst:  inst.Dst.Num,
		RLen: inst.Send.RLen,
		Func: Register(fn),
	}
	p.SendOp(send)
}

// makeRtWriteSimd8Linear returns the helper a SIMD8 linear render-cache
// write resolves to, grounded on render-cache.c's
// sfid_render_cache_rt_write_simd8_rgba_unorm8_linear/_uint8_linear:
// read 4 source GRFs (R, G, B, A, one register per channel, 8 lanes
// each), pack per the bound surface's format, and store through the
// linear surface's (x, y) base pixel and per-lane execution mask.
// bindingTableIndex, like the sampler's, is resolved once at compile
// time and captured by the closure.
func makeRtWriteSimd8Linear(deps Deps, bindingTableIndex uint32) HelperFunc {
	return func(t *thread.Thread, args SendArgs) {
		surf, ok := deps.Surfaces[bindingTableIndex]
		if !ok {
			kerr.InvariantFault("sfid.rtWriteSimd8Linear", "binding table index has no resolved surface")
		}

		var r, g, b, a [8]float32
		if surf.Format == FormatR8G8B8A8Uint {
			rs, gs, bs, as := t.GRF[args.Src+0].AsI32(), t.GRF[args.Src+1].AsI32(), t.GRF[args.Src+2].AsI32(), t.GRF[args.Src+3].AsI32()
			for i := 0; i < 8; i++ {
				r[i], g[i], b[i], a[i] = float32(rs[i]), float32(gs[i]), float32(bs[i]), float32(as[i])
			}
		} else {
			copy(r[:], t.GRF[args.Src+0].AsF32()[:])
			copy(g[:], t.GRF[args.Src+1].AsF32()[:])
			copy(b[:], t.GRF[args.Src+2].AsF32()[:])
			copy(a[:], t.GRF[args.Src+3].AsF32()[:])
		}

		writeLinearRGBA(deps, surf, t, r, g, b, a)
	}
}

// writeLinearRGBA stores 8 lanes of (r, g, b, a) into surf, per
// render-cache.c's write_uint8_linear: the pixel shader thread's
// subspan base (x, y) comes from GRF1's fifth/sixth 16-bit word
// (t.grf[1].uw[4], uw[5] in the original), and the 8 lanes cover a
// 4-wide, 2-tall block of pixels starting there; t.MaskQ1 gates which
// lanes actually write, matching the original's per-lane maskstore.
func writeLinearRGBA(deps Deps, surf Surface, t *thread.Thread, r, g, b, a [8]float32) {
	x0 := int(t.GRF[1].AsI16()[4])
	y0 := int(t.GRF[1].AsI16()[5])
	mask := t.MaskQ1.AsI32()

	for i := 0; i < 8; i++ {
		if mask[i] == 0 {
			continue
		}
		x := x0 + i%4
		y := y0 + i/4
		addr := surf.Base + uint64(y)*uint64(surf.Pitch) + uint64(x)*uint64(surf.CPP)
		ptr, valid := deps.Mapper.MapGPUAddr(addr)
		if valid < uint64(surf.CPP) {
			kerr.InvariantFault("sfid.writeLinearRGBA", "render-target write runs past the mapped GPU range")
		}
		raw := unsafe.Slice((*byte)(ptr), surf.CPP)
		packFormat(surf.Format, raw, r[i], g[i], b[i], a[i])
	}
}

// packFormat writes (r, g, b, a) into raw per the bound surface's
// format, the inverse of sampler.go's unpackFormat, grounded on
// render-cache.c's to_unorm/pack helpers and its SF_R8G8B8A8_UNORM/
// SF_R8G8B8A8_UINT/SF_B8G8R8A8_UNORM format-dispatch cases.
func packFormat(format SurfaceFormat, raw []byte, r, g, b, a float32) {
	switch format {
	case FormatR8G8B8A8Unorm:
		raw[0], raw[1], raw[2], raw[3] = packUnorm8(r), packUnorm8(g), packUnorm8(b), packUnorm8(a)
	case FormatR8G8B8A8Uint:
		raw[0], raw[1], raw[2], raw[3] = byte(r), byte(g), byte(b), byte(a)
	case FormatB8G8R8X8Unorm:
		raw[0], raw[1], raw[2], raw[3] = packUnorm8(b), packUnorm8(g), packUnorm8(r), 0xff
	default:
		kerr.UnimplementedFault("sfid.packFormat: unsupported surface format")
	}
}

func packUnorm8(v float32) byte {
	c := v*255 + 0.5
	switch {
	case c < 0:
		return 0
	case c > 255:
		return 255
	default:
		return byte(c)
	}
}
