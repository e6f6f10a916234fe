// Package region implements spec.md §4.6: lowering an EU region
// descriptor (a strided view into the Thread.GRF byte array) into one
// of a handful of AVX2 load/store strategies, plus the bounding-box
// overlap test the copy-propagation pass uses to invalidate cached
// register contents.
//
// Grounded directly on the original driver's builder_emit_region_load/
// store_mask (original_source/avx-builder.c): the branches below follow
// its strategy selection order for the contiguous, scalar-broadcast and
// frag-coord shapes, emitted through codegen.Assembler. There is no
// strided insert-loop branch: any other region shape raises an
// UnimplementedFault.
package region

import (
	"github.com/ksim/ksim/codegen"
	"github.com/ksim/ksim/kerr"
)

// Region is a strided view into Thread memory: exec_size elements,
// grouped into rows of width elements spaced vstride apart, with
// hstride spacing within a row, each type_size bytes wide.
type Region struct {
	Offset   int32 // byte offset from Thread base (rdi)
	TypeSize int32 // 1, 2, 4, or 8
	ExecSize int32 // lane count: 1, 4, or 8
	VStride  int32
	Width    int32
	HStride  int32
}

// byteSize is the original driver's approximation of a region's
// spanned byte extent, used only for the overlap test
// (regions_overlap): (exec_size/width) * vstride * type_size.
func (r Region) byteSize() int32 {
	if r.Width == 0 {
		kerr.InvariantFault("region.byteSize", "region width is zero")
	}
	return (r.ExecSize / r.Width) * r.VStride * r.TypeSize
}

// Overlap reports whether a and b's bounding boxes intersect, the same
// coarse approximation the original uses: it may over-approximate
// (treat non-overlapping interleaved regions as overlapping) but never
// misses a genuine overlap, which is the safe direction for a cache
// invalidation test.
func Overlap(a, b Region) bool {
	aSize, bSize := a.byteSize(), b.byteSize()
	return a.Offset+aSize > b.Offset && b.Offset+bSize > a.Offset
}

// Equal reports whether a and b address exactly the same bytes in the
// same shape, used by copy propagation to recognize a redundant reload.
func Equal(a, b Region) bool { return a == b }

// IsUniform reports whether the region is a single-lane scalar value
// (CURBE / push-constant loads and per-draw uniforms all take this
// shape: width=1, vstride=0, hstride=0).
func (r Region) IsUniform() bool {
	return r.Width == 1 && r.VStride == 0 && r.HStride == 0
}

// Load lowers a region read into AVX2 instructions, choosing among the
// strategies the original driver's builder_emit_region_load implements,
// writing the result into dst. scratch supplies extra registers for
// strategies that need a temporary (currently only the frag-coord
// shape, which needs two); callers that never hit that shape may pass
// none.
func Load(as *codegen.Assembler, r Region, dst codegen.Reg, scratch ...codegen.Reg) {
	switch {
	case r.HStride == 1 && r.Width == r.VStride:
		loadContiguous(as, r, dst)
	case r.HStride == 0 && r.VStride == 0 && r.Width == 1:
		loadBroadcast(as, r, dst)
	case r.HStride == 0 && r.Width == 4 && r.VStride == 1 && r.TypeSize == 2:
		if len(scratch) < 2 {
			kerr.InvariantFault("region.Load", "frag-coord region shape requires two scratch registers")
		}
		loadFragCoord(as, r, dst, scratch[0], scratch[1])
	default:
		kerr.UnimplementedFault("region.Load: unhandled region shape")
	}
}

// loadContiguous handles a region whose elements are laid out back to
// back in memory: a plain 32- or 16-byte vector load.
func loadContiguous(as *codegen.Assembler, r Region, dst codegen.Reg) {
	switch r.TypeSize * r.ExecSize {
	case 32:
		as.EmitVMOVDQA256Load(dst, r.Offset)
	case 16:
		as.EmitVMOVDQA128Load(dst, r.Offset)
	default:
		kerr.UnimplementedFault("region.loadContiguous: unsupported contiguous span")
	}
}

// loadBroadcast handles a single scalar value replicated to every lane
// (a CURBE/uniform load).
func loadBroadcast(as *codegen.Assembler, r Region, dst codegen.Reg) {
	if r.TypeSize != 4 {
		kerr.UnimplementedFault("region.loadBroadcast: only 4-byte scalars are broadcastable")
	}
	as.EmitVPBroadcastD(dst, r.Offset)
}

// loadFragCoord handles the fixed 4-wide, 2-byte-element interleaved
// shape the fragment-coordinate payload uses, mirroring the original's
// tmp0/tmp1 broadcast-and-blend sequence: broadcast each of the four
// half-words into its own 128-bit lane of a scratch register, then
// blend the two scratch registers' even/odd dwords into dst.
func loadFragCoord(as *codegen.Assembler, r Region, dst, tmp0, tmp1 codegen.Reg) {
	as.EmitVPBroadcastW(tmp0, r.Offset)
	as.EmitVPBroadcastW(tmp1, r.Offset+4)
	as.EmitVInserti128(tmp0, tmp0, tmp1, 1)

	as.EmitVPBroadcastW(dst, r.Offset+2)
	as.EmitVPBroadcastW(tmp1, r.Offset+6)
	as.EmitVInserti128(dst, dst, tmp1, 1)

	as.EmitVPBlendD(dst, dst, tmp0, 0xcc)
}

// Store lowers an unconditional region write.
func Store(as *codegen.Assembler, r Region, src codegen.Reg) {
	switch r.TypeSize * r.ExecSize {
	case 32:
		as.EmitVMOVDQA256Store(src, r.Offset)
	case 16:
		as.EmitVMOVDQA128Store(src, r.Offset)
	case 4:
		as.EmitU32Store(src, r.Offset)
	default:
		kerr.UnimplementedFault("region.Store: unsupported store span")
	}
}

// StoreMasked lowers a predicated region write, valid only for the
// full SIMD8 32-bit lane shape (the original's ksim_assert(exec_size
// == 8 && type_size == 4): ksim never implemented narrower masked
// stores either).
func StoreMasked(as *codegen.Assembler, r Region, src, mask codegen.Reg) {
	if r.ExecSize != 8 || r.TypeSize != 4 {
		kerr.UnimplementedFault("region.StoreMasked: masked store requires SIMD8 32-bit lanes")
	}
	as.EmitVPMaskMovDStore(src, mask, r.Offset)
}
