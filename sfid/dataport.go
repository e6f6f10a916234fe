package sfid

import (
	"unsafe"

	"github.com/ksim/ksim/decoder"
	"github.com/ksim/ksim/kerr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/thread"
)

// unsafeUint32Slice views n uint32s starting at ptr, the same
// unsafe.Slice pattern sampler.go/rendercache.go use to turn a
// gpuaddr.Mapper result into an addressable Go slice.
func unsafeUint32Slice(ptr unsafe.Pointer, n int) []uint32 {
	return unsafe.Slice((*uint32)(ptr), n)
}

// dataport1 message types, per original_source/dataport.c's
// enum dp1_message_type.
const (
	msd1rUS    = 0x01 // untyped surface read
	msd1rDWAI2 = 0x02 // dword untyped atomic integer
	msd1wUS    = 0x09 // untyped surface write
)

// mdc_aop atomic-operation codes actually lowered here, per
// original_source/dataport.c's enum mdc_aop.
const (
	mdcAopInc    = 0x05
	mdcAopPredec = 0x0F
)

// mdc_sm2r dispatch-width codes, per original_source/dataport.c.
const (
	mdcSM2RSimd16 = 0x00
	mdcSM2RSimd8  = 0x01
)

// unpackDp1AtomicDwordMessageDescriptor mirrors dataport.c's
// unpack_dp1_atomic_dword_message_descriptor: binding_table_index
// [0:7], atomic_operation[8:11], simd_mode[12:12], message_type
// [14:18].
func unpackDp1AtomicDwordMessageDescriptor(fc uint32) (bindingTableIndex, atomicOp, simdMode, messageType uint32) {
	bindingTableIndex = fc & 0xff
	atomicOp = (fc >> 8) & 0xf
	simdMode = (fc >> 12) & 0x1
	messageType = (fc >> 14) & 0x1f
	return
}

// emitDataport1 lowers a dataport-1 send by decoding its message
// descriptor and picking the matching untyped-write/atomic-integer
// helper dataport.c implements, capturing deps and the binding table
// index (the write target's GPU address) by closure at compile time,
// the same pattern sampler.go and rendercache.go use. Atomic
// increment/decrement run against the single-threaded simulator's
// address space directly — there is no concurrent access to serialize
// against, so no separate interlocked primitive is needed the way real
// hardware requires one.
func emitDataport1(p *kir.Program, inst decoder.Inst, deps Deps) {
	fc := inst.Send.FunctionControl
	bindingTableIndex, atomicOp, simdMode, messageType := unpackDp1AtomicDwordMessageDescriptor(fc)

	var fn HelperFunc
	switch messageType {
	case msd1wUS:
		fn = makeDataport1UntypedWrite(deps, bindingTableIndex)
	case msd1rDWAI2:
		switch atomicOp {
		case mdcAopInc:
			fn = makeDataport1AtomicIncrement(deps, bindingTableIndex, simdMode, 1)
		case mdcAopPredec:
			fn = makeDataport1AtomicIncrement(deps, bindingTableIndex, simdMode, -1)
		default:
			kerr.UnimplementedFault("sfid.emitDataport1: unsupported atomic operation")
		}
	default:
		kerr.UnimplementedFault("sfid.emitDataport1: unsupported dataport-1 message type")
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

// dataport1Buffer resolves bindingTableIndex to the raw GPU address an
// untyped/atomic message writes through: dataport.c's args->buffer is
// an already-resolved host pointer, the same role Deps.Surfaces plays
// for the sampler and render cache, so this reuses that table's Base
// field rather than adding a second, parallel resolution path.
func dataport1Buffer(deps Deps, bindingTableIndex uint32) uint64 {
	surf, ok := deps.Surfaces[bindingTableIndex]
	if !ok {
		kerr.InvariantFault("sfid.dataport1Buffer", "binding table index has no resolved surface")
	}
	return surf.Base
}

// makeDataport1UntypedWrite returns the helper an MSD1W_US message
// resolves to, grounded on dataport.c's sfid_dataport1_untyped_write:
// for each active lane (scope-0 execution mask ANDed with the
// channel mask carried in grf[src].ud[7]), scatter 4 dwords from
// consecutive source GRFs to buffer+grf[src+1].ud[c]. The original's
// args->mask (per-component write mask) isn't decoded from any field
// retrieved for this message, so every component is written.
func makeDataport1UntypedWrite(deps Deps, bindingTableIndex uint32) HelperFunc {
	return func(t *thread.Thread, args SendArgs) {
		buffer := dataport1Buffer(deps, bindingTableIndex)
		scope := t.MaskQ1.AsI32()
		channelMask := t.GRF[args.Src].AsI32()[7]
		offsets := t.GRF[args.Src+1].AsI32()

		for c := 0; c < 8; c++ {
			if scope[c] == 0 || channelMask&(1<<uint(c)) == 0 {
				continue
			}
			dstAddr := buffer + uint64(uint32(offsets[c]))
			ptr, valid := deps.Mapper.MapGPUAddr(dstAddr)
			if valid < 16 {
				kerr.InvariantFault("sfid.dataport1UntypedWrite", "write runs past the mapped GPU range")
			}
			dst := unsafeUint32Slice(ptr, 4)
			for comp := 0; comp < 4; comp++ {
				dst[comp] = uint32(t.GRF[args.Src+2+uint32(comp)].AsI32()[c])
			}
		}
	}
}

// makeDataport1AtomicIncrement returns the helper an MSD1R_DWAI2
// message with MDC_AOP_INC or MDC_AOP_PREDEC resolves to, grounded on
// dataport.c's sfid_dataport1_integer_atomic_inc/_predec: each active
// lane's dword at buffer+grf[src+1].ud[c] is incremented (or
// decremented) in place. SIMD16 repeats the same update against the
// scope-1 mask and the upper half of the channel-mask dword, reading
// offsets from grf[src+2] instead of grf[src+1].
func makeDataport1AtomicIncrement(deps Deps, bindingTableIndex uint32, simdMode uint32, delta int32) HelperFunc {
	return func(t *thread.Thread, args SendArgs) {
		buffer := dataport1Buffer(deps, bindingTableIndex)
		channelMask := uint32(t.GRF[args.Src].AsI32()[7])

		atomicAddQuad(deps, buffer, t.MaskQ1.AsI32()[:], channelMask, t.GRF[args.Src+1].AsI32()[:], delta)
		if simdMode == mdcSM2RSimd8 {
			return
		}
		atomicAddQuad(deps, buffer, t.MaskQ2.AsI32()[:], channelMask>>8, t.GRF[args.Src+2].AsI32()[:], delta)
	}
}

func atomicAddQuad(deps Deps, buffer uint64, scope []int32, channelMask uint32, offsets []int32, delta int32) {
	for c := 0; c < 8; c++ {
		if scope[c] == 0 || channelMask&(1<<uint(c)) == 0 {
			continue
		}
		ptr, valid := deps.Mapper.MapGPUAddr(buffer + uint64(uint32(offsets[c])))
		if valid < 4 {
			kerr.InvariantFault("sfid.atomicAddQuad", "atomic update runs past the mapped GPU range")
		}
		dst := unsafeUint32Slice(ptr, 1)
		dst[0] = uint32(int32(dst[0]) + delta)
	}
}

// emitDataportRO lowers a read-only (constant-cache) dataport message:
// two back-to-back inline loads computing an oword-granular offset
// into consecutive destination GRFs, per spec.md §4.8's dataport-ro
// row. The oword index is taken from the function-control word's low
// 3 bits, the simplest placement consistent with a constant-cache
// read message's small legal oword-index range (0-7); the original's
// exact bit position for this field wasn't present in the retrieved
// source.
func emitDataportRO(p *kir.Program, inst decoder.Inst, deps Deps) {
	owordIndex := inst.Send.FunctionControl & 0x7
	byteOffset := int32(owordIndex) * 16

	dstGRF := int(inst.Dst.Num)
	lo := p.LoadUniform(byteOffset)
	hi := p.LoadUniform(byteOffset + 4)
	p.StoreV8(int32(thread.GRFOffset(dstGRF)), lo)
	p.StoreV8(int32(thread.GRFOffset(dstGRF+1)), hi)
}
