package sfid

import (
	"github.com/ksim/ksim/decoder"
	"github.com/ksim/ksim/kerr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/thread"
)

// urbOpcode mirrors the low bits of the URB message's function
// control word: SIMD8 read/write is by far the common case a vertex/
// geometry shader's output write hits, per spec.md §4.8's URB row.
const (
	urbOpSimd8Write = 0
	urbOpSimd8Read  = 1
)

// emitURB lowers a URB send. Every SIMD8 write is inlined as a plain
// region copy from the message payload straight into the program's URB
// output region; the message's per-slot offset and channel mask are
// not read, so the payload always lands at the start of that region
// with all channels written. A SIMD8 read goes to an out-of-line helper
// through a const_send. Any other URB opcode raises an
// UnimplementedFault.
func emitURB(p *kir.Program, inst decoder.Inst, deps Deps) {
	opcode := inst.Send.FunctionControl & 0x7
	mlen := inst.Send.MLen
	srcGRF := int32(inst.Src0.Num)

	switch opcode {
	case urbOpSimd8Write:
		if mlen == 0 {
			kerr.InvariantFault("sfid.emitURB", "SIMD8 write with zero-length payload")
		}
		// mlen includes the one-GRF URB handle/offset header; the
		// actual output data starts at srcGRF+1, per
		// sfid_urb_simd8_write's header handling.
		urbBase := int32(thread.OffsetURB) + p.URBOffset
		for i := uint32(1); i < mlen; i++ {
			v := p.LoadV8(int32(thread.GRFOffset(int(srcGRF) + int(i))))
			p.StoreV8(urbBase+int32(i-1)*32, v)
		}
	case urbOpSimd8Read:
		// Inverse of the SIMD8 write above: copy rlen GRFs' worth of
		// URB storage, starting at the program's URB region, into
		// consecutive destination GRFs. dstGRF/rlen/urbOffset are the
		// instruction's own compile-time fields, not args, mirroring
		// how the write case above bakes srcGRF/mlen in directly
		// rather than threading them through a runtime argument.
		rlen := int(inst.Send.RLen)
		dstGRF := int(inst.Dst.Num)
		urbOffset := int(p.URBOffset)
		fn := func(t *thread.Thread, args SendArgs) {
			for i := 0; i < rlen; i++ {
				off := urbOffset + i*32
				copy(t.GRF[dstGRF+i][:], t.URB[off:off+32])
			}
		}

		send := kir.Send{
			Src:  uint32(srcGRF),
			MLen: mlen,
			Dst:  inst.Dst.Num,
			RLen: inst.Send.RLen,
			Func: Register(fn),
		}
		p.ConstSend(send)
	default:
		kerr.UnimplementedFault("sfid.emitURB: unsupported URB opcode")
	}
}
