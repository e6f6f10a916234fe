package stage

import (
	"unsafe"

	"github.com/ksim/ksim/gpuaddr"
	"github.com/ksim/ksim/thread"
)

// CURBEBuffer describes one bound constant buffer, per thread.c's
// load_constants loop over up to four CURBE buffers.
type CURBEBuffer struct {
	GPUAddr uint64
	Length  uint32 // registers (32 bytes each)
}

// MaxCURBEBuffers mirrors load_constants' fixed loop bound.
const MaxCURBEBuffers = 4

// LoadConstants copies up to MaxCURBEBuffers bound constant buffers
// directly into t's GRF file starting at grf, and returns the first
// unused GRF index. This is a host-side memcpy run once per compile,
// mirroring thread.c's load_constants byte for byte; the original
// never expresses this copy as IR the shader executes, so neither does
// this port.
func LoadConstants(t *thread.Thread, mapper gpuaddr.Mapper, buffers []CURBEBuffer, grf int) int {
	if len(buffers) > MaxCURBEBuffers {
		buffers = buffers[:MaxCURBEBuffers]
	}
	for _, b := range buffers {
		if b.Length == 0 {
			continue
		}
		ptr, valid := mapper.MapGPUAddr(b.GPUAddr)
		want := uint64(b.Length) * 32
		if valid < want {
			want = valid
		}
		src := unsafe.Slice((*byte)(ptr), int(want))

		for i := uint32(0); i < b.Length && grf < thread.GRFCount; i++ {
			off := i * 32
			if uint64(off+32) > want {
				break
			}
			copy(t.GRF[grf][:], src[off:off+32])
			grf++
		}
	}
	return grf
}
