// Package sfid implements the shared-function message-send lowering
// of spec.md §4.8: dispatch table entries one per SFID (sampler,
// render-cache, URB, dataport-1, dataport-ro, thread-spawner), each
// turning a decoded EU `send` into either an inline KIR load/store
// sequence or a `send`/`const_send` targeting an out-of-line helper.
//
// Grounded on original_source/eu.c's builder_emit_sfid_* dispatch
// switch (the send.sfid switch inside builder_emit_inst) and the
// per-SFID helper functions in eu.c/dataport.c/urb.c/sampler.c/
// render-cache.c this package's files are each named after.
package sfid

import (
	"sync"

	"github.com/ksim/ksim/decoder"
	"github.com/ksim/ksim/gpuaddr"
	"github.com/ksim/ksim/kerr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/thread"
)

// SFID values, per original_source/eu.h's BRW_SFID_*/GEN6_SFID_*/
// HSW_SFID_* enumerators, restricted to the subset spec.md §4.8 names.
const (
	Sampler       = 2
	RenderCache   = 5
	URB           = 6
	DataportRO0   = 0
	DataportRO4   = 4
	DataportRO9   = 9
	Dataport1     = 12
	ThreadSpawner = 7
)

// SendArgs is the register-window record driver/emit.go's emitSend
// packs into the constant pool and hands a helper through rsi: which
// GRF the message payload starts at/writes to and how many registers
// each span covers, mirroring original_source/eu.c's send_args struct.
type SendArgs struct {
	Src  uint32
	MLen uint32
	Dst  uint32
	RLen uint32
}

// HelperFunc stands in for the original's out-of-line C helper a
// send/call KIR instruction invokes at execution time: rdi carries the
// thread (the generated function's own first argument, passed through
// untouched), rsi the SendArgs record just described.
type HelperFunc func(t *thread.Thread, args SendArgs)

var (
	registryMu sync.Mutex
	registry   []HelperFunc
)

// Register records fn and returns a stable handle to carry as a
// kir.Send's Func. The original stores a real, directly callable C
// function pointer there; Go gives closures no such address without
// cgo, so this package keeps its own handle table instead and the
// execution path resolves a handle back to a HelperFunc with Lookup
// rather than calling through a raw pointer.
func Register(fn HelperFunc) uintptr {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, fn)
	return uintptr(len(registry))
}

// Lookup resolves a handle Register returned back to its HelperFunc,
// or nil if handle is zero or unknown.
func Lookup(handle uintptr) HelperFunc {
	registryMu.Lock()
	defer registryMu.Unlock()
	if handle == 0 || int(handle) > len(registry) {
		return nil
	}
	return registry[handle-1]
}

// Deps bundles the address-space and binding-table context every SFID
// lowerer needs to resolve a surface or sampler state. The real
// get_surface/get_sampler_state walk original_source/sampler.c and
// render-cache.c do against a binding-table-pointer's memory is itself
// command-streamer/state-setup territory spec.md's Non-goals exclude
// (surface-state layout, binding-table writes); Surfaces/Samplers stand
// in as the already-resolved result of that walk, the same way
// gpuaddr.Mapper stands in for the real GEM/ioctl address space.
type Deps struct {
	BindingTableAddress uint64
	SamplerStateAddress uint64
	Mapper              gpuaddr.Mapper
	Surfaces            map[uint32]Surface
}

// Surface is the resolved per-binding-table-index state a send's
// binding_table_index field selects: pixel format and the linear
// addressing original_source/sampler.c's load_format_simd8 and
// render-cache.c's rt_write use (row-major, CPP bytes per texel, Pitch
// bytes per row, Base the GPU address of texel (0,0)). Tiled layouts
// (X-major/Y-major/W-major) are out of scope; every Surface here is
// linear.
type Surface struct {
	Format SurfaceFormat
	CPP    uint32
	Pitch  uint32
	Base   uint64
}

// SurfaceFormat mirrors the subset of enum brw_surface_format
// original_source/sampler.c's load_format_simd8 and render-cache.c's
// format switch actually carry concrete unpack/pack logic for.
type SurfaceFormat int

const (
	FormatR8G8B8A8Unorm SurfaceFormat = iota
	FormatR8G8B8A8Uint
	FormatB8G8R8X8Unorm
	FormatR32G32B32A32Float
	FormatR16G16B16A16Unorm
	FormatR8Unorm
)

// EmitSend lowers one decoded EU send instruction into KIR, dispatching
// on its SFID per spec.md §4.8's table. On EOT (inst.Send.EOT), the
// caller is responsible for treating this as the program's terminal
// instruction so codegen emits a tail-call rather than call+ret.
func EmitSend(p *kir.Program, inst decoder.Inst, deps Deps) {
	switch inst.Send.SFID {
	case Sampler:
		emitSampler(p, inst, deps)
	case RenderCache:
		emitRenderCache(p, inst, deps)
	case URB:
		emitURB(p, inst, deps)
	case Dataport1:
		emitDataport1(p, inst, deps)
	case DataportRO0, DataportRO4, DataportRO9:
		emitDataportRO(p, inst, deps)
	case ThreadSpawner:
		p.EOT()
	default:
		kerr.UnimplementedFault("sfid.EmitSend")
	}
}
