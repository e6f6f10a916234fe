// Package driver ties decoder, kir, passes, region, sfid and codegen
// together into the top-level compile entry points of spec.md §6:
// map a kernel's bytes, translate them to KIR, run the three
// optimization passes, and assemble the result into callable machine
// code in an arena.Arena.
//
// Grounded on original_source/compute.c and pipe.c's compile_shader,
// which wraps the same decode/build/optimize/assemble sequence behind
// a single call and a fatal-on-failure contract; the panic-recovery
// boundary below adapts the teacher's recover()-at-the-edge pattern
// from coprocessor_manager.go (there, a worker goroutine recovers a
// panicking task and reports it back on a results channel instead of
// crashing the whole manager) to ksim's compile-time fault taxonomy.
package driver

import (
	"unsafe"

	"github.com/ksim/ksim/arena"
	"github.com/ksim/ksim/codegen"
	"github.com/ksim/ksim/gpuaddr"
	"github.com/ksim/ksim/kerr"
	"github.com/ksim/ksim/kir"
	"github.com/ksim/ksim/kir/passes"
	"github.com/ksim/ksim/sfid"
)

// Entry is a compiled shader's callable entry point: the arena offset
// its machine code starts at. A caller turns this into a function
// value via arena.BaseAddr()+Offset, per spec.md §4.1's "no persistent
// pointer outlives a reset" rule — an Entry from before the most
// recent Driver.ResetArena is no longer valid.
type Entry struct {
	Offset int
}

// Driver owns one arena and one GPU address mapper across however many
// compiles a caller issues, mirroring compute.c's single long-lived
// driver context.
type Driver struct {
	arena  *arena.Arena
	mapper gpuaddr.Mapper
}

// New wraps an arena and a mapper into a Driver.
func New(a *arena.Arena, mapper gpuaddr.Mapper) *Driver {
	return &Driver{arena: a, mapper: mapper}
}

// ResetArena invalidates every entry point this Driver has returned so
// far, per arena.Arena.Reset's contract.
func (d *Driver) ResetArena() { d.arena.Reset() }

// CompileShader maps kernelAddr through the Driver's mapper, decodes it
// as a raw EU instruction stream, and assembles it the same way
// CompileProgram does. bindingTableAddr/samplerStateAddr seed the
// resulting kir.Program's address-translation fields for any SFID
// sampler/dataport lowering the kernel's sends need.
func (d *Driver) CompileShader(kernelAddr, bindingTableAddr, samplerStateAddr uint64) (entry *Entry, err error) {
	defer func() {
		if e, _, ok := kerr.Recover(recover()); ok {
			err = e
		}
	}()

	ptr, valid := d.mapper.MapGPUAddr(kernelAddr)
	if valid == 0 {
		kerr.InvalidCallerFault("driver.CompileShader", "kernel address maps to zero bytes")
	}
	code := unsafe.Slice((*byte)(ptr), int(valid))

	p := kir.New(bindingTableAddr, samplerStateAddr)
	deps := sfid.Deps{
		BindingTableAddress: bindingTableAddr,
		SamplerStateAddress: samplerStateAddr,
		Mapper:              d.mapper,
	}
	TranslateProgram(p, code, deps)

	return d.assembleProgram(p), nil
}

// CompileProgram assembles a caller-built kir.Program directly,
// skipping the decode/translate step: used when a stage front end
// (vertex fetch, post-processing) has already populated the program
// ahead of the EU kernel's own instructions, or by tests that want to
// exercise the assembler against a hand-built program.
func (d *Driver) CompileProgram(p *kir.Program) (entry *Entry, err error) {
	defer func() {
		if e, _, ok := kerr.Recover(recover()); ok {
			err = e
		}
	}()
	return d.assembleProgram(p), nil
}

func (d *Driver) assembleProgram(p *kir.Program) *Entry {
	passes.CopyPropagation(p)
	passes.DCE(p)
	passes.Allocate(p)

	d.arena.MarkEntry()
	as := codegen.New(d.arena)
	assemble(as, d.arena, p)
	return &Entry{Offset: d.arena.Entry()}
}
