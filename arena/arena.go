// Package arena implements the shader/constant arena of spec.md §4.1: a
// fixed-size, power-of-two RWX memory pool that holds one compile's
// emitted constants and machine code. Its lifetime is exactly one
// dispatch; Reset invalidates every previously returned entry point,
// mirroring the teacher's MemoryBus.Reset "full memory reset" contract
// in memory_bus.go, generalized from a flat byte slice to a pool with
// independent constant/code cursors and an executable mapping.
package arena

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/ksim/ksim/kerr"
)

// DefaultSize is the minimum pool size spec.md §4.1 requires ("power-of-two
// size (>= 64 KiB)").
const DefaultSize = 64 * 1024

// ConstReserve is the fixed split point between the constant sub-pool and
// the code sub-pool ("a reserved constant area of 4 KiB").
const ConstReserve = 4 * 1024

// Arena is a single bump-allocated RWX pool shared by one compile. The
// constant cursor grows forward from the base; the code cursor grows
// forward from ConstReserve. Compilation fails if either cursor would
// cross the other's boundary.
type Arena struct {
	log zerolog.Logger

	mem      []byte // RWX-mapped backing store, len == size
	size     int
	constPos int // next free byte in [0, ConstReserve)
	codePos  int // next free byte in [ConstReserve, size)
	entry    int // offset of the first byte emitted for the current compile

	// hardened tracks whether mem has had PROT_WRITE dropped via
	// Harden; on platforms enforcing W^X a reimplementation must
	// mprotect to PROT_READ|PROT_WRITE while emitting and flip to
	// PROT_READ|PROT_EXEC (Harden) once emission is done, per spec.md
	// §4.1's closing note.
	// ksim maps RWX up front (matching the host ISA being x86-64,
	// where W^X is commonly relaxed for JITs that control their own
	// address space) and exposes Harden/Soften for callers on a
	// stricter platform.
	hardened bool
}

// New allocates a new arena of the given size (rounded up to the next
// power of two, minimum DefaultSize) and maps it RWX via mmap, following
// the teacher's convention of wrapping OS primitives behind a
// constructor (NewCPU_X86) rather than exposing raw syscalls.
func New(size int) (*Arena, error) {
	if size < DefaultSize {
		size = DefaultSize
	}
	size = nextPow2(size)

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "arena: mmap")
	}

	a := &Arena{
		mem:  mem,
		size: size,
		log:  zerolog.Nop(),
	}
	a.Reset()
	return a, nil
}

// SetLogger installs a structured logger for arena lifecycle events.
func (a *Arena) SetLogger(log zerolog.Logger) { a.log = log }

// Close unmaps the arena's backing memory. Any previously returned entry
// point is invalid after Close, same as after Reset.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Reset zeroes both cursors, invalidating every previously returned
// entry point. Callers must not retain function pointers across a
// reset (spec.md §5).
func (a *Arena) Reset() {
	a.constPos = 0
	a.codePos = ConstReserve
	a.entry = ConstReserve
	a.log.Debug().Int("size", a.size).Msg("arena reset")
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

// AllocConst reserves size bytes (aligned to align) in the constant
// sub-pool and returns the byte offset (from the arena base) at which
// they were reserved. Fails fatally if the constant cursor would cross
// ConstReserve.
func (a *Arena) AllocConst(size, align int) int {
	off := alignUp(a.constPos, align)
	if off+size > ConstReserve {
		kerr.InvariantFault("arena.AllocConst", "constant pool exhausted")
	}
	a.constPos = off + size
	return off
}

// WriteConst writes data into a freshly allocated constant slot and
// returns its base offset.
func (a *Arena) WriteConst(data []byte, align int) int {
	off := a.AllocConst(len(data), align)
	copy(a.mem[off:], data)
	return off
}

// AllocCodeBytes appends b at the code cursor and returns the
// offset they were written at. Fails fatally on pool exhaustion.
func (a *Arena) AllocCodeBytes(b []byte) int {
	off := a.codePos
	if off+len(b) > a.size {
		kerr.InvariantFault("arena.AllocCodeBytes", "code pool exhausted")
	}
	copy(a.mem[off:], b)
	a.codePos += len(b)
	return off
}

// CurrentCodeOffset returns the offset of the next code byte, used by
// the assembler to compute RIP-relative displacements before the
// instruction that references them has been fully emitted.
func (a *Arena) CurrentCodeOffset() int { return a.codePos }

// BaseAddr returns the arena's base address as a uintptr, needed to turn
// an offset into an absolute pointer for disp32/RIP-relative encoding and
// for producing the final entry-point function value.
func (a *Arena) BaseAddr() uintptr { return uintptr(unsafe.Pointer(unsafe.SliceData(a.mem))) }

// MarkEntry records the current code cursor as the entry point for the
// compile in progress; the driver calls this once per compile, before
// assembling the program.
func (a *Arena) MarkEntry() { a.entry = a.codePos }

// Entry returns the offset marked by MarkEntry.
func (a *Arena) Entry() int { return a.entry }

// Bytes exposes the raw backing store, primarily for tests and the
// ksimctl disassemble command.
func (a *Arena) Bytes() []byte { return a.mem }

// Size returns the total pool size.
func (a *Arena) Size() int { return a.size }

// Harden remaps the arena PROT_READ|PROT_EXEC, dropping the PROT_WRITE
// that New maps it with; a repeat call before Soften is a no-op. It exists for
// platforms that enforce W^X, per spec.md §4.1's design note; ksim's
// default mapping does not require it.
func (a *Arena) Harden() error {
	if a.hardened {
		return nil
	}
	err := unix.Mprotect(a.mem, unix.PROT_READ|unix.PROT_EXEC)
	if err == nil {
		a.hardened = true
	}
	return err
}

// Soften restores PROT_READ|PROT_WRITE|PROT_EXEC so the compiler can keep
// emitting after a Harden call.
func (a *Arena) Soften() error {
	err := unix.Mprotect(a.mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
	if err == nil {
		a.hardened = false
	}
	return err
}

func nextPow2(v int) int {
	p := 1
	for p < v {
		p <<= 1
	}
	return p
}
