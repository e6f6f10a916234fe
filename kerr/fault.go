// Package kerr defines ksim's compile-time fault taxonomy.
//
// Every fault the core raises is fatal: a shader that cannot be
// translated is never partially compiled. Call sites construct a
// *CompileFault and panic with it; driver.CompileShader and
// driver.CompileProgram (and ksimctl's disassemble command) recover it
// and turn the panic back into an error (see driver/driver.go), mirroring the teacher's recover()-at-the-boundary
// pattern in coprocessor_manager.go.
package kerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why a compile aborted, per spec.md §7.
type Kind int

const (
	// Unimplemented marks a shader feature the translator has never
	// been taught: an unknown opcode, region shape, SFID message, or
	// math-box function.
	Unimplemented Kind = iota
	// Invariant marks a bug in the core itself: arena exhaustion,
	// spill-pool exhaustion, a region with negative overlap arithmetic,
	// an allocator that cannot find a destination register.
	Invariant
	// InvalidCaller marks bad state handed to the core by its caller:
	// a null binding-table entry, or map_gpu_addr returning an
	// insufficient byte range.
	InvalidCaller
)

func (k Kind) String() string {
	switch k {
	case Unimplemented:
		return "unimplemented"
	case Invariant:
		return "invariant"
	case InvalidCaller:
		return "invalid-caller"
	default:
		return "unknown"
	}
}

// CompileFault is the panic payload for every fatal compile-time error.
// It always carries a stack trace captured at the raise site, so the
// trace line printed by the driver's recover() identifies exactly where
// translation gave up.
type CompileFault struct {
	Kind Kind
	Site string // call site identifying string, e.g. "decoder.Decode: opcode 0x3f"
	err  error  // wrapped cause, may be nil
}

func (f *CompileFault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Site, f.err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Site)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/As.
func (f *CompileFault) Unwrap() error { return f.err }

func newFault(kind Kind, site string, err error) *CompileFault {
	return &CompileFault{Kind: kind, Site: site, err: errors.WithStack(err)}
}

// UnimplementedFault panics with a Kind=Unimplemented fault. site names the
// feature that was never taught to the translator, e.g.
// "decoder.ClassifyOpcode: opcode 0x2b (IF)".
func UnimplementedFault(site string) {
	panic(newFault(Unimplemented, site, errors.New("feature not implemented")))
}

// InvariantFault panics with a Kind=Invariant fault: a bug in the core.
func InvariantFault(site string, reason string) {
	panic(newFault(Invariant, site, errors.New(reason)))
}

// InvalidCallerFault panics with a Kind=InvalidCaller fault: bad state
// handed to the core by whatever embeds it.
func InvalidCallerFault(site string, reason string) {
	panic(newFault(InvalidCaller, site, errors.New(reason)))
}

// Recover turns a recovered panic value into an error if it was raised
// by this package, and re-panics anything else (a genuine Go bug should
// never be silently swallowed). The second result is the fault's Kind
// when the recovered value is a *CompileFault.
func Recover(recovered interface{}) (err error, kind Kind, ok bool) {
	if recovered == nil {
		return nil, 0, false
	}
	if f, is := recovered.(*CompileFault); is {
		return f, f.Kind, true
	}
	panic(recovered)
}
