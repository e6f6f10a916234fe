// Command ksimctl is a small operator CLI around the ksim core: given a
// raw EU kernel binary, disassemble it or compile it to AVX2 machine
// code and report what came out, without standing up a full GPU
// command-streamer context. Grounded on the teacher's cmd/ie32to64
// layout (a focused, single-purpose conversion tool with its own
// cmd/ directory), generalized from flag's single-command shape to
// cobra's subcommand tree since ksimctl needs two distinct verbs.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func main() {
	var verbose bool

	root := &cobra.Command{
		Use:           "ksimctl",
		Short:         "Inspect and compile ksim EU kernels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")

	root.AddCommand(newDisasmCmd(&verbose), newCompileCmd(&verbose))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ksimctl:", err)
		os.Exit(1)
	}
}
