package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ksim/ksim/arena"
	"github.com/ksim/ksim/driver"
	"github.com/ksim/ksim/gpuaddr"
)

func newCompileCmd(verbose *bool) *cobra.Command {
	var bindingTable, samplerState uint64

	cmd := &cobra.Command{
		Use:   "compile <file>",
		Short: "Compile a raw EU kernel binary to AVX2 machine code and dump the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)

			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			const gpuBase = 0x100000
			gtt := gpuaddr.NewFakeGTT(gpuBase, len(code)+4096)
			gtt.WriteAt(gpuBase, code)

			a, err := arena.New(arena.DefaultSize)
			if err != nil {
				return fmt.Errorf("arena: %w", err)
			}
			defer a.Close()

			d := driver.New(a, gtt)
			entry, err := d.CompileShader(gpuBase, bindingTable, samplerState)
			if err != nil {
				return fmt.Errorf("compile: %w", err)
			}

			log.Info().Int("entry_offset", entry.Offset).Msg("compiled")
			fmt.Fprintln(cmd.OutOrStdout(), hex.Dump(a.Bytes()[entry.Offset:a.CurrentCodeOffset()]))
			return nil
		},
	}

	cmd.Flags().Uint64Var(&bindingTable, "binding-table", 0, "binding table GPU address")
	cmd.Flags().Uint64Var(&samplerState, "sampler-state", 0, "sampler state GPU address")
	return cmd
}
