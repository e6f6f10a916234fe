package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ksim/ksim/decoder"
	"github.com/ksim/ksim/kerr"
)

// opcodeNames covers the EU opcodes driver.translateInst actually
// lowers, plus the handful of control-flow/math opcodes a real kernel
// is likely to contain; anything else prints as a raw numeric opcode
// rather than guessing at a mnemonic.
var opcodeNames = map[decoder.Opcode]string{
	decoder.OpMov:      "mov",
	decoder.OpSel:      "sel",
	decoder.OpNot:      "not",
	decoder.OpAnd:      "and",
	decoder.OpOr:       "or",
	decoder.OpXor:      "xor",
	decoder.OpShr:      "shr",
	decoder.OpShl:      "shl",
	decoder.OpAsr:      "asr",
	decoder.OpCmp:      "cmp",
	decoder.OpCmpn:     "cmpn",
	decoder.OpCsel:     "csel",
	decoder.OpJmpi:     "jmpi",
	decoder.OpIf:       "if",
	decoder.OpElse:     "else",
	decoder.OpEndif:    "endif",
	decoder.OpDo:       "do",
	decoder.OpWhile:    "while",
	decoder.OpBreak:    "break",
	decoder.OpContinue: "continue",
	decoder.OpHalt:     "halt",
	decoder.OpWait:     "wait",
	decoder.OpSend:     "send",
	decoder.OpSendc:    "sendc",
	decoder.OpMath:     "math",
	decoder.OpAdd:      "add",
	decoder.OpMul:      "mul",
	decoder.OpAvg:      "avg",
	decoder.OpFrc:      "frc",
	decoder.OpRndu:     "rndu",
	decoder.OpRndd:     "rndd",
	decoder.OpRnde:     "rnde",
	decoder.OpRndz:     "rndz",
	decoder.OpMac:      "mac",
	decoder.OpMach:     "mach",
	decoder.OpLzd:      "lzd",
	decoder.OpSad2:     "sad2",
	decoder.OpSada2:    "sada2",
	decoder.OpDp4:      "dp4",
	decoder.OpDph:      "dph",
	decoder.OpDp3:      "dp3",
	decoder.OpDp2:      "dp2",
	decoder.OpLine:     "line",
	decoder.OpPln:      "pln",
	decoder.OpMad:      "mad",
	decoder.OpLrp:      "lrp",
	decoder.OpNop:      "nop",
}

func opcodeName(op decoder.Opcode) string {
	if n, ok := opcodeNames[op]; ok {
		return n
	}
	return fmt.Sprintf("op<%d>", uint32(op))
}

func newDisasmCmd(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "disasm <file>",
		Short: "Print a mnemonic-level dump of a raw EU kernel binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)

			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			log.Debug().Str("file", args[0]).Int("bytes", len(code)).Msg("loaded kernel")

			return disassemble(os.Stdout, code)
		},
	}
}

func disassemble(out *os.File, code []byte) (err error) {
	defer func() {
		if e, _, ok := kerr.Recover(recover()); ok {
			err = e
		}
	}()

	offset := 0
	for offset < len(code) {
		inst := decoder.Decode(code[offset:])
		fmt.Fprintf(out, "%5d: %-8s exec=%-2d dst=g%-3d src0=g%-3d src1=g%-3d\n",
			offset, opcodeName(inst.Common.Opcode), 1<<inst.Common.ExecSize,
			inst.Dst.Num, inst.Src0.Num, inst.Src1.Num)

		if decoder.IsSend(inst.Common.Opcode) {
			fmt.Fprintf(out, "       send sfid=%d mlen=%d rlen=%d eot=%v\n",
				inst.Send.SFID, inst.Send.MLen, inst.Send.RLen, inst.Send.EOT)
			if inst.Send.EOT {
				return nil
			}
		}

		offset += inst.Len
	}
	return nil
}
