package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksim/ksim/decoder"
)

func setBits(b []byte, start, end int, value uint32) {
	for i := start; i <= end; i++ {
		bit := (value >> uint(i-start)) & 1
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if bit != 0 {
			b[byteIdx] |= 1 << bitIdx
		} else {
			b[byteIdx] &^= 1 << bitIdx
		}
	}
}

func TestDisassemble_StopsAtEOT(t *testing.T) {
	code := make([]byte, 16)
	setBits(code, 0, 6, uint32(decoder.OpSend))
	setBits(code, 24, 27, 6) // URB
	setBits(code, 127, 127, 1)

	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	require.NoError(t, disassemble(f, code))
}

func TestOpcodeName_KnownAndUnknown(t *testing.T) {
	require.Equal(t, "send", opcodeName(decoder.OpSend))
	require.Equal(t, "op<999>", opcodeName(decoder.Opcode(999)))
}
