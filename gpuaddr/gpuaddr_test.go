package gpuaddr

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestFakeGTT_WriteAndMapRoundTrip(t *testing.T) {
	gtt := NewFakeGTT(0x1000, 64)
	gtt.WriteAt(0x1004, []byte{1, 2, 3, 4})

	ptr, valid := gtt.MapGPUAddr(0x1004)
	require.Equal(t, uint64(60), valid)
	got := unsafe.Slice((*byte)(ptr), 4)
	require.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestFakeGTT_MapGPUAddr_OutOfRangePanics(t *testing.T) {
	gtt := NewFakeGTT(0x1000, 64)
	require.Panics(t, func() { gtt.MapGPUAddr(0x2000) })
	require.Panics(t, func() { gtt.MapGPUAddr(0x0) })
}

func TestFakeGTT_WriteAt_OutOfRangePanics(t *testing.T) {
	gtt := NewFakeGTT(0x1000, 8)
	require.Panics(t, func() { gtt.WriteAt(0x1004, []byte{1, 2, 3, 4, 5, 6}) })
}

func TestFakeGTT_BaseAndBytes(t *testing.T) {
	gtt := NewFakeGTT(0x5000, 32)
	require.Equal(t, uint64(0x5000), gtt.Base())
	require.Len(t, gtt.Bytes(), 32)
}
