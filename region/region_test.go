package region

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ksim/ksim/arena"
	"github.com/ksim/ksim/codegen"
)

func newAsm(t *testing.T) (*arena.Arena, *codegen.Assembler) {
	t.Helper()
	a, err := arena.New(arena.DefaultSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, codegen.New(a)
}

func TestOverlap(t *testing.T) {
	a := Region{Offset: 0, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
	b := Region{Offset: 32, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
	c := Region{Offset: 64, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}

	require.False(t, Overlap(a, b), "regions that only touch share no bytes and do not overlap")
	require.False(t, Overlap(a, c), "regions one full vector apart should not overlap")
}

func TestEqual(t *testing.T) {
	a := Region{Offset: 0, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
	b := a
	c := Region{Offset: 32, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
	require.True(t, Equal(a, b))
	require.False(t, Equal(a, c))
}

func TestIsUniform(t *testing.T) {
	uniform := Region{Offset: 16, TypeSize: 4, ExecSize: 1, VStride: 0, Width: 1, HStride: 0}
	strided := Region{Offset: 0, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
	require.True(t, uniform.IsUniform())
	require.False(t, strided.IsUniform())
}

func TestLoad_Contiguous256(t *testing.T) {
	_, as := newAsm(t)
	r := Region{Offset: 0, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
	require.NotPanics(t, func() { Load(as, r, 0) })
}

func TestLoad_Broadcast(t *testing.T) {
	_, as := newAsm(t)
	r := Region{Offset: 16, TypeSize: 4, ExecSize: 1, VStride: 0, Width: 1, HStride: 0}
	require.NotPanics(t, func() { Load(as, r, 0) })
}

func TestLoad_FragCoordRequiresScratch(t *testing.T) {
	_, as := newAsm(t)
	r := Region{Offset: 0, TypeSize: 2, ExecSize: 8, VStride: 1, Width: 4, HStride: 0}
	require.Panics(t, func() { Load(as, r, 0) }, "frag-coord shape with no scratch registers must fault")
	require.NotPanics(t, func() { Load(as, r, 0, 1, 2) })
}

func TestLoad_UnhandledShapeFaults(t *testing.T) {
	_, as := newAsm(t)
	r := Region{Offset: 0, TypeSize: 8, ExecSize: 3, VStride: 5, Width: 2, HStride: 3}
	require.Panics(t, func() { Load(as, r, 0) })
}

func TestStoreMasked_RequiresSIMD8(t *testing.T) {
	_, as := newAsm(t)
	bad := Region{Offset: 0, TypeSize: 2, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
	require.Panics(t, func() { StoreMasked(as, bad, 0, 1) })

	good := Region{Offset: 0, TypeSize: 4, ExecSize: 8, VStride: 8, Width: 8, HStride: 1}
	require.NotPanics(t, func() { StoreMasked(as, good, 0, 1) })
}
