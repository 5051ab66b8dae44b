package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/djeday123/transblock/core"
)

func TestEncoder(t *testing.T) {
	e, err := NewEncoder(BlockConfig{Dim: 8, NumHeads: 2, MLPRatio: 2, DropPath: 0.1, Source: rand.NewSource(1)}, 3, true)
	require.NoError(t, err)
	require.Len(t, e.Blocks, 3)
	require.NotEqual(t, e.Blocks[0].MLP.FC1.Weight.Float32(), e.Blocks[1].MLP.FC1.Weight.Float32())

	params := Parameters(e)
	_, ok := params.Get("blocks.2.mlp.fc2.bias")
	require.True(t, ok)
	_, ok = params.Get("norm.weight")
	require.True(t, ok)
	require.Equal(t, 3*600+16, NumParameters(e))

	e.Eval()
	x := randn(t, 2, 2, 5, 8)
	a, err := e.Forward(x, ForwardOptions{})
	require.NoError(t, err)
	require.Equal(t, core.Shape{2, 5, 8}, a.Shape)
	b, err := e.Forward(x, ForwardOptions{})
	require.NoError(t, err)
	require.Equal(t, a.Float32(), b.Float32())
}

func TestEncoderCausal(t *testing.T) {
	e, err := NewEncoder(BlockConfig{Dim: 4, NumHeads: 2, Source: rand.NewSource(1)}, 2, false)
	require.NoError(t, err)
	require.Nil(t, e.FinalNorm)
	e.Eval()

	m, err := CausalMask(3)
	require.NoError(t, err)
	x := randn(t, 3, 1, 3, 4)
	full, err := e.Forward(x, ForwardOptions{Mask: m})
	require.NoError(t, err)

	// With a causal mask the first position only sees itself.
	first := x.Float32()[:4]
	y := randn(t, 4, 1, 3, 4)
	copy(y.Float32()[:4], first)
	other, err := e.Forward(y, ForwardOptions{Mask: m})
	require.NoError(t, err)
	require.Equal(t, full.Float32()[:4], other.Float32()[:4])
}

func TestEncoderInvalidDepth(t *testing.T) {
	_, err := NewEncoder(BlockConfig{Dim: 4, NumHeads: 2}, 0, false)
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewEncoder(BlockConfig{Dim: 4, NumHeads: 3}, 2, false)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
