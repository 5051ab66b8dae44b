package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/djeday123/transblock/core"
	"github.com/djeday123/transblock/tensor"
)

func randn(t *testing.T, seed uint64, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.Normal(rand.NewSource(seed), 0, 1, shape...)
	require.NoError(t, err)
	return x
}

func TestFeedForwardShapes(t *testing.T) {
	cases := []struct {
		name  string
		cfg   FeedForwardConfig
		input []int
		want  core.Shape
	}{
		{"2d", FeedForwardConfig{InFeatures: 8, HiddenFeatures: 32}, []int{4, 8}, core.Shape{4, 8}},
		{"3d", FeedForwardConfig{InFeatures: 8, OutFeatures: 5}, []int{2, 3, 8}, core.Shape{2, 3, 5}},
		{"4d", FeedForwardConfig{InFeatures: 6, HiddenFeatures: 2, OutFeatures: 3}, []int{1, 2, 1, 6}, core.Shape{1, 2, 1, 3}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Source = rand.NewSource(1)
			ff, err := NewFeedForward(tt.cfg)
			require.NoError(t, err)
			out, err := ff.Forward(randn(t, 2, tt.input...))
			require.NoError(t, err)
			require.Equal(t, tt.want, out.Shape)
		})
	}
}

func TestFeedForwardDefaults(t *testing.T) {
	ff, err := NewFeedForward(FeedForwardConfig{InFeatures: 7, Source: rand.NewSource(1)})
	require.NoError(t, err)
	require.Equal(t, 7, ff.FC1.OutSize)
	require.Equal(t, 7, ff.FC2.OutSize)
	require.Equal(t, GELU, ff.Act)
	require.True(t, ff.Training())
}

func TestFeedForwardEvalDeterministic(t *testing.T) {
	ff, err := NewFeedForward(FeedForwardConfig{InFeatures: 8, HiddenFeatures: 16, Drop1: 0.5, Drop2: 0.5, Source: rand.NewSource(3)})
	require.NoError(t, err)
	ff.Eval()
	require.False(t, ff.Training())

	x := randn(t, 4, 2, 5, 8)
	a, err := ff.Forward(x)
	require.NoError(t, err)
	b, err := ff.Forward(x)
	require.NoError(t, err)
	require.Equal(t, a.Float32(), b.Float32())
}

func TestFeedForwardTrainingDropsUnits(t *testing.T) {
	ff, err := NewFeedForward(FeedForwardConfig{InFeatures: 8, HiddenFeatures: 32, Drop2: 0.5, Source: rand.NewSource(3)})
	require.NoError(t, err)
	out, err := ff.Forward(randn(t, 4, 4, 8, 8))
	require.NoError(t, err)
	var zeros int
	for _, v := range out.Float32() {
		if v == 0 {
			zeros++
		}
	}
	require.Greater(t, zeros, 0)
}

func TestFeedForwardShapeMismatch(t *testing.T) {
	ff, err := NewFeedForward(FeedForwardConfig{InFeatures: 8, Source: rand.NewSource(1)})
	require.NoError(t, err)
	_, err = ff.Forward(randn(t, 1, 2, 7))
	require.ErrorIs(t, err, core.ErrShapeMismatch)
}

func TestFeedForwardInvalidConfig(t *testing.T) {
	for _, cfg := range []FeedForwardConfig{
		{},
		{InFeatures: 4, HiddenFeatures: -1},
		{InFeatures: 4, Drop1: 1.5},
		{InFeatures: 4, Drop2: -0.1},
	} {
		_, err := NewFeedForward(cfg)
		require.ErrorIs(t, err, ErrInvalidConfig, "%+v", cfg)
	}
}

func TestActivationByName(t *testing.T) {
	for _, a := range []Activation{GELU, GELUTanh, ReLU, SiLU, Tanh, Sigmoid} {
		got, err := ActivationByName(a.String())
		require.NoError(t, err)
		require.Equal(t, a, got)
	}
	got, err := ActivationByName("SiLU")
	require.NoError(t, err)
	require.Equal(t, SiLU, got)

	_, err = ActivationByName("swish")
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Equal(t, "activation(42)", Activation(42).String())
}
