package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/djeday123/transblock/core"
	"github.com/djeday123/transblock/ops"
	"github.com/djeday123/transblock/tensor"
)

func newBlock(t *testing.T, cfg BlockConfig) *TransformerBlock {
	t.Helper()
	if cfg.Source == nil {
		cfg.Source = rand.NewSource(1)
	}
	b, err := NewTransformerBlock(cfg)
	require.NoError(t, err)
	return b
}

func forward(t *testing.T, b *TransformerBlock, src *tensor.Tensor, opts ForwardOptions) []float32 {
	t.Helper()
	out, err := b.Forward(src, opts)
	require.NoError(t, err)
	require.Equal(t, src.Shape, out.Shape)
	return out.Float32()
}

func fill(x *tensor.Tensor, v float32) {
	for i := range x.Float32() {
		x.Float32()[i] = v
	}
}

func TestBlockEndToEnd(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, MLPRatio: 2})
	require.Equal(t, 16, b.MLP.FC1.OutSize)

	out, err := b.Forward(randn(t, 7, 2, 5, 8), ForwardOptions{})
	require.NoError(t, err)
	require.Equal(t, core.Shape{2, 5, 8}, out.Shape)
	finite, err := out.AllFinite()
	require.NoError(t, err)
	require.True(t, finite)
}

func TestBlockOutputShape(t *testing.T) {
	cases := []struct {
		name       string
		cfg        BlockConfig
		batch, seq int
		kv         func(t *testing.T) KeyValue
	}{
		{name: "pre", cfg: BlockConfig{Dim: 12, NumHeads: 3}, batch: 1, seq: 4},
		{name: "post", cfg: BlockConfig{Dim: 12, NumHeads: 4, PostNorm: true}, batch: 3, seq: 2},
		{name: "cross self", cfg: BlockConfig{Dim: 6, NumHeads: 1, CrossAttn: true}, batch: 2, seq: 3},
		{
			name: "cross combined", cfg: BlockConfig{Dim: 8, NumHeads: 2, CrossAttn: true}, batch: 2, seq: 3,
			kv: func(t *testing.T) KeyValue { return CombinedKV{KV: randn(t, 5, 2, 9, 8)} },
		},
		{
			name: "cross separate widths", cfg: BlockConfig{Dim: 8, NumHeads: 4, CrossAttn: true, KDim: 6, VDim: 4, QKVBias: true}, batch: 2, seq: 5,
			kv: func(t *testing.T) KeyValue { return SeparateKV{Key: randn(t, 5, 2, 3, 6), Value: randn(t, 6, 2, 3, 4)} },
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			b := newBlock(t, tt.cfg)
			b.Eval()
			var opts ForwardOptions
			if tt.kv != nil {
				opts.KV = tt.kv(t)
			}
			forward(t, b, randn(t, 9, tt.batch, tt.seq, tt.cfg.Dim), opts)
		})
	}
}

func TestBlockEvalDeterministic(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, Drop: 0.3, AttnDrop: 0.2, DropPath: 0.4})
	b.Eval()
	require.False(t, b.Training())
	x := randn(t, 2, 2, 5, 8)
	require.Equal(t, forward(t, b, x, ForwardOptions{}), forward(t, b, x, ForwardOptions{}))
}

func TestBlockTrainingIsStochastic(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, Drop: 0.5})
	require.True(t, b.Training())
	x := randn(t, 2, 2, 5, 8)
	require.NotEqual(t, forward(t, b, x, ForwardOptions{}), forward(t, b, x, ForwardOptions{}))
}

func TestPreAndPostNormDiffer(t *testing.T) {
	pre := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, Source: rand.NewSource(11)})
	post := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, PostNorm: true, Source: rand.NewSource(11)})
	pre.Eval()
	post.Eval()

	// Same seed, same parameters: only the residual ordering differs.
	pp, qp := Parameters(pre), Parameters(post)
	for pair := pp.Oldest(); pair != nil; pair = pair.Next() {
		other, ok := qp.Get(pair.Key)
		require.True(t, ok, pair.Key)
		require.Equal(t, pair.Value.Float32(), other.Float32(), pair.Key)
	}

	x := randn(t, 3, 2, 4, 8)
	require.NotEqual(t, forward(t, pre, x, ForwardOptions{}), forward(t, post, x, ForwardOptions{}))
}

func TestPostNormComposition(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, PostNorm: true})
	b.Eval()
	// Distinct norms so swapping Norm1 and Norm2, or normalizing inputs, shows up.
	fill(b.Norm1.(*LayerNorm).Gamma, 1.5)
	fill(b.Norm2.(*LayerNorm).Beta, -0.25)
	x := randn(t, 3, 2, 4, 8)
	got := forward(t, b, x, ForwardOptions{})

	attn, _, err := b.Attn.Forward(x, x, x, Mask{}, Mask{})
	require.NoError(t, err)
	n1, err := b.Norm1.Forward(attn)
	require.NoError(t, err)
	h, err := ops.Add(x, n1)
	require.NoError(t, err)
	mlp, err := b.MLP.Forward(h)
	require.NoError(t, err)
	n2, err := b.Norm2.Forward(mlp)
	require.NoError(t, err)
	want, err := ops.Add(h, n2)
	require.NoError(t, err)

	require.Equal(t, want.Float32(), got)
}

func TestPreNormFullDropPathIsIdentity(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, DropPath: 1})
	x := randn(t, 3, 2, 4, 8)
	require.Equal(t, x.Float32(), forward(t, b, x, ForwardOptions{}))

	b.Eval()
	require.NotEqual(t, x.Float32(), forward(t, b, x, ForwardOptions{}))
}

func TestVariantDispatch(t *testing.T) {
	kv := randn(t, 1, 1, 2, 8)
	cases := []struct {
		name string
		cfg  BlockConfig
		kv   KeyValue
		want Variant
	}{
		{"pre", BlockConfig{}, nil, PreNormSelf},
		{"pre ignores kv", BlockConfig{}, CombinedKV{KV: kv}, PreNormSelf},
		{"post", BlockConfig{PostNorm: true}, nil, PostNormSelf},
		{"cross wins over post", BlockConfig{PostNorm: true, CrossAttn: true}, nil, CrossAttnSelfDegenerate},
		{"cross separate", BlockConfig{CrossAttn: true}, SeparateKV{Key: kv, Value: kv}, CrossAttnSeparateKV},
		{"cross separate pointer", BlockConfig{CrossAttn: true}, &SeparateKV{Key: kv, Value: kv}, CrossAttnSeparateKV},
		{"cross combined", BlockConfig{CrossAttn: true}, CombinedKV{KV: kv}, CrossAttnCombinedKV},
		{"cross empty combined", BlockConfig{CrossAttn: true}, CombinedKV{}, CrossAttnSelfDegenerate},
		{"cross empty separate", BlockConfig{CrossAttn: true}, SeparateKV{}, CrossAttnSelfDegenerate},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Dim, tt.cfg.NumHeads = 8, 2
			got, err := newBlock(t, tt.cfg).Variant(tt.kv)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
	require.Equal(t, "cross_attn_combined_kv", CrossAttnCombinedKV.String())
}

func TestCrossAttnRequiresKeyValuePair(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, CrossAttn: true})
	x := randn(t, 1, 1, 3, 8)
	k := randn(t, 2, 1, 2, 8)
	for _, kv := range []KeyValue{SeparateKV{Key: k}, SeparateKV{Value: k}, &SeparateKV{Key: k}} {
		_, err := b.Variant(kv)
		require.ErrorIs(t, err, ErrKeyValuePair)
		out, err := b.Forward(x, ForwardOptions{KV: kv})
		require.ErrorIs(t, err, ErrKeyValuePair)
		require.Nil(t, out)
	}
}

func TestSelfAttnBlockIgnoresKV(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2})
	b.Eval()
	x := randn(t, 1, 2, 3, 8)
	want := forward(t, b, x, ForwardOptions{})
	got := forward(t, b, x, ForwardOptions{KV: SeparateKV{Key: randn(t, 2, 2, 3, 8)}})
	require.Equal(t, want, got)
}

func TestCrossAttnDegenerateIsSelfAttnOnNormalizedQuery(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, CrossAttn: true})
	b.Eval()
	x := randn(t, 4, 2, 5, 8)
	got := forward(t, b, x, ForwardOptions{})

	q, err := b.Norm1.Forward(x)
	require.NoError(t, err)
	attn, _, err := b.Attn.Forward(q, q, q, Mask{}, Mask{})
	require.NoError(t, err)
	h, err := ops.Add(q, attn)
	require.NoError(t, err)
	n2, err := b.Norm2.Forward(h)
	require.NoError(t, err)
	mlp, err := b.MLP.Forward(n2)
	require.NoError(t, err)
	want, err := ops.Add(h, mlp)
	require.NoError(t, err)

	require.Equal(t, want.Float32(), got)
}

func TestCrossAttnCombinedMatchesSeparate(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, CrossAttn: true})
	b.Eval()
	x := randn(t, 4, 2, 5, 8)
	kv := randn(t, 5, 2, 3, 8)

	// Freshly built key and value norms are identical, so normk(kv) == normkv(kv).
	combined := forward(t, b, x, ForwardOptions{KV: CombinedKV{KV: kv}})
	separate := forward(t, b, x, ForwardOptions{KV: SeparateKV{Key: kv, Value: kv}})
	require.Equal(t, combined, separate)

	other := forward(t, b, x, ForwardOptions{KV: SeparateKV{Key: kv, Value: randn(t, 6, 2, 3, 8)}})
	require.NotEqual(t, combined, other)
}

func TestCrossAttnSeparateUsesKeyAndValueNorms(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, CrossAttn: true})
	b.Eval()
	normK, normKV, ok := b.CrossNorms()
	require.True(t, ok)
	fill(normK.(*LayerNorm).Gamma, 2)
	fill(normKV.(*LayerNorm).Gamma, 0.5)
	fill(normKV.(*LayerNorm).Beta, 0.1)

	x := randn(t, 4, 2, 5, 8)
	key := randn(t, 5, 2, 3, 8)
	value := randn(t, 6, 2, 3, 8)
	got := forward(t, b, x, ForwardOptions{KV: SeparateKV{Key: key, Value: value}})

	q, err := b.Norm1.Forward(x)
	require.NoError(t, err)
	k, err := normK.Forward(key)
	require.NoError(t, err)
	v, err := normKV.Forward(value)
	require.NoError(t, err)
	attn, _, err := b.Attn.Forward(q, k, v, Mask{}, Mask{})
	require.NoError(t, err)
	h, err := ops.Add(q, attn)
	require.NoError(t, err)
	n2, err := b.Norm2.Forward(h)
	require.NoError(t, err)
	mlp, err := b.MLP.Forward(n2)
	require.NoError(t, err)
	want, err := ops.Add(h, mlp)
	require.NoError(t, err)
	require.Equal(t, want.Float32(), got)

	// With distinct norms a combined kv no longer matches the separate pair.
	combined := forward(t, b, x, ForwardOptions{KV: CombinedKV{KV: key}})
	separate := forward(t, b, x, ForwardOptions{KV: SeparateKV{Key: key, Value: key}})
	require.NotEqual(t, combined, separate)
}

func TestCrossNorms(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, CrossAttn: true, KDim: 6, VDim: 4})
	normK, normKV, ok := b.CrossNorms()
	require.True(t, ok)
	require.Equal(t, 6, normK.(*LayerNorm).Gamma.NumElements())
	require.Equal(t, 4, normKV.(*LayerNorm).Gamma.NumElements())
	require.Equal(t, 6, b.Attn.KDim)
	require.Equal(t, 4, b.Attn.VDim)

	_, _, ok = newBlock(t, BlockConfig{Dim: 8, NumHeads: 2}).CrossNorms()
	require.False(t, ok)
}

func TestBlockShapeErrorsPropagate(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, CrossAttn: true, KDim: 6})
	_, err := b.Forward(randn(t, 1, 2, 3, 7), ForwardOptions{})
	require.ErrorIs(t, err, core.ErrShapeMismatch)

	// The degenerate case feeds Dim-wide keys into a KDim-wide projection.
	_, err = b.Forward(randn(t, 1, 2, 3, 8), ForwardOptions{})
	require.ErrorIs(t, err, core.ErrShapeMismatch)
}

func TestBlockConfigDefaults(t *testing.T) {
	b := newBlock(t, BlockConfig{Dim: 8, NumHeads: 2})
	cfg := b.Config()
	require.Equal(t, 4.0, cfg.MLPRatio)
	require.Equal(t, 8, cfg.KDim)
	require.Equal(t, 8, cfg.VDim)
	require.Equal(t, 32, b.MLP.FC1.OutSize)
	require.IsType(t, &LayerNorm{}, b.Norm1)

	// A ratio that truncates to zero falls back to the input width.
	b = newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, MLPRatio: 0.1})
	require.Equal(t, 8, b.MLP.FC1.OutSize)

	b = newBlock(t, BlockConfig{Dim: 8, NumHeads: 2, Norm: RMSNormFactory(0), Act: SiLU})
	require.IsType(t, &RMSNorm{}, b.Norm2)
	require.Equal(t, SiLU, b.MLP.Act)
}

func TestBlockInvalidConfig(t *testing.T) {
	for _, cfg := range []BlockConfig{
		{},
		{Dim: 8, NumHeads: 3},
		{Dim: 8, NumHeads: 2, MLPRatio: -1},
		{Dim: 8, NumHeads: 2, DropPath: 2},
		{Dim: 8, NumHeads: 2, AttnDrop: -1},
		{Dim: 8, NumHeads: 2, KDim: -4},
	} {
		_, err := NewTransformerBlock(cfg)
		require.ErrorIs(t, err, ErrInvalidConfig, "%+v", cfg)
	}
}
