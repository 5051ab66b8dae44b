package nn

import (
	"fmt"
	"log/slog"

	"golang.org/x/exp/rand"

	"github.com/djeday123/transblock/ops"
	"github.com/djeday123/transblock/tensor"
)

// BlockConfig configures a TransformerBlock. Zero values take the defaults
// noted on each field.
type BlockConfig struct {
	Dim      int
	NumHeads int
	// MLPRatio sets the hidden width of the MLP to int(Dim*MLPRatio). Default 4.
	MLPRatio float64
	// QKVBias adds learned bias rows to the attention keys and values.
	QKVBias  bool
	Drop     float64 // MLP dropout
	AttnDrop float64 // attention weight dropout
	DropPath float64 // stochastic depth rate of both residual branches
	Act      Activation
	// Norm builds the normalization layers. Default LayerNormFactory(1e-5).
	Norm NormFactory

	// CrossAttn takes precedence over PostNorm.
	PostNorm  bool
	CrossAttn bool
	// KDim and VDim are the key and value input widths. Default Dim.
	KDim, VDim int

	// Source seeds initialization, dropout and drop path. Nil uses TBLOCK_SEED.
	Source rand.Source
}

// TransformerBlock is attention and an MLP, each wrapped in a residual
// connection with normalization and stochastic depth.
type TransformerBlock struct {
	Norm1     Norm
	Attn      *MultiheadAttention
	DropPath1 *DropPath
	Norm2     Norm
	MLP       *FeedForward
	DropPath2 *DropPath

	cfg      BlockConfig
	strategy strategy
}

// strategy is the construction-time choice of forward algorithm.
type strategy interface {
	variant(kv KeyValue) (Variant, error)
	forward(b *TransformerBlock, src *tensor.Tensor, opts ForwardOptions) (*tensor.Tensor, error)
	namedParameters(prefix string, params *StateDict)
}

// NewTransformerBlock builds and initializes a block.
func NewTransformerBlock(cfg BlockConfig) (*TransformerBlock, error) {
	if cfg.Dim <= 0 || cfg.NumHeads <= 0 || cfg.Dim%cfg.NumHeads != 0 {
		return nil, fmt.Errorf("block: dim %d must be a positive multiple of %d heads: %w", cfg.Dim, cfg.NumHeads, ErrInvalidConfig)
	}
	if cfg.MLPRatio < 0 || cfg.KDim < 0 || cfg.VDim < 0 {
		return nil, fmt.Errorf("block: mlp ratio %v, kdim %d, vdim %d: %w", cfg.MLPRatio, cfg.KDim, cfg.VDim, ErrInvalidConfig)
	}
	if err := checkProb("drop path", cfg.DropPath); err != nil {
		return nil, err
	}
	if cfg.MLPRatio == 0 {
		cfg.MLPRatio = 4
	}
	if cfg.KDim == 0 {
		cfg.KDim = cfg.Dim
	}
	if cfg.VDim == 0 {
		cfg.VDim = cfg.Dim
	}
	if cfg.Norm == nil {
		cfg.Norm = LayerNormFactory(1e-5)
	}
	if cfg.Source == nil {
		cfg.Source = defaultSource()
	}

	b := &TransformerBlock{
		cfg:       cfg,
		DropPath1: newDropPath(cfg.DropPath, cfg.Source),
		DropPath2: newDropPath(cfg.DropPath, cfg.Source),
	}
	var err error
	switch {
	case cfg.CrossAttn:
		var c crossAttention
		if c.normKV, err = cfg.Norm(cfg.VDim); err != nil {
			return nil, err
		}
		if c.normK, err = cfg.Norm(cfg.KDim); err != nil {
			return nil, err
		}
		b.strategy = c
	case cfg.PostNorm:
		b.strategy = postNorm{}
	default:
		b.strategy = preNorm{}
	}
	if b.Norm1, err = cfg.Norm(cfg.Dim); err != nil {
		return nil, err
	}
	b.Attn, err = NewMultiheadAttention(AttentionConfig{
		EmbedDim:  cfg.Dim,
		NumHeads:  cfg.NumHeads,
		Dropout:   cfg.AttnDrop,
		AddBiasKV: cfg.QKVBias,
		KDim:      cfg.KDim,
		VDim:      cfg.VDim,
		Source:    cfg.Source,
	})
	if err != nil {
		return nil, err
	}
	if b.Norm2, err = cfg.Norm(cfg.Dim); err != nil {
		return nil, err
	}
	b.MLP, err = NewFeedForward(FeedForwardConfig{
		InFeatures:     cfg.Dim,
		HiddenFeatures: int(float64(cfg.Dim) * cfg.MLPRatio),
		Act:            cfg.Act,
		Drop1:          cfg.Drop,
		Drop2:          cfg.Drop,
		Source:         cfg.Source,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("transformer block",
		"dim", cfg.Dim, "heads", cfg.NumHeads, "hidden", b.MLP.FC1.OutSize,
		"post_norm", cfg.PostNorm, "cross_attn", cfg.CrossAttn,
		"kdim", cfg.KDim, "vdim", cfg.VDim, "params", NumParameters(b))
	return b, nil
}

// Config returns the configuration with defaults filled in.
func (b *TransformerBlock) Config() BlockConfig { return b.cfg }

// Variant reports which forward algorithm a call with kv would run.
func (b *TransformerBlock) Variant(kv KeyValue) (Variant, error) {
	return b.strategy.variant(kv)
}

// CrossNorms returns the key and value stream norms of a cross-attention block.
func (b *TransformerBlock) CrossNorms() (normK, normKV Norm, ok bool) {
	c, ok := b.strategy.(crossAttention)
	if !ok {
		return nil, nil, false
	}
	return c.normK, c.normKV, true
}

// Forward runs the block on src [B, L, Dim] and returns [B, L, Dim].
func (b *TransformerBlock) Forward(src *tensor.Tensor, opts ForwardOptions) (*tensor.Tensor, error) {
	return b.strategy.forward(b, src, opts)
}

// Train enables dropout and drop path.
func (b *TransformerBlock) Train() { b.setTraining(true) }

// Eval makes the block deterministic.
func (b *TransformerBlock) Eval() { b.setTraining(false) }

func (b *TransformerBlock) Training() bool { return b.Attn.Training() }

func (b *TransformerBlock) setTraining(on bool) {
	b.Attn.setTraining(on)
	b.MLP.setTraining(on)
	b.DropPath1.setTraining(on)
	b.DropPath2.setTraining(on)
}

func (b *TransformerBlock) namedParameters(prefix string, params *StateDict) {
	b.strategy.namedParameters(prefix, params)
	b.Norm1.namedParameters(prefix+"norm1.", params)
	b.Attn.namedParameters(prefix+"attn.", params)
	b.Norm2.namedParameters(prefix+"norm2.", params)
	b.MLP.namedParameters(prefix+"mlp.", params)
}

// residual returns base + dp(branch).
func residual(base *tensor.Tensor, dp *DropPath, branch *tensor.Tensor) (*tensor.Tensor, error) {
	branch, err := dp.Forward(branch)
	if err != nil {
		return nil, err
	}
	return ops.Add(base, branch)
}

// mlpPreNorm returns x + dp2(mlp(norm2(x))).
func (b *TransformerBlock) mlpPreNorm(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := b.Norm2.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = b.MLP.Forward(h); err != nil {
		return nil, err
	}
	return residual(x, b.DropPath2, h)
}

type preNorm struct{}

func (preNorm) variant(KeyValue) (Variant, error)  { return PreNormSelf, nil }
func (preNorm) namedParameters(string, *StateDict) {}

func (preNorm) forward(b *TransformerBlock, src *tensor.Tensor, opts ForwardOptions) (*tensor.Tensor, error) {
	normed, err := b.Norm1.Forward(src)
	if err != nil {
		return nil, err
	}
	attnOut, _, err := b.Attn.Forward(normed, normed, normed, opts.Mask, opts.KeyPaddingMask)
	if err != nil {
		return nil, err
	}
	x, err := residual(src, b.DropPath1, attnOut)
	if err != nil {
		return nil, err
	}
	return b.mlpPreNorm(x)
}

type postNorm struct{}

func (postNorm) variant(KeyValue) (Variant, error)  { return PostNormSelf, nil }
func (postNorm) namedParameters(string, *StateDict) {}

func (postNorm) forward(b *TransformerBlock, src *tensor.Tensor, opts ForwardOptions) (*tensor.Tensor, error) {
	attnOut, _, err := b.Attn.Forward(src, src, src, opts.Mask, opts.KeyPaddingMask)
	if err != nil {
		return nil, err
	}
	if attnOut, err = b.Norm1.Forward(attnOut); err != nil {
		return nil, err
	}
	x, err := residual(src, b.DropPath1, attnOut)
	if err != nil {
		return nil, err
	}
	h, err := b.MLP.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = b.Norm2.Forward(h); err != nil {
		return nil, err
	}
	return residual(x, b.DropPath2, h)
}

// crossAttention owns the extra norms for the key and value streams.
type crossAttention struct {
	normK  Norm // KDim
	normKV Norm // VDim; also normalizes a combined kv
}

func (crossAttention) variant(kv KeyValue) (Variant, error) { return crossVariant(kv) }

func (c crossAttention) namedParameters(prefix string, params *StateDict) {
	c.normKV.namedParameters(prefix+"normkv.", params)
	c.normK.namedParameters(prefix+"normk.", params)
}

// forward adds the attention output to the normalized query, not to src.
func (c crossAttention) forward(b *TransformerBlock, src *tensor.Tensor, opts ForwardOptions) (*tensor.Tensor, error) {
	key, value, combined, err := unpackKV(opts.KV)
	if err != nil {
		return nil, err
	}
	q, err := b.Norm1.Forward(src)
	if err != nil {
		return nil, err
	}
	k, v := q, q
	switch {
	case key != nil:
		if k, err = c.normK.Forward(key); err != nil {
			return nil, fmt.Errorf("key norm: %w", err)
		}
		if v, err = c.normKV.Forward(value); err != nil {
			return nil, fmt.Errorf("value norm: %w", err)
		}
	case combined != nil:
		if k, err = c.normKV.Forward(combined); err != nil {
			return nil, fmt.Errorf("kv norm: %w", err)
		}
		v = k
	}
	attnOut, _, err := b.Attn.Forward(q, k, v, opts.Mask, opts.KeyPaddingMask)
	if err != nil {
		return nil, err
	}
	x, err := residual(q, b.DropPath1, attnOut)
	if err != nil {
		return nil, err
	}
	return b.mlpPreNorm(x)
}
