package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/djeday123/transblock/core"
	"github.com/djeday123/transblock/ops"
	"github.com/djeday123/transblock/tensor"
)

// AttentionConfig configures a MultiheadAttention. KDim and VDim default to EmbedDim.
type AttentionConfig struct {
	EmbedDim int
	NumHeads int
	// Dropout is applied to the attention weights while training.
	Dropout float64
	// AddBiasKV appends a learned row to the projected keys and values.
	AddBiasKV  bool
	KDim, VDim int

	Source rand.Source
}

// MultiheadAttention is batch-first multi-head attention with separate
// query, key and value input widths.
type MultiheadAttention struct {
	EmbedDim int
	NumHeads int
	HeadDim  int
	KDim     int
	VDim     int

	QProj   *Linear // EmbedDim -> EmbedDim
	KProj   *Linear // KDim -> EmbedDim
	VProj   *Linear // VDim -> EmbedDim
	OutProj *Linear
	BiasK   *tensor.Tensor // [1, 1, EmbedDim], nil unless AddBiasKV
	BiasV   *tensor.Tensor

	dropout  float64
	src      rand.Source
	training bool
}

// NewMultiheadAttention builds attention initialized the way PyTorch does:
// xavier-uniform input projections with zero bias, a uniform output projection
// with zero bias and xavier-normal bias_k/bias_v.
func NewMultiheadAttention(cfg AttentionConfig) (*MultiheadAttention, error) {
	e, h := cfg.EmbedDim, cfg.NumHeads
	if e <= 0 || h <= 0 || e%h != 0 {
		return nil, fmt.Errorf("attention: embed dim %d must be a positive multiple of %d heads: %w", e, h, ErrInvalidConfig)
	}
	if err := checkProb("attention dropout", cfg.Dropout); err != nil {
		return nil, err
	}
	kdim, vdim := cfg.KDim, cfg.VDim
	if kdim == 0 {
		kdim = e
	}
	if vdim == 0 {
		vdim = e
	}
	if kdim < 0 || vdim < 0 {
		return nil, fmt.Errorf("attention: kdim %d vdim %d: %w", kdim, vdim, ErrInvalidConfig)
	}
	src := cfg.Source
	if src == nil {
		src = defaultSource()
	}

	// With equal widths PyTorch packs q/k/v into one [3E, E] matrix, so
	// the xavier bound is computed over the packed shape.
	xavier := func(in int) float64 { return math.Sqrt(6 / float64(e+in)) }
	qBound, kBound, vBound := xavier(e), xavier(kdim), xavier(vdim)
	if kdim == e && vdim == e {
		qBound = math.Sqrt(6 / float64(4*e))
		kBound, vBound = qBound, qBound
	}
	a := &MultiheadAttention{
		EmbedDim: e,
		NumHeads: h,
		HeadDim:  e / h,
		KDim:     kdim,
		VDim:     vdim,
		dropout:  cfg.Dropout,
		src:      src,
		training: true,
	}
	var err error
	if a.QProj, err = newProjection(src, qBound, e, e); err != nil {
		return nil, err
	}
	if a.KProj, err = newProjection(src, kBound, kdim, e); err != nil {
		return nil, err
	}
	if a.VProj, err = newProjection(src, vBound, vdim, e); err != nil {
		return nil, err
	}
	if a.OutProj, err = newLinearInit(src, e, e); err != nil {
		return nil, err
	}
	if a.OutProj.Bias, err = tensor.Zeros(e); err != nil {
		return nil, err
	}
	a.OutProj.Bias.RequiresGrad = true
	if cfg.AddBiasKV {
		std := math.Sqrt(1 / float64(e))
		if a.BiasK, err = tensor.Normal(src, 0, std, 1, 1, e); err != nil {
			return nil, err
		}
		if a.BiasV, err = tensor.Normal(src, 0, std, 1, 1, e); err != nil {
			return nil, err
		}
		a.BiasK.RequiresGrad, a.BiasV.RequiresGrad = true, true
	}
	return a, nil
}

func newProjection(src rand.Source, bound float64, in, out int) (*Linear, error) {
	w, err := tensor.Uniform(src, -bound, bound, out, in)
	if err != nil {
		return nil, err
	}
	b, err := tensor.Zeros(out)
	if err != nil {
		return nil, err
	}
	w.RequiresGrad, b.RequiresGrad = true, true
	return NewLinear(in, out, w, b)
}

// Forward attends query [B, L, EmbedDim] over key [B, S, KDim] and value
// [B, S, VDim]. It returns the output [B, L, EmbedDim] and the attention
// weights averaged over heads, [B, L, S] (S+1 with AddBiasKV).
//
// A query row whose keys are all masked gets zero weights and a zero
// attention output.
func (a *MultiheadAttention) Forward(query, key, value *tensor.Tensor, mask, keyPaddingMask Mask) (out, weights *tensor.Tensor, err error) {
	if query.Rank() != 3 || key.Rank() != 3 || value.Rank() != 3 {
		return nil, nil, fmt.Errorf("attention: want [batch, seq, dim] inputs, got %v %v %v: %w", query.Shape, key.Shape, value.Shape, core.ErrShapeMismatch)
	}
	batch, qLen, kvLen := query.Shape[0], query.Shape[1], key.Shape[1]
	if key.Shape[0] != batch || value.Shape[0] != batch || value.Shape[1] != kvLen {
		return nil, nil, fmt.Errorf("attention: key %v and value %v do not pair with query %v: %w", key.Shape, value.Shape, query.Shape, core.ErrShapeMismatch)
	}

	q, err := a.QProj.Forward(query)
	if err != nil {
		return nil, nil, fmt.Errorf("query projection: %w", err)
	}
	k, err := a.KProj.Forward(key)
	if err != nil {
		return nil, nil, fmt.Errorf("key projection: %w", err)
	}
	v, err := a.VProj.Forward(value)
	if err != nil {
		return nil, nil, fmt.Errorf("value projection: %w", err)
	}
	if a.BiasK != nil {
		if k, err = appendRow(k, a.BiasK); err != nil {
			return nil, nil, err
		}
		if v, err = appendRow(v, a.BiasV); err != nil {
			return nil, nil, err
		}
	}
	total := k.Shape[1]

	qh, err := ops.SplitHeads(q, a.NumHeads)
	if err != nil {
		return nil, nil, err
	}
	kh, err := ops.SplitHeads(k, a.NumHeads)
	if err != nil {
		return nil, nil, err
	}
	vh, err := ops.SplitHeads(v, a.NumHeads)
	if err != nil {
		return nil, nil, err
	}
	bias, err := scoreBias(mask, keyPaddingMask, batch, a.NumHeads, qLen, kvLen, total)
	if err != nil {
		return nil, nil, err
	}
	keep, err := a.keepMask(batch, qLen, total)
	if err != nil {
		return nil, nil, err
	}

	attended, w, err := ops.ScaledDotProductAttention(qh, kh, vh, bias, keep)
	if err != nil {
		return nil, nil, err
	}
	merged, err := ops.MergeHeads(attended)
	if err != nil {
		return nil, nil, err
	}
	if out, err = a.OutProj.Forward(merged); err != nil {
		return nil, nil, err
	}
	if weights, err = ops.Mean(w, 1); err != nil {
		return nil, nil, err
	}
	return out, weights, nil
}

// keepMask returns the dropout multipliers for the attention weights, or
// nil when dropout is inactive.
func (a *MultiheadAttention) keepMask(batch, qLen, total int) (*tensor.Tensor, error) {
	switch {
	case !a.training || a.dropout == 0:
		return nil, nil
	case a.dropout >= 1:
		return tensor.Zeros(batch, a.NumHeads, qLen, total)
	}
	return ops.KeepMask(a.src, a.dropout, batch, a.NumHeads, qLen, total)
}

// appendRow adds row [1, 1, E] after the last position of x [B, S, E].
func appendRow(x, row *tensor.Tensor) (*tensor.Tensor, error) {
	r, err := ops.BroadcastTo(row, x.Shape[0], 1, x.Shape[2])
	if err != nil {
		return nil, err
	}
	return ops.Concat(x, r, 1)
}

func (a *MultiheadAttention) Train()         { a.training = true }
func (a *MultiheadAttention) Eval()          { a.training = false }
func (a *MultiheadAttention) Training() bool { return a.training }

func (a *MultiheadAttention) namedParameters(prefix string, params *StateDict) {
	register(params, prefix, "q_proj_weight", a.QProj.Weight)
	register(params, prefix, "k_proj_weight", a.KProj.Weight)
	register(params, prefix, "v_proj_weight", a.VProj.Weight)
	register(params, prefix, "q_proj_bias", a.QProj.Bias)
	register(params, prefix, "k_proj_bias", a.KProj.Bias)
	register(params, prefix, "v_proj_bias", a.VProj.Bias)
	register(params, prefix, "bias_k", a.BiasK)
	register(params, prefix, "bias_v", a.BiasV)
	a.OutProj.namedParameters(prefix+"out_proj.", params)
}

func (a *MultiheadAttention) setTraining(on bool) { a.training = on }
