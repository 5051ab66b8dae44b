package ops

import (
	"fmt"

	"github.com/djeday123/transblock/backend"
	"github.com/djeday123/transblock/core"
	"github.com/djeday123/transblock/tensor"
)

// SplitHeads reshapes [B, S, H*D] into [B, H, S, D].
func SplitHeads(x *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	if x.Rank() != 3 || heads <= 0 || x.Shape[2]%heads != 0 {
		return nil, fmt.Errorf("split %v into %d heads: %w", x.Shape, heads, core.ErrShapeMismatch)
	}
	x, err := f32(x)
	if err != nil {
		return nil, err
	}
	b, s, d := x.Shape[0], x.Shape[1], x.Shape[2]/heads
	be, out, err := alloc(x, core.Shape{b, heads, s, d})
	if err != nil {
		return nil, err
	}
	if err := be.SwapAxes12(out.Storage, x.Storage, b, s, heads, d); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeHeads is the inverse of SplitHeads: [B, H, S, D] to [B, S, H*D].
func MergeHeads(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("merge heads of %v: %w", x.Shape, core.ErrShapeMismatch)
	}
	x, err := f32(x)
	if err != nil {
		return nil, err
	}
	b, h, s, d := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	be, out, err := alloc(x, core.Shape{b, s, h * d})
	if err != nil {
		return nil, err
	}
	if err := be.SwapAxes12(out.Storage, x.Storage, b, h, s, d); err != nil {
		return nil, err
	}
	return out, nil
}

// ScaledDotProductAttention attends q [B, H, L, D] over k, v [B, H, S, D].
// bias is an optional additive term and keep optional dropout multipliers,
// both [B, H, L, S]. It returns the attended values [B, H, L, D] and the
// attention weights [B, H, L, S] after dropout.
func ScaledDotProductAttention(q, k, v, bias, keep *tensor.Tensor) (out, weights *tensor.Tensor, err error) {
	if q.Rank() != 4 || k.Rank() != 4 || !k.Shape.Equal(v.Shape) {
		return nil, nil, fmt.Errorf("attention q %v k %v v %v: %w", q.Shape, k.Shape, v.Shape, core.ErrShapeMismatch)
	}
	b, h, l, d := q.Shape[0], q.Shape[1], q.Shape[2], q.Shape[3]
	s := k.Shape[2]
	if k.Shape[0] != b || k.Shape[1] != h || k.Shape[3] != d {
		return nil, nil, fmt.Errorf("attention q %v k %v: %w", q.Shape, k.Shape, core.ErrShapeMismatch)
	}
	scoreShape := core.Shape{b, h, l, s}
	operands := []*tensor.Tensor{q, k, v}
	for _, t := range []*tensor.Tensor{bias, keep} {
		if t != nil && !t.Shape.Equal(scoreShape) {
			return nil, nil, fmt.Errorf("attention term %v, want %v: %w", t.Shape, scoreShape, core.ErrShapeMismatch)
		}
	}
	for i, t := range operands {
		if operands[i], err = f32(t); err != nil {
			return nil, nil, err
		}
	}
	var biasS, keepS backend.Storage
	if bias != nil {
		if bias, err = f32(bias); err != nil {
			return nil, nil, err
		}
		biasS = bias.Storage
	}
	if keep != nil {
		if keep, err = f32(keep); err != nil {
			return nil, nil, err
		}
		keepS = keep.Storage
	}
	be, out, err := alloc(q, q.Shape)
	if err != nil {
		return nil, nil, err
	}
	_, weights, err = alloc(q, scoreShape)
	if err != nil {
		return nil, nil, err
	}
	err = be.ScaledDotProductAttention(out.Storage, weights.Storage,
		operands[0].Storage, operands[1].Storage, operands[2].Storage, biasS, keepS, b, h, l, s, d)
	if err != nil {
		return nil, nil, err
	}
	return out, weights, nil
}
