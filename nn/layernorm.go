package nn

import (
	"fmt"

	"github.com/djeday123/transblock/ops"
	"github.com/djeday123/transblock/tensor"
)

// Norm is a normalization layer over the last axis.
type Norm interface {
	Module
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// NormFactory builds a Norm for a feature width.
type NormFactory func(dim int) (Norm, error)

// LayerNorm normalizes over the last dimension: (x - mean) / sqrt(var + eps) * gamma + beta.
type LayerNorm struct {
	Gamma *tensor.Tensor // same size as last dim
	Beta  *tensor.Tensor
	Eps   float32
}

// NewLayerNorm creates a LayerNorm with learnable gamma and beta.
func NewLayerNorm(gamma, beta *tensor.Tensor, eps float32) *LayerNorm {
	if eps == 0 {
		eps = 1e-5
	}
	return &LayerNorm{Gamma: gamma, Beta: beta, Eps: eps}
}

// LayerNormFactory returns a factory for LayerNorms with gamma 1 and beta 0.
func LayerNormFactory(eps float32) NormFactory {
	return func(dim int) (Norm, error) {
		if dim <= 0 {
			return nil, fmt.Errorf("layernorm: dim %d: %w", dim, ErrInvalidConfig)
		}
		gamma, err := tensor.Ones(dim)
		if err != nil {
			return nil, err
		}
		beta, err := tensor.Zeros(dim)
		if err != nil {
			return nil, err
		}
		gamma.RequiresGrad, beta.RequiresGrad = true, true
		return NewLayerNorm(gamma, beta, eps), nil
	}
}

// Forward applies layer normalization.
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.LayerNorm(x, ln.Gamma, ln.Beta, ln.Eps)
}

func (ln *LayerNorm) namedParameters(prefix string, params *StateDict) {
	register(params, prefix, "weight", ln.Gamma)
	register(params, prefix, "bias", ln.Beta)
}

func (ln *LayerNorm) setTraining(bool) {}

// RMSNorm scales by the reciprocal root mean square; it has no bias.
type RMSNorm struct {
	Gamma *tensor.Tensor
	Eps   float32
}

// RMSNormFactory returns a factory for RMSNorms with gamma 1.
func RMSNormFactory(eps float32) NormFactory {
	if eps == 0 {
		eps = 1e-6
	}
	return func(dim int) (Norm, error) {
		if dim <= 0 {
			return nil, fmt.Errorf("rmsnorm: dim %d: %w", dim, ErrInvalidConfig)
		}
		gamma, err := tensor.Ones(dim)
		if err != nil {
			return nil, err
		}
		gamma.RequiresGrad = true
		return &RMSNorm{Gamma: gamma, Eps: eps}, nil
	}
}

func (n *RMSNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.RMSNorm(x, n.Gamma, n.Eps)
}

func (n *RMSNorm) namedParameters(prefix string, params *StateDict) {
	register(params, prefix, "weight", n.Gamma)
}

func (n *RMSNorm) setTraining(bool) {}
