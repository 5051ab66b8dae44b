package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/djeday123/transblock/ops"
	"github.com/djeday123/transblock/tensor"
)

// Linear is y = x @ W^T + bias. W is [OutSize, InSize], bias [OutSize] or nil.
type Linear struct {
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor
	InSize  int
	OutSize int
}

// NewLinear wraps existing tensors. bias may be nil.
func NewLinear(inSize, outSize int, weight, bias *tensor.Tensor) (*Linear, error) {
	if weight.NumElements() != outSize*inSize || (bias != nil && bias.NumElements() != outSize) {
		return nil, fmt.Errorf("linear: weight must be [%d,%d], bias [%d]: %w", outSize, inSize, outSize, ErrInvalidConfig)
	}
	return &Linear{Weight: weight, Bias: bias, InSize: inSize, OutSize: outSize}, nil
}

// newLinearInit draws W and bias from U(-1/sqrt(in), 1/sqrt(in)), the
// PyTorch nn.Linear default.
func newLinearInit(src rand.Source, inSize, outSize int) (*Linear, error) {
	if inSize <= 0 || outSize <= 0 {
		return nil, fmt.Errorf("linear: sizes %d -> %d: %w", inSize, outSize, ErrInvalidConfig)
	}
	bound := 1 / math.Sqrt(float64(inSize))
	w, err := tensor.Uniform(src, -bound, bound, outSize, inSize)
	if err != nil {
		return nil, err
	}
	b, err := tensor.Uniform(src, -bound, bound, outSize)
	if err != nil {
		return nil, err
	}
	w.RequiresGrad, b.RequiresGrad = true, true
	return NewLinear(inSize, outSize, w, b)
}

// Forward maps [..., InSize] to [..., OutSize].
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) namedParameters(prefix string, params *StateDict) {
	register(params, prefix, "weight", l.Weight)
	register(params, prefix, "bias", l.Bias)
}

func (l *Linear) setTraining(bool) {}
