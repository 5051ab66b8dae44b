package nn

import (
	"fmt"
	"strings"

	"github.com/djeday123/transblock/ops"
	"github.com/djeday123/transblock/tensor"
)

// Activation selects the element-wise nonlinearity of a FeedForward.
// The zero value is GELU.
type Activation int

const (
	GELU Activation = iota // exact, erf based
	GELUTanh
	ReLU
	SiLU
	Tanh
	Sigmoid
)

var activationNames = [...]string{
	GELU:     "gelu",
	GELUTanh: "gelu_tanh",
	ReLU:     "relu",
	SiLU:     "silu",
	Tanh:     "tanh",
	Sigmoid:  "sigmoid",
}

func (a Activation) String() string {
	if a < 0 || int(a) >= len(activationNames) {
		return fmt.Sprintf("activation(%d)", int(a))
	}
	return activationNames[a]
}

// ActivationByName resolves names such as "gelu" or "silu". Matching is case-insensitive.
func ActivationByName(name string) (Activation, error) {
	for i, n := range activationNames {
		if strings.EqualFold(n, name) {
			return Activation(i), nil
		}
	}
	return 0, fmt.Errorf("unknown activation %q: %w", name, ErrInvalidConfig)
}

// Forward applies the activation.
func (a Activation) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	switch a {
	case GELU:
		return ops.Gelu(x)
	case GELUTanh:
		return ops.GeluTanh(x)
	case ReLU:
		return ops.Relu(x)
	case SiLU:
		return ops.Silu(x)
	case Tanh:
		return ops.Tanh(x)
	case Sigmoid:
		return ops.Sigmoid(x)
	}
	return nil, fmt.Errorf("%v: %w", a, ErrInvalidConfig)
}
