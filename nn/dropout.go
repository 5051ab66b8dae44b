package nn

import (
	"golang.org/x/exp/rand"

	"github.com/djeday123/transblock/ops"
	"github.com/djeday123/transblock/tensor"
)

// Dropout zeroes elements with probability P while training.
type Dropout struct {
	P        float64
	src      rand.Source
	training bool
}

func newDropout(p float64, src rand.Source) *Dropout {
	return &Dropout{P: p, src: src, training: true}
}

func (d *Dropout) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training {
		return x, nil
	}
	return ops.Dropout(x, d.P, d.src)
}

func (d *Dropout) namedParameters(string, *StateDict) {}
func (d *Dropout) setTraining(on bool)                { d.training = on }

// DropPath is stochastic depth: while training it zeroes a whole sample's
// residual branch with probability P and scales kept samples by 1/(1-P).
type DropPath struct {
	P        float64
	src      rand.Source
	training bool
}

func newDropPath(p float64, src rand.Source) *DropPath {
	return &DropPath{P: p, src: src, training: true}
}

func (d *DropPath) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training {
		return x, nil
	}
	return ops.DropPath(x, d.P, d.src)
}

func (d *DropPath) namedParameters(string, *StateDict) {}
func (d *DropPath) setTraining(on bool)                { d.training = on }
