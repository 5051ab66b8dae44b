package ops

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/djeday123/transblock/tensor"
)

// KeepMask samples an inverted-dropout mask: each element is 1/(1-p) with
// probability 1-p and 0 otherwise. p must be in [0, 1).
func KeepMask(src rand.Source, p float64, shape ...int) (*tensor.Tensor, error) {
	m, err := tensor.Sample(distuv.Bernoulli{P: 1 - p, Src: src}, shape...)
	if err != nil {
		return nil, err
	}
	scale := float32(1 / (1 - p))
	data := m.Float32()
	for i := range data {
		data[i] *= scale
	}
	return m, nil
}

// Dropout zeroes each element of x with probability p and rescales the
// survivors. p == 0 returns x unchanged; p >= 1 returns zeros.
func Dropout(x *tensor.Tensor, p float64, src rand.Source) (*tensor.Tensor, error) {
	switch {
	case p <= 0:
		return x, nil
	case p >= 1:
		return Scale(x, 0)
	}
	keep, err := KeepMask(src, p, x.Shape...)
	if err != nil {
		return nil, err
	}
	return Mul(x, keep)
}

// DropPath drops whole samples (stochastic depth): every element of sample i
// along the leading axis shares one keep decision.
func DropPath(x *tensor.Tensor, p float64, src rand.Source) (*tensor.Tensor, error) {
	if p <= 0 || x.Rank() == 0 {
		return x, nil
	}
	if p >= 1 {
		return Scale(x, 0)
	}
	shape := make([]int, x.Rank())
	for i := range shape {
		shape[i] = 1
	}
	shape[0] = x.Shape[0]
	keep, err := KeepMask(src, p, shape...)
	if err != nil {
		return nil, err
	}
	return Mul(x, keep)
}
