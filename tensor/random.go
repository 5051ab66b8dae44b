package tensor

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/djeday123/transblock/backend"
)

// Sampler draws one value per call. The gonum distuv distributions satisfy it.
type Sampler interface {
	Rand() float64
}

// Sample returns a CPU float32 tensor filled with draws from d.
func Sample(d Sampler, shape ...int) (*Tensor, error) {
	t, err := Empty(backend.CPU0, shape...)
	if err != nil {
		return nil, err
	}
	data := t.Float32()
	for i := range data {
		data[i] = float32(d.Rand())
	}
	return t, nil
}

// Uniform samples U(lo, hi).
func Uniform(src rand.Source, lo, hi float64, shape ...int) (*Tensor, error) {
	return Sample(distuv.Uniform{Min: lo, Max: hi, Src: src}, shape...)
}

// Normal samples N(mean, std^2).
func Normal(src rand.Source, mean, std float64, shape ...int) (*Tensor, error) {
	return Sample(distuv.Normal{Mu: mean, Sigma: std, Src: src}, shape...)
}
