package nn

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/exp/rand"

	"github.com/djeday123/transblock/core"
	"github.com/djeday123/transblock/envconfig"
	"github.com/djeday123/transblock/tensor"
)

var (
	// ErrInvalidConfig is returned by constructors for malformed configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrKeyValuePair is returned when exactly one of key and value is supplied.
	ErrKeyValuePair = errors.New("key and value must be given together")

	ErrMissingParameter    = errors.New("missing parameter")
	ErrUnexpectedParameter = errors.New("unexpected parameter")
)

// StateDict maps parameter names to tensors in registration order.
type StateDict = orderedmap.OrderedMap[string, *tensor.Tensor]

// NewStateDict returns an empty StateDict.
func NewStateDict() *StateDict {
	return orderedmap.New[string, *tensor.Tensor]()
}

// Module is implemented by every layer in this package.
type Module interface {
	namedParameters(prefix string, params *StateDict)
	setTraining(on bool)
}

// Parameters returns the module's tensors keyed by dotted name
// (e.g. "attn.out_proj.weight"). The tensors are shared, not copied.
func Parameters(m Module) *StateDict {
	params := NewStateDict()
	m.namedParameters("", params)
	return params
}

// NumParameters counts parameter elements.
func NumParameters(m Module) int {
	var n int
	for pair := Parameters(m).Oldest(); pair != nil; pair = pair.Next() {
		n += pair.Value.NumElements()
	}
	return n
}

// LoadStateDict copies values from sd into the parameters of m by name.
// Packed PyTorch "in_proj_weight" and "in_proj_bias" entries are split into
// their query, key and value thirds. Missing and unexpected names fail in
// strict mode and are logged otherwise. Shapes must match exactly.
func LoadStateDict(m Module, sd *StateDict, strict bool) error {
	sd, err := unpackInProj(sd)
	if err != nil {
		return err
	}
	own := Parameters(m)
	for pair := own.Oldest(); pair != nil; pair = pair.Next() {
		src, ok := sd.Get(pair.Key)
		if !ok {
			if strict {
				return fmt.Errorf("%q: %w", pair.Key, ErrMissingParameter)
			}
			slog.Warn("parameter not in state dict", "name", pair.Key)
			continue
		}
		if err := assign(pair.Value, src); err != nil {
			return fmt.Errorf("%q: %w", pair.Key, err)
		}
	}
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := own.Get(pair.Key); ok {
			continue
		}
		if strict {
			return fmt.Errorf("%q: %w", pair.Key, ErrUnexpectedParameter)
		}
		slog.Warn("ignoring unexpected parameter", "name", pair.Key)
	}
	return nil
}

// assign copies src into dst, converting to dst's dtype.
func assign(dst, src *tensor.Tensor) error {
	if !dst.Shape.Equal(src.Shape) {
		return fmt.Errorf("shape %v, want %v: %w", src.Shape, dst.Shape, core.ErrShapeMismatch)
	}
	vals, err := src.Values()
	if err != nil {
		return err
	}
	b, err := core.EncodeFloat32(dst.DType, vals)
	if err != nil {
		return err
	}
	copy(dst.Storage.Bytes(), b)
	return nil
}

// unpackInProj returns sd with packed in-projection entries replaced by
// per-stream q/k/v entries.
func unpackInProj(sd *StateDict) (*StateDict, error) {
	out := NewStateDict()
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		prefix, kind, packed := strings.Cut(pair.Key, "in_proj_")
		if !packed || (kind != "weight" && kind != "bias") {
			out.Set(pair.Key, pair.Value)
			continue
		}
		parts, err := chunk3(pair.Value)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pair.Key, err)
		}
		for i, stream := range []string{"q", "k", "v"} {
			out.Set(prefix+stream+"_proj_"+kind, parts[i])
		}
	}
	return out, nil
}

// chunk3 splits t into three equal parts along its first axis.
func chunk3(t *tensor.Tensor) ([3]*tensor.Tensor, error) {
	var parts [3]*tensor.Tensor
	if t.Rank() == 0 || t.Shape[0]%3 != 0 {
		return parts, fmt.Errorf("cannot split %v into thirds: %w", t.Shape, core.ErrShapeMismatch)
	}
	vals, err := t.Values()
	if err != nil {
		return parts, err
	}
	shape := append([]int{t.Shape[0] / 3}, t.Shape[1:]...)
	n := len(vals) / 3
	for i := range parts {
		if parts[i], err = tensor.FromFloat32(vals[i*n:(i+1)*n], shape...); err != nil {
			return parts, err
		}
	}
	return parts, nil
}

// Cast converts every parameter of m to dtype in place. Forward passes
// widen the parameters back to float32 on use.
func Cast(m Module, dtype core.DType) error {
	for pair := Parameters(m).Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.DType == dtype {
			continue
		}
		t, err := pair.Value.To(dtype)
		if err != nil {
			return fmt.Errorf("cast %q: %w", pair.Key, err)
		}
		*pair.Value = *t
	}
	return nil
}

func register(params *StateDict, prefix, name string, t *tensor.Tensor) {
	if t != nil {
		params.Set(prefix+name, t)
	}
}

// defaultSource seeds from TBLOCK_SEED, or the clock when it is unset.
func defaultSource() rand.Source {
	seed := envconfig.Seed()
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.NewSource(seed)
}

func checkProb(name string, p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("%s = %v, want [0, 1]: %w", name, p, ErrInvalidConfig)
	}
	return nil
}
