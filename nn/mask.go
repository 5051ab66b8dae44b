package nn

import (
	"fmt"
	"math"

	"github.com/djeday123/transblock/core"
	"github.com/djeday123/transblock/tensor"
)

type maskKind uint8

const (
	maskAbsent maskKind = iota
	maskBool
	maskAdditive
)

// Mask is an optional attention mask. The zero value is no mask.
type Mask struct {
	kind maskKind
	t    *tensor.Tensor
}

// BoolMask blocks every position where t is nonzero. A nil t is no mask.
func BoolMask(t *tensor.Tensor) Mask {
	if t == nil {
		return Mask{}
	}
	return Mask{kind: maskBool, t: t}
}

// AdditiveMask adds t to the attention scores. A nil t is no mask.
func AdditiveMask(t *tensor.Tensor) Mask {
	if t == nil {
		return Mask{}
	}
	return Mask{kind: maskAdditive, t: t}
}

// CausalMask returns an [n, n] bool mask that stops query i from attending to any key j > i.
func CausalMask(n int) (Mask, error) {
	if n < 1 {
		return Mask{}, fmt.Errorf("causal mask of size %d: %w", n, core.ErrShapeMismatch)
	}
	data := make([]float32, n*n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			data[i*n+j] = 1
		}
	}
	t, err := tensor.FromFloat32(data, n, n)
	if err != nil {
		return Mask{}, err
	}
	return BoolMask(t), nil
}

// Present reports whether m holds a tensor.
func (m Mask) Present() bool { return m.kind != maskAbsent }

// Tensor returns the mask tensor, or nil when absent.
func (m Mask) Tensor() *tensor.Tensor { return m.t }

func (m Mask) String() string {
	switch m.kind {
	case maskBool:
		return fmt.Sprintf("bool%v", m.t.Shape)
	case maskAdditive:
		return fmt.Sprintf("additive%v", m.t.Shape)
	}
	return "none"
}

// scores returns the additive form of m: blocked bool entries become -inf.
func (m Mask) scores() ([]float32, error) {
	vals, err := m.t.Values()
	if err != nil {
		return nil, err
	}
	if m.kind == maskBool {
		negInf := float32(math.Inf(-1))
		for i, v := range vals {
			if v != 0 {
				vals[i] = negInf
			} else {
				vals[i] = 0
			}
		}
	}
	return vals, nil
}

// scoreBias folds an attention mask ([L, S] or [B*H, L, S]) and a key padding
// mask ([B, S]) into one additive term [B, H, L, total]. Keys at positions
// S..total-1 (the appended bias_k row) are never masked. Returns nil when
// both masks are absent.
func scoreBias(mask, keyPadding Mask, batch, heads, qLen, kvLen, total int) (*tensor.Tensor, error) {
	if !mask.Present() && !keyPadding.Present() {
		return nil, nil
	}
	bias := make([]float32, batch*heads*qLen*total)
	if mask.Present() {
		perHead := false
		switch shape := mask.t.Shape; {
		case shape.Equal(core.Shape{qLen, kvLen}):
		case shape.Equal(core.Shape{batch * heads, qLen, kvLen}):
			perHead = true
		default:
			return nil, fmt.Errorf("attention mask %v, want [%d %d] or [%d %d %d]: %w",
				shape, qLen, kvLen, batch*heads, qLen, kvLen, core.ErrShapeMismatch)
		}
		m, err := mask.scores()
		if err != nil {
			return nil, err
		}
		for bh := 0; bh < batch*heads; bh++ {
			src := m
			if perHead {
				src = m[bh*qLen*kvLen : (bh+1)*qLen*kvLen]
			}
			for i := 0; i < qLen; i++ {
				row := bias[(bh*qLen+i)*total:]
				for j := 0; j < kvLen; j++ {
					row[j] += src[i*kvLen+j]
				}
			}
		}
	}
	if keyPadding.Present() {
		if !keyPadding.t.Shape.Equal(core.Shape{batch, kvLen}) {
			return nil, fmt.Errorf("key padding mask %v, want [%d %d]: %w", keyPadding.t.Shape, batch, kvLen, core.ErrShapeMismatch)
		}
		kp, err := keyPadding.scores()
		if err != nil {
			return nil, err
		}
		for b := 0; b < batch; b++ {
			for h := 0; h < heads; h++ {
				for i := 0; i < qLen; i++ {
					row := bias[((b*heads+h)*qLen+i)*total:]
					for j := 0; j < kvLen; j++ {
						row[j] += kp[b*kvLen+j]
					}
				}
			}
		}
	}
	return tensor.FromFloat32(bias, batch, heads, qLen, total)
}
