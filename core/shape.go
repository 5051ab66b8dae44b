package core

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrShapeMismatch is wrapped by every error caused by incompatible tensor shapes.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnsupportedDType is returned for conversions a dtype cannot take part in.
	ErrUnsupportedDType = errors.New("unsupported dtype")
)

// Shape is the dimension sizes of a tensor, e.g. [2, 3, 4].
type Shape []int

// Strides are byte offsets per axis (row-major).
type Strides []int

// ContiguousStrides computes row-major strides for a shape.
// Last axis stride = elemSize; strides[i] = strides[i+1] * shape[i+1].
func ContiguousStrides(shape Shape, elemSize uintptr) Strides {
	if len(shape) == 0 {
		return nil
	}
	strides := make(Strides, len(shape))
	strides[len(shape)-1] = int(elemSize)
	for i := len(shape) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * shape[i+1]
	}
	return strides
}

// NumElements returns the total number of elements (product of dimensions).
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		if d <= 0 {
			return 0
		}
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same rank and dimensions.
func (s Shape) Equal(o Shape) bool {
	return slices.Equal(s, o)
}

// Last returns the size of the innermost axis, or 0 for a rank-0 shape.
func (s Shape) Last() int {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// WithLast returns a copy of s with the innermost axis replaced by n.
func (s Shape) WithLast(n int) Shape {
	out := slices.Clone(s)
	if len(out) > 0 {
		out[len(out)-1] = n
	}
	return out
}

// BroadcastShapes applies NumPy-style broadcasting: pad shorter with 1s on the left,
// then compare right-to-left; equal dims stay, one is 1 -> expand to other, else error.
func BroadcastShapes(a, b Shape) (Shape, error) {
	na, nb := len(a), len(b)
	maxLen := max(na, nb)
	out := make(Shape, maxLen)
	for i := 0; i < maxLen; i++ {
		da, db := 1, 1
		if i >= maxLen-na {
			da = a[i-(maxLen-na)]
		}
		if i >= maxLen-nb {
			db = b[i-(maxLen-nb)]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("broadcast %v and %v: %w", a, b, ErrShapeMismatch)
		}
	}
	return out, nil
}
