package ops

import (
	"fmt"

	"github.com/djeday123/transblock/backend"
	"github.com/djeday123/transblock/core"
	"github.com/djeday123/transblock/tensor"
)

// f32 returns x as a contiguous float32 tensor, widening half-precision
// parameters on the fly.
func f32(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.DType != core.Float32 {
		return x.To(core.Float32)
	}
	if !x.Contiguous() {
		return nil, fmt.Errorf("non-contiguous %v: %w", x.Shape, backend.ErrUnsupported)
	}
	return x, nil
}

// alloc returns the backend of x and a fresh float32 tensor of the given shape on the same device.
func alloc(x *tensor.Tensor, shape core.Shape) (backend.Backend, *tensor.Tensor, error) {
	be, err := backend.GetForDevice(x.Storage.Device())
	if err != nil {
		return nil, nil, err
	}
	storage, err := be.Alloc(shape.NumElements() * 4)
	if err != nil {
		return nil, nil, err
	}
	return be, tensor.New(storage, shape, nil, core.Float32), nil
}

func binaryOp(name string, a, b *tensor.Tensor, kernel func(be backend.Backend, dst, a, b backend.Storage, aShape, bShape, outShape core.Shape) error) (*tensor.Tensor, error) {
	a, err := f32(a)
	if err != nil {
		return nil, err
	}
	b, err = f32(b)
	if err != nil {
		return nil, err
	}
	outShape, err := core.BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	be, out, err := alloc(a, outShape)
	if err != nil {
		return nil, err
	}
	if err := kernel(be, out.Storage, a.Storage, b.Storage, a.Shape, b.Shape, outShape); err != nil {
		out.Storage.Free()
		return nil, err
	}
	return out, nil
}

// Add returns a + b with broadcasting.
func Add(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return binaryOp("add", a, b, func(be backend.Backend, dst, a, b backend.Storage, as, bs, os core.Shape) error {
		return be.Add(dst, a, b, as, bs, os)
	})
}

// Mul returns a * b (element-wise with broadcast).
func Mul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return binaryOp("mul", a, b, func(be backend.Backend, dst, a, b backend.Storage, as, bs, os core.Shape) error {
		return be.Mul(dst, a, b, as, bs, os)
	})
}

// Scale returns alpha * x.
func Scale(x *tensor.Tensor, alpha float32) (*tensor.Tensor, error) {
	return unaryOp(x, func(be backend.Backend, dst, src backend.Storage, n int) error {
		return be.Scale(dst, src, n, alpha)
	})
}

// BroadcastTo materialises x expanded to shape.
func BroadcastTo(x *tensor.Tensor, shape ...int) (*tensor.Tensor, error) {
	x, err := f32(x)
	if err != nil {
		return nil, err
	}
	out, err := core.BroadcastShapes(x.Shape, shape)
	if err != nil || !out.Equal(shape) {
		return nil, fmt.Errorf("broadcast %v to %v: %w", x.Shape, shape, core.ErrShapeMismatch)
	}
	be, dst, err := alloc(x, out)
	if err != nil {
		return nil, err
	}
	n := out.NumElements()
	if err := be.Fill(dst.Storage, n, 0); err != nil {
		return nil, err
	}
	if err := be.Add(dst.Storage, dst.Storage, x.Storage, out, x.Shape, out); err != nil {
		return nil, err
	}
	return dst, nil
}

// Linear computes x @ w^T + bias. x: [..., in], w: [out, in], bias: [out] or nil.
func Linear(x, w, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("linear: weight must be 2D, got %v: %w", w.Shape, core.ErrShapeMismatch)
	}
	outSize, inSize := w.Shape[0], w.Shape[1]
	if x.Rank() == 0 || x.Shape.Last() != inSize {
		return nil, fmt.Errorf("linear: input %v does not end in %d: %w", x.Shape, inSize, core.ErrShapeMismatch)
	}
	x, err := f32(x)
	if err != nil {
		return nil, err
	}
	w, err = f32(w)
	if err != nil {
		return nil, err
	}
	rows := x.NumElements() / inSize
	be, out, err := alloc(x, x.Shape.WithLast(outSize))
	if err != nil {
		return nil, err
	}
	if err := be.MatMul(out.Storage, x.Storage, w.Storage, 1, rows, outSize, inSize, true); err != nil {
		out.Storage.Free()
		return nil, err
	}
	if bias == nil {
		return out, nil
	}
	if bias.NumElements() != outSize {
		return nil, fmt.Errorf("linear: bias %v, want [%d]: %w", bias.Shape, outSize, core.ErrShapeMismatch)
	}
	bias, err = f32(bias)
	if err != nil {
		return nil, err
	}
	if err := be.Add(out.Storage, out.Storage, bias.Storage, out.Shape, core.Shape{outSize}, out.Shape); err != nil {
		return nil, err
	}
	return out, nil
}

func unaryOp(x *tensor.Tensor, kernel func(be backend.Backend, dst, src backend.Storage, n int) error) (*tensor.Tensor, error) {
	x, err := f32(x)
	if err != nil {
		return nil, err
	}
	be, out, err := alloc(x, x.Shape)
	if err != nil {
		return nil, err
	}
	if err := kernel(be, out.Storage, x.Storage, x.NumElements()); err != nil {
		out.Storage.Free()
		return nil, err
	}
	return out, nil
}

// Gelu is the exact (erf) GELU.
func Gelu(x *tensor.Tensor) (*tensor.Tensor, error) {
	return unaryOp(x, backend.Backend.Gelu)
}

// GeluTanh is the tanh approximation of GELU.
func GeluTanh(x *tensor.Tensor) (*tensor.Tensor, error) {
	return unaryOp(x, backend.Backend.GeluTanh)
}

// Relu returns max(0, x).
func Relu(x *tensor.Tensor) (*tensor.Tensor, error) {
	return unaryOp(x, backend.Backend.Relu)
}

func Silu(x *tensor.Tensor) (*tensor.Tensor, error) {
	return unaryOp(x, backend.Backend.Silu)
}

func Sigmoid(x *tensor.Tensor) (*tensor.Tensor, error) {
	return unaryOp(x, backend.Backend.Sigmoid)
}

func Tanh(x *tensor.Tensor) (*tensor.Tensor, error) {
	return unaryOp(x, backend.Backend.Tanh)
}

// LayerNorm: (x - mean) / sqrt(var+eps) * gamma + beta. Normalize over last axis.
func LayerNorm(x, gamma, beta *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	lastDim := x.Shape.Last()
	if gamma.NumElements() != lastDim || beta.NumElements() != lastDim {
		return nil, fmt.Errorf("layernorm: gamma/beta must have size %d, input %v: %w", lastDim, x.Shape, core.ErrShapeMismatch)
	}
	x, err := f32(x)
	if err != nil {
		return nil, err
	}
	if gamma, err = f32(gamma); err != nil {
		return nil, err
	}
	if beta, err = f32(beta); err != nil {
		return nil, err
	}
	be, out, err := alloc(x, x.Shape)
	if err != nil {
		return nil, err
	}
	if err := be.LayerNorm(out.Storage, x.Storage, gamma.Storage, beta.Storage, x.Shape, eps); err != nil {
		return nil, err
	}
	return out, nil
}

// RMSNorm: x / sqrt(mean(x^2)+eps) * gamma over the last axis.
func RMSNorm(x, gamma *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	lastDim := x.Shape.Last()
	if gamma.NumElements() != lastDim {
		return nil, fmt.Errorf("rmsnorm: gamma must have size %d, input %v: %w", lastDim, x.Shape, core.ErrShapeMismatch)
	}
	x, err := f32(x)
	if err != nil {
		return nil, err
	}
	if gamma, err = f32(gamma); err != nil {
		return nil, err
	}
	be, out, err := alloc(x, x.Shape)
	if err != nil {
		return nil, err
	}
	if err := be.RMSNorm(out.Storage, x.Storage, gamma.Storage, x.Shape, eps); err != nil {
		return nil, err
	}
	return out, nil
}

// Mean averages x along axis and drops it.
func Mean(x *tensor.Tensor, axis int) (*tensor.Tensor, error) {
	if axis < 0 {
		axis += x.Rank()
	}
	if axis < 0 || axis >= x.Rank() {
		return nil, fmt.Errorf("mean: axis %d out of range for %v: %w", axis, x.Shape, core.ErrShapeMismatch)
	}
	x, err := f32(x)
	if err != nil {
		return nil, err
	}
	shape := append(append(core.Shape{}, x.Shape[:axis]...), x.Shape[axis+1:]...)
	be, out, err := alloc(x, shape)
	if err != nil {
		return nil, err
	}
	if err := be.Mean(out.Storage, x.Storage, x.Shape, axis); err != nil {
		return nil, err
	}
	return out, nil
}

// Concat joins a and b along axis. All other axes must match.
func Concat(a, b *tensor.Tensor, axis int) (*tensor.Tensor, error) {
	if a.Rank() != b.Rank() {
		return nil, fmt.Errorf("concat: rank %d vs %d: %w", a.Rank(), b.Rank(), core.ErrShapeMismatch)
	}
	if axis < 0 {
		axis += a.Rank()
	}
	if axis < 0 || axis >= a.Rank() {
		return nil, fmt.Errorf("concat: axis %d out of range for %v: %w", axis, a.Shape, core.ErrShapeMismatch)
	}
	for i := range a.Shape {
		if i != axis && a.Shape[i] != b.Shape[i] {
			return nil, fmt.Errorf("concat: %v and %v differ off axis %d: %w", a.Shape, b.Shape, axis, core.ErrShapeMismatch)
		}
	}
	a, err := f32(a)
	if err != nil {
		return nil, err
	}
	if b, err = f32(b); err != nil {
		return nil, err
	}
	outer := 1
	for _, d := range a.Shape[:axis] {
		outer *= d
	}
	shape := append(core.Shape{}, a.Shape...)
	shape[axis] += b.Shape[axis]
	be, out, err := alloc(a, shape)
	if err != nil {
		return nil, err
	}
	if outer == 0 {
		return out, nil
	}
	if err := be.Concat(out.Storage, a.Storage, b.Storage, outer, a.NumElements()/outer, b.NumElements()/outer); err != nil {
		return nil, err
	}
	return out, nil
}
