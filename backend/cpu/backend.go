package cpu

import (
	"fmt"
	"math"
	"unsafe"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/djeday123/transblock/backend"
	"github.com/djeday123/transblock/core"
)

type cpuBackend struct{}

func init() {
	backend.Register(&cpuBackend{})
}

func (c *cpuBackend) Name() string                   { return "cpu" }
func (c *cpuBackend) DeviceType() backend.DeviceType { return backend.CPU }

func (c *cpuBackend) Alloc(byteLen int) (backend.Storage, error) {
	if byteLen < 0 {
		return nil, fmt.Errorf("cpu: alloc of %d bytes", byteLen)
	}
	return Alloc(byteLen), nil
}

func (c *cpuBackend) Free(s backend.Storage) {
	if cs, ok := s.(*storage); ok {
		cs.Free()
	}
}

func (c *cpuBackend) Copy(dst, src backend.Storage, byteLen int) error {
	db, sb := dst.Bytes(), src.Bytes()
	if len(db) < byteLen || len(sb) < byteLen {
		return fmt.Errorf("cpu: copy of %d bytes between buffers of %d and %d", byteLen, len(db), len(sb))
	}
	copy(db[:byteLen], sb[:byteLen])
	return nil
}

// floatSlice views the first n float32 values of a CPU storage.
func floatSlice(s backend.Storage, n int) []float32 {
	if n == 0 || s == nil {
		return nil
	}
	b := s.Bytes()
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}

func unary(dst, src backend.Storage, nElems int, f func(float32) float32) error {
	d := floatSlice(dst, nElems)
	x := floatSlice(src, nElems)
	for i := range d {
		d[i] = f(x[i])
	}
	return nil
}

func (c *cpuBackend) Gelu(dst, src backend.Storage, nElems int) error {
	return unary(dst, src, nElems, func(x float32) float32 {
		xf := float64(x)
		return float32(0.5 * xf * (1 + math.Erf(xf/math.Sqrt2)))
	})
}

func (c *cpuBackend) GeluTanh(dst, src backend.Storage, nElems int) error {
	return unary(dst, src, nElems, func(x float32) float32 {
		xf := float64(x)
		return float32(0.5 * xf * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(xf+0.044715*xf*xf*xf))))
	})
}

func (c *cpuBackend) Relu(dst, src backend.Storage, nElems int) error {
	return unary(dst, src, nElems, func(x float32) float32 { return max(x, 0) })
}

func (c *cpuBackend) Silu(dst, src backend.Storage, nElems int) error {
	return unary(dst, src, nElems, func(x float32) float32 {
		return x * float32(1/(1+math.Exp(-float64(x))))
	})
}

func (c *cpuBackend) Sigmoid(dst, src backend.Storage, nElems int) error {
	return unary(dst, src, nElems, func(x float32) float32 {
		return float32(1 / (1 + math.Exp(-float64(x))))
	})
}

func (c *cpuBackend) Tanh(dst, src backend.Storage, nElems int) error {
	return unary(dst, src, nElems, func(x float32) float32 { return float32(math.Tanh(float64(x))) })
}

func (c *cpuBackend) Scale(dst, src backend.Storage, nElems int, alpha float32) error {
	return unary(dst, src, nElems, func(x float32) float32 { return alpha * x })
}

// broadcastIndex maps each output linear index to linear indices into a and b (NumPy broadcast).
// Broadcast axes get a zero stride.
func broadcastIndex(outShape, aShape, bShape core.Shape) func(outLinear int) (aIdx, bIdx int) {
	nd := len(outShape)
	aStr := broadcastStrides(aShape, nd)
	bStr := broadcastStrides(bShape, nd)
	idx := make([]int, nd)
	return func(outLinear int) (aIdx, bIdx int) {
		rem := outLinear
		for i := nd - 1; i >= 0; i-- {
			idx[i] = rem % outShape[i]
			rem /= outShape[i]
		}
		for i := 0; i < nd; i++ {
			aIdx += idx[i] * aStr[i]
			bIdx += idx[i] * bStr[i]
		}
		return aIdx, bIdx
	}
}

// broadcastStrides returns element strides for shape left-padded to nd axes.
func broadcastStrides(shape core.Shape, nd int) []int {
	out := make([]int, nd)
	pad := nd - len(shape)
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] != 1 {
			out[i+pad] = stride
		}
		stride *= shape[i]
	}
	return out
}

func binary(dst, a, b backend.Storage, aShape, bShape, outShape core.Shape, f func(x, y float32) float32) error {
	n := outShape.NumElements()
	d := floatSlice(dst, n)
	pa := floatSlice(a, aShape.NumElements())
	pb := floatSlice(b, bShape.NumElements())
	if aShape.Equal(outShape) && bShape.Equal(outShape) {
		for i := range d {
			d[i] = f(pa[i], pb[i])
		}
		return nil
	}
	get := broadcastIndex(outShape, aShape, bShape)
	for i := 0; i < n; i++ {
		ai, bi := get(i)
		d[i] = f(pa[ai], pb[bi])
	}
	return nil
}

func (c *cpuBackend) Add(dst, a, b backend.Storage, aShape, bShape, outShape core.Shape) error {
	return binary(dst, a, b, aShape, bShape, outShape, func(x, y float32) float32 { return x + y })
}

func (c *cpuBackend) Mul(dst, a, b backend.Storage, aShape, bShape, outShape core.Shape) error {
	return binary(dst, a, b, aShape, bShape, outShape, func(x, y float32) float32 { return x * y })
}

// splitAxis returns the products of the dims before and after axis.
func splitAxis(shape core.Shape, axis int) (before, dim, after int, err error) {
	if axis < 0 {
		axis += len(shape)
	}
	if axis < 0 || axis >= len(shape) {
		return 0, 0, 0, fmt.Errorf("cpu: axis %d out of range for shape %v: %w", axis, shape, core.ErrShapeMismatch)
	}
	before, after = 1, 1
	for i := 0; i < axis; i++ {
		before *= shape[i]
	}
	for i := axis + 1; i < len(shape); i++ {
		after *= shape[i]
	}
	return before, shape[axis], after, nil
}

func (c *cpuBackend) Sum(dst, src backend.Storage, srcShape core.Shape, axis int) error {
	before, dim, after, err := splitAxis(srcShape, axis)
	if err != nil {
		return err
	}
	srcF := floatSlice(src, srcShape.NumElements())
	dstF := floatSlice(dst, before*after)
	for i := 0; i < before; i++ {
		for j := 0; j < after; j++ {
			var s float32
			for k := 0; k < dim; k++ {
				s += srcF[(i*dim+k)*after+j]
			}
			dstF[i*after+j] = s
		}
	}
	return nil
}

func (c *cpuBackend) Mean(dst, src backend.Storage, srcShape core.Shape, axis int) error {
	if err := c.Sum(dst, src, srcShape, axis); err != nil {
		return err
	}
	before, dim, after, _ := splitAxis(srcShape, axis)
	dstF := floatSlice(dst, before*after)
	for i := range dstF {
		dstF[i] /= float32(dim)
	}
	return nil
}

func (c *cpuBackend) MatMul(dst, a, b backend.Storage, batchSize, M, N, K int, transB bool) error {
	d := floatSlice(dst, batchSize*M*N)
	if M == 0 || N == 0 {
		return nil
	}
	if K == 0 {
		clear(d)
		return nil
	}
	pa := floatSlice(a, batchSize*M*K)
	pb := floatSlice(b, batchSize*K*N)
	tB, bRows, bCols := blas.NoTrans, K, N
	if transB {
		tB, bRows, bCols = blas.Trans, N, K
	}
	for i := 0; i < batchSize; i++ {
		blas32.Gemm(blas.NoTrans, tB, 1,
			blas32.General{Rows: M, Cols: K, Stride: K, Data: pa[i*M*K : (i+1)*M*K]},
			blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: pb[i*K*N : (i+1)*K*N]},
			0,
			blas32.General{Rows: M, Cols: N, Stride: N, Data: d[i*M*N : (i+1)*M*N]})
	}
	return nil
}

func (c *cpuBackend) LayerNorm(dst, x, gamma, beta backend.Storage, shape core.Shape, eps float32) error {
	n := shape.NumElements()
	lastDim := shape.Last()
	if lastDim == 0 {
		return nil
	}
	xF := floatSlice(x, n)
	dstF := floatSlice(dst, n)
	gammaF := floatSlice(gamma, lastDim)
	betaF := floatSlice(beta, lastDim)
	for base := 0; base < n; base += lastDim {
		row := xF[base : base+lastDim]
		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		m := sum / float64(lastDim)
		var s float64
		for _, v := range row {
			d := float64(v) - m
			s += d * d
		}
		inv := 1 / math.Sqrt(s/float64(lastDim)+float64(eps))
		for i, v := range row {
			dstF[base+i] = float32((float64(v)-m)*inv)*gammaF[i] + betaF[i]
		}
	}
	return nil
}

func (c *cpuBackend) RMSNorm(dst, x, gamma backend.Storage, shape core.Shape, eps float32) error {
	n := shape.NumElements()
	lastDim := shape.Last()
	if lastDim == 0 {
		return nil
	}
	xF := floatSlice(x, n)
	dstF := floatSlice(dst, n)
	gammaF := floatSlice(gamma, lastDim)
	for base := 0; base < n; base += lastDim {
		row := xF[base : base+lastDim]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		inv := float32(1 / math.Sqrt(ss/float64(lastDim)+float64(eps)))
		for i, v := range row {
			dstF[base+i] = v * inv * gammaF[i]
		}
	}
	return nil
}

func (c *cpuBackend) SwapAxes12(dst, src backend.Storage, d0, d1, d2, d3 int) error {
	n := d0 * d1 * d2 * d3
	dstF := floatSlice(dst, n)
	srcF := floatSlice(src, n)
	for a := 0; a < d0; a++ {
		for i := 0; i < d1; i++ {
			for j := 0; j < d2; j++ {
				srcOff := ((a*d1+i)*d2 + j) * d3
				dstOff := ((a*d2+j)*d1 + i) * d3
				copy(dstF[dstOff:dstOff+d3], srcF[srcOff:srcOff+d3])
			}
		}
	}
	return nil
}

func (c *cpuBackend) Concat(dst, a, b backend.Storage, outer, aInner, bInner int) error {
	inner := aInner + bInner
	dstF := floatSlice(dst, outer*inner)
	aF := floatSlice(a, outer*aInner)
	bF := floatSlice(b, outer*bInner)
	for o := 0; o < outer; o++ {
		copy(dstF[o*inner:], aF[o*aInner:(o+1)*aInner])
		copy(dstF[o*inner+aInner:], bF[o*bInner:(o+1)*bInner])
	}
	return nil
}

func (c *cpuBackend) Fill(dst backend.Storage, nElems int, value float32) error {
	d := floatSlice(dst, nElems)
	for i := range d {
		d[i] = value
	}
	return nil
}
