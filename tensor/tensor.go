package tensor

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/djeday123/transblock/backend"
	_ "github.com/djeday123/transblock/backend/cpu" // registers the default device
	"github.com/djeday123/transblock/core"
)

// Tensor is the core multi-dimensional array: storage + shape + strides + dtype.
// RequiresGrad marks trainable parameters for an external optimizer.
type Tensor struct {
	Storage      backend.Storage
	Shape        core.Shape
	Strides      core.Strides
	DType        core.DType
	RequiresGrad bool
}

// New creates a tensor from existing storage, shape, and strides.
// If strides is nil, contiguous row-major strides are computed.
func New(storage backend.Storage, shape core.Shape, strides core.Strides, dtype core.DType) *Tensor {
	if strides == nil {
		strides = core.ContiguousStrides(shape, dtype.Size())
	}
	return &Tensor{
		Storage: storage,
		Shape:   shape,
		Strides: strides,
		DType:   dtype,
	}
}

// Empty allocates an uninitialised float32 tensor on the device.
func Empty(dev backend.Device, shape ...int) (*Tensor, error) {
	s := core.Shape(shape)
	be, err := backend.GetForDevice(dev)
	if err != nil {
		return nil, err
	}
	storage, err := be.Alloc(s.NumElements() * 4)
	if err != nil {
		return nil, err
	}
	return New(storage, s, nil, core.Float32), nil
}

// Full returns a CPU float32 tensor with every element set to value.
func Full(value float32, shape ...int) (*Tensor, error) {
	t, err := Empty(backend.CPU0, shape...)
	if err != nil {
		return nil, err
	}
	be, _ := backend.GetForDevice(backend.CPU0)
	if err := be.Fill(t.Storage, t.NumElements(), value); err != nil {
		return nil, err
	}
	return t, nil
}

// Zeros returns a CPU float32 tensor of zeros.
func Zeros(shape ...int) (*Tensor, error) {
	return Full(0, shape...)
}

// Ones returns a CPU float32 tensor of ones.
func Ones(shape ...int) (*Tensor, error) {
	return Full(1, shape...)
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.Shape.NumElements()
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s%v)", t.DType, []int(t.Shape))
}

// Contiguous returns true if the tensor is row-major contiguous.
func (t *Tensor) Contiguous() bool {
	expected := core.ContiguousStrides(t.Shape, t.DType.Size())
	if len(expected) != len(t.Strides) {
		return false
	}
	for i := range expected {
		if expected[i] != t.Strides[i] {
			return false
		}
	}
	return true
}

// View returns a new tensor sharing storage with t but with the given shape.
// The product of shape must equal t.NumElements(). Strides are recomputed as contiguous.
func (t *Tensor) View(shape ...int) (*Tensor, error) {
	s := core.Shape(shape)
	if s.NumElements() != t.NumElements() {
		return nil, fmt.Errorf("view shape %v has %d elements, tensor has %d: %w", shape, s.NumElements(), t.NumElements(), core.ErrShapeMismatch)
	}
	if !t.Contiguous() {
		return nil, fmt.Errorf("view of non-contiguous tensor %v: %w", t.Shape, backend.ErrUnsupported)
	}
	strides := core.ContiguousStrides(s, t.DType.Size())
	out := New(t.Storage, s, strides, t.DType)
	out.RequiresGrad = t.RequiresGrad
	return out, nil
}

// FromFloat32 creates a new CPU tensor from a float32 slice (copy; contiguous).
func FromFloat32(data []float32, shape ...int) (*Tensor, error) {
	s := core.Shape(shape)
	if s.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v has %d elements, data has %d: %w", shape, s.NumElements(), len(data), core.ErrShapeMismatch)
	}
	t, err := Empty(backend.CPU0, shape...)
	if err != nil {
		return nil, err
	}
	copy(t.Float32(), data)
	return t, nil
}

// Float32 returns the underlying float32 slice for CPU tensors (shared memory).
// Panics if not CPU or not Float32 dtype.
func (t *Tensor) Float32() []float32 {
	if t.DType != core.Float32 {
		panic("Float32() only for Float32 tensors")
	}
	n := t.NumElements()
	if n == 0 {
		return nil
	}
	b := t.Storage.Bytes()
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}

// Values returns a float32 copy of the elements of any floating dtype.
func (t *Tensor) Values() ([]float32, error) {
	if t.DType == core.Float32 {
		return append([]float32(nil), t.Float32()...), nil
	}
	n := t.NumElements() * int(t.DType.Size())
	return core.DecodeFloat32(t.DType, t.Storage.Bytes()[:n])
}

// To returns a copy of t stored as dtype. Float32 to float16 or bfloat16
// halves the storage; values lose precision accordingly.
func (t *Tensor) To(dtype core.DType) (*Tensor, error) {
	if !t.DType.Floating() || !dtype.Floating() {
		return nil, fmt.Errorf("cast %s to %s: %w", t.DType, dtype, core.ErrUnsupportedDType)
	}
	if t.DType == dtype {
		return t.Clone()
	}
	vals, err := t.Values()
	if err != nil {
		return nil, err
	}
	var out *Tensor
	if dtype == core.Float32 {
		out, err = FromFloat32(vals, t.Shape...)
		if err != nil {
			return nil, err
		}
	} else {
		b, err := core.EncodeFloat32(dtype, vals)
		if err != nil {
			return nil, err
		}
		be, err := backend.GetForDevice(t.Storage.Device())
		if err != nil {
			return nil, err
		}
		storage, err := be.Alloc(len(b))
		if err != nil {
			return nil, err
		}
		copy(storage.Bytes(), b)
		out = New(storage, append(core.Shape(nil), t.Shape...), nil, dtype)
	}
	out.RequiresGrad = t.RequiresGrad
	return out, nil
}

// Clone allocates a new tensor with the same shape and copies data.
func (t *Tensor) Clone() (*Tensor, error) {
	be, err := backend.GetForDevice(t.Storage.Device())
	if err != nil {
		return nil, err
	}
	byteLen := t.NumElements() * int(t.DType.Size())
	newStorage, err := be.Alloc(byteLen)
	if err != nil {
		return nil, err
	}
	if err := be.Copy(newStorage, t.Storage, byteLen); err != nil {
		newStorage.Free()
		return nil, err
	}
	out := New(newStorage, append(core.Shape(nil), t.Shape...), nil, t.DType)
	out.RequiresGrad = t.RequiresGrad
	return out, nil
}

// AllFinite reports whether no element is NaN or infinite.
func (t *Tensor) AllFinite() (bool, error) {
	vals, err := t.Values()
	if err != nil {
		return false, err
	}
	for _, v := range vals {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false, nil
		}
	}
	return true, nil
}
