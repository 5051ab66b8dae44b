package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/djeday123/transblock/core"
)

// DeviceType identifies the kind of hardware.
type DeviceType uint8

const (
	CPU DeviceType = iota
)

func (t DeviceType) String() string {
	switch t {
	case CPU:
		return "cpu"
	default:
		return fmt.Sprintf("device(%d)", uint8(t))
	}
}

// Device identifies a specific device.
type Device struct {
	Type  DeviceType
	Index int
}

// CPU0 is the default CPU device.
var CPU0 = Device{Type: CPU, Index: 0}

// Storage represents raw memory on a device.
type Storage interface {
	Device() Device
	Bytes() []byte
	ByteLen() int
	Free()
}

// Backend is the contract every hardware backend must implement.
// All kernels operate on contiguous float32 buffers.
type Backend interface {
	Name() string
	DeviceType() DeviceType

	Alloc(byteLen int) (Storage, error)
	Free(s Storage)
	Copy(dst, src Storage, byteLen int) error

	// Unary (dst, src, nElems)
	Gelu(dst, src Storage, nElems int) error
	GeluTanh(dst, src Storage, nElems int) error
	Relu(dst, src Storage, nElems int) error
	Silu(dst, src Storage, nElems int) error
	Sigmoid(dst, src Storage, nElems int) error
	Tanh(dst, src Storage, nElems int) error
	Scale(dst, src Storage, nElems int, alpha float32) error

	// Binary with broadcasting: dst = a op b (shape = broadcast(aShape, bShape))
	Add(dst, a, b Storage, aShape, bShape, outShape core.Shape) error
	Mul(dst, a, b Storage, aShape, bShape, outShape core.Shape) error

	// Reductions along one axis; the axis is dropped from the output.
	Sum(dst, src Storage, srcShape core.Shape, axis int) error
	Mean(dst, src Storage, srcShape core.Shape, axis int) error

	// MatMul: C = A @ B. A [batch, M, K], B [batch, K, N] (or [batch, N, K] when transB), C [batch, M, N].
	MatMul(dst, a, b Storage, batchSize, M, N, K int, transB bool) error

	// LayerNorm: (x - mean) / sqrt(var + eps) * gamma + beta over the last axis.
	LayerNorm(dst, x, gamma, beta Storage, shape core.Shape, eps float32) error
	// RMSNorm: x / sqrt(mean(x^2) + eps) * gamma over the last axis.
	RMSNorm(dst, x, gamma Storage, shape core.Shape, eps float32) error

	// ScaledDotProductAttention: Q [batch, heads, qLen, headDim], K,V [batch, heads, kvLen, headDim].
	// bias (additive, may be nil) and keep (dropout multipliers, may be nil) are
	// [batch, heads, qLen, kvLen]. weights receives the post-dropout attention
	// probabilities, dst the attended values [batch, heads, qLen, headDim].
	ScaledDotProductAttention(dst, weights, q, k, v, bias, keep Storage, batch, heads, qLen, kvLen, headDim int) error

	// SwapAxes12 copies [d0, d1, d2, d3] into [d0, d2, d1, d3].
	SwapAxes12(dst, src Storage, d0, d1, d2, d3 int) error
	// Concat joins a [outer, aInner] and b [outer, bInner] into [outer, aInner+bInner].
	Concat(dst, a, b Storage, outer, aInner, bInner int) error

	Fill(dst Storage, nElems int, value float32) error
}

var (
	mu       sync.RWMutex
	registry = make(map[DeviceType]Backend)
)

// Register adds a backend for its device type.
func Register(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	registry[b.DeviceType()] = b
}

// Get returns the backend for a device type.
func Get(dt DeviceType) (Backend, error) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := registry[dt]
	if !ok {
		return nil, fmt.Errorf("no backend registered for device type %v: %w", dt, ErrUnsupported)
	}
	return b, nil
}

// GetForDevice returns the backend that handles the given device.
func GetForDevice(d Device) (Backend, error) {
	return Get(d.Type)
}

// ErrUnsupported is returned when an operation is not supported.
var ErrUnsupported = errors.New("operation not supported")
