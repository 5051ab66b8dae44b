package core

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType represents a tensor element type.
type DType uint8

const (
	Float16 DType = iota
	Float32
	Float64
	BFloat16
	Int64
)

// Size returns the byte size of one element of this type.
func (d DType) Size() uintptr {
	switch d {
	case Float16, BFloat16:
		return 2
	case Float32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 4 // fallback
	}
}

// String returns a human-readable name for the type.
func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case BFloat16:
		return "bfloat16"
	case Int64:
		return "int64"
	default:
		return "unknown"
	}
}

// ParseDType maps the short names used on command lines ("f32", "f16", "bf16")
// and the long names returned by String back to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "float32":
		return Float32, nil
	case "f16", "float16":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	case "f64", "float64":
		return Float64, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// Floating reports whether values of this type can be widened to float32.
func (d DType) Floating() bool {
	return d == Float16 || d == Float32 || d == Float64 || d == BFloat16
}

// EncodeFloat32 converts src to the little-endian byte layout of d.
// Narrowing to float16 and bfloat16 loses mantissa precision.
func EncodeFloat32(d DType, src []float32) ([]byte, error) {
	switch d {
	case Float32:
		b := make([]byte, 4*len(src))
		for i, f := range src {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
		}
		return b, nil
	case Float64:
		b := make([]byte, 8*len(src))
		for i, f := range src {
			binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(float64(f)))
		}
		return b, nil
	case Float16:
		b := make([]byte, 2*len(src))
		for i, f := range src {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(f).Bits())
		}
		return b, nil
	case BFloat16:
		return bfloat16.EncodeFloat32(src), nil
	}
	return nil, fmt.Errorf("encode %s: %w", d, ErrUnsupportedDType)
}

// DecodeFloat32 widens a little-endian buffer of type d to float32.
func DecodeFloat32(d DType, b []byte) ([]float32, error) {
	if len(b)%int(d.Size()) != 0 {
		return nil, fmt.Errorf("decode %s: %d bytes is not a multiple of %d", d, len(b), d.Size())
	}
	switch d {
	case Float32:
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return out, nil
	case Float64:
		out := make([]float32, len(b)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:])))
		}
		return out, nil
	case Float16:
		out := make([]float32, len(b)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
		return out, nil
	case BFloat16:
		return bfloat16.DecodeFloat32(b), nil
	}
	return nil, fmt.Errorf("decode %s: %w", d, ErrUnsupportedDType)
}
