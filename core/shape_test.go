package core

import (
	"errors"
	"testing"
)

func TestContiguousStrides(t *testing.T) {
	shape := Shape{2, 3, 4}
	strides := ContiguousStrides(shape, 4)
	if len(strides) != 3 || strides[0] != 48 || strides[1] != 16 || strides[2] != 4 {
		t.Fatalf("ContiguousStrides([2,3,4], 4) = %v, want [48, 16, 4]", strides)
	}
}

func TestBroadcastShapes(t *testing.T) {
	cases := []struct {
		a, b, want Shape
	}{
		{Shape{2, 3}, Shape{1, 3}, Shape{2, 3}},
		{Shape{2, 5, 8}, Shape{8}, Shape{2, 5, 8}},
		{Shape{2, 1, 1}, Shape{2, 5, 8}, Shape{2, 5, 8}},
	}
	for _, tc := range cases {
		out, err := BroadcastShapes(tc.a, tc.b)
		if err != nil || !out.Equal(tc.want) {
			t.Fatalf("BroadcastShapes(%v, %v) = %v, %v; want %v", tc.a, tc.b, out, err, tc.want)
		}
	}
}

func TestBroadcastShapesMismatch(t *testing.T) {
	_, err := BroadcastShapes(Shape{2, 3}, Shape{4})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("BroadcastShapes([2,3], [4]) error = %v, want ErrShapeMismatch", err)
	}
}

func TestWithLast(t *testing.T) {
	s := Shape{2, 5, 8}
	got := s.WithLast(16)
	if !got.Equal(Shape{2, 5, 16}) || s.Last() != 8 {
		t.Fatalf("WithLast changed the receiver or returned %v", got)
	}
}
