package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Tensor is a dense, row-major float32 tensor. Sequence tensors use the
// [batch, time, channels] layout throughout the decoder.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from a copy of data and shape.
func New(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return &Tensor{
		shape: append([]int64(nil), shape...),
		data:  append([]float32(nil), data...),
	}, nil
}

// newOwned wraps data and shape without copying. len(data) must match shape.
func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		shape: append([]int64(nil), shape...),
		data:  make([]float32, total),
	}, nil
}

// Full creates a tensor filled with value.
func Full(shape []int64, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	for i := range t.data {
		t.data[i] = value
	}

	return t, nil
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Dim returns the size of dimension d. Negative d counts from the end.
func (t *Tensor) Dim(d int) int64 {
	if t == nil {
		return 0
	}

	d, err := normalizeDim(d, len(t.shape))
	if err != nil {
		return 0
	}

	return t.shape[d]
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return append([]float32(nil), t.data...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return &Tensor{
		shape: append([]int64(nil), t.shape...),
		data:  append([]float32(nil), t.data...),
	}
}

// Reshape returns a copy of t with a new shape.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if total != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, total)
	}

	return &Tensor{shape: append([]int64(nil), shape...), data: append([]float32(nil), t.data...)}, nil
}

// Map returns a copy of t with fn applied element-wise.
func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	if t == nil {
		return nil
	}

	out := make([]float32, len(t.data))
	for i, v := range t.data {
		out[i] = fn(v)
	}

	return newOwned(out, append([]int64(nil), t.shape...))
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if a == nil || b == nil {
		return false
	}

	return equalShape(a.shape, b.shape)
}

// ExpectShape returns an error when t does not have the wanted shape. A
// negative entry in want matches any size.
func ExpectShape(name string, t *Tensor, want ...int64) error {
	if t == nil {
		return fmt.Errorf("tensor: %s is nil", name)
	}

	if len(t.shape) != len(want) {
		return fmt.Errorf("tensor: %s shape %v, want rank %d %v", name, t.shape, len(want), want)
	}

	for i, w := range want {
		if w >= 0 && t.shape[i] != w {
			return fmt.Errorf("tensor: %s shape %v, want %v", name, t.shape, want)
		}
	}

	return nil
}

func shapeElemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		if d != 0 && total > math.MaxInt64/d {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}

		total *= d
	}

	if total > int64(^uint(0)>>1) {
		return 0, fmt.Errorf("tensor: shape %v exceeds platform int size", shape)
	}

	return int(total), nil
}

func normalizeDim(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// outerInner splits shape around dim into the product of leading and
// trailing dimensions.
func outerInner(shape []int64, dim int) (outer, inner int64) {
	outer, inner = 1, 1
	for i := range dim {
		outer *= shape[i]
	}

	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	return outer, inner
}
