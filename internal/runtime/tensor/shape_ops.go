package tensor

import (
	"errors"
	"fmt"
)

// Narrow slices the tensor along a single dimension.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = length

	outer, inner := outerInner(t.shape, dim)
	span := length * inner
	out := make([]float32, outer*span)

	for o := range outer {
		src := o*t.shape[dim]*inner + start*inner
		copy(out[o*span:(o+1)*span], t.data[src:src+span])
	}

	return newOwned(out, outShape), nil
}

// Stride keeps every step-th entry of dim starting at offset 0.
func (t *Tensor) Stride(dim int, step int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: stride on nil tensor")
	}

	if step <= 0 {
		return nil, fmt.Errorf("tensor: stride step must be > 0, got %d", step)
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: stride: %w", err)
	}

	if step == 1 {
		return t.Clone(), nil
	}

	size := t.shape[dim]
	kept := (size + step - 1) / step
	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = kept

	outer, inner := outerInner(t.shape, dim)
	out := make([]float32, outer*kept*inner)

	for o := range outer {
		for k := range kept {
			src := (o*size + k*step) * inner
			dst := (o*kept + k) * inner
			copy(out[dst:dst+inner], t.data[src:src+inner])
		}
	}

	return newOwned(out, outShape), nil
}

// TimeStep returns time step ts of a [B, T, C] tensor as [B, 1, C].
func (t *Tensor) TimeStep(ts int64) (*Tensor, error) {
	if t == nil || t.Rank() != 3 {
		return nil, fmt.Errorf("tensor: time step requires a [B,T,C] tensor, got %v", t.Shape())
	}

	return t.Narrow(1, ts, 1)
}

// Transpose swaps dim1 and dim2.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	rank := len(t.shape)

	d1, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim1: %w", err)
	}

	d2, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim2: %w", err)
	}

	if d1 == d2 {
		return t.Clone(), nil
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[d1], outShape[d2] = outShape[d2], outShape[d1]

	srcStrides := computeStrides(t.shape)
	outStrides := computeStrides(outShape)
	outCoord := make([]int64, rank)
	out := make([]float32, len(t.data))

	for i := range out {
		rem := int64(i)
		for d := range rank {
			outCoord[d] = rem / outStrides[d]
			rem %= outStrides[d]
		}

		outCoord[d1], outCoord[d2] = outCoord[d2], outCoord[d1]

		var src int64
		for d, c := range outCoord {
			src += c * srcStrides[d]
		}

		out[i] = t.data[src]
	}

	return newOwned(out, outShape), nil
}

// Concat concatenates tensors along dim.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}

	rank := len(first.shape)

	dim, err := normalizeDim(dim, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	outShape := append([]int64(nil), first.shape...)
	outShape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}

		if len(t.shape) != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, len(t.shape), rank)
		}

		for d := range rank {
			if d != dim && t.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v on dim %d", i, t.shape, first.shape, d)
			}
		}

		outShape[dim] += t.shape[dim]
	}

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	outer, inner := outerInner(outShape, dim)
	outDim := outShape[dim]
	out := make([]float32, total)

	for o := range outer {
		writePos := int64(0)

		for _, t := range tensors {
			span := t.shape[dim] * inner
			srcBase := o * span
			dstBase := o*outDim*inner + writePos
			copy(out[dstBase:dstBase+span], t.data[srcBase:srcBase+span])
			writePos += span
		}
	}

	return newOwned(out, outShape), nil
}

// ShiftAppend drops the first entry of dim 1 of buf ([B, L, C]) and appends
// the last time step of x ([B, T, C]). The result has buf's shape; neither
// input is modified.
func ShiftAppend(buf, x *Tensor) (*Tensor, error) {
	if buf == nil || x == nil {
		return nil, errors.New("tensor: shift-append requires non-nil buffer and input")
	}

	if buf.Rank() != 3 || x.Rank() != 3 {
		return nil, fmt.Errorf("tensor: shift-append expects rank 3, got %v and %v", buf.shape, x.shape)
	}

	b, l, c := buf.shape[0], buf.shape[1], buf.shape[2]
	if x.shape[0] != b || x.shape[2] != c || x.shape[1] < 1 {
		return nil, fmt.Errorf("tensor: shift-append input %v incompatible with buffer %v", x.shape, buf.shape)
	}

	if l < 1 {
		return nil, fmt.Errorf("tensor: shift-append buffer %v has no time entries", buf.shape)
	}

	out := make([]float32, len(buf.data))
	xt := x.shape[1]

	for bi := range b {
		row := bi * l * c
		copy(out[row:row+(l-1)*c], buf.data[row+c:row+l*c])

		src := (bi*xt + xt - 1) * c
		copy(out[row+(l-1)*c:row+l*c], x.data[src:src+c])
	}

	return newOwned(out, append([]int64(nil), buf.shape...)), nil
}

func computeStrides(shape []int64) []int64 {
	if len(shape) == 0 {
		return nil
	}

	strides := make([]int64, len(shape))

	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	return strides
}
