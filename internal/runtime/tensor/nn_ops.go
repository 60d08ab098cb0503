package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax applies softmax along dim.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	dim, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	axis := x.shape[dim]
	if axis <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", axis)
	}

	outer, inner := outerInner(x.shape, dim)
	out := x.Clone()

	for o := range outer {
		for in := range inner {
			base := o*axis*inner + in
			maxV := float32(math.Inf(-1))

			for k := range axis {
				if v := out.data[base+k*inner]; v > maxV {
					maxV = v
				}
			}

			if math.IsInf(float64(maxV), -1) {
				return nil, errors.New("tensor: softmax row is fully masked")
			}

			var sum float64

			for k := range axis {
				i := base + k*inner
				e := math.Exp(float64(out.data[i] - maxV))
				out.data[i] = float32(e)
				sum += e
			}

			inv := float32(1.0 / sum)

			for k := range axis {
				out.data[base+k*inner] *= inv
			}
		}
	}

	return out, nil
}

// MatMul multiplies the trailing two dimensions of a and b. Leading batch
// dimensions must match, or b may be rank 2 and is then shared by every
// batch entry of a.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", a.Rank(), b.Rank())
	}

	aRank := len(a.shape)
	bRank := len(b.shape)

	m := a.shape[aRank-2]
	k := a.shape[aRank-1]
	n := b.shape[bRank-1]

	if b.shape[bRank-2] != k {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", a.shape, b.shape, k, b.shape[bRank-2])
	}

	shared := bRank == 2
	if !shared && !equalShape(a.shape[:aRank-2], b.shape[:bRank-2]) {
		return nil, fmt.Errorf("tensor: matmul batch dims differ: %v vs %v", a.shape, b.shape)
	}

	outShape := append(append([]int64(nil), a.shape[:aRank-2]...), m, n)

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	batch, _ := shapeElemCount(a.shape[:aRank-2])
	out := make([]float32, total)
	mi, ki, ni := int(m), int(k), int(n)

	for bi := range batch {
		bData := b.data
		if !shared {
			bData = b.data[bi*ki*ni : (bi+1)*ki*ni]
		}

		GemmNN(a.data[bi*mi*ki:(bi+1)*mi*ki], mi, ki, bData, ni, out[bi*mi*ni:(bi+1)*mi*ni])
	}

	return newOwned(out, outShape), nil
}

// Linear applies y = x * W^T + b where weight shape is [out, in].
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in := x.shape[x.Rank()-1]

	out := weight.shape[0]
	if weight.shape[1] != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if bias != nil {
		if bias.Rank() != 1 || bias.shape[0] != out {
			return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, out)
		}
	}

	rows := 0
	if in > 0 {
		rows = len(x.data) / int(in)
	} else {
		rows, _ = shapeElemCount(x.shape[:x.Rank()-1])
	}

	outI := int(out)
	outData := make([]float32, rows*outI)
	GemmNT(x.data, rows, int(in), weight.data, outI, outData)

	if bias != nil {
		for r := range rows {
			row := outData[r*outI : (r+1)*outI]
			for o := range row {
				row[o] += bias.data[o]
			}
		}
	}

	outShape := append([]int64(nil), x.shape...)
	outShape[x.Rank()-1] = out

	return newOwned(outData, outShape), nil
}
