package tensor

import "fmt"

// BroadcastAdd performs element-wise add with NumPy-style broadcasting.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, func(x, y float32) float32 { return x + y }, "add")
}

// BroadcastMul performs element-wise multiply with NumPy-style broadcasting.
func BroadcastMul(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, func(x, y float32) float32 { return x * y }, "mul")
}

// Scale returns x multiplied by s.
func Scale(x *Tensor, s float32) *Tensor {
	return x.Map(func(v float32) float32 { return v * s })
}

func broadcastBinary(a, b *Tensor, fn func(x, y float32) float32, opName string) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", opName)
	}

	// Same-shape operands are the common case in the decoder (residuals,
	// positional encodings); skip the coordinate walk for them.
	if equalShape(a.shape, b.shape) {
		out := make([]float32, len(a.data))
		for i := range out {
			out[i] = fn(a.data[i], b.data[i])
		}

		return newOwned(out, append([]int64(nil), a.shape...)), nil
	}

	outShape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", opName, err)
	}

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	rank := len(outShape)
	aPad := leftPadShape(a.shape, rank)
	bPad := leftPadShape(b.shape, rank)
	aStrides := computeStrides(aPad)
	bStrides := computeStrides(bPad)
	outStrides := computeStrides(outShape)
	out := make([]float32, total)

	for i := range out {
		rem := int64(i)

		var aOff, bOff int64

		for d := range rank {
			c := rem / outStrides[d]
			rem %= outStrides[d]

			if aPad[d] != 1 {
				aOff += c * aStrides[d]
			}

			if bPad[d] != 1 {
				bOff += c * bStrides[d]
			}
		}

		out[i] = fn(a.data[aOff], b.data[bOff])
	}

	return newOwned(out, outShape), nil
}

func broadcastShape(a, b []int64) ([]int64, error) {
	outRank := max(len(a), len(b))

	out := make([]int64, outRank)
	for i := range outRank {
		ad := int64(1)
		if j := i - (outRank - len(a)); j >= 0 {
			ad = a[j]
		}

		bd := int64(1)
		if j := i - (outRank - len(b)); j >= 0 {
			bd = b[j]
		}

		switch {
		case ad == bd || ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

func leftPadShape(shape []int64, rank int) []int64 {
	out := make([]int64, rank)

	pad := rank - len(shape)
	for i := range pad {
		out[i] = 1
	}

	copy(out[pad:], shape)

	return out
}
