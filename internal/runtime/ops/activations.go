package ops

import (
	"fmt"
	"math"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

func Sigmoid(x *tensor.Tensor) *tensor.Tensor {
	return x.Map(sigmoid)
}

func ReLU(x *tensor.Tensor) *tensor.Tensor {
	return x.Map(func(v float32) float32 { return max(v, 0) })
}

// GLU splits the last dimension of x into halves a and b and returns
// a * sigmoid(b).
func GLU(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil || x.Rank() < 1 {
		return nil, fmt.Errorf("ops: glu requires rank >= 1 input, got %v", x.Shape())
	}

	last := x.Dim(-1)
	if last%2 != 0 {
		return nil, fmt.Errorf("ops: glu last dimension must be even, got %d", last)
	}

	half := int(last / 2)
	data := x.RawData()
	rows := len(data) / int(last)
	out := make([]float32, rows*half)

	for r := range rows {
		a := data[r*2*half : r*2*half+half]
		b := data[r*2*half+half : (r+1)*2*half]

		for i := range half {
			out[r*half+i] = a[i] * sigmoid(b[i])
		}
	}

	shape := x.Shape()
	shape[len(shape)-1] = int64(half)

	return tensor.New(out, shape)
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}
