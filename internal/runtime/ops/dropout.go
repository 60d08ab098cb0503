package ops

import (
	"fmt"
	"math/rand/v2"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// Dropout zeroes each element with probability p and scales the survivors
// by 1/(1-p). p == 0 returns x unchanged.
func Dropout(x *tensor.Tensor, p float64, rng *rand.Rand) (*tensor.Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("ops: dropout probability must be in [0, 1), got %v", p)
	}

	if p == 0 {
		return x, nil
	}

	if rng == nil {
		return nil, fmt.Errorf("ops: dropout with p=%v requires a random source", p)
	}

	keep := float32(1 / (1 - p))

	return x.Map(func(v float32) float32 {
		if rng.Float64() < p {
			return 0
		}

		return v * keep
	}), nil
}
