package ops

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

func seqDataT(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i%17)-8) / 17
	}

	return out
}

func equalApprox(got, want []float32, tol float64) bool {
	if len(got) != len(want) {
		return false
	}

	for i := range got {
		delta := math.Abs(float64(got[i] - want[i]))
		if delta > tol {
			return false
		}
	}

	return true
}

func mustTensorT(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	tt, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(%v, %v): %v", data, shape, err)
	}

	return tt
}

func assertErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}

	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error %q does not contain %q", err.Error(), substr)
	}
}

func randTensor(rng *rand.Rand, shape ...int64) *tensor.Tensor {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}

	t, err := tensor.New(data, shape)
	if err != nil {
		panic(err)
	}

	return t
}

// naiveCausalConv is the padded-then-trimmed definition: pad (K-1)*d on both
// sides, convolve, keep the first T outputs.
func naiveCausalConv(x, w []float32, batch, length, inCh, outCh, kSize, dilation int) []float32 {
	pad := (kSize - 1) * dilation
	out := make([]float32, batch*length*outCh)

	for b := range batch {
		for t := range length {
			for o := range outCh {
				var sum float32

				for c := range inCh {
					for k := range kSize {
						pos := t + k*dilation - pad
						if pos < 0 || pos >= length {
							continue
						}

						sum += x[(b*length+pos)*inCh+c] * w[(o*inCh+c)*kSize+k]
					}
				}

				out[(b*length+t)*outCh+o] = sum
			}
		}
	}

	return out
}
