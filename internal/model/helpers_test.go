package model

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/example/go-deepvoice3/internal/runtime/ops"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

func randTensor(t *testing.T, rng *rand.Rand, shape ...int64) *tensor.Tensor {
	t.Helper()

	x, err := tensor.Zeros(shape)
	if err != nil {
		t.Fatalf("zeros: %v", err)
	}

	data := x.RawData()
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}

	return x
}

func assertClose(t *testing.T, kernel string, got, want *tensor.Tensor) {
	t.Helper()

	tol, err := ops.KernelTolerance(kernel)
	if err != nil {
		t.Fatalf("tolerance: %v", err)
	}

	if !cmp.Equal(got.Shape(), want.Shape()) {
		t.Fatalf("shape %v, want %v", got.Shape(), want.Shape())
	}

	if diff := cmp.Diff(want.Data(), got.Data(), cmpopts.EquateApprox(tol.Rel, tol.Abs)); diff != "" {
		t.Fatalf("%s mismatch (-want +got):\n%s", kernel, diff)
	}
}

// stepThrough feeds x one step at a time through cell from its zero state.
func stepThrough(t *testing.T, cell Cell, x *tensor.Tensor) *tensor.Tensor {
	t.Helper()

	state, err := cell.ZeroState(x.Dim(0))
	if err != nil {
		t.Fatalf("zero state: %v", err)
	}

	steps := make([]*tensor.Tensor, 0, x.Dim(1))

	for ts := range x.Dim(1) {
		in, err := x.TimeStep(ts)
		if err != nil {
			t.Fatalf("time step: %v", err)
		}

		var y *tensor.Tensor
		if y, state, err = cell.ApplyStep(in, state, Mode{}); err != nil {
			t.Fatalf("step %d: %v", ts, err)
		}

		steps = append(steps, y)
	}

	out, err := tensor.Concat(steps, 1)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}

	return out
}

// overrideWeights serves fixed tensors by full name and falls back to a
// seeded source for everything else.
type overrideWeights struct {
	base      Weights
	prefix    string
	overrides map[string]*tensor.Tensor
}

func (o *overrideWeights) Path(parts ...string) Weights {
	return &overrideWeights{base: o.base.Path(parts...), prefix: joinName(o.prefix, parts...), overrides: o.overrides}
}

func (o *overrideWeights) Tensor(name string, shape ...int64) (*tensor.Tensor, error) {
	if t, ok := o.overrides[joinName(o.prefix, name)]; ok {
		return t, nil
	}

	return o.base.Tensor(name, shape...)
}

func (o *overrideWeights) TensorMaybe(name string, shape ...int64) (*tensor.Tensor, bool, error) {
	if t, ok := o.overrides[joinName(o.prefix, name)]; ok {
		return t, true, nil
	}

	return o.base.TensorMaybe(name, shape...)
}
