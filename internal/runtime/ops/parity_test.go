package ops

import "testing"

func TestCompareTensor(t *testing.T) {
	a := mustTensorT(t, []float32{1, 2, 3}, []int64{3})
	b := mustTensorT(t, []float32{1, 2.0001, 3}, []int64{3})

	r, err := CompareTensor("x", a, b, Tolerance{Abs: 1e-3, Rel: 1e-3})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}

	if !r.Pass || !r.ShapeMatch || r.MaxAbsErr == 0 {
		t.Fatalf("report = %+v, want pass with nonzero drift", r)
	}

	r, err = CompareTensor("x", a, b, Tolerance{})
	if err != nil || r.Pass {
		t.Fatalf("zero tolerance should fail: %+v %v", r, err)
	}

	r, err = CompareTensor("x", a, mustTensorT(t, []float32{1, 2, 3}, []int64{1, 3}), Tolerance{Abs: 1})
	if err != nil || r.ShapeMatch || r.Pass {
		t.Fatalf("shape mismatch should fail: %+v %v", r, err)
	}

	_, err = CompareTensor("x", nil, a, Tolerance{})
	assertErrContains(t, err, "must be non-nil")
}

func TestKernelTolerance(t *testing.T) {
	for _, name := range []string{"causal_conv", "conv_incremental", "attention", "decoder"} {
		if _, err := KernelTolerance(name); err != nil {
			t.Fatalf("KernelTolerance(%q): %v", name, err)
		}
	}

	_, err := KernelTolerance("missing")
	assertErrContains(t, err, "no tolerance configured")
}
