package ops

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestSigmoidReLU(t *testing.T) {
	x := mustTensorT(t, []float32{-2, 0, 3}, []int64{3})

	s := Sigmoid(x).Data()
	for i, v := range []float64{-2, 0, 3} {
		want := 1 / (1 + math.Exp(-v))
		if math.Abs(float64(s[i])-want) > 1e-6 {
			t.Fatalf("sigmoid(%v) = %v, want %v", v, s[i], want)
		}
	}

	if got := ReLU(x).Data(); !equalApprox(got, []float32{0, 0, 3}, 0) {
		t.Fatalf("relu = %v", got)
	}
}

func TestGLU(t *testing.T) {
	// Two rows of [a0 a1 | b0 b1].
	x := mustTensorT(t, []float32{1, 2, 0, 0, 3, 4, 100, -100}, []int64{2, 1, 4})

	out, err := GLU(x)
	if err != nil {
		t.Fatalf("glu: %v", err)
	}

	want := []float32{0.5, 1, 3, 0}
	if !equalI64(out.Shape(), []int64{2, 1, 2}) || !equalApprox(out.Data(), want, 1e-6) {
		t.Fatalf("glu = %v %v, want [2 1 2] %v", out.Shape(), out.Data(), want)
	}

	_, err = GLU(mustTensorT(t, seqDataT(3), []int64{1, 3}))
	assertErrContains(t, err, "must be even")
}

func TestDropout(t *testing.T) {
	x := mustTensorT(t, seqDataT(1000), []int64{1000})

	same, err := Dropout(x, 0, nil)
	if err != nil || same != x {
		t.Fatalf("p=0 should be identity, err=%v", err)
	}

	out, err := Dropout(x, 0.5, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatalf("dropout: %v", err)
	}

	zeros := 0
	for i, v := range out.RawData() {
		switch {
		case v == 0:
			zeros++
		case math.Abs(float64(v-2*x.RawData()[i])) > 1e-6:
			t.Fatalf("kept element %d = %v, want %v", i, v, 2*x.RawData()[i])
		}
	}

	if zeros < 350 || zeros > 650 {
		t.Fatalf("dropped %d of 1000 elements at p=0.5", zeros)
	}

	_, err = Dropout(x, 1, nil)
	assertErrContains(t, err, "must be in [0, 1)")

	_, err = Dropout(x, 0.2, nil)
	assertErrContains(t, err, "requires a random source")
}
