package ops

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestLengthMask(t *testing.T) {
	s := mustTensorT(t, seqDataT(2*1*3), []int64{2, 1, 3})

	out, err := LengthMask(s, []int64{3, 1})
	if err != nil {
		t.Fatalf("length mask: %v", err)
	}

	got := out.Data()
	if math.IsInf(float64(got[2]), -1) {
		t.Fatalf("row 0 should be unmasked: %v", got)
	}

	if !math.IsInf(float64(got[4]), -1) || !math.IsInf(float64(got[5]), -1) || math.IsInf(float64(got[3]), -1) {
		t.Fatalf("row 1 should keep only the first entry: %v", got)
	}

	_, err = LengthMask(s, []int64{3})
	assertErrContains(t, err, "1 lengths for batch 2")

	_, err = LengthMask(s, []int64{3, 0})
	assertErrContains(t, err, "out of range")

	same, err := LengthMask(s, nil)
	if err != nil || same != s {
		t.Fatalf("nil lengths should return scores unchanged, got %v", err)
	}
}

func TestAttentionUniformScoresAverageValues(t *testing.T) {
	q := mustTensorT(t, []float32{0, 0}, []int64{1, 1, 2})
	keys := mustTensorT(t, []float32{1, 0, 0, 1, 1, 1, 2, 2}, []int64{1, 4, 2})
	values := mustTensorT(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, []int64{1, 4, 2})

	ctx, probs, err := Attention(q, keys, values, nil)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}

	if !equalApprox(probs.Data(), []float32{0.25, 0.25, 0.25, 0.25}, 1e-6) {
		t.Fatalf("probs = %v, want uniform", probs.Data())
	}

	// mean = [4, 5], scaled by 4*sqrt(1/4) = 2.
	if !equalApprox(ctx.Data(), []float32{8, 10}, 1e-5) {
		t.Fatalf("context = %v, want [8 10]", ctx.Data())
	}
}

func TestAttentionMaskedMemoryIgnored(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	q := randTensor(rng, 1, 3, 4)
	keys := randTensor(rng, 1, 5, 4)
	values := randTensor(rng, 1, 5, 4)

	_, probs, err := Attention(q, keys, values, []int64{2})
	if err != nil {
		t.Fatalf("attention: %v", err)
	}

	data := probs.RawData()
	for qi := range 3 {
		row := data[qi*5 : (qi+1)*5]
		if row[2] != 0 || row[3] != 0 || row[4] != 0 {
			t.Fatalf("masked probabilities not zero: %v", row)
		}

		if math.Abs(float64(row[0]+row[1]-1)) > 1e-5 {
			t.Fatalf("probabilities do not sum to 1: %v", row)
		}
	}
}

func TestAttentionRowsIndependent(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 3))
	q := randTensor(rng, 1, 4, 6)
	keys := randTensor(rng, 1, 7, 6)

	full, _, err := Attention(q, keys, keys, nil)
	if err != nil {
		t.Fatalf("attention: %v", err)
	}

	for ts := range int64(4) {
		qs, err := q.TimeStep(ts)
		if err != nil {
			t.Fatalf("time step: %v", err)
		}

		one, _, err := Attention(qs, keys, keys, nil)
		if err != nil {
			t.Fatalf("attention step: %v", err)
		}

		want := full.RawData()[ts*6 : (ts+1)*6]
		if !equalApprox(one.Data(), want, 1e-5) {
			t.Fatalf("step %d context %v, want %v", ts, one.Data(), want)
		}
	}
}

func TestAttentionErrors(t *testing.T) {
	q := mustTensorT(t, seqDataT(4), []int64{1, 2, 2})
	k := mustTensorT(t, seqDataT(6), []int64{1, 2, 3})

	_, _, err := Attention(nil, k, k, nil)
	assertErrContains(t, err, "non-nil")

	_, _, err = Attention(q, k, k, nil)
	assertErrContains(t, err, "depth mismatch")

	_, _, err = Attention(q, q, mustTensorT(t, seqDataT(6), []int64{1, 3, 2}), nil)
	assertErrContains(t, err, "key/value sequence mismatch")

	_, _, err = Attention(q, mustTensorT(t, seqDataT(8), []int64{2, 2, 2}), q, nil)
	assertErrContains(t, err, "batch mismatch")
}
