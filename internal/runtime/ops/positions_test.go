package ops

import (
	"math"
	"testing"
)

func TestPositionTable(t *testing.T) {
	table, err := NewPositionTable(8, 4, 1.0)
	if err != nil {
		t.Fatalf("position table: %v", err)
	}

	emb, err := table.Embed([][]int64{{0, 1, 3}})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}

	if !equalI64(emb.Shape(), []int64{1, 3, 4}) {
		t.Fatalf("embed shape = %v, want [1 3 4]", emb.Shape())
	}

	data := emb.RawData()
	if !equalApprox(data[:4], []float32{0, 0, 0, 0}, 0) {
		t.Fatalf("padding row = %v, want zeros", data[:4])
	}

	want := func(pos, i int) float32 {
		angle := float64(pos) / math.Pow(10000, float64(2*(i/2))/4)
		if i%2 == 0 {
			return float32(math.Sin(angle))
		}

		return float32(math.Cos(angle))
	}

	for i := range 4 {
		if math.Abs(float64(data[4+i]-want(1, i))) > 1e-6 || math.Abs(float64(data[8+i]-want(3, i))) > 1e-6 {
			t.Fatalf("position rows = %v", data[4:])
		}
	}
}

func TestPositionTableRate(t *testing.T) {
	a, err := NewPositionTable(4, 2, 1.0)
	if err != nil {
		t.Fatalf("table: %v", err)
	}

	b, err := NewPositionTable(4, 2, 2.0)
	if err != nil {
		t.Fatalf("table: %v", err)
	}

	ea, _ := a.Embed([][]int64{{2}})
	eb, _ := b.Embed([][]int64{{1}})

	if !equalApprox(ea.Data(), eb.Data(), 1e-6) {
		t.Fatalf("rate 2 at position 1 should equal rate 1 at position 2: %v vs %v", eb.Data(), ea.Data())
	}
}

func TestPositionEmbedErrors(t *testing.T) {
	table, err := NewPositionTable(5, 2, 1.0)
	if err != nil {
		t.Fatalf("table: %v", err)
	}

	_, err = table.Embed([][]int64{{1, 5}})
	assertErrContains(t, err, "out of range")

	_, err = table.Embed([][]int64{{1, 2}, {1}})
	assertErrContains(t, err, "has 1 steps")

	_, err = table.Embed(nil)
	assertErrContains(t, err, "at least one row")

	_, err = NewPositionTable(0, 2, 1)
	assertErrContains(t, err, "positive size")
}
