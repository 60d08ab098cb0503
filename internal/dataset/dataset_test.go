package dataset

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func frames(n, width int, v float32) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, width)
		for j := range out[i] {
			out[i][j] = v
		}
	}

	return out
}

func example(t *testing.T, id int64, melFrames int, r int64) Example {
	t.Helper()

	rec := Record{ID: id, Text: "t", Source: []int64{3, 4}, Spec: frames(melFrames, 3, 1), Mel: frames(melFrames, 2, 1)}

	target, err := PrepareTarget(rec.TargetData(), r, 1)
	if err != nil {
		t.Fatalf("PrepareTarget: %v", err)
	}

	return Example{Source: PrepareSource(rec.SourceData()), Target: target}
}

func TestReader(t *testing.T) {
	in := `{"id": 1, "text": "hi", "source": [5, 6, 7], "source2": [1], "spec": [[1, 2]], "mel": [[3], [4]]}

{"id": 2, "text": "yo", "source": [1], "spec": [[1, 2]], "mel": [[3]], "target_length": 9}
`

	recs, err := NewReader(strings.NewReader(in)).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}

	src := recs[0].SourceData()
	if src.SourceLength != 3 || src.SourceLength2 != 1 {
		t.Fatalf("source lengths %d, %d", src.SourceLength, src.SourceLength2)
	}

	tgt := recs[0].TargetData()
	if tgt.TargetLength != 2 || tgt.MelWidth != 1 || tgt.SpecWidth != 2 {
		t.Fatalf("target = %+v", tgt)
	}

	if recs[1].TargetData().TargetLength != 9 {
		t.Fatalf("explicit target length ignored: %d", recs[1].TargetData().TargetLength)
	}
}

func TestReaderErrors(t *testing.T) {
	for name, in := range map[string]string{
		"syntax":       "{\"id\": 1,\n",
		"empty source": `{"id": 1, "source": [], "mel": [[1]]}`,
		"ragged mel":   `{"id": 1, "source": [1], "mel": [[1], [1, 2]]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(in)).Next()
			if err == nil || errors.Is(err, io.EOF) {
				t.Fatalf("Next error = %v, want decode error", err)
			}
		})
	}
}

func TestPrepareSource(t *testing.T) {
	got := PrepareSource(SourceData{Source: []int64{9, 9, 9}, SourceLength: 3, Source2: []int64{1, 2}, SourceLength2: 2})

	if !cmp.Equal(got.TextPositions, []int64{1, 2, 3}) || !cmp.Equal(got.TextPositions2, []int64{1, 2}) {
		t.Fatalf("positions %v / %v", got.TextPositions, got.TextPositions2)
	}
}

func TestPrepareTarget(t *testing.T) {
	target := TargetData{ID: 7, Mel: frames(5, 2, 1), MelWidth: 2, Spec: frames(5, 3, 1), SpecWidth: 3, TargetLength: 5}

	got, err := PrepareTarget(target, 2, 1)
	if err != nil {
		t.Fatalf("PrepareTarget: %v", err)
	}

	if got.TargetLength != 7 || len(got.Mel) != 7 || len(got.Spec) != 7 {
		t.Fatalf("length %d, mel %d, spec %d", got.TargetLength, len(got.Mel), len(got.Spec))
	}

	if !cmp.Equal(got.Mel[:3], [][]float32{{0, 0}, {0, 0}, {1, 1}}) {
		t.Fatalf("mel head %v", got.Mel[:3])
	}

	if !cmp.Equal(got.Done, []float32{0, 0, 1}) {
		t.Fatalf("done %v", got.Done)
	}

	got, err = PrepareTarget(target, 1, 2)
	if err != nil {
		t.Fatalf("PrepareTarget: %v", err)
	}

	if !cmp.Equal(got.Done, []float32{0, 0, 1}) {
		t.Fatalf("downsampled done %v", got.Done)
	}

	if _, err := PrepareTarget(target, 0, 1); err == nil {
		t.Fatal("expected error for r = 0")
	}

	if _, err := PrepareTarget(TargetData{}, 4, 2); err == nil {
		t.Fatal("expected error for a target with no decoder steps")
	}
}

func TestZip(t *testing.T) {
	a, b := example(t, 1, 3, 1), example(t, 2, 3, 1)

	got, err := Zip([]PreparedSource{a.Source, b.Source}, []PreparedTarget{a.Target, b.Target})
	if err != nil || len(got) != 2 {
		t.Fatalf("Zip = %d, %v", len(got), err)
	}

	if _, err := Zip([]PreparedSource{a.Source}, []PreparedTarget{b.Target}); err == nil {
		t.Fatal("expected id mismatch error")
	}

	if _, err := Zip([]PreparedSource{a.Source}, nil); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestBucketKey(t *testing.T) {
	opts := BucketOptions{BatchSize: 2, BucketWidth: 4, NumBuckets: 3}

	for length, want := range map[int64]int64{0: 0, 3: 0, 4: 1, 10: 2, 14: 3, 100: 3} {
		if got := opts.BucketKey(length); got != want {
			t.Errorf("BucketKey(%d) = %d, want %d", length, got, want)
		}
	}

	opts.ApproxMinTargetLength = 8
	if got := opts.BucketKey(2); got != 0 {
		t.Errorf("BucketKey below minimum = %d, want 0", got)
	}
}

func TestGroupByBucketSeparatesBuckets(t *testing.T) {
	// Padded lengths 10 and 14 land in buckets 2 and 3.
	examples := []Example{example(t, 1, 9, 1), example(t, 2, 13, 1)}
	opts := BucketOptions{BatchSize: 2, BucketWidth: 4, NumBuckets: 10}

	batches, err := GroupByBucket(examples, opts)
	if err != nil {
		t.Fatalf("GroupByBucket: %v", err)
	}

	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}

	if batches[0].Key != 2 || batches[1].Key != 3 || batches[0].IDs[0] != 1 || batches[1].IDs[0] != 2 {
		t.Fatalf("batches keyed %d/%d with ids %v/%v", batches[0].Key, batches[1].Key, batches[0].IDs, batches[1].IDs)
	}
}

func TestGroupByBucketPadsWindows(t *testing.T) {
	// Lengths 9, 10, 11 share bucket 2; 20 sits alone in bucket 5.
	examples := []Example{example(t, 1, 8, 1), example(t, 2, 19, 1), example(t, 3, 10, 1), example(t, 4, 9, 1)}
	examples[2].Source.Text2 = "second"

	batches, err := GroupByBucket(examples, BucketOptions{BatchSize: 2, BucketWidth: 4, NumBuckets: 10})
	if err != nil {
		t.Fatalf("GroupByBucket: %v", err)
	}

	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}

	full := batches[0]
	if !cmp.Equal(full.IDs, []int64{1, 3}) || full.Key != 2 {
		t.Fatalf("first batch ids %v key %d", full.IDs, full.Key)
	}

	if !cmp.Equal(full.Texts2, []string{"", "second"}) {
		t.Fatalf("texts2 %q", full.Texts2)
	}

	if len(full.Mel[0]) != 11 || len(full.Mel[1]) != 11 {
		t.Fatalf("mel lengths %d, %d", len(full.Mel[0]), len(full.Mel[1]))
	}

	if !cmp.Equal(full.Mel[0][10], []float32{0, 0}) {
		t.Fatalf("padded mel frame %v", full.Mel[0][10])
	}

	if !cmp.Equal(full.Done[0], []float32{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1}) {
		t.Fatalf("padded done %v", full.Done[0])
	}

	if !cmp.Equal(full.TargetLengths, []int64{9, 11}) {
		t.Fatalf("target lengths %v", full.TargetLengths)
	}

	if batches[1].Key != 2 || !cmp.Equal(batches[1].IDs, []int64{4}) {
		t.Fatalf("leftover batch %d ids %v", batches[1].Key, batches[1].IDs)
	}

	if batches[2].Key != 5 || !cmp.Equal(batches[2].IDs, []int64{2}) {
		t.Fatalf("leftover batch %d ids %v", batches[2].Key, batches[2].IDs)
	}

	if _, err := GroupByBucket(examples, BucketOptions{BatchSize: 0, BucketWidth: 1}); err == nil {
		t.Fatal("expected invalid batch size error")
	}
}

func TestAddFramePositions(t *testing.T) {
	batches, err := GroupByBucket([]Example{example(t, 1, 7, 2)}, BucketOptions{BatchSize: 1, BucketWidth: 4})
	if err != nil {
		t.Fatalf("GroupByBucket: %v", err)
	}

	if err := AddFramePositions(batches[0], 3, 1); err != nil {
		t.Fatalf("AddFramePositions: %v", err)
	}

	if !cmp.Equal(batches[0].FramePositions, []int64{1, 2, 3}) {
		t.Fatalf("frame positions %v", batches[0].FramePositions)
	}

	mel, err := batches[0].MelTensor()
	if err != nil {
		t.Fatalf("MelTensor: %v", err)
	}

	if !cmp.Equal(mel.Shape(), []int64{1, 9, 2}) {
		t.Fatalf("mel shape %v", mel.Shape())
	}
}

func TestBuild(t *testing.T) {
	in := `{"id": 1, "text": "a", "source": [1, 2], "spec": [[1]], "mel": [[1], [1], [1]]}
{"id": 2, "text": "b", "source": [3], "spec": [[1]], "mel": [[1], [1], [1], [1]]}
`

	recs, err := NewReader(strings.NewReader(in)).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	batches, err := Build(recs, Options{OutputsPerStep: 1, DownsampleStep: 1, Bucket: BucketOptions{BatchSize: 2, BucketWidth: 10, NumBuckets: 2}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(batches) != 1 || batches[0].Size() != 2 {
		t.Fatalf("got %d batches", len(batches))
	}

	b := batches[0]
	if !cmp.Equal(b.TextPositions, [][]int64{{1, 2}, {1, 0}}) {
		t.Fatalf("text positions %v", b.TextPositions)
	}

	if !cmp.Equal(b.FramePositions, []int64{1, 2, 3, 4, 5}) {
		t.Fatalf("frame positions %v", b.FramePositions)
	}
}
