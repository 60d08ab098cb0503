package dataset

import (
	"errors"
	"fmt"
	"slices"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// BucketOptions controls length bucketing.
type BucketOptions struct {
	BatchSize             int
	ApproxMinTargetLength int64
	BucketWidth           int64
	NumBuckets            int64
}

func (o BucketOptions) validate() error {
	if o.BatchSize < 1 {
		return fmt.Errorf("dataset: batch size must be >= 1, got %d", o.BatchSize)
	}

	if o.BucketWidth < 1 {
		return fmt.Errorf("dataset: bucket width must be >= 1, got %d", o.BucketWidth)
	}

	if o.NumBuckets < 0 {
		return fmt.Errorf("dataset: bucket count must be >= 0, got %d", o.NumBuckets)
	}

	return nil
}

// BucketKey maps a target length to its bucket. Lengths below the
// approximate minimum share bucket 0; keys are clipped at NumBuckets.
func (o BucketOptions) BucketKey(targetLength int64) int64 {
	return min(o.NumBuckets, max(targetLength-o.ApproxMinTargetLength, 0)/o.BucketWidth)
}

// Batch is a padded group of examples. Text fields pad with "", integer and
// frame fields with 0, and done flags with 1.
type Batch struct {
	Key int64

	IDs            []int64
	Texts          []string
	Sources        [][]int64
	SourceLengths  []int64
	TextPositions  [][]int64
	Texts2         []string
	Sources2       [][]int64
	SourceLengths2 []int64
	TextPositions2 [][]int64

	Spec          [][][]float32
	SpecWidths    []int64
	Mel           [][][]float32
	MelWidths     []int64
	TargetLengths []int64
	Done          [][]float32

	// FramePositions is set by AddFramePositions.
	FramePositions []int64
}

func (b *Batch) Size() int { return len(b.IDs) }

// MelTensor returns the padded mel frames as a [B, T, W] tensor.
func (b *Batch) MelTensor() (*tensor.Tensor, error) {
	if b.Size() == 0 {
		return nil, errors.New("dataset: empty batch")
	}

	frames := int64(len(b.Mel[0]))
	width := int64(0)

	if frames > 0 {
		width = int64(len(b.Mel[0][0]))
	}

	data := make([]float32, 0, int64(b.Size())*frames*width)
	for _, utt := range b.Mel {
		for _, f := range utt {
			data = append(data, f...)
		}
	}

	return tensor.New(data, []int64{int64(b.Size()), frames, width})
}

// GroupByBucket groups examples by BucketKey of their target length. A
// bucket is emitted as soon as it holds BatchSize examples; partially filled
// buckets are emitted at the end in ascending key order.
func GroupByBucket(examples []Example, opts BucketOptions) ([]*Batch, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var (
		out     []*Batch
		windows = make(map[int64][]Example)
	)

	for _, ex := range examples {
		key := opts.BucketKey(ex.Target.TargetLength)

		w := append(windows[key], ex)
		if len(w) < opts.BatchSize {
			windows[key] = w
			continue
		}

		out = append(out, padBatch(key, w))
		delete(windows, key)
	}

	keys := make([]int64, 0, len(windows))
	for k := range windows {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	for _, k := range keys {
		out = append(out, padBatch(k, windows[k]))
	}

	return out, nil
}

// AddFramePositions sets 1..T frame positions where T is the padded mel
// length divided by r and the downsample step.
func AddFramePositions(b *Batch, r, downsampleStep int64) error {
	if r <= 0 || downsampleStep <= 0 {
		return fmt.Errorf("dataset: outputs per step and downsample step must be > 0, got %d and %d", r, downsampleStep)
	}

	if b.Size() == 0 {
		return errors.New("dataset: empty batch")
	}

	b.FramePositions = positions(int64(len(b.Mel[0])) / r / downsampleStep)

	return nil
}

func padBatch(key int64, examples []Example) *Batch {
	b := &Batch{Key: key}

	var maxSrc, maxSrc2, maxSpec, maxMel, maxDone int
	var specWidth, melWidth int64

	for _, ex := range examples {
		maxSrc = max(maxSrc, len(ex.Source.Source))
		maxSrc2 = max(maxSrc2, len(ex.Source.Source2))
		maxSpec = max(maxSpec, len(ex.Target.Spec))
		maxMel = max(maxMel, len(ex.Target.Mel))
		maxDone = max(maxDone, len(ex.Target.Done))
		specWidth = max(specWidth, ex.Target.SpecWidth)
		melWidth = max(melWidth, ex.Target.MelWidth)
	}

	for _, ex := range examples {
		s, t := ex.Source, ex.Target

		b.IDs = append(b.IDs, s.ID)
		b.Texts = append(b.Texts, s.Text)
		b.Sources = append(b.Sources, padInts(s.Source, maxSrc))
		b.SourceLengths = append(b.SourceLengths, s.SourceLength)
		b.TextPositions = append(b.TextPositions, padInts(s.TextPositions, maxSrc))
		b.Texts2 = append(b.Texts2, s.Text2)
		b.Sources2 = append(b.Sources2, padInts(s.Source2, maxSrc2))
		b.SourceLengths2 = append(b.SourceLengths2, s.SourceLength2)
		b.TextPositions2 = append(b.TextPositions2, padInts(s.TextPositions2, maxSrc2))

		b.Spec = append(b.Spec, padFrames(t.Spec, maxSpec, specWidth))
		b.SpecWidths = append(b.SpecWidths, t.SpecWidth)
		b.Mel = append(b.Mel, padFrames(t.Mel, maxMel, melWidth))
		b.MelWidths = append(b.MelWidths, t.MelWidth)
		b.TargetLengths = append(b.TargetLengths, t.TargetLength)

		done := make([]float32, maxDone)
		copy(done, t.Done)

		for i := len(t.Done); i < maxDone; i++ {
			done[i] = 1
		}

		b.Done = append(b.Done, done)
	}

	return b
}

func padInts(v []int64, n int) []int64 {
	out := make([]int64, n)
	copy(out, v)

	return out
}

func padFrames(frames [][]float32, n int, width int64) [][]float32 {
	out := make([][]float32, n)

	for i := range out {
		out[i] = make([]float32, width)
		if i < len(frames) {
			copy(out[i], frames[i])
		}
	}

	return out
}
