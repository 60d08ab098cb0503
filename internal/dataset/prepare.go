package dataset

import (
	"fmt"
)

// PreparedSource is a SourceData with 1-based text positions for both
// encodings.
type PreparedSource struct {
	SourceData
	TextPositions  []int64
	TextPositions2 []int64
}

// PreparedTarget is a TargetData padded with r leading zero frames plus the
// done flags the decoder is trained to predict.
type PreparedTarget struct {
	TargetData
	Done []float32
}

// Example pairs the two sides of one utterance.
type Example struct {
	Source PreparedSource
	Target PreparedTarget
}

func PrepareSource(s SourceData) PreparedSource {
	return PreparedSource{
		SourceData:     s,
		TextPositions:  positions(s.SourceLength),
		TextPositions2: positions(s.SourceLength2),
	}
}

// PrepareTarget left pads spec and mel with r zero frames, standing in for
// the decoder's initial state, and builds the done flags: zeros with a
// single 1 at index (target_length+r)/r/downsampleStep - 1.
func PrepareTarget(t TargetData, r, downsampleStep int64) (PreparedTarget, error) {
	if r <= 0 || downsampleStep <= 0 {
		return PreparedTarget{}, fmt.Errorf("dataset: outputs per step and downsample step must be > 0, got %d and %d", r, downsampleStep)
	}

	out := t
	out.Spec = padFront(t.Spec, r, t.SpecWidth)
	out.Mel = padFront(t.Mel, r, t.MelWidth)
	out.TargetLength = t.TargetLength + r

	steps := out.TargetLength / r / downsampleStep
	if steps < 1 {
		return PreparedTarget{}, fmt.Errorf("dataset: target %d of length %d yields no decoder steps", t.ID, t.TargetLength)
	}

	done := make([]float32, steps)
	done[steps-1] = 1

	return PreparedTarget{TargetData: out, Done: done}, nil
}

// Zip pairs sources and targets in order. Both sides must carry the same ids.
func Zip(sources []PreparedSource, targets []PreparedTarget) ([]Example, error) {
	if len(sources) != len(targets) {
		return nil, fmt.Errorf("dataset: %d sources for %d targets", len(sources), len(targets))
	}

	out := make([]Example, len(sources))

	for i := range sources {
		if sources[i].ID != targets[i].ID {
			return nil, fmt.Errorf("dataset: example %d source id %d does not match target id %d", i, sources[i].ID, targets[i].ID)
		}

		out[i] = Example{Source: sources[i], Target: targets[i]}
	}

	return out, nil
}

func positions(n int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}

	return out
}

func padFront(frames [][]float32, n, width int64) [][]float32 {
	out := make([][]float32, 0, int64(len(frames))+n)
	for range n {
		out = append(out, make([]float32, width))
	}

	return append(out, frames...)
}
