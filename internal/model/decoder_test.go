package model

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/example/go-deepvoice3/internal/runtime/ops"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

const testMaxPositions = 30

func testArch(rng *rand.Rand, hops int) Arch {
	channels := 2 * (1 + rng.Int64N(10))
	kernel := 2 + rng.Int64N(9)
	dilation := 1 + rng.Int64N(20)
	inDim := 2 + rng.Int64N(19)

	a := Arch{
		EmbedDim:     2 * (2 + rng.Int64N(9)),
		InDim:        inDim,
		R:            1,
		MaxPositions: testMaxPositions,
		Preattention: []LinearSpec{{In: inDim, Out: channels}},
	}

	for range hops {
		a.Hops = append(a.Hops, HopSpec{OutChannels: channels, KernelSize: kernel, Dilation: dilation})
	}

	return a
}

func newTestDecoder(t *testing.T, arch Arch, w Weights, steps int) *Decoder {
	t.Helper()

	opts := DefaultDecoderOptions()
	opts.MaxDecoderSteps = steps
	opts.MinDecoderSteps = steps

	d, err := NewDecoder(arch, w, opts)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	return d
}

func TestDecoderBatchMatchesIncremental(t *testing.T) {
	rng := rand.New(rand.NewPCG(12345678, 1))

	for hops := 1; hops <= 4; hops++ {
		for trial := range 3 {
			t.Run(fmt.Sprintf("hops%d_%d", hops, trial), func(t *testing.T) {
				arch := testArch(rng, hops)
				tQuery := int(2 + rng.Int64N(18))
				tMem := int(5 + rng.Int64N(15))

				d := newTestDecoder(t, arch, NewSeededWeights(Seeds{Kernel: 123, Weight: 456}), tQuery)

				memory := randTensor(t, rng, 1, int64(tMem), arch.EmbedDim)
				mem := Memory{Keys: memory, Values: memory}
				query := randTensor(t, rng, 1, int64(tQuery), arch.OutDim())
				frames := FramePositions(1, tQuery)
				text := FramePositions(1, tMem)

				batch, err := d.Forward(mem, query, frames, text)
				if err != nil {
					t.Fatalf("Forward: %v", err)
				}

				online, err := d.Infer(context.Background(), mem, frames, text, query)
				if err != nil {
					t.Fatalf("Infer: %v", err)
				}

				if online.Steps != tQuery || online.Forced {
					t.Fatalf("Infer steps = %d forced = %v, want %d unforced", online.Steps, online.Forced, tQuery)
				}

				assertClose(t, "decoder", online.Outputs, batch.Outputs)
				assertClose(t, "decoder", online.Done, batch.Done)

				if len(online.Alignments) != hops {
					t.Fatalf("got %d alignments, want %d", len(online.Alignments), hops)
				}

				for i := range hops {
					assertClose(t, "decoder", online.Alignments[i], batch.Alignments[i])
				}
			})
		}
	}
}

func TestDecoderWithoutPreattention(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	arch := Arch{
		EmbedDim: 4, InDim: 3, R: 2, MaxPositions: 20,
		Hops: []HopSpec{{OutChannels: 6, KernelSize: 3, Dilation: 2}, {OutChannels: 5, KernelSize: 2, Dilation: 1}},
	}

	d := newTestDecoder(t, arch, NewSeededWeights(Seeds{Kernel: 1, Weight: 2}), 7)
	memory := randTensor(t, rng, 2, 6, 4)
	mem := Memory{Keys: memory, Values: memory, Lengths: []int64{6, 3}}
	query := randTensor(t, rng, 2, 7, 6)

	batch, err := d.Forward(mem, query, FramePositions(2, 7), FramePositions(2, 6))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	online, err := d.Infer(context.Background(), mem, FramePositions(2, 7), FramePositions(2, 6), query)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	assertClose(t, "decoder", online.Outputs, batch.Outputs)
}

func TestDecoderMinEqualsMaxRunsExactlyN(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 9))
	arch := testArch(rng, 2)
	memory := randTensor(t, rng, 1, 8, arch.EmbedDim)
	mem := Memory{Keys: memory, Values: memory}

	for _, doneBias := range []float32{-100, 100} {
		for _, n := range []int{1, 5, 12} {
			w := &overrideWeights{
				base:      NewSeededWeights(Seeds{Kernel: 5, Weight: 6}),
				overrides: map[string]*tensor.Tensor{"fc.bias": constTensor(t, doneBias, 1)},
			}
			d := newTestDecoder(t, arch, w, n)

			res, err := d.Infer(context.Background(), mem, FramePositions(1, 1), FramePositions(1, 8), nil)
			if err != nil {
				t.Fatalf("Infer: %v", err)
			}

			if res.Steps != n || res.Outputs.Dim(1) != int64(n) || res.Done.Dim(1) != int64(n) {
				t.Fatalf("bias %v: got %d steps (%v), want %d", doneBias, res.Steps, res.Outputs.Shape(), n)
			}

			if !res.Forced {
				t.Fatalf("bias %v n=%d: stopping at the step cap must report forced", doneBias, n)
			}
		}
	}
}

func TestDecoderStopsOnDone(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 11))
	arch := testArch(rng, 1)
	memory := randTensor(t, rng, 2, 5, arch.EmbedDim)
	mem := Memory{Keys: memory, Values: memory}

	build := func(doneBias float32) *Decoder {
		opts := DefaultDecoderOptions()
		opts.MinDecoderSteps = 3
		opts.MaxDecoderSteps = 9

		w := &overrideWeights{
			base:      NewSeededWeights(Seeds{Kernel: 5, Weight: 6}),
			overrides: map[string]*tensor.Tensor{"fc.bias": constTensor(t, doneBias, 1)},
		}

		d, err := NewDecoder(arch, w, opts)
		if err != nil {
			t.Fatalf("NewDecoder: %v", err)
		}

		return d
	}

	res, err := build(100).Infer(context.Background(), mem, FramePositions(2, 1), FramePositions(2, 5), nil)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if res.Steps != 3 || res.Forced {
		t.Fatalf("done decoder ran %d steps forced=%v, want 3 unforced", res.Steps, res.Forced)
	}

	res, err = build(-100).Infer(context.Background(), mem, FramePositions(2, 1), FramePositions(2, 5), nil)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if res.Steps != 9 || !res.Forced {
		t.Fatalf("never-done decoder ran %d steps forced=%v, want 9 forced", res.Steps, res.Forced)
	}
}

func TestDecoderFeedsBackPreviousOutput(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	arch := testArch(rng, 2)
	d := newTestDecoder(t, arch, NewSeededWeights(Seeds{Kernel: 1, Weight: 2}), 6)

	memory := randTensor(t, rng, 1, 7, arch.EmbedDim)
	mem := Memory{Keys: memory, Values: memory}

	free, err := d.Infer(context.Background(), mem, FramePositions(1, 6), FramePositions(1, 7), nil)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	// Forward over [0, y_0, ..., y_{T-2}] reproduces the free run.
	zero, err := tensor.Zeros([]int64{1, 1, arch.OutDim()})
	if err != nil {
		t.Fatalf("zeros: %v", err)
	}

	prefix, err := free.Outputs.Narrow(1, 0, 5)
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}

	shifted, err := tensor.Concat([]*tensor.Tensor{zero, prefix}, 1)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}

	forced, err := d.Forward(mem, shifted, FramePositions(1, 6), FramePositions(1, 7))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	assertClose(t, "decoder", free.Outputs, forced.Outputs)
}

func TestDecoderStepIsPure(t *testing.T) {
	rng := rand.New(rand.NewPCG(31, 32))
	arch := testArch(rng, 2)
	d := newTestDecoder(t, arch, NewSeededWeights(Seeds{Kernel: 1, Weight: 2}), 4)

	memory := randTensor(t, rng, 1, 5, arch.EmbedDim)

	pm, err := d.Prepare(Memory{Keys: memory, Values: memory}, FramePositions(1, 5))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	s0, err := d.InitState(1)
	if err != nil {
		t.Fatalf("InitState: %v", err)
	}

	a, s1, err := d.Step(pm, s0, nil, []int64{1})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	b, _, err := d.Step(pm, s0, nil, []int64{1})
	if err != nil {
		t.Fatalf("Step again: %v", err)
	}

	assertClose(t, "decoder", a.Output, b.Output)

	if s0.Steps != 0 || s1.Steps != 1 {
		t.Fatalf("step counters %d -> %d, want 0 -> 1", s0.Steps, s1.Steps)
	}
}

func TestDecoderContractErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(41, 42))
	arch := testArch(rng, 1)
	d := newTestDecoder(t, arch, NewSeededWeights(Seeds{Kernel: 1, Weight: 2}), 3)
	ctx := context.Background()

	memory := randTensor(t, rng, 1, 4, arch.EmbedDim)
	mem := Memory{Keys: memory, Values: memory}
	query := randTensor(t, rng, 1, 3, arch.OutDim())

	if _, err := d.Forward(Memory{}, query, nil, nil); !errors.Is(err, ErrMissingMemory) {
		t.Fatalf("Forward without memory: %v", err)
	}

	if _, err := d.Forward(mem, nil, nil, nil); !errors.Is(err, ErrMissingInput) {
		t.Fatalf("Forward without input: %v", err)
	}

	if _, err := d.Infer(ctx, mem, nil, FramePositions(1, 4), nil); !errors.Is(err, ErrMissingPositions) {
		t.Fatalf("Infer without frame positions: %v", err)
	}

	if _, err := d.Infer(ctx, mem, FramePositions(1, 3), nil, nil); !errors.Is(err, ErrMissingPositions) {
		t.Fatalf("Infer without text positions: %v", err)
	}

	if _, err := d.Infer(ctx, Memory{}, FramePositions(1, 3), FramePositions(1, 4), nil); !errors.Is(err, ErrMissingMemory) {
		t.Fatalf("Infer without memory: %v", err)
	}

	if _, err := d.Infer(ctx, mem, FramePositions(1, 3), FramePositions(1, 5), nil); err == nil {
		t.Fatal("expected text position length error")
	}

	if _, err := d.Forward(mem, query, [][]int64{{1, 2, testMaxPositions}}, nil); err == nil {
		t.Fatal("expected out of range frame position error")
	}

	opts := DefaultDecoderOptions()
	opts.MinDecoderSteps, opts.MaxDecoderSteps = 3, 3
	opts.Training = true

	training, err := NewDecoder(arch, NewSeededWeights(Seeds{Kernel: 1, Weight: 2}), opts)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	if _, err := training.Infer(ctx, mem, FramePositions(1, 3), FramePositions(1, 4), nil); !errors.Is(err, ops.ErrIncrementalTraining) {
		t.Fatalf("Infer in training mode: %v", err)
	}

	if _, err := training.Forward(mem, query, nil, nil); err != nil {
		t.Fatalf("Forward in training mode: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	if _, err := d.Infer(cancelled, mem, FramePositions(1, 3), FramePositions(1, 4), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Infer with cancelled context: %v", err)
	}
}

func TestDecoderTestInputsCappedAtMaxSteps(t *testing.T) {
	rng := rand.New(rand.NewPCG(51, 52))
	arch := testArch(rng, 1)
	d := newTestDecoder(t, arch, NewSeededWeights(Seeds{Kernel: 1, Weight: 2}), 3)

	memory := randTensor(t, rng, 1, 4, arch.EmbedDim)
	mem := Memory{Keys: memory, Values: memory}
	query := randTensor(t, rng, 1, 9, arch.OutDim())

	res, err := d.Infer(context.Background(), mem, FramePositions(1, 9), FramePositions(1, 4), query)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if res.Steps != 3 || res.Outputs.Dim(1) != 3 || !res.Forced {
		t.Fatalf("got %d steps forced=%v, want 3 forced", res.Steps, res.Forced)
	}

	short, err := d.Infer(context.Background(), mem, FramePositions(1, 2), FramePositions(1, 4), query.Clone())
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	head, err := query.Narrow(1, 0, 2)
	if err != nil {
		t.Fatal(err)
	}

	exact, err := d.Infer(context.Background(), mem, FramePositions(1, 2), FramePositions(1, 4), head)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if exact.Steps != 2 || exact.Forced {
		t.Fatalf("shorter test inputs ran %d steps forced=%v, want 2 unforced", exact.Steps, exact.Forced)
	}

	assertClose(t, "decoder", exact.Outputs, mustNarrow(t, short.Outputs, 2))
}

func TestNewDecoderRejectsUnreachableStepCap(t *testing.T) {
	rng := rand.New(rand.NewPCG(61, 62))
	arch := testArch(rng, 1)
	arch.MaxPositions = 8

	opts := DefaultDecoderOptions()
	opts.MinDecoderSteps, opts.MaxDecoderSteps = 12, 12

	if _, err := NewDecoder(arch, NewSeededWeights(Seeds{Kernel: 1, Weight: 2}), opts); err == nil {
		t.Fatal("expected error for max decoder steps beyond the position table")
	}

	opts.MinDecoderSteps, opts.MaxDecoderSteps = 7, 7

	d, err := NewDecoder(arch, NewSeededWeights(Seeds{Kernel: 1, Weight: 2}), opts)
	if err != nil {
		t.Fatalf("NewDecoder at the largest indexable cap: %v", err)
	}

	memory := randTensor(t, rng, 1, 3, arch.EmbedDim)
	mem := Memory{Keys: memory, Values: memory}

	res, err := d.Infer(context.Background(), mem, FramePositions(1, 1), FramePositions(1, 3), nil)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}

	if res.Steps != 7 || !res.Forced {
		t.Fatalf("got %d steps forced=%v, want 7 forced", res.Steps, res.Forced)
	}

	// Starting later than 1 runs past the table; nothing is decoded.
	if _, err := d.Infer(context.Background(), mem, [][]int64{{3}}, FramePositions(1, 3), nil); !errors.Is(err, ops.ErrPositionRange) {
		t.Fatalf("Infer from frame position 3: %v", err)
	}
}

func TestDecoderOptionsValidate(t *testing.T) {
	base := DefaultDecoderOptions()

	tests := []struct {
		name   string
		mutate func(*DecoderOptions)
	}{
		{"min above max", func(o *DecoderOptions) { o.MinDecoderSteps = o.MaxDecoderSteps + 1 }},
		{"negative min", func(o *DecoderOptions) { o.MinDecoderSteps = -1 }},
		{"zero max", func(o *DecoderOptions) { o.MaxDecoderSteps, o.MinDecoderSteps = 0, 0 }},
		{"threshold", func(o *DecoderOptions) { o.DoneThreshold = 2 }},
		{"dropout", func(o *DecoderOptions) { o.Dropout = 1 }},
		{"rate", func(o *DecoderOptions) { o.KeyPositionRate = 0 }},
	}

	if err := base.validate(); err != nil {
		t.Fatalf("default options: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.mutate(&o)

			if err := o.validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDecoderMemoryLengths(t *testing.T) {
	rng := rand.New(rand.NewPCG(71, 72))
	arch := testArch(rng, 1)
	d := newTestDecoder(t, arch, NewSeededWeights(Seeds{Kernel: 1, Weight: 2}), 2)

	memory := randTensor(t, rng, 2, 4, arch.EmbedDim)

	for _, lengths := range [][]int64{{4}, {0, 4}, {4, 5}} {
		mem := Memory{Keys: memory, Values: memory, Lengths: lengths}

		if _, err := d.Infer(context.Background(), mem, FramePositions(2, 1), FramePositions(2, 4), nil); !errors.Is(err, ErrMemoryLengths) {
			t.Errorf("lengths %v: got %v, want ErrMemoryLengths", lengths, err)
		}
	}
}

func mustNarrow(t *testing.T, x *tensor.Tensor, steps int64) *tensor.Tensor {
	t.Helper()

	out, err := x.Narrow(1, 0, steps)
	if err != nil {
		t.Fatal(err)
	}

	return out
}

func TestFramePositionsAtExtendsRows(t *testing.T) {
	positions := [][]int64{{1, 2}, {5}}

	for step, want := range [][]int64{{1, 5}, {2, 6}, {3, 7}, {4, 8}} {
		got := framePositionsAt(positions, step)
		if got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("step %d positions %v, want %v", step, got, want)
		}
	}
}

func constTensor(t *testing.T, v float32, shape ...int64) *tensor.Tensor {
	t.Helper()

	x, err := tensor.Full(shape, v)
	if err != nil {
		t.Fatalf("full: %v", err)
	}

	return x
}
