package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/example/go-deepvoice3/internal/runtime/ops"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

type DecoderOptions struct {
	MaxDecoderSteps   int
	MinDecoderSteps   int
	DoneThreshold     float32
	Dropout           float64
	QueryPositionRate float64
	KeyPositionRate   float64
	// Training enables dropout in Forward. Infer rejects it.
	Training    bool
	DropoutSeed uint64
}

func DefaultDecoderOptions() DecoderOptions {
	return DecoderOptions{
		MaxDecoderSteps:   200,
		MinDecoderSteps:   10,
		DoneThreshold:     0.5,
		QueryPositionRate: 1.0,
		KeyPositionRate:   1.29,
	}
}

func (o DecoderOptions) validate() error {
	if o.MaxDecoderSteps < 1 {
		return fmt.Errorf("model: max decoder steps must be >= 1, got %d", o.MaxDecoderSteps)
	}

	if o.MinDecoderSteps < 0 || o.MinDecoderSteps > o.MaxDecoderSteps {
		return fmt.Errorf("model: min decoder steps must be in [0, %d], got %d", o.MaxDecoderSteps, o.MinDecoderSteps)
	}

	if o.DoneThreshold < 0 || o.DoneThreshold > 1 {
		return fmt.Errorf("model: done threshold must be in [0, 1], got %v", o.DoneThreshold)
	}

	if o.Dropout < 0 || o.Dropout >= 1 {
		return fmt.Errorf("model: dropout must be in [0, 1), got %v", o.Dropout)
	}

	if o.QueryPositionRate <= 0 || o.KeyPositionRate <= 0 {
		return fmt.Errorf("model: position rates must be > 0, got %v and %v", o.QueryPositionRate, o.KeyPositionRate)
	}

	return nil
}

// Memory is the encoder output the decoder attends over.
type Memory struct {
	Keys   *tensor.Tensor // [B, T_mem, embed_dim]
	Values *tensor.Tensor // [B, T_mem, embed_dim]
	// Lengths optionally limits attention to the first Lengths[b] memory
	// steps of each row.
	Lengths []int64
}

// PreparedMemory is a Memory with the text position encoding applied to its
// keys. It is read-only and shared by every step of a decode.
type PreparedMemory struct {
	Keys    *tensor.Tensor
	Values  *tensor.Tensor
	Lengths []int64
}

func (pm *PreparedMemory) Batch() int64 { return pm.Keys.Dim(0) }

// DecoderState is the carry between incremental steps. Step never modifies
// a state; it returns a new one.
type DecoderState struct {
	Pre  ChainState
	Hops ChainState
	// Prev is the last output frame [B, 1, in_dim*r], zeros before the
	// first step.
	Prev *tensor.Tensor
	// Steps counts the steps taken so far.
	Steps int
}

// StepOutput is the result of one incremental step.
type StepOutput struct {
	Output     *tensor.Tensor   // [B, 1, in_dim*r]
	Done       *tensor.Tensor   // [B, 1, 1]
	Alignments []*tensor.Tensor // one [B, 1, T_mem] per hop
}

// Result is a decoded sequence.
type Result struct {
	Outputs    *tensor.Tensor   // [B, T, in_dim*r]
	Done       *tensor.Tensor   // [B, T, 1]
	Alignments []*tensor.Tensor // one [B, T, T_mem] per hop
	Steps      int
	// Forced is set when incremental decoding stopped at the step cap,
	// including when the done prediction also held at that step, or when
	// test inputs longer than the cap were truncated.
	Forced bool
}

// Decoder drives the pre-attention layers, the attention hops and the output
// heads, over a whole sequence (Forward) or one frame at a time (Infer).
// A Decoder is immutable and may serve concurrent decodes.
type Decoder struct {
	arch   Arch
	opts   DecoderOptions
	pre    *CellChain
	hops   *MultiHopAttention
	last   *Linear
	fc     *Linear
	keyPos *ops.PositionTable
}

func NewDecoder(arch Arch, w Weights, opts DecoderOptions) (*Decoder, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	// A free run from frame position 1 reaches position MaxDecoderSteps.
	if int64(opts.MaxDecoderSteps) >= arch.MaxPositions {
		return nil, fmt.Errorf("model: max decoder steps %d need max_positions > %d, got %d",
			opts.MaxDecoderSteps, opts.MaxDecoderSteps, arch.MaxPositions)
	}

	cells := make([]Cell, 0, len(arch.Preattention))
	in := arch.OutDim()

	for i, spec := range arch.Preattention {
		cell, err := newDenseCell(w.Path("preattention", fmt.Sprint(i)), spec.In, spec.Out, opts.Dropout)
		if err != nil {
			return nil, fmt.Errorf("model: preattention %d: %w", i, err)
		}

		cells = append(cells, cell)
		in = spec.Out
	}

	hops, err := newMultiHopAttention(w, in, arch.EmbedDim, arch.MaxPositions, arch.Hops, opts.Dropout, opts.QueryPositionRate)
	if err != nil {
		return nil, err
	}

	last, err := loadLinear(w, "last", arch.Channels(), arch.OutDim())
	if err != nil {
		return nil, err
	}

	fc, err := loadLinear(w, "fc", arch.OutDim(), 1)
	if err != nil {
		return nil, err
	}

	keyPos, err := ops.NewPositionTable(arch.MaxPositions, arch.EmbedDim, opts.KeyPositionRate)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	return &Decoder{
		arch:   arch,
		opts:   opts,
		pre:    NewCellChain(cells...),
		hops:   hops,
		last:   last,
		fc:     fc,
		keyPos: keyPos,
	}, nil
}

func (d *Decoder) Arch() Arch              { return d.arch }
func (d *Decoder) Options() DecoderOptions { return d.opts }

// Prepare validates the memory and adds the text position encoding to the
// keys. textPositions may be nil.
func (d *Decoder) Prepare(mem Memory, textPositions [][]int64) (*PreparedMemory, error) {
	if mem.Keys == nil || mem.Values == nil {
		return nil, ErrMissingMemory
	}

	if err := tensor.ExpectShape("memory keys", mem.Keys, -1, -1, d.arch.EmbedDim); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	if err := tensor.ExpectShape("memory values", mem.Values, mem.Keys.Dim(0), mem.Keys.Dim(1), d.arch.EmbedDim); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	batch, steps := mem.Keys.Dim(0), mem.Keys.Dim(1)

	if mem.Lengths != nil && int64(len(mem.Lengths)) != batch {
		return nil, fmt.Errorf("model: memory has %d lengths for batch %d: %w", len(mem.Lengths), batch, ErrMemoryLengths)
	}

	for b, n := range mem.Lengths {
		if n < 1 || n > steps {
			return nil, fmt.Errorf("model: memory length %d of row %d not in [1, %d]: %w", n, b, steps, ErrMemoryLengths)
		}
	}

	keys := mem.Keys

	if textPositions != nil {
		if err := checkPositions("text", textPositions, batch, steps); err != nil {
			return nil, err
		}

		pos, err := d.keyPos.Embed(textPositions)
		if err != nil {
			return nil, fmt.Errorf("model: text positions: %w", err)
		}

		if keys, err = tensor.BroadcastAdd(keys, pos); err != nil {
			return nil, fmt.Errorf("model: text positions: %w", err)
		}
	}

	return &PreparedMemory{Keys: keys, Values: mem.Values, Lengths: mem.Lengths}, nil
}

// Forward decodes a whole teacher-forced input sequence [B, T, in_dim*r].
// Output step t depends only on input steps <= t. Positions are optional.
func (d *Decoder) Forward(mem Memory, input *tensor.Tensor, framePositions, textPositions [][]int64) (*Result, error) {
	if input == nil {
		return nil, ErrMissingInput
	}

	pm, err := d.Prepare(mem, textPositions)
	if err != nil {
		return nil, err
	}

	if err := tensor.ExpectShape("decoder input", input, pm.Batch(), -1, d.arch.OutDim()); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	if framePositions != nil {
		if err := checkPositions("frame", framePositions, pm.Batch(), input.Dim(1)); err != nil {
			return nil, err
		}
	}

	mode := Mode{Training: d.opts.Training}
	if mode.Training {
		mode.RNG = rand.New(rand.NewPCG(d.opts.DropoutSeed, 0))
	}

	x, err := d.pre.ApplyBatch(input, mode)
	if err != nil {
		return nil, err
	}

	x, alignments, err := d.hops.ApplyBatch(x, pm, framePositions, mode)
	if err != nil {
		return nil, err
	}

	outputs, done, err := d.heads(x)
	if err != nil {
		return nil, err
	}

	return &Result{Outputs: outputs, Done: done, Alignments: alignments, Steps: int(input.Dim(1))}, nil
}

// InitState returns the all-zero state a decode of batch rows starts from.
func (d *Decoder) InitState(batch int64) (DecoderState, error) {
	pre, err := d.pre.ZeroState(batch)
	if err != nil {
		return DecoderState{}, err
	}

	hops, err := d.hops.ZeroState(batch)
	if err != nil {
		return DecoderState{}, err
	}

	prev, err := tensor.Zeros([]int64{batch, 1, d.arch.OutDim()})
	if err != nil {
		return DecoderState{}, err
	}

	preState, _ := pre.(ChainState)

	return DecoderState{Pre: preState, Hops: hops, Prev: prev}, nil
}

// Step advances one frame. input is the frame fed to the decoder; when nil
// the previous output is fed back. framePositions holds the current frame
// position per batch row and may be nil.
func (d *Decoder) Step(pm *PreparedMemory, state DecoderState, input *tensor.Tensor, framePositions []int64) (StepOutput, DecoderState, error) {
	if pm == nil {
		return StepOutput{}, state, ErrMissingMemory
	}

	if input == nil {
		input = state.Prev
	}

	if err := tensor.ExpectShape("step input", input, pm.Batch(), -1, d.arch.OutDim()); err != nil {
		return StepOutput{}, state, fmt.Errorf("model: %w", err)
	}

	var column [][]int64

	if framePositions != nil {
		if int64(len(framePositions)) != pm.Batch() {
			return StepOutput{}, state, fmt.Errorf("model: %d frame positions for batch %d", len(framePositions), pm.Batch())
		}

		column = make([][]int64, len(framePositions))
		for b, p := range framePositions {
			column[b] = []int64{p}
		}
	}

	x, pre, err := d.pre.ApplyStep(input, state.Pre, Mode{})
	if err != nil {
		return StepOutput{}, state, err
	}

	x, hops, alignments, err := d.hops.ApplyStep(x, state.Hops, pm, column, Mode{})
	if err != nil {
		return StepOutput{}, state, err
	}

	out, done, err := d.heads(x)
	if err != nil {
		return StepOutput{}, state, err
	}

	preState, _ := pre.(ChainState)
	next := DecoderState{Pre: preState, Hops: hops, Prev: out, Steps: state.Steps + 1}

	return StepOutput{Output: out, Done: done, Alignments: alignments}, next, nil
}

// Infer decodes autoregressively from a zero frame. With testInputs
// ([B, T, in_dim*r]) step t is fed testInputs[:, t] and min(T,
// MaxDecoderSteps) steps run. Otherwise decoding stops once every row
// predicts done above the threshold after at least MinDecoderSteps steps, or
// at MaxDecoderSteps. Reaching MaxDecoderSteps always reports Forced, even
// when the done condition holds at the same step. The stop decision is taken
// for the whole batch.
//
// Frame positions past the end of a row continue from its last position.
func (d *Decoder) Infer(ctx context.Context, mem Memory, framePositions, textPositions [][]int64, testInputs *tensor.Tensor) (*Result, error) {
	if d.opts.Training {
		return nil, fmt.Errorf("model: infer: %w", ops.ErrIncrementalTraining)
	}

	if framePositions == nil || textPositions == nil {
		return nil, ErrMissingPositions
	}

	pm, err := d.Prepare(mem, textPositions)
	if err != nil {
		return nil, err
	}

	batch := pm.Batch()

	if int64(len(framePositions)) != batch {
		return nil, fmt.Errorf("model: %d frame position rows for batch %d", len(framePositions), batch)
	}

	for b, row := range framePositions {
		if len(row) == 0 {
			return nil, fmt.Errorf("model: frame positions row %d is empty: %w", b, ErrMissingPositions)
		}
	}

	limit := d.opts.MaxDecoderSteps

	if testInputs != nil {
		if err := tensor.ExpectShape("test inputs", testInputs, batch, -1, d.arch.OutDim()); err != nil {
			return nil, fmt.Errorf("model: %w", err)
		}

		if testInputs.Dim(1) == 0 {
			return nil, errors.New("model: test inputs have no time steps")
		}

		limit = int(min(testInputs.Dim(1), int64(limit)))
	}

	if err := checkFrameRange(framePositions, limit, d.arch.MaxPositions); err != nil {
		return nil, err
	}

	state, err := d.InitState(batch)
	if err != nil {
		return nil, err
	}

	var (
		outputs, dones []*tensor.Tensor
		alignments     = make([][]*tensor.Tensor, d.hops.Len())
		lastDone       *tensor.Tensor
	)

	for state.Steps < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var input *tensor.Tensor
		if testInputs != nil {
			if input, err = testInputs.TimeStep(int64(state.Steps)); err != nil {
				return nil, fmt.Errorf("model: test inputs: %w", err)
			}
		}

		out, next, err := d.Step(pm, state, input, framePositionsAt(framePositions, state.Steps))
		if err != nil {
			return nil, fmt.Errorf("model: step %d: %w", state.Steps, err)
		}

		state = next
		lastDone = out.Done
		outputs = append(outputs, out.Output)
		dones = append(dones, out.Done)

		for i, a := range out.Alignments {
			alignments[i] = append(alignments[i], a)
		}

		if testInputs == nil && state.Steps < limit &&
			state.Steps >= d.opts.MinDecoderSteps && allAbove(out.Done, d.opts.DoneThreshold) {
			break
		}
	}

	forced := state.Steps >= d.opts.MaxDecoderSteps
	if testInputs != nil {
		forced = testInputs.Dim(1) > int64(d.opts.MaxDecoderSteps)
	}

	slog.Debug("decoder loop finished",
		"steps", state.Steps,
		"forced", forced,
		"done", lastDone.RawData(),
	)

	res := &Result{Steps: state.Steps, Forced: forced}

	if res.Outputs, err = tensor.Concat(outputs, 1); err != nil {
		return nil, err
	}

	if res.Done, err = tensor.Concat(dones, 1); err != nil {
		return nil, err
	}

	for _, steps := range alignments {
		a, err := tensor.Concat(steps, 1)
		if err != nil {
			return nil, err
		}

		res.Alignments = append(res.Alignments, a)
	}

	return res, nil
}

// heads maps the hop output to the output frames and done probabilities.
// The done head reads the output projection before its sigmoid.
func (d *Decoder) heads(x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	last, err := d.last.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("model: output projection: %w", err)
	}

	done, err := d.fc.Forward(last)
	if err != nil {
		return nil, nil, fmt.Errorf("model: done projection: %w", err)
	}

	return ops.Sigmoid(last), ops.Sigmoid(done), nil
}

// FramePositions returns batch rows of positions 1..steps.
func FramePositions(batch, steps int) [][]int64 {
	out := make([][]int64, batch)
	for b := range out {
		row := make([]int64, steps)
		for t := range row {
			row[t] = int64(t + 1)
		}

		out[b] = row
	}

	return out
}

func framePositionsAt(positions [][]int64, step int) []int64 {
	out := make([]int64, len(positions))

	for b, row := range positions {
		if step < len(row) {
			out[b] = row[step]
			continue
		}

		out[b] = row[len(row)-1] + int64(step-len(row)+1)
	}

	return out
}

// checkFrameRange reports frame positions, including the ones extended past
// the end of a row, that the position table cannot index within steps.
func checkFrameRange(positions [][]int64, steps int, maxPositions int64) error {
	for b, row := range positions {
		for i, pos := range row[:min(len(row), steps)] {
			if pos < 0 || pos >= maxPositions {
				return fmt.Errorf("model: frame position %d at row %d step %d: %w", pos, b, i, ops.ErrPositionRange)
			}
		}

		if steps > len(row) {
			if last := row[len(row)-1] + int64(steps-len(row)); last >= maxPositions {
				return fmt.Errorf("model: frame positions of row %d reach %d within %d steps: %w", b, last, steps, ops.ErrPositionRange)
			}
		}
	}

	return nil
}

func allAbove(done *tensor.Tensor, threshold float32) bool {
	for _, v := range done.RawData() {
		if v <= threshold {
			return false
		}
	}

	return true
}

func checkPositions(kind string, positions [][]int64, batch, steps int64) error {
	if int64(len(positions)) != batch {
		return fmt.Errorf("model: %s positions have %d rows for batch %d", kind, len(positions), batch)
	}

	for b, row := range positions {
		if int64(len(row)) != steps {
			return fmt.Errorf("model: %s positions row %d has %d steps, want %d", kind, b, len(row), steps)
		}
	}

	return nil
}
