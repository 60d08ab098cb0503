package server

import (
	"context"
	"fmt"

	"github.com/example/go-deepvoice3/internal/model"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// DecodeRequest is the body of POST /decode. Keys are the encoder output
// [B][T_mem][embed_dim]; Values defaults to Keys. Text positions default to
// 1..T_mem and frame positions to a single 1 per row. With TestInputs the
// decoder is fed those frames instead of its own output.
type DecodeRequest struct {
	Keys           [][][]float32 `json:"keys"`
	Values         [][][]float32 `json:"values,omitempty"`
	Lengths        []int64       `json:"lengths,omitempty"`
	TextPositions  [][]int64     `json:"text_positions,omitempty"`
	FramePositions [][]int64     `json:"frame_positions,omitempty"`
	TestInputs     [][][]float32 `json:"test_inputs,omitempty"`
	Alignments     bool          `json:"alignments,omitempty"`
}

type DecodeResponse struct {
	RequestID  string          `json:"request_id"`
	Outputs    [][][]float32   `json:"outputs"`
	Done       [][]float32     `json:"done"`
	Steps      int             `json:"steps"`
	Forced     bool            `json:"forced"`
	Alignments [][][][]float32 `json:"alignments,omitempty"`
}

// decodeInput is a validated DecodeRequest.
type decodeInput struct {
	mem            model.Memory
	textPositions  [][]int64
	framePositions [][]int64
	testInputs     *tensor.Tensor
}

func (r *DecodeRequest) input(arch model.Arch) (*decodeInput, error) {
	if len(r.Keys) == 0 {
		return nil, model.ErrMissingMemory
	}

	keys, err := toTensor3("keys", r.Keys, arch.EmbedDim)
	if err != nil {
		return nil, err
	}

	values := keys
	if r.Values != nil {
		if values, err = toTensor3("values", r.Values, arch.EmbedDim); err != nil {
			return nil, err
		}
	}

	batch, steps := keys.Dim(0), keys.Dim(1)
	if !tensor.SameShape(keys, values) {
		return nil, fmt.Errorf("values shape %v does not match keys shape %v", values.Shape(), keys.Shape())
	}

	in := &decodeInput{
		mem:            model.Memory{Keys: keys, Values: values, Lengths: r.Lengths},
		textPositions:  r.TextPositions,
		framePositions: r.FramePositions,
	}

	if in.textPositions == nil {
		in.textPositions = model.FramePositions(int(batch), int(steps))
	}

	if in.framePositions == nil {
		in.framePositions = model.FramePositions(int(batch), 1)
	}

	if int64(len(in.textPositions)) != batch || int64(len(in.framePositions)) != batch {
		return nil, fmt.Errorf("positions need %d rows, got %d text and %d frame rows", batch, len(in.textPositions), len(in.framePositions))
	}

	for b := range batch {
		if int64(len(in.textPositions[b])) != steps {
			return nil, fmt.Errorf("text_positions row %d has %d entries, want %d", b, len(in.textPositions[b]), steps)
		}

		if len(in.framePositions[b]) == 0 {
			return nil, fmt.Errorf("frame_positions row %d is empty", b)
		}

		if err := checkRange("text_positions", int(b), in.textPositions[b], arch.MaxPositions); err != nil {
			return nil, err
		}

		if err := checkRange("frame_positions", int(b), in.framePositions[b], arch.MaxPositions); err != nil {
			return nil, err
		}
	}

	if r.Lengths != nil {
		if int64(len(r.Lengths)) != batch {
			return nil, fmt.Errorf("lengths has %d entries, want %d", len(r.Lengths), batch)
		}

		for b, n := range r.Lengths {
			if n < 1 || n > steps {
				return nil, fmt.Errorf("lengths[%d] = %d, want 1..%d", b, n, steps)
			}
		}
	}

	if r.TestInputs != nil {
		if in.testInputs, err = toTensor3("test_inputs", r.TestInputs, arch.OutDim()); err != nil {
			return nil, err
		}

		if in.testInputs.Dim(0) != batch {
			return nil, fmt.Errorf("test_inputs batch %d does not match keys batch %d", in.testInputs.Dim(0), batch)
		}
	}

	return in, nil
}

// Decode validates r against dec's architecture and runs it.
func (r *DecodeRequest) Decode(ctx context.Context, dec Decoder, id string) (*DecodeResponse, error) {
	in, err := r.input(dec.Arch())
	if err != nil {
		return nil, err
	}

	res, err := dec.Infer(ctx, in.mem, in.framePositions, in.textPositions, in.testInputs)
	if err != nil {
		return nil, err
	}

	return newDecodeResponse(id, res, r.Alignments), nil
}

func newDecodeResponse(id string, res *model.Result, withAlignments bool) *DecodeResponse {
	resp := &DecodeResponse{
		RequestID: id,
		Outputs:   fromTensor3(res.Outputs),
		Steps:     res.Steps,
		Forced:    res.Forced,
	}

	for _, row := range fromTensor3(res.Done) {
		done := make([]float32, len(row))
		for t, v := range row {
			done[t] = v[0]
		}

		resp.Done = append(resp.Done, done)
	}

	if withAlignments {
		for _, a := range res.Alignments {
			resp.Alignments = append(resp.Alignments, fromTensor3(a))
		}
	}

	return resp
}

// toTensor3 packs a [B][T][C] array whose innermost width must be width.
func checkRange(name string, b int, row []int64, maxPositions int64) error {
	for t, pos := range row {
		if pos < 0 || pos >= maxPositions {
			return fmt.Errorf("%s[%d][%d]: position %d outside [0, %d)", name, b, t, pos, maxPositions)
		}
	}

	return nil
}

func toTensor3(name string, v [][][]float32, width int64) (*tensor.Tensor, error) {
	if len(v) == 0 || len(v[0]) == 0 {
		return nil, fmt.Errorf("%s must be a non-empty [batch][time][%d] array", name, width)
	}

	steps := len(v[0])
	data := make([]float32, 0, int64(len(v)*steps)*width)

	for b, row := range v {
		if len(row) != steps {
			return nil, fmt.Errorf("%s row %d has %d steps, want %d", name, b, len(row), steps)
		}

		for t, frame := range row {
			if int64(len(frame)) != width {
				return nil, fmt.Errorf("%s[%d][%d] has width %d, want %d", name, b, t, len(frame), width)
			}

			data = append(data, frame...)
		}
	}

	return tensor.New(data, []int64{int64(len(v)), int64(steps), width})
}

func fromTensor3(t *tensor.Tensor) [][][]float32 {
	data := t.RawData()
	b, steps, width := int(t.Dim(0)), int(t.Dim(1)), int(t.Dim(2))
	out := make([][][]float32, b)

	for i := range out {
		out[i] = make([][]float32, steps)
		for s := range out[i] {
			off := (i*steps + s) * width
			out[i][s] = append([]float32(nil), data[off:off+width]...)
		}
	}

	return out
}
