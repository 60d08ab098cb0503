package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

var (
	// ErrNoInputBuffer is returned when a step is requested without a buffer.
	ErrNoInputBuffer = errors.New("ops: incremental conv requires an input buffer")
	// ErrIncrementalTraining is returned when stepwise execution is requested
	// in training mode.
	ErrIncrementalTraining = errors.New("ops: incremental conv is not supported in training mode")
)

// IncrementalConv1D is a causal convolution that can run over a whole
// sequence or one step at a time against a rolling input buffer. Both paths
// share the flattened weight and the patch GEMM, so a step sequence from a
// zero buffer reproduces the whole-sequence output.
//
// The value is immutable after construction and safe for concurrent use;
// per-decode state lives in the buffers.
type IncrementalConv1D struct {
	p    convParams
	flat []float32
	bias []float32
}

func NewIncrementalConv1D(weight, bias *tensor.Tensor, dilation int64) (*IncrementalConv1D, error) {
	p, err := convParamsFor(weight, bias, dilation)
	if err != nil {
		return nil, err
	}

	var b []float32
	if bias != nil {
		b = bias.Data()
	}

	return &IncrementalConv1D{
		p:    p,
		flat: flattenConvWeight(weight.RawData(), p),
		bias: b,
	}, nil
}

// BufferLen is K + (K-1)*(dilation-1).
func (c *IncrementalConv1D) BufferLen() int64 {
	return int64(c.p.receptive())
}

// InitialBuffer returns the all-zero [batch, BufferLen, Cin] buffer a decode
// starts from.
func (c *IncrementalConv1D) InitialBuffer(batch int64) (*tensor.Tensor, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("ops: incremental conv batch must be > 0, got %d", batch)
	}

	return tensor.Zeros([]int64{batch, c.BufferLen(), int64(c.p.inCh)})
}

// Forward runs the convolution over a whole [B, T, Cin] sequence.
func (c *IncrementalConv1D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return causalConv(x, c.flat, c.bias, c.p)
}

// Step drops the oldest buffer entry, appends the last time step of x
// ([B, T, Cin]) and returns the [B, 1, Cout] output with the new buffer.
// buf is not modified.
func (c *IncrementalConv1D) Step(x, buf *tensor.Tensor, training bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if training {
		return nil, nil, ErrIncrementalTraining
	}

	if buf == nil {
		return nil, nil, ErrNoInputBuffer
	}

	if err := tensor.ExpectShape("incremental conv buffer", buf, -1, c.BufferLen(), int64(c.p.inCh)); err != nil {
		return nil, nil, fmt.Errorf("ops: %w", err)
	}

	if err := tensor.ExpectShape("incremental conv input", x, buf.Dim(0), -1, int64(c.p.inCh)); err != nil {
		return nil, nil, fmt.Errorf("ops: %w", err)
	}

	next, err := tensor.ShiftAppend(buf, x)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: incremental conv: %w", err)
	}

	batch := int(next.Dim(0))
	length := c.p.receptive()
	patchLen := c.p.patchLen()
	data := next.RawData()

	// The newest entry sits at the end of the buffer, so the taps are the
	// stride-d subsample of the buffer starting at index 0.
	patches := make([]float32, batch*patchLen)
	for b := range batch {
		seq := data[b*length*c.p.inCh : (b+1)*length*c.p.inCh]
		gatherPatch(seq, length-1, c.p, patches[b*patchLen:(b+1)*patchLen])
	}

	out := make([]float32, batch*c.p.outCh)
	patchGEMM(patches, batch, c.flat, c.bias, c.p, out)

	y, err := tensor.New(out, []int64{int64(batch), 1, int64(c.p.outCh)})
	if err != nil {
		return nil, nil, err
	}

	return y, next, nil
}
