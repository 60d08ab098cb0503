package model

import (
	"fmt"
	"math"

	"github.com/example/go-deepvoice3/internal/runtime/ops"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

var sqrtHalf = float32(math.Sqrt(0.5))

// Conv1dGLU is dropout, a causal convolution to 2*out channels and a gated
// linear unit. With residual set the input is added back and scaled by
// sqrt(0.5); that requires in == out.
type Conv1dGLU struct {
	conv     *ops.IncrementalConv1D
	residual bool
	dropout  float64
}

func newConv1dGLU(w Weights, in, out, kernelSize, dilation int64, dropout float64, residual bool) (*Conv1dGLU, error) {
	if residual && in != out {
		return nil, fmt.Errorf("model: conv glu residual needs in == out, got %d and %d", in, out)
	}

	kernel, err := w.Tensor("kernel", 2*out, in, kernelSize)
	if err != nil {
		return nil, fmt.Errorf("model: conv glu kernel: %w", err)
	}

	bias, _, err := w.TensorMaybe("bias", 2*out)
	if err != nil {
		return nil, fmt.Errorf("model: conv glu bias: %w", err)
	}

	conv, err := ops.NewIncrementalConv1D(kernel, bias, dilation)
	if err != nil {
		return nil, fmt.Errorf("model: conv glu: %w", err)
	}

	return &Conv1dGLU{conv: conv, residual: residual, dropout: dropout}, nil
}

func (c *Conv1dGLU) ApplyBatch(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	h, err := applyDropout(x, c.dropout, mode)
	if err != nil {
		return nil, err
	}

	h, err = c.conv.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("model: conv glu: %w", err)
	}

	return c.gate(h, x)
}

func (c *Conv1dGLU) ApplyStep(x *tensor.Tensor, state CellState, mode Mode) (*tensor.Tensor, CellState, error) {
	buf, _ := state.(*tensor.Tensor)

	h, next, err := c.conv.Step(x, buf, mode.Training)
	if err != nil {
		return nil, nil, fmt.Errorf("model: conv glu step: %w", err)
	}

	residual, err := lastStep(x)
	if err != nil {
		return nil, nil, fmt.Errorf("model: conv glu step: %w", err)
	}

	y, err := c.gate(h, residual)
	if err != nil {
		return nil, nil, err
	}

	return y, next, nil
}

func (c *Conv1dGLU) ZeroState(batch int64) (CellState, error) {
	return c.conv.InitialBuffer(batch)
}

func (c *Conv1dGLU) gate(h, residual *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := ops.GLU(h)
	if err != nil {
		return nil, fmt.Errorf("model: conv glu: %w", err)
	}

	if !c.residual {
		return y, nil
	}

	return scaledResidual(y, residual)
}

// scaledResidual returns (y + residual) * sqrt(0.5).
func scaledResidual(y, residual *tensor.Tensor) (*tensor.Tensor, error) {
	sum, err := tensor.BroadcastAdd(y, residual)
	if err != nil {
		return nil, fmt.Errorf("model: residual: %w", err)
	}

	return tensor.Scale(sum, sqrtHalf), nil
}
