package model

import (
	"fmt"

	"github.com/example/go-deepvoice3/internal/runtime/ops"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// DenseCell is dropout, Linear then ReLU. It has no state.
type DenseCell struct {
	linear  *Linear
	dropout float64
}

func newDenseCell(w Weights, in, out int64, dropout float64) (*DenseCell, error) {
	l, err := loadLinear(w, "", in, out)
	if err != nil {
		return nil, err
	}

	return &DenseCell{linear: l, dropout: dropout}, nil
}

func (c *DenseCell) ApplyBatch(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	x, err := applyDropout(x, c.dropout, mode)
	if err != nil {
		return nil, err
	}

	y, err := c.linear.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("model: dense: %w", err)
	}

	return ops.ReLU(y), nil
}

func (c *DenseCell) ApplyStep(x *tensor.Tensor, _ CellState, mode Mode) (*tensor.Tensor, CellState, error) {
	if mode.Training {
		return nil, nil, ops.ErrIncrementalTraining
	}

	last, err := lastStep(x)
	if err != nil {
		return nil, nil, fmt.Errorf("model: dense: %w", err)
	}

	y, err := c.ApplyBatch(last, mode)

	return y, nil, err
}

func (c *DenseCell) ZeroState(int64) (CellState, error) { return nil, nil }

func applyDropout(x *tensor.Tensor, p float64, mode Mode) (*tensor.Tensor, error) {
	if !mode.Training || p == 0 {
		return x, nil
	}

	y, err := ops.Dropout(x, p, mode.RNG)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	return y, nil
}

func lastStep(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil || x.Rank() != 3 {
		return nil, fmt.Errorf("step input must be [B,T,C], got %v", x.Shape())
	}

	return x.TimeStep(x.Dim(1) - 1)
}
