package model

import (
	"fmt"

	"github.com/example/go-deepvoice3/internal/runtime/ops"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// CellChain applies its cells in order. It is itself a Cell whose state is
// a ChainState with one entry per cell.
type CellChain struct {
	cells []Cell
}

func NewCellChain(cells ...Cell) *CellChain {
	return &CellChain{cells: cells}
}

func (c *CellChain) ApplyBatch(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	for i, cell := range c.cells {
		var err error
		if x, err = cell.ApplyBatch(x, mode); err != nil {
			return nil, fmt.Errorf("model: chain cell %d: %w", i, err)
		}
	}

	return x, nil
}

func (c *CellChain) ApplyStep(x *tensor.Tensor, state CellState, mode Mode) (*tensor.Tensor, CellState, error) {
	cs, ok := state.(ChainState)
	if state == nil || (ok && cs == nil && len(c.cells) > 0) {
		return nil, nil, fmt.Errorf("model: chain: %w", ops.ErrNoInputBuffer)
	}

	if !ok {
		return nil, nil, fmt.Errorf("model: chain state has type %T, want ChainState", state)
	}

	if len(cs) != len(c.cells) {
		return nil, nil, fmt.Errorf("model: chain state has %d entries for %d cells", len(cs), len(c.cells))
	}

	next := make(ChainState, len(cs))

	for i, cell := range c.cells {
		var err error
		if x, next[i], err = cell.ApplyStep(x, cs[i], mode); err != nil {
			return nil, nil, fmt.Errorf("model: chain cell %d: %w", i, err)
		}
	}

	return x, next, nil
}

func (c *CellChain) ZeroState(batch int64) (CellState, error) {
	state := make(ChainState, len(c.cells))

	for i, cell := range c.cells {
		var err error
		if state[i], err = cell.ZeroState(batch); err != nil {
			return nil, fmt.Errorf("model: chain cell %d zero state: %w", i, err)
		}
	}

	return state, nil
}
