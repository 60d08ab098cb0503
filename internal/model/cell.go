package model

import (
	"math/rand/v2"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// CellState is the per-layer carry of a Cell between steps: a ring buffer
// (*tensor.Tensor) for convolutions, nil for stateless cells and a
// ChainState for nested chains. States are replaced, never mutated.
type CellState any

// ChainState holds one CellState per cell of a chain, in order.
type ChainState []CellState

// Mode selects training-time behaviour. The zero value is inference.
type Mode struct {
	Training bool
	RNG      *rand.Rand
}

// Cell is one layer that can run over a whole [B, T, C] sequence or one
// step at a time. Feeding a sequence step by step through ApplyStep from
// ZeroState yields the ApplyBatch output.
type Cell interface {
	ApplyBatch(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error)
	ApplyStep(x *tensor.Tensor, state CellState, mode Mode) (*tensor.Tensor, CellState, error)
	ZeroState(batch int64) (CellState, error)
}
