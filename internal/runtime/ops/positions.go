package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// ErrPositionRange is returned for positions the table has no row for.
var ErrPositionRange = errors.New("ops: position out of range")

// PositionTable is a fixed sinusoidal encoding table of shape
// [max_positions, dim]. Row 0 is reserved for padding and stays zero.
type PositionTable struct {
	maxPos int64
	dim    int64
	data   []float32
}

// NewPositionTable builds the table with entry (pos, i) equal to
// sin(pos*rate/10000^(2*(i/2)/dim)) for even i and the cosine for odd i.
func NewPositionTable(maxPositions, dim int64, rate float64) (*PositionTable, error) {
	if maxPositions <= 0 || dim <= 0 {
		return nil, fmt.Errorf("ops: position table requires positive size, got %dx%d", maxPositions, dim)
	}

	data := make([]float32, maxPositions*dim)

	for pos := int64(1); pos < maxPositions; pos++ {
		row := data[pos*dim : (pos+1)*dim]
		for i := range dim {
			angle := float64(pos) * rate / math.Pow(10000, float64(2*(i/2))/float64(dim))
			if i%2 == 0 {
				row[i] = float32(math.Sin(angle))
			} else {
				row[i] = float32(math.Cos(angle))
			}
		}
	}

	return &PositionTable{maxPos: maxPositions, dim: dim, data: data}, nil
}

// Embed looks up positions ([batch][time]) and returns [batch, time, dim].
// All rows must have the same length.
func (p *PositionTable) Embed(positions [][]int64) (*tensor.Tensor, error) {
	if len(positions) == 0 {
		return nil, errors.New("ops: position embed requires at least one row")
	}

	steps := len(positions[0])
	out := make([]float32, int64(len(positions)*steps)*p.dim)

	for b, row := range positions {
		if len(row) != steps {
			return nil, fmt.Errorf("ops: position row %d has %d steps, want %d", b, len(row), steps)
		}

		for t, pos := range row {
			if pos < 0 || pos >= p.maxPos {
				return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrPositionRange, pos, p.maxPos)
			}

			dst := int64(b*steps+t) * p.dim
			copy(out[dst:dst+p.dim], p.data[pos*p.dim:(pos+1)*p.dim])
		}
	}

	return tensor.New(out, []int64{int64(len(positions)), int64(steps), p.dim})
}
