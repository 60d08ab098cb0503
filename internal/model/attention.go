package model

import (
	"fmt"

	"github.com/example/go-deepvoice3/internal/runtime/ops"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// AttentionLayer projects a query into the memory embedding space, attends
// over the memory and projects the context back, with a scaled residual to
// the query.
type AttentionLayer struct {
	query *Linear // C -> E
	out   *Linear // E -> C
}

func newAttentionLayer(w Weights, channels, embedDim int64) (*AttentionLayer, error) {
	q, err := loadLinear(w, "query", channels, embedDim)
	if err != nil {
		return nil, err
	}

	o, err := loadLinear(w, "out", embedDim, channels)
	if err != nil {
		return nil, err
	}

	return &AttentionLayer{query: q, out: o}, nil
}

// Forward returns the [B, T, C] output and the [B, T, T_mem] weights.
func (a *AttentionLayer) Forward(query *tensor.Tensor, mem *PreparedMemory) (*tensor.Tensor, *tensor.Tensor, error) {
	q, err := a.query.Forward(query)
	if err != nil {
		return nil, nil, fmt.Errorf("model: attention query projection: %w", err)
	}

	ctx, probs, err := ops.Attention(q, mem.Keys, mem.Values, mem.Lengths)
	if err != nil {
		return nil, nil, fmt.Errorf("model: %w", err)
	}

	out, err := a.out.Forward(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("model: attention out projection: %w", err)
	}

	out, err = scaledResidual(out, query)
	if err != nil {
		return nil, nil, err
	}

	return out, probs, nil
}

// attentionHop is a causal Conv1dGLU whose output, plus the frame position
// encoding, queries the memory. When the hop keeps its channel count the
// hop input is added back after attention.
type attentionHop struct {
	conv     *Conv1dGLU
	attn     *AttentionLayer
	framePos *ops.PositionTable
	residual bool
}

// MultiHopAttention is a stack of attention hops. Attention itself is
// stateless; only the hop convolutions carry ring buffers.
type MultiHopAttention struct {
	hops []*attentionHop
}

func newMultiHopAttention(w Weights, in, embedDim, maxPositions int64, specs []HopSpec, dropout, queryRate float64) (*MultiHopAttention, error) {
	m := &MultiHopAttention{}
	tables := make(map[int64]*ops.PositionTable)

	for i, spec := range specs {
		hw := w.Path("hops", fmt.Sprint(i))

		conv, err := newConv1dGLU(hw.Path("conv"), in, spec.OutChannels, spec.KernelSize, spec.Dilation, dropout, false)
		if err != nil {
			return nil, fmt.Errorf("model: hop %d: %w", i, err)
		}

		attn, err := newAttentionLayer(hw.Path("attention"), spec.OutChannels, embedDim)
		if err != nil {
			return nil, fmt.Errorf("model: hop %d: %w", i, err)
		}

		table, ok := tables[spec.OutChannels]
		if !ok {
			table, err = ops.NewPositionTable(maxPositions, spec.OutChannels, queryRate)
			if err != nil {
				return nil, fmt.Errorf("model: hop %d: %w", i, err)
			}

			tables[spec.OutChannels] = table
		}

		m.hops = append(m.hops, &attentionHop{
			conv:     conv,
			attn:     attn,
			framePos: table,
			residual: in == spec.OutChannels,
		})
		in = spec.OutChannels
	}

	return m, nil
}

func (m *MultiHopAttention) Len() int { return len(m.hops) }

// ApplyBatch runs every hop over a whole sequence. framePositions may be
// nil, in which case no frame encoding is added. It returns one alignment
// per hop.
func (m *MultiHopAttention) ApplyBatch(x *tensor.Tensor, mem *PreparedMemory, framePositions [][]int64, mode Mode) (*tensor.Tensor, []*tensor.Tensor, error) {
	alignments := make([]*tensor.Tensor, 0, len(m.hops))

	for i, hop := range m.hops {
		h, err := hop.conv.ApplyBatch(x, mode)
		if err != nil {
			return nil, nil, fmt.Errorf("model: hop %d: %w", i, err)
		}

		y, align, err := hop.attend(h, x, mem, framePositions)
		if err != nil {
			return nil, nil, fmt.Errorf("model: hop %d: %w", i, err)
		}

		alignments = append(alignments, align)
		x = y
	}

	return x, alignments, nil
}

// ApplyStep runs every hop for one step. framePositions holds the current
// position of each batch row.
func (m *MultiHopAttention) ApplyStep(x *tensor.Tensor, state ChainState, mem *PreparedMemory, framePositions [][]int64, mode Mode) (*tensor.Tensor, ChainState, []*tensor.Tensor, error) {
	if state == nil {
		return nil, nil, nil, fmt.Errorf("model: attention hops: %w", ops.ErrNoInputBuffer)
	}

	if len(state) != len(m.hops) {
		return nil, nil, nil, fmt.Errorf("model: hop state has %d entries for %d hops", len(state), len(m.hops))
	}

	residualIn, err := lastStep(x)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("model: attention hops: %w", err)
	}

	next := make(ChainState, len(m.hops))
	alignments := make([]*tensor.Tensor, 0, len(m.hops))
	x = residualIn

	for i, hop := range m.hops {
		h, buf, err := hop.conv.ApplyStep(x, state[i], mode)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("model: hop %d: %w", i, err)
		}

		y, align, err := hop.attend(h, x, mem, framePositions)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("model: hop %d: %w", i, err)
		}

		next[i] = buf
		alignments = append(alignments, align)
		x = y
	}

	return x, next, alignments, nil
}

func (m *MultiHopAttention) ZeroState(batch int64) (ChainState, error) {
	state := make(ChainState, len(m.hops))

	for i, hop := range m.hops {
		var err error
		if state[i], err = hop.conv.ZeroState(batch); err != nil {
			return nil, fmt.Errorf("model: hop %d zero state: %w", i, err)
		}
	}

	return state, nil
}

func (h *attentionHop) attend(conv, input *tensor.Tensor, mem *PreparedMemory, framePositions [][]int64) (*tensor.Tensor, *tensor.Tensor, error) {
	query := conv

	if framePositions != nil {
		pos, err := h.framePos.Embed(framePositions)
		if err != nil {
			return nil, nil, fmt.Errorf("frame positions: %w", err)
		}

		if query, err = tensor.BroadcastAdd(conv, pos); err != nil {
			return nil, nil, fmt.Errorf("frame positions: %w", err)
		}
	}

	out, align, err := h.attn.Forward(query, mem)
	if err != nil {
		return nil, nil, err
	}

	if h.residual {
		if out, err = scaledResidual(out, input); err != nil {
			return nil, nil, err
		}
	}

	return out, align, nil
}
