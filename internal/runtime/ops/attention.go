package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

// LengthMask sets scores[b, :, j] to -Inf for every memory step j >= lengths[b].
// Expected scores shape: [batch, query, memory]. A nil lengths slice leaves
// the scores untouched.
func LengthMask(scores *tensor.Tensor, lengths []int64) (*tensor.Tensor, error) {
	if scores == nil {
		return nil, errors.New("ops: length mask scores is nil")
	}

	if scores.Rank() != 3 {
		return nil, fmt.Errorf("ops: length mask requires [batch, query, memory] scores, got %v", scores.Shape())
	}

	if lengths == nil {
		return scores, nil
	}

	batch, q, k := scores.Dim(0), scores.Dim(1), scores.Dim(2)
	if int64(len(lengths)) != batch {
		return nil, fmt.Errorf("ops: length mask has %d lengths for batch %d", len(lengths), batch)
	}

	out := scores.Clone()
	data := out.RawData()
	negInf := float32(math.Inf(-1))

	for b := range batch {
		n := lengths[b]
		if n <= 0 || n > k {
			return nil, fmt.Errorf("ops: length mask length %d out of range (1..%d) for batch row %d", n, k, b)
		}

		for qi := range q {
			row := data[(b*q+qi)*k : (b*q+qi+1)*k]
			for j := n; j < k; j++ {
				row[j] = negInf
			}
		}
	}

	return out, nil
}

// Attention computes dot-product attention of queries against a fixed
// memory.
// q: [batch, query, embed], keys: [batch, memory, embed],
// values: [batch, memory, embed_v].
// It returns the context [batch, query, embed_v], scaled by s*sqrt(1/s)
// with s the memory length, and the attention weights [batch, query, memory].
func Attention(q, keys, values *tensor.Tensor, lengths []int64) (*tensor.Tensor, *tensor.Tensor, error) {
	if q == nil || keys == nil || values == nil {
		return nil, nil, errors.New("ops: attention requires non-nil q/keys/values")
	}

	if q.Rank() != 3 || keys.Rank() != 3 || values.Rank() != 3 {
		return nil, nil, fmt.Errorf("ops: attention expects rank 3 inputs, got %v %v %v", q.Shape(), keys.Shape(), values.Shape())
	}

	if q.Dim(0) != keys.Dim(0) || keys.Dim(0) != values.Dim(0) {
		return nil, nil, fmt.Errorf("ops: attention batch mismatch %d/%d/%d", q.Dim(0), keys.Dim(0), values.Dim(0))
	}

	if q.Dim(2) != keys.Dim(2) {
		return nil, nil, fmt.Errorf("ops: attention q/keys depth mismatch %d vs %d", q.Dim(2), keys.Dim(2))
	}

	if keys.Dim(1) != values.Dim(1) {
		return nil, nil, fmt.Errorf("ops: attention key/value sequence mismatch %d vs %d", keys.Dim(1), values.Dim(1))
	}

	kT, err := keys.Transpose(1, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention transpose keys: %w", err)
	}

	scores, err := tensor.MatMul(q, kT)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention q*k^T: %w", err)
	}

	scores, err = LengthMask(scores, lengths)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention: %w", err)
	}

	probs, err := tensor.Softmax(scores, -1)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention softmax: %w", err)
	}

	ctx, err := tensor.MatMul(probs, values)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention probs*v: %w", err)
	}

	s := float64(values.Dim(1))

	return tensor.Scale(ctx, float32(s*math.Sqrt(1/s))), probs, nil
}
