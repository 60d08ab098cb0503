package model

import (
	"errors"
	"fmt"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

type Linear struct {
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // optional [out]
}

func loadLinear(w Weights, name string, in, out int64) (*Linear, error) {
	lw := w.Path(name)

	weight, err := lw.Tensor("weight", out, in)
	if err != nil {
		return nil, fmt.Errorf("model: linear %q: %w", name, err)
	}

	bias, _, err := lw.TensorMaybe("bias", out)
	if err != nil {
		return nil, fmt.Errorf("model: linear %q bias: %w", name, err)
	}

	return &Linear{Weight: weight, Bias: bias}, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if l == nil || l.Weight == nil {
		return nil, errors.New("model: linear is not initialized")
	}

	return tensor.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) In() int64  { return l.Weight.Dim(1) }
func (l *Linear) Out() int64 { return l.Weight.Dim(0) }
