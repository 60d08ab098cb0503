package ops

import (
	"fmt"
	"math"

	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

type TensorParityReport struct {
	Name       string    `json:"name"`
	ShapeMatch bool      `json:"shape_match"`
	MaxAbsErr  float64   `json:"max_abs_err"`
	MaxRelErr  float64   `json:"max_rel_err"`
	Tolerance  Tolerance `json:"tolerance"`
	Pass       bool      `json:"pass"`
}

// CompareTensor reports the worst element-wise drift of got against want.
// An element passes when it is within the absolute or the relative bound.
func CompareTensor(name string, got, want *tensor.Tensor, tol Tolerance) (TensorParityReport, error) {
	r := TensorParityReport{Name: name, Tolerance: tol}
	if got == nil || want == nil {
		return r, fmt.Errorf("ops parity: %s got/want tensor must be non-nil", name)
	}

	if !tensor.SameShape(got, want) {
		return r, nil
	}

	r.ShapeMatch = true
	r.Pass = true

	gd := got.RawData()
	wd := want.RawData()

	for i := range gd {
		a := float64(gd[i])
		b := float64(wd[i])

		absErr := math.Abs(a - b)
		if absErr > r.MaxAbsErr {
			r.MaxAbsErr = absErr
		}

		relErr := absErr
		if den := math.Abs(b); den > 0 {
			relErr = absErr / den
		}

		if relErr > r.MaxRelErr {
			r.MaxRelErr = relErr
		}

		if absErr > tol.Abs && relErr > tol.Rel {
			r.Pass = false
		}
	}

	return r, nil
}
