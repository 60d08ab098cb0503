package ops

import "fmt"

// Tolerance defines acceptable numeric drift between two computations of the
// same quantity.
type Tolerance struct {
	Abs float64
	Rel float64
}

// KernelTolerances defines per-kernel parity targets, used by tests and by
// the verify command when comparing whole-sequence against stepwise results.
var KernelTolerances = map[string]Tolerance{
	"linear":           {Abs: 1e-5, Rel: 1e-4},
	"softmax":          {Abs: 1e-6, Rel: 1e-5},
	"causal_conv":      {Abs: 1e-4, Rel: 1e-4},
	"conv_incremental": {Abs: 1e-4, Rel: 1e-4},
	"cell_chain":       {Abs: 2e-4, Rel: 2e-4},
	"attention":        {Abs: 2e-4, Rel: 2e-4},
	"decoder":          {Abs: 5e-4, Rel: 5e-4},
}

func KernelTolerance(name string) (Tolerance, error) {
	t, ok := KernelTolerances[name]
	if !ok {
		return Tolerance{}, fmt.Errorf("ops: no tolerance configured for kernel %q", name)
	}

	return t, nil
}
