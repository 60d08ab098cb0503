package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/example/go-deepvoice3/internal/model"
	"github.com/example/go-deepvoice3/internal/runtime/ops"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
)

type verifyOptions struct {
	Batch      int
	Steps      int
	MemorySize int
	Format     string
}

func newVerifyCmd() *cobra.Command {
	var opts verifyOptions

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that batch and incremental decoding agree on random inputs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if opts.Batch < 1 || opts.Steps < 1 || opts.MemorySize < 1 {
				return errors.New("--batch, --steps and --memory-steps must be at least 1")
			}

			if opts.Format != "table" && opts.Format != "json" {
				return errors.New("--format must be 'table' or 'json'")
			}

			dec, err := loadDecoder(cfg)
			if err != nil {
				return err
			}

			rng := rand.New(rand.NewPCG(cfg.Seed.Weight, cfg.Seed.Kernel))

			reports, err := verifyDecoder(cmd.Context(), dec, rng, opts)
			if err != nil {
				return err
			}

			convReports, err := verifyConv(rng)
			if err != nil {
				return err
			}

			reports = append(reports, convReports...)

			if err := writeReports(os.Stdout, reports, opts.Format); err != nil {
				return err
			}

			for _, r := range reports {
				if !r.Pass {
					return fmt.Errorf("parity check %s failed (max abs %.3g, max rel %.3g)", r.Name, r.MaxAbsErr, r.MaxRelErr)
				}
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Batch, "batch", 1, "Batch rows")
	cmd.Flags().IntVar(&opts.Steps, "steps", 20, "Decoder steps")
	cmd.Flags().IntVar(&opts.MemorySize, "memory-steps", 12, "Encoder memory steps")
	cmd.Flags().StringVar(&opts.Format, "format", "table", "Output format: table|json")

	return cmd
}

// verifyDecoder runs one random teacher-forced sequence through Forward and
// through Infer with the same frames as test inputs.
func verifyDecoder(ctx context.Context, dec *model.Decoder, rng *rand.Rand, opts verifyOptions) ([]ops.TensorParityReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	arch := dec.Arch()
	b, steps, memSteps := int64(opts.Batch), int64(opts.Steps), int64(opts.MemorySize)

	memory, err := randomTensor(rng, b, memSteps, arch.EmbedDim)
	if err != nil {
		return nil, err
	}

	query, err := randomTensor(rng, b, steps, arch.OutDim())
	if err != nil {
		return nil, err
	}

	mem := model.Memory{Keys: memory, Values: memory}
	frames := model.FramePositions(opts.Batch, opts.Steps)
	text := model.FramePositions(opts.Batch, opts.MemorySize)

	batch, err := dec.Forward(mem, query, frames, text)
	if err != nil {
		return nil, fmt.Errorf("batch decode: %w", err)
	}

	online, err := dec.Infer(ctx, mem, frames, text, query)
	if err != nil {
		return nil, fmt.Errorf("incremental decode: %w", err)
	}

	tol, err := ops.KernelTolerance("decoder")
	if err != nil {
		return nil, err
	}

	pairs := []struct {
		name      string
		got, want *tensor.Tensor
	}{
		{"decoder.outputs", online.Outputs, batch.Outputs},
		{"decoder.done", online.Done, batch.Done},
	}

	for i := range batch.Alignments {
		pairs = append(pairs, struct {
			name      string
			got, want *tensor.Tensor
		}{fmt.Sprintf("decoder.alignment.%d", i), online.Alignments[i], batch.Alignments[i]})
	}

	reports := make([]ops.TensorParityReport, 0, len(pairs))

	for _, p := range pairs {
		r, err := ops.CompareTensor(p.name, p.got, p.want, tol)
		if err != nil {
			return nil, err
		}

		reports = append(reports, r)
	}

	return reports, nil
}

// verifyConv compares the causal convolution against its incremental cell
// over a few kernel sizes and dilations.
func verifyConv(rng *rand.Rand) ([]ops.TensorParityReport, error) {
	tol, err := ops.KernelTolerance("conv_incremental")
	if err != nil {
		return nil, err
	}

	var reports []ops.TensorParityReport

	for _, k := range []int64{2, 3, 5} {
		for _, d := range []int64{1, 2, 4} {
			weight, err := randomTensor(rng, 6, 4, k)
			if err != nil {
				return nil, err
			}

			x, err := randomTensor(rng, 2, 17, 4)
			if err != nil {
				return nil, err
			}

			want, err := ops.CausalConv1D(x, weight, nil, d)
			if err != nil {
				return nil, err
			}

			cell, err := ops.NewIncrementalConv1D(weight, nil, d)
			if err != nil {
				return nil, err
			}

			got, err := stepConv(cell, x)
			if err != nil {
				return nil, err
			}

			r, err := ops.CompareTensor(fmt.Sprintf("conv.k%d.d%d", k, d), got, want, tol)
			if err != nil {
				return nil, err
			}

			reports = append(reports, r)
		}
	}

	return reports, nil
}

func stepConv(cell *ops.IncrementalConv1D, x *tensor.Tensor) (*tensor.Tensor, error) {
	buf, err := cell.InitialBuffer(x.Dim(0))
	if err != nil {
		return nil, err
	}

	outs := make([]*tensor.Tensor, 0, x.Dim(1))

	for t := range x.Dim(1) {
		step, err := x.TimeStep(t)
		if err != nil {
			return nil, err
		}

		var y *tensor.Tensor
		if y, buf, err = cell.Step(step, buf, false); err != nil {
			return nil, err
		}

		outs = append(outs, y)
	}

	return tensor.Concat(outs, 1)
}

func randomTensor(rng *rand.Rand, shape ...int64) (*tensor.Tensor, error) {
	t, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	data := t.RawData()
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}

	return t, nil
}

func writeReports(w io.Writer, reports []ops.TensorParityReport, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(reports)
	}

	if _, err := fmt.Fprintf(w, "%-24s  %-5s  %12s  %12s\n", "check", "pass", "max abs", "max rel"); err != nil {
		return err
	}

	for _, r := range reports {
		status := "ok"
		if !r.Pass {
			status = "FAIL"
		}

		if _, err := fmt.Fprintf(w, "%-24s  %-5s  %12.3g  %12.3g\n", r.Name, status, r.MaxAbsErr, r.MaxRelErr); err != nil {
			return err
		}
	}

	return nil
}
