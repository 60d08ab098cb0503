package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-deepvoice3/internal/bench"
	"github.com/example/go-deepvoice3/internal/model"
)

type benchOptions struct {
	Runs       int
	Batch      int
	MemorySize int
}

func newBenchCmd() *cobra.Command {
	var (
		opts          benchOptions
		format        string
		stepThreshold time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark incremental decoding latency per step",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if opts.Runs < 1 {
				return errors.New("--runs must be at least 1")
			}

			if opts.Batch < 1 || opts.MemorySize < 1 {
				return errors.New("--batch and --memory-steps must be at least 1")
			}

			if format != "table" && format != "json" {
				return errors.New("--format must be 'table' or 'json'")
			}

			dec, err := loadDecoder(cfg)
			if err != nil {
				return err
			}

			rng := rand.New(rand.NewPCG(cfg.Seed.Weight, cfg.Seed.Kernel))

			results, err := runBench(cmd.Context(), dec, rng, opts)
			if err != nil {
				return err
			}

			durations := make([]time.Duration, len(results))
			for i, r := range results {
				durations[i] = r.Duration
			}

			stats := bench.ComputeStats(durations)

			if format == "json" {
				if err := bench.FormatJSON(results, stats, os.Stdout); err != nil {
					return err
				}
			} else {
				bench.FormatTable(results, stats, os.Stdout)
			}

			return bench.CheckStepThreshold(bench.MeanPerStep(results), stepThreshold)
		},
	}

	cmd.Flags().IntVar(&opts.Runs, "runs", 5, "Number of decode runs")
	cmd.Flags().IntVar(&opts.Batch, "batch", 1, "Batch rows per run")
	cmd.Flags().IntVar(&opts.MemorySize, "memory-steps", 40, "Encoder memory steps")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().DurationVar(&stepThreshold, "step-threshold", 0, "Exit non-zero if mean step latency exceeds this value (0 = disabled)")

	return cmd
}

// runBench decodes the same random memory opts.Runs times without test
// inputs, so each run stops on the done head or at max_decoder_steps.
func runBench(ctx context.Context, dec *model.Decoder, rng *rand.Rand, opts benchOptions) ([]bench.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	memory, err := randomTensor(rng, int64(opts.Batch), int64(opts.MemorySize), dec.Arch().EmbedDim)
	if err != nil {
		return nil, err
	}

	mem := model.Memory{Keys: memory, Values: memory}
	text := model.FramePositions(opts.Batch, opts.MemorySize)
	frames := model.FramePositions(opts.Batch, 1)

	results := make([]bench.RunResult, 0, opts.Runs)

	for i := range opts.Runs {
		start := time.Now()

		res, err := dec.Infer(ctx, mem, frames, text, nil)
		if err != nil {
			return nil, fmt.Errorf("run %d failed: %w", i+1, err)
		}

		dur := time.Since(start)

		results = append(results, bench.RunResult{
			Index:    i,
			Cold:     i == 0,
			Duration: dur,
			Steps:    res.Steps,
			PerStep:  bench.PerStep(dur, res.Steps),
		})
	}

	return results, nil
}
