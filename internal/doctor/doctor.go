// Package doctor provides preflight checks for the deepvoice3 decoder
// configuration.
package doctor

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/example/go-deepvoice3/internal/model"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// ArchFunc resolves the decoder architecture or returns an error if it
// cannot be loaded.
type ArchFunc func() (model.Arch, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// WeightsFile is the safetensors path to verify on disk.
	WeightsFile string
	// SkipWeights skips the weights file check (seeded weights).
	SkipWeights bool
	// Arch resolves the architecture the decoder would be built with.
	Arch ArchFunc

	MinDecoderSteps int
	MaxDecoderSteps int
	DoneThreshold   float64
	OutputsPerStep  int
	DownsampleStep  int
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- weights file -----------------------------------------------------
	switch {
	case cfg.SkipWeights:
		fmt.Fprintf(w, "%s weights file: skipped\n", PassMark)
	case cfg.WeightsFile == "":
		res.fail("weights file: no path configured")
		fmt.Fprintf(w, "%s weights file: no path configured\n", FailMark)
	default:
		if _, err := os.Stat(cfg.WeightsFile); err != nil {
			res.fail(fmt.Sprintf("weights file %q: %v", cfg.WeightsFile, err))
			fmt.Fprintf(w, "%s weights file %s: not found\n", FailMark, cfg.WeightsFile)
		} else {
			fmt.Fprintf(w, "%s weights file: %s\n", PassMark, cfg.WeightsFile)
		}
	}

	// ---- decoder limits ---------------------------------------------------
	if err := checkLimits(cfg); err != nil {
		res.fail(fmt.Sprintf("decoder limits: %v", err))
		fmt.Fprintf(w, "%s decoder limits: %v\n", FailMark, err)
	} else {
		fmt.Fprintf(w, "%s decoder limits: steps %d..%d, done threshold %g\n",
			PassMark, cfg.MinDecoderSteps, cfg.MaxDecoderSteps, cfg.DoneThreshold)
	}

	// ---- architecture -----------------------------------------------------
	if cfg.Arch == nil {
		fmt.Fprintf(w, "%s architecture: skipped\n", PassMark)
		return res
	}

	arch, err := cfg.Arch()
	if err == nil {
		err = arch.Validate()
	}

	if err != nil {
		res.fail(fmt.Sprintf("architecture: %v", err))
		fmt.Fprintf(w, "%s architecture: %v\n", FailMark, err)

		return res
	}

	fmt.Fprintf(w, "%s architecture: %d hops, out dim %d\n", PassMark, len(arch.Hops), arch.OutDim())

	// ---- position table ---------------------------------------------------
	if err := checkPositions(arch, cfg.MaxDecoderSteps); err != nil {
		res.fail(fmt.Sprintf("position table: %v", err))
		fmt.Fprintf(w, "%s position table: %v\n", FailMark, err)
	} else {
		fmt.Fprintf(w, "%s position table: %d rows\n", PassMark, arch.MaxPositions)
	}

	return res
}

func checkLimits(cfg Config) error {
	switch {
	case cfg.MaxDecoderSteps < 1:
		return fmt.Errorf("max_decoder_steps must be >= 1, got %d", cfg.MaxDecoderSteps)
	case cfg.MinDecoderSteps < 0 || cfg.MinDecoderSteps > cfg.MaxDecoderSteps:
		return fmt.Errorf("min_decoder_steps %d outside [0, %d]", cfg.MinDecoderSteps, cfg.MaxDecoderSteps)
	case cfg.DoneThreshold <= 0 || cfg.DoneThreshold >= 1:
		return fmt.Errorf("done_threshold must be in (0, 1), got %g", cfg.DoneThreshold)
	case cfg.OutputsPerStep < 1 || cfg.DownsampleStep < 1:
		return errors.New("outputs_per_step and downsample_step must be >= 1")
	}

	return nil
}

// checkPositions requires room for a frame position per decoder step, with
// row 0 reserved for padding.
func checkPositions(arch model.Arch, maxSteps int) error {
	if arch.MaxPositions <= int64(maxSteps) {
		return fmt.Errorf("max_positions %d cannot index %d decoder steps", arch.MaxPositions, maxSteps)
	}

	return nil
}
