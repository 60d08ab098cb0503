// Package bench provides benchmarking primitives for the deepvoice3 bench
// command.
package bench

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing of a single incremental decode.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run (cold-start)
	Duration time.Duration
	Steps    int
	PerStep  time.Duration
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}

	mn, mx := durations[0], durations[0]

	var sum time.Duration

	for _, d := range durations {
		mn = min(mn, d)
		mx = max(mx, d)
		sum += d
	}

	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// PerStep returns the mean latency of one decoder step. Zero steps yield 0.
func PerStep(total time.Duration, steps int) time.Duration {
	if steps <= 0 {
		return 0
	}

	return total / time.Duration(steps)
}

// MeanPerStep averages PerStep over runs.
func MeanPerStep(runs []RunResult) time.Duration {
	if len(runs) == 0 {
		return 0
	}

	var sum time.Duration
	for _, r := range runs {
		sum += r.PerStep
	}

	return sum / time.Duration(len(runs))
}

// ---------------------------------------------------------------------------
// Step latency gate
// ---------------------------------------------------------------------------

// CheckStepThreshold returns an error if meanPerStep > threshold.
// A threshold of 0 disables the gate.
func CheckStepThreshold(meanPerStep, threshold time.Duration) error {
	if threshold <= 0 {
		return nil
	}

	if meanPerStep > threshold {
		return fmt.Errorf("mean step latency %v exceeds threshold %v", meanPerStep, threshold)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %6s  %12s\n", "run", "cold", "total ms", "steps", "ms/step")
	fmt.Fprintln(sb, strings.Repeat("-", 46))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}

		fmt.Fprintf(sb, "%-5d  %-5s  %10.2f  %6d  %12.3f\n", r.Index+1, cold, ms(r.Duration), r.Steps, ms(r.PerStep))
	}

	fmt.Fprintln(sb, strings.Repeat("-", 46))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.2f  (min)\n", "", "", ms(stats.Min))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.2f  (mean)\n", "", "", ms(stats.Mean))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.2f  (max)\n", "", "", ms(stats.Max))

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	Steps      int     `json:"steps"`
	PerStepMS  float64 `json:"per_step_ms"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:  ms(stats.Min),
			MeanMS: ms(stats.Mean),
			MaxMS:  ms(stats.Max),
		},
	}

	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: ms(r.Duration),
			Steps:      r.Steps,
			PerStepMS:  ms(r.PerStep),
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(jr)
}
