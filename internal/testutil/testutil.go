// Package testutil provides shared fixtures and skip helpers for tests that
// need a decoder weights file.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    path := testutil.RequireWeightsFile(t)
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-deepvoice3/internal/model"
	"github.com/example/go-deepvoice3/internal/safetensors"
)

// RequireWeightsFile skips the test unless DEEPVOICE3_TEST_WEIGHTS names an
// existing safetensors file, and returns that path.
func RequireWeightsFile(tb testing.TB) string {
	tb.Helper()

	p := os.Getenv("DEEPVOICE3_TEST_WEIGHTS")
	if p == "" {
		tb.Skip("DEEPVOICE3_TEST_WEIGHTS not set")
	}

	if _, err := os.Stat(p); err != nil {
		tb.Skipf("weights file not found at DEEPVOICE3_TEST_WEIGHTS=%q", p)
	}

	return p
}

// WriteSeededWeights builds a decoder for arch from seeded weights and writes
// every parameter, with the architecture in the metadata, to a temp file.
func WriteSeededWeights(tb testing.TB, arch model.Arch, seeds model.Seeds) string {
	tb.Helper()

	opts := model.DefaultDecoderOptions()
	opts.MaxDecoderSteps = int(min(int64(opts.MaxDecoderSteps), arch.MaxPositions-1))
	opts.MinDecoderSteps = min(opts.MinDecoderSteps, opts.MaxDecoderSteps)

	sw := model.NewSeededWeights(seeds)
	if _, err := model.NewDecoder(arch, sw, opts); err != nil {
		tb.Fatalf("build seeded decoder: %v", err)
	}

	raw, err := arch.Marshal()
	if err != nil {
		tb.Fatalf("marshal arch: %v", err)
	}

	path := filepath.Join(tb.TempDir(), "decoder.safetensors")
	if err := safetensors.WriteFile(path, sw.Tensors(), map[string]string{model.ArchMetadataKey: string(raw)}); err != nil {
		tb.Fatalf("write weights: %v", err)
	}

	return path
}
