package config

import (
	"fmt"
	"strings"
)

const (
	// WeightsSafetensors loads decoder weights from paths.weights_path.
	WeightsSafetensors = "safetensors"
	// WeightsSeeded generates deterministic weights from the seed section.
	WeightsSeeded = "seeded"
)

func NormalizeWeightsSource(raw string) (string, error) {
	source := strings.ToLower(strings.TrimSpace(raw))
	switch source {
	case "", WeightsSafetensors, "file":
		return WeightsSafetensors, nil
	case WeightsSeeded, "random":
		return WeightsSeeded, nil
	default:
		return "", fmt.Errorf("invalid weights source %q (expected %s|%s)", raw, WeightsSafetensors, WeightsSeeded)
	}
}
