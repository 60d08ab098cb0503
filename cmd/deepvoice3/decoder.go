package main

import (
	"fmt"
	"log/slog"

	"github.com/example/go-deepvoice3/internal/config"
	"github.com/example/go-deepvoice3/internal/model"
)

func decoderOptions(cfg config.Config) model.DecoderOptions {
	return model.DecoderOptions{
		MaxDecoderSteps:   cfg.Decoder.MaxDecoderSteps,
		MinDecoderSteps:   cfg.Decoder.MinDecoderSteps,
		DoneThreshold:     float32(cfg.Decoder.DoneThreshold),
		Dropout:           cfg.Decoder.Dropout,
		QueryPositionRate: cfg.Decoder.QueryPositionRate,
		KeyPositionRate:   cfg.Decoder.KeyPositionRate,
	}
}

// defaultArch is the built-in architecture with r and the position table
// size taken from the config.
func defaultArch(cfg config.Config) model.Arch {
	arch := model.DefaultArch()
	arch.R = int64(cfg.Decoder.OutputsPerStep)
	arch.MaxPositions = int64(cfg.Decoder.MaxPositions)

	if len(arch.Preattention) > 0 {
		arch.Preattention[0].In = arch.OutDim()
	}

	return arch
}

// resolveArch picks the architecture from paths.arch_path, then the weights
// metadata, then the built-in default.
func resolveArch(cfg config.Config, metadata map[string]string) (model.Arch, error) {
	if cfg.Paths.ArchPath != "" {
		return model.LoadArch(cfg.Paths.ArchPath)
	}

	if raw, ok := metadata[model.ArchMetadataKey]; ok {
		arch, err := model.ParseArch([]byte(raw))
		if err != nil {
			return model.Arch{}, fmt.Errorf("weights metadata: %w", err)
		}

		return arch, nil
	}

	return defaultArch(cfg), nil
}

func seeds(cfg config.Config) model.Seeds {
	return model.Seeds{Kernel: cfg.Seed.Kernel, Weight: cfg.Seed.Weight}
}

// loadDecoder builds the decoder from the configured weight source.
func loadDecoder(cfg config.Config) (*model.Decoder, error) {
	var (
		weights  model.Weights
		metadata map[string]string
	)

	switch cfg.WeightsSource {
	case config.WeightsSeeded:
		weights = model.NewSeededWeights(seeds(cfg))
	default:
		vb, err := model.OpenVarBuilder(cfg.Paths.WeightsPath, "")
		if err != nil {
			return nil, fmt.Errorf("open weights: %w", err)
		}
		defer vb.Close()

		weights = vb
		metadata = vb.Metadata()
	}

	arch, err := resolveArch(cfg, metadata)
	if err != nil {
		return nil, err
	}

	dec, err := model.NewDecoder(arch, weights, decoderOptions(cfg))
	if err != nil {
		return nil, err
	}

	slog.Debug("decoder loaded",
		"weights_source", cfg.WeightsSource,
		"weights_path", cfg.Paths.WeightsPath,
		"hops", len(arch.Hops),
		"out_dim", arch.OutDim(),
	)

	return dec, nil
}
