package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-deepvoice3/internal/config"
	"github.com/example/go-deepvoice3/internal/doctor"
	"github.com/example/go-deepvoice3/internal/model"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run preflight checks on weights, architecture and decoder limits",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			result := doctor.Run(doctorConfig(cfg), os.Stdout)
			if result.Failed() {
				return errors.New("doctor checks failed")
			}

			return nil
		},
	}
}

func doctorConfig(cfg config.Config) doctor.Config {
	seeded := cfg.WeightsSource == config.WeightsSeeded

	return doctor.Config{
		WeightsFile: cfg.Paths.WeightsPath,
		SkipWeights: seeded,
		Arch: func() (model.Arch, error) {
			if seeded {
				return resolveArch(cfg, nil)
			}

			vb, err := model.OpenVarBuilder(cfg.Paths.WeightsPath, "")
			if err != nil {
				return model.Arch{}, err
			}
			defer vb.Close()

			return resolveArch(cfg, vb.Metadata())
		},
		MinDecoderSteps: cfg.Decoder.MinDecoderSteps,
		MaxDecoderSteps: cfg.Decoder.MaxDecoderSteps,
		DoneThreshold:   cfg.Decoder.DoneThreshold,
		OutputsPerStep:  cfg.Decoder.OutputsPerStep,
		DownsampleStep:  cfg.Decoder.DownsampleStep,
	}
}
