package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-deepvoice3/internal/model"
	"github.com/example/go-deepvoice3/internal/safetensors"
)

func newInitWeightsCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "init-weights",
		Short: "Write seeded decoder weights and the architecture to a safetensors file",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if out == "" {
				out = cfg.Paths.WeightsPath
			}

			if out == "" {
				return errors.New("--out or --weights is required")
			}

			arch, err := resolveArch(cfg, nil)
			if err != nil {
				return err
			}

			archYAML, err := arch.Marshal()
			if err != nil {
				return err
			}

			sw := model.NewSeededWeights(seeds(cfg))
			if _, err := model.NewDecoder(arch, sw, decoderOptions(cfg)); err != nil {
				return err
			}

			tensors := sw.Tensors()
			meta := map[string]string{model.ArchMetadataKey: string(archYAML)}

			if err := safetensors.WriteFile(out, tensors, meta); err != nil {
				return fmt.Errorf("write weights: %w", err)
			}

			slog.Info("weights written", "path", out, "tensors", len(tensors))

			_, err = fmt.Fprintln(os.Stdout, out)

			return err
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Output safetensors path (defaults to paths.weights_path)")

	return cmd
}
