package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/example/go-deepvoice3/internal/config"
	"github.com/example/go-deepvoice3/internal/dataset"
)

type batchSummary struct {
	Key            int64   `json:"key"`
	IDs            []int64 `json:"ids"`
	TargetLengths  []int64 `json:"target_lengths"`
	MelShape       []int64 `json:"mel_shape"`
	DoneSteps      int     `json:"done_steps"`
	FramePositions int     `json:"frame_positions"`
}

func newDatasetCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Bucket a JSONL dataset into padded batches and print a summary per batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if input == "" {
				return errors.New("--input is required")
			}

			records, err := dataset.ReadFile(input)
			if err != nil {
				return err
			}

			batches, err := dataset.Build(records, datasetOptions(cfg))
			if err != nil {
				return err
			}

			slog.Debug("dataset batched", "records", len(records), "batches", len(batches))

			enc := json.NewEncoder(os.Stdout)

			for _, b := range batches {
				mel, err := b.MelTensor()
				if err != nil {
					return fmt.Errorf("batch %d: %w", b.Key, err)
				}

				s := batchSummary{
					Key:            b.Key,
					IDs:            b.IDs,
					TargetLengths:  b.TargetLengths,
					MelShape:       mel.Shape(),
					FramePositions: len(b.FramePositions),
				}
				if len(b.Done) > 0 {
					s.DoneSteps = len(b.Done[0])
				}

				if err := enc.Encode(s); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "JSONL dataset file")

	return cmd
}

func datasetOptions(cfg config.Config) dataset.Options {
	return dataset.Options{
		OutputsPerStep: int64(cfg.Decoder.OutputsPerStep),
		DownsampleStep: int64(cfg.Decoder.DownsampleStep),
		Bucket: dataset.BucketOptions{
			BatchSize:             cfg.Dataset.BatchSize,
			ApproxMinTargetLength: int64(cfg.Dataset.ApproxMinTargetLength),
			BucketWidth:           int64(cfg.Dataset.BucketWidth),
			NumBuckets:            int64(cfg.Dataset.NumBuckets),
		},
	}
}
