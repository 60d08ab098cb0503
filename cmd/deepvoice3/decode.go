package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/go-deepvoice3/internal/server"
)

func newDecodeCmd() *cobra.Command {
	var (
		inputPath  string
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode one request incrementally (same JSON body as POST /decode)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			data, err := readInput(cmd, inputPath)
			if err != nil {
				return err
			}

			var req server.DecodeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parse request: %w", err)
			}

			dec, err := loadDecoder(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			resp, err := req.Decode(ctx, dec, uuid.NewString())
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}

			if outputPath == "" || outputPath == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			}

			return os.WriteFile(outputPath, out, 0o644)
		},
	}

	cmd.Flags().StringVar(&inputPath, "input", "-", "Request JSON file ('-' for stdin)")
	cmd.Flags().StringVar(&outputPath, "output", "-", "Response JSON file ('-' for stdout)")

	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}

	return os.ReadFile(path)
}
