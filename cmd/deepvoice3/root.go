package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-deepvoice3/internal/config"
	"github.com/example/go-deepvoice3/internal/runtime/ops"
	"github.com/example/go-deepvoice3/internal/runtime/tensor"
	"github.com/example/go-deepvoice3/internal/server"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "deepvoice3",
		Short:         "DeepVoice3 incremental decoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}

			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			ops.SetConvWorkers(loaded.Runtime.ConvWorkers)
			tensor.SetWorkers(loaded.Runtime.ConvWorkers)

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newDecodeCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newDatasetCmd())
	cmd.AddCommand(newInitWeightsCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newDoctorCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	lvl, err := server.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}

	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func requireConfig() (config.Config, error) {
	if activeCfg.WeightsSource == "" {
		return config.Config{}, errors.New("configuration not loaded")
	}

	return activeCfg, nil
}
