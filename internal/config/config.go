package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths         PathsConfig   `mapstructure:"paths"`
	Decoder       DecoderConfig `mapstructure:"decoder"`
	Dataset       DatasetConfig `mapstructure:"dataset"`
	Seed          SeedConfig    `mapstructure:"seed"`
	Runtime       RuntimeConfig `mapstructure:"runtime"`
	Server        ServerConfig  `mapstructure:"server"`
	WeightsSource string        `mapstructure:"weights_source"`
	LogLevel      string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	WeightsPath string `mapstructure:"weights_path"`
	ArchPath    string `mapstructure:"arch_path"`
}

type DecoderConfig struct {
	OutputsPerStep    int     `mapstructure:"outputs_per_step"`
	DownsampleStep    int     `mapstructure:"downsample_step"`
	MaxDecoderSteps   int     `mapstructure:"max_decoder_steps"`
	MinDecoderSteps   int     `mapstructure:"min_decoder_steps"`
	DoneThreshold     float64 `mapstructure:"done_threshold"`
	Dropout           float64 `mapstructure:"dropout"`
	MaxPositions      int     `mapstructure:"max_positions"`
	QueryPositionRate float64 `mapstructure:"query_position_rate"`
	KeyPositionRate   float64 `mapstructure:"key_position_rate"`
}

type DatasetConfig struct {
	BatchSize             int `mapstructure:"batch_size"`
	ApproxMinTargetLength int `mapstructure:"approx_min_target_length"`
	BucketWidth           int `mapstructure:"bucket_width"`
	NumBuckets            int `mapstructure:"num_buckets"`
}

// SeedConfig seeds deterministic weight initialisation.
type SeedConfig struct {
	Kernel uint64 `mapstructure:"kernel"`
	Weight uint64 `mapstructure:"weight"`
}

type RuntimeConfig struct {
	ConvWorkers int `mapstructure:"conv_workers"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			WeightsPath: "models/decoder.safetensors",
			ArchPath:    "",
		},
		Decoder: DecoderConfig{
			OutputsPerStep:    1,
			DownsampleStep:    1,
			MaxDecoderSteps:   200,
			MinDecoderSteps:   10,
			DoneThreshold:     0.5,
			Dropout:           0,
			MaxPositions:      512,
			QueryPositionRate: 1.0,
			KeyPositionRate:   1.29,
		},
		Dataset: DatasetConfig{
			BatchSize:             16,
			ApproxMinTargetLength: 100,
			BucketWidth:           50,
			NumBuckets:            50,
		},
		Seed: SeedConfig{
			Kernel: 123,
			Weight: 456,
		},
		Runtime: RuntimeConfig{
			ConvWorkers: 1,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         2,
			RequestTimeout:  60,
			MaxBodyBytes:    16 << 20,
			ShutdownTimeout: 30,
		},
		WeightsSource: WeightsSafetensors,
		LogLevel:      "info",
	}
}

// flagKeys maps config keys to the flags RegisterFlags defines for them.
var flagKeys = map[string]string{
	"paths.weights_path":               "weights",
	"paths.arch_path":                  "arch",
	"decoder.outputs_per_step":         "decoder-outputs-per-step",
	"decoder.downsample_step":          "decoder-downsample-step",
	"decoder.max_decoder_steps":        "max-decoder-steps",
	"decoder.min_decoder_steps":        "min-decoder-steps",
	"decoder.done_threshold":           "done-threshold",
	"decoder.dropout":                  "decoder-dropout",
	"decoder.max_positions":            "decoder-max-positions",
	"decoder.query_position_rate":      "decoder-query-position-rate",
	"decoder.key_position_rate":        "decoder-key-position-rate",
	"dataset.batch_size":               "batch-size",
	"dataset.approx_min_target_length": "dataset-approx-min-target-length",
	"dataset.bucket_width":             "dataset-bucket-width",
	"dataset.num_buckets":              "dataset-num-buckets",
	"seed.kernel":                      "seed-kernel",
	"seed.weight":                      "seed-weight",
	"runtime.conv_workers":             "conv-workers",
	"server.listen_addr":               "server-listen-addr",
	"server.workers":                   "workers",
	"server.request_timeout":           "request-timeout",
	"server.max_body_bytes":            "max-body-bytes",
	"server.shutdown_timeout":          "shutdown-timeout",
	"weights_source":                   "weights-source",
	"log_level":                        "log-level",
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("weights", defaults.Paths.WeightsPath, "Path to decoder weights (.safetensors)")
	fs.String("arch", defaults.Paths.ArchPath, "Path to architecture YAML (default: read from weights metadata)")
	fs.Int("decoder-outputs-per-step", defaults.Decoder.OutputsPerStep, "Frames emitted per decoder step (r)")
	fs.Int("decoder-downsample-step", defaults.Decoder.DownsampleStep, "Mel downsample step")
	fs.Int("max-decoder-steps", defaults.Decoder.MaxDecoderSteps, "Step cap for incremental decoding")
	fs.Int("min-decoder-steps", defaults.Decoder.MinDecoderSteps, "Steps taken before the done prediction can stop decoding")
	fs.Float64("done-threshold", defaults.Decoder.DoneThreshold, "Done probability above which decoding stops")
	fs.Float64("decoder-dropout", defaults.Decoder.Dropout, "Dropout probability (training forward only)")
	fs.Int("decoder-max-positions", defaults.Decoder.MaxPositions, "Positional encoding table size")
	fs.Float64("decoder-query-position-rate", defaults.Decoder.QueryPositionRate, "Frame position encoding rate")
	fs.Float64("decoder-key-position-rate", defaults.Decoder.KeyPositionRate, "Text position encoding rate")
	fs.Int("batch-size", defaults.Dataset.BatchSize, "Examples per batch")
	fs.Int("dataset-approx-min-target-length", defaults.Dataset.ApproxMinTargetLength, "Target length mapped to bucket 0")
	fs.Int("dataset-bucket-width", defaults.Dataset.BucketWidth, "Target lengths per bucket")
	fs.Int("dataset-num-buckets", defaults.Dataset.NumBuckets, "Highest bucket key")
	fs.Uint64("seed-kernel", defaults.Seed.Kernel, "Seed for convolution kernels")
	fs.Uint64("seed-weight", defaults.Seed.Weight, "Seed for linear weights")
	fs.Int("conv-workers", defaults.Runtime.ConvWorkers, "Goroutines per convolution/GEMM (1 = serial)")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("workers", defaults.Server.Workers, "Max concurrent decode requests")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request decode timeout in seconds")
	fs.Int64("max-body-bytes", defaults.Server.MaxBodyBytes, "Max request body size")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.String("weights-source", defaults.WeightsSource, "Weight source: safetensors|seeded")
	fs.String("log-level", defaults.LogLevel, "Log level: debug|info|warn|error")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("DEEPVOICE3")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("deepvoice3")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	source, err := NormalizeWeightsSource(cfg.WeightsSource)
	if err != nil {
		return Config{}, err
	}

	cfg.WeightsSource = source

	return cfg, nil
}

// bindFlags binds each registered flag to its config key. Unchanged flags
// fall through to env and config file values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for key, name := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}

		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.weights_path", c.Paths.WeightsPath)
	v.SetDefault("paths.arch_path", c.Paths.ArchPath)
	v.SetDefault("decoder.outputs_per_step", c.Decoder.OutputsPerStep)
	v.SetDefault("decoder.downsample_step", c.Decoder.DownsampleStep)
	v.SetDefault("decoder.max_decoder_steps", c.Decoder.MaxDecoderSteps)
	v.SetDefault("decoder.min_decoder_steps", c.Decoder.MinDecoderSteps)
	v.SetDefault("decoder.done_threshold", c.Decoder.DoneThreshold)
	v.SetDefault("decoder.dropout", c.Decoder.Dropout)
	v.SetDefault("decoder.max_positions", c.Decoder.MaxPositions)
	v.SetDefault("decoder.query_position_rate", c.Decoder.QueryPositionRate)
	v.SetDefault("decoder.key_position_rate", c.Decoder.KeyPositionRate)
	v.SetDefault("dataset.batch_size", c.Dataset.BatchSize)
	v.SetDefault("dataset.approx_min_target_length", c.Dataset.ApproxMinTargetLength)
	v.SetDefault("dataset.bucket_width", c.Dataset.BucketWidth)
	v.SetDefault("dataset.num_buckets", c.Dataset.NumBuckets)
	v.SetDefault("seed.kernel", c.Seed.Kernel)
	v.SetDefault("seed.weight", c.Seed.Weight)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("weights_source", c.WeightsSource)
	v.SetDefault("log_level", c.LogLevel)
}
