package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/podtail/podtail/internal/config"
)

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the collector agent",
		Long: `Run the collector agent with the given YAML configuration. Without
--config the configuration is read from PODTAIL_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				cfg *config.Config
				err error
			)
			if configPath == "" {
				cfg, err = config.FromEnv()
			} else {
				cfg, err = config.LoadConfig(configPath)
			}
			if err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel)
			slog.SetDefault(logger)
			logger.Info("configuration loaded",
				slog.String("config_path", configPath),
				slog.String("root", cfg.Root),
				slog.String("listen_addr", cfg.ListenAddr),
				slog.Bool("spool", cfg.Spool.Path != ""),
				slog.Bool("storage", cfg.Storage.DSN != ""),
			)

			return runPipeline(cmd.Context(), cfg, logger, pipelineOptions{
				out:       cmd.OutOrStdout(),
				serveHTTP: true,
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	return cmd
}

func newTailCmd() *cobra.Command {
	var (
		kubernetes bool
		labels     bool
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "tail [root]",
		Short: "Print new lines from a log directory as JSON",
		Long: `Tail every file in root and print each new line as a JSON object on
stdout. With --kubernetes, root defaults to /var/log/containers and entries
carry pod metadata parsed from the file names.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tailConfig(args, kubernetes, labels, logLevel)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel)
			return runPipeline(cmd.Context(), cfg, logger, pipelineOptions{
				out: cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().BoolVar(&kubernetes, "kubernetes", false, "decorate entries with pod metadata from file names")
	cmd.Flags().BoolVar(&labels, "labels", false, "also look up pod labels from the API server (requires --kubernetes)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "minimum log level: debug, info, warn, error")
	return cmd
}

// tailConfig builds the configuration for "podtail tail". A relative root is
// taken relative to the working directory.
func tailConfig(args []string, kubernetes, labels bool, logLevel string) (*config.Config, error) {
	cfg := &config.Config{
		LogLevel: logLevel,
		Kubernetes: config.KubernetesConfig{
			Enabled:     kubernetes,
			LabelLookup: labels,
		},
	}
	if len(args) == 1 {
		root, err := filepath.Abs(args[0])
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", args[0], err)
		}
		cfg.Root = root
	}
	if err := config.Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
