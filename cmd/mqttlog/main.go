// Command mqttlog subscribes to broker topics and writes every message to
// rotating JSONL files, one file sequence per topic.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"mqttlog/internal/broker"
	"mqttlog/internal/broker/kafka"
	"mqttlog/internal/broker/mqtt"
	"mqttlog/internal/config"
	"mqttlog/internal/logging"
	"mqttlog/internal/retention"
)

var version = "dev"

// brokers maps the config's broker setting to a dialer.
var brokers = broker.Registry{
	config.BrokerMQTT:  mqtt.Dialer{},
	config.BrokerKafka: kafka.Dialer{},
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "mqttlog",
		Short:        "Log broker topics to rotating JSONL files",
		SilenceUsage: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringP("config", "c", "config.toml", "configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "default log level, overrides log_level")
	rootCmd.PersistentFlags().String("log-format", "", "log output format (text or json), overrides log_format")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Subscribe to the configured topics and write log files",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			watch, _ := cmd.Flags().GetBool("watch")

			cfg, found, err := loadConfig(path)
			if err != nil {
				return err
			}
			logger, filter, err := newLogger(cmd, stderr, cfg)
			if err != nil {
				return err
			}
			if !found {
				logger.Warn("config file not found, using defaults", "path", path)
				watch = false
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, filter, path, cfg, watch)
		},
	}
	runCmd.Flags().Bool("watch", true, "reload topics and retention when the config file changes")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired log files once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			hours, _ := cmd.Flags().GetInt64("hours")
			topic, _ := cmd.Flags().GetString("topic")

			cfg, _, err := loadConfig(path)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("hours") {
				cfg.LogRetentionHours = hours
			}
			window := cfg.RetentionWindow()
			if window <= 0 {
				return errors.New("retention is disabled: set log_retention_hours or --hours")
			}
			logger, _, err := newLogger(cmd, stderr, cfg)
			if err != nil {
				return err
			}

			res, err := retention.New(retention.Config{
				Dir:    cfg.LogDir,
				Policy: retention.NewTTLPolicy(window),
				Topic:  topic,
				Logger: logger,
			}).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "reclaimed %d files, %.2f MB (skipped %d, failed %d)\n",
				res.Deleted, res.MB(), res.Skipped, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d files could not be removed", res.Failed)
			}
			return nil
		},
	}
	sweepCmd.Flags().Int64("hours", 0, "retention window in hours, overrides log_retention_hours")
	sweepCmd.Flags().String("topic", "", "only sweep this topic's files")

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, found, err := loadConfig(path)
			if err != nil {
				return err
			}
			if !found {
				_, _ = fmt.Fprintf(stdout, "# %s not found, defaults shown\n", path)
			}
			return toml.NewEncoder(stdout).Encode(cfg)
		},
	}

	initCmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a configuration file with default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(stdout, version)
		},
	}

	rootCmd.AddCommand(runCmd, sweepCmd, checkCmd, initCmd, versionCmd)
	return rootCmd
}

// loadConfig loads path. A missing file yields the defaults with found
// false; any other failure is an error.
func loadConfig(path string) (cfg config.Config, found bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case errors.Is(err, config.ErrNotFound):
		return cfg, false, nil
	case err != nil:
		return config.Config{}, false, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, true, nil
}

// newLogger builds the base logger: a text or json handler wrapped in a
// ComponentFilterHandler carrying the configured per-component levels.
// Command-line flags override the file's level and format.
func newLogger(cmd *cobra.Command, w io.Writer, cfg config.Config) (*slog.Logger, *logging.ComponentFilterHandler, error) {
	levelFlag, _ := cmd.Flags().GetString("log-level")
	formatFlag, _ := cmd.Flags().GetString("log-format")

	base, err := logging.NewBaseHandler(w, cmp.Or(formatFlag, cfg.LogFormat))
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Level()
	if levelFlag != "" {
		if level, err = logging.ParseLevel(levelFlag); err != nil {
			return nil, nil, err
		}
	}
	filter := logging.NewComponentFilterHandler(base, level)
	cfg.ApplyLogLevels(filter, config.Config{})
	return slog.New(filter), filter, nil
}
