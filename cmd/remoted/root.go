package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"remoted/internal/config"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "remoted",
		Short:         "Synthetic tensor device backed by remote GPU workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (.yaml, .json or .toml); searched in default locations when empty")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config and REMOTED_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: console|json")

	root.AddCommand(newServeCmd(opts), newWorkerCmd(opts), newVersionCmd())
	return root
}

// load resolves the effective configuration: file, then env, then flags, then defaults.
func (o *options) load() (config.Config, error) {
	var cfg config.Config
	path := o.configPath
	if path == "" {
		path = config.Discover()
	}
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	cfg = cfg.ApplyEnv()
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func stderrLogger(cfg config.Config) zerolog.Logger {
	return newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}

// splitCSV splits a comma separated list, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
