// The streamrec command records browser-delivered live streams, on demand or
// on recurring schedules.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agleyzer/streamrec/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	envFiles  []string
	dataDir   string
	verbose   bool
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "streamrec",
		Short:         "Detect and record live streams from web pages",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := root.PersistentFlags()
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to read before the environment")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory for schedules, downloads and browser profile")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newServeCmd(opts),
		newDetectCmd(opts),
		newScheduleCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads env files and the environment, then applies flags.
func loadConfig(opts *globalOptions) (config.Config, error) {
	cfg, err := config.Load(os.LookupEnv, opts.envFiles...)
	if err != nil {
		return config.Config{}, err
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	return cfg, nil
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.Level()
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "streamrec %s\n", version)
		},
	}
}
