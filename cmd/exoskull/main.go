// Command exoskull runs the autonomy core: the HTTP API, schema migrations
// and the scheduled sweeps a cron or Cloud Scheduler job invokes.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BGMLAI/exoskull-sub007/pkg/config"
)

var (
	envFiles []string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "exoskull",
	Short: "Autonomy core for the personal assistant",
	Long: `exoskull runs the autonomy core.

Commands:
  serve     Serve the write/read API
  migrate   Create or upgrade every table
  sweep     Run one scheduled entry point (executor, escalations, daily, cycle)
  tenant    Manage tenants
  token     Mint an API bearer token`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFiles(envFiles...); err != nil {
			return err
		}
		setupLogging(os.Getenv("LOG_LEVEL"), logJSON)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Env files loaded before the environment is read")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", true, "Log as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(level string, asJSON bool) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if asJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
