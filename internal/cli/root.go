// Package cli provides the command-line interface for the virtwl tool.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ardnew/virtwl/pkg"
)

var rootCmd = &cobra.Command{
	Use:   "virtwl",
	Short: "virtwl - protocol byte relay device tool",
	Long: `virtwl exercises the guest-side relay device that shuttles opaque
protocol bytes and shared memory descriptors between a guest and its host.

The serve command runs a host endpoint on a listening socket; the probe
command connects a device to one (or runs both ends in process) and walks
the full create/send/receive/close cycle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyLogFlags()
	},
}

var (
	logLevel  string
	logFormat string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(serveCmd)
}

func applyLogFlags() error {
	switch logLevel {
	case "debug":
		pkg.SetLogLevel(slog.LevelDebug)
	case "info":
		pkg.SetLogLevel(slog.LevelInfo)
	case "warn":
		pkg.SetLogLevel(slog.LevelWarn)
	case "error":
		pkg.SetLogLevel(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	switch logFormat {
	case "text":
		pkg.SetLogFormat(pkg.LogFormatText)
	case "json":
		pkg.SetLogFormat(pkg.LogFormatJSON)
	default:
		return fmt.Errorf("unknown log format %q", logFormat)
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
