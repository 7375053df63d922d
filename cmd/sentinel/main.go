// Command sentinel drives the Edge Sentinel SDK from the shell: it
// reports JSONL events read from stdin, runs a development collector
// and inspects the offline cache.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fanguyun/edge-sentinel-sdk/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		var ae *ActionableError
		if errors.As(err, &ae) {
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, ae.Format())
			fmt.Fprintln(os.Stderr)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Client telemetry reporting from the command line",
		Long: `sentinel reports telemetry events through the Edge Sentinel SDK.

Configuration is read from a YAML file and SENTINEL_* environment
variables (a .env file in the working directory is loaded first).

Examples:
  sentinel collect --listen localhost:8787
  echo '{"type":"custom_event","data":{"eventName":"deploy"}}' | \
    SENTINEL_REPORT_URL=http://localhost:8787/report sentinel run
  sentinel queue stats`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to config file (YAML)")
	root.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", "info", "CLI log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(&flags),
		newCollectCmd(&flags),
		newQueueCmd(&flags),
		newConfigCmd(&flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sentinel %s (%s)\n", version, commit)
		},
	}
}

// cliLogger logs CLI progress to stderr.
func cliLogger(cmd *cobra.Command, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logging.ParseLevel(level, false),
	}))
}
