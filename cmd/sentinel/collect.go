package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanguyun/edge-sentinel-sdk/internal/collector"
)

type collectFlags struct {
	listen    string
	limit     int
	rateLimit float64
	burst     int
}

func newCollectCmd(g *globalFlags) *cobra.Command {
	var f collectFlags

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run a development collector that receives reports",
		Long: `Run a local collector for SDK reports.

  POST   /report   accepts single, batch and compressed payloads
  GET    /events   lists received envelopes (?type=, ?limit=)
  DELETE /events   clears them
  GET    /health   reports counters
  GET    /ws       streams envelopes to localhost websocket clients`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := cliLogger(cmd, g.logLevel)

			ln, err := net.Listen("tcp", f.listen)
			if err != nil {
				return listenError(f.listen, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := collector.New(collector.Options{
				Logger:    logger,
				Limit:     f.limit,
				RateLimit: f.rateLimit,
				Burst:     f.burst,
			})
			printCollectBanner(cmd.ErrOrStderr(), ln.Addr().String())
			return serveCollector(ctx, ln, c, logger)
		},
	}

	cmd.Flags().StringVar(&f.listen, "listen", "localhost:8787", "Listen address")
	cmd.Flags().IntVar(&f.limit, "limit", collector.DefaultLimit, "Envelopes kept in memory")
	cmd.Flags().Float64Var(&f.rateLimit, "rate-limit", 0, "Per-IP report requests per second (0 disables)")
	cmd.Flags().IntVar(&f.burst, "burst", 0, "Per-IP burst (defaults to rate-limit + 1)")
	return cmd
}

func listenError(addr string, err error) error {
	switch {
	case isAddrInUse(err):
		return &ActionableError{What: "Collector could not start", Cause: err, Fix: portInUseFix(addr)}
	case isPermissionError(err):
		return &ActionableError{
			What:  "Collector could not start",
			Cause: err,
			Fix:   "Ports below 1024 need elevated privileges. Use a higher port:\n       sentinel collect --listen localhost:8787",
		}
	default:
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
}

func printCollectBanner(w io.Writer, addr string) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "  Report:  http://%s/report\n", addr)
	fmt.Fprintf(w, "  Events:  http://%s/events\n", addr)
	fmt.Fprintf(w, "  Stream:  ws://%s/ws\n", addr)
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "  export SENTINEL_REPORT_URL=http://%s/report\n", addr)
	fmt.Fprintf(w, "\n")
}

// serveCollector serves c on ln until ctx ends, then shuts down.
func serveCollector(ctx context.Context, ln net.Listener, c *collector.Collector, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go c.Run(hubCtx)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down collector")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("collector listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
