package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	sentinel "github.com/fanguyun/edge-sentinel-sdk"
	"github.com/fanguyun/edge-sentinel-sdk/internal/config"
)

// maxLine bounds one JSONL record.
const maxLine = 1 << 20

type runFlags struct {
	reportURL    string
	drainTimeout time.Duration
	watch        bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Report JSONL events read from stdin",
		Long: `Read one JSON object per line from stdin and report it.

Event lines:   {"type":"custom_event","timestamp":1700000000000,"data":{...}}
Signal lines:  {"signal":"offline"} {"signal":"online"} {"signal":"unload"}
               {"signal":"route","url":"/next"} {"signal":"visibility","visible":false}
               {"signal":"interaction","interaction":"click","target":{"tag":"button"}}

A missing timestamp is stamped with the current time. When --config is
given the file is watched and edits are applied without restarting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := cliLogger(cmd, g.logLevel)

			opts, err := loadRunOptions(g.configPath, f.reportURL)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r := &eventRunner{
				in:           cmd.InOrStdin(),
				logger:       logger,
				drainTimeout: f.drainTimeout,
			}
			if f.watch && g.configPath != "" {
				r.watchPath = g.configPath
				r.reportURL = f.reportURL
			}
			stats, err := r.Run(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "reported %d events, %d signals, %d malformed lines, %d left cached\n",
				stats.Reported, stats.Signals, stats.Malformed, stats.Pending)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.reportURL, "url", "", "Report URL (overrides config)")
	cmd.Flags().DurationVar(&f.drainTimeout, "drain-timeout", 10*time.Second, "Time allowed for the final flush")
	cmd.Flags().BoolVar(&f.watch, "watch", true, "Apply config file edits while running")
	return cmd
}

// loadRunOptions layers the config file, the environment and flag
// overrides, and validates the result.
func loadRunOptions(path, reportURL string) (config.Options, error) {
	opts, err := config.Load(path)
	if err != nil {
		return config.Options{}, &ActionableError{What: "Loading configuration failed", Cause: err, Fix: configLoadFix(path)}
	}
	if reportURL != "" {
		opts.ReportURL = reportURL
	}
	if err := opts.Validate(); err != nil {
		return config.Options{}, &ActionableError{What: "Configuration is incomplete", Cause: err, Fix: configLoadFix(path)}
	}
	return opts, nil
}

// runStats summarizes a run.
type runStats struct {
	Reported  int
	Signals   int
	Malformed int
	Pending   int
}

// eventRunner feeds stdin lines into a Sentinel.
type eventRunner struct {
	in           io.Reader
	logger       *slog.Logger
	drainTimeout time.Duration

	// watchPath enables hot reload; reportURL keeps a flag override
	// across reloads.
	watchPath string
	reportURL string
}

// line is one JSONL record: an event or a host signal.
type line struct {
	Signal      string          `json:"signal"`
	Interaction string          `json:"interaction"`
	Target      sentinel.Target `json:"target"`
	Visible     bool            `json:"visible"`
	URL         string          `json:"url"`

	Type      sentinel.EventKind `json:"type"`
	Timestamp int64              `json:"timestamp"`
	Data      map[string]any     `json:"data"`
}

// Run reports every line of r.in until EOF or ctx ends, then destroys
// the SDK with a final flush.
func (r *eventRunner) Run(ctx context.Context, opts config.Options) (stats runStats, err error) {
	s, err := sentinel.New(opts, sentinel.WithLogger(r.logger))
	if err != nil {
		return stats, &ActionableError{What: "Starting the SDK failed", Cause: err, Fix: configLoadFix(r.watchPath)}
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), r.drainTimeout)
		defer cancel()
		if derr := s.Destroy(dctx); derr != nil {
			r.logger.Warn("shutdown incomplete", "error", derr)
		}
		stats.Pending = s.Pending(dctx)
	}()

	if r.watchPath != "" {
		stopWatch := r.watch(s)
		defer stopWatch()
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r.in)
		sc.Buffer(make([]byte, 64*1024), maxLine)
		for sc.Scan() {
			b := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- b:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	n := 0
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("interrupted, shutting down")
			return stats, nil
		case b, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return stats, fmt.Errorf("reading stdin: %w", err)
					}
				default:
				}
				return stats, nil
			}
			n++
			r.handle(s, n, b, &stats)
		}
	}
}

func (r *eventRunner) handle(s *sentinel.Sentinel, n int, b []byte, stats *runStats) {
	if len(b) == 0 {
		return
	}
	var l line
	if err := json.Unmarshal(b, &l); err != nil {
		stats.Malformed++
		r.logger.Warn("skipping malformed line", "line", n, "error", err)
		return
	}

	if l.Signal != "" {
		s.Publish(sentinel.Signal{
			Kind:        sentinel.SignalKind(l.Signal),
			Interaction: l.Interaction,
			Target:      l.Target,
			Visible:     l.Visible,
			URL:         l.URL,
		})
		stats.Signals++
		return
	}

	if l.Type == "" {
		stats.Malformed++
		r.logger.Warn("skipping line without type or signal", "line", n)
		return
	}
	ts := l.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	s.Report(sentinel.NewEvent(l.Type, ts, l.Data))
	stats.Reported++
}

// watch applies config file edits to s until the returned func is
// called.
func (r *eventRunner) watch(s *sentinel.Sentinel) func() {
	w, err := config.NewWatcher(r.watchPath, r.logger)
	if err != nil {
		r.logger.Warn("config hot reload disabled", "path", r.watchPath, "error", err)
		return func() {}
	}

	updates := w.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for next := range updates {
			if r.reportURL != "" {
				next.ReportURL = r.reportURL
			}
			if err := s.ApplyConfig(next); err != nil {
				r.logger.Warn("config reload rejected", "error", err)
				continue
			}
			r.logger.Info("config reloaded", "path", r.watchPath)
		}
	}()

	return func() {
		_ = w.Close()
		<-done
	}
}
