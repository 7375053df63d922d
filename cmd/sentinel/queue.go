package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	"github.com/fanguyun/edge-sentinel-sdk/internal/config"
	"github.com/fanguyun/edge-sentinel-sdk/internal/store"
)

func newQueueCmd(g *globalFlags) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or maintain the offline cache",
		Long: `Inspect or maintain the file-backed offline cache.

The cache path is taken from --path, then cachePath in the config,
then the default location under the user config directory.`,
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "Offline cache file")

	open := func(cmd *cobra.Command) (*store.SQLiteQueue, error) {
		resolved, err := resolveCachePath(path, g.configPath)
		if err != nil {
			return nil, err
		}
		q := store.NewSQLiteQueue(resolved, cliLogger(cmd, g.logLevel), clock.Real())
		if !q.Init(cmd.Context()) {
			_ = q.Close()
			return nil, &ActionableError{
				What:  "Opening the offline cache failed",
				Cause: fmt.Errorf("cannot open %s", resolved),
				Fix:   cachePathFix(resolved),
			}
		}
		return q, nil
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and the oldest item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := open(cmd)
			if err != nil {
				return err
			}
			defer q.Close()
			writeStats(cmd.OutOrStdout(), q.Path(), q.Count(cmd.Context()), q.GetBatch(cmd.Context(), 1))
			return nil
		},
	}

	var peekLimit int
	peek := &cobra.Command{
		Use:   "peek",
		Short: "Print the oldest cached items as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := open(cmd)
			if err != nil {
				return err
			}
			defer q.Close()
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, item := range q.GetBatch(cmd.Context(), peekLimit) {
				if err := enc.Encode(item); err != nil {
					return err
				}
			}
			return nil
		},
	}
	peek.Flags().IntVarP(&peekLimit, "limit", "n", 10, "Items to print")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := open(cmd)
			if err != nil {
				return err
			}
			defer q.Close()
			n := q.Count(cmd.Context())
			if !q.Clear(cmd.Context()) {
				return fmt.Errorf("clearing %s failed", q.Path())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d items\n", n)
			return nil
		},
	}

	var maxAge time.Duration
	var maxRetries int
	expire := &cobra.Command{
		Use:   "expire",
		Short: "Delete items older than --max-age or retried past --max-retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := open(cmd)
			if err != nil {
				return err
			}
			defer q.Close()
			expired := q.ClearExpired(cmd.Context(), maxAge)
			exhausted := q.DropRetryExhausted(cmd.Context(), maxRetries)
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d items, dropped %d retry-exhausted items\n", expired, exhausted)
			return nil
		},
	}
	d := config.Defaults()
	expire.Flags().DurationVar(&maxAge, "max-age", d.MaxCacheAge, "Maximum item age")
	expire.Flags().IntVar(&maxRetries, "max-retries", d.MaxRetries, "Maximum retries (0 keeps every item)")

	cmd.AddCommand(stats, peek, clearCmd, expire)
	return cmd
}

// resolveCachePath picks the cache file from the flag, the config or
// the default location.
func resolveCachePath(flagPath, configPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if configPath != "" {
		opts, err := config.Load(configPath)
		if err != nil {
			return "", &ActionableError{What: "Loading configuration failed", Cause: err, Fix: configLoadFix(configPath)}
		}
		if opts.CachePath != "" {
			return opts.CachePath, nil
		}
	}
	return config.DefaultCachePath()
}

func writeStats(w io.Writer, path string, count int, oldest []store.CachedItem) {
	fmt.Fprintf(w, "path:    %s\n", path)
	fmt.Fprintf(w, "items:   %d\n", count)
	if len(oldest) == 0 {
		return
	}
	at := time.UnixMilli(oldest[0].Timestamp)
	fmt.Fprintf(w, "oldest:  %s (%s ago)\n", at.Format(time.RFC3339), time.Since(at).Round(time.Second))
}
