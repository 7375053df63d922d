package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	"github.com/fanguyun/edge-sentinel-sdk/internal/collector"
	"github.com/fanguyun/edge-sentinel-sdk/internal/event"
	"github.com/fanguyun/edge-sentinel-sdk/internal/store"
)

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(strings.NewReader(stdin), &stdout, &stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	stdout, _, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout, "sentinel dev") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRun_ReportsEventsAndSignals(t *testing.T) {
	c := collector.New(collector.Options{})
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	cfg := writeConfig(t, fmt.Sprintf(`appId: cli-app
userKey: cli-user
reportUrl: %s/report
reportStrategy: immediate
enableOfflineCache: false
`, srv.URL))

	stdin := strings.Join([]string{
		`{"type":"custom_event","timestamp":1700000000000,"data":{"eventName":"deploy"}}`,
		`not json`,
		``,
		`{"signal":"route","url":"/next"}`,
		`{"type":"pageview","data":{"url":"/next"}}`,
		`{"data":{"orphan":true}}`,
	}, "\n")

	_, stderr, err := execute(t, stdin, "run", "--config", cfg, "--watch=false", "--log-level", "error")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stderr, "reported 2 events, 1 signals, 2 malformed lines") {
		t.Errorf("summary missing from stderr: %q", stderr)
	}

	envs := c.Envelopes()
	if len(envs) != 2 {
		t.Fatalf("collector received %d envelopes, want 2", len(envs))
	}
	var custom *event.Envelope
	for i := range envs {
		if envs[i].Event.Type() == event.KindCustom {
			custom = &envs[i]
		}
	}
	if custom == nil {
		t.Fatal("custom event not delivered")
	}
	if custom.Event.Timestamp() != 1700000000000 {
		t.Errorf("timestamp = %d, want the line's timestamp", custom.Event.Timestamp())
	}
	if custom.AppID != "cli-app" || custom.UserKey != "cli-user" {
		t.Errorf("identity = %q/%q", custom.AppID, custom.UserKey)
	}
}

func TestRun_SummaryCountsWhatShutdownLeftCached(t *testing.T) {
	c := collector.New(collector.Options{})
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	stdin := strings.Join([]string{
		`{"type":"custom_event","data":{"eventName":"a"}}`,
		`{"type":"custom_event","data":{"eventName":"b"}}`,
	}, "\n")

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"drained", srv.URL + "/report", "0 left cached"},
		{"unreachable", "http://127.0.0.1:1/report", "2 left cached"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := writeConfig(t, fmt.Sprintf(`appId: cli-app
userKey: cli-user
reportUrl: %s
reportStrategy: batch
batchSize: 50
reportInterval: 1h
requestTimeout: 500ms
cachePath: %s
`, tt.url, filepath.Join(t.TempDir(), "queue.db")))

			_, stderr, err := execute(t, stdin, "run", "-c", cfg, "--watch=false", "-l", "error", "--drain-timeout", "5s")
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if !strings.Contains(stderr, "reported 2 events, 0 signals, 0 malformed lines, "+tt.want) {
				t.Errorf("summary = %q, want %q", stderr, tt.want)
			}
		})
	}
}

func TestRun_URLFlagOverridesConfig(t *testing.T) {
	c := collector.New(collector.Options{})
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	cfg := writeConfig(t, `appId: cli-app
userKey: cli-user
reportUrl: http://127.0.0.1:1/unreachable
reportStrategy: immediate
`)

	_, _, err := execute(t, `{"type":"custom_event","data":{"eventName":"x"}}`,
		"run", "-c", cfg, "--url", srv.URL+"/report", "--watch=false", "-l", "error")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(c.Envelopes()); n != 1 {
		t.Errorf("collector received %d envelopes, want 1", n)
	}
}

func TestRun_InvalidConfigIsActionable(t *testing.T) {
	cfg := writeConfig(t, "appId: only-app\n")
	t.Setenv("SENTINEL_USER_KEY", "")
	t.Setenv("SENTINEL_REPORT_URL", "")

	_, _, err := execute(t, "", "run", "-c", cfg)
	var ae *ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ActionableError, got %v", err)
	}
	if !strings.Contains(ae.Fix, cfg) {
		t.Errorf("fix should name the config file: %q", ae.Fix)
	}
}

func seedQueue(t *testing.T, path string, at time.Time, n int) {
	t.Helper()
	q := store.NewSQLiteQueue(path, nil, clock.Fake(at))
	defer q.Close()
	ctx := context.Background()
	if !q.Init(ctx) {
		t.Fatal("init queue")
	}
	for i := range n {
		if !q.Save(ctx, map[string]any{"seq": i}) {
			t.Fatalf("save %d", i)
		}
	}
}

func TestQueue_StatsPeekClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	seedQueue(t, path, time.Now().Add(-time.Hour), 3)

	stdout, _, err := execute(t, "", "queue", "stats", "--path", path)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(stdout, "items:   3") || !strings.Contains(stdout, "oldest:") {
		t.Errorf("stats output = %q", stdout)
	}

	stdout, _, err = execute(t, "", "queue", "peek", "--path", path, "-n", "2")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("peek printed %d lines, want 2", len(lines))
	}
	var item store.CachedItem
	if err := json.Unmarshal([]byte(lines[0]), &item); err != nil {
		t.Fatalf("peek line is not JSON: %v", err)
	}
	if string(item.Data) != `{"seq":0}` {
		t.Errorf("oldest item = %s", item.Data)
	}

	stdout, _, err = execute(t, "", "queue", "clear", "--path", path)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if strings.TrimSpace(stdout) != "cleared 3 items" {
		t.Errorf("clear output = %q", stdout)
	}

	stdout, _, _ = execute(t, "", "queue", "stats", "--path", path)
	if !strings.Contains(stdout, "items:   0") {
		t.Errorf("queue should be empty: %q", stdout)
	}
}

func TestQueue_Expire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	seedQueue(t, path, time.Now().Add(-30*24*time.Hour), 2)
	seedQueue(t, path, time.Now(), 1)

	stdout, _, err := execute(t, "", "queue", "expire", "--path", path)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if !strings.Contains(stdout, "expired 2 items") {
		t.Errorf("expire output = %q", stdout)
	}
}

func TestQueue_PathFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "from-config.db")
	seedQueue(t, path, time.Now(), 1)
	cfg := writeConfig(t, "cachePath: "+path+"\n")

	stdout, _, err := execute(t, "", "queue", "stats", "-c", cfg)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(stdout, path) || !strings.Contains(stdout, "items:   1") {
		t.Errorf("stats output = %q", stdout)
	}
}

func TestQueue_UnopenablePathIsActionable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}

	_, _, err := execute(t, "", "queue", "stats", "--path", filepath.Join(blocker, "queue.db"))
	var ae *ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ActionableError, got %v", err)
	}
}

func TestConfig_InitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	stdout, _, err := execute(t, "", "config", "init", "-c", path)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(stdout, path) {
		t.Errorf("init output = %q", stdout)
	}

	_, _, err = execute(t, "", "config", "init", "-c", path)
	var ae *ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("second init should refuse to overwrite, got %v", err)
	}
	if _, _, err := execute(t, "", "config", "init", "-c", path, "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}

	t.Setenv("SENTINEL_APP_ID", "from-env")
	stdout, _, err = execute(t, "", "config", "show", "-c", path)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(stdout, "appId: from-env") {
		t.Errorf("environment should override the file: %q", stdout)
	}
	if !strings.Contains(stdout, "reportUrl: http://localhost:8787/report") {
		t.Errorf("file value missing: %q", stdout)
	}
}

func TestServeCollector_Shutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := collector.New(collector.Options{})

	done := make(chan error, 1)
	go func() { done <- serveCollector(ctx, ln, c, discard()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serveCollector returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not shut down")
	}
}

func TestCollect_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, _, err = execute(t, "", "collect", "--listen", ln.Addr().String())
	var ae *ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ActionableError, got %v", err)
	}
}
