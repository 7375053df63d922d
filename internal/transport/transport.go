// Package transport delivers serialized payloads to the collector.
//
// The primary channel is a beacon: payloads are handed to a bounded
// buffer and written by a background worker, so the caller never
// waits on the network. When the beacon refuses a payload, the sender
// falls back to a regular HTTP request on its own goroutine. Neither
// path retries; retry belongs to the offline cache.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fanguyun/edge-sentinel-sdk/internal/compress"
	"github.com/fanguyun/edge-sentinel-sdk/internal/metrics"
	"github.com/fanguyun/edge-sentinel-sdk/internal/queue"
	"github.com/fanguyun/edge-sentinel-sdk/internal/result"
)

// Header names set on every request.
const (
	HeaderCompressed = "X-Sentinel-Compressed"
	HeaderEncoding   = "Content-Encoding-Sentinel"
	HeaderChannel    = "X-Sentinel-Channel"

	EncodingDeflateBase64 = "deflate-base64"
)

// CompressedPayload wraps a compressed body.
type CompressedPayload struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// TypeCompressed is the discriminant of CompressedPayload.
const TypeCompressed = "compressed"

// Config configures a Sender.
type Config struct {
	URL              string
	Compression      bool
	CompressionLevel int
	Timeout          time.Duration
	BeaconBuffer     int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BeaconBuffer <= 0 {
		c.BeaconBuffer = 256
	}
	return c
}

// Request is one encoded payload.
type Request struct {
	URL      string
	Body     []byte
	Headers  map[string]string
	Priority string
}

// Channel transmits a request and reports whether the collector took it.
type Channel interface {
	Name() string
	Transmit(ctx context.Context, req *Request) error
}

// NewHTTPClient returns a client instrumented with OpenTelemetry.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// Sender encodes payloads and routes them over the beacon and
// fallback channels.
type Sender struct {
	mu       sync.RWMutex
	cfg      Config
	beacon   *Beacon
	fallback Channel
	logger   *slog.Logger
	metrics  *metrics.Metrics
	inflight sync.WaitGroup
}

// NewSender creates a Sender. A nil client selects NewHTTPClient.
func NewSender(cfg Config, client *http.Client, logger *slog.Logger, m *metrics.Metrics) *Sender {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "transport")
	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}

	s := &Sender{
		cfg:      cfg,
		fallback: NewHTTPChannel(client),
		logger:   logger,
		metrics:  m,
	}
	s.beacon = NewBeacon(client, cfg.BeaconBuffer, cfg.Timeout, logger, m)
	if err := m.ObserveBuffer(s.beacon.Name(), s.bufferStats); err != nil {
		logger.Warn("beacon buffer metrics unavailable", "error", err)
	}
	return s
}

// Configure swaps the delivery settings. The beacon buffer size is
// fixed at construction.
func (s *Sender) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
}

// Config returns the current settings.
func (s *Sender) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Send delivers payload fire-and-forget. It never blocks on the
// network and never panics.
func (s *Sender) Send(payload any) {
	s.send(payload, queue.PriorityLow)
}

// SendUrgent is Send for payloads that should survive buffer pressure,
// such as reports emitted during shutdown.
func (s *Sender) SendUrgent(payload any) {
	s.send(payload, queue.PriorityHigh)
}

func (s *Sender) send(payload any, priority string) {
	defer result.Recover(s.logger, "transport send")

	req, err := s.Encode(payload)
	if err != nil {
		result.Absorb(s.logger, "dropping payload", err)
		s.metrics.Discarded(metrics.ReasonInternalError, 1)
		return
	}
	req.Priority = priority

	if s.beacon.Offer(req) {
		return
	}

	s.logger.Debug("beacon refused payload, using fallback")
	s.inflight.Add(1)
	result.Go(s.logger, "transport fallback", func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.Config().Timeout)
		defer cancel()
		if err := s.fallback.Transmit(ctx, req); err != nil {
			s.logger.Warn("fallback delivery failed", "error", err)
			s.metrics.PayloadSent(s.fallback.Name(), false)
			s.metrics.Discarded(metrics.ReasonNetworkError, 1)
			return
		}
		s.metrics.PayloadSent(s.fallback.Name(), true)
	})
}

// Deliver transmits payload and waits for the outcome: a direct beacon
// write first, then the fallback channel. Used by batch flushes, which
// must know whether to drop the delivered items from the cache.
func (s *Sender) Deliver(ctx context.Context, payload any) (err error) {
	defer result.Capture(&err, "transport deliver")

	req, err := s.Encode(payload)
	if err != nil {
		return err
	}
	req.Priority = queue.PriorityHigh

	primaryErr := s.beacon.Transmit(ctx, req)
	s.metrics.PayloadSent(s.beacon.Name(), primaryErr == nil)
	if primaryErr == nil {
		return nil
	}
	s.logger.Debug("beacon delivery failed, using fallback", "error", primaryErr)

	fallbackErr := s.fallback.Transmit(ctx, req)
	s.metrics.PayloadSent(s.fallback.Name(), fallbackErr == nil)
	if fallbackErr != nil {
		return result.Wrap(result.KindIO, "transport deliver",
			fmt.Errorf("beacon: %v; fallback: %w", primaryErr, fallbackErr))
	}
	return nil
}

// Encode serializes payload, compressing it when enabled.
func (s *Sender) Encode(payload any) (*Request, error) {
	cfg := s.Config()
	if cfg.URL == "" {
		return nil, result.Errorf(result.KindConfig, "transport encode", "report URL is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, result.Wrap(result.KindData, "transport encode", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if cfg.Compression {
		packed := compress.Compress(string(body), cfg.CompressionLevel)
		if packed != string(body) {
			wrapped, err := json.Marshal(CompressedPayload{Type: TypeCompressed, Data: packed})
			if err != nil {
				return nil, result.Wrap(result.KindData, "transport encode", err)
			}
			body = wrapped
			headers[HeaderCompressed] = "true"
			headers[HeaderEncoding] = EncodingDeflateBase64
		}
	}

	return &Request{URL: cfg.URL, Body: body, Headers: headers}, nil
}

// Stats returns beacon buffer statistics.
func (s *Sender) Stats() queue.Stats {
	return s.beacon.Stats()
}

func (s *Sender) bufferStats() metrics.BufferStats {
	st := s.Stats()
	return metrics.BufferStats{
		High:       st.HighCount,
		Low:        st.LowCount,
		Refused:    st.Refused,
		EvictedLow: st.DropsLow,
		LostHigh:   st.DropsHigh,
	}
}

// Close stops accepting payloads and drains the beacon buffer until
// ctx ends.
func (s *Sender) Close(ctx context.Context) error {
	err := s.beacon.Close(ctx)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
