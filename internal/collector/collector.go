// Package collector is a development receiver for the reporting wire
// contract. It accepts single envelopes, batches and compressed
// wrappers on POST /report, keeps the most recent envelopes in memory
// and streams them to websocket clients.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	"github.com/fanguyun/edge-sentinel-sdk/internal/compress"
	"github.com/fanguyun/edge-sentinel-sdk/internal/event"
	"github.com/fanguyun/edge-sentinel-sdk/internal/transport"
)

// DefaultLimit bounds the envelopes kept in memory.
const DefaultLimit = 10000

// maxBody bounds a single report request.
const maxBody = 8 << 20

// Record is one received envelope.
type Record struct {
	ReceivedAt time.Time      `json:"receivedAt"`
	Channel    string         `json:"channel,omitempty"`
	Compressed bool           `json:"compressed"`
	Batched    bool           `json:"batched"`
	Envelope   event.Envelope `json:"envelope"`
}

// Options configures a Collector.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock
	// Limit is the number of envelopes kept; older ones are evicted.
	Limit int
	// RateLimit enables per-IP limiting of /report when positive.
	RateLimit float64
	Burst     int
}

// Collector receives reports.
type Collector struct {
	logger  *slog.Logger
	clock   clock.Clock
	limit   int
	hub     *Hub
	limiter *RateLimiter

	failNext atomic.Int64
	requests atomic.Int64

	mu      sync.RWMutex
	records []Record
	evicted int64
}

// New creates a Collector. Call Run to start the websocket hub.
func New(opts Options) *Collector {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	logger := opts.Logger.With("component", "collector")
	c := &Collector{
		logger: logger,
		clock:  opts.Clock,
		limit:  opts.Limit,
		hub:    NewHub(logger),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
		c.limiter = NewRateLimiter(opts.RateLimit, burst, opts.Clock)
	}
	return c
}

// Run serves the websocket hub until ctx ends.
func (c *Collector) Run(ctx context.Context) {
	c.hub.Run(ctx)
}

// Handler returns the HTTP routes.
func (c *Collector) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "sentinel-collector")
	})

	r.Group(func(r chi.Router) {
		if c.limiter != nil {
			r.Use(c.limiter.Middleware)
		}
		r.Post("/report", c.handleReport)
	})
	r.Get("/events", c.handleEvents)
	r.Delete("/events", c.handleReset)
	r.Get("/health", c.handleHealth)
	r.Handle("/ws", c.hub)
	return r
}

// FailNext makes the next n report requests fail with 503.
func (c *Collector) FailNext(n int) {
	c.failNext.Store(int64(n))
}

// Records returns a copy of the kept envelopes, oldest first.
func (c *Collector) Records() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Envelopes returns the kept envelopes, oldest first.
func (c *Collector) Envelopes() []event.Envelope {
	records := c.Records()
	out := make([]event.Envelope, len(records))
	for i, r := range records {
		out[i] = r.Envelope
	}
	return out
}

// Requests returns the number of report requests answered, failed
// ones included.
func (c *Collector) Requests() int {
	return int(c.requests.Load())
}

// Reset forgets every kept envelope.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.evicted = 0
}

func (c *Collector) takeFailure() bool {
	for {
		n := c.failNext.Load()
		if n <= 0 {
			return false
		}
		if c.failNext.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (c *Collector) handleReport(w http.ResponseWriter, r *http.Request) {
	c.requests.Add(1)
	if c.takeFailure() {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	envelopes, info, err := Decode(body)
	if err != nil {
		c.logger.Warn("rejected report", "error", err, "bytes", len(body))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := c.clock.Now()
	channel := r.Header.Get(transport.HeaderChannel)
	records := make([]Record, len(envelopes))
	for i, env := range envelopes {
		records[i] = Record{
			ReceivedAt: now,
			Channel:    channel,
			Compressed: info.Compressed,
			Batched:    info.Batched,
			Envelope:   env,
		}
	}
	c.keep(records)

	for i := range records {
		c.hub.Broadcast(&Message{Type: MessageTypeEnvelope, Timestamp: now, Data: records[i]})
	}
	c.logger.Debug("report received", "envelopes", len(envelopes),
		"compressed", info.Compressed, "batched", info.Batched, "channel", channel)
	w.WriteHeader(http.StatusNoContent)
}

func (c *Collector) keep(records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, records...)
	if over := len(c.records) - c.limit; over > 0 {
		c.records = append([]Record(nil), c.records[over:]...)
		c.evicted += int64(over)
	}
}

type eventsResponse struct {
	Total   int      `json:"total"`
	Evicted int64    `json:"evicted"`
	Records []Record `json:"records"`
}

// handleEvents lists kept envelopes, newest last. Query parameters:
// type filters by event type, limit keeps the newest n.
func (c *Collector) handleEvents(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	evicted := c.evicted
	c.mu.RUnlock()
	records := c.Records()

	if kind := r.URL.Query().Get("type"); kind != "" {
		filtered := records[:0]
		for _, rec := range records {
			if string(rec.Envelope.Event.Type()) == kind {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < len(records) {
			records = records[len(records)-n:]
		}
	}

	writeJSON(w, eventsResponse{Total: len(records), Evicted: evicted, Records: records})
}

func (c *Collector) handleReset(w http.ResponseWriter, _ *http.Request) {
	c.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (c *Collector) handleHealth(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	kept := len(c.records)
	c.mu.RUnlock()
	writeJSON(w, map[string]any{
		"status":   "ok",
		"kept":     kept,
		"requests": c.Requests(),
		"clients":  c.hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeInfo describes how a report body was packed.
type DecodeInfo struct {
	Compressed bool
	Batched    bool
}

// ErrEmptyReport is returned for bodies without envelopes.
var ErrEmptyReport = errors.New("report carries no envelopes")

type probe struct {
	Type  string            `json:"type"`
	Data  json.RawMessage   `json:"data"`
	Items []json.RawMessage `json:"items"`
}

// Decode unpacks a report body: an optional compressed wrapper around
// either one envelope or a batch of envelopes.
func Decode(body []byte) ([]event.Envelope, DecodeInfo, error) {
	var info DecodeInfo

	var p probe
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, info, fmt.Errorf("decoding report: %w", err)
	}

	if p.Type == transport.TypeCompressed {
		var packed string
		if err := json.Unmarshal(p.Data, &packed); err != nil {
			return nil, info, fmt.Errorf("compressed data is not a string: %w", err)
		}
		plain := compress.Decompress(packed)
		if plain == packed {
			return nil, info, errors.New("compressed data could not be inflated")
		}
		info.Compressed = true
		body = []byte(plain)
		p = probe{}
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, info, fmt.Errorf("decoding inflated report: %w", err)
		}
	}

	if p.Type == event.TypeBatch {
		info.Batched = true
		if len(p.Items) == 0 {
			return nil, info, ErrEmptyReport
		}
		out := make([]event.Envelope, 0, len(p.Items))
		for i, raw := range p.Items {
			var env event.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return nil, info, fmt.Errorf("batch item %d: %w", i, err)
			}
			out = append(out, env)
		}
		return out, info, nil
	}

	var env event.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, info, err
	}
	if env.Event.Type() == "" {
		return nil, info, ErrEmptyReport
	}
	return []event.Envelope{env}, info, nil
}
