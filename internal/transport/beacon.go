package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fanguyun/edge-sentinel-sdk/internal/metrics"
	"github.com/fanguyun/edge-sentinel-sdk/internal/queue"
	"github.com/fanguyun/edge-sentinel-sdk/internal/result"
)

// Beacon is the primary channel. Offer hands a request to a bounded
// buffer and returns immediately; a single worker writes buffered
// requests in priority order.
type Beacon struct {
	client  *http.Client
	buffer  *queue.Queue
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewBeacon starts the beacon worker.
func NewBeacon(client *http.Client, size int, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Beacon {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Beacon{
		client:  client,
		buffer:  queue.NewQueue(size),
		timeout: timeout,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Name identifies the channel in logs and metrics.
func (b *Beacon) Name() string { return "beacon" }

// Offer queues req without blocking. False means the beacon refused it.
func (b *Beacon) Offer(req *Request) bool {
	return b.buffer.Push(&queue.Item{
		URL:      req.URL,
		Body:     req.Body,
		Headers:  req.Headers,
		Priority: req.Priority,
		Enqueued: time.Now(),
	})
}

// Transmit writes req directly, bypassing the buffer.
func (b *Beacon) Transmit(ctx context.Context, req *Request) error {
	return post(ctx, b.client, req, b.Name())
}

// Stats returns buffer statistics.
func (b *Beacon) Stats() queue.Stats {
	return b.buffer.Stats()
}

func (b *Beacon) run() {
	defer close(b.done)
	for {
		b.drain(b.ctx)
		if !b.buffer.Wait(b.ctx) {
			break
		}
	}
	// Flush whatever was accepted before Close.
	b.drain(context.Background())
}

func (b *Beacon) drain(parent context.Context) {
	for {
		if parent.Err() != nil {
			return
		}
		item := b.buffer.Pop()
		if item == nil {
			return
		}
		b.write(parent, item)
	}
}

func (b *Beacon) write(parent context.Context, item *queue.Item) {
	defer result.Recover(b.logger, "beacon write")

	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()

	err := post(ctx, b.client, &Request{URL: item.URL, Body: item.Body, Headers: item.Headers}, b.Name())
	b.metrics.PayloadSent(b.Name(), err == nil)
	if err != nil {
		b.logger.Warn("beacon delivery failed", "error", err)
		b.metrics.Discarded(metrics.ReasonNetworkError, 1)
		if item.Priority == queue.PriorityHigh {
			b.buffer.DropHigh()
		}
	}
}

// Close stops accepting requests and waits for the worker to drain the
// buffer, or for ctx to end, whichever comes first.
func (b *Beacon) Close(ctx context.Context) error {
	b.once.Do(func() {
		b.buffer.Close()
	})
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}
