// Package store provides the durable local queue that holds envelopes
// awaiting delivery.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// CachedItem is the persisted form of an envelope. ID is assigned by
// the store and increases monotonically.
type CachedItem struct {
	ID         int64           `json:"id"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
}

// Queue is a crash-surviving FIFO of serialized envelopes.
//
// Every method initializes storage on demand and degrades gracefully:
// a storage failure is logged and reported as a false, zero or empty
// result, never as a panic. Callers must not assume a write succeeded.
type Queue interface {
	// Init opens or creates storage. Idempotent. False means offline
	// caching should be disabled.
	Init(ctx context.Context) bool

	// Save appends v (marshalled to JSON) with a zero retry count.
	Save(ctx context.Context, v any) bool

	// GetBatch returns up to limit items, oldest timestamp first.
	GetBatch(ctx context.Context, limit int) []CachedItem

	// Remove deletes the given ids in one transaction.
	Remove(ctx context.Context, ids []int64) bool

	// IncrementRetry bumps the retry count of id.
	IncrementRetry(ctx context.Context, id int64) bool

	// ClearExpired deletes items older than now-maxAge.
	ClearExpired(ctx context.Context, maxAge time.Duration) int64

	// TrimToSize evicts the oldest items beyond max.
	TrimToSize(ctx context.Context, max int) int64

	// DropRetryExhausted deletes items retried more than maxRetries times.
	DropRetryExhausted(ctx context.Context, maxRetries int) int64

	// Count returns the queue depth, or 0 when storage is unavailable.
	Count(ctx context.Context) int

	// Clear deletes every item.
	Clear(ctx context.Context) bool

	// Close releases storage.
	Close() error
}
