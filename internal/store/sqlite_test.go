package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
)

// setupTestQueue creates an in-memory queue driven by a fake clock.
func setupTestQueue(t *testing.T) (*SQLiteQueue, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	q := NewSQLiteQueue(MemoryPath, nil, clk)
	t.Cleanup(func() {
		q.Close()
	})
	return q, clk
}

type payload struct {
	N int `json:"n"`
}

func decodeN(t *testing.T, item CachedItem) int {
	t.Helper()
	var p payload
	require.NoError(t, json.Unmarshal(item.Data, &p))
	return p.N
}

func TestInit(t *testing.T) {
	t.Parallel()

	t.Run("in-memory database", func(t *testing.T) {
		q, _ := setupTestQueue(t)
		assert.True(t, q.Init(context.Background()))
		assert.True(t, q.Init(context.Background()), "init is idempotent")
	})

	t.Run("file database", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "cache.db")
		q := NewSQLiteQueue(dbPath, nil, nil)
		t.Cleanup(func() { q.Close() })

		require.True(t, q.Init(context.Background()))
		_, err := os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("unopenable path", func(t *testing.T) {
		q := NewSQLiteQueue(filepath.Join(t.TempDir(), "missing", "dir", "cache.db"), nil, nil)
		t.Cleanup(func() { q.Close() })

		assert.False(t, q.Init(context.Background()))
		assert.False(t, q.Save(context.Background(), payload{1}))
		assert.Zero(t, q.Count(context.Background()))
		assert.Nil(t, q.GetBatch(context.Background(), 10))
	})
}

func TestSaveAutoInits(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	require.True(t, q.Save(ctx, payload{1}))
	assert.Equal(t, 1, q.Count(ctx))

	items := q.GetBatch(ctx, 10)
	require.Len(t, items, 1)
	assert.Positive(t, items[0].ID)
	assert.Zero(t, items[0].RetryCount)
}

func TestGetBatchOrdersByTimestamp(t *testing.T) {
	q, clk := setupTestQueue(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.True(t, q.Save(ctx, payload{i}))
		clk.Advance(time.Second)
	}

	items := q.GetBatch(ctx, 2)
	require.Len(t, items, 2)
	assert.Equal(t, 1, decodeN(t, items[0]))
	assert.Equal(t, 2, decodeN(t, items[1]))
	assert.Less(t, items[0].Timestamp, items[1].Timestamp)
	assert.Less(t, items[0].ID, items[1].ID)

	assert.Equal(t, 3, q.Count(ctx), "GetBatch is read-only")
}

func TestRemoveOnlyCapturedIDs(t *testing.T) {
	q, clk := setupTestQueue(t)
	ctx := context.Background()

	require.True(t, q.Save(ctx, payload{1}))
	require.True(t, q.Save(ctx, payload{2}))

	batch := q.GetBatch(ctx, 10)
	require.Len(t, batch, 2)

	// Arrives while the batch is in flight.
	clk.Advance(time.Second)
	require.True(t, q.Save(ctx, payload{3}))

	ids := []int64{batch[0].ID, batch[1].ID}
	require.True(t, q.Remove(ctx, ids))

	rest := q.GetBatch(ctx, 10)
	require.Len(t, rest, 1)
	assert.Equal(t, 3, decodeN(t, rest[0]))
}

func TestRemoveEmpty(t *testing.T) {
	q, _ := setupTestQueue(t)
	assert.True(t, q.Remove(context.Background(), nil))
}

func TestIncrementRetryAndDropExhausted(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	require.True(t, q.Save(ctx, payload{1}))
	require.True(t, q.Save(ctx, payload{2}))
	items := q.GetBatch(ctx, 10)

	for i := 0; i < 3; i++ {
		require.True(t, q.IncrementRetry(ctx, items[0].ID))
	}
	assert.False(t, q.IncrementRetry(ctx, 9999))

	items = q.GetBatch(ctx, 10)
	assert.Equal(t, 3, items[0].RetryCount)

	assert.EqualValues(t, 0, q.DropRetryExhausted(ctx, 3))
	assert.EqualValues(t, 1, q.DropRetryExhausted(ctx, 2))
	assert.Equal(t, 1, q.Count(ctx))
}

func TestClearExpired(t *testing.T) {
	q, clk := setupTestQueue(t)
	ctx := context.Background()

	require.True(t, q.Save(ctx, payload{1}))
	clk.Advance(2 * time.Hour)
	require.True(t, q.Save(ctx, payload{2}))

	assert.EqualValues(t, 1, q.ClearExpired(ctx, time.Hour))
	items := q.GetBatch(ctx, 10)
	require.Len(t, items, 1)
	assert.Equal(t, 2, decodeN(t, items[0]))

	assert.Zero(t, q.ClearExpired(ctx, 0))
}

func TestTrimToSize(t *testing.T) {
	q, clk := setupTestQueue(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.True(t, q.Save(ctx, payload{i}))
		clk.Advance(time.Millisecond)
	}

	assert.EqualValues(t, 2, q.TrimToSize(ctx, 3))
	items := q.GetBatch(ctx, 10)
	require.Len(t, items, 3)
	assert.Equal(t, 3, decodeN(t, items[0]), "oldest items are evicted first")
}

func TestClear(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	require.True(t, q.Save(ctx, payload{1}))
	require.True(t, q.Clear(ctx))
	assert.Zero(t, q.Count(ctx))
}

func TestClosedQueueDegrades(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()
	require.True(t, q.Save(ctx, payload{1}))

	require.NoError(t, q.Close())
	assert.False(t, q.Save(ctx, payload{2}))
	assert.False(t, q.Clear(ctx))
	assert.Zero(t, q.Count(ctx))
	assert.NoError(t, q.Close())
}

func TestFileQueueSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	first := NewSQLiteQueue(dbPath, nil, nil)
	require.True(t, first.Save(ctx, payload{42}))
	require.NoError(t, first.Close())

	second := NewSQLiteQueue(dbPath, nil, nil)
	t.Cleanup(func() { second.Close() })

	items := second.GetBatch(ctx, 10)
	require.Len(t, items, 1)
	assert.Equal(t, 42, decodeN(t, items[0]))
}

func TestSchemaVersion(t *testing.T) {
	q, _ := setupTestQueue(t)
	require.True(t, q.Init(context.Background()))

	var version int
	require.NoError(t, q.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version))
	assert.Equal(t, 1, version)
}
