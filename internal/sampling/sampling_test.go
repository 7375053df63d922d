package sampling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
)

func fixedRandom(v float64) func() float64 {
	return func() float64 { return v }
}

func newTestEngine(t *testing.T, random func() float64) (*Engine, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(nil, clk, random), clk
}

func TestConfigureValidation(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	require.NoError(t, e.Configure("custom", Options{Rate: 0.5}))
	cfg, ok := e.Config("custom")
	require.True(t, ok)
	assert.Equal(t, StrategyRandom, cfg.Strategy)
	assert.Equal(t, DefaultTimeWindow, cfg.TimeWindow)
	assert.Equal(t, DefaultMaxEventsPerWindow, cfg.MaxEventsPerWindow)

	for _, bad := range []float64{-0.1, 1.5} {
		assert.Error(t, e.Configure("custom", Options{Rate: bad}))
	}
	assert.Error(t, e.Configure("custom", Options{Rate: 0.1, Strategy: "weird"}))

	cfg, _ = e.Config("custom")
	assert.Equal(t, 0.5, cfg.Rate, "rejected config must not replace the previous one")
}

func TestShouldSample_Unconfigured(t *testing.T) {
	e, _ := newTestEngine(t, fixedRandom(0.999))
	assert.True(t, e.ShouldSample("anything", nil))
}

func TestShouldSample_Extremes(t *testing.T) {
	e, _ := newTestEngine(t, fixedRandom(0))
	require.NoError(t, e.Configure("all", Options{Rate: 1}))
	require.NoError(t, e.Configure("none", Options{Rate: 0}))

	for i := 0; i < 50; i++ {
		assert.True(t, e.ShouldSample("all", nil))
		assert.False(t, e.ShouldSample("none", nil))
	}
}

func TestShouldSample_Random(t *testing.T) {
	e, _ := newTestEngine(t, fixedRandom(0.3))
	require.NoError(t, e.Configure("low", Options{Rate: 0.2}))
	require.NoError(t, e.Configure("high", Options{Rate: 0.4}))

	assert.False(t, e.ShouldSample("low", nil))
	assert.True(t, e.ShouldSample("high", nil))
}

func TestShouldSample_ConsistentFallsBackToRandom(t *testing.T) {
	e, _ := newTestEngine(t, fixedRandom(0.9))
	require.NoError(t, e.Configure("pv", Options{Rate: 0.5, Strategy: StrategyConsistent, ConsistentKey: "user.id"}))

	assert.False(t, e.ShouldSample("pv", map[string]any{"other": 1}))
}

func TestShouldSample_ConsistentNestedKey(t *testing.T) {
	e, _ := newTestEngine(t, fixedRandom(0))
	require.NoError(t, e.Configure("pv", Options{Rate: 0.5, Strategy: StrategyConsistent, ConsistentKey: "user.id"}))

	data := map[string]any{"user": map[string]any{"id": "abc"}}
	want := Bucket("abc") < 0.5
	assert.Equal(t, want, e.ShouldSample("pv", data))
}

func TestConsistentSamplingIsStable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.String().Draw(t, "key")
		rate := rapid.Float64Range(0.01, 0.99).Draw(t, "rate")
		calls := rapid.IntRange(2, 50).Draw(t, "calls")

		e := New(nil, nil, nil)
		if err := e.Configure("evt", Options{Rate: rate, Strategy: StrategyConsistent, ConsistentKey: "sid"}); err != nil {
			t.Fatalf("configure: %v", err)
		}

		data := map[string]any{"sid": key}
		first := e.ShouldSample("evt", data)
		for i := 1; i < calls; i++ {
			if got := e.ShouldSample("evt", data); got != first {
				t.Fatalf("call %d returned %v, first returned %v", i, got, first)
			}
		}
	})
}

func TestRateLimiting_AcceptsBudgetThenSamples(t *testing.T) {
	e, _ := newTestEngine(t, fixedRandom(0.99))
	require.NoError(t, e.Configure("api", Options{
		Rate:               0.5,
		Strategy:           StrategyRateLimiting,
		MaxEventsPerWindow: 5,
		TimeWindow:         time.Minute,
	}))

	accepted := 0
	for i := 0; i < 20; i++ {
		if e.ShouldSample("api", nil) {
			accepted++
		}
	}
	assert.Equal(t, 5, accepted)
}

func TestRateLimiting_OverflowUsesRate(t *testing.T) {
	e, _ := newTestEngine(t, fixedRandom(0.1))
	require.NoError(t, e.Configure("api", Options{
		Rate:               0.5,
		Strategy:           StrategyRateLimiting,
		MaxEventsPerWindow: 2,
	}))

	for i := 0; i < 10; i++ {
		assert.True(t, e.ShouldSample("api", nil))
	}
}

func TestRateLimiting_WindowSlides(t *testing.T) {
	e, clk := newTestEngine(t, fixedRandom(0.99))
	require.NoError(t, e.Configure("api", Options{
		Rate:               0.5,
		Strategy:           StrategyRateLimiting,
		MaxEventsPerWindow: 2,
		TimeWindow:         10 * time.Second,
	}))

	assert.True(t, e.ShouldSample("api", nil))
	assert.True(t, e.ShouldSample("api", nil))
	assert.False(t, e.ShouldSample("api", nil))

	clk.Advance(11 * time.Second)
	assert.True(t, e.ShouldSample("api", nil))
}

func TestRateLimiting_AtLeastBudgetAccepted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		budget := rapid.IntRange(1, 30).Draw(t, "budget")
		burst := rapid.IntRange(budget+1, budget*3).Draw(t, "burst")
		rate := rapid.Float64Range(0.01, 0.99).Draw(t, "rate")

		e := New(nil, clock.Fake(time.Unix(0, 0)), nil)
		_ = e.Configure("evt", Options{Rate: rate, Strategy: StrategyRateLimiting, MaxEventsPerWindow: budget})

		for i := 0; i < budget; i++ {
			if !e.ShouldSample("evt", nil) {
				t.Fatalf("event %d rejected within budget %d", i, budget)
			}
		}
		for i := budget; i < burst; i++ {
			e.ShouldSample("evt", nil)
		}
	})
}

func TestResetState(t *testing.T) {
	e, _ := newTestEngine(t, fixedRandom(0.99))
	require.NoError(t, e.Configure("api", Options{Rate: 0.5, Strategy: StrategyRateLimiting, MaxEventsPerWindow: 1}))

	assert.True(t, e.ShouldSample("api", nil))
	assert.False(t, e.ShouldSample("api", nil))

	e.ResetState("api")
	assert.True(t, e.ShouldSample("api", nil))
}

func TestFailOpenOnPanic(t *testing.T) {
	e, _ := newTestEngine(t, func() float64 { panic("rng broke") })
	require.NoError(t, e.Configure("x", Options{Rate: 0.5}))
	assert.True(t, e.ShouldSample("x", nil))
}

func TestHashKnownValues(t *testing.T) {
	assert.Equal(t, int32(0), Hash(""))
	assert.Equal(t, int32(97), Hash("a"))
	assert.Equal(t, int32(96354), Hash("abc"))
	assert.InDelta(t, 0.354, Bucket("abc"), 1e-9)
}

func TestLookup(t *testing.T) {
	data := map[string]any{
		"flat.key": 1,
		"user":     map[string]any{"profile": map[string]any{"id": "p1"}},
	}

	v, ok := Lookup(data, "flat.key")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = Lookup(data, "user.profile.id")
	assert.True(t, ok)
	assert.Equal(t, "p1", v)

	_, ok = Lookup(data, "user.missing")
	assert.False(t, ok)
}
