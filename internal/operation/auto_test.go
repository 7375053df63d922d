package operation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanguyun/edge-sentinel-sdk/internal/signal"
)

func click(id string) signal.Signal {
	return signal.Interaction("click", signal.Target{Tag: "button", ID: id, Class: "primary"})
}

func TestAutoTrackingIsIdempotent(t *testing.T) {
	tr, _, clk, bus := setupTracker(t)

	tr.EnableAutoTracking()
	tr.EnableAutoTracking()
	for _, kind := range []signal.Kind{signal.KindInteraction, signal.KindVisibility, signal.KindRoute, signal.KindUnload} {
		assert.Equal(t, 1, bus.Subscribers(kind), kind)
	}
	assert.Equal(t, 1, clk.Tickers())

	tr.DisableAutoTracking()
	tr.DisableAutoTracking()
	for _, kind := range []signal.Kind{signal.KindInteraction, signal.KindVisibility, signal.KindRoute, signal.KindUnload} {
		assert.Equal(t, 0, bus.Subscribers(kind), kind)
	}
	assert.Equal(t, 0, clk.Tickers())
	assert.False(t, tr.AutoTracking())
}

func TestAutoTrackingWithoutSignals(t *testing.T) {
	tr := NewTracker(Options{})
	tr.EnableAutoTracking()
	assert.False(t, tr.AutoTracking())
}

func TestAutoInteractions(t *testing.T) {
	tr, rec, _, bus := setupTracker(t)
	tr.EnableAutoTracking()

	bus.Publish(click("buy"))
	id := tr.Current()
	require.NotEmpty(t, id)

	op, _ := tr.Get(id)
	assert.Equal(t, AutoOperationName, op.Name)
	assert.True(t, op.Auto)
	assert.Empty(t, op.Steps, "the first interaction opens the operation")

	bus.Publish(click("confirm"))
	bus.Publish(signal.Interaction("keydown", signal.Target{Tag: "input"}))

	op, _ = tr.Get(id)
	require.Len(t, op.Steps, 2)
	assert.Equal(t, "click", op.Steps[0].Name)
	assert.Equal(t, map[string]any{"tag": "button", "id": "confirm", "class": "primary"}, op.Steps[0].Data["target"])
	assert.Equal(t, "keydown", op.Steps[1].Data["type"])
	assert.Equal(t, string(StatusInProgress), rec.last()["status"])
}

func TestAutoTimeoutStartsFreshOperation(t *testing.T) {
	tr, rec, clk, bus := setupTracker(t)
	tr.UpdateThresholds(10*time.Minute, 0)
	tr.EnableAutoTracking()

	bus.Publish(click("a"))
	first := tr.Current()

	clk.Advance(290 * time.Second)
	bus.Publish(click("b"))
	clk.Advance(20 * time.Second)
	tr.CheckLiveness()

	completed := rec.withStatus(StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, first, completed[0]["operationId"])
	assert.Equal(t, ReasonTimeout, completed[0]["resultData"].(map[string]any)["reason"])

	second := tr.Current()
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second)
}

func TestAutoInactivity(t *testing.T) {
	tr, rec, clk, bus := setupTracker(t)
	tr.EnableAutoTracking()

	bus.Publish(click("a"))
	clk.Advance(30 * time.Second)
	tr.CheckLiveness()
	assert.NotEmpty(t, tr.Current(), "still within the threshold")

	clk.Advance(31 * time.Second)
	tr.CheckLiveness()
	assert.Empty(t, tr.Current())

	completed := rec.withStatus(StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, ReasonInactivity, completed[0]["resultData"].(map[string]any)["reason"])
}

func TestLivenessTicker(t *testing.T) {
	tr, rec, clk, bus := setupTracker(t)
	tr.EnableAutoTracking()
	bus.Publish(click("a"))

	clk.Advance(61 * time.Second)

	require.Eventually(t, func() bool { return tr.Current() == "" }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.withStatus(StatusCompleted), 1)
}

func TestAutoVisibility(t *testing.T) {
	tr, rec, _, bus := setupTracker(t)
	tr.EnableAutoTracking()

	bus.Publish(click("a"))
	bus.Publish(signal.Visibility(false))
	assert.Empty(t, tr.Current())
	completed := rec.withStatus(StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, ReasonHidden, completed[0]["resultData"].(map[string]any)["reason"])

	bus.Publish(signal.Visibility(true))
	assert.NotEmpty(t, tr.Current())

	current := tr.Current()
	bus.Publish(signal.Visibility(true))
	assert.Equal(t, current, tr.Current(), "visible with a current operation changes nothing")
}

func TestAutoRouteChange(t *testing.T) {
	tr, rec, _, bus := setupTracker(t)
	tr.EnableAutoTracking()

	bus.Publish(click("a"))
	first := tr.Current()
	bus.Publish(signal.Route("/settings"))

	completed := rec.withStatus(StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, first, completed[0]["operationId"])
	resultData := completed[0]["resultData"].(map[string]any)
	assert.Equal(t, ReasonRouteChange, resultData["reason"])
	assert.Equal(t, "/settings", resultData["url"])

	op, ok := tr.Get(tr.Current())
	require.True(t, ok)
	assert.Equal(t, "/settings", op.Metadata["url"])
}

func TestDisableCompletesCurrent(t *testing.T) {
	tr, rec, _, bus := setupTracker(t)
	tr.EnableAutoTracking()
	bus.Publish(click("a"))

	tr.DisableAutoTracking()
	completed := rec.withStatus(StatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, ReasonTrackingStopped, completed[0]["resultData"].(map[string]any)["reason"])

	bus.Publish(click("b"))
	assert.Empty(t, tr.Current(), "no operations after detaching")
}

func TestUnloadSignalInterrupts(t *testing.T) {
	tr, rec, _, bus := setupTracker(t)
	tr.EnableAutoTracking()

	bus.Publish(click("a"))
	manual := tr.StartOperation("manual", nil)
	bus.Publish(signal.Signal{Kind: signal.KindUnload})

	interrupted := rec.withStatus(StatusInterrupted)
	assert.Len(t, interrupted, 2)
	assert.Empty(t, tr.Active())
	_, ok := tr.Get(manual)
	assert.False(t, ok)
}

func TestUpdateThresholds(t *testing.T) {
	tr, _, clk, bus := setupTracker(t)
	tr.UpdateThresholds(5*time.Second, 0)
	tr.EnableAutoTracking()

	bus.Publish(click("a"))
	clk.Advance(6 * time.Second)
	tr.CheckLiveness()
	assert.Empty(t, tr.Current())
}
