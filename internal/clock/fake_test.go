package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), c.Now())
}

func TestFakeClock_TickerFiresOnAdvance(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(10 * time.Second)

	c.Advance(9 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case tick := <-ticker.C:
		assert.Equal(t, time.Unix(10, 0), tick)
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestFakeClock_StoppedTickerIsRemoved(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	require.Equal(t, 1, c.Tickers())

	ticker.Stop()
	ticker.Stop()
	c.Advance(5 * time.Second)

	assert.Equal(t, 0, c.Tickers())
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}
