package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		debug bool
		want  slog.Level
	}{
		{"debug", false, slog.LevelDebug},
		{"INFO", false, slog.LevelInfo},
		{"", false, slog.LevelWarn},
		{"error", false, slog.LevelError},
		{"silent", false, LevelSilent},
		{"bogus", false, slog.LevelWarn},
		{"error", true, slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.name, tt.debug))
		})
	}
}

func TestHistoryIsBounded(t *testing.T) {
	l := New(Options{Level: "debug", MaxHistory: 3})

	for i := 0; i < 5; i++ {
		l.Info(fmt.Sprintf("msg-%d", i))
	}

	hist := l.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "msg-2", hist[0].Message)
	assert.Equal(t, "msg-4", hist[2].Message)
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "warn", Output: &buf})

	l.Info("hidden")
	l.Warn("shown", "key", "value")

	hist := l.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "shown", hist[0].Message)
	assert.Equal(t, "value", hist[0].Attrs["key"])
	assert.Contains(t, buf.String(), "shown")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestSilentDropsEverything(t *testing.T) {
	l := New(Options{Level: "silent"})
	l.Error("nope")
	assert.Empty(t, l.History())
}

func TestCallbackPanicIsContained(t *testing.T) {
	l := New(Options{Level: "debug", Callback: func(Record) { panic("bad callback") }})
	assert.NotPanics(t, func() { l.Info("hello") })
	assert.Len(t, l.History(), 1)
}

func TestWithAttrsAndGroup(t *testing.T) {
	var got []Record
	l := New(Options{Level: "debug", Callback: func(r Record) { got = append(got, r) }})

	l.With("component", "store").WithGroup("queue").Info("saved", "id", 7)

	require.Len(t, got, 1)
	assert.Equal(t, "store", got[0].Attrs["component"])
	assert.EqualValues(t, 7, got[0].Attrs["queue.id"])
}

func TestSetLevel(t *testing.T) {
	l := New(Options{Level: "error"})
	l.Info("dropped")
	l.SetLevel("info", false)
	l.Info("kept")

	hist := l.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "kept", hist[0].Message)
}
