package result

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", &Error{Kind: KindIO, Stage: "store"}, KindIO},
		{"wrapped", fmt.Errorf("outer: %w", Wrap(KindData, "encode", errors.New("bad"))), KindData},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindIO, "store", nil))
}

func TestCaptureTurnsPanicIntoError(t *testing.T) {
	run := func() (err error) {
		defer Capture(&err, "sampling")
		panic("boom")
	}

	err := run()
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Contains(t, err.Error(), "sampling")
}

func TestRecoverSwallowsPanic(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	assert.NotPanics(t, func() {
		defer Recover(logger, "test")
		panic("boom")
	})
}
