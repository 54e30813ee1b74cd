package bot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), time.Second)

	var order []string
	for _, name := range []string{"store", "bus", "sessions"} {
		name := name
		sh.AddFunc(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	assert.NoError(t, sh.Shutdown(context.Background()))
	assert.Equal(t, []string{"sessions", "bus", "store"}, order)

	// A second shutdown is a no-op.
	assert.NoError(t, sh.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestShutdownCollectsErrorsAndTimeouts(t *testing.T) {
	sh := NewShutdownHandler(zaptest.NewLogger(t), 50*time.Millisecond)

	var closed atomic.Bool
	sh.AddFunc("first", func() error {
		closed.Store(true)
		return nil
	})
	sh.AddFunc("hung", func() error {
		time.Sleep(time.Second)
		return nil
	})
	sh.AddFunc("broken", func() error { return errors.New("disk full") })

	err := sh.Shutdown(context.Background())
	assert.ErrorContains(t, err, "broken: disk full")
	assert.ErrorContains(t, err, "hung: shutdown timeout")
	// Services after a timed out one are still asked to close.
	assert.Eventually(t, closed.Load, time.Second, 5*time.Millisecond)
}
