package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tempErr struct{ temp bool }

func (e tempErr) Error() string   { return "temp" }
func (e tempErr) Temporary() bool { return e.temp }

func fastConfig() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	v, err := Do(context.Background(), fastConfig(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", tempErr{temp: true}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastConfig(), func() (int, error) {
		attempts++
		return 0, tempErr{temp: false}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoGivesUp(t *testing.T) {
	attempts := 0
	retried := 0
	cfg := fastConfig()
	cfg.OnRetry = func(error, time.Duration) { retried++ }

	_, err := Do(context.Background(), cfg, func() (int, error) {
		attempts++
		return 0, tempErr{temp: true}
	})
	assert.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 3, retried)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, fastConfig(), func() (int, error) {
		return 0, tempErr{temp: true}
	})
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("bad request")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(tempErr{temp: true}))
	assert.False(t, IsRetryable(tempErr{temp: false}))
}
