package shutdown

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/psantana5/bisect-farm/pkg/logging"
)

func quietLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

func TestShutdownRunsHooksInReverse(t *testing.T) {
	m := New(time.Second, quietLogger())
	var order []string
	m.Register("first", func(context.Context) error { order = append(order, "first"); return nil })
	m.Register("second", func(context.Context) error { order = append(order, "second"); return nil })

	assert.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"second", "first"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed after Shutdown")
	}
}

func TestShutdownJoinsErrors(t *testing.T) {
	m := New(time.Second, quietLogger())
	boom := errors.New("boom")
	ran := false
	m.Register("ok", func(context.Context) error { ran = true; return nil })
	m.Register("bad", func(context.Context) error { return boom })

	err := m.Shutdown()
	assert.True(t, errors.Is(err, boom))
	assert.True(t, ran, "later hooks still run after a failure")
}

func TestWaitReturnsOnContext(t *testing.T) {
	m := New(time.Second, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Wait(ctx)

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Wait should trigger shutdown")
	}
}
