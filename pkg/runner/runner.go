// Package runner runs a child process, streams its output and enforces a
// wall-clock timeout.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// ErrTimeout is returned (wrapped) when the child outlived its timeout
var ErrTimeout = errors.New("process timed out")

// DefaultGrace is how long a child gets between SIGTERM and SIGKILL
const DefaultGrace = 10 * time.Second

// Spec describes one child process
type Spec struct {
	Path    string
	Args    []string
	Env     []string // nil inherits the worker's environment
	Dir     string
	Timeout time.Duration // zero means no timeout
	Grace   time.Duration // zero means DefaultGrace

	// OnStdout and OnStderr receive output chunks as they are read. Each is
	// called from a single goroutine, so chunks of one stream arrive in order.
	OnStdout func([]byte)
	OnStderr func([]byte)
}

// Exit is the terminal state of a child process
type Exit struct {
	Code     int // -1 when killed by a signal
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	TimedOut bool
}

// Run starts the child and blocks until it exits. An error is returned when
// the process could not be started, timed out (ErrTimeout) or ctx ended; in
// the last two cases Exit is still populated. A non-zero exit code alone is
// not an error.
func Run(ctx context.Context, spec Spec) (*Exit, error) {
	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	setProcessGroup(cmd)
	cmd.WaitDelay = grace

	stdout := &streamWriter{onChunk: spec.OnStdout}
	stderr := &streamWriter{onChunk: spec.OnStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}

	done := make(chan struct{})
	stopped := make(chan stopReason, 1)
	go watch(ctx, cmd, spec.Timeout, grace, done, stopped)

	waitErr := cmd.Wait()
	close(done)
	reason := <-stopped

	exit := &Exit{
		Code:     cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
		TimedOut: reason == stopTimeout,
	}

	switch reason {
	case stopTimeout:
		return exit, fmt.Errorf("%w after %s", ErrTimeout, spec.Timeout)
	case stopContext:
		return exit, ctx.Err()
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return exit, fmt.Errorf("failed waiting for %s: %w", spec.Path, waitErr)
	}
	return exit, nil
}

type stopReason int

const (
	stopNone stopReason = iota
	stopTimeout
	stopContext
)

// watch terminates the child on timeout or context end: SIGTERM to the
// process group, then SIGKILL if it is still running after grace.
func watch(ctx context.Context, cmd *exec.Cmd, timeout, grace time.Duration, done <-chan struct{}, stopped chan<- stopReason) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	reason := stopNone
	select {
	case <-done:
		stopped <- stopNone
		return
	case <-timer:
		reason = stopTimeout
	case <-ctx.Done():
		reason = stopContext
	}

	terminate(cmd)
	kill := time.NewTimer(grace)
	defer kill.Stop()
	select {
	case <-done:
	case <-kill.C:
		forceKill(cmd)
		<-done
	}
	stopped <- reason
}

// streamWriter accumulates one output stream and forwards each write
type streamWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	onChunk func([]byte)
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.mu.Unlock()
	if w.onChunk != nil {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.onChunk(chunk)
	}
	return len(p), nil
}

func (w *streamWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}
