//go:build !windows

package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRunStreamsBothStreams(t *testing.T) {
	script := writeScript(t, `echo "out one"; echo "err one" >&2; echo "out two"; echo "args: $@"`)

	var mu sync.Mutex
	var streamed strings.Builder
	exit, err := Run(context.Background(), Spec{
		Path: script,
		Args: []string{"a", "b"},
		OnStdout: func(p []byte) {
			mu.Lock()
			streamed.Write(p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, exit.Code)
	assert.False(t, exit.TimedOut)
	assert.Equal(t, "out one\nout two\nargs: a b\n", string(exit.Stdout))
	assert.Equal(t, "err one\n", string(exit.Stderr))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, string(exit.Stdout), streamed.String())
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	script := writeScript(t, `echo nope >&2; exit 1`)

	exit, err := Run(context.Background(), Spec{Path: script})
	require.NoError(t, err)
	assert.Equal(t, 1, exit.Code)
	assert.Equal(t, "nope\n", string(exit.Stderr))
}

func TestRunSpawnFailure(t *testing.T) {
	exit, err := Run(context.Background(), Spec{Path: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
	assert.Nil(t, exit)
}

func TestRunTimeoutTerminatesGroup(t *testing.T) {
	script := writeScript(t, `echo started; sleep 30`)

	start := time.Now()
	exit, err := Run(context.Background(), Spec{
		Path:    script,
		Timeout: 200 * time.Millisecond,
		Grace:   time.Second,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	require.NotNil(t, exit)
	assert.True(t, exit.TimedOut)
	assert.Equal(t, -1, exit.Code)
	assert.Equal(t, "started\n", string(exit.Stdout))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunTimeoutKillsAfterGrace(t *testing.T) {
	script := writeScript(t, `trap '' TERM; while true; do sleep 1; done`)

	start := time.Now()
	exit, err := Run(context.Background(), Spec{
		Path:    script,
		Timeout: 100 * time.Millisecond,
		Grace:   300 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, exit.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunContextCancel(t *testing.T) {
	script := writeScript(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	exit, err := Run(ctx, Spec{Path: script, Grace: time.Second})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, exit)
	assert.False(t, exit.TimedOut)
}

func TestRunPassesEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `echo "$BISECT_TEST_VAR"; pwd`)

	exit, err := Run(context.Background(), Spec{
		Path: script,
		Env:  []string{"BISECT_TEST_VAR=hello", "PATH=/usr/bin:/bin"},
		Dir:  dir,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(exit.Stdout)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0])
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, lines[1])
}
