//go:build !windows

package worker_test

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/bisect-farm/pkg/agent"
	"github.com/psantana5/bisect-farm/pkg/api"
	"github.com/psantana5/bisect-farm/pkg/bisect"
	"github.com/psantana5/bisect-farm/pkg/logging"
	"github.com/psantana5/bisect-farm/pkg/logstore"
	"github.com/psantana5/bisect-farm/pkg/models"
	"github.com/psantana5/bisect-farm/pkg/store"
	"github.com/psantana5/bisect-farm/pkg/worker"
)

type farm struct {
	client *agent.Client
	logs   *logstore.MemoryLogStore
}

func newFarm(t *testing.T) *farm {
	t.Helper()
	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(io.Discard)

	logs := logstore.NewMemoryLogStore()
	h := api.NewBrokerHandler(store.NewMemoryStore(), logs, logger)
	srv := httptest.NewServer(api.NewRouter(h, api.RouterOptions{}))
	t.Cleanup(srv.Close)

	return &farm{client: agent.NewClient(srv.URL), logs: logs}
}

func (f *farm) worker(t *testing.T, tool string, timeout time.Duration) *worker.Worker {
	t.Helper()
	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(io.Discard)

	exec := worker.NewBisectExecutor(bisect.Tool{Path: tool, Timeout: timeout, Grace: 500 * time.Millisecond})
	w, err := worker.New(
		worker.Config{RunnerID: "runner-e2e", Platform: "linux"},
		f.client,
		map[string]worker.Executor{models.JobTypeBisect: exec},
		logger,
	)
	require.NoError(t, err)
	return w
}

func (f *farm) submit(t *testing.T, platform string) string {
	t.Helper()
	id, err := f.client.CreateJob(context.Background(), &models.JobRequest{
		Type:        models.JobTypeBisect,
		BisectRange: []string{"v1", "v5"},
		Gist:        "0123456789abcdef",
		Platform:    platform,
	})
	require.NoError(t, err)
	return id
}

func stubTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bisect-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestEndToEndNarrowing(t *testing.T) {
	f := newFarm(t)
	id := f.submit(t, "")
	tool := stubTool(t, `
echo "bisecting $2..$3 with gist $5" >&2
echo "checking v3"
echo "---"
echo "bisect_range: [v3, v4]"
exit 0`)
	w := f.worker(t, tool, 10*time.Second)

	require.NoError(t, w.Tick(context.Background()))

	job, _, err := f.client.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, job.Current)
	require.NotNil(t, job.Last)
	assert.Equal(t, models.StatusSuccess, job.Last.Status)
	require.NotNil(t, job.Last.BisectRange)
	assert.Equal(t, models.BisectRange{"v3", "v4"}, *job.Last.BisectRange)
	assert.Equal(t, "runner-e2e", job.Last.Runner)
	assert.Len(t, job.History, 1)

	log := f.logs.Read(id)
	assert.Contains(t, log, "bisecting v1..v5 with gist 0123456789abcdef")
	assert.Contains(t, log, "checking v3")

	// a finished job is never offered again
	ids, err := f.client.ListJobs(context.Background(), w.Query())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEndToEndOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		want    models.ResultStatus
	}{
		{"reproduction failed", `echo "cannot reproduce" >&2; exit 1`, 10 * time.Second, models.StatusTestError},
		{"not narrowed", "echo ---; echo 'narrowed: false'", 10 * time.Second, models.StatusSystemError},
		{"crash", `echo "segfault" >&2; exit 139`, 10 * time.Second, models.StatusSystemError},
		{"timeout", "sleep 30", 200 * time.Millisecond, models.StatusSystemError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFarm(t)
			id := f.submit(t, "linux")
			w := f.worker(t, stubTool(t, tt.script), tt.timeout)

			require.NoError(t, w.Tick(context.Background()))

			job, _, err := f.client.GetJob(context.Background(), id)
			require.NoError(t, err)
			assert.Nil(t, job.Current)
			require.NotNil(t, job.Last)
			assert.Equal(t, tt.want, job.Last.Status)
			assert.NotEmpty(t, job.Last.Error)
			assert.Nil(t, job.Last.BisectRange)
			assert.Len(t, job.History, 1)
		})
	}
}

func TestEndToEndSpawnFailure(t *testing.T) {
	f := newFarm(t)
	id := f.submit(t, "")
	w := f.worker(t, filepath.Join(t.TempDir(), "missing-tool"), time.Second)

	require.NoError(t, w.Tick(context.Background()))

	job, _, err := f.client.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job.Last)
	assert.Equal(t, models.StatusSystemError, job.Last.Status)
	assert.Nil(t, job.Current)
}

func TestEndToEndSkipsOtherPlatforms(t *testing.T) {
	f := newFarm(t)
	id := f.submit(t, "win")
	w := f.worker(t, stubTool(t, "exit 0"), time.Second)

	require.NoError(t, w.Tick(context.Background()))

	job, _, err := f.client.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, job.Current)
	assert.Nil(t, job.Last)
}

func TestEndToEndClaimVisibleWhileRunning(t *testing.T) {
	f := newFarm(t)
	id := f.submit(t, "")
	marker := filepath.Join(t.TempDir(), "started")
	tool := stubTool(t, `touch `+marker+`; sleep 1; echo ---; echo "bisect_range: [v2, v3]"`)
	w := f.worker(t, tool, 10*time.Second)

	done := make(chan error, 1)
	go func() { done <- w.Tick(context.Background()) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	job, _, err := f.client.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job.Current)
	assert.Equal(t, "runner-e2e", job.Current.Runner)
	assert.Equal(t, id, w.CurrentJob())

	ids, err := f.client.ListJobs(context.Background(), w.Query())
	require.NoError(t, err)
	assert.Empty(t, ids, "a claimed job is not available")

	require.NoError(t, <-done)
}
