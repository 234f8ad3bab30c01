package patch

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/bisect-farm/pkg/models"
)

var begun = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func freshJob() *models.Job {
	return &models.Job{
		ID:          "job-1",
		Type:        models.JobTypeBisect,
		BisectRange: models.BisectRange{"v1", "v5"},
		Gist:        "abc123",
		History:     []models.Result{},
	}
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func claimOps(t *testing.T, runner string) []models.PatchOp {
	ops, err := models.ClaimOps(models.Claim{Runner: runner, TimeBegun: begun})
	require.NoError(t, err)
	return ops
}

func completionOps(t *testing.T, result models.Result) []models.PatchOp {
	ops, err := models.CompletionOps(result)
	require.NoError(t, err)
	return ops
}

func TestClassify(t *testing.T) {
	success := models.Result{Runner: "w1", Status: models.StatusTestError, TimeBegun: begun, TimeEnded: begun}

	assert.Equal(t, Claim, Classify(claimOps(t, "w1")))
	assert.Equal(t, Completion, Classify(completionOps(t, success)))
	assert.Equal(t, Generic, Classify([]models.PatchOp{{Op: "add", Path: "/bot_client_data/x", Value: raw(t, 1)}}))
	assert.Equal(t, Generic, Classify([]models.PatchOp{
		{Op: "add", Path: "/current", Value: raw(t, "x")},
		{Op: "add", Path: "/bot_client_data/x", Value: raw(t, 1)},
	}))
}

func TestApplyClaim(t *testing.T) {
	job := freshJob()
	kind, err := Apply(job, claimOps(t, "w1"), DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, Claim, kind)
	require.NotNil(t, job.Current)
	assert.Equal(t, "w1", job.Current.Runner)

	_, err = Apply(job, claimOps(t, "w2"), DefaultPolicy())
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "/current", perr.Path)
	assert.Equal(t, "w1", job.Current.Runner)
}

func TestApplyClaimRequiresRunner(t *testing.T) {
	job := freshJob()
	_, err := Apply(job, []models.PatchOp{{Op: "add", Path: "/current", Value: raw(t, map[string]string{"runner": ""})}}, DefaultPolicy())
	assert.Error(t, err)
	assert.Nil(t, job.Current)
}

func TestApplyCompletion(t *testing.T) {
	job := freshJob()
	_, err := Apply(job, claimOps(t, "w1"), DefaultPolicy())
	require.NoError(t, err)

	rng := models.BisectRange{"v3", "v4"}
	result := models.Result{
		Runner:      "w1",
		Status:      models.StatusSuccess,
		TimeBegun:   begun,
		TimeEnded:   begun.Add(time.Minute),
		BisectRange: &rng,
	}
	kind, err := Apply(job, completionOps(t, result), DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, Completion, kind)
	assert.Nil(t, job.Current)
	require.NotNil(t, job.Last)
	assert.Equal(t, models.StatusSuccess, job.Last.Status)
	assert.Equal(t, rng, *job.Last.BisectRange)
	require.Len(t, job.History, 1)
	assert.Equal(t, *job.Last, job.History[0])
}

func TestApplyCompletionRejections(t *testing.T) {
	result := models.Result{Runner: "w1", Status: models.StatusTestError, TimeBegun: begun, TimeEnded: begun}

	t.Run("not claimed", func(t *testing.T) {
		job := freshJob()
		_, err := Apply(job, completionOps(t, result), DefaultPolicy())
		assert.Error(t, err)
		assert.Empty(t, job.History)
	})

	t.Run("other runner", func(t *testing.T) {
		job := freshJob()
		job.Current = &models.Claim{Runner: "w2", TimeBegun: begun}
		_, err := Apply(job, completionOps(t, result), DefaultPolicy())
		assert.Error(t, err)
		assert.Empty(t, job.History)
		assert.NotNil(t, job.Current)
	})

	t.Run("mismatched results", func(t *testing.T) {
		job := freshJob()
		job.Current = &models.Claim{Runner: "w1", TimeBegun: begun}
		ops := completionOps(t, result)
		other := result
		other.Status = models.StatusSystemError
		ops[1].Value = raw(t, other)
		_, err := Apply(job, ops, DefaultPolicy())
		assert.Error(t, err)
		assert.Empty(t, job.History)
	})

	t.Run("success without range", func(t *testing.T) {
		job := freshJob()
		job.Current = &models.Claim{Runner: "w1", TimeBegun: begun}
		bad := result
		bad.Status = models.StatusSuccess
		_, err := Apply(job, completionOps(t, bad), DefaultPolicy())
		assert.Error(t, err)
	})

	t.Run("unknown status", func(t *testing.T) {
		job := freshJob()
		job.Current = &models.Claim{Runner: "w1", TimeBegun: begun}
		bad := result
		bad.Status = "flaky"
		_, err := Apply(job, completionOps(t, bad), DefaultPolicy())
		assert.Error(t, err)
	})
}

func TestApplyGenericBotClientData(t *testing.T) {
	job := freshJob()
	ops := []models.PatchOp{
		{Op: "add", Path: "/bot_client_data", Value: raw(t, map[string]interface{}{"attempts": 1})},
		{Op: "add", Path: "/bot_client_data/notes/first", Value: raw(t, "hello")},
		{Op: "replace", Path: "/bot_client_data/attempts", Value: raw(t, 2)},
		{Op: "test", Path: "/bot_client_data/attempts", Value: raw(t, 2)},
	}
	kind, err := Apply(job, ops, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, Generic, kind)
	assert.Equal(t, float64(2), job.BotClientData["attempts"])
	assert.Equal(t, map[string]interface{}{"first": "hello"}, job.BotClientData["notes"])

	_, err = Apply(job, []models.PatchOp{{Op: "remove", Path: "/bot_client_data/notes"}}, DefaultPolicy())
	require.NoError(t, err)
	_, has := job.BotClientData["notes"]
	assert.False(t, has)
}

func TestApplyGenericRejectsReservedPaths(t *testing.T) {
	reserved := []string{"/id", "/etag", "/type", "/gist", "/bisect_range", "/platform", "/last", "/history/-", "/current/runner"}
	for _, path := range reserved {
		t.Run(path, func(t *testing.T) {
			job := freshJob()
			ops := []models.PatchOp{
				{Op: "add", Path: "/bot_client_data", Value: raw(t, map[string]interface{}{"a": 1})},
				{Op: "replace", Path: path, Value: raw(t, "x")},
			}
			_, err := Apply(job, ops, DefaultPolicy())
			var perr *Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, 1, perr.Index)
			assert.Equal(t, path, perr.Path)
			assert.Nil(t, job.BotClientData, "no operation may be applied")
		})
	}
}

func TestApplyRejectsUnsupportedOps(t *testing.T) {
	tests := []models.PatchOp{
		{Op: "move", Path: "/bot_client_data/a", From: "/bot_client_data/b"},
		{Op: "copy", Path: "/bot_client_data/a", From: "/bot_client_data/b"},
		{Op: "frobnicate", Path: "/bot_client_data/a"},
		{Op: "add", Path: "bot_client_data"},
		{Op: "add", Path: "/bot_client_data/a"},
	}
	for _, op := range tests {
		t.Run(op.Op+" "+op.Path, func(t *testing.T) {
			_, err := Apply(freshJob(), []models.PatchOp{op}, DefaultPolicy())
			var perr *Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, 0, perr.Index)
		})
	}
}

func TestApplyFailedTest(t *testing.T) {
	job := freshJob()
	ops := []models.PatchOp{
		{Op: "test", Path: "/gist", Value: raw(t, "other")},
		{Op: "add", Path: "/bot_client_data", Value: raw(t, map[string]interface{}{"a": 1})},
	}
	_, err := Apply(job, ops, DefaultPolicy())
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 0, perr.Index)
	assert.Contains(t, perr.Error(), "test failed")
}

func TestApplyEmptyBatch(t *testing.T) {
	_, err := Apply(freshJob(), nil, DefaultPolicy())
	assert.Error(t, err)
}
