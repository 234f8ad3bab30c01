package cmd

import (
	"bytes"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/bisect-farm/pkg/models"
)

func TestParseFilters(t *testing.T) {
	q, err := parseFilters([]string{"platform=mac,win", "current=undefined", "platform!=linux"})
	require.NoError(t, err)
	assert.Equal(t, url.Values{
		"platform":  {"mac,win"},
		"current":   {"undefined"},
		"platform!": {"linux"},
	}, q)

	_, err = parseFilters([]string{"platform"})
	assert.Error(t, err)
}

func TestJobState(t *testing.T) {
	job := &models.Job{}
	state, runner, _ := jobState(job)
	assert.Equal(t, "pending", state)
	assert.Empty(t, runner)

	job.Current = &models.Claim{Runner: "r1", TimeBegun: time.Now()}
	state, runner, _ = jobState(job)
	assert.Equal(t, "running", state)
	assert.Equal(t, "r1", runner)

	job.Current = nil
	job.Last = &models.Result{Runner: "r1", Status: models.StatusTestError, TimeEnded: time.Now()}
	state, _, _ = jobState(job)
	assert.Equal(t, "test_error", state)
}

func TestStructuredOutput(t *testing.T) {
	defer func(prev string) { outputFormat = prev }(outputFormat)

	var buf bytes.Buffer
	outputFormat = "yaml"
	ok, err := structuredOutput(&buf, models.CreatedJob{ID: "abc"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "id: abc\n", buf.String())

	buf.Reset()
	outputFormat = "json"
	ok, err = structuredOutput(&buf, models.CreatedJob{ID: "abc"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"abc"}`, buf.String())

	outputFormat = "table"
	ok, err = structuredOutput(&buf, nil)
	assert.NoError(t, err)
	assert.False(t, ok)

	outputFormat = "xml"
	ok, err = structuredOutput(&buf, nil)
	assert.True(t, ok)
	assert.Error(t, err)
}
