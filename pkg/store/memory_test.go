package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/bisect-farm/pkg/models"
)

func newJob(id string) *models.Job {
	return &models.Job{
		ID:          id,
		Type:        models.JobTypeBisect,
		BisectRange: models.BisectRange{"v1", "v5"},
		Gist:        "0123456789abcdef0123",
		History:     []models.Result{},
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newJob("a")))

	job, etag, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", job.ID)
	assert.NotEmpty(t, etag)

	err = s.Create(newJob("a"))
	assert.True(t, errors.Is(err, ErrDuplicateID))

	_, _, err = s.Get("missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newJob("a")))

	job, etag, err := s.Get("a")
	require.NoError(t, err)
	job.Gist = "changed"
	job.History = append(job.History, models.Result{Runner: "r"})

	again, etagAgain, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123", again.Gist)
	assert.Empty(t, again.History)
	assert.Equal(t, etag, etagAgain)
}

func TestMemoryStoreListInsertionOrder(t *testing.T) {
	s := NewMemoryStore()
	ids := []string{"c", "a", "b", "z", "m"}
	for _, id := range ids {
		require.NoError(t, s.Create(newJob(id)))
	}

	jobs := s.List()
	require.Len(t, jobs, len(ids))
	for i, job := range jobs {
		assert.Equal(t, ids[i], job.ID)
	}
	assert.Equal(t, len(ids), s.Count())
}

func TestMemoryStoreETagTracksBody(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newJob("a")))
	_, before, _ := s.Get("a")

	t.Run("no-op update keeps etag", func(t *testing.T) {
		_, after, err := s.Update("a", before, func(j *models.Job) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("visible change produces new etag", func(t *testing.T) {
		_, after, err := s.Update("a", before, func(j *models.Job) error {
			j.BotClientData = map[string]interface{}{"k": "v"}
			return nil
		})
		require.NoError(t, err)
		assert.NotEqual(t, before, after)

		_, fetched, _ := s.Get("a")
		assert.Equal(t, after, fetched)
	})

	t.Run("reverting the body restores the etag", func(t *testing.T) {
		_, after, err := s.Update("a", "", func(j *models.Job) error {
			j.BotClientData = nil
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestMemoryStoreStaleIfMatch(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newJob("a")))
	_, stale, _ := s.Get("a")

	_, fresh, err := s.Update("a", stale, func(j *models.Job) error {
		j.Current = &models.Claim{Runner: "w1", TimeBegun: time.Now().UTC()}
		return nil
	})
	require.NoError(t, err)

	called := false
	_, current, err := s.Update("a", stale, func(j *models.Job) error {
		called = true
		j.Current = &models.Claim{Runner: "w2", TimeBegun: time.Now().UTC()}
		return nil
	})
	assert.True(t, errors.Is(err, ErrPreconditionFailed))
	assert.False(t, called)
	assert.Equal(t, fresh, current)

	job, etag, _ := s.Get("a")
	assert.Equal(t, "w1", job.Current.Runner)
	assert.Equal(t, fresh, etag)
}

func TestMemoryStoreWildcardIfMatch(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newJob("a")))

	_, _, err := s.Update("a", AnyETag, func(j *models.Job) error {
		j.BotClientData = map[string]interface{}{"n": 1}
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoreFailedUpdateLeavesJob(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newJob("a")))
	_, before, _ := s.Get("a")

	boom := errors.New("boom")
	_, _, err := s.Update("a", before, func(j *models.Job) error {
		j.Gist = "partial"
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	job, after, _ := s.Get("a")
	assert.Equal(t, "0123456789abcdef0123", job.Gist)
	assert.Equal(t, before, after)
}

func TestMemoryStoreIDImmutable(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newJob("a")))

	_, _, err := s.Update("a", "", func(j *models.Job) error {
		j.ID = "b"
		return nil
	})
	assert.Error(t, err)

	_, _, err = s.Get("a")
	assert.NoError(t, err)
}

// TestMemoryStoreConcurrentClaims races conditional updates that all hold
// the same starting etag. Exactly one may win.
func TestMemoryStoreConcurrentClaims(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(newJob("a")))
	_, etag, _ := s.Get("a")

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, err := s.Update("a", etag, func(j *models.Job) error {
				j.Current = &models.Claim{Runner: fmt.Sprintf("w%d", idx)}
				return nil
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, ErrPreconditionFailed))
	}
	assert.Equal(t, 1, wins)
}

func TestMemoryStoreConcurrentCreate(t *testing.T) {
	s := NewMemoryStore()
	const numJobs = 50

	var wg sync.WaitGroup
	for i := 0; i < numJobs; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := s.Create(newJob(fmt.Sprintf("job-%d", idx))); err != nil {
				t.Errorf("create job %d: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, numJobs, s.Count())
	assert.Len(t, s.List(), numJobs)
}

func TestETagMatches(t *testing.T) {
	tests := []struct {
		name    string
		ifMatch string
		want    bool
	}{
		{"empty is unconditional", "", true},
		{"wildcard", "*", true},
		{"exact", `"abc"`, true},
		{"weak", `W/"abc"`, true},
		{"list", `"x", "abc"`, true},
		{"stale", `"def"`, false},
		{"unquoted", "abc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ETagMatches(tt.ifMatch, `"abc"`))
		})
	}
}
