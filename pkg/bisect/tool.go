package bisect

import (
	"errors"
	"time"

	"github.com/psantana5/bisect-farm/pkg/models"
	"github.com/psantana5/bisect-farm/pkg/runner"
)

// DefaultTimeout bounds a single tool invocation when none is configured
const DefaultTimeout = 2 * time.Hour

// Tool describes how to run the bisection tool
type Tool struct {
	Path      string
	ExtraArgs []string
	Timeout   time.Duration
	Grace     time.Duration
	Env       []string
	Dir       string
}

// Args builds the argument vector for one job:
// bisect <good> <bad> --gist <gist> [extra...]
func (t Tool) Args(job *models.Job) []string {
	args := []string{"bisect", job.BisectRange.Good(), job.BisectRange.Bad(), "--gist", job.Gist}
	return append(args, t.ExtraArgs...)
}

// Spec returns the runner spec for job with the given output callbacks
func (t Tool) Spec(job *models.Job, onStdout, onStderr func([]byte)) (runner.Spec, error) {
	if t.Path == "" {
		return runner.Spec{}, errors.New("bisect tool path is not configured")
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return runner.Spec{
		Path:     t.Path,
		Args:     t.Args(job),
		Env:      t.Env,
		Dir:      t.Dir,
		Timeout:  timeout,
		Grace:    t.Grace,
		OnStdout: onStdout,
		OnStderr: onStderr,
	}, nil
}
