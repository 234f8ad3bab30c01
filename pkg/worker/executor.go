package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/bisect-farm/pkg/bisect"
	"github.com/psantana5/bisect-farm/pkg/models"
	"github.com/psantana5/bisect-farm/pkg/runner"
)

// Outcome is what an executor learned about a job
type Outcome struct {
	Status      models.ResultStatus
	Error       string
	BisectRange *models.BisectRange
}

func systemError(format string, args ...interface{}) Outcome {
	return Outcome{Status: models.StatusSystemError, Error: fmt.Sprintf(format, args...)}
}

// LogFunc receives raw output chunks of the running tool
type LogFunc func(chunk []byte)

// Executor runs one claimed job to a terminal outcome. Implementations
// must not return without an outcome; failures become system_error.
type Executor interface {
	Execute(ctx context.Context, job *models.Job, stdout, stderr LogFunc) Outcome
}

// BisectExecutor runs the bisection tool as a child process
type BisectExecutor struct {
	Tool   bisect.Tool
	Parser bisect.Parser

	run func(context.Context, runner.Spec) (*runner.Exit, error)
}

// NewBisectExecutor returns an executor using the YAML result parser
func NewBisectExecutor(tool bisect.Tool) *BisectExecutor {
	return &BisectExecutor{Tool: tool, Parser: bisect.YAMLParser{}, run: runner.Run}
}

// Execute implements Executor
func (e *BisectExecutor) Execute(ctx context.Context, job *models.Job, stdout, stderr LogFunc) Outcome {
	spec, err := e.Tool.Spec(job, stdout, stderr)
	if err != nil {
		return systemError("%v", err)
	}
	run := e.run
	if run == nil {
		run = runner.Run
	}
	parser := e.Parser
	if parser == nil {
		parser = bisect.YAMLParser{}
	}
	exit, err := run(ctx, spec)
	return Classify(exit, err, parser)
}

// Classify maps a finished child process to a result:
//
//	spawn failure, timeout, cancellation   -> system_error
//	parser failure                         -> system_error with the parser's error
//	narrowed range                         -> success
//	no narrowed range, exit code 1         -> test_error
//	no narrowed range, any other exit code -> system_error
func Classify(exit *runner.Exit, runErr error, parser bisect.Parser) Outcome {
	if exit == nil {
		if runErr == nil {
			runErr = errors.New("tool produced no exit status")
		}
		return systemError("%v", runErr)
	}
	if exit.TimedOut || errors.Is(runErr, runner.ErrTimeout) {
		return systemError("%v", runErr)
	}
	if runErr != nil {
		return systemError("tool did not finish: %v", runErr)
	}

	rng, ok, err := bisect.SafeParse(parser, exit.Stdout)
	if err != nil {
		return systemError("%v", err)
	}
	if ok {
		return Outcome{Status: models.StatusSuccess, BisectRange: &rng}
	}
	if exit.Code == 1 {
		return Outcome{
			Status: models.StatusTestError,
			Error:  "reproduction could not be validated (exit code 1)",
		}
	}
	return systemError("tool exited with code %d without a narrowed range", exit.Code)
}
