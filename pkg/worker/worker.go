// Package worker implements the poll, claim, execute and report loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/bisect-farm/pkg/agent"
	"github.com/psantana5/bisect-farm/pkg/filter"
	"github.com/psantana5/bisect-farm/pkg/logging"
	"github.com/psantana5/bisect-farm/pkg/models"
	"github.com/psantana5/bisect-farm/pkg/tracing"
)

// ErrTickInProgress is returned by Tick while a previous tick is still running
var ErrTickInProgress = errors.New("previous tick still in progress")

const (
	DefaultPollInterval  = 10 * time.Second
	DefaultReportTimeout = 2 * time.Minute
)

// Broker is the subset of the broker API the loop needs
type Broker interface {
	ListJobs(ctx context.Context, query url.Values) ([]string, error)
	GetJob(ctx context.Context, id string) (*models.Job, string, error)
	PatchJob(ctx context.Context, id, ifMatch string, ops []models.PatchOp) (*models.Job, string, error)
	AppendLog(ctx context.Context, id, text string) (int, error)
}

// Recorder receives loop events, normally metrics.WorkerMetrics
type Recorder interface {
	TickSkipped()
	TickIdle()
	TickFailed()
	ClaimLost()
	ExecutionStarted()
	ExecutionFinished(status string, seconds float64)
}

type nopRecorder struct{}

func (nopRecorder) TickSkipped()                      {}
func (nopRecorder) TickIdle()                         {}
func (nopRecorder) TickFailed()                       {}
func (nopRecorder) ClaimLost()                        {}
func (nopRecorder) ExecutionStarted()                 {}
func (nopRecorder) ExecutionFinished(string, float64) {}

// Config holds the worker's identity and timing
type Config struct {
	RunnerID      string
	Platform      string
	PollInterval  time.Duration
	ReportTimeout time.Duration

	// MinFreeDisk, when non-zero, is the number of bytes that must be free
	// under WorkDir before a job is claimed
	MinFreeDisk uint64
	WorkDir     string
}

// Worker polls the broker and executes at most one job at a time
type Worker struct {
	cfg       Config
	broker    Broker
	executors map[string]Executor
	types     []string
	recorder  Recorder
	logger    *logging.Logger
	now       func() time.Time

	active  atomic.Bool
	wg      sync.WaitGroup
	mu      sync.RWMutex
	current string
}

// New creates a worker. executors maps each supported job type to the
// executor that runs it.
func New(cfg Config, broker Broker, executors map[string]Executor, logger *logging.Logger) (*Worker, error) {
	if cfg.RunnerID == "" {
		return nil, errors.New("runner id is required")
	}
	if len(executors) == 0 {
		return nil, errors.New("at least one executor is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = DefaultReportTimeout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}

	types := make([]string, 0, len(executors))
	for t := range executors {
		types = append(types, t)
	}
	sort.Strings(types)

	return &Worker{
		cfg:       cfg,
		broker:    broker,
		executors: executors,
		types:     types,
		recorder:  nopRecorder{},
		logger:    logger.WithField("runner", cfg.RunnerID),
		now:       time.Now,
	}, nil
}

// SetRecorder installs a loop event recorder
func (w *Worker) SetRecorder(r Recorder) {
	w.recorder = r
}

// CurrentJob returns the id of the job being executed, or ""
func (w *Worker) CurrentJob() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Worker) setCurrent(id string) {
	w.mu.Lock()
	w.current = id
	w.mu.Unlock()
}

// Run ticks every poll interval until ctx is done, then waits for the
// in-flight tick to finish. A tick that fires while the previous one is
// still running is skipped.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting job polling loop", logging.Fields{
		"platform":      w.cfg.Platform,
		"types":         strings.Join(w.types, ","),
		"poll_interval": w.cfg.PollInterval.String(),
	})

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping job polling loop")
			w.wg.Wait()
			return nil
		case <-ticker.C:
			w.dispatch(ctx)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := w.Tick(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrTickInProgress):
			w.logger.Debug("Skipping tick, previous tick still running")
		case ctx.Err() != nil:
		default:
			w.recorder.TickFailed()
			w.logger.Warn("Tick failed", logging.Fields{"error": err})
		}
	}()
}

// Query returns the list filter selecting jobs this worker may claim
func (w *Worker) Query() url.Values {
	platforms := filter.Undefined
	if w.cfg.Platform != "" {
		platforms = w.cfg.Platform + "," + filter.Undefined
	}
	q := url.Values{}
	q.Set("platform", platforms)
	q.Set("current", filter.Undefined)
	q.Set("last", filter.Undefined)
	q.Set("type", strings.Join(w.types, ","))
	return q
}

// Tick runs one poll cycle: find a job, claim it, execute it and report
// the result. Errors before a successful claim abort the tick; once the
// job is claimed a result is always reported.
func (w *Worker) Tick(ctx context.Context) error {
	if !w.active.CompareAndSwap(false, true) {
		w.recorder.TickSkipped()
		return ErrTickInProgress
	}
	defer w.active.Store(false)

	ctx, span := tracing.StartSpan(ctx, "worker.tick", attribute.String("runner", w.cfg.RunnerID))
	defer span.End()

	if w.cfg.MinFreeDisk > 0 {
		if err := EnsureDiskSpace(w.cfg.WorkDir, w.cfg.MinFreeDisk); err != nil {
			return err
		}
	}

	ids, err := w.broker.ListJobs(ctx, w.Query())
	if err != nil {
		tracing.SetError(ctx, err)
		return fmt.Errorf("failed to poll broker: %w", err)
	}
	if len(ids) == 0 {
		w.recorder.TickIdle()
		return nil
	}

	id := ids[0]
	job, etag, err := w.broker.GetJob(ctx, id)
	if err != nil {
		tracing.SetError(ctx, err)
		return fmt.Errorf("failed to fetch job %s: %w", id, err)
	}
	if etag == "" {
		return fmt.Errorf("failed to fetch job %s: %w", id, agent.ErrMissingETag)
	}
	span.SetAttributes(attribute.String("job.id", id), attribute.String("job.type", job.Type))

	claim := models.Claim{Runner: w.cfg.RunnerID, TimeBegun: w.now().UTC()}
	claimETag, err := w.claim(ctx, id, etag, claim)
	if err != nil {
		if errors.Is(err, agent.ErrPreconditionFailed) || errors.Is(err, agent.ErrPatchRejected) {
			w.recorder.ClaimLost()
			w.logger.Info("Claim rejected, job taken by another runner", logging.Fields{"job_id": id, "error": err})
			return nil
		}
		tracing.SetError(ctx, err)
		return err
	}

	log := w.logger.WithField("job_id", id)
	log.Info("Job claimed", logging.Fields{"type": job.Type})

	w.setCurrent(id)
	defer w.setCurrent("")

	w.recorder.ExecutionStarted()
	outcome := w.execute(ctx, job)

	result := models.Result{
		Runner:      w.cfg.RunnerID,
		Status:      outcome.Status,
		TimeBegun:   claim.TimeBegun,
		TimeEnded:   w.now().UTC(),
		Error:       outcome.Error,
		BisectRange: outcome.BisectRange,
	}
	w.recorder.ExecutionFinished(string(result.Status), result.TimeEnded.Sub(result.TimeBegun).Seconds())
	log.Info("Job finished", logging.Fields{"status": string(result.Status), "error": result.Error})

	if err := w.report(ctx, id, claimETag, result); err != nil {
		tracing.SetError(ctx, err)
		return err
	}
	log.Info("Result reported", logging.Fields{"status": string(result.Status)})
	return nil
}

// claim sends the conditional claim patch. When the request fails in
// transit the job is re-read: the claim may have landed anyway.
func (w *Worker) claim(ctx context.Context, id, etag string, claim models.Claim) (string, error) {
	ops, err := models.ClaimOps(claim)
	if err != nil {
		return "", fmt.Errorf("failed to build claim: %w", err)
	}

	_, newETag, err := w.broker.PatchJob(ctx, id, etag, ops)
	if err == nil {
		return newETag, nil
	}
	var httpErr *agent.HTTPError
	if errors.As(err, &httpErr) {
		return "", fmt.Errorf("failed to claim job %s: %w", id, err)
	}

	job, current, gerr := w.broker.GetJob(ctx, id)
	if gerr == nil && ownsClaim(job, claim) {
		w.logger.Warn("Claim response lost, job is ours", logging.Fields{"job_id": id, "error": err})
		return current, nil
	}
	return "", fmt.Errorf("failed to claim job %s: %w", id, err)
}

func ownsClaim(job *models.Job, claim models.Claim) bool {
	return job != nil && job.Current != nil &&
		job.Current.Runner == claim.Runner &&
		job.Current.TimeBegun.Equal(claim.TimeBegun)
}

// execute runs the job's executor, streaming output to the broker's log
func (w *Worker) execute(ctx context.Context, job *models.Job) (outcome Outcome) {
	exec, ok := w.executors[job.Type]
	if !ok {
		return systemError("no executor for job type %q", job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = systemError("executor panicked: %v", r)
		}
	}()

	ctx, span := tracing.StartSpan(ctx, "worker.execute", attribute.String("job.id", job.ID))
	defer span.End()

	logCtx := context.WithoutCancel(ctx)
	forward := func(stream string) LogFunc {
		return func(chunk []byte) {
			if _, err := w.broker.AppendLog(logCtx, job.ID, string(chunk)); err != nil {
				w.logger.Warn("Failed to append job log", logging.Fields{
					"job_id": job.ID,
					"stream": stream,
					"error":  err,
				})
			}
		}
	}

	outcome = exec.Execute(ctx, job, forward("stdout"), forward("stderr"))
	if !outcome.Status.Valid() {
		outcome = systemError("executor returned unknown status %q", outcome.Status)
	}
	return outcome
}

// report records the result and releases the claim in one conditional
// patch. It runs detached from ctx so a shutdown does not leave the job
// claimed. A precondition failure is retried once against a fresh etag
// if the claim is still ours.
func (w *Worker) report(ctx context.Context, id, etag string, result models.Result) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ReportTimeout)
	defer cancel()

	ops, err := models.CompletionOps(result)
	if err != nil {
		return fmt.Errorf("failed to build result for job %s: %w", id, err)
	}

	_, _, err = w.broker.PatchJob(ctx, id, etag, ops)
	if errors.Is(err, agent.ErrPreconditionFailed) {
		job, fresh, gerr := w.broker.GetJob(ctx, id)
		if gerr == nil && ownsClaim(job, models.Claim{Runner: result.Runner, TimeBegun: result.TimeBegun}) {
			w.logger.Info("Job changed since claim, retrying report", logging.Fields{"job_id": id})
			_, _, err = w.broker.PatchJob(ctx, id, fresh, ops)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to report result for job %s: %w", id, err)
	}
	return nil
}
