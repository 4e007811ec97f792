package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/panel/internal/bucket"
	"github.com/kalambet/panel/internal/cache"
	"github.com/kalambet/panel/internal/history"
	"github.com/kalambet/panel/internal/interview"
	"github.com/kalambet/panel/internal/prompt"
	"github.com/kalambet/panel/internal/storage"
)

// ErrJobAborted is returned by Wait when the job stopped before every
// interview reached a terminal state.
var ErrJobAborted = errors.New("job aborted")

const (
	DefaultMaxConcurrency   = 100
	DefaultProgressInterval = time.Second
)

// Options control one run.
type Options struct {
	// Iterations is how many times each combination is interviewed.
	Iterations      int
	MaxConcurrency  int
	StopOnException bool
	Debug           bool
	Seed            uint64
	// Timeout bounds each provider call.
	Timeout time.Duration

	// Progress, when set, receives a snapshot every ProgressInterval and once
	// at the end of the run.
	Progress         func(history.Snapshot)
	ProgressInterval time.Duration

	// Source names the job file for persisted runs.
	Source string
}

func (o Options) withDefaults() Options {
	if o.Iterations < 1 {
		o.Iterations = 1
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	return o
}

// RunStore persists finished runs.
type RunStore interface {
	SaveJobRun(ctx context.Context, run storage.JobRun) error
}

// Runner executes jobs. The cache and buckets are shared by every run of the
// runner; nil values get per-run defaults.
type Runner struct {
	Cache   *cache.Cache
	Buckets *bucket.Collection
	Prompts *prompt.Builder
	Store   RunStore
	Logger  *slog.Logger
	Options Options
}

func (r *Runner) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Live is a point-in-time view of a run.
type Live struct {
	history.Counts
	// CachedCalls counts questions answered from the cache.
	CachedCalls int64
}

// Run is one in-progress job execution.
type Run struct {
	ID string

	job     *Job
	opts    Options
	log     *slog.Logger
	history *history.History
	started time.Time

	results chan *interview.Result
	done    chan struct{}
	cached  atomic.Int64

	mu        sync.Mutex
	collected []*interview.Result
	final     *Results
	err       error
}

// Results yields results in completion order. It is closed when the run
// ends. Reading it is optional; Wait returns every result either way.
func (run *Run) Results() <-chan *interview.Result { return run.results }

// History is the run's task history. It is frozen once the run ends.
func (run *Run) History() *history.History { return run.history }

// Live returns the current counts.
func (run *Run) Live() Live {
	return Live{Counts: run.history.Counts(), CachedCalls: run.cached.Load()}
}

// Wait blocks until the run ends. The error is non-nil only when the job was
// aborted; completed results are returned regardless.
func (run *Run) Wait() (*Results, error) {
	<-run.done
	return run.final, run.err
}

// Run executes job and waits for it.
func (r *Runner) Run(ctx context.Context, job *Job) (*Results, error) {
	run, err := r.Stream(ctx, job)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// Stream starts job and returns immediately.
func (r *Runner) Stream(ctx context.Context, job *Job) (*Run, error) {
	opts := r.Options.withDefaults()
	logger := r.log()

	buckets := r.Buckets
	if buckets == nil {
		buckets = bucket.NewCollection()
	}
	c := r.Cache
	if c == nil {
		c = cache.New(nil, logger)
	}

	ivs, err := job.Interviews(opts.Iterations, interview.Deps{
		Cache:   c,
		Buckets: buckets,
		Prompts: r.Prompts,
		Timeout: opts.Timeout,
		Debug:   opts.Debug,
		Seed:    opts.Seed,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("expanding job: %w", err)
	}

	run := &Run{
		ID:      uuid.NewString(),
		job:     job,
		opts:    opts,
		log:     logger,
		history: history.New(),
		started: time.Now(),
		results: make(chan *interview.Result, len(ivs)),
		done:    make(chan struct{}),
	}
	for _, iv := range ivs {
		if err := run.history.Register(iv.Index, iv.Labels()); err != nil {
			return nil, err
		}
	}

	logger.Info("job started", "job", run.ID, "interviews", len(ivs), "concurrency", opts.MaxConcurrency, "stop_on_exception", opts.StopOnException)
	go run.execute(ctx, ivs, r.Store, logger)
	return run, nil
}

func (run *Run) execute(ctx context.Context, ivs []*interview.Interview, store RunStore, logger *slog.Logger) {
	defer close(run.done)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(run.opts.MaxConcurrency))
	completed := make(chan *interview.Result, len(ivs))

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		defer close(run.results)
		for res := range completed {
			run.mu.Lock()
			run.collected = append(run.collected, res)
			run.mu.Unlock()
			run.results <- res
		}
	}()

	stopProgress := run.startProgress()

	started := 0
	for _, iv := range ivs {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		started++
		g.Go(func() error {
			defer sem.Release(1)
			return run.conduct(gctx, iv, completed)
		})
	}
	err := g.Wait()
	close(completed)
	<-collected

	// Interviews the feeder never reached.
	for _, iv := range ivs[started:] {
		run.transition(iv.Index, history.Cancelled)
	}

	stopProgress()
	elapsed := time.Since(run.started)
	run.history.Log(elapsed)
	if run.opts.Progress != nil {
		run.opts.Progress(run.history.Snapshot(elapsed))
	}
	run.history.Freeze()

	switch {
	case err != nil:
		run.err = fmt.Errorf("%w: %w", ErrJobAborted, err)
	case ctx.Err() != nil:
		run.err = fmt.Errorf("%w: %w", ErrJobAborted, ctx.Err())
	}

	run.final = newResults(run)
	counts := run.history.Counts()
	logger.Info("job finished", "job", run.ID, "completed", counts.Completed, "failed", counts.Failed, "cancelled", counts.Cancelled, "elapsed", elapsed.Round(time.Millisecond), "aborted", run.err != nil)

	if store != nil {
		if err := store.SaveJobRun(context.WithoutCancel(ctx), run.final.JobRun()); err != nil {
			logger.Warn("failed to persist job run", "job", run.ID, "error", err)
		}
	}
}

// conduct runs one interview and reports it. Only a failure under
// StopOnException is returned, which cancels the group.
func (run *Run) conduct(ctx context.Context, iv *interview.Interview, completed chan<- *interview.Result) error {
	if ctx.Err() != nil {
		run.transition(iv.Index, history.Cancelled)
		return nil
	}
	run.transition(iv.Index, history.Running)

	res, err := iv.Run(ctx)
	if err == nil {
		run.transition(iv.Index, history.Completed)
		for _, hit := range res.CacheUsed {
			if hit {
				run.cached.Add(1)
			}
		}
		completed <- res
		return nil
	}

	var ierr *interview.Error
	if !errors.As(err, &ierr) {
		run.transition(iv.Index, history.Cancelled)
		return nil
	}
	run.fail(ierr.Exception)
	if run.opts.StopOnException {
		return err
	}
	return nil
}

// transition moves interview index to s. A rejected move means the runner
// broke its own state machine; it is logged rather than returned.
func (run *Run) transition(index int, s history.Status) {
	if err := run.history.Transition(index, s); err != nil {
		run.log.Warn("task history rejected transition", "job", run.ID, "interview", index, "status", s, "error", err)
	}
}

func (run *Run) fail(e history.Exception) {
	if err := run.history.Fail(e); err != nil {
		run.log.Warn("task history rejected failure", "job", run.ID, "interview", e.Index, "kind", e.Kind, "error", err)
	}
}

func (run *Run) startProgress() (stop func()) {
	if run.opts.Progress == nil {
		return func() {}
	}
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(run.opts.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				elapsed := time.Since(run.started)
				run.history.Log(elapsed)
				run.opts.Progress(run.history.Snapshot(elapsed))
			}
		}
	}()
	return func() {
		close(quit)
		wg.Wait()
	}
}
