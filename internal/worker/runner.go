package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/metrics"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/queue"
)

// Handler processes one dequeued job. Returned errors are classified with fault.
type Handler func(ctx context.Context, job *queue.Job) error

// DeadLetterHook is told about every job the runner dead-letters
type DeadLetterHook func(ctx context.Context, job *queue.Job, dl *model.DeadLetter)

// RetryPolicy bounds retries of transient failures
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns the delay before the next attempt after attempts failures
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Runner consumes one stage queue with a fixed number of workers. It owns the
// stage's retry and dead-letter decisions.
type Runner struct {
	stage        model.Stage
	queue        queue.Queue
	handle       Handler
	workers      int
	policy       RetryPolicy
	logger       *slog.Logger
	metrics      *metrics.Metrics
	audit        *audit.Recorder
	tracer       trace.Tracer
	onDeadLetter DeadLetterHook
	now          func() time.Time
	inflight     atomic.Int64
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

func WithLogger(l *slog.Logger) RunnerOption           { return func(r *Runner) { r.logger = l } }
func WithMetrics(m *metrics.Metrics) RunnerOption      { return func(r *Runner) { r.metrics = m } }
func WithAudit(a *audit.Recorder) RunnerOption         { return func(r *Runner) { r.audit = a } }
func WithDeadLetterHook(h DeadLetterHook) RunnerOption { return func(r *Runner) { r.onDeadLetter = h } }

// NewRunner builds a runner for stage
func NewRunner(stage model.Stage, q queue.Queue, handle Handler, workers int, policy RetryPolicy, opts ...RunnerOption) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	r := &Runner{
		stage:   stage,
		queue:   q,
		handle:  handle,
		workers: workers,
		policy:  policy,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/ppiankov/statute/internal/worker"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("stage", string(stage))
	return r
}

// Stage returns the stage this runner consumes
func (r *Runner) Stage() model.Stage { return r.stage }

// InFlight reports jobs currently being handled
func (r *Runner) InFlight() int64 { return r.inflight.Load() }

// Run consumes until ctx is cancelled or the queue closes
func (r *Runner) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		once sync.Once
		ferr error
	)
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.loop(ctx); err != nil {
				once.Do(func() { ferr = err })
			}
		}()
	}
	wg.Wait()
	return ferr
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		job, err := r.queue.Dequeue(ctx, r.stage)
		switch {
		case err == nil:
			r.Process(ctx, job)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, queue.ErrClosed):
			return nil
		default:
			r.logger.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.policy.BaseBackoff + 100*time.Millisecond):
			}
		}
	}
}

// Process handles one job and settles it: ack, retry or dead-letter
func (r *Runner) Process(ctx context.Context, job *queue.Job) {
	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	ctx, span := r.tracer.Start(ctx, "stage."+string(r.stage),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.Int("job.attempts", job.Attempts),
		))
	defer span.End()

	start := time.Now()
	err := r.handle(ctx, job)
	took := time.Since(start)
	settle := context.WithoutCancel(ctx)

	if err == nil {
		if aerr := r.queue.Ack(settle, job); aerr != nil {
			r.logger.Warn("ack failed", "job_id", job.ID, "error", aerr)
		}
		r.metrics.Job(string(r.stage), "ok", took)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, fault.KindOf(err).String())

	// Shutdown mid-job: hand the job back untouched.
	if ctx.Err() != nil {
		if rerr := r.queue.Retry(settle, job, 0); rerr != nil {
			r.logger.Warn("requeue on shutdown failed", "job_id", job.ID, "error", rerr)
		}
		return
	}

	job.Fail(err, r.now())
	kind := fault.KindOf(err)
	if kind != fault.KindTransient || job.Attempts >= r.policy.MaxAttempts {
		r.deadLetter(settle, job, kind, took)
		return
	}

	delay := r.policy.Backoff(job.Attempts)
	if rerr := r.queue.Retry(settle, job, delay); rerr != nil {
		r.logger.Error("retry failed", "job_id", job.ID, "error", rerr)
		return
	}
	r.metrics.Job(string(r.stage), "retried", took)
	r.logger.Info("job retry scheduled", "job_id", job.ID, "attempts", job.Attempts, "delay", delay, "error", err)
}

func (r *Runner) deadLetter(ctx context.Context, job *queue.Job, kind fault.Kind, took time.Duration) {
	dl, err := r.queue.DeadLetter(ctx, job, kind.String())
	if err != nil {
		r.logger.Error("dead-letter failed", "job_id", job.ID, "error", err)
		return
	}
	r.metrics.Job(string(r.stage), "dead_lettered", took)
	r.logger.Warn("job dead-lettered",
		"job_id", job.ID,
		"dead_letter_id", dl.ID,
		"kind", kind.String(),
		"attempts", job.Attempts,
		"error", job.LastError,
	)
	r.audit.Emit(ctx, audit.JobDeadLettered, dl.ID, string(r.stage), map[string]string{
		"job_id": job.ID,
		"kind":   kind.String(),
	})
	if r.onDeadLetter != nil {
		r.onDeadLetter(ctx, job, dl)
	}
}
