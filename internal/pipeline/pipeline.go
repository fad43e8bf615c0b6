// Package pipeline builds the backends and stages described by Config and
// runs them as one supervised process.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/statute/internal/arbiter"
	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/compose"
	"github.com/ppiankov/statute/internal/concept"
	"github.com/ppiankov/statute/internal/decay"
	"github.com/ppiankov/statute/internal/extract"
	"github.com/ppiankov/statute/internal/metrics"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/predicate"
	"github.com/ppiankov/statute/internal/query"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/release"
	"github.com/ppiankov/statute/internal/review"
	"github.com/ppiankov/statute/internal/sentinel"
	"github.com/ppiankov/statute/internal/store"
	"github.com/ppiankov/statute/internal/worker"
)

// System holds every stage and backend of one running instance
type System struct {
	Config   model.Config
	Repo     store.Repository
	Queue    queue.Queue
	Lease    queue.Lease
	Audit    *audit.Recorder
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Taxonomy *concept.Taxonomy

	Sentinel  *sentinel.Sentinel
	Extractor *extract.Extractor
	Composer  *compose.Composer
	Detector  *arbiter.Detector
	Reviewer  *review.Reviewer
	Arbiter   *arbiter.Arbiter
	Releaser  *release.Releaser
	Decay     *decay.Scheduler
	Query     *query.Service

	logger  *slog.Logger
	closers []func() error
}

// Option adjusts how Build assembles a System
type Option func(*options)

type options struct {
	repo     store.Repository
	queue    queue.Queue
	lease    queue.Lease
	sink     audit.Sink
	exporter release.Exporter
	now      func() time.Time
}

// WithRepository skips opening the configured store
func WithRepository(r store.Repository) Option { return func(o *options) { o.repo = r } }

// WithQueue skips opening the configured queue; the lease defaults to a memory lease
func WithQueue(q queue.Queue, l queue.Lease) Option {
	return func(o *options) { o.queue, o.lease = q, l }
}

func WithAuditSink(s audit.Sink) Option      { return func(o *options) { o.sink = s } }
func WithExporter(e release.Exporter) Option { return func(o *options) { o.exporter = e } }
func WithClock(now func() time.Time) Option  { return func(o *options) { o.now = now } }

// Build opens the configured backends and wires every stage to them. The
// caller owns the returned System and must Close it.
func Build(ctx context.Context, cfg model.Config, logger *slog.Logger, opts ...Option) (_ *System, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sys := &System{Config: cfg, logger: logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = sys.Close()
		}
	}()

	sys.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sys.Metrics = metrics.New(sys.Registry)

	if sys.Taxonomy, err = loadTaxonomy(cfg.Taxonomy); err != nil {
		return nil, err
	}

	sink := o.sink
	if sink == nil {
		if sink, err = OpenAudit(cfg.Audit, logger); err != nil {
			return nil, err
		}
	}
	sys.Audit = audit.NewRecorder(sink, logger)
	sys.closers = append(sys.closers, sys.Audit.Close)

	sys.Repo = o.repo
	if sys.Repo == nil {
		repo, err := OpenStore(ctx, cfg.Store, sys.Metrics, logger)
		if err != nil {
			return nil, err
		}
		sys.Repo = repo
		sys.closers = append(sys.closers, repo.Close)
	}

	sys.Queue, sys.Lease = o.queue, o.lease
	if sys.Queue == nil {
		q, lease, err := OpenQueue(ctx, cfg.Queue)
		if err != nil {
			return nil, err
		}
		sys.Queue, sys.Lease = q, lease
		sys.closers = append(sys.closers, q.Close)
	}
	if sys.Lease == nil {
		sys.Lease = queue.NewMemoryLease()
	}

	now := o.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	exporter := o.exporter
	if exporter == nil && cfg.Release.BundleBucket != "" {
		s3, err := release.NewS3Exporter(ctx, cfg.Release)
		if err != nil {
			return nil, err
		}
		exporter = s3
	}

	if err := sys.stages(cfg, exporter, now); err != nil {
		return nil, err
	}
	return sys, nil
}

func (s *System) stages(cfg model.Config, exporter release.Exporter, now func() time.Time) error {
	fetcher := sentinel.NewFetcher(cfg.HTTP)
	sentinelOpts := []sentinel.Option{
		sentinel.WithLimiter(worker.NewLimiter(cfg.HTTP.RequestsPerSecond, cfg.HTTP.Burst)),
		sentinel.WithAudit(s.Audit),
		sentinel.WithMetrics(s.Metrics),
		sentinel.WithLogger(s.logger),
		sentinel.WithClock(now),
	}
	if cfg.HTTP.RespectRobots {
		sentinelOpts = append(sentinelOpts, sentinel.WithRobots(sentinel.NewRobotsChecker(cfg.HTTP.UserAgent, fetcher.Client(), nil)))
	}
	s.Sentinel = sentinel.New(s.Repo, s.Queue, fetcher, cfg.Sentinel, sentinelOpts...)

	extractModel, err := extract.NewModel(cfg.Extract, cfg.HTTP, s.Taxonomy, s.Metrics)
	if err != nil {
		return err
	}
	s.Extractor = extract.New(s.Repo, s.Queue, extractModel, s.Taxonomy, cfg.Extract,
		extract.WithAudit(s.Audit), extract.WithMetrics(s.Metrics), extract.WithLogger(s.logger), extract.WithClock(now))

	s.Composer = compose.New(s.Repo, s.Queue,
		compose.WithAudit(s.Audit), compose.WithMetrics(s.Metrics), compose.WithLogger(s.logger), compose.WithClock(now))

	arbiterOpts := []arbiter.Option{
		arbiter.WithAudit(s.Audit), arbiter.WithMetrics(s.Metrics), arbiter.WithLogger(s.logger), arbiter.WithClock(now),
	}
	s.Detector = arbiter.NewDetector(s.Repo, s.Queue, s.Taxonomy, arbiterOpts...)
	s.Arbiter = arbiter.New(s.Repo, s.Queue, s.Taxonomy, arbiterOpts...)

	s.Reviewer = review.New(s.Repo, s.Queue, s.Detector, s.Arbiter, review.NewPolicy(cfg.Review),
		review.WithAudit(s.Audit), review.WithMetrics(s.Metrics), review.WithLogger(s.logger), review.WithClock(now))

	releaseOpts := []release.Option{
		release.WithAudit(s.Audit), release.WithMetrics(s.Metrics), release.WithLogger(s.logger), release.WithClock(now),
	}
	if exporter != nil {
		releaseOpts = append(releaseOpts, release.WithExporter(exporter))
	}
	s.Releaser = release.New(s.Repo, s.Lease, cfg.Release, cfg.Review.RejectFloor, releaseOpts...)

	s.Decay = decay.New(s.Repo, cfg.Decay,
		decay.WithAudit(s.Audit), decay.WithMetrics(s.Metrics), decay.WithLogger(s.logger), decay.WithClock(now))

	eval, err := predicate.NewEvaluator()
	if err != nil {
		return err
	}
	s.Query = query.New(s.Repo, s.Taxonomy, eval, s.Decay)
	return nil
}

func loadTaxonomy(cfg model.TaxonomyConfig) (*concept.Taxonomy, error) {
	if cfg.Path != "" {
		return concept.Load(cfg.Path)
	}
	return concept.New(concept.Default())
}

// OpenStore opens the repository named by cfg.Driver. The dual driver reads
// from sqlite and shadows every read against postgres.
func OpenStore(ctx context.Context, cfg model.StoreConfig, rec store.Recorder, logger *slog.Logger) (store.Repository, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return store.NewMemory(), nil
	case "postgres":
		return openSQL(ctx, store.Postgres, cfg.PostgresURL)
	case "sqlite":
		return openSQL(ctx, store.SQLite, cfg.SQLitePath)
	case "dual":
		legacy, err := store.Open(ctx, store.SQLite, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		next, err := store.Open(ctx, store.Postgres, cfg.PostgresURL)
		if err != nil {
			_ = legacy.Close()
			return nil, err
		}
		return store.NewDualRead(legacy, next, rec, logger), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openSQL(ctx context.Context, dialect store.Dialect, dsn string) (store.Repository, error) {
	db, err := store.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// OpenQueue opens the queue named by cfg.Driver and a lease on the same backend
func OpenQueue(ctx context.Context, cfg model.QueueConfig) (queue.Queue, queue.Lease, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return queue.NewMemory(), queue.NewMemoryLease(), nil
	case "redis":
		q, err := queue.DialRedis(ctx, cfg.RedisURL, queue.RedisOptions{})
		if err != nil {
			return nil, nil, err
		}
		return q, queue.NewRedisLease(q.Client()), nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// OpenAudit builds the configured audit sink. The kafka sink also logs.
func OpenAudit(cfg model.AuditConfig, logger *slog.Logger) (audit.Sink, error) {
	switch strings.ToLower(cfg.Sink) {
	case "", "log":
		return audit.NewLogSink(logger), nil
	case "kafka":
		k, err := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		return audit.Multi{audit.NewLogSink(logger), k}, nil
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}

// Runners returns one runner per stage. Sentinel dead letters count towards
// source deactivation.
func (s *System) Runners() []*worker.Runner {
	policy := worker.RetryPolicy{
		MaxAttempts: s.Config.Queue.MaxAttempts,
		BaseBackoff: s.Config.Queue.BaseBackoff,
		MaxBackoff:  s.Config.Queue.MaxBackoff,
	}
	workers := s.Config.Queue.Workers
	common := []worker.RunnerOption{worker.WithLogger(s.logger), worker.WithMetrics(s.Metrics), worker.WithAudit(s.Audit)}
	withHook := append(append([]worker.RunnerOption{}, common...), worker.WithDeadLetterHook(s.Sentinel.OnDeadLetter))

	return []*worker.Runner{
		worker.NewRunner(model.StageSentinel, s.Queue, s.Sentinel.Handle, workers, policy, withHook...),
		worker.NewRunner(model.StageExtract, s.Queue, s.Extractor.Handle, workers, policy, common...),
		worker.NewRunner(model.StageCompose, s.Queue, s.Composer.Handle, workers, policy, common...),
		worker.NewRunner(model.StageReview, s.Queue, s.Reviewer.Handle, workers, policy, common...),
		// Arbitration and release write shared state; one worker each keeps them serial.
		worker.NewRunner(model.StageArbiter, s.Queue, s.Arbiter.Handle, 1, policy, common...),
		worker.NewRunner(model.StageRelease, s.Queue, s.Releaser.Handle, 1, policy, common...),
	}
}

// RunOptions selects the background loops started next to the stage runners
type RunOptions struct {
	Poll  bool
	Decay bool
	// Extra services (the HTTP API) supervised with the runners
	Extra []func(ctx context.Context) error
}

// Run supervises the stage runners and the selected loops until ctx is done
// or one of them fails
func (s *System) Run(ctx context.Context, opts RunOptions) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range s.Runners() {
		g.Go(func() error { return r.Run(ctx) })
	}
	if opts.Poll {
		g.Go(func() error { return s.PollLoop(ctx) })
	}
	if opts.Decay {
		g.Go(func() error { return s.Decay.Run(ctx) })
	}
	for _, fn := range opts.Extra {
		g.Go(func() error { return fn(ctx) })
	}
	s.logger.Info("pipeline started", "stages", len(model.Stages), "poll", opts.Poll, "decay", opts.Decay)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Info("pipeline stopped")
	return err
}

// PollLoop enqueues due sources and samples queue depth on every tick
func (s *System) PollLoop(ctx context.Context) error {
	every := time.Minute
	if iv := s.Config.Sentinel.PollInterval; iv > 0 && iv < every {
		every = iv
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if _, err := s.Sentinel.Poll(ctx, false); err != nil && ctx.Err() == nil {
			s.logger.Warn("poll failed", "error", err)
		}
		s.sampleDepth(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *System) sampleDepth(ctx context.Context) {
	for _, stage := range model.Stages {
		n, err := s.Queue.Pending(ctx, stage)
		if err != nil {
			continue
		}
		s.Metrics.QueueDepth(string(stage), n)
	}
}

// Close releases backends in reverse order of opening
func (s *System) Close() error {
	if d, ok := s.Repo.(*store.DualRead); ok {
		d.Drain()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
