// Package sentinel polls registered regulatory sources and turns content
// changes into Evidence.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/metrics"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/normalize"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/store"
	"github.com/ppiankov/statute/internal/worker"
)

const actor = string(model.StageSentinel)

// Sentinel is the first pipeline stage. It fetches one source per job,
// writes Evidence only when the normalized content hash changes, and hands
// changed Evidence to the Extractor.
type Sentinel struct {
	repo            store.Repository
	queue           queue.Queue
	fetcher         *Fetcher
	robots          *RobotsChecker
	limiter         *worker.Limiter
	authority       *AuthorityClassifier
	layouts         *normalize.Layouts
	audit           *audit.Recorder
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() time.Time
	pollInterval    time.Duration
	deactivateAfter int
}

// Option configures a Sentinel
type Option func(*Sentinel)

func WithRobots(r *RobotsChecker) Option    { return func(s *Sentinel) { s.robots = r } }
func WithLimiter(l *worker.Limiter) Option  { return func(s *Sentinel) { s.limiter = l } }
func WithAudit(a *audit.Recorder) Option    { return func(s *Sentinel) { s.audit = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Sentinel) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(s *Sentinel) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Sentinel) { s.now = now } }

// New creates a Sentinel. Robots checking is off unless WithRobots is given.
func New(repo store.Repository, q queue.Queue, fetcher *Fetcher, cfg model.SentinelConfig, opts ...Option) *Sentinel {
	s := &Sentinel{
		repo:            repo,
		queue:           q,
		fetcher:         fetcher,
		authority:       NewAuthorityClassifier(cfg.Authority),
		layouts:         normalize.NewLayouts(),
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		pollInterval:    cfg.PollInterval,
		deactivateAfter: cfg.DeactivateAfter,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("stage", actor)
	return s
}

// Register adds a source. The authority tier is classified from the URL.
func (s *Sentinel) Register(ctx context.Context, rawURL, jurisdiction string) (*model.Source, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fault.Validation("register source", "url must be absolute http(s)")
	}
	src := &model.Source{
		ID:           uuid.NewString(),
		URL:          rawURL,
		Jurisdiction: strings.ToUpper(strings.TrimSpace(jurisdiction)),
		Authority:    s.authority.Classify(rawURL),
		Active:       true,
		CreatedAt:    s.now(),
	}
	if err := s.repo.CreateSource(ctx, src); err != nil {
		return nil, err
	}
	s.logger.Info("source registered", "source_id", src.ID, "authority", src.Authority.String())
	return src, nil
}

// Deactivate stops a source from being polled. Jobs already queued for it
// still run.
func (s *Sentinel) Deactivate(ctx context.Context, sourceID, reason string) error {
	src, err := s.repo.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if !src.Active {
		return nil
	}
	s.markInactive(src)
	if err := s.repo.UpdateSource(ctx, src); err != nil {
		return err
	}
	s.afterDeactivate(ctx, src, reason)
	return nil
}

func (s *Sentinel) markInactive(src *model.Source) {
	at := s.now()
	src.Active = false
	src.DeactivatedAt = &at
}

func (s *Sentinel) afterDeactivate(ctx context.Context, src *model.Source, reason string) {
	s.metrics.SourceDeactivated()
	s.logger.Warn("source deactivated", "source_id", src.ID, "reason", reason, "failures", src.ConsecutiveFailures)
	s.audit.Emit(ctx, audit.SourceDeactivated, src.ID, actor, map[string]string{
		"reason":   reason,
		"failures": fmt.Sprint(src.ConsecutiveFailures),
	})
}

// Poll enqueues a Sentinel job for every active source that is due. With
// force every active source is enqueued.
func (s *Sentinel) Poll(ctx context.Context, force bool) (int, error) {
	sources, err := s.repo.ListSources(ctx, true)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, src := range sources {
		if !force && !s.due(src, now) {
			continue
		}
		job := model.SentinelJob{SourceID: src.ID, ScheduledFetch: !force}
		if _, err := s.queue.Enqueue(ctx, model.StageSentinel, job); err != nil {
			return n, fmt.Errorf("enqueue source %s: %w", src.ID, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Info("poll enqueued", "sources", n, "forced", force)
	}
	return n, nil
}

func (s *Sentinel) due(src *model.Source, now time.Time) bool {
	if src.LastCheckedAt == nil || s.pollInterval <= 0 {
		return true
	}
	return now.Sub(*src.LastCheckedAt) >= s.pollInterval
}

// Handle implements worker.Handler for the sentinel stage
func (s *Sentinel) Handle(ctx context.Context, job *queue.Job) error {
	var payload model.SentinelJob
	if err := job.Decode(&payload); err != nil {
		return fault.Validation("decode sentinel job", "%v", err)
	}
	src, err := s.repo.GetSource(ctx, payload.SourceID)
	if errors.Is(err, store.ErrNotFound) {
		return fault.Validation("sentinel job", "unknown source %s", payload.SourceID)
	}
	if err != nil {
		return fault.Transient("load source", err)
	}
	return s.Check(ctx, src)
}

// Check fetches src once and records the outcome. Store and queue errors are
// transient; the order of writes lets a retry finish a half-done check.
func (s *Sentinel) Check(ctx context.Context, src *model.Source) error {
	if err := s.admit(ctx, src.URL); err != nil {
		return err
	}

	latest, err := s.repo.LatestEvidence(ctx, src.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fault.Transient("load latest evidence", err)
	}

	etag := ""
	if latest != nil {
		etag = src.ETag
	}
	res, err := s.fetcher.Fetch(ctx, src.URL, etag)
	if err != nil {
		return Classify(src.ID, err)
	}
	if res.NotModified {
		return s.unchanged(ctx, src, latest, res.Meta.ETag)
	}

	text, err := s.layouts.Page(res.Body, res.Meta.ContentType, src.URL)
	if err != nil {
		return fault.Validation("normalize source "+src.ID, "%v", err)
	}
	hash := normalize.Hash(text)
	if latest != nil && latest.ContentHash == hash {
		return s.unchanged(ctx, src, latest, res.Meta.ETag)
	}

	ev := &model.Evidence{
		ID:           uuid.NewString(),
		SourceID:     src.ID,
		URL:          src.URL,
		Jurisdiction: src.Jurisdiction,
		Authority:    src.Authority,
		FetchedAt:    s.now(),
		ContentHash:  hash,
		Text:         text,
		HasChanged:   true,
		Meta:         res.Meta,
	}
	if latest != nil {
		prev := latest.ContentHash
		ev.PreviousHash = &prev
		ev.PreviousID = latest.ID
	}
	if err := s.repo.CreateEvidence(ctx, ev); errors.Is(err, store.ErrConflict) {
		return s.alreadyCaptured(ctx, src, hash)
	} else if err != nil {
		return fault.Transient("create evidence", err)
	}
	if err := s.repo.RecordCheck(ctx, model.SourceCheck{
		SourceID:   src.ID,
		EvidenceID: ev.ID,
		Hash:       hash,
		Changed:    true,
		CheckedAt:  ev.FetchedAt,
	}); err != nil {
		return fault.Transient("record check", err)
	}
	runID := uuid.NewString()
	if err := s.handOff(ctx, ev.ID, runID); err != nil {
		return err
	}
	if err := s.markChecked(ctx, src, ev, res.Meta.ETag); err != nil {
		return err
	}

	s.metrics.SourceCheck(true)
	s.logger.Info("evidence captured", "source_id", src.ID, "evidence_id", ev.ID, "run_id", runID, "first", latest == nil)
	s.audit.Emit(ctx, audit.EvidenceCaptured, ev.ID, actor, map[string]string{
		"source_id": src.ID,
		"run_id":    runID,
		"hash":      hash,
	})
	return nil
}

// unchanged records a check against the latest Evidence without creating a
// new one. If a previous attempt stored Evidence but never handed it off, the
// hand-off is completed here.
func (s *Sentinel) unchanged(ctx context.Context, src *model.Source, latest *model.Evidence, etag string) error {
	if latest == nil {
		return fault.Transient("fetch source "+src.ID, errors.New("not modified without prior evidence"))
	}
	if err := s.repo.RecordCheck(ctx, model.SourceCheck{
		SourceID:   src.ID,
		EvidenceID: latest.ID,
		Hash:       latest.ContentHash,
		Changed:    false,
		CheckedAt:  s.now(),
	}); err != nil {
		return fault.Transient("record check", err)
	}
	if src.LastEvidenceID != latest.ID && latest.HasChanged {
		if err := s.handOff(ctx, latest.ID, uuid.NewString()); err != nil {
			return err
		}
	}
	if err := s.markChecked(ctx, src, latest, etag); err != nil {
		return err
	}

	s.metrics.SourceCheck(false)
	s.logger.Debug("source unchanged", "source_id", src.ID, "evidence_id", latest.ID)
	s.audit.Emit(ctx, audit.EvidenceUnchanged, latest.ID, actor, map[string]string{"source_id": src.ID})
	return nil
}

// alreadyCaptured handles a check that lost the race to record the next Evidence
// of src. The winner owns the hand-off; a loser holding different content
// retries against the new latest.
func (s *Sentinel) alreadyCaptured(ctx context.Context, src *model.Source, hash string) error {
	winner, err := s.repo.LatestEvidence(ctx, src.ID)
	if err != nil {
		return fault.Transient("load latest evidence", err)
	}
	if winner.ContentHash != hash {
		return fault.Transient("create evidence", fmt.Errorf("source %s moved to evidence %s during the check", src.ID, winner.ID))
	}
	if err := s.repo.RecordCheck(ctx, model.SourceCheck{
		SourceID:   src.ID,
		EvidenceID: winner.ID,
		Hash:       hash,
		Changed:    false,
		CheckedAt:  s.now(),
	}); err != nil {
		return fault.Transient("record check", err)
	}
	s.metrics.SourceCheck(false)
	s.logger.Info("evidence already captured", "source_id", src.ID, "evidence_id", winner.ID)
	return nil
}

func (s *Sentinel) handOff(ctx context.Context, evidenceID, runID string) error {
	job := model.ExtractJob{EvidenceID: evidenceID, RunID: runID}
	if _, err := s.queue.Enqueue(ctx, model.StageExtract, job); err != nil {
		return fault.Transient("enqueue extract", err)
	}
	return nil
}

func (s *Sentinel) markChecked(ctx context.Context, src *model.Source, ev *model.Evidence, etag string) error {
	at := s.now()
	src.LastHash = ev.ContentHash
	src.LastEvidenceID = ev.ID
	src.LastCheckedAt = &at
	src.ConsecutiveFailures = 0
	if etag != "" {
		src.ETag = etag
	}
	if err := s.repo.UpdateSource(ctx, src); err != nil {
		return fault.Transient("update source", err)
	}
	return nil
}

// admit applies robots.txt and the per-host rate limit before a fetch
func (s *Sentinel) admit(ctx context.Context, rawURL string) error {
	if s.robots != nil {
		allowed, delay, err := s.robots.CanFetch(ctx, rawURL)
		if err != nil {
			return fault.Validation("robots check", "%v", err)
		}
		if !allowed {
			return fault.Validation("robots check", "disallowed by robots.txt")
		}
		if delay > 0 && s.limiter != nil {
			_ = s.limiter.ApplyCrawlDelay(rawURL, delay)
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, rawURL); err != nil {
			return fault.Transient("rate limit", err)
		}
	}
	return nil
}

// OnDeadLetter is the runner's dead-letter hook for the sentinel stage. It
// counts consecutive failures and deactivates the source at the threshold.
func (s *Sentinel) OnDeadLetter(ctx context.Context, job *queue.Job, _ *model.DeadLetter) {
	var payload model.SentinelJob
	if err := job.Decode(&payload); err != nil || payload.SourceID == "" {
		return
	}
	src, err := s.repo.GetSource(ctx, payload.SourceID)
	if err != nil {
		s.logger.Warn("dead-letter hook: load source", "source_id", payload.SourceID, "error", err)
		return
	}
	src.ConsecutiveFailures++
	deactivated := false
	if src.Active && s.deactivateAfter > 0 && src.ConsecutiveFailures >= s.deactivateAfter {
		s.markInactive(src)
		deactivated = true
	}
	if err := s.repo.UpdateSource(ctx, src); err != nil {
		s.logger.Warn("dead-letter hook: update source", "source_id", src.ID, "error", err)
		return
	}
	if deactivated {
		s.afterDeactivate(ctx, src, "consecutive_failures")
	}
}
