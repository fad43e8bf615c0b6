package decay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/metrics"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/store"
)

const actor = "decay"

// Result summarizes one decay pass
type Result struct {
	Scanned           int
	Stale             int
	Decayed           int
	NeedsRevalidation int
	Skipped           int // Lost an update race; retried next pass
}

// Severity ranks report entries by how far confidence fell below the floor
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical" // Below half the floor
)

// Entry is one row of the revalidation report. It carries identifiers and
// scores only, never the rule's value.
type Entry struct {
	RuleID        string    `json:"rule_id"`
	ConceptID     string    `json:"concept_id"`
	Confidence    float64   `json:"confidence"`
	Base          float64   `json:"base_confidence"`
	LastConfirmed time.Time `json:"last_confirmed"`
	Severity      Severity  `json:"severity"`
}

// Scheduler runs decay passes on an interval
type Scheduler struct {
	repo    store.Repository
	cfg     model.DecayConfig
	audit   *audit.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

func WithAudit(a *audit.Recorder) Option    { return func(s *Scheduler) { s.audit = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates a Scheduler
func New(repo store.Repository, cfg model.DecayConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:   repo,
		cfg:    cfg,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", actor)
	return s
}

// Run executes a pass immediately and then every interval until ctx is done.
// A failed pass is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if res, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("decay pass failed", "error", err)
		} else if res.Decayed > 0 {
			s.logger.Info("decay pass", "scanned", res.Scanned, "stale", res.Stale, "decayed", res.Decayed,
				"needs_revalidation", res.NeedsRevalidation, "skipped", res.Skipped)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce decays every stale PUBLISHED rule once
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	rules, err := s.repo.ListRules(ctx, model.RuleFilter{Statuses: []model.RuleStatus{model.StatusPublished}})
	if err != nil {
		return res, fault.Transient("list published", err)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	now := s.now()
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++
		last, err := s.lastConfirmed(ctx, r)
		if err != nil {
			return res, err
		}
		age := now.Sub(last)
		if age <= s.cfg.StalenessWindow {
			if r.NeedsRevalidation {
				res.NeedsRevalidation++
			}
			continue
		}
		res.Stale++

		next := Apply(r.Confidence, base(r), age, s.cfg.StalenessWindow, s.cfg.HalfLife)
		flag := r.NeedsRevalidation || next < s.cfg.RevalidationFloor
		if flag {
			res.NeedsRevalidation++
		}
		if next >= r.Confidence && flag == r.NeedsRevalidation {
			continue
		}

		from := r.Confidence
		r.Confidence = next
		r.NeedsRevalidation = flag
		r.DecayedAt = &now
		if err := s.repo.UpdateRule(ctx, r); err != nil {
			if errors.Is(err, store.ErrConflict) {
				res.Skipped++
				s.logger.Warn("rule changed during decay", "rule_id", r.ID)
				continue
			}
			return res, fault.Transient("update rule", err)
		}
		res.Decayed++
		s.audit.Emit(ctx, audit.RuleDecayed, r.ID, actor, map[string]string{
			"from":               fmt.Sprintf("%.4f", from),
			"to":                 fmt.Sprintf("%.4f", next),
			"age_days":           fmt.Sprint(int(age.Hours() / 24)),
			"needs_revalidation": fmt.Sprint(flag),
		})
	}

	s.metrics.Decayed(res.Decayed)
	s.metrics.NeedsRevalidation(res.NeedsRevalidation)
	return res, nil
}

func base(r *model.RegulatoryRule) float64 {
	if r.BaseConfidence > 0 {
		return r.BaseConfidence
	}
	return r.Confidence
}

// lastConfirmed is the latest time any supporting evidence was fetched or
// re-checked unchanged, or the rule was revalidated
func (s *Scheduler) lastConfirmed(ctx context.Context, r *model.RegulatoryRule) (time.Time, error) {
	var last time.Time
	for _, id := range r.EvidenceIDs {
		t, err := s.repo.LastConfirmed(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return time.Time{}, fault.Transient("last confirmed", err)
		}
		if t.After(last) {
			last = t
		}
	}
	if r.RevalidatedAt != nil && r.RevalidatedAt.After(last) {
		last = *r.RevalidatedAt
	}
	if last.IsZero() {
		last = r.CreatedAt
		if r.PublishedAt != nil {
			last = *r.PublishedAt
		}
	}
	return last, nil
}

// Report lists PUBLISHED rules flagged for revalidation or with confidence
// below floor, weakest first. A floor of zero uses the configured one.
func (s *Scheduler) Report(ctx context.Context, floor float64) ([]Entry, error) {
	if floor <= 0 {
		floor = s.cfg.RevalidationFloor
	}
	rules, err := s.repo.ListRules(ctx, model.RuleFilter{Statuses: []model.RuleStatus{model.StatusPublished}})
	if err != nil {
		return nil, fault.Transient("list published", err)
	}

	var out []Entry
	for _, r := range rules {
		if !r.NeedsRevalidation && r.Confidence >= floor {
			continue
		}
		last, err := s.lastConfirmed(ctx, r)
		if err != nil {
			return nil, err
		}
		sev := SeverityWarning
		if r.Confidence < floor/2 {
			sev = SeverityCritical
		}
		out = append(out, Entry{
			RuleID:        r.ID,
			ConceptID:     r.ConceptID,
			Confidence:    r.Confidence,
			Base:          base(r),
			LastConfirmed: last,
			Severity:      sev,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence < out[j].Confidence
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, nil
}

// Revalidate records an external confirmation of a rule. It resets base
// and current confidence, clears the revalidation flag and optionally
// attaches the evidence that was checked.
func (s *Scheduler) Revalidate(ctx context.Context, ruleID string, confidence float64, evidenceID, by string) (*model.RegulatoryRule, error) {
	if confidence <= 0 || confidence > 1 {
		return nil, fault.Validation("revalidate", "confidence %.2f outside (0, 1]", confidence)
	}
	r, err := s.repo.GetRule(ctx, ruleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Validation("revalidate", "rule %s not found", ruleID)
	}
	if err != nil {
		return nil, fault.Transient("load rule", err)
	}
	if r.Status.Terminal() {
		return nil, fault.Validation("revalidate", "rule %s is %s", r.ID, r.Status)
	}
	if evidenceID != "" {
		if _, err := s.repo.GetEvidence(ctx, evidenceID); errors.Is(err, store.ErrNotFound) {
			return nil, fault.Validation("revalidate", "evidence %s not found", evidenceID)
		} else if err != nil {
			return nil, fault.Transient("load evidence", err)
		}
		r.EvidenceIDs = appendUnique(r.EvidenceIDs, evidenceID)
	}

	now := s.now()
	r.Confidence = confidence
	r.BaseConfidence = confidence
	r.NeedsRevalidation = false
	r.RevalidatedAt = &now
	r.UpdatedAt = now
	if err := s.repo.UpdateRule(ctx, r); err != nil {
		return nil, fault.Transient("update rule", err)
	}
	s.logger.Info("rule revalidated", "rule_id", r.ID, "by", by)
	s.audit.Emit(ctx, audit.RuleRevalidated, r.ID, actor, map[string]string{
		"confidence":  fmt.Sprintf("%.4f", confidence),
		"evidence_id": evidenceID,
		"by":          by,
	})
	return r, nil
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	out := append(list, v)
	sort.Strings(out)
	return out
}
