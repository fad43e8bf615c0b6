// Package arbiter finds rules that can apply to the same facts at the same
// time with incompatible outcomes, and resolves them by precedence:
// lex specialis, concept specificity, later effective date, and otherwise
// escalation to a human.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/concept"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/metrics"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/predicate"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/store"
)

const actor = string(model.StageArbiter)

// activeStatuses are the states in which a rule can still take effect
var activeStatuses = []model.RuleStatus{
	model.StatusDraft,
	model.StatusPendingReview,
	model.StatusApproved,
	model.StatusPublished,
}

type settings struct {
	audit   *audit.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Detector or an Arbiter
type Option func(*settings)

func WithAudit(a *audit.Recorder) Option    { return func(s *settings) { s.audit = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *settings) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(s *settings) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *settings) { s.now = now } }

func newSettings(opts []Option) settings {
	s := settings{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(&s)
	}
	s.logger = s.logger.With("stage", actor)
	return s
}

// Detector opens ConflictRecords for a rule against every active rule on
// the same or a precedence-related concept
type Detector struct {
	settings
	repo     store.Repository
	queue    queue.Queue
	taxonomy *concept.Taxonomy
}

// NewDetector creates a Detector
func NewDetector(repo store.Repository, q queue.Queue, taxonomy *concept.Taxonomy, opts ...Option) *Detector {
	return &Detector{settings: newSettings(opts), repo: repo, queue: q, taxonomy: taxonomy}
}

// Detect records a conflict for every incompatible pair involving rule and
// returns the unresolved conflicts (open or escalated) that involve it.
// A pair maps to one record whichever side detects it.
func (d *Detector) Detect(ctx context.Context, rule *model.RegulatoryRule, runID string) ([]*model.ConflictRecord, error) {
	if rule.Status.Terminal() {
		return nil, nil
	}
	concepts := append([]string{rule.ConceptID}, d.taxonomy.Related(rule.ConceptID)...)
	others, err := d.repo.ListRules(ctx, model.RuleFilter{ConceptIDs: concepts, Statuses: activeStatuses})
	if err != nil {
		return nil, fault.Transient("list rules", err)
	}
	sort.Slice(others, func(i, j int) bool { return others[i].ID < others[j].ID })

	var out []*model.ConflictRecord
	for _, other := range others {
		if other.ID == rule.ID {
			continue
		}
		typ, overlap, ok, err := Compare(rule, other)
		if err != nil {
			return nil, fault.Validation("compare rules", "%s vs %s: %v", rule.ID, other.ID, err)
		}
		if !ok {
			continue
		}
		rec, err := d.open(ctx, rule, other, typ, overlap, runID)
		if err != nil {
			return nil, err
		}
		if rec.Status != model.ConflictResolved {
			out = append(out, rec)
		}
	}

	// Conflicts detected from the other side stay unresolved too
	existing, err := d.repo.ListConflicts(ctx, model.ConflictFilter{
		RuleID:   rule.ID,
		Statuses: []model.ConflictStatus{model.ConflictOpen, model.ConflictEscalated},
	})
	if err != nil {
		return nil, fault.Transient("list conflicts", err)
	}
	return mergeConflicts(out, existing), nil
}

func (d *Detector) open(ctx context.Context, rule, other *model.RegulatoryRule, typ model.ConflictType, overlap model.Window, runID string) (*model.ConflictRecord, error) {
	now := d.now()
	ids := []string{rule.ID, other.ID}
	sort.Strings(ids)
	rec := &model.ConflictRecord{
		ID:        uuid.NewString(),
		Key:       model.ConflictKey(ids...),
		Type:      typ,
		ConceptID: rule.ConceptID,
		RuleIDs:   ids,
		Overlap:   overlap,
		Status:    model.ConflictOpen,
		RunID:     runID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := d.repo.UpsertConflict(ctx, rec)
	if err != nil {
		return nil, fault.Transient("store conflict", err)
	}
	if !created {
		return rec, nil
	}

	if _, err := d.queue.Enqueue(ctx, model.StageArbiter, model.ArbiterJob{ConflictID: rec.ID, RunID: runID}); err != nil {
		return nil, fault.Transient("enqueue arbiter", err)
	}
	d.metrics.Conflict("opened", "")
	d.logger.Info("conflict opened", "conflict_id", rec.ID, "rules", len(ids), "type", typ)
	d.audit.Emit(ctx, audit.ConflictOpened, rec.ID, actor, map[string]string{
		"type":    string(typ),
		"rule_a":  ids[0],
		"rule_b":  ids[1],
		"overlap": overlap.String(),
		"run_id":  runID,
	})
	return rec, nil
}

func mergeConflicts(a, b []*model.ConflictRecord) []*model.ConflictRecord {
	seen := make(map[string]bool, len(a)+len(b))
	var out []*model.ConflictRecord
	for _, c := range append(a, b...) {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Compare reports whether a and b conflict: their effective windows overlap
// outside any window already superseded, their applies-when conditions can
// hold together, and their outcomes are incompatible.
func Compare(a, b *model.RegulatoryRule) (model.ConflictType, model.Window, bool, error) {
	overlap, ok := a.Window().Intersect(b.Window())
	if !ok || covered(overlap, a) || covered(overlap, b) {
		return "", model.Window{}, false, nil
	}

	var typ model.ConflictType
	switch {
	case a.AssertionType == b.AssertionType:
		if a.Value.Equal(b.Value) {
			return "", model.Window{}, false, nil
		}
		typ = model.ConflictValue
	case contradictory(a.AssertionType, b.AssertionType):
		typ = model.ConflictModality
	default:
		return "", model.Window{}, false, nil
	}

	ea, err := predicate.Parse(a.AppliesWhen)
	if err != nil {
		return "", model.Window{}, false, fmt.Errorf("rule %s: %w", a.ID, err)
	}
	eb, err := predicate.Parse(b.AppliesWhen)
	if err != nil {
		return "", model.Window{}, false, fmt.Errorf("rule %s: %w", b.ID, err)
	}
	if !predicate.Overlaps(ea.Base, eb.Base) {
		return "", model.Window{}, false, nil
	}
	return typ, overlap, true, nil
}

func covered(w model.Window, r *model.RegulatoryRule) bool {
	parts := make([]model.Window, 0, len(r.Supersessions))
	for _, s := range r.Supersessions {
		parts = append(parts, s.Window())
	}
	return w.CoveredBy(parts)
}

// contradictory reports modalities that cannot both hold: forbidding
// something while requiring or allowing it
func contradictory(a, b model.AssertionType) bool {
	if a == model.AssertionProhibition {
		return b == model.AssertionObligation || b == model.AssertionPermission
	}
	if b == model.AssertionProhibition {
		return a == model.AssertionObligation || a == model.AssertionPermission
	}
	return false
}
