// Package compose turns staged AtomicClaims into draft RegulatoryRules.
//
// Claims on one concept are grouped by subject, jurisdiction, assertion,
// value, trigger and temporal condition. Each group becomes one rule whose
// applies-when predicate is the trigger plus subject, jurisdiction and
// temporal atoms, with claim exceptions as override branches. Calendar
// dates in a temporal expression become the effective window instead. A rule is only as trustworthy as its
// weakest claim, so its confidence is the group minimum.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/metrics"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/predicate"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/store"
)

const actor = string(model.StageCompose)

// Composer is the third pipeline stage
type Composer struct {
	repo    store.Repository
	queue   queue.Queue
	audit   *audit.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Composer
type Option func(*Composer)

func WithAudit(a *audit.Recorder) Option    { return func(c *Composer) { c.audit = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Composer) { c.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(c *Composer) { c.logger = l } }
func WithClock(now func() time.Time) Option { return func(c *Composer) { c.now = now } }

// New creates a Composer
func New(repo store.Repository, q queue.Queue, opts ...Option) *Composer {
	c := &Composer{
		repo:   repo,
		queue:  q,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("stage", actor)
	return c
}

// Handle implements worker.Handler for the compose stage
func (c *Composer) Handle(ctx context.Context, job *queue.Job) error {
	var payload model.ComposeJob
	if err := job.Decode(&payload); err != nil {
		return fault.Validation("decode compose job", "%v", err)
	}
	_, err := c.Compose(ctx, payload)
	return err
}

// Compose synthesizes rules from the job's claims and hands every DRAFT
// rule to the Reviewer. It returns the rules in key order.
func (c *Composer) Compose(ctx context.Context, job model.ComposeJob) ([]*model.RegulatoryRule, error) {
	claims, err := c.loadClaims(ctx, job)
	if err != nil {
		return nil, err
	}
	drafts, err := c.Draft(ctx, job.ConceptID, claims, job.RunID)
	if err != nil {
		return nil, err
	}

	out := make([]*model.RegulatoryRule, 0, len(drafts))
	for _, draft := range drafts {
		rule, err := c.persist(ctx, draft)
		if err != nil {
			return nil, err
		}
		if rule.Status == model.StatusDraft {
			if _, err := c.queue.Enqueue(ctx, model.StageReview, model.ReviewJob{RuleID: rule.ID, RunID: job.RunID}); err != nil {
				return nil, fault.Transient("enqueue review", err)
			}
		}
		out = append(out, rule)
	}
	c.logger.Info("claims composed", "concept_id", job.ConceptID, "run_id", job.RunID, "claims", len(claims), "rules", len(out))
	return out, nil
}

func (c *Composer) loadClaims(ctx context.Context, job model.ComposeJob) ([]*model.AtomicClaim, error) {
	if job.ConceptID == "" || len(job.ClaimIDs) == 0 {
		return nil, fault.Validation("compose job", "concept and claims are required")
	}
	claims := make([]*model.AtomicClaim, 0, len(job.ClaimIDs))
	for _, id := range job.ClaimIDs {
		claim, err := c.repo.GetClaim(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Validation("compose job", "unknown claim %s", id)
		}
		if err != nil {
			return nil, fault.Transient("load claim", err)
		}
		if claim.ConceptID != job.ConceptID {
			return nil, fault.Validation("compose job", "claim %s belongs to concept %s", id, claim.ConceptID)
		}
		claims = append(claims, claim)
	}
	return claims, nil
}

type groupKey struct {
	subject      model.SubjectType
	jurisdiction string
	assertion    model.AssertionType
	value        string
	trigger      string
	temporal     string
}

// Draft groups claims and builds one DRAFT rule per group. It does not
// touch the store except to read Evidence fetch times for claims without
// an explicit start date.
func (c *Composer) Draft(ctx context.Context, conceptID string, claims []*model.AtomicClaim, runID string) ([]*model.RegulatoryRule, error) {
	groups := make(map[groupKey][]*model.AtomicClaim)
	for _, claim := range claims {
		k := groupKey{
			subject:      claim.SubjectType,
			jurisdiction: strings.ToUpper(claim.Jurisdiction),
			assertion:    claim.AssertionType,
			value:        claim.Value.Canonical(),
			trigger:      claim.Trigger,
			temporal:     TemporalCondition(claim),
		}
		groups[k] = append(groups[k], claim)
	}

	rules := make([]*model.RegulatoryRule, 0, len(groups))
	for k, group := range groups {
		rule, err := c.build(ctx, conceptID, k, group, runID)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Key < rules[j].Key })
	return rules, nil
}

func (c *Composer) build(ctx context.Context, conceptID string, k groupKey, group []*model.AtomicClaim, runID string) (*model.RegulatoryRule, error) {
	expr, err := AppliesWhen(k.subject, k.jurisdiction, k.trigger, k.temporal, group)
	if err != nil {
		return nil, fault.Validation("compose "+conceptID, "%v", err)
	}
	window, err := c.window(ctx, group)
	if err != nil {
		return nil, err
	}
	if !window.Valid() {
		return nil, fault.Validation("compose "+conceptID, "effective window %s is inverted", window)
	}

	value := group[0].Value
	now := c.now()
	rule := &model.RegulatoryRule{
		ID:             uuid.NewString(),
		Key:            model.RuleKey(conceptID, expr.Signature(), value),
		ConceptID:      conceptID,
		AppliesWhen:    expr.String(),
		Value:          value,
		AssertionType:  k.assertion,
		SubjectType:    k.subject,
		Jurisdiction:   k.jurisdiction,
		RiskTier:       model.RiskFor(k.assertion),
		EffectiveFrom:  window.From,
		EffectiveUntil: window.Until,
		Status:         model.StatusDraft,
		Confidence:     minConfidence(group),
		RunID:          runID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rule.BaseConfidence = rule.Confidence
	for _, claim := range group {
		rule.ClaimIDs = append(rule.ClaimIDs, claim.ID)
		rule.EvidenceIDs = append(rule.EvidenceIDs, claim.EvidenceID)
		rule.SourceRefs = append(rule.SourceRefs, claim.ArticleRef)
	}
	rule.ClaimIDs = sortedUnique(rule.ClaimIDs)
	rule.EvidenceIDs = sortedUnique(rule.EvidenceIDs)
	rule.SourceRefs = sortedUnique(rule.SourceRefs)
	return rule, nil
}

// AppliesWhen builds the canonical predicate for a claim group: the shared
// trigger, a subject atom unless the subject is "all", a jurisdiction atom,
// a temporal atom when the group has a non-calendar temporal condition, and
// one override branch per distinct exception
func AppliesWhen(subject model.SubjectType, jurisdiction, trigger, temporal string, claims []*model.AtomicClaim) (predicate.Expr, error) {
	base, err := predicate.ParseCondition(trigger)
	if err != nil {
		return predicate.Expr{}, fmt.Errorf("trigger: %w", err)
	}
	var scope []string
	if subject != "" && subject != model.SubjectAll {
		scope = append(scope, fmt.Sprintf("subject == %q", string(subject)))
	}
	if jurisdiction != "" {
		scope = append(scope, fmt.Sprintf("jurisdiction == %q", strings.ToLower(jurisdiction)))
	}
	if temporal != "" {
		scope = append(scope, fmt.Sprintf("%s == %q", TemporalField, temporal))
	}
	scopeCond, err := predicate.ParseCondition(strings.Join(scope, " AND "))
	if err != nil {
		return predicate.Expr{}, fmt.Errorf("scope: %w", err)
	}
	base = base.And(scopeCond)

	seen := make(map[string]bool)
	var overrides []predicate.Override
	for _, claim := range claims {
		for i, ex := range claim.Exceptions {
			when, err := predicate.ParseCondition(ex.Condition)
			if err != nil {
				return predicate.Expr{}, fmt.Errorf("claim %s exception %d: %w", claim.ID, i, err)
			}
			o := predicate.Override{When: when, Value: ex.Value}
			key := when.String() + "\x00" + ex.Value.Canonical()
			if seen[key] {
				continue
			}
			seen[key] = true
			overrides = append(overrides, o)
		}
	}
	return predicate.New(base, overrides...), nil
}

// TemporalField is the fact name carrying a rule's non-calendar temporal condition
const TemporalField = "temporal"

// TemporalCondition returns what the claim's temporal expression says beyond
// its effective dates, lower-cased with whitespace collapsed. Phrases that
// only restate EffectiveFrom or EffectiveUntil are dropped; "" means the
// window carries the whole expression.
func TemporalCondition(claim *model.AtomicClaim) string {
	words := strings.Fields(strings.NewReplacer(",", " ", ";", " ").Replace(strings.ToLower(claim.Temporal)))
	for i, w := range words {
		words[i] = strings.TrimRight(w, ".")
	}
	text := " " + strings.Join(words, " ") + " "
	for _, d := range []*time.Time{claim.EffectiveFrom, claim.EffectiveUntil} {
		if d == nil {
			continue
		}
		day := model.Day(*d).Format(model.DateLayout)
		for _, phrase := range []string{"from " + day, "until " + day, day} {
			text = strings.ReplaceAll(text, " "+phrase+" ", " ")
		}
	}
	var kept []string
	for _, w := range strings.Fields(text) {
		if w != "and" {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// window is the hull of the claims' windows. A claim without a start date
// starts on the day its Evidence was fetched; any open end keeps the rule
// open-ended.
func (c *Composer) window(ctx context.Context, claims []*model.AtomicClaim) (model.Window, error) {
	var w model.Window
	open := false
	for i, claim := range claims {
		from, err := c.startOf(ctx, claim)
		if err != nil {
			return model.Window{}, err
		}
		if i == 0 || from.Before(w.From) {
			w.From = from
		}
		switch {
		case claim.EffectiveUntil == nil:
			open = true
		case w.Until == nil || claim.EffectiveUntil.After(*w.Until):
			u := model.Day(*claim.EffectiveUntil)
			w.Until = &u
		}
	}
	if open {
		w.Until = nil
	}
	return w, nil
}

func (c *Composer) startOf(ctx context.Context, claim *model.AtomicClaim) (time.Time, error) {
	if claim.EffectiveFrom != nil {
		return model.Day(*claim.EffectiveFrom), nil
	}
	ev, err := c.repo.GetEvidence(ctx, claim.EvidenceID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Day(claim.CreatedAt), nil
	}
	if err != nil {
		return time.Time{}, fault.Transient("load evidence", err)
	}
	return model.Day(ev.FetchedAt), nil
}

// persist upserts draft by its natural key. A rule that already exists
// gains the draft's provenance; a terminal rule is left untouched.
func (c *Composer) persist(ctx context.Context, draft *model.RegulatoryRule) (*model.RegulatoryRule, error) {
	rule := *draft
	created, err := c.repo.UpsertRule(ctx, &rule)
	if err != nil {
		return nil, fault.Transient("store rule", err)
	}
	if created {
		c.metrics.RuleTransition("", string(model.StatusDraft))
		c.audit.Emit(ctx, audit.RuleComposed, rule.ID, actor, map[string]string{
			"concept_id": rule.ConceptID,
			"run_id":     rule.RunID,
			"claims":     fmt.Sprint(len(rule.ClaimIDs)),
			"risk_tier":  rule.RiskTier.String(),
		})
		return &rule, nil
	}
	if rule.Status.Terminal() {
		c.logger.Debug("rule is terminal, not extended", "rule_id", rule.ID, "status", rule.Status)
		return &rule, nil
	}

	merged := mergeProvenance(&rule, draft)
	if !merged {
		return &rule, nil
	}
	rule.UpdatedAt = c.now()
	if err := c.repo.UpdateRule(ctx, &rule); err != nil {
		return nil, fault.Transient("extend rule", err)
	}
	c.logger.Info("rule corroborated", "rule_id", rule.ID, "claims", len(rule.ClaimIDs))
	return &rule, nil
}

// mergeProvenance adds draft's claims, evidence and references to rule.
// Unpublished rules also take the lower confidence.
func mergeProvenance(rule, draft *model.RegulatoryRule) bool {
	before := len(rule.ClaimIDs)
	rule.ClaimIDs = sortedUnique(append(rule.ClaimIDs, draft.ClaimIDs...))
	if len(rule.ClaimIDs) == before {
		return false
	}
	rule.EvidenceIDs = sortedUnique(append(rule.EvidenceIDs, draft.EvidenceIDs...))
	rule.SourceRefs = sortedUnique(append(rule.SourceRefs, draft.SourceRefs...))
	if (rule.Status == model.StatusDraft || rule.Status == model.StatusPendingReview) && draft.Confidence < rule.Confidence {
		rule.Confidence = draft.Confidence
		rule.BaseConfidence = draft.Confidence
	}
	return true
}

func minConfidence(claims []*model.AtomicClaim) float64 {
	lowest := 1.0
	for _, c := range claims {
		if c.Confidence < lowest {
			lowest = c.Confidence
		}
	}
	return lowest
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
