// Package review moves DRAFT rules through the approval gate. Rules either
// pass the auto-approval policy and go to the Releaser, or wait in
// PENDING_REVIEW for a human decision delivered through Decide.
package review

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/metrics"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/store"
)

const actor = string(model.StageReview)

// Detector opens conflicts for a rule and returns the unresolved ones
type Detector interface {
	Detect(ctx context.Context, rule *model.RegulatoryRule, runID string) ([]*model.ConflictRecord, error)
}

// Adjudicator closes a conflict with a human-chosen winner
type Adjudicator interface {
	Adjudicate(ctx context.Context, conflictID, winnerID, decidedBy, rationale string) (*model.ConflictRecord, error)
}

// Reviewer is the review stage
type Reviewer struct {
	repo        store.Repository
	queue       queue.Queue
	detector    Detector
	adjudicator Adjudicator
	policy      Policy
	audit       *audit.Recorder
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Reviewer
type Option func(*Reviewer)

func WithAudit(a *audit.Recorder) Option    { return func(r *Reviewer) { r.audit = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Reviewer) { r.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(r *Reviewer) { r.logger = l } }
func WithClock(now func() time.Time) Option { return func(r *Reviewer) { r.now = now } }

// New creates a Reviewer
func New(repo store.Repository, q queue.Queue, d Detector, adj Adjudicator, policy Policy, opts ...Option) *Reviewer {
	r := &Reviewer{
		repo:        repo,
		queue:       q,
		detector:    d,
		adjudicator: adj,
		policy:      policy,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("stage", actor)
	return r
}

// Handle processes one review job: a policy evaluation, or a human
// decision when the job carries one
func (r *Reviewer) Handle(ctx context.Context, job *queue.Job) error {
	var p model.ReviewJob
	if err := job.Decode(&p); err != nil {
		return fault.Validation("decode review job", "%v", err)
	}
	if p.Decision != "" {
		_, err := r.Decide(ctx, p.RuleID, p.Decision, p.Rationale, p.Reviewer)
		return err
	}
	_, err := r.Review(ctx, p.RuleID, p.RunID)
	return err
}

// Review applies the auto-approval policy to a DRAFT rule. Rules in any
// other status are returned unchanged, so redelivered jobs are harmless.
func (r *Reviewer) Review(ctx context.Context, ruleID, runID string) (*model.RegulatoryRule, error) {
	rule, err := r.rule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status != model.StatusDraft {
		return rule, nil
	}

	var conflicts []*model.ConflictRecord
	if !r.policy.Rejects(rule) {
		if conflicts, err = r.detector.Detect(ctx, rule, runID); err != nil {
			return nil, err
		}
	}
	// The Arbiter re-queues DRAFT rules once it closes or escalates the conflict
	if c := awaitingArbiter(conflicts); c != nil {
		r.logger.Info("rule awaiting arbitration", "rule_id", rule.ID, "conflict_id", c.ID)
		return rule, nil
	}
	out := r.policy.Evaluate(rule, conflicts)
	if err := r.move(ctx, rule, out.Status, out.Reason, "policy", runID); err != nil {
		return nil, err
	}
	r.logger.Info("rule reviewed", "rule_id", rule.ID, "status", rule.Status, "reason", out.Reason)
	if rule.Status == model.StatusApproved {
		if err := r.release(ctx, rule, runID); err != nil {
			return nil, err
		}
	}
	return rule, nil
}

// Decide applies a human decision to a rule in PENDING_REVIEW. Approving
// adjudicates escalated conflicts in the rule's favour; rejecting hands
// them to the other side. A rule with conflicts still awaiting the
// Arbiter cannot be approved yet.
func (r *Reviewer) Decide(ctx context.Context, ruleID string, decision model.Decision, rationale, reviewer string) (*model.RegulatoryRule, error) {
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		return nil, fault.Validation("decide", "unknown decision %q", decision)
	}
	if reviewer == "" || rationale == "" {
		return nil, fault.Validation("decide", "reviewer and rationale are required")
	}
	rule, err := r.rule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if decided(rule.Status, decision) {
		return rule, nil
	}
	if rule.Status != model.StatusPendingReview {
		return nil, fault.Validation("decide", "rule %s is %s, not %s", rule.ID, rule.Status, model.StatusPendingReview)
	}

	if decision == model.DecisionReject {
		if err := r.move(ctx, rule, model.StatusRejected, rationale, reviewer, rule.RunID); err != nil {
			return nil, err
		}
		return rule, r.adjudicate(ctx, rule, reviewer, rationale, false)
	}

	if rule.Confidence < r.policy.Floor {
		return nil, fault.Validation("decide", "confidence %.2f below floor %.2f", rule.Confidence, r.policy.Floor)
	}
	conflicts, err := r.detector.Detect(ctx, rule, rule.RunID)
	if err != nil {
		return nil, err
	}
	if c := awaitingArbiter(conflicts); c != nil {
		return nil, fault.Validation("decide", "conflict %s is awaiting arbitration", c.ID)
	}
	if err := r.adjudicate(ctx, rule, reviewer, rationale, true); err != nil {
		return nil, err
	}
	if err := r.move(ctx, rule, model.StatusApproved, rationale, reviewer, rule.RunID); err != nil {
		return nil, err
	}
	return rule, r.release(ctx, rule, rule.RunID)
}

func awaitingArbiter(conflicts []*model.ConflictRecord) *model.ConflictRecord {
	for _, c := range conflicts {
		if c.Status == model.ConflictOpen {
			return c
		}
	}
	return nil
}

func decided(s model.RuleStatus, d model.Decision) bool {
	if d == model.DecisionReject {
		return s == model.StatusRejected
	}
	return s == model.StatusApproved || s == model.StatusPublished
}

// adjudicate closes the escalated conflicts involving rule
func (r *Reviewer) adjudicate(ctx context.Context, rule *model.RegulatoryRule, reviewer, rationale string, wins bool) error {
	escalated, err := r.repo.ListConflicts(ctx, model.ConflictFilter{
		RuleID:   rule.ID,
		Statuses: []model.ConflictStatus{model.ConflictEscalated},
	})
	if err != nil {
		return fault.Transient("list conflicts", err)
	}
	for _, c := range escalated {
		winner := rule.ID
		if !wins {
			winner = c.Other(rule.ID)[0]
		}
		if _, err := r.adjudicator.Adjudicate(ctx, c.ID, winner, reviewer, rationale); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reviewer) move(ctx context.Context, rule *model.RegulatoryRule, next model.RuleStatus, reason, by, runID string) error {
	from := rule.Status
	if err := rule.Transition(next, r.now()); err != nil {
		return fault.Integrity("transition", err)
	}
	rule.ReviewRationale = reason
	if err := r.repo.UpdateRule(ctx, rule); err != nil {
		return fault.Transient("update rule", err)
	}
	r.metrics.RuleTransition(string(from), string(next))
	r.audit.Emit(ctx, audit.RuleStatusChanged, rule.ID, actor, map[string]string{
		"from":   string(from),
		"to":     string(next),
		"reason": reason,
		"by":     by,
		"run_id": runID,
	})
	return nil
}

func (r *Reviewer) release(ctx context.Context, rule *model.RegulatoryRule, runID string) error {
	if _, err := r.queue.Enqueue(ctx, model.StageRelease, model.ReleaseJob{RunID: runID, RuleIDsSinceLastRelease: []string{rule.ID}}); err != nil {
		return fault.Transient("enqueue release", err)
	}
	return nil
}

func (r *Reviewer) rule(ctx context.Context, id string) (*model.RegulatoryRule, error) {
	rule, err := r.repo.GetRule(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Validation("load rule", "rule %s not found", id)
	}
	if err != nil {
		return nil, fault.Transient("load rule", err)
	}
	return rule, nil
}
