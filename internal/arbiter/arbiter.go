package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/concept"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/predicate"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/store"
)

// Verdict is the outcome of precedence between two conflicting rules
type Verdict struct {
	Winner    *model.RegulatoryRule
	Loser     *model.RegulatoryRule
	TieBreak  model.TieBreak
	Rationale string
}

// Precedence applies the tie-break order to a and b. ok is false when no
// automatic rule decides and the pair needs a human.
func Precedence(a, b *model.RegulatoryRule, taxonomy *concept.Taxonomy) (v Verdict, ok bool, err error) {
	ea, err := predicate.Parse(a.AppliesWhen)
	if err != nil {
		return Verdict{}, false, fmt.Errorf("rule %s: %w", a.ID, err)
	}
	eb, err := predicate.Parse(b.AppliesWhen)
	if err != nil {
		return Verdict{}, false, fmt.Errorf("rule %s: %w", b.ID, err)
	}

	switch {
	case predicate.Specializes(ea.Base, eb.Base):
		return specialis(a, b), true, nil
	case predicate.Specializes(eb.Base, ea.Base):
		return specialis(b, a), true, nil
	}

	if predicate.Equivalent(ea.Base, eb.Base) && a.ConceptID != b.ConceptID {
		switch {
		case taxonomy.Overrides(a.ConceptID, b.ConceptID):
			return specificity(a, b), true, nil
		case taxonomy.Overrides(b.ConceptID, a.ConceptID):
			return specificity(b, a), true, nil
		}
	}

	switch {
	case a.EffectiveFrom.After(b.EffectiveFrom):
		return later(a, b), true, nil
	case b.EffectiveFrom.After(a.EffectiveFrom):
		return later(b, a), true, nil
	}
	return Verdict{}, false, nil
}

func specialis(w, l *model.RegulatoryRule) Verdict {
	return Verdict{
		Winner:    w,
		Loser:     l,
		TieBreak:  model.TieBreakLexSpecialis,
		Rationale: fmt.Sprintf("rule %s applies to a narrower case than rule %s", w.ID, l.ID),
	}
}

func specificity(w, l *model.RegulatoryRule) Verdict {
	return Verdict{
		Winner:    w,
		Loser:     l,
		TieBreak:  model.TieBreakConceptSpecificity,
		Rationale: fmt.Sprintf("concept %s overrides %s", w.ConceptID, l.ConceptID),
	}
}

func later(w, l *model.RegulatoryRule) Verdict {
	rationale := fmt.Sprintf("effective from %s, after %s",
		w.EffectiveFrom.Format(model.DateLayout), l.EffectiveFrom.Format(model.DateLayout))
	return Verdict{Winner: w, Loser: l, TieBreak: model.TieBreakLaterEffective, Rationale: rationale}
}

// Arbiter resolves open conflicts. It owns the only automatic path to
// SUPERSEDED and never deletes a rule.
type Arbiter struct {
	settings
	repo     store.Repository
	queue    queue.Queue
	taxonomy *concept.Taxonomy
}

// New creates an Arbiter
func New(repo store.Repository, q queue.Queue, taxonomy *concept.Taxonomy, opts ...Option) *Arbiter {
	return &Arbiter{settings: newSettings(opts), repo: repo, queue: q, taxonomy: taxonomy}
}

// Handle processes one arbiter job
func (a *Arbiter) Handle(ctx context.Context, job *queue.Job) error {
	var p model.ArbiterJob
	if err := job.Decode(&p); err != nil {
		return fault.Validation("decode arbiter job", "%v", err)
	}
	_, err := a.Resolve(ctx, p.ConflictID, p.RunID)
	return err
}

// Resolve decides one open conflict. Conflicts already resolved or
// escalated are returned unchanged.
func (a *Arbiter) Resolve(ctx context.Context, conflictID, runID string) (*model.ConflictRecord, error) {
	c, err := a.conflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.ConflictOpen {
		return c, nil
	}
	rules, err := a.rules(ctx, c)
	if err != nil {
		return nil, err
	}
	ra, rb := rules[0], rules[1]

	for _, r := range rules {
		if r.Status.Terminal() {
			c.Rationale = fmt.Sprintf("rule %s is %s", r.ID, r.Status)
			return c, a.close(ctx, c, nil, runID, rules)
		}
	}
	// Windows or supersessions may have moved since detection
	if _, _, still, err := Compare(ra, rb); err != nil {
		return nil, fault.Validation("compare rules", "%v", err)
	} else if !still {
		c.Rationale = "rules no longer overlap"
		return c, a.close(ctx, c, nil, runID, rules)
	}

	v, ok, err := Precedence(ra, rb, a.taxonomy)
	if err != nil {
		return nil, fault.Validation("precedence", "%v", err)
	}
	if !ok {
		return c, a.escalate(ctx, c, ra, rb, runID)
	}

	if err := a.supersede(ctx, v.Loser, v.Winner, v.Rationale, runID); err != nil {
		return nil, err
	}
	c.Rationale = v.Rationale
	c.Resolution = &model.Resolution{
		WinnerID:  v.Winner.ID,
		LoserIDs:  []string{v.Loser.ID},
		TieBreak:  v.TieBreak,
		DecidedBy: actor,
		DecidedAt: a.now(),
	}
	return c, a.close(ctx, c, c.Resolution, runID, rules)
}

// Adjudicate closes an escalated or open conflict with a human decision.
// The loser is superseded for the overlap unless it already left play.
func (a *Arbiter) Adjudicate(ctx context.Context, conflictID, winnerID, decidedBy, rationale string) (*model.ConflictRecord, error) {
	c, err := a.conflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Status == model.ConflictResolved {
		return c, nil
	}
	if !c.Involves(winnerID) {
		return nil, fault.Validation("adjudicate", "rule %s is not part of conflict %s", winnerID, c.ID)
	}
	rules, err := a.rules(ctx, c)
	if err != nil {
		return nil, err
	}
	winner, loser := rules[0], rules[1]
	if winner.ID != winnerID {
		winner, loser = loser, winner
	}

	if !loser.Status.Terminal() {
		if err := a.supersede(ctx, loser, winner, rationale, c.RunID); err != nil {
			return nil, err
		}
	}
	c.Rationale = rationale
	c.Resolution = &model.Resolution{
		WinnerID:  winner.ID,
		LoserIDs:  []string{loser.ID},
		TieBreak:  model.TieBreakHuman,
		DecidedBy: decidedBy,
		DecidedAt: a.now(),
	}
	return c, a.close(ctx, c, c.Resolution, c.RunID, rules)
}

func (a *Arbiter) conflict(ctx context.Context, id string) (*model.ConflictRecord, error) {
	c, err := a.repo.GetConflict(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Validation("load conflict", "conflict %s not found", id)
	}
	if err != nil {
		return nil, fault.Transient("load conflict", err)
	}
	return c, nil
}

func (a *Arbiter) rules(ctx context.Context, c *model.ConflictRecord) ([]*model.RegulatoryRule, error) {
	if len(c.RuleIDs) != 2 {
		return nil, fault.Validation("load rules", "conflict %s has %d rules, want 2", c.ID, len(c.RuleIDs))
	}
	out := make([]*model.RegulatoryRule, 0, 2)
	for _, id := range c.RuleIDs {
		r, err := a.repo.GetRule(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Validation("load rules", "rule %s not found", id)
		}
		if err != nil {
			return nil, fault.Transient("load rules", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// supersede takes loser out of effect where it overlaps winner. The rule
// becomes SUPERSEDED only once nothing of its window is left.
func (a *Arbiter) supersede(ctx context.Context, loser, winner *model.RegulatoryRule, rationale, runID string) error {
	overlap, ok := loser.Window().Intersect(winner.Window())
	if !ok {
		return nil
	}
	now := a.now()
	from := loser.Status
	loser.Supersessions = append(loser.Supersessions, model.Supersession{
		By:        winner.ID,
		From:      overlap.From,
		Until:     overlap.Until,
		Rationale: rationale,
	})
	loser.UpdatedAt = now
	if loser.FullySuperseded() {
		if err := loser.Transition(model.StatusSuperseded, now); err != nil {
			return fault.Integrity("supersede", err)
		}
	}
	if err := a.repo.UpdateRule(ctx, loser); err != nil {
		return fault.Transient("update rule", err)
	}
	a.logger.Info("rule superseded", "rule_id", loser.ID, "by", winner.ID, "window", overlap.String(), "status", loser.Status)
	if loser.Status != from {
		a.statusChanged(ctx, loser, from, runID)
	}
	// A published rule lost part of its window; the next release must reflect it
	if from == model.StatusPublished {
		if _, err := a.queue.Enqueue(ctx, model.StageRelease, model.ReleaseJob{RunID: runID, RuleIDsSinceLastRelease: []string{loser.ID}}); err != nil {
			return fault.Transient("enqueue release", err)
		}
	}
	return nil
}

// escalate holds the more confident rule and sends the other to review.
// With equal confidence both go.
func (a *Arbiter) escalate(ctx context.Context, c *model.ConflictRecord, ra, rb *model.RegulatoryRule, runID string) error {
	var demote []*model.RegulatoryRule
	switch {
	case ra.Confidence > rb.Confidence:
		demote = []*model.RegulatoryRule{rb}
	case rb.Confidence > ra.Confidence:
		demote = []*model.RegulatoryRule{ra}
	default:
		demote = []*model.RegulatoryRule{ra, rb}
	}

	now := a.now()
	for _, r := range demote {
		from := r.Status
		if err := r.Transition(model.StatusPendingReview, now); err != nil {
			return fault.Integrity("escalate", err)
		}
		if from == r.Status {
			continue
		}
		if err := a.repo.UpdateRule(ctx, r); err != nil {
			return fault.Transient("update rule", err)
		}
		a.statusChanged(ctx, r, from, runID)
	}

	c.Status = model.ConflictEscalated
	c.Rationale = "no precedence rule applies; human adjudication required"
	c.UpdatedAt = now
	if err := a.repo.UpdateConflict(ctx, c); err != nil {
		return fault.Transient("update conflict", err)
	}
	a.metrics.Conflict("escalated", "")
	a.logger.Warn("conflict escalated", "conflict_id", c.ID, "rule_a", ra.ID, "rule_b", rb.ID)
	a.audit.Emit(ctx, audit.ConflictEscalated, c.ID, actor, map[string]string{
		"rule_a":  ra.ID,
		"rule_b":  rb.ID,
		"demoted": fmt.Sprint(len(demote)),
		"run_id":  runID,
	})
	return a.rereview(ctx, runID, ra, rb)
}

func (a *Arbiter) close(ctx context.Context, c *model.ConflictRecord, res *model.Resolution, runID string, rules []*model.RegulatoryRule) error {
	c.Status = model.ConflictResolved
	c.UpdatedAt = a.now()
	if err := a.repo.UpdateConflict(ctx, c); err != nil {
		return fault.Transient("update conflict", err)
	}

	attrs := map[string]string{"rationale": c.Rationale, "run_id": runID}
	tieBreak := ""
	if res != nil {
		tieBreak = string(res.TieBreak)
		attrs["winner"] = res.WinnerID
		attrs["loser"] = res.LoserIDs[0]
		attrs["tie_break"] = tieBreak
		attrs["decided_by"] = res.DecidedBy
	}
	a.metrics.Conflict("resolved", tieBreak)
	a.logger.Info("conflict resolved", "conflict_id", c.ID, "tie_break", tieBreak)
	a.audit.Emit(ctx, audit.ConflictResolved, c.ID, actor, attrs)

	// Reload so the review jobs see post-supersession state
	fresh := make([]*model.RegulatoryRule, 0, len(rules))
	for _, r := range rules {
		got, err := a.repo.GetRule(ctx, r.ID)
		if err != nil {
			return fault.Transient("reload rule", err)
		}
		fresh = append(fresh, got)
	}
	return a.rereview(ctx, runID, fresh...)
}

// rereview queues review for rules whose review was deferred by the conflict
func (a *Arbiter) rereview(ctx context.Context, runID string, rules ...*model.RegulatoryRule) error {
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.Status == model.StatusDraft {
			ids = append(ids, r.ID)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := a.queue.Enqueue(ctx, model.StageReview, model.ReviewJob{RuleID: id, RunID: runID}); err != nil {
			return fault.Transient("enqueue review", err)
		}
	}
	return nil
}

func (a *Arbiter) statusChanged(ctx context.Context, r *model.RegulatoryRule, from model.RuleStatus, runID string) {
	a.metrics.RuleTransition(string(from), string(r.Status))
	a.audit.Emit(ctx, audit.RuleStatusChanged, r.ID, actor, map[string]string{
		"from":   string(from),
		"to":     string(r.Status),
		"run_id": runID,
	})
}
