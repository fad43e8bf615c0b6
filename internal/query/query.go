// Package query is the read surface over published rules: point-in-time
// lookups, fact evaluation, releases and the revalidation report.
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ppiankov/statute/internal/concept"
	"github.com/ppiankov/statute/internal/decay"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/predicate"
	"github.com/ppiankov/statute/internal/release"
	"github.com/ppiankov/statute/internal/store"
)

// Reporter produces the revalidation report
type Reporter interface {
	Report(ctx context.Context, floor float64) ([]decay.Entry, error)
}

// Service answers read queries
type Service struct {
	repo     store.Repository
	taxonomy *concept.Taxonomy
	eval     *predicate.Evaluator
	reporter Reporter
}

// New creates a Service
func New(repo store.Repository, taxonomy *concept.Taxonomy, eval *predicate.Evaluator, reporter Reporter) *Service {
	return &Service{repo: repo, taxonomy: taxonomy, eval: eval, reporter: reporter}
}

// AsOf returns the PUBLISHED rules for conceptID in force on date, outside
// any superseded window, ordered by key
func (s *Service) AsOf(ctx context.Context, conceptID string, date time.Time) ([]*model.RegulatoryRule, error) {
	if _, ok := s.taxonomy.Get(conceptID); !ok {
		return nil, fault.Validation("as-of", "unknown concept %q", conceptID)
	}
	rules, err := s.repo.ListRules(ctx, model.RuleFilter{
		ConceptIDs: []string{conceptID},
		Statuses:   []model.RuleStatus{model.StatusPublished},
	})
	if err != nil {
		return nil, fault.Transient("list rules", err)
	}
	out := rules[:0]
	for _, r := range rules {
		if r.EffectiveOn(date) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Evaluation is one rule's answer for a set of facts
type Evaluation struct {
	RuleID        string              `json:"rule_id"`
	AssertionType model.AssertionType `json:"assertion_type"`
	SourceRefs    []string            `json:"source_refs"`
	Confidence    float64             `json:"confidence"`
	predicate.Outcome
}

// Evaluate runs every rule in force on date against facts and returns
// those whose applies-when condition holds
func (s *Service) Evaluate(ctx context.Context, conceptID string, date time.Time, facts map[string]any) ([]Evaluation, error) {
	rules, err := s.AsOf(ctx, conceptID, date)
	if err != nil {
		return nil, err
	}
	var out []Evaluation
	for _, r := range rules {
		expr, err := predicate.Parse(r.AppliesWhen)
		if err != nil {
			return nil, fault.Integrity("parse applies-when", fmt.Errorf("rule %s: %w", r.ID, err))
		}
		res, err := s.eval.Resolve(expr, r.Value, facts)
		if err != nil {
			return nil, fault.Validation("evaluate", "rule %s: %v", r.ID, err)
		}
		if !res.Applies {
			continue
		}
		out = append(out, Evaluation{
			RuleID:        r.ID,
			AssertionType: r.AssertionType,
			SourceRefs:    r.SourceRefs,
			Confidence:    r.Confidence,
			Outcome:       res,
		})
	}
	return out, nil
}

// CurrentRelease returns the latest release; the error wraps
// store.ErrNotFound before the first release
func (s *Service) CurrentRelease(ctx context.Context) (*model.RuleRelease, error) {
	return s.repo.LatestRelease(ctx)
}

// Release returns one release by version
func (s *Service) Release(ctx context.Context, version int64) (*model.RuleRelease, error) {
	return s.repo.GetRelease(ctx, version)
}

// VerifyRelease recomputes the hash of a stored release
func (s *Service) VerifyRelease(ctx context.Context, version int64) (*model.RuleRelease, error) {
	rel, err := s.repo.GetRelease(ctx, version)
	if err != nil {
		return nil, err
	}
	return rel, release.Verify(rel)
}

// Revalidation lists published rules needing revalidation below floor
func (s *Service) Revalidation(ctx context.Context, floor float64) ([]decay.Entry, error) {
	return s.reporter.Report(ctx, floor)
}

// Conflicts lists conflict records, optionally only those still awaiting
// the Arbiter or a human
func (s *Service) Conflicts(ctx context.Context, unresolvedOnly bool) ([]*model.ConflictRecord, error) {
	f := model.ConflictFilter{}
	if unresolvedOnly {
		f.Statuses = []model.ConflictStatus{model.ConflictOpen, model.ConflictEscalated}
	}
	out, err := s.repo.ListConflicts(ctx, f)
	if err != nil {
		return nil, fault.Transient("list conflicts", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Rule returns one rule by id
func (s *Service) Rule(ctx context.Context, id string) (*model.RegulatoryRule, error) {
	return s.repo.GetRule(ctx, id)
}
