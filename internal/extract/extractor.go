// Package extract turns changed Evidence into validated, provenance-linked
// AtomicClaims and hands them to the Composer grouped by concept.
package extract

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/concept"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/metrics"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/store"
)

const actor = string(model.StageExtract)

// Rejection is the dead-letter payload of a rejected candidate. Its
// evidenceId and runId make a replay re-extract the whole Evidence.
type Rejection struct {
	EvidenceID string                `json:"evidenceId"`
	RunID      string                `json:"runId"`
	Index      int                   `json:"index"`
	Reason     string                `json:"reason"`
	Detail     string                `json:"detail"`
	Candidate  *model.ClaimCandidate `json:"candidate,omitempty"`
}

// Extractor is the second pipeline stage
type Extractor struct {
	repo      store.Repository
	queue     queue.Queue
	model     Model
	validator *Validator
	audit     *audit.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Extractor
type Option func(*Extractor)

func WithAudit(a *audit.Recorder) Option    { return func(e *Extractor) { e.audit = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Extractor) { e.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(e *Extractor) { e.logger = l } }
func WithClock(now func() time.Time) Option { return func(e *Extractor) { e.now = now } }

// New creates an Extractor
func New(repo store.Repository, q queue.Queue, m Model, taxonomy *concept.Taxonomy, cfg model.ExtractConfig, opts ...Option) *Extractor {
	e := &Extractor{
		repo:   repo,
		queue:  q,
		model:  m,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	e.validator = NewValidator(taxonomy, cfg.NearVerbatimThreshold, e.now)
	e.logger = e.logger.With("stage", actor)
	return e
}

// Handle implements worker.Handler for the extract stage
func (e *Extractor) Handle(ctx context.Context, job *queue.Job) error {
	var payload model.ExtractJob
	if err := job.Decode(&payload); err != nil {
		return fault.Validation("decode extract job", "%v", err)
	}
	ev, err := e.repo.GetEvidence(ctx, payload.EvidenceID)
	if errors.Is(err, store.ErrNotFound) {
		return fault.Validation("extract job", "unknown evidence %s", payload.EvidenceID)
	}
	if err != nil {
		return fault.Transient("load evidence", err)
	}
	_, err = e.Extract(ctx, ev, payload.RunID)
	return err
}

// Result summarizes one extraction run
type Result struct {
	Accepted   int // Claims created by this run
	Duplicates int // Claims already stored by an earlier run
	Rejected   int
	Concepts   []string
}

// Extract runs the model over ev, stores valid claims and enqueues one
// compose job per concept. Evidence without a change does nothing.
func (e *Extractor) Extract(ctx context.Context, ev *model.Evidence, runID string) (*Result, error) {
	res := &Result{}
	if !ev.HasChanged {
		e.logger.Debug("evidence unchanged, skipping", "evidence_id", ev.ID)
		return res, nil
	}

	raw, err := e.model.Extract(ctx, Input{
		EvidenceID:   ev.ID,
		URL:          ev.URL,
		Jurisdiction: ev.Jurisdiction,
		Authority:    ev.Authority,
		ContentHash:  ev.ContentHash,
		Text:         ev.Text,
	})
	if err != nil {
		return nil, err
	}
	candidates, err := ParseOutput(raw)
	if err != nil {
		e.metrics.Claim("rejected", ReasonSchema)
		return nil, fault.Validation("extract evidence "+ev.ID, "%v", err)
	}

	byConcept := make(map[string][]string)
	for i, rawCand := range candidates {
		verdict := e.validator.Check(ev, rawCand, runID)
		if !verdict.Accepted() {
			res.Rejected++
			if err := e.rejected(ctx, ev, runID, i, verdict); err != nil {
				return nil, err
			}
			continue
		}

		claim := verdict.Claim
		created, err := e.repo.UpsertClaim(ctx, claim)
		if err != nil {
			return nil, fault.Transient("store claim", err)
		}
		if created {
			res.Accepted++
			e.metrics.Claim("accepted", "")
			e.audit.Emit(ctx, audit.ClaimAccepted, claim.ID, actor, map[string]string{
				"evidence_id": ev.ID,
				"concept_id":  claim.ConceptID,
				"run_id":      runID,
			})
		} else {
			res.Duplicates++
		}
		byConcept[claim.ConceptID] = appendUnique(byConcept[claim.ConceptID], claim.ID)
	}

	for conceptID := range byConcept {
		res.Concepts = append(res.Concepts, conceptID)
	}
	sort.Strings(res.Concepts)
	for _, conceptID := range res.Concepts {
		ids := byConcept[conceptID]
		sort.Strings(ids)
		job := model.ComposeJob{ClaimIDs: ids, ConceptID: conceptID, RunID: runID}
		if _, err := e.queue.Enqueue(ctx, model.StageCompose, job); err != nil {
			return nil, fault.Transient("enqueue compose", err)
		}
	}

	e.logger.Info("evidence extracted",
		"evidence_id", ev.ID,
		"run_id", runID,
		"model", e.model.Name(),
		"accepted", res.Accepted,
		"duplicates", res.Duplicates,
		"rejected", res.Rejected,
		"concepts", len(res.Concepts))
	return res, nil
}

// rejected logs, audits and dead-letters one invalid candidate
func (e *Extractor) rejected(ctx context.Context, ev *model.Evidence, runID string, index int, v Verdict) error {
	e.metrics.Claim("rejected", v.Reason)
	e.logger.Warn("claim rejected", "evidence_id", ev.ID, "index", index, "reason", v.Reason, "detail", v.Detail)

	job, err := queue.NewJob(model.StageExtract, Rejection{
		EvidenceID: ev.ID,
		RunID:      runID,
		Index:      index,
		Reason:     v.Reason,
		Detail:     v.Detail,
		Candidate:  v.Candidate,
	})
	if err != nil {
		return fault.Transient("encode rejection", err)
	}
	job.Fail(fault.Validation("validate claim", "%s: %s", v.Reason, v.Detail), e.now())
	dl, err := e.queue.DeadLetter(ctx, job, fault.KindValidation.String())
	if err != nil {
		return fault.Transient("dead-letter rejection", err)
	}

	e.audit.Emit(ctx, audit.ClaimRejected, ev.ID, actor, map[string]string{
		"run_id":         runID,
		"index":          strconv.Itoa(index),
		"reason":         v.Reason,
		"dead_letter_id": dl.ID,
	})
	return nil
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

