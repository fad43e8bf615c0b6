package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/queue"
)

// Decide records a human review decision on a PENDING_REVIEW rule
func (s *System) Decide(ctx context.Context, ruleID string, decision model.Decision, rationale, reviewer string) (*model.RegulatoryRule, error) {
	return s.Reviewer.Decide(ctx, ruleID, decision, rationale, reviewer)
}

// Revalidate resets a rule's confidence after a human re-confirmed it
func (s *System) Revalidate(ctx context.Context, ruleID string, confidence float64, evidenceID, by string) (*model.RegulatoryRule, error) {
	return s.Decay.Revalidate(ctx, ruleID, confidence, evidenceID, by)
}

// DeadLetters lists dead-lettered jobs in the order they failed
func (s *System) DeadLetters(ctx context.Context) ([]*model.DeadLetter, error) {
	return s.Queue.DeadLetters(ctx)
}

// DeadLetter returns one dead letter; the error wraps queue.ErrNotFound
func (s *System) DeadLetter(ctx context.Context, id string) (*model.DeadLetter, error) {
	return s.Queue.GetDeadLetter(ctx, id)
}

// Replay puts a dead-lettered job back on its stage queue with attempts
// reset. Replay is always an operator act.
func (s *System) Replay(ctx context.Context, id, by string) (*queue.Job, error) {
	job, err := s.Queue.Replay(ctx, id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return nil, fault.Validation("replay", "unknown dead letter %s", id)
	case errors.Is(err, queue.ErrAlreadyReplayed):
		return nil, fault.Validation("replay", "dead letter %s already replayed", id)
	case err != nil:
		return nil, fmt.Errorf("replay %s: %w", id, err)
	}
	s.logger.Info("dead letter replayed", "dead_letter_id", id, "job_id", job.ID, "stage", string(job.Stage))
	s.Audit.Emit(ctx, audit.JobReplayed, id, "operator", map[string]string{
		"job_id": job.ID,
		"stage":  string(job.Stage),
		"by":     by,
	})
	return job, nil
}
