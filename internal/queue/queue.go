// Package queue provides the durable at-least-once handoff between pipeline stages.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/statute/internal/model"
)

var (
	// ErrClosed is returned by Dequeue after Close
	ErrClosed = errors.New("queue closed")
	// ErrAlreadyReplayed guards against double replay of a dead letter
	ErrAlreadyReplayed = errors.New("dead letter already replayed")
	// ErrNotFound is returned for unknown dead-letter ids
	ErrNotFound = errors.New("dead letter not found")
)

// Job is the envelope carried through a stage queue
type Job struct {
	ID            string          `json:"id"`
	Stage         model.Stage     `json:"stage"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"` // Failed attempts so far
	FirstFailedAt *time.Time      `json:"first_failed_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`

	receipt string // Backend delivery handle
}

// NewJob wraps payload for stage
func NewJob(stage model.Stage, payload any) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", stage, err)
	}
	return &Job{
		ID:         uuid.NewString(),
		Stage:      stage,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s job %s: %w", j.Stage, j.ID, err)
	}
	return nil
}

// Fail records a failed attempt
func (j *Job) Fail(cause error, at time.Time) {
	j.Attempts++
	if j.FirstFailedAt == nil {
		t := at
		j.FirstFailedAt = &t
	}
	if cause != nil {
		j.LastError = cause.Error()
	}
}

// Queue moves jobs between stages. Delivery is at-least-once: a job that is
// neither acked, retried nor dead-lettered is delivered again.
type Queue interface {
	Enqueue(ctx context.Context, stage model.Stage, payload any) (*Job, error)
	// Dequeue blocks until a job is ready, ctx is done or the queue is closed
	Dequeue(ctx context.Context, stage model.Stage) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Retry re-delivers job after delay
	Retry(ctx context.Context, job *Job, delay time.Duration) error
	// DeadLetter moves job to terminal storage; only Replay brings it back
	DeadLetter(ctx context.Context, job *Job, kind string) (*model.DeadLetter, error)
	DeadLetters(ctx context.Context) ([]*model.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetter, error)
	Replay(ctx context.Context, id string) (*Job, error)
	// Pending counts ready and delayed jobs for stage
	Pending(ctx context.Context, stage model.Stage) (int64, error)
	Close() error
}

func deadLetterFor(job *Job, kind string, at time.Time) *model.DeadLetter {
	first := at
	if job.FirstFailedAt != nil {
		first = *job.FirstFailedAt
	}
	return &model.DeadLetter{
		ID:              uuid.NewString(),
		JobID:           job.ID,
		Stage:           job.Stage,
		OriginalPayload: job.Payload,
		Error:           job.LastError,
		Kind:            kind,
		Attempts:        job.Attempts,
		FirstFailedAt:   first,
		DeadLetteredAt:  at,
	}
}

// replayJob builds a fresh job from a dead letter with attempts reset
func replayJob(dl *model.DeadLetter) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Stage:      dl.Stage,
		Payload:    dl.OriginalPayload,
		EnqueuedAt: time.Now().UTC(),
	}
}
