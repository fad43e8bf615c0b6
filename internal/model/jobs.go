package model

import (
	"encoding/json"
	"time"
)

// Stage names a pipeline stage and its queue
type Stage string

const (
	StageSentinel Stage = "sentinel"
	StageExtract  Stage = "extract"
	StageCompose  Stage = "compose"
	StageReview   Stage = "review"
	StageArbiter  Stage = "arbiter"
	StageRelease  Stage = "release"
)

// Stages lists every stage in pipeline order
var Stages = []Stage{StageSentinel, StageExtract, StageCompose, StageReview, StageArbiter, StageRelease}

// SentinelJob asks Sentinel to poll one source
type SentinelJob struct {
	SourceID       string `json:"sourceId"`
	ScheduledFetch bool   `json:"scheduledFetch"`
}

// ExtractJob asks the Extractor to process changed Evidence
type ExtractJob struct {
	EvidenceID string `json:"evidenceId"`
	RunID      string `json:"runId"`
}

// ComposeJob carries newly staged claims for one concept
type ComposeJob struct {
	ClaimIDs  []string `json:"claimIds"`
	ConceptID string   `json:"conceptId"`
	RunID     string   `json:"runId"`
}

// Decision is a human review outcome
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ReviewJob asks the Reviewer to evaluate a rule or apply a human decision
type ReviewJob struct {
	RuleID    string   `json:"ruleId"`
	Decision  Decision `json:"decision,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
	Reviewer  string   `json:"reviewer,omitempty"`
	RunID     string   `json:"runId,omitempty"`
}

// ArbiterJob asks the Arbiter to resolve one conflict
type ArbiterJob struct {
	ConflictID string `json:"conflictId"`
	RunID      string `json:"runId"`
}

// ReleaseJob asks the Releaser to cut a release
type ReleaseJob struct {
	RunID                   string   `json:"runId"`
	RuleIDsSinceLastRelease []string `json:"ruleIdsSinceLastRelease"`
}

// DeadLetter is a job that exhausted retries or failed permanently
type DeadLetter struct {
	ID              string          `json:"id"`
	JobID           string          `json:"job_id"`
	Stage           Stage           `json:"stage"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	Error           string          `json:"error"`
	Kind            string          `json:"kind"` // transient, validation, integrity
	Attempts        int             `json:"attempts"`
	FirstFailedAt   time.Time       `json:"first_failed_at"`
	DeadLetteredAt  time.Time       `json:"dead_lettered_at"`
	Replayed        bool            `json:"replayed"`
	ReplayedAt      *time.Time      `json:"replayed_at,omitempty"`
}
