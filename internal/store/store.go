// Package store persists pipeline records. Every write is keyed by a stable
// natural key so stage workers can re-run jobs without duplicating rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/statute/internal/model"
)

// Sentinel errors returned (optionally wrapped) by every Repository implementation
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")          // Stale revision or unique key clash
	ErrDuplicateVersion = errors.New("duplicate version") // Release version already taken
)

// Repository is the persistent store used by every stage
type Repository interface {
	CreateSource(ctx context.Context, s *model.Source) error
	GetSource(ctx context.Context, id string) (*model.Source, error)
	ListSources(ctx context.Context, activeOnly bool) ([]*model.Source, error)
	UpdateSource(ctx context.Context, s *model.Source) error

	// CreateEvidence inserts e. ErrConflict when the id or e.ChainKey is taken.
	CreateEvidence(ctx context.Context, e *model.Evidence) error
	GetEvidence(ctx context.Context, id string) (*model.Evidence, error)
	LatestEvidence(ctx context.Context, sourceID string) (*model.Evidence, error)
	RecordCheck(ctx context.Context, c model.SourceCheck) error
	LastConfirmed(ctx context.Context, evidenceID string) (time.Time, error)

	// UpsertClaim inserts by DedupeKey. On a duplicate it loads the stored claim into c and returns false.
	UpsertClaim(ctx context.Context, c *model.AtomicClaim) (bool, error)
	GetClaim(ctx context.Context, id string) (*model.AtomicClaim, error)
	ListClaimsByEvidence(ctx context.Context, evidenceID string) ([]*model.AtomicClaim, error)

	// UpsertRule inserts by Key. On a duplicate it loads the stored rule into r and returns false.
	UpsertRule(ctx context.Context, r *model.RegulatoryRule) (bool, error)
	GetRule(ctx context.Context, id string) (*model.RegulatoryRule, error)
	// UpdateRule writes r if r.Revision matches the stored revision, then bumps it. ErrConflict otherwise.
	UpdateRule(ctx context.Context, r *model.RegulatoryRule) error
	ListRules(ctx context.Context, f model.RuleFilter) ([]*model.RegulatoryRule, error)

	// UpsertConflict inserts by Key. On a duplicate it loads the stored record into c and returns false.
	UpsertConflict(ctx context.Context, c *model.ConflictRecord) (bool, error)
	GetConflict(ctx context.Context, id string) (*model.ConflictRecord, error)
	UpdateConflict(ctx context.Context, c *model.ConflictRecord) error
	ListConflicts(ctx context.Context, f model.ConflictFilter) ([]*model.ConflictRecord, error)

	LatestRelease(ctx context.Context) (*model.RuleRelease, error)
	GetRelease(ctx context.Context, version int64) (*model.RuleRelease, error)
	// PublishRelease atomically updates the promoted rules and inserts the release.
	// Nothing is written when any step fails.
	PublishRelease(ctx context.Context, rel *model.RuleRelease, promoted []*model.RegulatoryRule) error

	Close() error
}
