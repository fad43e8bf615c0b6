// Package release cuts immutable, versioned, content-hashed releases of the
// published rule set. The hash always covers the whole snapshot so any
// release can be re-verified on its own.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/statute/internal/audit"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/metrics"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/queue"
	"github.com/ppiankov/statute/internal/store"
)

const (
	actor     = string(model.StageRelease)
	leaseName = "statute:release"
)

// ErrLeaseHeld is returned when another releaser holds the lease
var ErrLeaseHeld = errors.New("release lease held by another worker")

// Releaser is the release stage. Only one release computation runs at a
// time across all workers sharing the lease.
type Releaser struct {
	repo     store.Repository
	lease    queue.Lease
	ttl      time.Duration
	floor    float64
	exporter Exporter
	audit    *audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Releaser
type Option func(*Releaser)

func WithExporter(e Exporter) Option        { return func(r *Releaser) { r.exporter = e } }
func WithAudit(a *audit.Recorder) Option    { return func(r *Releaser) { r.audit = a } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Releaser) { r.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(r *Releaser) { r.logger = l } }
func WithClock(now func() time.Time) Option { return func(r *Releaser) { r.now = now } }

// New creates a Releaser. floor is the minimum confidence a rule needs
// at the moment it is published.
func New(repo store.Repository, lease queue.Lease, cfg model.ReleaseConfig, floor float64, opts ...Option) *Releaser {
	r := &Releaser{
		repo:   repo,
		lease:  lease,
		ttl:    cfg.LeaseTTL,
		floor:  floor,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if r.ttl <= 0 {
		r.ttl = 30 * time.Second
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("stage", actor)
	return r
}

// Handle processes one release job. The listed rule ids are a hint; every
// APPROVED rule is considered so a lost job is picked up by the next one.
func (r *Releaser) Handle(ctx context.Context, job *queue.Job) error {
	var p model.ReleaseJob
	if err := job.Decode(&p); err != nil {
		return fault.Validation("decode release job", "%v", err)
	}
	_, err := r.Release(ctx, p.RunID)
	return err
}

// Release promotes eligible APPROVED rules to PUBLISHED and persists a new
// release. When nothing changed it returns the current release. The
// promotion and the release row commit together or not at all.
func (r *Releaser) Release(ctx context.Context, runID string) (*model.RuleRelease, error) {
	unlock, ok, err := r.lease.Acquire(ctx, leaseName, r.ttl)
	if err != nil {
		return nil, fault.Transient("acquire lease", err)
	}
	if !ok {
		return nil, fault.Transient("acquire lease", ErrLeaseHeld)
	}
	rel, promoted, fresh, err := r.cut(ctx, runID)
	unlock()
	if err != nil || !fresh {
		return rel, err
	}

	r.announce(ctx, rel, promoted)
	r.export(ctx, rel)
	return rel, nil
}

// cut computes and persists the next release under the lease. fresh is
// false when the snapshot is unchanged and no release was written.
func (r *Releaser) cut(ctx context.Context, runID string) (rel *model.RuleRelease, promoted []*model.RegulatoryRule, fresh bool, err error) {
	latest, err := r.repo.LatestRelease(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, false, fault.Transient("latest release", err)
	}

	promoted, err = r.eligible(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	published, err := r.repo.ListRules(ctx, model.RuleFilter{Statuses: []model.RuleStatus{model.StatusPublished}})
	if err != nil {
		return nil, nil, false, fault.Transient("list published", err)
	}

	entries, ids := Snapshot(append(published, promoted...))
	hash, err := Hash(entries)
	if err != nil {
		return nil, nil, false, fault.Integrity("hash snapshot", err)
	}
	if len(promoted) == 0 {
		if latest != nil && latest.ContentHash == hash {
			return latest, nil, false, nil
		}
		if latest == nil && len(entries) == 0 {
			return nil, nil, false, nil
		}
	}

	var version int64 = 1
	if latest != nil {
		version = latest.Version + 1
	}
	rel = &model.RuleRelease{
		ID:          uuid.NewString(),
		Version:     version,
		ContentHash: hash,
		RuleIDs:     ids,
		Snapshot:    entries,
		Promoted:    make([]string, 0, len(promoted)),
		RunID:       runID,
		ReleasedAt:  r.now(),
	}
	for _, p := range promoted {
		rel.Promoted = append(rel.Promoted, p.ID)
	}
	if r.exporter != nil {
		rel.BundleURI = r.exporter.Location(hash)
	}

	switch err := r.repo.PublishRelease(ctx, rel, promoted); {
	case errors.Is(err, store.ErrDuplicateVersion):
		return nil, nil, false, fault.Integrity("publish release", err)
	case err != nil:
		return nil, nil, false, fault.Transient("publish release", err)
	}
	return rel, promoted, true, nil
}

// eligible returns APPROVED rules ready to publish, already moved to
// PUBLISHED in memory. Rules below the floor or with a conflict still
// awaiting the Arbiter stay APPROVED.
func (r *Releaser) eligible(ctx context.Context) ([]*model.RegulatoryRule, error) {
	approved, err := r.repo.ListRules(ctx, model.RuleFilter{Statuses: []model.RuleStatus{model.StatusApproved}})
	if err != nil {
		return nil, fault.Transient("list approved", err)
	}
	sort.Slice(approved, func(i, j int) bool { return approved[i].ID < approved[j].ID })

	now := r.now()
	var out []*model.RegulatoryRule
	for _, rule := range approved {
		if rule.Confidence < r.floor {
			r.logger.Warn("rule held back", "rule_id", rule.ID, "reason", "confidence below floor")
			continue
		}
		open, err := r.repo.ListConflicts(ctx, model.ConflictFilter{RuleID: rule.ID, Statuses: []model.ConflictStatus{model.ConflictOpen}})
		if err != nil {
			return nil, fault.Transient("list conflicts", err)
		}
		if len(open) > 0 {
			r.logger.Info("rule held back", "rule_id", rule.ID, "reason", "awaiting arbitration", "conflict_id", open[0].ID)
			continue
		}
		if err := rule.Transition(model.StatusPublished, now); err != nil {
			return nil, fault.Integrity("promote", err)
		}
		rule.PublishedAt = &now
		out = append(out, rule)
	}
	return out, nil
}

func (r *Releaser) announce(ctx context.Context, rel *model.RuleRelease, promoted []*model.RegulatoryRule) {
	r.metrics.Release(rel.Version)
	r.logger.Info("release published", "version", rel.Version, "hash", rel.ContentHash, "rules", len(rel.RuleIDs), "promoted", len(promoted))
	r.audit.Emit(ctx, audit.ReleasePublished, rel.ID, actor, map[string]string{
		"version":  fmt.Sprint(rel.Version),
		"hash":     rel.ContentHash,
		"rules":    fmt.Sprint(len(rel.RuleIDs)),
		"promoted": fmt.Sprint(len(promoted)),
		"run_id":   rel.RunID,
	})
	for _, p := range promoted {
		r.metrics.RuleTransition(string(model.StatusApproved), string(model.StatusPublished))
		r.audit.Emit(ctx, audit.RuleStatusChanged, p.ID, actor, map[string]string{
			"from":    string(model.StatusApproved),
			"to":      string(model.StatusPublished),
			"version": fmt.Sprint(rel.Version),
			"run_id":  rel.RunID,
		})
	}
}

// export writes the bundle after commit. Failures never undo the release.
func (r *Releaser) export(ctx context.Context, rel *model.RuleRelease) {
	if r.exporter == nil {
		return
	}
	if err := r.exporter.Export(ctx, NewBundle(rel)); err != nil {
		r.metrics.BundleExport("error")
		r.logger.Error("bundle export failed", "version", rel.Version, "uri", rel.BundleURI, "error", err)
		return
	}
	r.metrics.BundleExport("ok")
	r.logger.Info("bundle exported", "version", rel.Version, "uri", rel.BundleURI)
}

// Verify recomputes the content hash of rel from its stored snapshot
func Verify(rel *model.RuleRelease) error {
	if len(rel.RuleIDs) != len(rel.Snapshot) {
		return fault.Integrity("verify release", fmt.Errorf("release %d: %d rule ids for %d snapshot entries", rel.Version, len(rel.RuleIDs), len(rel.Snapshot)))
	}
	got, err := Hash(rel.Snapshot)
	if err != nil {
		return fault.Integrity("verify release", err)
	}
	if got != rel.ContentHash {
		return fault.Integrity("verify release", fmt.Errorf("release %d: hash %s, stored %s", rel.Version, got, rel.ContentHash))
	}
	return nil
}

// VerifyVersion loads a stored release and verifies it
func (r *Releaser) VerifyVersion(ctx context.Context, version int64) (*model.RuleRelease, error) {
	rel, err := r.repo.GetRelease(ctx, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.Validation("load release", "release %d not found", version)
	}
	if err != nil {
		return nil, fault.Transient("load release", err)
	}
	return rel, Verify(rel)
}
