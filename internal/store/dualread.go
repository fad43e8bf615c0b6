package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/statute/internal/model"
)

// Comparison results recorded by the dual-read shim
const (
	ReadMatch    = "match"
	ReadMismatch = "mismatch"
	ReadPresence = "presence" // Found in one store only
	ReadError    = "error"    // Shadow read failed
)

// Recorder receives comparison outcomes; fields are names, never values
type Recorder interface {
	DualRead(table, result string, fields []string)
}

// DualRead serves reads from the legacy store and compares them against the
// new store in the background. Writes go to legacy first and are mirrored.
type DualRead struct {
	legacy   Repository
	next     Repository
	recorder Recorder
	logger   *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDualRead wraps the legacy and new stores
func NewDualRead(legacy, next Repository, recorder Recorder, logger *slog.Logger) *DualRead {
	if logger == nil {
		logger = slog.Default()
	}
	return &DualRead{
		legacy:   legacy,
		next:     next,
		recorder: recorder,
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

// Drain waits for in-flight shadow reads
func (d *DualRead) Drain() {
	d.wg.Wait()
}

func shadow[T any](ctx context.Context, d *DualRead, table string, legacy T, legacyErr error, read func(context.Context) (T, error)) {
	// Snapshot before the caller can mutate the legacy result.
	snapshot, merr := json.Marshal(legacy)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		next, nextErr := read(ctx)
		if merr != nil && nextErr == nil {
			nextErr = merr
		}
		result, fields := compare(snapshot, legacyErr, next, nextErr)
		if result == ReadError {
			d.logger.Debug("dual read shadow failed", "table", table, "error", nextErr)
		}
		if d.recorder != nil {
			d.recorder.DualRead(table, result, fields)
		}
	}()
}

func compare(legacy json.RawMessage, legacyErr error, next any, nextErr error) (string, []string) {
	legacyMissing := errors.Is(legacyErr, ErrNotFound)
	nextMissing := errors.Is(nextErr, ErrNotFound)
	switch {
	case legacyMissing && nextMissing:
		return ReadMatch, nil
	case legacyMissing != nextMissing && (legacyErr == nil || nextErr == nil):
		return ReadPresence, nil
	case nextErr != nil || legacyErr != nil:
		return ReadError, nil
	}
	fields, err := diffFields(legacy, next)
	if err != nil {
		return ReadError, nil
	}
	if len(fields) > 0 {
		return ReadMismatch, fields
	}
	return ReadMatch, nil
}

// diffFields returns the sorted top-level JSON field names that differ.
// Lists are compared element by element; a length difference reports "length".
func diffFields(ra json.RawMessage, b any) ([]string, error) {
	rb, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	if err := diffRaw(ra, rb, set); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func diffRaw(a, b json.RawMessage, set map[string]struct{}) error {
	if bytes.Equal(a, b) {
		return nil
	}
	var la, lb []json.RawMessage
	if json.Unmarshal(a, &la) == nil && json.Unmarshal(b, &lb) == nil {
		if len(la) != len(lb) {
			set["length"] = struct{}{}
		}
		for i := 0; i < len(la) && i < len(lb); i++ {
			if err := diffRaw(la[i], lb[i], set); err != nil {
				return err
			}
		}
		return nil
	}
	var oa, ob map[string]json.RawMessage
	if json.Unmarshal(a, &oa) != nil || json.Unmarshal(b, &ob) != nil {
		set["value"] = struct{}{}
		return nil
	}
	for k, va := range oa {
		if vb, ok := ob[k]; !ok || !bytes.Equal(va, vb) {
			set[k] = struct{}{}
		}
	}
	for k := range ob {
		if _, ok := oa[k]; !ok {
			set[k] = struct{}{}
		}
	}
	return nil
}

// mirror replays a legacy write on the new store. The write is bounded by
// the shim timeout and survives caller cancellation; failures are logged only.
func (d *DualRead) mirror(ctx context.Context, op, id string, write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()
	if err := write(ctx); err != nil {
		d.logger.Warn("dual write mirror failed", "op", op, "id", id, "error", err)
	}
}

func (d *DualRead) CreateSource(ctx context.Context, s *model.Source) error {
	if err := d.legacy.CreateSource(ctx, s); err != nil {
		return err
	}
	d.mirror(ctx, "create_source", s.ID, func(ctx context.Context) error { return d.next.CreateSource(ctx, clone(s)) })
	return nil
}

func (d *DualRead) GetSource(ctx context.Context, id string) (*model.Source, error) {
	v, err := d.legacy.GetSource(ctx, id)
	shadow(ctx, d, "sources", v, err, func(ctx context.Context) (*model.Source, error) { return d.next.GetSource(ctx, id) })
	return v, err
}

func (d *DualRead) ListSources(ctx context.Context, activeOnly bool) ([]*model.Source, error) {
	v, err := d.legacy.ListSources(ctx, activeOnly)
	shadow(ctx, d, "sources", v, err, func(ctx context.Context) ([]*model.Source, error) {
		return d.next.ListSources(ctx, activeOnly)
	})
	return v, err
}

func (d *DualRead) UpdateSource(ctx context.Context, s *model.Source) error {
	if err := d.legacy.UpdateSource(ctx, s); err != nil {
		return err
	}
	d.mirror(ctx, "update_source", s.ID, func(ctx context.Context) error { return d.next.UpdateSource(ctx, clone(s)) })
	return nil
}

func (d *DualRead) CreateEvidence(ctx context.Context, e *model.Evidence) error {
	if err := d.legacy.CreateEvidence(ctx, e); err != nil {
		return err
	}
	d.mirror(ctx, "create_evidence", e.ID, func(ctx context.Context) error { return d.next.CreateEvidence(ctx, clone(e)) })
	return nil
}

func (d *DualRead) GetEvidence(ctx context.Context, id string) (*model.Evidence, error) {
	v, err := d.legacy.GetEvidence(ctx, id)
	shadow(ctx, d, "evidence", v, err, func(ctx context.Context) (*model.Evidence, error) { return d.next.GetEvidence(ctx, id) })
	return v, err
}

func (d *DualRead) LatestEvidence(ctx context.Context, sourceID string) (*model.Evidence, error) {
	v, err := d.legacy.LatestEvidence(ctx, sourceID)
	shadow(ctx, d, "evidence", v, err, func(ctx context.Context) (*model.Evidence, error) {
		return d.next.LatestEvidence(ctx, sourceID)
	})
	return v, err
}

func (d *DualRead) RecordCheck(ctx context.Context, c model.SourceCheck) error {
	if err := d.legacy.RecordCheck(ctx, c); err != nil {
		return err
	}
	d.mirror(ctx, "record_check", c.SourceID, func(ctx context.Context) error { return d.next.RecordCheck(ctx, c) })
	return nil
}

func (d *DualRead) LastConfirmed(ctx context.Context, evidenceID string) (time.Time, error) {
	v, err := d.legacy.LastConfirmed(ctx, evidenceID)
	shadow(ctx, d, "source_checks", v, err, func(ctx context.Context) (time.Time, error) {
		return d.next.LastConfirmed(ctx, evidenceID)
	})
	return v, err
}

func (d *DualRead) UpsertClaim(ctx context.Context, c *model.AtomicClaim) (bool, error) {
	pending := clone(c)
	created, err := d.legacy.UpsertClaim(ctx, c)
	if err != nil {
		return false, err
	}
	d.mirror(ctx, "upsert_claim", c.ID, func(ctx context.Context) error {
		_, err := d.next.UpsertClaim(ctx, pending)
		return err
	})
	return created, nil
}

func (d *DualRead) GetClaim(ctx context.Context, id string) (*model.AtomicClaim, error) {
	v, err := d.legacy.GetClaim(ctx, id)
	shadow(ctx, d, "claims", v, err, func(ctx context.Context) (*model.AtomicClaim, error) { return d.next.GetClaim(ctx, id) })
	return v, err
}

func (d *DualRead) ListClaimsByEvidence(ctx context.Context, evidenceID string) ([]*model.AtomicClaim, error) {
	v, err := d.legacy.ListClaimsByEvidence(ctx, evidenceID)
	shadow(ctx, d, "claims", v, err, func(ctx context.Context) ([]*model.AtomicClaim, error) {
		return d.next.ListClaimsByEvidence(ctx, evidenceID)
	})
	return v, err
}

func (d *DualRead) UpsertRule(ctx context.Context, r *model.RegulatoryRule) (bool, error) {
	pending := clone(r)
	created, err := d.legacy.UpsertRule(ctx, r)
	if err != nil {
		return false, err
	}
	d.mirror(ctx, "upsert_rule", r.ID, func(ctx context.Context) error {
		_, err := d.next.UpsertRule(ctx, pending)
		return err
	})
	return created, nil
}

func (d *DualRead) GetRule(ctx context.Context, id string) (*model.RegulatoryRule, error) {
	v, err := d.legacy.GetRule(ctx, id)
	shadow(ctx, d, "rules", v, err, func(ctx context.Context) (*model.RegulatoryRule, error) { return d.next.GetRule(ctx, id) })
	return v, err
}

func (d *DualRead) UpdateRule(ctx context.Context, r *model.RegulatoryRule) error {
	pending := clone(r)
	if err := d.legacy.UpdateRule(ctx, r); err != nil {
		return err
	}
	d.mirror(ctx, "update_rule", r.ID, func(ctx context.Context) error { return d.next.UpdateRule(ctx, pending) })
	return nil
}

func (d *DualRead) ListRules(ctx context.Context, f model.RuleFilter) ([]*model.RegulatoryRule, error) {
	v, err := d.legacy.ListRules(ctx, f)
	shadow(ctx, d, "rules", v, err, func(ctx context.Context) ([]*model.RegulatoryRule, error) { return d.next.ListRules(ctx, f) })
	return v, err
}

func (d *DualRead) UpsertConflict(ctx context.Context, c *model.ConflictRecord) (bool, error) {
	pending := clone(c)
	created, err := d.legacy.UpsertConflict(ctx, c)
	if err != nil {
		return false, err
	}
	d.mirror(ctx, "upsert_conflict", c.ID, func(ctx context.Context) error {
		_, err := d.next.UpsertConflict(ctx, pending)
		return err
	})
	return created, nil
}

func (d *DualRead) GetConflict(ctx context.Context, id string) (*model.ConflictRecord, error) {
	v, err := d.legacy.GetConflict(ctx, id)
	shadow(ctx, d, "conflicts", v, err, func(ctx context.Context) (*model.ConflictRecord, error) {
		return d.next.GetConflict(ctx, id)
	})
	return v, err
}

func (d *DualRead) UpdateConflict(ctx context.Context, c *model.ConflictRecord) error {
	pending := clone(c)
	if err := d.legacy.UpdateConflict(ctx, c); err != nil {
		return err
	}
	d.mirror(ctx, "update_conflict", c.ID, func(ctx context.Context) error { return d.next.UpdateConflict(ctx, pending) })
	return nil
}

func (d *DualRead) ListConflicts(ctx context.Context, f model.ConflictFilter) ([]*model.ConflictRecord, error) {
	v, err := d.legacy.ListConflicts(ctx, f)
	shadow(ctx, d, "conflicts", v, err, func(ctx context.Context) ([]*model.ConflictRecord, error) {
		return d.next.ListConflicts(ctx, f)
	})
	return v, err
}

func (d *DualRead) LatestRelease(ctx context.Context) (*model.RuleRelease, error) {
	v, err := d.legacy.LatestRelease(ctx)
	shadow(ctx, d, "releases", v, err, d.next.LatestRelease)
	return v, err
}

func (d *DualRead) GetRelease(ctx context.Context, version int64) (*model.RuleRelease, error) {
	v, err := d.legacy.GetRelease(ctx, version)
	shadow(ctx, d, "releases", v, err, func(ctx context.Context) (*model.RuleRelease, error) {
		return d.next.GetRelease(ctx, version)
	})
	return v, err
}

func (d *DualRead) PublishRelease(ctx context.Context, rel *model.RuleRelease, promoted []*model.RegulatoryRule) error {
	pending := make([]*model.RegulatoryRule, len(promoted))
	for i, r := range promoted {
		pending[i] = clone(r)
	}
	if err := d.legacy.PublishRelease(ctx, rel, promoted); err != nil {
		return err
	}
	d.mirror(ctx, "publish_release", rel.ID, func(ctx context.Context) error { return d.next.PublishRelease(ctx, clone(rel), pending) })
	return nil
}

func (d *DualRead) Close() error {
	d.Drain()
	return errors.Join(d.legacy.Close(), d.next.Close())
}
