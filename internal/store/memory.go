package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/statute/internal/model"
)

// Memory is an in-process Repository used for tests and single-node runs
type Memory struct {
	mu        sync.RWMutex
	sources   map[string]*model.Source
	evidence  map[string]*model.Evidence
	chain     map[string]string
	checks    []model.SourceCheck
	claims    map[string]*model.AtomicClaim
	claimKeys map[string]string
	rules     map[string]*model.RegulatoryRule
	ruleKeys  map[string]string
	conflicts map[string]*model.ConflictRecord
	confKeys  map[string]string
	releases  map[int64]*model.RuleRelease
}

// NewMemory creates an empty memory store
func NewMemory() *Memory {
	return &Memory{
		sources:   make(map[string]*model.Source),
		evidence:  make(map[string]*model.Evidence),
		chain:     make(map[string]string),
		claims:    make(map[string]*model.AtomicClaim),
		claimKeys: make(map[string]string),
		rules:     make(map[string]*model.RegulatoryRule),
		ruleKeys:  make(map[string]string),
		conflicts: make(map[string]*model.ConflictRecord),
		confKeys:  make(map[string]string),
		releases:  make(map[int64]*model.RuleRelease),
	}
}

// clone deep-copies a record so callers never alias stored state
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("store: clone: %v", err))
	}
	return out
}

func (m *Memory) CreateSource(_ context.Context, s *model.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sources {
		if existing.URL == s.URL {
			return fmt.Errorf("source url already registered: %w", ErrConflict)
		}
	}
	if _, ok := m.sources[s.ID]; ok {
		return fmt.Errorf("source %s: %w", s.ID, ErrConflict)
	}
	m.sources[s.ID] = clone(s)
	return nil
}

func (m *Memory) GetSource(_ context.Context, id string) (*model.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return clone(s), nil
}

func (m *Memory) ListSources(_ context.Context, activeOnly bool) ([]*model.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Source
	for _, s := range m.sources {
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateSource(_ context.Context, s *model.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[s.ID]; !ok {
		return fmt.Errorf("source %s: %w", s.ID, ErrNotFound)
	}
	m.sources[s.ID] = clone(s)
	return nil
}

func (m *Memory) CreateEvidence(_ context.Context, e *model.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evidence[e.ID]; ok {
		return fmt.Errorf("evidence %s: %w", e.ID, ErrConflict)
	}
	key := e.ChainKey()
	if id, ok := m.chain[key]; ok && key != "" {
		return fmt.Errorf("evidence %s already follows %q: %w", id, e.PreviousID, ErrConflict)
	}
	m.evidence[e.ID] = clone(e)
	if key != "" {
		m.chain[key] = e.ID
	}
	return nil
}

func (m *Memory) GetEvidence(_ context.Context, id string) (*model.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.evidence[id]
	if !ok {
		return nil, fmt.Errorf("evidence %s: %w", id, ErrNotFound)
	}
	return clone(e), nil
}

func (m *Memory) LatestEvidence(_ context.Context, sourceID string) (*model.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.Evidence
	for _, e := range m.evidence {
		if e.SourceID != sourceID {
			continue
		}
		if latest == nil || e.FetchedAt.After(latest.FetchedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("evidence for source %s: %w", sourceID, ErrNotFound)
	}
	return clone(latest), nil
}

func (m *Memory) RecordCheck(_ context.Context, c model.SourceCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, c)
	return nil
}

func (m *Memory) LastConfirmed(_ context.Context, evidenceID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.evidence[evidenceID]
	if !ok {
		return time.Time{}, fmt.Errorf("evidence %s: %w", evidenceID, ErrNotFound)
	}
	last := e.FetchedAt
	for _, c := range m.checks {
		if c.EvidenceID == evidenceID && c.CheckedAt.After(last) {
			last = c.CheckedAt
		}
	}
	return last, nil
}

func (m *Memory) UpsertClaim(_ context.Context, c *model.AtomicClaim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.claimKeys[c.DedupeKey]; ok {
		*c = *clone(m.claims[id])
		return false, nil
	}
	m.claims[c.ID] = clone(c)
	m.claimKeys[c.DedupeKey] = c.ID
	return true, nil
}

func (m *Memory) GetClaim(_ context.Context, id string) (*model.AtomicClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, fmt.Errorf("claim %s: %w", id, ErrNotFound)
	}
	return clone(c), nil
}

func (m *Memory) ListClaimsByEvidence(_ context.Context, evidenceID string) ([]*model.AtomicClaim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AtomicClaim
	for _, c := range m.claims {
		if c.EvidenceID == evidenceID {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertRule(_ context.Context, r *model.RegulatoryRule) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ruleKeys[r.Key]; ok {
		*r = *clone(m.rules[id])
		return false, nil
	}
	m.rules[r.ID] = clone(r)
	m.ruleKeys[r.Key] = r.ID
	return true, nil
}

func (m *Memory) GetRule(_ context.Context, id string) (*model.RegulatoryRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return clone(r), nil
}

func (m *Memory) UpdateRule(_ context.Context, r *model.RegulatoryRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRuleLocked(r)
}

func (m *Memory) updateRuleLocked(r *model.RegulatoryRule) error {
	stored, ok := m.rules[r.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
	}
	if stored.Revision != r.Revision {
		return fmt.Errorf("rule %s revision %d: %w", r.ID, r.Revision, ErrConflict)
	}
	r.Revision++
	m.rules[r.ID] = clone(r)
	return nil
}

func (m *Memory) ListRules(_ context.Context, f model.RuleFilter) ([]*model.RegulatoryRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.RegulatoryRule
	for _, r := range m.rules {
		if f.Matches(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertConflict(_ context.Context, c *model.ConflictRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.confKeys[c.Key]; ok {
		*c = *clone(m.conflicts[id])
		return false, nil
	}
	m.conflicts[c.ID] = clone(c)
	m.confKeys[c.Key] = c.ID
	return true, nil
}

func (m *Memory) GetConflict(_ context.Context, id string) (*model.ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return clone(c), nil
}

func (m *Memory) UpdateConflict(_ context.Context, c *model.ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.conflicts[c.ID]
	if !ok {
		return fmt.Errorf("conflict %s: %w", c.ID, ErrNotFound)
	}
	if stored.Revision != c.Revision {
		return fmt.Errorf("conflict %s revision %d: %w", c.ID, c.Revision, ErrConflict)
	}
	c.Revision++
	m.conflicts[c.ID] = clone(c)
	return nil
}

func (m *Memory) ListConflicts(_ context.Context, f model.ConflictFilter) ([]*model.ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ConflictRecord
	for _, c := range m.conflicts {
		if f.Matches(c) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) LatestRelease(_ context.Context) (*model.RuleRelease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.RuleRelease
	for _, r := range m.releases {
		if latest == nil || r.Version > latest.Version {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("release: %w", ErrNotFound)
	}
	return clone(latest), nil
}

func (m *Memory) GetRelease(_ context.Context, version int64) (*model.RuleRelease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.releases[version]
	if !ok {
		return nil, fmt.Errorf("release %d: %w", version, ErrNotFound)
	}
	return clone(r), nil
}

func (m *Memory) PublishRelease(_ context.Context, rel *model.RuleRelease, promoted []*model.RegulatoryRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.releases[rel.Version]; ok {
		return fmt.Errorf("release %d: %w", rel.Version, ErrDuplicateVersion)
	}
	for _, r := range promoted {
		stored, ok := m.rules[r.ID]
		if !ok {
			return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
		}
		if stored.Revision != r.Revision {
			return fmt.Errorf("rule %s revision %d: %w", r.ID, r.Revision, ErrConflict)
		}
	}
	for _, r := range promoted {
		_ = m.updateRuleLocked(r)
	}
	m.releases[rel.Version] = clone(rel)
	return nil
}

func (m *Memory) Close() error { return nil }
