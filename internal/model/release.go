package model

import "time"

// SnapshotEntry is one hashed tuple of a release
type SnapshotEntry struct {
	ConceptID      string `json:"concept_id"`
	AppliesWhen    string `json:"applies_when"`
	Value          string `json:"value"` // Value.Canonical()
	EffectiveFrom  string `json:"effective_from"`
	EffectiveUntil string `json:"effective_until"` // Empty when open-ended
}

// RuleRelease is an immutable, versioned, content-hashed bundle of published rules
type RuleRelease struct {
	ID          string          `json:"id"`
	Version     int64           `json:"version"`
	ContentHash string          `json:"content_hash"`
	RuleIDs     []string        `json:"rule_ids"` // Same order as Snapshot
	Snapshot    []SnapshotEntry `json:"snapshot"`
	Promoted    []string        `json:"promoted"` // Rules published by this release
	RunID       string          `json:"run_id,omitempty"`
	ReleasedAt  time.Time       `json:"released_at"`
	BundleURI   string          `json:"bundle_uri,omitempty"`
}
