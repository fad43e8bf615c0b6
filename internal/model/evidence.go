package model

import "time"

// Source is a registered regulatory source polled by Sentinel
type Source struct {
	ID                  string        `json:"id"`
	URL                 string        `json:"url"`
	Jurisdiction        string        `json:"jurisdiction"`              // ISO country code, e.g. "HR"
	Authority           AuthorityTier `json:"authority"`                 // Classified from the URL on registration
	Active              bool          `json:"active"`                    // Inactive sources are skipped on poll
	ConsecutiveFailures int           `json:"consecutive_failures"`      // Dead-lettered fetches since last success
	LastHash            string        `json:"last_hash,omitempty"`       // Content hash of the latest Evidence
	LastEvidenceID      string        `json:"last_evidence_id,omitempty"`
	ETag                string        `json:"etag,omitempty"`            // Validator for conditional fetches
	LastCheckedAt       *time.Time    `json:"last_checked_at,omitempty"`
	DeactivatedAt       *time.Time    `json:"deactivated_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// Evidence is one fetched snapshot of a source. Append-only.
type Evidence struct {
	ID           string        `json:"id"`
	SourceID     string        `json:"source_id"`
	URL          string        `json:"url"`
	Jurisdiction string        `json:"jurisdiction"`
	Authority    AuthorityTier `json:"authority"`
	FetchedAt    time.Time     `json:"fetched_at"`
	ContentHash  string        `json:"content_hash"`            // sha256 of normalized text
	Text         string        `json:"text"`                    // Normalized visible text
	HasChanged   bool          `json:"has_changed"`             // Hash differs from the previous fetch
	PreviousHash *string       `json:"previous_hash,omitempty"` // nil for the first fetch of a source
	PreviousID   string        `json:"previous_id,omitempty"`   // Evidence this snapshot follows
	Meta         FetchMeta     `json:"meta"`
}

// ChainKey identifies the position of e in its source's history. At most
// one Evidence follows each predecessor. Empty when e has no source.
func (e *Evidence) ChainKey() string {
	if e.SourceID == "" {
		return ""
	}
	return e.SourceID + "/" + e.PreviousID
}

// SourceCheck is the lightweight marker written for every poll, changed or not
type SourceCheck struct {
	SourceID   string    `json:"source_id"`
	EvidenceID string    `json:"evidence_id"` // Evidence the check confirmed or created
	Hash       string    `json:"hash"`
	Changed    bool      `json:"changed"`
	CheckedAt  time.Time `json:"checked_at"`
}

// FetchMeta contains HTTP metadata from fetching the source
type FetchMeta struct {
	StatusCode   int    `json:"status_code"`
	ContentType  string `json:"content_type,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	ETag         string `json:"etag,omitempty"`
	FinalURL     string `json:"final_url,omitempty"`
}

// AuthorityTier represents the classification of source authority
type AuthorityTier int

const (
	TierUnknown   AuthorityTier = 0 // Not yet classified
	TierPrimary   AuthorityTier = 1 // Official gazettes, tax authority, statutes
	TierSecondary AuthorityTier = 2 // Chambers, professional bodies, reputable publishers
	TierTertiary  AuthorityTier = 3 // Blogs, advisory firms, everything else
)

func (t AuthorityTier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}

// ParseAuthorityTier parses a tier name, defaulting to tertiary
func ParseAuthorityTier(s string) AuthorityTier {
	switch s {
	case "primary":
		return TierPrimary
	case "secondary":
		return TierSecondary
	default:
		return TierTertiary
	}
}

// SourceProbe is the result of checking a candidate source without capturing evidence
type SourceProbe struct {
	URL           string        `json:"url"`
	FinalURL      string        `json:"final_url,omitempty"`
	Reachable     bool          `json:"reachable"`
	StatusCode    int           `json:"status_code,omitempty"`
	ContentType   string        `json:"content_type,omitempty"`
	Authority     AuthorityTier `json:"authority"`
	RobotsAllowed bool          `json:"robots_allowed"`
	CrawlDelay    time.Duration `json:"crawl_delay,omitempty"`
	Error         string        `json:"error,omitempty"`
}
