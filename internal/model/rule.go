package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RuleStatus is the lifecycle state of a RegulatoryRule
type RuleStatus string

const (
	StatusDraft         RuleStatus = "DRAFT"
	StatusPendingReview RuleStatus = "PENDING_REVIEW"
	StatusApproved      RuleStatus = "APPROVED" // Auto- or human-approved, waiting for the Releaser
	StatusPublished     RuleStatus = "PUBLISHED"
	StatusRejected      RuleStatus = "REJECTED"
	StatusSuperseded    RuleStatus = "SUPERSEDED"
)

var transitions = map[RuleStatus][]RuleStatus{
	StatusDraft:         {StatusPendingReview, StatusApproved, StatusRejected, StatusSuperseded},
	StatusPendingReview: {StatusApproved, StatusRejected, StatusSuperseded},
	StatusApproved:      {StatusPublished, StatusPendingReview, StatusSuperseded},
	StatusPublished:     {StatusPendingReview, StatusSuperseded},
}

// Terminal reports whether no transition leaves s
func (s RuleStatus) Terminal() bool {
	return s == StatusRejected || s == StatusSuperseded
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to RuleStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RiskTier orders rules by the harm of getting them wrong
type RiskTier int

const (
	RiskLow    RiskTier = 1 // definitions
	RiskMedium RiskTier = 2 // permissions
	RiskHigh   RiskTier = 3 // obligations and prohibitions
)

func (r RiskTier) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return fmt.Sprintf("tier-%d", int(r))
	}
}

// ParseRiskTier parses a tier name; unknown names map to RiskHigh
func ParseRiskTier(s string) RiskTier {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	default:
		return RiskHigh
	}
}

// RiskFor assigns a tier from the assertion type
func RiskFor(a AssertionType) RiskTier {
	switch a {
	case AssertionObligation, AssertionProhibition:
		return RiskHigh
	case AssertionPermission:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Supersession removes a rule from effect for a window because another rule won arbitration
type Supersession struct {
	By        string     `json:"by"` // Winning rule id
	From      time.Time  `json:"from"`
	Until     *time.Time `json:"until,omitempty"`
	Rationale string     `json:"rationale"`
}

// Window returns the superseded window
func (s Supersession) Window() Window {
	return Window{From: s.From, Until: s.Until}
}

// RegulatoryRule is a canonical, queryable rule
type RegulatoryRule struct {
	ID                string          `json:"id"`
	Key               string          `json:"key"` // Natural key: concept + applies-when signature + value
	ConceptID         string          `json:"concept_id"`
	AppliesWhen       string          `json:"applies_when"` // Canonical predicate, see internal/predicate
	Value             Value           `json:"value"`
	AssertionType     AssertionType   `json:"assertion_type"`
	SubjectType       SubjectType     `json:"subject_type"`
	Jurisdiction      string          `json:"jurisdiction"`
	RiskTier          RiskTier        `json:"risk_tier"`
	EffectiveFrom     time.Time       `json:"effective_from"`
	EffectiveUntil    *time.Time      `json:"effective_until,omitempty"`
	Status            RuleStatus      `json:"status"`
	Confidence        float64         `json:"confidence"`
	BaseConfidence    float64         `json:"base_confidence"` // Confidence at composition or last revalidation
	NeedsRevalidation bool            `json:"needs_revalidation"`
	ClaimIDs          []string        `json:"claim_ids"`
	EvidenceIDs       []string        `json:"evidence_ids"`
	SourceRefs        []string        `json:"source_refs"` // Article / law references
	Supersessions     []Supersession  `json:"supersessions,omitempty"`
	ReviewRationale   string          `json:"review_rationale,omitempty"`
	RunID             string          `json:"run_id,omitempty"`
	Revision          int64           `json:"revision"` // Optimistic concurrency counter, bumped by every update
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	PublishedAt       *time.Time      `json:"published_at,omitempty"`
	DecayedAt         *time.Time      `json:"decayed_at,omitempty"`
	RevalidatedAt     *time.Time      `json:"revalidated_at,omitempty"`
}

// RuleKey is the natural key of a rule: concept, applies-when signature and value
func RuleKey(conceptID, signature string, v Value) string {
	sum := sha256.Sum256([]byte(conceptID + "\x00" + signature + "\x00" + v.Canonical()))
	return hex.EncodeToString(sum[:])
}

// Window returns the rule's effective window
func (r *RegulatoryRule) Window() Window {
	return Window{From: r.EffectiveFrom, Until: r.EffectiveUntil}
}

// Transition moves the rule to next if the state machine allows it
func (r *RegulatoryRule) Transition(next RuleStatus, at time.Time) error {
	if r.Status == next {
		return nil
	}
	if !CanTransition(r.Status, next) {
		return fmt.Errorf("rule %s: illegal transition %s -> %s", r.ID, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = at
	return nil
}

// SupersededOn reports whether d falls inside any supersession window
func (r *RegulatoryRule) SupersededOn(d time.Time) bool {
	for _, s := range r.Supersessions {
		if s.Window().Contains(d) {
			return true
		}
	}
	return false
}

// FullySuperseded reports whether the supersession windows cover the whole effective window
func (r *RegulatoryRule) FullySuperseded() bool {
	windows := make([]Window, 0, len(r.Supersessions))
	for _, s := range r.Supersessions {
		windows = append(windows, s.Window())
	}
	return r.Window().CoveredBy(windows)
}

// EffectiveOn reports whether the rule is published and in force on d
func (r *RegulatoryRule) EffectiveOn(d time.Time) bool {
	return r.Status == StatusPublished && r.Window().Contains(d) && !r.SupersededOn(d)
}

// RuleFilter narrows ListRules
type RuleFilter struct {
	ConceptIDs []string
	Statuses   []RuleStatus
}

// Matches reports whether r passes the filter
func (f RuleFilter) Matches(r *RegulatoryRule) bool {
	if len(f.ConceptIDs) > 0 && !containsString(f.ConceptIDs, r.ConceptID) {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
