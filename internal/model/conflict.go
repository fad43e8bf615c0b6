package model

import (
	"sort"
	"strings"
	"time"
)

// ConflictType classifies a contradiction between rules
type ConflictType string

const (
	ConflictValue    ConflictType = "value_mismatch"    // Same applicability, different values
	ConflictModality ConflictType = "modality_mismatch" // e.g. obligation vs prohibition
)

// ConflictStatus tracks a conflict through arbitration
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "open"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictEscalated ConflictStatus = "escalated" // Routed to human adjudication
)

// TieBreak names the precedence step that decided a conflict
type TieBreak string

const (
	TieBreakLexSpecialis       TieBreak = "lex_specialis"
	TieBreakConceptSpecificity TieBreak = "concept_specificity"
	TieBreakLaterEffective     TieBreak = "later_effective_from"
	TieBreakHuman              TieBreak = "human"
)

// Resolution records how a conflict was closed
type Resolution struct {
	WinnerID  string    `json:"winner_id"`
	LoserIDs  []string  `json:"loser_ids"`
	TieBreak  TieBreak  `json:"tie_break"`
	DecidedBy string    `json:"decided_by"` // "arbiter" or a reviewer id
	DecidedAt time.Time `json:"decided_at"`
}

// ConflictRecord links rules that can apply at once with incompatible values
type ConflictRecord struct {
	ID         string         `json:"id"`
	Key        string         `json:"key"` // Sorted rule ids; one record per pair
	Type       ConflictType   `json:"type"`
	ConceptID  string         `json:"concept_id"`
	RuleIDs    []string       `json:"rule_ids"`
	Overlap    Window         `json:"overlap"`
	Status     ConflictStatus `json:"status"`
	Resolution *Resolution    `json:"resolution,omitempty"`
	Rationale  string         `json:"rationale,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Revision   int64          `json:"revision"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ConflictKey is the order-independent natural key of a rule set
func ConflictKey(ruleIDs ...string) string {
	ids := append([]string(nil), ruleIDs...)
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// Involves reports whether ruleID is one of the competing rules
func (c *ConflictRecord) Involves(ruleID string) bool {
	return containsString(c.RuleIDs, ruleID)
}

// Other returns the competing rule ids other than ruleID
func (c *ConflictRecord) Other(ruleID string) []string {
	var out []string
	for _, id := range c.RuleIDs {
		if id != ruleID {
			out = append(out, id)
		}
	}
	return out
}

// ConflictFilter narrows ListConflicts
type ConflictFilter struct {
	RuleID   string
	Statuses []ConflictStatus
}

// Matches reports whether c passes the filter
func (f ConflictFilter) Matches(c *ConflictRecord) bool {
	if f.RuleID != "" && !c.Involves(f.RuleID) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if c.Status == s {
			return true
		}
	}
	return false
}
