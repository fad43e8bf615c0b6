package model

import (
	"strconv"
	"strings"
	"time"
)

// SubjectType is who a claim applies to
type SubjectType string

const (
	SubjectTaxpayer   SubjectType = "taxpayer"
	SubjectEmployer   SubjectType = "employer"
	SubjectCompany    SubjectType = "company"
	SubjectIndividual SubjectType = "individual"
	SubjectAll        SubjectType = "all"
)

// Valid reports whether s is a known subject type
func (s SubjectType) Valid() bool {
	switch s {
	case SubjectTaxpayer, SubjectEmployer, SubjectCompany, SubjectIndividual, SubjectAll:
		return true
	}
	return false
}

// AssertionType is the deontic kind of a claim
type AssertionType string

const (
	AssertionObligation  AssertionType = "obligation"
	AssertionProhibition AssertionType = "prohibition"
	AssertionPermission  AssertionType = "permission"
	AssertionDefinition  AssertionType = "definition"
)

// Valid reports whether a is a known assertion type
func (a AssertionType) Valid() bool {
	switch a {
	case AssertionObligation, AssertionProhibition, AssertionPermission, AssertionDefinition:
		return true
	}
	return false
}

// ValueKind is the type tag of a Value
type ValueKind string

const (
	ValueNone   ValueKind = ""
	ValueNumber ValueKind = "number"
	ValueString ValueKind = "string"
	ValueBool   ValueKind = "bool"
	ValueDate   ValueKind = "date"
)

// Value is a typed rule value kept in textual form
type Value struct {
	Kind ValueKind `json:"kind,omitempty"`
	Text string    `json:"text,omitempty"`
}

// Canonical returns a stable representation used for hashing and comparison
func (v Value) Canonical() string {
	text := strings.TrimSpace(v.Text)
	switch v.Kind {
	case ValueNumber:
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			text = strconv.FormatFloat(f, 'f', -1, 64)
		}
	case ValueBool:
		text = strings.ToLower(text)
	case ValueString:
		text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	}
	return string(v.Kind) + ":" + text
}

// Equal compares two values by canonical form
func (v Value) Equal(o Value) bool {
	return v.Canonical() == o.Canonical()
}

// IsZero reports whether the value is absent
func (v Value) IsZero() bool {
	return v.Kind == ValueNone && v.Text == ""
}

// Exception is an override branch attached to a claim
type Exception struct {
	Condition     string `json:"condition" validate:"required"`
	Value         Value  `json:"value"`
	SourceArticle string `json:"source_article,omitempty"`
}

// AtomicClaim is one provenance-linked assertion staged by the Extractor. Never mutated.
type AtomicClaim struct {
	ID              string        `json:"id"`
	EvidenceID      string        `json:"evidence_id"`
	DedupeKey       string        `json:"dedupe_key"` // sha256(evidence id, logic expression, quote hash)
	ConceptID       string        `json:"concept_id"`
	SubjectType     SubjectType   `json:"subject_type"`
	Trigger         string        `json:"trigger"`          // Condition under which the claim applies
	Temporal        string        `json:"temporal"`         // Free-form temporal expression as extracted
	EffectiveFrom   *time.Time    `json:"effective_from,omitempty"`
	EffectiveUntil  *time.Time    `json:"effective_until,omitempty"`
	AssertionType   AssertionType `json:"assertion_type"`
	LogicExpression string        `json:"logic_expression"`
	Value           Value         `json:"value"`
	Jurisdiction    string        `json:"jurisdiction"`
	ExactQuote      string        `json:"exact_quote"`
	ArticleRef      string        `json:"article_ref"`
	Confidence      float64       `json:"confidence"`
	Exceptions      []Exception   `json:"exceptions,omitempty"`
	RunID           string        `json:"run_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ClaimCandidate is what the extraction model returns before validation
type ClaimCandidate struct {
	Concept         string      `json:"concept" validate:"required"`
	SubjectType     string      `json:"subject_type" validate:"required,subject"`
	Trigger         string      `json:"trigger"`
	Temporal        string      `json:"temporal"`
	EffectiveFrom   string      `json:"effective_from" validate:"omitempty,datetime=2006-01-02"`
	EffectiveUntil  string      `json:"effective_until" validate:"omitempty,datetime=2006-01-02"`
	AssertionType   string      `json:"assertion_type" validate:"required,assertion"`
	LogicExpression string      `json:"logic_expression" validate:"required"`
	Value           Value       `json:"value"`
	Jurisdiction    string      `json:"jurisdiction"`
	ExactQuote      string      `json:"exact_quote" validate:"required"`
	ArticleRef      string      `json:"article_ref" validate:"required"`
	Confidence      float64     `json:"confidence" validate:"gte=0,lte=1"`
	Exceptions      []Exception `json:"exceptions,omitempty" validate:"dive"`
}
