package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ppiankov/statute/internal/concept"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/normalize"
	"github.com/ppiankov/statute/internal/predicate"
)

// Rejection reasons. They are metric labels, so the set is closed.
const (
	ReasonSchema           = "schema"
	ReasonMissingQuote     = "missing_quote"
	ReasonMissingReference = "missing_reference"
	ReasonInvalidField     = "invalid_field"
	ReasonConfidenceRange  = "confidence_range"
	ReasonTrigger          = "trigger"
	ReasonWindow           = "window"
	ReasonProvenance       = "provenance"
)

// DefaultNearVerbatim is the share of quote tokens that must appear in one
// window of the evidence for a paraphrased quote to count
const DefaultNearVerbatim = 0.9

// Verdict is the outcome of checking one candidate. Claim is set only when
// Reason is empty.
type Verdict struct {
	Claim     *model.AtomicClaim
	Candidate *model.ClaimCandidate
	Reason    string
	Detail    string // Field names and positions only, never quoted values
}

// Accepted reports whether the candidate became a claim
func (v Verdict) Accepted() bool { return v.Reason == "" }

func reject(c *model.ClaimCandidate, reason, format string, args ...any) Verdict {
	return Verdict{Candidate: c, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validator turns untrusted candidates into AtomicClaims
type Validator struct {
	validate  *validator.Validate
	taxonomy  *concept.Taxonomy
	threshold float64
	now       func() time.Time
}

// NewValidator creates a Validator. threshold <= 0 uses DefaultNearVerbatim.
func NewValidator(taxonomy *concept.Taxonomy, threshold float64, now func() time.Time) *Validator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultNearVerbatim
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("subject", func(fl validator.FieldLevel) bool {
		return model.SubjectType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("assertion", func(fl validator.FieldLevel) bool {
		return model.AssertionType(fl.Field().String()).Valid()
	})
	return &Validator{validate: v, taxonomy: taxonomy, threshold: threshold, now: now}
}

// Check validates one raw candidate against its Evidence
func (v *Validator) Check(ev *model.Evidence, raw json.RawMessage, runID string) Verdict {
	var cand model.ClaimCandidate
	if err := json.Unmarshal(raw, &cand); err != nil {
		return reject(nil, ReasonSchema, "candidate does not decode")
	}
	cand.ExactQuote = normalize.Text(cand.ExactQuote)
	cand.ArticleRef = strings.TrimSpace(cand.ArticleRef)
	cand.SubjectType = strings.ToLower(strings.TrimSpace(cand.SubjectType))
	cand.AssertionType = strings.ToLower(strings.TrimSpace(cand.AssertionType))

	if cand.ExactQuote == "" {
		return reject(&cand, ReasonMissingQuote, "exact_quote is empty")
	}
	if cand.ArticleRef == "" {
		return reject(&cand, ReasonMissingReference, "article_ref is empty")
	}
	if cand.Confidence < 0 || cand.Confidence > 1 {
		return reject(&cand, ReasonConfidenceRange, "confidence outside [0,1]")
	}
	if err := v.validate.Struct(&cand); err != nil {
		return reject(&cand, ReasonInvalidField, "%s", fieldErrors(err))
	}

	trigger, err := predicate.ParseCondition(cand.Trigger)
	if err != nil {
		return reject(&cand, ReasonTrigger, "trigger: %v", err)
	}
	exceptions := make([]model.Exception, 0, len(cand.Exceptions))
	for i, ex := range cand.Exceptions {
		cond, err := predicate.ParseCondition(ex.Condition)
		if err != nil {
			return reject(&cand, ReasonTrigger, "exceptions[%d]: %v", i, err)
		}
		ex.Condition = cond.String()
		exceptions = append(exceptions, ex)
	}

	from, until, err := parseWindow(cand.EffectiveFrom, cand.EffectiveUntil)
	if err != nil {
		return reject(&cand, ReasonWindow, "%v", err)
	}

	if !v.Provenance(ev.Text, cand.ExactQuote) {
		return reject(&cand, ReasonProvenance, "quote not found in evidence %s", ev.ID)
	}

	jurisdiction := strings.ToUpper(strings.TrimSpace(cand.Jurisdiction))
	if jurisdiction == "" {
		jurisdiction = ev.Jurisdiction
	}
	logic := NormalizeLogic(cand.LogicExpression)

	return Verdict{Candidate: &cand, Claim: &model.AtomicClaim{
		ID:              uuid.NewString(),
		EvidenceID:      ev.ID,
		DedupeKey:       DedupeKey(ev.ID, logic, cand.ExactQuote),
		ConceptID:       v.taxonomy.Resolve(cand.Concept),
		SubjectType:     model.SubjectType(cand.SubjectType),
		Trigger:         trigger.String(),
		Temporal:        strings.TrimSpace(cand.Temporal),
		EffectiveFrom:   from,
		EffectiveUntil:  until,
		AssertionType:   model.AssertionType(cand.AssertionType),
		LogicExpression: logic,
		Value:           model.Value{Kind: cand.Value.Kind, Text: strings.TrimSpace(cand.Value.Text)},
		Jurisdiction:    jurisdiction,
		ExactQuote:      cand.ExactQuote,
		ArticleRef:      cand.ArticleRef,
		Confidence:      cand.Confidence,
		Exceptions:      exceptions,
		RunID:           runID,
		CreatedAt:       v.now(),
	}}
}

func fieldErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid candidate"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
	}
	sort.Strings(fields)
	return strings.Join(fields, ", ")
}

func parseWindow(fromText, untilText string) (*time.Time, *time.Time, error) {
	var from, until *time.Time
	if fromText != "" {
		d, err := model.ParseDay(fromText)
		if err != nil {
			return nil, nil, fmt.Errorf("effective_from: %w", err)
		}
		from = &d
	}
	if untilText != "" {
		d, err := model.ParseDay(untilText)
		if err != nil {
			return nil, nil, fmt.Errorf("effective_until: %w", err)
		}
		until = &d
	}
	if from != nil && until != nil && until.Before(*from) {
		return nil, nil, errors.New("effective_until before effective_from")
	}
	return from, until, nil
}

// Provenance reports whether quote appears in text verbatim after
// normalization, or near-verbatim by token overlap
func (v *Validator) Provenance(text, quote string) bool {
	quote = normalize.Text(quote)
	if quote == "" {
		return false
	}
	if strings.Contains(normalize.Text(text), quote) {
		return true
	}
	return nearVerbatim(normalize.Tokens(text), normalize.Tokens(quote), v.threshold)
}

// nearVerbatim slides a window the size of the quote over the text and
// reports whether any window shares at least threshold of the quote's tokens
func nearVerbatim(text, quote []string, threshold float64) bool {
	n := len(quote)
	if n == 0 || len(text) == 0 {
		return false
	}
	if n > len(text) {
		n = len(text)
	}
	need := make(map[string]int, len(quote))
	for _, t := range quote {
		need[t]++
	}
	required := threshold * float64(len(quote))

	have := make(map[string]int)
	matched := 0
	add := func(t string, delta int) {
		before := min(have[t], need[t])
		have[t] += delta
		matched += min(have[t], need[t]) - before
	}
	for i, t := range text {
		add(t, 1)
		if i >= n {
			add(text[i-n], -1)
		}
		if i >= n-1 && float64(matched) >= required {
			return true
		}
	}
	return false
}

// NormalizeLogic lower-cases and collapses whitespace; operators are kept
func NormalizeLogic(s string) string {
	return strings.ToLower(normalize.Text(s))
}

// DedupeKey is sha256(evidence id, normalized logic, sha256(folded quote))
func DedupeKey(evidenceID, logic, quote string) string {
	quoteSum := sha256.Sum256([]byte(normalize.Fold(quote)))
	sum := sha256.Sum256([]byte(evidenceID + "\x00" + NormalizeLogic(logic) + "\x00" + hex.EncodeToString(quoteSum[:])))
	return hex.EncodeToString(sum[:])
}
