package extract

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/statute/internal/model"
)

const evidenceText = "Porezni obveznik čiji su primici veći od 40.000,00 eura dužan je upisati se u registar obveznika PDV-a. " +
	"Iznimno, poljoprivrednik se može upisati i kada su primici manji od tog iznosa."

func testEvidence() *model.Evidence {
	return &model.Evidence{ID: "ev-1", Jurisdiction: "HR", Text: evidenceText, HasChanged: true}
}

func validCandidate() map[string]any {
	return map[string]any{
		"concept":          "VAT threshold",
		"subject_type":     "Taxpayer",
		"trigger":          "revenue > 40000",
		"effective_from":   "2025-01-01",
		"assertion_type":   "obligation",
		"logic_expression": "register_vat  WHEN revenue > 40000",
		"value":            map[string]string{"kind": "number", "text": "40000"},
		"exact_quote":      "primici veći od 40.000,00 eura dužan je upisati se u registar obveznika PDV-a",
		"article_ref":      "čl. 90 Zakona o PDV-u",
		"confidence":       0.9,
		"exceptions": []map[string]any{{
			"condition":      `sector = "agriculture"`,
			"value":          map[string]string{"kind": "bool", "text": "true"},
			"source_article": "čl. 90 st. 2",
		}},
	}
}

func encode(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestCheck_Accepts(t *testing.T) {
	v := NewValidator(testTaxonomy(t), 0, nil)
	verdict := v.Check(testEvidence(), encode(t, validCandidate()), "run-1")
	require.True(t, verdict.Accepted(), "%s: %s", verdict.Reason, verdict.Detail)

	c := verdict.Claim
	assert.Equal(t, "vat-threshold", c.ConceptID)
	assert.Equal(t, model.SubjectTaxpayer, c.SubjectType)
	assert.Equal(t, "revenue > 40000", c.Trigger)
	assert.Equal(t, "register_vat when revenue > 40000", c.LogicExpression)
	assert.Equal(t, "HR", c.Jurisdiction, "jurisdiction defaults to the evidence")
	assert.Equal(t, "run-1", c.RunID)
	assert.Equal(t, "ev-1", c.EvidenceID)
	require.NotNil(t, c.EffectiveFrom)
	assert.Equal(t, "2025-01-01", c.EffectiveFrom.Format(model.DateLayout))
	require.Len(t, c.Exceptions, 1)
	assert.Equal(t, `sector == "agriculture"`, c.Exceptions[0].Condition)
	assert.Equal(t, DedupeKey("ev-1", c.LogicExpression, c.ExactQuote), c.DedupeKey)
}

func TestCheck_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		reason string
	}{
		{"missing quote", func(c map[string]any) { delete(c, "exact_quote") }, ReasonMissingQuote},
		{"blank quote", func(c map[string]any) { c["exact_quote"] = "   " }, ReasonMissingQuote},
		{"missing reference", func(c map[string]any) { c["article_ref"] = "" }, ReasonMissingReference},
		{"confidence above one", func(c map[string]any) { c["confidence"] = 1.5 }, ReasonConfidenceRange},
		{"negative confidence", func(c map[string]any) { c["confidence"] = -0.1 }, ReasonConfidenceRange},
		{"unknown subject", func(c map[string]any) { c["subject_type"] = "alien" }, ReasonInvalidField},
		{"unknown assertion", func(c map[string]any) { c["assertion_type"] = "suggestion" }, ReasonInvalidField},
		{"missing concept", func(c map[string]any) { delete(c, "concept") }, ReasonInvalidField},
		{"bad date", func(c map[string]any) { c["effective_from"] = "1.1.2025" }, ReasonInvalidField},
		{"malformed trigger", func(c map[string]any) { c["trigger"] = "revenue >" }, ReasonTrigger},
		{"ordering on string", func(c map[string]any) { c["trigger"] = `sector > "retail"` }, ReasonTrigger},
		{"inverted window", func(c map[string]any) { c["effective_until"] = "2024-12-31" }, ReasonWindow},
		{"quote not in source", func(c map[string]any) {
			c["exact_quote"] = "Svi građani moraju platiti porez na nekretnine do kraja godine"
		}, ReasonProvenance},
	}

	v := NewValidator(testTaxonomy(t), 0, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cand := validCandidate()
			tt.mutate(cand)
			verdict := v.Check(testEvidence(), encode(t, cand), "run-1")
			assert.False(t, verdict.Accepted())
			assert.Equal(t, tt.reason, verdict.Reason)
			assert.Nil(t, verdict.Claim)
		})
	}
}

func TestCheck_UndecodableCandidate(t *testing.T) {
	v := NewValidator(testTaxonomy(t), 0, nil)
	verdict := v.Check(testEvidence(), json.RawMessage(`{"confidence": "high"}`), "run-1")
	assert.Equal(t, ReasonSchema, verdict.Reason)
}

func TestCheck_DetailNamesFieldsOnly(t *testing.T) {
	v := NewValidator(testTaxonomy(t), 0, nil)
	cand := validCandidate()
	cand["subject_type"] = "secret-subject-value"
	verdict := v.Check(testEvidence(), encode(t, cand), "run-1")
	require.Equal(t, ReasonInvalidField, verdict.Reason)
	assert.Contains(t, verdict.Detail, "subject_type(subject)")
	assert.NotContains(t, verdict.Detail, "secret-subject-value")
}

func TestProvenance(t *testing.T) {
	v := NewValidator(testTaxonomy(t), 0.9, nil)

	assert.True(t, v.Provenance(evidenceText, "dužan je upisati se u registar obveznika PDV-a"))
	assert.True(t, v.Provenance(evidenceText, "dužan  je\nupisati se u registar obveznika PDV-a"), "whitespace differences")

	// One token of sixteen differs: 15/16 > 0.9
	assert.True(t, v.Provenance(evidenceText, "primici veći od 40.000,00 eura obvezan je upisati se u registar obveznika PDV-a"))
	// Half the tokens are invented
	assert.False(t, v.Provenance(evidenceText, "primici veći od 40.000,00 eura moraju platiti porez na nekretnine odmah"))
	assert.False(t, v.Provenance(evidenceText, ""))
}

func TestNearVerbatim_WindowMustBeContiguous(t *testing.T) {
	text := strings.Fields("a b c x x x x x x x x d e f")
	assert.False(t, nearVerbatim(text, strings.Fields("a b c d e f"), 0.9))
	assert.True(t, nearVerbatim(text, strings.Fields("x x d e f"), 0.9))
}

func TestDedupeKey(t *testing.T) {
	base := DedupeKey("ev-1", "revenue > 40000", "Dužan je upisati se.")
	assert.Equal(t, base, DedupeKey("ev-1", "  Revenue   >  40000 ", "dužan je upisati se"), "case, spacing and punctuation are normalized")
	assert.NotEqual(t, base, DedupeKey("ev-2", "revenue > 40000", "Dužan je upisati se."))
	assert.NotEqual(t, base, DedupeKey("ev-1", "revenue < 40000", "Dužan je upisati se."), "operators are significant")
	assert.NotEqual(t, base, DedupeKey("ev-1", "revenue > 40000", "Dužan je upisati."))
}

func TestParseOutput(t *testing.T) {
	claims, err := ParseOutput([]byte(`{"claims": [{"concept": "vat"}, {"concept": "vat-rate"}]}`))
	require.NoError(t, err)
	assert.Len(t, claims, 2)

	claims, err = ParseOutput([]byte(`{"claims": []}`))
	require.NoError(t, err)
	assert.Empty(t, claims)

	for _, bad := range []string{`not json`, `{"rules": []}`, `{"claims": {}}`, `{"claims": ["text"]}`, `[]`} {
		_, err := ParseOutput([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"claims":[]}`, stripFences("```json\n{\"claims\":[]}\n```"))
	assert.Equal(t, `{"claims":[]}`, stripFences(`  {"claims":[]} `))
}
