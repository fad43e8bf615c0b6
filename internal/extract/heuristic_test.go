package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/ppiankov/statute/internal/concept"
	"github.com/ppiankov/statute/internal/model"
)

const statuteText = "Članak 90. Mali porezni obveznik čiji su primici veći od 40.000,00 eura dužan je upisati se u registar obveznika PDV-a od 1. 1. 2025. " +
	"Stopa PDV-a iznosi 25% za isporuke dobara i usluga. " +
	"Porezni obveznik ne smije obračunavati PDV ako je upisan kao mali porezni obveznik. " +
	"Ovaj tekst nema ništa zanimljivo u sebi za izvlačenje pravila."

func testTaxonomy(t *testing.T) *concept.Taxonomy {
	t.Helper()
	tax, err := concept.New(concept.Default())
	if err != nil {
		t.Fatalf("taxonomy: %v", err)
	}
	return tax
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences(statuteText)
	if len(got) != 4 {
		t.Fatalf("expected 4 sentences, got %d: %q", len(got), got)
	}
	if !strings.HasSuffix(got[0], "od 1. 1. 2025.") {
		t.Errorf("date split the sentence: %q", got[0])
	}
	if !strings.Contains(got[0], "40.000,00 eura") {
		t.Errorf("amount split the sentence: %q", got[0])
	}
	for _, s := range got {
		if !strings.Contains(statuteText, s) {
			t.Errorf("sentence is not a substring of the text: %q", s)
		}
	}
}

func TestSplitSentences_Bounds(t *testing.T) {
	text := "Kratko. " + strings.Repeat("a", 600) + ". Ova rečenica je dovoljno duga da prođe."
	got := splitSentences(text)
	if len(got) != 1 || got[0] != "Ova rečenica je dovoljno duga da prođe." {
		t.Errorf("unexpected sentences: %q", got)
	}
}

func TestHeuristic_Candidates(t *testing.T) {
	h := NewHeuristic(testTaxonomy(t))
	got := h.Candidates(Input{EvidenceID: "ev-1", URL: "https://porezna.example/pdv", Jurisdiction: "HR", Text: statuteText})
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}

	registration := got[0]
	if registration.Concept != "vat-threshold-small-business" {
		t.Errorf("concept = %q", registration.Concept)
	}
	if registration.AssertionType != string(model.AssertionObligation) {
		t.Errorf("assertion = %q", registration.AssertionType)
	}
	if registration.SubjectType != string(model.SubjectTaxpayer) {
		t.Errorf("subject = %q", registration.SubjectType)
	}
	if registration.Trigger != "revenue > 40000" {
		t.Errorf("trigger = %q", registration.Trigger)
	}
	if registration.EffectiveFrom != "2025-01-01" || registration.EffectiveUntil != "" {
		t.Errorf("window = %q..%q", registration.EffectiveFrom, registration.EffectiveUntil)
	}
	if registration.ArticleRef != "čl. 90" {
		t.Errorf("article = %q", registration.ArticleRef)
	}
	if registration.Value.Kind != model.ValueNone {
		t.Errorf("threshold amount leaked into value: %+v", registration.Value)
	}
	if registration.Jurisdiction != "HR" {
		t.Errorf("jurisdiction = %q", registration.Jurisdiction)
	}

	rate := got[1]
	if rate.Concept != "vat-rate" || rate.AssertionType != string(model.AssertionDefinition) {
		t.Errorf("rate claim = %s/%s", rate.Concept, rate.AssertionType)
	}
	if rate.Value != (model.Value{Kind: model.ValueNumber, Text: "25"}) {
		t.Errorf("rate value = %+v", rate.Value)
	}
	if rate.SubjectType != string(model.SubjectAll) {
		t.Errorf("rate subject = %q", rate.SubjectType)
	}

	if got[2].AssertionType != string(model.AssertionProhibition) {
		t.Errorf("'ne smije' should be a prohibition, got %q", got[2].AssertionType)
	}

	for i, c := range got {
		if c.Confidence <= 0 || c.Confidence > heuristicMaxConf {
			t.Errorf("candidate %d confidence %v out of range", i, c.Confidence)
		}
		if c.LogicExpression == "" {
			t.Errorf("candidate %d has no logic expression", i)
		}
	}
}

func TestHeuristic_FallsBackToURL(t *testing.T) {
	h := NewHeuristic(testTaxonomy(t))
	got := h.Candidates(Input{URL: "https://example.test/vat", Text: "Every taxpayer must charge VAT on domestic supplies of goods."})
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].ArticleRef != "https://example.test/vat" {
		t.Errorf("article = %q", got[0].ArticleRef)
	}
	if got[0].AssertionType != string(model.AssertionObligation) {
		t.Errorf("assertion = %q", got[0].AssertionType)
	}
}

func TestFindDates_Until(t *testing.T) {
	from, until, temporal := findDates("Primjenjuje se od 1. 7. 2024. do 31. 12. 2025. na sve obveznike")
	if from != "2024-07-01" || until != "2025-12-31" {
		t.Errorf("window = %s..%s", from, until)
	}
	if temporal != "from 2024-07-01 until 2025-12-31" {
		t.Errorf("temporal = %q", temporal)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		whole, decimals, want string
	}{
		{"40.000", "00", "40000"},
		{"1,000,000", "", "1000000"},
		{"39 816", "84", "39816.84"},
		{"25", "", "25"},
	}
	for _, tt := range tests {
		if got := parseAmount(tt.whole, tt.decimals); got != tt.want {
			t.Errorf("parseAmount(%q, %q) = %q, want %q", tt.whole, tt.decimals, got, tt.want)
		}
	}
}

func TestHeuristic_OutputValidates(t *testing.T) {
	tax := testTaxonomy(t)
	raw, err := NewHeuristic(tax).Extract(context.Background(), Input{Jurisdiction: "HR", Text: statuteText})
	if err != nil {
		t.Fatal(err)
	}
	cands, err := ParseOutput(raw)
	if err != nil {
		t.Fatalf("heuristic output rejected by schema: %v", err)
	}
	v := NewValidator(tax, 0, nil)
	ev := &model.Evidence{ID: "ev-1", Jurisdiction: "HR", Text: statuteText, HasChanged: true}
	for i, c := range cands {
		if verdict := v.Check(ev, c, "run-1"); !verdict.Accepted() {
			t.Errorf("candidate %d rejected: %s %s", i, verdict.Reason, verdict.Detail)
		}
	}
}
