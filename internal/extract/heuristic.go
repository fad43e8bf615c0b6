package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/ppiankov/statute/internal/concept"
	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/normalize"
)

// marker phrases are matched on folded text, longest list first so
// "must not" is seen before "must"
var assertionMarkers = []struct {
	assertion model.AssertionType
	phrases   []string
}{
	{model.AssertionProhibition, []string{"must not", "shall not", "may not", "is prohibited", "are prohibited", "ne smije", "ne smiju", "ne može", "zabranjeno", "nije dopušteno"}},
	{model.AssertionObligation, []string{"must", "shall", "is required", "are required", "is obliged", "mora", "moraju", "dužan", "dužni", "obvezan", "obvezni", "obvezno"}},
	{model.AssertionPermission, []string{"may", "is entitled", "are entitled", "može", "mogu", "ima pravo", "imaju pravo"}},
	{model.AssertionDefinition, []string{"is defined as", "means", "amounts to", "is set at", "smatra se", "podrazumijeva", "iznosi"}},
}

var subjectMarkers = []struct {
	subject model.SubjectType
	phrases []string
}{
	{model.SubjectEmployer, []string{"employer", "employers", "poslodavac", "poslodavci", "poslodavca"}},
	{model.SubjectCompany, []string{"company", "companies", "legal person", "legal persons", "trgovačko društvo", "trgovačka društva", "pravna osoba", "pravne osobe"}},
	{model.SubjectIndividual, []string{"individual", "individuals", "natural person", "natural persons", "fizička osoba", "fizičke osobe", "građanin", "građani"}},
	{model.SubjectTaxpayer, []string{"taxpayer", "taxpayers", "porezni obveznik", "porezni obveznici", "obveznik", "obveznici"}},
}

var (
	amountPattern    = `(\d{1,3}(?:[.,\s]\d{3})+|\d+)(?:[.,](\d{1,2}))?\s*(%|posto|eura|eur|€|kuna|kn|hrk)`
	amountRe         = regexp.MustCompile(`(?i)` + amountPattern)
	thresholdRe      = regexp.MustCompile(`(?i)(prihod\w*|primi\w*|promet\w*|revenue|turnover|income)\D{0,40}?(veći od|više od|iznad|preko|exceeds?|exceeding|above|over|manji od|ispod|below|under|do|up to)\s*` + amountPattern)
	articleRe        = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(članak|članka|članku|čl\.|article|art\.|section|§)\s*(\d+[a-z]?)`)
	croatianDateRe   = regexp.MustCompile(`(\d{1,2})\.\s?(\d{1,2})\.\s?(\d{4})`)
	isoDateRe        = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	untilMarkerRe    = regexp.MustCompile(`(?i)(?:^|\s)(do|until|zaključno s)\s*$`)
	heuristicMaxConf = 0.8
)

// Heuristic is an offline Model that finds claims by deontic keyword
// markers, concept synonyms, amounts, thresholds and dates.
type Heuristic struct {
	taxonomy *concept.Taxonomy
}

// NewHeuristic creates the keyword extractor
func NewHeuristic(taxonomy *concept.Taxonomy) *Heuristic {
	return &Heuristic{taxonomy: taxonomy}
}

func (h *Heuristic) Name() string { return "heuristic" }

// Extract implements Model
func (h *Heuristic) Extract(_ context.Context, in Input) ([]byte, error) {
	out := struct {
		Claims []model.ClaimCandidate `json:"claims"`
	}{Claims: h.Candidates(in)}
	return json.Marshal(out)
}

// Candidates returns one candidate per sentence that names a known concept
// and carries an assertion marker
func (h *Heuristic) Candidates(in Input) []model.ClaimCandidate {
	text := in.Text
	refs := articleRe.FindAllStringSubmatchIndex(text, -1)

	var out []model.ClaimCandidate
	cursor := 0
	for _, sentence := range splitSentences(text) {
		pos := strings.Index(text[cursor:], sentence)
		if pos < 0 {
			continue
		}
		start := cursor + pos
		cursor = start + len(sentence)

		folded := " " + normalize.Fold(sentence) + " "
		assertion, ok := findAssertion(folded)
		if !ok {
			continue
		}
		conceptID, ok := h.taxonomy.Match(sentence)
		if !ok {
			continue
		}

		cand := model.ClaimCandidate{
			Concept:       conceptID,
			SubjectType:   string(findSubject(folded)),
			Trigger:       "true",
			AssertionType: string(assertion),
			Jurisdiction:  in.Jurisdiction,
			ExactQuote:    sentence,
			Confidence:    0.5,
		}

		own, inherited := articleFor(text, refs, start, cursor)
		switch {
		case own != "":
			cand.ArticleRef = own
			cand.Confidence += 0.15
		case inherited != "":
			cand.ArticleRef = inherited
			cand.Confidence += 0.05
		default:
			cand.ArticleRef = in.URL
		}

		rest := sentence
		if field, op, amount, loc := findThreshold(sentence); field != "" {
			cand.Trigger = fmt.Sprintf("%s %s %s", field, op, amount)
			rest = sentence[:loc[0]] + sentence[loc[1]:]
		}
		if v, ok := findAmount(rest); ok {
			cand.Value = v
			cand.Confidence += 0.1
		}
		cand.EffectiveFrom, cand.EffectiveUntil, cand.Temporal = findDates(sentence)
		if cand.EffectiveFrom != "" {
			cand.Confidence += 0.05
		}

		cand.LogicExpression = logicFor(cand)
		if cand.Confidence > heuristicMaxConf {
			cand.Confidence = heuristicMaxConf
		}
		out = append(out, cand)
	}
	return out
}

func logicFor(c model.ClaimCandidate) string {
	value := "present"
	if c.Value.Kind != model.ValueNone {
		value = c.Value.Canonical()
	}
	return fmt.Sprintf("%s %s %s when %s", c.Concept, c.AssertionType, value, c.Trigger)
}

func containsPhrase(folded, phrase string) bool {
	return strings.Contains(folded, " "+normalize.Fold(phrase)+" ")
}

func findAssertion(folded string) (model.AssertionType, bool) {
	for _, m := range assertionMarkers {
		for _, p := range m.phrases {
			if containsPhrase(folded, p) {
				return m.assertion, true
			}
		}
	}
	return "", false
}

func findSubject(folded string) model.SubjectType {
	for _, m := range subjectMarkers {
		for _, p := range m.phrases {
			if containsPhrase(folded, p) {
				return m.subject
			}
		}
	}
	return model.SubjectAll
}

// articleFor returns the reference inside [start,end) if any, and otherwise
// the nearest one before start
func articleFor(text string, refs [][]int, start, end int) (own, inherited string) {
	for _, r := range refs {
		if r[0] >= end {
			break
		}
		ref := formatArticle(text[r[2]:r[3]], text[r[4]:r[5]])
		if r[0] >= start-1 {
			return ref, ""
		}
		inherited = ref
	}
	return "", inherited
}

func formatArticle(keyword, number string) string {
	switch strings.ToLower(keyword) {
	case "članak", "članka", "članku", "čl.":
		return "čl. " + number
	case "section":
		return "Section " + number
	case "§":
		return "§ " + number
	default:
		return "Article " + number
	}
}

func findThreshold(sentence string) (field, op, amount string, loc []int) {
	m := thresholdRe.FindStringSubmatchIndex(sentence)
	if m == nil {
		return "", "", "", nil
	}
	switch strings.ToLower(sentence[m[4]:m[5]]) {
	case "manji od", "ispod", "below", "under":
		op = "<"
	case "do", "up to":
		op = "<="
	default:
		op = ">"
	}
	amount = parseAmount(sentence[m[6]:m[7]], group(sentence, m, 8))
	return "revenue", op, amount, []int{m[0], m[1]}
}

func findAmount(s string) (model.Value, bool) {
	m := amountRe.FindStringSubmatchIndex(s)
	if m == nil {
		return model.Value{}, false
	}
	return model.Value{Kind: model.ValueNumber, Text: parseAmount(s[m[2]:m[3]], group(s, m, 4))}, true
}

func group(s string, m []int, i int) string {
	if m[i] < 0 {
		return ""
	}
	return s[m[i]:m[i+1]]
}

// parseAmount drops thousands separators and re-attaches decimals
func parseAmount(whole, decimals string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, whole)
	if decimals != "" {
		digits += "." + decimals
	}
	if f, err := strconv.ParseFloat(digits, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return digits
}

type foundDate struct {
	at    int
	day   string
	until bool
}

// findDates returns the first start date, the first end date and the raw
// temporal phrase
func findDates(sentence string) (from, until, temporal string) {
	var dates []foundDate
	for _, m := range croatianDateRe.FindAllStringSubmatchIndex(sentence, -1) {
		d, mo, y := atoi(sentence[m[2]:m[3]]), atoi(sentence[m[4]:m[5]]), atoi(sentence[m[6]:m[7]])
		if mo < 1 || mo > 12 || d < 1 || d > 31 {
			continue
		}
		dates = append(dates, foundDate{at: m[0], day: fmt.Sprintf("%04d-%02d-%02d", y, mo, d), until: untilMarkerRe.MatchString(sentence[:m[0]])})
	}
	for _, m := range isoDateRe.FindAllStringSubmatchIndex(sentence, -1) {
		dates = append(dates, foundDate{at: m[0], day: sentence[m[0]:m[1]], until: untilMarkerRe.MatchString(sentence[:m[0]])})
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].at < dates[j].at })

	var parts []string
	for _, d := range dates {
		if _, err := model.ParseDay(d.day); err != nil {
			continue
		}
		switch {
		case d.until && until == "":
			until = d.day
			parts = append(parts, "until "+d.day)
		case !d.until && from == "":
			from = d.day
			parts = append(parts, "from "+d.day)
		}
	}
	return from, until, strings.Join(parts, " ")
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// splitSentences breaks normalized text into sentences of 30 to 500 bytes.
// A terminator only ends a sentence when an upper-case letter follows, so
// "1. 1. 2025." and "40.000" stay intact.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	flush := func() {
		s := strings.TrimSpace(current.String())
		if len(s) >= 30 && len(s) <= 500 {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r != '.' && r != '!' && r != '?' && r != ';' {
			continue
		}
		j := i + 1
		if j < len(runes) && runes[j] != ' ' {
			continue
		}
		for j < len(runes) && runes[j] == ' ' {
			j++
		}
		if j == len(runes) || unicode.IsUpper(runes[j]) {
			flush()
		}
	}
	flush()
	return sentences
}
