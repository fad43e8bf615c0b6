package extract

import (
	"fmt"
	"strings"

	"github.com/ppiankov/statute/internal/model"
)

const systemPrompt = `You extract machine-checkable regulatory claims from official source text.
You never invent facts. Every claim quotes the source verbatim and names the article or law it comes from.
You answer with one JSON object and nothing else.`

// maxPromptChars bounds the evidence text sent to the model
const maxPromptChars = 24000

// BuildPrompt constructs the extraction prompt for one Evidence
func BuildPrompt(in Input, concepts []model.ConceptNode) string {
	text := in.Text
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}

	prompt := fmt.Sprintf(`Extract every atomic regulatory claim from the SOURCE below.

Jurisdiction: %s
Source URL: %s

Known concepts (use the id when one fits, otherwise a short new label):
%s

RULES:
1. "exact_quote" MUST be copied character for character from SOURCE.
2. "article_ref" names the article, section or law (e.g. "čl. 90 Zakona o PDV-u"). Never leave it empty.
3. "subject_type" is one of: taxpayer, employer, company, individual, all.
4. "assertion_type" is one of: obligation, prohibition, permission, definition.
5. "trigger" is a condition in the form field op value joined by AND, e.g. revenue > 40000 AND sector == "retail". Use "true" when the claim always applies.
6. "effective_from" and "effective_until" are YYYY-MM-DD or empty.
7. "value" is {"kind": "number"|"string"|"bool"|"date", "text": "..."} or omitted.
8. "exceptions" lists carve-outs as {"condition": <trigger syntax>, "value": <value>, "source_article": "..."}.
9. "confidence" is your certainty in [0, 1].

Respond with: {"claims": [{"concept", "subject_type", "trigger", "temporal", "effective_from", "effective_until",
"assertion_type", "logic_expression", "value", "jurisdiction", "exact_quote", "article_ref", "confidence", "exceptions"}]}

SOURCE:
%s
`, in.Jurisdiction, in.URL, conceptList(concepts), text)

	return prompt
}

func conceptList(concepts []model.ConceptNode) string {
	if len(concepts) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, c := range concepts {
		if i >= 60 { // Keep the prompt bounded
			fmt.Fprintf(&b, "... and %d more\n", len(concepts)-60)
			break
		}
		fmt.Fprintf(&b, "- %s: %s", c.ID, c.Name)
		if len(c.Synonyms) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(c.Synonyms, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
