package concept

import "github.com/ppiankov/statute/internal/model"

// Default is the built-in taxonomy for Croatian tax and business registration rules
func Default() []model.ConceptNode {
	return []model.ConceptNode{
		{ID: Unclassified, Name: "Unclassified"},
		{ID: "vat", Name: "VAT", Synonyms: []string{"pdv", "porez na dodanu vrijednost", "value added tax"}},
		{ID: "vat-threshold", Name: "VAT threshold", ParentID: "vat", Synonyms: []string{"prag za upis u registar obveznika pdv-a", "vat registration threshold"}},
		{ID: "vat-threshold-small-business", Name: "VAT threshold for small businesses", ParentID: "vat-threshold", Synonyms: []string{"mali porezni obveznik"}},
		{ID: "vat-rate", Name: "VAT rate", ParentID: "vat", Synonyms: []string{"stopa pdv-a"}},
		{ID: "fiscal-registration", Name: "Fiscal registration", Synonyms: []string{"fiskalizacija", "fiscalization"}},
		{ID: "income-tax", Name: "Income tax", Synonyms: []string{"porez na dohodak"}},
		{ID: "profit-tax", Name: "Profit tax", Synonyms: []string{"porez na dobit", "corporate income tax"}},
		{ID: "payroll-contributions", Name: "Payroll contributions", Synonyms: []string{"doprinosi", "social contributions"}},
		{ID: "filing-deadline", Name: "Filing deadline", Synonyms: []string{"rok za podnošenje"}},
		{ID: "lump-sum-taxation", Name: "Lump-sum taxation", ParentID: "income-tax", Synonyms: []string{"paušalno oporezivanje"}, Overrides: []string{"vat-threshold"}},
	}
}
