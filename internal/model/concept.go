package model

// ConceptNode is a taxonomy node used to group claims and rank rules
type ConceptNode struct {
	ID        string   `json:"id" yaml:"id"` // Slug, e.g. "vat-threshold"
	Name      string   `json:"name" yaml:"name"`
	ParentID  string   `json:"parent_id,omitempty" yaml:"parent"`
	Synonyms  []string `json:"synonyms,omitempty" yaml:"synonyms"`
	Overrides []string `json:"overrides,omitempty" yaml:"overrides"` // Concepts this one takes precedence over
}
