package concept

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/statute/internal/model"
)

func TestResolve_Synonyms(t *testing.T) {
	tax, err := New(Default())
	require.NoError(t, err)

	assert.Equal(t, "vat-threshold", tax.Resolve("VAT threshold"))
	assert.Equal(t, "vat-threshold", tax.Resolve("Prag za upis u registar obveznika PDV-a"))
	assert.Equal(t, "fiscal-registration", tax.Resolve("fiskalizacija"))
	assert.Equal(t, "vat-threshold", tax.Resolve("vat-threshold"))
}

func TestResolve_RegistersUnknown(t *testing.T) {
	tax, err := New(Default())
	require.NoError(t, err)

	id := tax.Resolve("Tourist Tax")
	assert.Equal(t, "tourist-tax", id)

	node, ok := tax.Get(id)
	require.True(t, ok)
	assert.Equal(t, Unclassified, node.ParentID)
	assert.Equal(t, id, tax.Resolve("tourist tax"))
}

func TestPrecedence(t *testing.T) {
	tax, err := New(Default())
	require.NoError(t, err)

	assert.True(t, tax.Overrides("vat-threshold-small-business", "vat-threshold"))
	assert.True(t, tax.Overrides("vat-threshold-small-business", "vat"), "transitive through parent chain")
	assert.False(t, tax.Overrides("vat-threshold", "vat-threshold-small-business"))
	assert.True(t, tax.Overrides("lump-sum-taxation", "vat-threshold"), "explicit edge")
	assert.True(t, tax.Overrides("lump-sum-taxation", "vat"), "explicit edge closes over parents")

	assert.ElementsMatch(t, []string{"vat", "vat-threshold-small-business", "lump-sum-taxation"}, tax.Related("vat-threshold"))
}

func TestNew_Errors(t *testing.T) {
	_, err := New([]model.ConceptNode{{ID: "a", ParentID: "missing"}})
	assert.Error(t, err)

	_, err = New([]model.ConceptNode{{ID: "a", ParentID: "b"}, {ID: "b", ParentID: "a"}})
	assert.Error(t, err)

	_, err = New([]model.ConceptNode{{ID: "a"}, {ID: "A"}})
	assert.Error(t, err)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	content := `concepts:
  - id: vat
    name: VAT
  - id: vat-threshold
    name: VAT threshold
    parent: vat
    synonyms: [prag]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tax, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "vat-threshold", tax.Resolve("prag"))
	assert.True(t, tax.Overrides("vat-threshold", "vat"))
}

func TestMatch_LongestTermWins(t *testing.T) {
	tax, err := New(Default())
	require.NoError(t, err)

	id, ok := tax.Match("Prag za upis u registar obveznika PDV-a iznosi 60.000 eura.")
	require.True(t, ok)
	assert.Equal(t, "vat-threshold", id)

	id, ok = tax.Match("Stopa PDV-a iznosi 25%.")
	require.True(t, ok)
	assert.Equal(t, "vat-rate", id)

	_, ok = tax.Match("Nothing regulatory here.")
	assert.False(t, ok)

	// Whole words only: "pdvx" must not match "pdv".
	_, ok = tax.Match("pdvx code")
	assert.False(t, ok)
}
