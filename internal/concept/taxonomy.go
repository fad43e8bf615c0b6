// Package concept holds the regulatory concept taxonomy and the precedence
// edges the Arbiter uses to rank rules on related concepts.
package concept

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/statute/internal/model"
	"github.com/ppiankov/statute/internal/normalize"
)

// Taxonomy is a concurrency-safe concept graph
type Taxonomy struct {
	mu        sync.RWMutex
	nodes     map[string]*model.ConceptNode
	synonyms  map[string]string // folded synonym -> concept id
	overrides map[string]map[string]bool
}

// New creates a taxonomy from nodes and builds precedence edges
func New(nodes []model.ConceptNode) (*Taxonomy, error) {
	t := &Taxonomy{
		nodes:    make(map[string]*model.ConceptNode),
		synonyms: make(map[string]string),
	}
	for i := range nodes {
		if err := t.add(nodes[i]); err != nil {
			return nil, err
		}
	}
	if err := t.checkParents(); err != nil {
		return nil, err
	}
	t.buildPrecedence()
	return t, nil
}

type taxonomyFile struct {
	Concepts []model.ConceptNode `yaml:"concepts"`
}

// Load reads a YAML taxonomy file; an empty path yields the built-in taxonomy
func Load(path string) (*Taxonomy, error) {
	if path == "" {
		return New(Default())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy: %w", err)
	}
	var f taxonomyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	return New(f.Concepts)
}

func (t *Taxonomy) add(n model.ConceptNode) error {
	id := Slug(n.ID)
	if id == "" {
		return fmt.Errorf("concept without id")
	}
	if _, dup := t.nodes[id]; dup {
		return fmt.Errorf("duplicate concept %s", id)
	}
	n.ID = id
	if n.ParentID != "" {
		n.ParentID = Slug(n.ParentID)
	}
	t.nodes[id] = &n
	t.synonyms[normalize.Fold(id)] = id
	t.synonyms[normalize.Fold(strings.ReplaceAll(id, "-", " "))] = id
	if n.Name != "" {
		t.synonyms[normalize.Fold(n.Name)] = id
	}
	for _, s := range n.Synonyms {
		t.synonyms[normalize.Fold(s)] = id
	}
	return nil
}

func (t *Taxonomy) checkParents() error {
	for id, n := range t.nodes {
		seen := map[string]bool{id: true}
		for p := n.ParentID; p != ""; p = t.nodes[p].ParentID {
			if _, ok := t.nodes[p]; !ok {
				return fmt.Errorf("concept %s: unknown parent %s", id, p)
			}
			if seen[p] {
				return fmt.Errorf("concept %s: parent cycle", id)
			}
			seen[p] = true
		}
	}
	return nil
}

// buildPrecedence derives overrides edges: a child overrides its ancestors,
// plus any explicit edges declared in the taxonomy, closed transitively.
func (t *Taxonomy) buildPrecedence() {
	edges := make(map[string]map[string]bool, len(t.nodes))
	for id, n := range t.nodes {
		set := make(map[string]bool)
		for p := n.ParentID; p != ""; p = t.nodes[p].ParentID {
			set[p] = true
		}
		for _, o := range n.Overrides {
			if o = Slug(o); o != id && t.nodes[o] != nil {
				set[o] = true
			}
		}
		edges[id] = set
	}

	for changed := true; changed; {
		changed = false
		for id, set := range edges {
			for o := range set {
				for oo := range edges[o] {
					if oo != id && !set[oo] {
						set[oo] = true
						changed = true
					}
				}
			}
		}
	}

	t.overrides = edges
	for id, n := range t.nodes {
		n.Overrides = keys(edges[id])
	}
}

// Get returns a concept by id
func (t *Taxonomy) Get(id string) (model.ConceptNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[Slug(id)]
	if !ok {
		return model.ConceptNode{}, false
	}
	return *n, true
}

// Resolve maps an extracted concept label to a concept id, registering an
// unclassified leaf when nothing matches
func (t *Taxonomy) Resolve(label string) string {
	folded := normalize.Fold(label)
	t.mu.RLock()
	id, ok := t.synonyms[folded]
	t.mu.RUnlock()
	if ok {
		return id
	}

	id = Slug(label)
	if id == "" {
		id = Unclassified
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.synonyms[folded]; ok {
		return existing
	}
	if _, ok := t.nodes[id]; !ok {
		parent := Unclassified
		if _, ok := t.nodes[Unclassified]; !ok || id == Unclassified {
			parent = ""
		}
		t.nodes[id] = &model.ConceptNode{ID: id, Name: label, ParentID: parent}
		t.overrides[id] = map[string]bool{}
	}
	t.synonyms[folded] = id
	return id
}

// Match finds the concept whose id, name or synonym occurs in text as whole
// words. The longest term wins, so specific concepts beat their parents.
func (t *Taxonomy) Match(text string) (string, bool) {
	folded := " " + normalize.Fold(text) + " "
	t.mu.RLock()
	defer t.mu.RUnlock()
	best, bestLen := "", 0
	for term, id := range t.synonyms {
		if id == Unclassified || len(term) < bestLen || (len(term) == bestLen && id >= best) {
			continue
		}
		if strings.Contains(folded, " "+term+" ") {
			best, bestLen = id, len(term)
		}
	}
	return best, best != ""
}

// Overrides reports whether concept a takes precedence over concept b
func (t *Taxonomy) Overrides(a, b string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.overrides[a][b]
}

// Related returns concepts joined to id by a precedence edge in either direction
func (t *Taxonomy) Related(id string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := make(map[string]bool)
	for o := range t.overrides[id] {
		set[o] = true
	}
	for other, edges := range t.overrides {
		if edges[id] {
			set[other] = true
		}
	}
	delete(set, Unclassified)
	return keys(set)
}

// Nodes returns all concepts sorted by id
func (t *Taxonomy) Nodes() []model.ConceptNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.ConceptNode, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unclassified parents concepts the taxonomy did not know about
const Unclassified = "unclassified"

// Slug lower-cases and hyphenates a label
func Slug(s string) string {
	return strings.Join(normalize.Tokens(s), "-")
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
