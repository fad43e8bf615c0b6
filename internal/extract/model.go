package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/statute/internal/cache"
	"github.com/ppiankov/statute/internal/concept"
	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/llm"
	"github.com/ppiankov/statute/internal/metrics"
	"github.com/ppiankov/statute/internal/model"
)

// Input is what an extraction model sees of one Evidence
type Input struct {
	EvidenceID   string
	URL          string
	Jurisdiction string
	Authority    model.AuthorityTier
	ContentHash  string
	Text         string
}

// Model turns evidence text into raw candidate JSON of the form
// {"claims": [...]}. Output is untrusted until validated.
type Model interface {
	Name() string
	Extract(ctx context.Context, in Input) ([]byte, error)
}

// LLMModel prompts a language model for claim candidates
type LLMModel struct {
	provider llm.Provider
	taxonomy *concept.Taxonomy
	model    string
}

// NewLLMModel wraps provider
func NewLLMModel(provider llm.Provider, taxonomy *concept.Taxonomy, modelName string) *LLMModel {
	return &LLMModel{provider: provider, taxonomy: taxonomy, model: modelName}
}

func (m *LLMModel) Name() string {
	if m.model == "" {
		return m.provider.Name()
	}
	return m.provider.Name() + "/" + m.model
}

// Extract implements Model
func (m *LLMModel) Extract(ctx context.Context, in Input) ([]byte, error) {
	resp, err := m.provider.Complete(ctx, llm.Request{
		System: systemPrompt,
		Prompt: BuildPrompt(in, m.taxonomy.Nodes()),
		Model:  m.model,
		JSON:   true,
	})
	if err != nil {
		return nil, classifyModelError(m.provider.Name(), err)
	}
	return []byte(stripFences(resp.Text)), nil
}

// classifyModelError keeps unavailable or throttled models transient and
// rejected requests permanent
func classifyModelError(provider string, err error) error {
	op := "extract with " + provider
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return fault.Validation(op, "model rejected request: status %d", apiErr.StatusCode)
	}
	return fault.Transient(op, err)
}

// stripFences removes a markdown code fence some models wrap JSON in
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// NewModel builds the configured model behind a response cache
func NewModel(cfg model.ExtractConfig, hc model.HTTPConfig, taxonomy *concept.Taxonomy, m *metrics.Metrics) (Model, error) {
	var base Model
	switch strings.ToLower(cfg.Provider) {
	case "", "heuristic":
		base = NewHeuristic(taxonomy)
	default:
		provider, err := llm.NewProvider(llm.ConfigFromModel(cfg, hc))
		if err != nil {
			return nil, fmt.Errorf("extraction model: %w", err)
		}
		base = NewLLMModel(provider, taxonomy, cfg.Model)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return NewCachedModel(base, cache.New(cfg.CacheDir, ttl), ttl, m), nil
}
