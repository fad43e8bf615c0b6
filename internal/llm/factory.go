package llm

import (
	"fmt"
	"sort"
	"strings"
)

type constructor func(Config) (Provider, error)

var constructors = map[string]constructor{
	"openai":    func(c Config) (Provider, error) { return NewOpenAIProvider(c) },
	"anthropic": func(c Config) (Provider, error) { return NewAnthropicProvider(c) },
	"ollama":    func(c Config) (Provider, error) { return NewOllamaProvider(c) },
}

var aliases = map[string]string{"claude": "anthropic"}

// Providers lists the supported provider names
func Providers() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProvider creates the provider named by cfg.Provider (case-insensitive)
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	build, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider %q (supported: %s)", cfg.Provider, strings.Join(Providers(), ", "))
	}
	return build(cfg)
}
