// Package providers - provider catalog and constructor dispatch.
package providers

import "fmt"

// Catalog holds the built-in provider presets, keyed by id. It replaces the
// SQL-table-backed hot-reload Registry the teacher used (bound to
// internal/core.Engine's bespoke `providers` table): the kernel resolves
// provider configuration from internal/config (env vars and flags, see
// SPEC_FULL.md §1.1), so there is no database row to reload from. The
// provider-selection switch itself survives unchanged in NewProvider.
var Catalog = map[string]ProviderConfig{
	"cerebras": {
		ID: "cerebras", Name: "Cerebras", BaseURL: "https://api.cerebras.ai/v1",
		APIKeyEnv: "CEREBRAS_API_KEY", DefaultModel: "llama-3.3-70b",
	},
	"openrouter": {
		ID: "openrouter", Name: "OpenRouter", BaseURL: "https://openrouter.ai/api/v1",
		APIKeyEnv: "OPENROUTER_API_KEY", DefaultModel: "meta-llama/llama-3.1-70b-instruct",
	},
}

// NewProvider constructs a Provider for id, falling back to a generic
// OpenAI-compatible client when id is not a known preset. A non-nil cfg
// replaces the catalog entry entirely; the catalog is consulted only when
// cfg is nil.
func NewProvider(id string, cfg *ProviderConfig) Provider {
	if cfg == nil {
		if preset, ok := Catalog[id]; ok {
			c := preset
			cfg = &c
		}
	}
	switch id {
	case "cerebras":
		return NewCerebrasProvider(cfg)
	case "openrouter":
		return NewOpenRouterProvider(cfg)
	default:
		return NewGenericProvider(cfg)
	}
}

// Lookup resolves a provider by id against the Catalog, returning an error
// if id is not a Catalog entry.
func Lookup(id string) (Provider, error) {
	cfg, ok := Catalog[id]
	if !ok {
		return nil, fmt.Errorf("provider %q not found in catalog", id)
	}
	return NewProvider(id, &cfg), nil
}

// GenericProvider is a generic OpenAI-compatible provider, used for any id
// absent from Catalog when the caller supplies its own ProviderConfig.
type GenericProvider struct {
	config *ProviderConfig
	*CerebrasProvider // Embed Cerebras for OpenAI-compatible behavior
}

// NewGenericProvider creates a generic OpenAI-compatible provider.
func NewGenericProvider(config *ProviderConfig) *GenericProvider {
	return &GenericProvider{
		config:           config,
		CerebrasProvider: NewCerebrasProvider(config),
	}
}

// ID returns the provider identifier.
func (p *GenericProvider) ID() string {
	if p.config == nil {
		return "generic"
	}
	return p.config.ID
}

// Name returns the human-readable name.
func (p *GenericProvider) Name() string {
	if p.config == nil {
		return "Generic"
	}
	return p.config.Name
}
