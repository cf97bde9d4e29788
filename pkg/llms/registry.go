package llms

import (
	"fmt"
	"time"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/config"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/registry"
)

// ProviderRegistry resolves a model id to the provider serving it.
type ProviderRegistry struct {
	byModel *registry.BaseRegistry[Provider]
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		byModel: registry.NewBaseRegistry[Provider](),
	}
}

// NewProviderRegistryFromConfig builds providers from the config table and
// indexes them by model id.
func NewProviderRegistryFromConfig(cfg config.LLMConfig) (*ProviderRegistry, error) {
	r := NewProviderRegistry()

	for name, pc := range cfg.Providers {
		provider, err := NewOpenAIProvider(OpenAIOptions{
			Name:       name,
			BaseURL:    pc.BaseURL,
			APIKey:     pc.APIKey,
			Models:     pc.Models,
			Timeout:    time.Duration(pc.TimeoutSeconds) * time.Second,
			MaxRetries: pc.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		if err := r.Add(provider); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Add indexes a provider under each of its model ids.
func (r *ProviderRegistry) Add(p Provider) error {
	for _, model := range p.Models() {
		if existing, ok := r.byModel.Get(model); ok {
			return fmt.Errorf("model %q already served by provider %q", model, existing.Name())
		}
		if err := r.byModel.Register(model, p); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the provider serving the given model id.
func (r *ProviderRegistry) Resolve(model string) (Provider, error) {
	p, ok := r.byModel.Get(model)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	return p, nil
}

// Models lists all known model ids.
func (r *ProviderRegistry) Models() []string {
	return r.byModel.Names()
}
