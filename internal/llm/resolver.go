package llm

import "fmt"

// ProviderConfig selects and configures a backend.
type ProviderConfig struct {
	Name      string
	APIKey    string
	BaseURL   string
	OllamaURL string
}

// NewProvider creates the Provider named by cfg.Name.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Name {
	case "openai", "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: %w: no API key", ErrProviderNotAvailable)
		}
		if cfg.BaseURL != "" {
			return NewOpenAIProviderWithBaseURL(cfg.APIKey, cfg.BaseURL), nil
		}
		return NewOpenAIProvider(cfg.APIKey), nil
	case "ollama":
		return NewOllamaProvider(cfg.OllamaURL), nil
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Name, ErrProviderNotAvailable)
	}
}

// ProviderUsesAPIKey reports whether the named provider requires an API key.
func ProviderUsesAPIKey(providerName string) bool {
	return providerName == "openai" || providerName == ""
}
