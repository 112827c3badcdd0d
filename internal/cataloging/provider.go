package cataloging

import (
	"fmt"

	"github.com/lehigh-university-libraries/ephemera/internal/claude"
	"github.com/lehigh-university-libraries/ephemera/internal/gemini"
	"github.com/lehigh-university-libraries/ephemera/internal/ollama"
	"github.com/lehigh-university-libraries/ephemera/internal/openai"
	"github.com/lehigh-university-libraries/ephemera/internal/providers"
)

// ProviderSettings selects and configures a vision provider
type ProviderSettings struct {
	Name              string
	Model             string
	OllamaURL         string
	OpenAIKey         string
	GeminiKey         string
	AnthropicKey      string
	RequestsPerMinute float64
}

// NewProvider builds the named provider, throttled when a rate is set
func NewProvider(cfg ProviderSettings) (providers.Provider, error) {
	var p providers.Provider
	switch cfg.Name {
	case "", "ollama":
		o := ollama.New()
		if cfg.OllamaURL != "" {
			o.URL = cfg.OllamaURL
		}
		p = o
	case "openai":
		o := openai.New()
		if cfg.OpenAIKey != "" {
			o.APIKey = cfg.OpenAIKey
		}
		p = o
	case "gemini":
		g := gemini.New()
		if cfg.GeminiKey != "" {
			g.APIKey = cfg.GeminiKey
		}
		p = g
	case "claude", "anthropic":
		if cfg.AnthropicKey != "" {
			p = claude.NewWithKey(cfg.AnthropicKey)
		} else {
			p = claude.New()
		}
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Name)
	}
	return providers.Throttle(p, cfg.RequestsPerMinute), nil
}

// DefaultModel returns the model used when none is configured
func DefaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o"
	case "gemini":
		return "gemini-2.5-flash"
	case "claude", "anthropic":
		return "claude-sonnet-4-5"
	default:
		return "mistral-small3.2:24b"
	}
}
