package engine

import (
	"context"
	"fmt"

	"github.com/tenderai/tenderd/internal/voyage"
)

// Providers accepted by Detect.
const (
	ProviderAuto   = "auto"
	ProviderOllama = "ollama"
	ProviderVoyage = "voyage"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

const defaultOllamaURL = "http://localhost:11434"

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	Provider     string
	BaseURL      string
	Model        string
	Dimensions   int
	VoyageAPIKey string
	OpenAIAPIKey string
}

// Detect resolves the configured embedding backend. A nil Engine with a nil
// error means no backend is available and the vector tier stays disabled.
// Explicitly requested providers that cannot be used return an error.
func Detect(ctx context.Context, cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case ProviderNone:
		return nil, nil

	case ProviderVoyage:
		if cfg.VoyageAPIKey == "" {
			return nil, fmt.Errorf("embedding provider voyage requires an API key")
		}
		return newVoyage(cfg), nil

	case ProviderOpenAI:
		if cfg.BaseURL == "" && cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("embedding provider openai requires a base URL or an API key")
		}
		return NewOpenAIEngine(cfg.BaseURL, cfg.OpenAIAPIKey, cfg.Model)

	case ProviderOllama:
		e := NewOllamaEngine(ollamaURL(cfg))
		if !e.IsRunning(ctx) {
			return nil, fmt.Errorf("ollama is not reachable at %s", ollamaURL(cfg))
		}
		return e, nil

	case ProviderAuto, "":
		if cfg.VoyageAPIKey != "" {
			return newVoyage(cfg), nil
		}
		if e := NewOllamaEngine(ollamaURL(cfg)); e.IsRunning(ctx) {
			return e, nil
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func newVoyage(cfg DetectConfig) *VoyageEngine {
	var c *voyage.Client
	if cfg.BaseURL != "" {
		c = voyage.NewClientWithBaseURL(cfg.VoyageAPIKey, cfg.BaseURL, cfg.Dimensions)
	} else {
		c = voyage.NewClient(cfg.VoyageAPIKey, cfg.Dimensions)
	}
	return NewVoyageEngine(c)
}

func ollamaURL(cfg DetectConfig) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return defaultOllamaURL
}
