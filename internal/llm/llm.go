// Package llm wraps chat-completion providers behind one small interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultGeminiModel = "gemini-2.0-flash"
)

// ErrEmptyCompletion is returned when the provider answered without text.
var ErrEmptyCompletion = errors.New("empty completion")

// Request is one system+user exchange.
type Request struct {
	// Model overrides the configured default when set.
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for a single JSON object.
	JSON bool
}

// Client completes one request and returns the trimmed response text.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type Config struct {
	Provider   string        `yaml:"provider"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// New returns the configured provider. A blank API key disables the model
// and yields a nil Client with no error.
func New(ctx context.Context, cfg Config) (Client, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("new llm client: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, nil
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAI(cfg), nil
	case ProviderGemini:
		client, err := newGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, fmt.Errorf("new llm client: unsupported provider %q", cfg.Provider)
}

func normalizeConfig(cfg Config) (Config, error) {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = ProviderOpenAI
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		if cfg.Provider == ProviderGemini {
			cfg.Model = DefaultGeminiModel
		} else {
			cfg.Model = DefaultOpenAIModel
		}
	}
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return Config{}, fmt.Errorf("parse base_url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return Config{}, fmt.Errorf("parse base_url: must include scheme and host")
		}
	}
	if cfg.MaxRetries < 0 {
		return Config{}, fmt.Errorf("max_retries must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg, nil
}

func modelOrDefault(requested, fallback string) string {
	if model := strings.TrimSpace(requested); model != "" {
		return model
	}
	return fallback
}
