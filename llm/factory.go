// Provider factory: one Backend per vendor, built fresh for every call.
//
// Usage:
//
//	backends := llm.Backends()
//	resp, err := backends["anthropic"].Invoke(ctx, llm.KindText, llm.CallParams{
//	    APIKey:   os.Getenv(llm.ProviderAnthropic.EnvVar()),
//	    Model:    llm.ModelClaudeSonnet4,
//	    Messages: []llm.ChatMessage{llm.UserMessage("hello")},
//	})

package llm

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaxTokens is used when a call does not set MaxTokens.
const DefaultMaxTokens = 4096

// ProviderType represents supported LLM providers.
type ProviderType int

const (
	// ProviderOpenAI is the OpenAI provider (GPT models).
	ProviderOpenAI ProviderType = iota
	// ProviderAnthropic is the Anthropic provider (Claude models).
	ProviderAnthropic
	// ProviderDeepSeek is the DeepSeek provider.
	ProviderDeepSeek
	// ProviderGemini is the Google Gemini provider.
	ProviderGemini
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	switch p {
	case ProviderOpenAI:
		return "openai"
	case ProviderAnthropic:
		return "anthropic"
	case ProviderDeepSeek:
		return "deepseek"
	case ProviderGemini:
		return "gemini"
	default:
		return "unknown"
	}
}

// EnvVar returns the environment variable name for this provider's API key.
func (p ProviderType) EnvVar() string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderDeepSeek:
		return "DEEPSEEK_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// DefaultModel returns the default model for this provider.
func (p ProviderType) DefaultModel() string {
	switch p {
	case ProviderOpenAI:
		return ModelGPT4o
	case ProviderAnthropic:
		return ModelClaudeSonnet4
	case ProviderDeepSeek:
		return ModelDeepSeekChat
	case ProviderGemini:
		return ModelGeminiFlash25
	default:
		return ""
	}
}

// ParseProviderType parses a provider from string (case-insensitive).
func ParseProviderType(s string) (ProviderType, error) {
	switch strings.ToLower(s) {
	case "openai", "gpt":
		return ProviderOpenAI, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "deepseek":
		return ProviderDeepSeek, nil
	case "gemini", "google":
		return ProviderGemini, nil
	default:
		return 0, fmt.Errorf("unknown provider: %s", s)
	}
}

// NewProvider builds a provider of type p for one call's parameters.
// Empty model and zero max tokens fall back to the provider defaults.
func NewProvider(ctx context.Context, p ProviderType, params CallParams) (Provider, error) {
	model := params.Model
	if model == "" {
		model = p.DefaultModel()
	}

	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	switch p {
	case ProviderOpenAI:
		return NewOpenAIProvider(params.APIKey, params.BaseURL, model, maxTokens, params.Temperature), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(params.APIKey, params.BaseURL, model, maxTokens, params.Temperature), nil
	case ProviderDeepSeek:
		return NewDeepSeekProvider(params.APIKey, params.BaseURL, model, maxTokens, params.Temperature), nil
	case ProviderGemini:
		return NewGeminiProvider(ctx, params.APIKey, params.BaseURL, model, maxTokens, params.Temperature), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %v", p)
	}
}

// ProviderTypes lists every supported provider.
func ProviderTypes() []ProviderType {
	return []ProviderType{ProviderOpenAI, ProviderAnthropic, ProviderDeepSeek, ProviderGemini}
}

// Backends returns one Backend per supported provider, keyed by provider name.
func Backends() map[string]Backend {
	backends := make(map[string]Backend, len(ProviderTypes()))
	for _, p := range ProviderTypes() {
		backends[p.String()] = NewClient(p)
	}
	return backends
}

// Model ids known to the built-in catalog.
const (
	ModelGPT4o     = "gpt-4o"
	ModelGPT4oMini = "gpt-4o-mini"
	ModelO3Mini    = "o3-mini"
	ModelO1        = "o1"

	ModelClaudeOpus45  = "claude-opus-4-5-20251101"
	ModelClaudeSonnet4 = "claude-sonnet-4-20250514"
	ModelClaudeHaiku4  = "claude-haiku-4-20250514"

	// DeepSeek serves its current general and reasoning models under
	// stable aliases.
	ModelDeepSeekChat     = "deepseek-chat"
	ModelDeepSeekReasoner = "deepseek-reasoner"

	ModelGeminiFlash25 = "gemini-2.5-flash"
	ModelGeminiPro25   = "gemini-2.5-pro"
)
