// Package config resolves which backend, model and parameters serve each role.
//
// Settings come from an optional YAML roles file plus environment variables:
// - <ROLE>_PROVIDER, <ROLE>_MODEL, <ROLE>_BASE_URL, <ROLE>_MAX_TOKENS,
//   <ROLE>_TEMPERATURE override the file for main, research and fallback
// - <PROVIDER>_API_KEY, <PROVIDER>_MODEL, <PROVIDER>_BASE_URL per provider

package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/richinex/rolecall/llm"
)

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
	baseURLEnv   string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", llm.ModelGPT4o, "OPENAI_API_KEY", "OPENAI_BASE_URL"},
	"anthropic": {"ANTHROPIC_MODEL", llm.ModelClaudeSonnet4, "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL"},
	"deepseek":  {"DEEPSEEK_MODEL", llm.ModelDeepSeekChat, "DEEPSEEK_API_KEY", "DEEPSEEK_BASE_URL"},
	"gemini":    {"GEMINI_MODEL", llm.ModelGeminiFlash25, "GEMINI_API_KEY", "GEMINI_BASE_URL"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// NormalizeProvider converts provider aliases to canonical names.
func NormalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = NormalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%w: %s environment variable not set", ErrMissingAPIKey, info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = NormalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	if val := os.Getenv(info.modelEnv); val != "" {
		return val, nil
	}
	return info.defaultModel, nil
}

// BaseURLFor returns the provider-wide base URL override, or "".
func BaseURLFor(provider string) string {
	info, err := getProviderInfo(NormalizeProvider(provider))
	if err != nil {
		return ""
	}
	return os.Getenv(info.baseURLEnv)
}

// SupportedProviders returns the sorted list of supported provider names.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Environment variable helpers with proper error handling

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string) (*float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return &f, nil
}
