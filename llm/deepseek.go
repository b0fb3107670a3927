// DeepSeek Provider built on the OpenAI-compatible adapter.
//
// Information Hiding:
// - Uses OpenAI-compatible API with different base URL
// - Supports deepseek-chat and deepseek-reasoner models

package llm

const deepseekBaseURL = "https://api.deepseek.com/v1"

// NewDeepSeekProvider creates a DeepSeek provider. An empty baseURL selects
// the public DeepSeek endpoint.
func NewDeepSeekProvider(apiKey, baseURL, model string, maxTokens uint32, temperature *float64) *OpenAIProvider {
	if baseURL == "" {
		baseURL = deepseekBaseURL
	}
	p := NewOpenAIProvider(apiKey, baseURL, model, maxTokens, temperature)
	p.name = "deepseek"
	return p
}
