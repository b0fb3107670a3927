// Anthropic Provider implementation using official anthropic-sdk-go.
//
// Information Hiding:
// - API endpoint and authentication
// - Request/response format for Anthropic Messages API
// - Structured output via a single forced tool call
// - Streaming via official SDK

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements the Provider interface for Anthropic Claude.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature *float64
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey, baseURL, model string, maxTokens uint32, temperature *float64) *AnthropicProvider {
	// Retries are owned by the caller.
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &AnthropicProvider{
		client:      anthropic.NewClient(opts...),
		model:       model,
		maxTokens:   int64(maxTokens),
		temperature: temperature,
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Model returns the current model.
func (p *AnthropicProvider) Model() string {
	return p.model
}

func (p *AnthropicProvider) params(messages []ChatMessage) anthropic.MessageNewParams {
	anthropicMessages, systemPrompt := convertToAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  anthropicMessages,
	}
	if p.temperature != nil {
		params.Temperature = anthropic.Float(*p.temperature)
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	return params
}

// Chat sends a chat completion request.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []ChatMessage) (LLMResponse, error) {
	return p.ChatWithFormat(ctx, messages, nil)
}

// ChatWithFormat sends a chat completion request. A JSON schema format is
// served by forcing the model to call a tool whose input schema is the
// requested schema; the tool input becomes the response content.
func (p *AnthropicProvider) ChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (LLMResponse, error) {
	params, toolName := p.formatParams(messages, format)

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return LLMResponse{}, fmt.Errorf("chat completion failed: %w", normalizeError(p.Name(), err))
	}

	content := ""
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if toolName == "" {
				content += variant.Text
			}
		case anthropic.ToolUseBlock:
			if variant.Name == toolName {
				input, err := json.Marshal(variant.Input)
				if err != nil {
					return LLMResponse{}, fmt.Errorf("failed to encode tool input: %w", err)
				}
				content = string(input)
			}
		}
	}

	var usage *Usage
	if message.Usage.InputTokens > 0 || message.Usage.OutputTokens > 0 {
		usage = &Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		}
	}

	return LLMResponse{Content: content, Usage: usage}, nil
}

// formatParams is params plus, for a JSON schema format, the forced tool
// whose name is returned. Other formats leave the request unconstrained.
func (p *AnthropicProvider) formatParams(messages []ChatMessage, format *ResponseFormat) (anthropic.MessageNewParams, string) {
	params := p.params(messages)
	schema := schemaMap(format)
	if schema == nil {
		return params, ""
	}

	toolName := format.JSONSchema.Name
	params.Tools = []anthropic.ToolUnionParam{{OfTool: schemaTool(toolName, format.JSONSchema.Description, schema)}}
	params.ToolChoice = anthropic.ToolChoiceUnionParam{
		OfTool: &anthropic.ToolChoiceToolParam{Name: toolName},
	}
	return params, toolName
}

func schemaTool(name, description string, schema map[string]interface{}) *anthropic.ToolParam {
	properties, _ := schema["properties"].(map[string]interface{})
	var required []string
	if raw, ok := schema["required"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}

	tool := &anthropic.ToolParam{
		Name: name,
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: properties,
			Required:   required,
		},
	}
	if description != "" {
		tool.Description = anthropic.String(description)
	}
	return tool
}

// StreamChat streams a chat completion.
func (p *AnthropicProvider) StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*Usage, error) {
	return p.StreamChatWithFormat(ctx, messages, nil, chunks)
}

// StreamChatWithFormat streams a chat completion. With a JSON schema format
// the forced tool's input arrives as partial JSON and is streamed as text.
func (p *AnthropicProvider) StreamChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat, chunks chan<- string) (*Usage, error) {
	params, toolName := p.formatParams(messages, format)
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var usage *Usage
	for stream.Next() {
		event := stream.Current()

		switch eventVariant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			if eventVariant.Message.Usage.InputTokens > 0 {
				usage = &Usage{InputTokens: int(eventVariant.Message.Usage.InputTokens)}
			}
		case anthropic.ContentBlockDeltaEvent:
			text := ""
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if toolName == "" {
					text = deltaVariant.Text
				}
			case anthropic.InputJSONDelta:
				if toolName != "" {
					text = deltaVariant.PartialJSON
				}
			}
			if text != "" {
				select {
				case chunks <- text:
				case <-ctx.Done():
					return usage, ctx.Err()
				}
			}
		case anthropic.MessageDeltaEvent:
			if eventVariant.Usage.OutputTokens > 0 {
				if usage == nil {
					usage = &Usage{}
				}
				usage.OutputTokens = int(eventVariant.Usage.OutputTokens)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return usage, fmt.Errorf("stream error: %w", normalizeError(p.Name(), err))
	}

	return usage, nil
}

// convertToAnthropicMessages converts our ChatMessage to Anthropic format.
// Extracts system message and returns it separately.
func convertToAnthropicMessages(messages []ChatMessage) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemPrompt = msg.Content
		case "user":
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case "assistant":
			anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	return anthropicMessages, systemPrompt
}

// Verify AnthropicProvider implements Provider
var _ Provider = (*AnthropicProvider)(nil)
